package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/resumeai/pkg/models"
)

func TestCalculateBackoffDelay(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{4, 16 * time.Minute},
		{6, time.Hour},
		{10, time.Hour},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("retry_%d", tt.retry), func(t *testing.T) {
			assert.Equal(t, tt.want, calculateBackoffDelay(tt.retry))
		})
	}
}

func TestDecide(t *testing.T) {
	transient := errors.New("connection refused")
	permanent := fmt.Errorf("%w: insufficient credits", ErrPermanent)

	tests := []struct {
		name    string
		attempt int
		err     error
		want    disposition
	}{
		{"success", 0, nil, dispositionAck},
		{"success on last attempt", MaxRetries, nil, dispositionAck},
		{"transient failure", 0, transient, dispositionRetry},
		{"transient failure with attempts left", MaxRetries - 1, transient, dispositionRetry},
		{"out of attempts", MaxRetries, transient, dispositionDeadLetter},
		{"permanent failure", 0, permanent, dispositionDeadLetter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &SettlementTask{OperationID: "op-1", Attempt: tt.attempt}
			assert.Equal(t, tt.want, decide(task, tt.err))
		})
	}
}

func TestSettlementTaskJSON(t *testing.T) {
	task := SettlementTask{
		OperationID: "op-1",
		UserID:      "user-1",
		Amount:      1,
		Action:      models.ActionOptimize,
		Attempt:     2,
		Reason:      "store unavailable",
	}

	body, err := json.Marshal(task)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &fields))
	assert.Equal(t, "op-1", fields["operation_id"])
	assert.Equal(t, "resume.optimize", fields["action"])
	assert.NotContains(t, fields, "idempotency_key")
}
