package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "JSON format to stdout",
			config: Config{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
			wantErr: false,
		},
		{
			name: "Console format to stderr",
			config: Config{
				Level:  "debug",
				Format: "console",
				Output: "stderr",
			},
			wantErr: false,
		},
		{
			name: "Invalid log level defaults to info",
			config: Config{
				Level:  "invalid",
				Format: "json",
				Output: "stdout",
			},
			wantErr: false,
		},
		{
			name: "Unwritable file path",
			config: Config{
				Level:  "info",
				Format: "json",
				Output: "/nonexistent-dir/resumeai.log",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewLogger() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && logger == nil {
				t.Error("Expected non-nil logger")
			}
		})
	}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogGateDecision(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, zerolog.DebugLevel)

	logger.LogGateDecision("user-1", "free", "RATE_LIMITED", 429)

	entry := decodeLine(t, &buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "RATE_LIMITED", entry["code"])
	assert.Equal(t, float64(429), entry["status_code"])
	assert.Equal(t, "Gate decision", entry["message"])
}

func TestLogGateDecisionAdmittedIsDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, zerolog.InfoLevel)

	logger.LogGateDecision("user-1", "pro", "", 0)

	assert.Zero(t, buf.Len())
}

func TestLogSettlementFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, zerolog.InfoLevel)

	logger.LogSettlement("op-1", "user-1", "resume.optimize", 1, errors.New("connection refused"))

	entry := decodeLine(t, &buf)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, true, entry["reconciliation_required"])
	assert.Equal(t, "connection refused", entry["error"])
	assert.Equal(t, "op-1", entry["operation_id"])
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, zerolog.InfoLevel)

	logger.WithUserID("user-9").
		WithOperationID("op-3").
		WithComponent("ledger").
		WithFields(map[string]interface{}{"key1": "value1"}).
		Info("hello")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "user-9", entry["user_id"])
	assert.Equal(t, "op-3", entry["operation_id"])
	assert.Equal(t, "ledger", entry["component"])
	assert.Equal(t, "value1", entry["key1"])
}

func TestLogHTTPRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, zerolog.InfoLevel)

	logger.LogHTTPRequest("POST", "/api/v1/resumes/optimize", "192.168.1.1", 200, 100*time.Millisecond)

	entry := decodeLine(t, &buf)
	assert.Equal(t, "/api/v1/resumes/optimize", entry["path"])
	assert.Equal(t, "192.168.1.1", entry["client_ip"])
}

func TestNopLogger(t *testing.T) {
	logger := NewNop()
	logger.Error("dropped")
	logger.LogSettlement("op", "user", "action", 1, errors.New("x"))
}

func BenchmarkLogInfo(b *testing.B) {
	logger := New(&bytes.Buffer{}, zerolog.InfoLevel)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("benchmark message")
	}
}
