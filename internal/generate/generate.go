// Package generate wraps the upstream structured-output generation service.
//
// A stream ends in exactly one of three ways: a final object was received
// (succeeded), the upstream reported an error or hung up early (failed), or
// the caller went away first (aborted). Only succeeded streams are billed.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/therealutkarshpriyadarshi/resumeai/internal/metrics"
	"github.com/therealutkarshpriyadarshi/resumeai/pkg/models"
)

// ErrIncomplete is reported when a stream closes without a final object
var ErrIncomplete = errors.New("generation stream ended before completion")

// Request is one generation call
type Request struct {
	Action   models.Action     `json:"action"`
	UserID   string            `json:"user_id,omitempty"`
	Template models.TemplateID `json:"template,omitempty"`
	Input    json.RawMessage   `json:"input"`
}

// Chunk is one element of a stream. Data holds a partial object until the
// chunk with Done set, which carries the final object.
type Chunk struct {
	Data json.RawMessage
	Done bool
	Err  error
}

// Generator produces structured objects as a stream. The channel is closed
// by the generator when the stream ends or ctx is cancelled.
type Generator interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Status is the terminal state of a stream
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Outcome is the result of consuming a stream
type Outcome struct {
	Status   Status
	Result   json.RawMessage
	Partials int
	Err      error
}

// Collect drains a stream. onPartial, when non-nil, sees every partial
// object as it arrives.
func Collect(ctx context.Context, action models.Action, chunks <-chan Chunk, onPartial func(json.RawMessage)) Outcome {
	start := time.Now()
	outcome := collect(ctx, chunks, onPartial)
	metrics.RecordGeneration(string(action), string(outcome.Status), time.Since(start).Seconds())
	return outcome
}

func collect(ctx context.Context, chunks <-chan Chunk, onPartial func(json.RawMessage)) Outcome {
	var outcome Outcome
	for {
		select {
		case <-ctx.Done():
			outcome.Status = StatusAborted
			outcome.Err = ctx.Err()
			return outcome

		case chunk, ok := <-chunks:
			if !ok {
				// A stream that closes after cancellation was aborted, not failed
				if ctx.Err() != nil {
					outcome.Status = StatusAborted
					outcome.Err = ctx.Err()
					return outcome
				}
				outcome.Status = StatusFailed
				outcome.Err = ErrIncomplete
				return outcome
			}

			switch {
			case chunk.Err != nil:
				outcome.Status = StatusFailed
				outcome.Err = chunk.Err
				return outcome
			case chunk.Done:
				outcome.Status = StatusSucceeded
				outcome.Result = chunk.Data
				return outcome
			default:
				outcome.Partials++
				if onPartial != nil {
					onPartial(chunk.Data)
				}
			}
		}
	}
}
