package generate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/therealutkarshpriyadarshi/resumeai/internal/logging"
	"golang.org/x/time/rate"
)

const maxLineSize = 4 << 20

// event is one NDJSON line sent by the upstream service
type event struct {
	Type  string          `json:"type"` // partial, final or error
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// HTTPGenerator streams from an upstream service speaking newline-delimited
// JSON. All calls share one token bucket so the provider quota is never
// exceeded regardless of how many requests the gate admits.
type HTTPGenerator struct {
	url     string
	apiKey  string
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter
	logger  *logging.Logger
}

// NewHTTPGenerator creates a generator for the upstream at url
func NewHTTPGenerator(url, apiKey string, timeout time.Duration, rps float64, burst int, logger *logging.Logger) *HTTPGenerator {
	return &HTTPGenerator{
		url:     url,
		apiKey:  apiKey,
		timeout: timeout,
		client:  &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger.WithComponent("generator"),
	}
}

// Stream implements Generator
func (g *HTTPGenerator) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("generator throttled: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generation request: %w", err)
	}

	streamCtx, cancel := ctx, context.CancelFunc(func() {})
	if g.timeout > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, g.timeout)
	}

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build generation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("generation request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		defer cancel()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("generation upstream returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		defer cancel()
		defer resp.Body.Close()
		g.read(streamCtx, resp.Body, chunks)
	}()

	return chunks, nil
}

func (g *HTTPGenerator) read(ctx context.Context, body io.Reader, chunks chan<- Chunk) {
	send := func(c Chunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev event
		if err := json.Unmarshal(line, &ev); err != nil {
			send(Chunk{Err: fmt.Errorf("malformed stream event: %w", err)})
			return
		}

		switch ev.Type {
		case "partial":
			if !send(Chunk{Data: ev.Data}) {
				return
			}
		case "final":
			send(Chunk{Data: ev.Data, Done: true})
			return
		case "error":
			send(Chunk{Err: errors.New(ev.Error)})
			return
		default:
			g.logger.Warnf("Ignoring unknown stream event type %q", ev.Type)
		}
	}

	// A read error after cancellation is the caller going away; Collect
	// reports that as aborted on its own.
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		send(Chunk{Err: fmt.Errorf("failed to read generation stream: %w", err)})
	}
}
