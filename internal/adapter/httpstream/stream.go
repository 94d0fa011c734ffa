package httpstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// reconnectDelay is how long the event stream waits before reconnecting
// after an unexpected close, while the adapter's status remains running.
const reconnectDelay = 2 * time.Second

// sseEvent is one parsed "data:" frame from the backend's global event
// stream (§4.5, §6): {payload: {type, properties}}.
type sseEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

type sseEnvelope struct {
	Payload sseEvent `json:"payload"`
}

// eventStream consumes the backend's single long-lived SSE connection and
// invokes handle for every parsed event, reconnecting after reconnectDelay
// whenever the connection ends or fails, until the run context is cancelled.
type eventStream struct {
	baseURL string
	path    string
	logger  *zap.Logger
	client  *http.Client
}

func newEventStream(baseURL, path string, logger *zap.Logger) *eventStream {
	return &eventStream{baseURL: baseURL, path: path, logger: logger, client: &http.Client{}}
}

func (s *eventStream) run(ctx context.Context, handle func(sseEvent)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connectOnce(ctx, handle); err != nil {
			s.logger.Warn("event stream disconnected", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *eventStream) connectOnce(ctx context.Context, handle func(sseEvent)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+s.path, nil)
	if err != nil {
		return fmt.Errorf("httpstream: build event stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("httpstream: connect event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("httpstream: event stream status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var dataBuf strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if dataBuf.Len() == 0 {
				continue
			}
			s.emit(dataBuf.String(), handle)
			dataBuf.Reset()
		case strings.HasPrefix(line, "data:"):
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:/id:/retry: lines and comments are not meaningful to
			// this backend's protocol and are ignored.
		}
	}
	if dataBuf.Len() > 0 {
		s.emit(dataBuf.String(), handle)
	}
	return scanner.Err()
}

func (s *eventStream) emit(data string, handle func(sseEvent)) {
	var env sseEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		s.logger.Warn("malformed sse frame", zap.Error(err))
		return
	}
	handle(env.Payload)
}
