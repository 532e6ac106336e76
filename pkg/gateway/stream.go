package gateway

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
)

// StreamEvent is one decoded server-sent event from a job status stream.
// Err is set on transport or decode failures; the stream ends after an
// errored event.
type StreamEvent struct {
	Step    int             `json:"step"`
	Message string          `json:"message"`
	Raw     json.RawMessage `json:"-"`
	Err     error           `json:"-"`
}

// Stream is a live job status stream. Events is closed when the stream
// ends for any reason.
type Stream interface {
	Events() <-chan StreamEvent
	Close()
}

type sseStream struct {
	events    chan StreamEvent
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *sseStream) Events() <-chan StreamEvent { return s.events }

func (s *sseStream) Close() {
	s.closeOnce.Do(s.cancel)
}

// OpenJobStream opens the streamed status feed for a job. The stream is
// subject to the same admission windows as every other outbound call.
func (c *Client) OpenJobStream(ctx context.Context, jobID, streamToken string) (Stream, error) {
	if resp, ok := c.admissionCheck(EndpointJobStatus(jobID)); !ok {
		return nil, fmt.Errorf("job stream blocked: status %d %s", resp.Status, resp.Message)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	url := c.baseURL + EndpointJobStatus(jobID)
	if streamToken != "" {
		url += "?sseToken=" + streamToken
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Stream requests must not inherit the client-wide timeout.
	httpClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open job stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("job stream returned status %d", resp.StatusCode)
	}

	s := &sseStream{
		events: make(chan StreamEvent),
		cancel: cancel,
	}

	go func() {
		defer close(s.events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}

			var event StreamEvent
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				c.logger.Errorf("malformed stream payload for job %s: %v", jobID, err)
				s.deliver(streamCtx, StreamEvent{Err: fmt.Errorf("malformed stream payload: %w", err)})
				return
			}
			event.Raw = json.RawMessage(payload)
			if !s.deliver(streamCtx, event) {
				return
			}
		}

		if err := scanner.Err(); err != nil && streamCtx.Err() == nil {
			s.deliver(streamCtx, StreamEvent{Err: fmt.Errorf("job stream failed: %w", err)})
		}
	}()

	return s, nil
}

func (s *sseStream) deliver(ctx context.Context, event StreamEvent) bool {
	select {
	case s.events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
