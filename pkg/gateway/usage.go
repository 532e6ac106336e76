package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// UsageEvent records one admitted backend call for batched delivery.
type UsageEvent struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Hostname string `json:"hostname"`
	Language string `json:"userLanguage,omitempty"`
	At       int64  `json:"at"`
}

func (c *Client) recordUsage(endpoint string) {
	event := UsageEvent{
		ID:       uuid.NewString(),
		Endpoint: endpoint,
		Hostname: c.hostname(),
		Language: c.language(),
		At:       c.now().UnixMilli(),
	}

	c.usageMu.Lock()
	c.usage = append(c.usage, event)
	c.usageMu.Unlock()
}

// PendingUsage returns a copy of the queued events.
func (c *Client) PendingUsage() []UsageEvent {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	out := make([]UsageEvent, len(c.usage))
	copy(out, c.usage)
	return out
}

// FlushUsage delivers the queued events in one batch. The queue is drained
// before the call and requeued on failure so a flaky flush loses nothing.
func (c *Client) FlushUsage(ctx context.Context) error {
	c.usageMu.Lock()
	batch := c.usage
	c.usage = nil
	c.usageMu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	resp := c.Do(ctx, Request{
		Endpoint: EndpointUsage,
		Method:   http.MethodPost,
		Body:     map[string]interface{}{"events": batch},
	})
	if !resp.OK {
		c.usageMu.Lock()
		c.usage = append(batch, c.usage...)
		c.usageMu.Unlock()
		c.logger.Warnf("usage flush failed: status %d", resp.Status)
		return &FlushError{Status: resp.Status}
	}

	c.logger.Debugf("flushed %d usage events", len(batch))
	return nil
}

// FlushError reports a failed usage batch delivery.
type FlushError struct {
	Status int
}

func (e *FlushError) Error() string {
	return "usage flush failed"
}

// StartUsageFlush flushes the queue on a fixed cadence until ctx or the
// client is closed.
func (c *Client) StartUsageFlush(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = c.FlushUsage(ctx)
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}
	}()
}
