// Package gateway is the single admission point for outbound backend calls.
// It enforces local rate-limit and service-unavailable windows, deduplicates
// in-flight requests by cancellation key, normalizes failures into plain
// response values, and queues usage events for batch delivery.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/entrhq/sidecart/pkg/logging"
	"github.com/entrhq/sidecart/pkg/retailers"
	"github.com/entrhq/sidecart/pkg/storage"
)

// admissionSkew pads a rate-limit window so the local clock never reopens
// admission before the backend does.
const admissionSkew = time.Second

// Request describes one outbound call. Key, when set, cancels any in-flight
// request carrying the same key before this one starts.
type Request struct {
	Key      string
	Endpoint string
	Method   string
	Body     interface{}
}

// Response is the normalized outcome of a call. OK is true only for 2xx.
// Admission rejections surface as status 429/503 without a network attempt;
// a cancelled request surfaces as status 0.
type Response struct {
	OK      bool
	Status  int
	Data    json.RawMessage
	Message string
}

// admissionState is the persisted shape of the two admission windows,
// stored as Unix milliseconds.
type admissionState struct {
	RateLimitedUntil        int64 `json:"rateLimitedUntil"`
	ServiceUnavailableUntil int64 `json:"serviceUnavailableUntil"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithStore persists admission flags across restarts.
func WithStore(store *storage.Store) Option {
	return func(c *Client) { c.store = store }
}

// WithLogger sets the client's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClock injects the time source used for admission decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithUserID sets the user id attached to every request.
func WithUserID(id string) Option {
	return func(c *Client) { c.userID = id }
}

// WithRateLimitFallback sets the window used when a 429 carries no
// retryAfter hint.
func WithRateLimitFallback(d time.Duration) Option {
	return func(c *Client) { c.rateLimitFallback = d }
}

// WithUnavailableWindow sets the fixed window opened by a 503.
func WithUnavailableWindow(d time.Duration) Option {
	return func(c *Client) { c.unavailableWindow = d }
}

// WithHostnameProvider supplies the active-tab hostname recorded in usage
// events.
func WithHostnameProvider(fn func() string) Option {
	return func(c *Client) { c.hostname = fn }
}

// WithLanguageProvider supplies the user language recorded in usage events.
func WithLanguageProvider(fn func() string) Option {
	return func(c *Client) { c.language = fn }
}

// Client is the admission gateway. Safe for concurrent use.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
	store      *storage.Store
	logger     *logging.Logger
	now        func() time.Time

	rateLimitFallback time.Duration
	unavailableWindow time.Duration

	mu                      sync.Mutex
	active                  map[string]*activeCall
	rateLimitedUntil        time.Time
	serviceUnavailableUntil time.Time
	rateTimer               *time.Timer
	unavailableTimer        *time.Timer

	usageMu  sync.Mutex
	usage    []UsageEvent
	hostname func() string
	language func() string

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a gateway for the given API base URL and restores any
// persisted admission windows. Windows already expired at startup are
// discarded.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:           baseURL,
		httpClient:        &http.Client{Timeout: 30 * time.Second},
		now:               time.Now,
		rateLimitFallback: time.Minute,
		unavailableWindow: 10 * time.Minute,
		active:            make(map[string]*activeCall),
		hostname:          func() string { return "unknown" },
		language:          func() string { return "" },
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger, _ = logging.NewLogger("gateway")
	}

	c.restoreAdmission()
	return c
}

func (c *Client) restoreAdmission() {
	if c.store == nil {
		return
	}
	var state admissionState
	ok, err := c.store.Get(storage.SectionAdmission, &state)
	if err != nil {
		c.logger.Warnf("failed to restore admission flags: %v", err)
		return
	}
	if !ok {
		return
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if until := time.UnixMilli(state.RateLimitedUntil); until.After(now) {
		c.rateLimitedUntil = until
		c.rateTimer = time.AfterFunc(until.Sub(now), c.ClearExpiredAdmission)
	}
	if until := time.UnixMilli(state.ServiceUnavailableUntil); until.After(now) {
		c.serviceUnavailableUntil = until
		c.unavailableTimer = time.AfterFunc(until.Sub(now), c.ClearExpiredAdmission)
	}
	c.persistAdmissionLocked()
}

// admissionCheck returns a rejection response while either window is open.
func (c *Client) admissionCheck(endpoint string) (Response, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Before(c.rateLimitedUntil) {
		c.logger.Warnf("request to %s blocked: rate limited until %s", endpoint, c.rateLimitedUntil.Format(time.RFC3339))
		return Response{Status: http.StatusTooManyRequests, Message: "Rate limited"}, false
	}
	if now.Before(c.serviceUnavailableUntil) {
		c.logger.Warnf("request to %s blocked: service unavailable until %s", endpoint, c.serviceUnavailableUntil.Format(time.RFC3339))
		return Response{Status: http.StatusServiceUnavailable, Message: "Service unavailable"}, false
	}
	return Response{}, true
}

// Do performs an outbound call under admission control. Failures are
// normalized into the Response; the only panics or errors a caller sees are
// its own context semantics via Response.Status == 0.
func (c *Client) Do(ctx context.Context, req Request) Response {
	if resp, ok := c.admissionCheck(req.Endpoint); !ok {
		return resp
	}

	if req.Key != "" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		call := &activeCall{cancel: cancel}

		c.mu.Lock()
		if prev, exists := c.active[req.Key]; exists {
			prev.cancel()
		}
		c.active[req.Key] = call
		c.mu.Unlock()

		defer func() {
			c.mu.Lock()
			// A later call may have already replaced the entry.
			if c.active[req.Key] == call {
				delete(c.active, req.Key)
			}
			c.mu.Unlock()
			cancel()
		}()
	}

	resp := c.doHTTP(ctx, req)
	if resp.OK && req.Endpoint != EndpointUsage {
		c.recordUsage(req.Endpoint)
	}
	return resp
}

// activeCall identifies one in-flight request in the keyed ledger.
type activeCall struct {
	cancel context.CancelFunc
}

func (c *Client) doHTTP(ctx context.Context, req Request) Response {
	var bodyReader io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return Response{Status: http.StatusInternalServerError, Message: err.Error()}
		}
		bodyReader = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Endpoint, bodyReader)
	if err != nil {
		return Response{Status: http.StatusInternalServerError, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.userID != "" {
		httpReq.Header.Set("X-User-ID", c.userID)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{Status: 0, Message: "Request aborted"}
		}
		c.logger.Errorf("request to %s failed: %v", req.Endpoint, err)
		return Response{Status: http.StatusInternalServerError, Message: err.Error()}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return Response{Status: 0, Message: "Request aborted"}
		}
		return Response{Status: http.StatusInternalServerError, Message: err.Error()}
	}

	switch {
	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
		return Response{OK: true, Status: httpResp.StatusCode, Data: data}
	case httpResp.StatusCode == http.StatusTooManyRequests:
		c.openRateLimitWindow(data)
		return Response{Status: httpResp.StatusCode, Data: data, Message: "Rate limited"}
	case httpResp.StatusCode == http.StatusServiceUnavailable:
		c.openUnavailableWindow()
		return Response{Status: httpResp.StatusCode, Data: data, Message: "Service unavailable"}
	default:
		c.logger.Errorf("request to %s returned %d", req.Endpoint, httpResp.StatusCode)
		return Response{Status: httpResp.StatusCode, Data: data}
	}
}

// openRateLimitWindow opens the rate-limit window using the backend's
// retryAfter hint (milliseconds) when present.
func (c *Client) openRateLimitWindow(body []byte) {
	window := c.rateLimitFallback
	var hint struct {
		RetryAfter int64 `json:"retryAfter"`
	}
	if err := json.Unmarshal(body, &hint); err == nil && hint.RetryAfter > 0 {
		window = time.Duration(hint.RetryAfter) * time.Millisecond
	}
	window += admissionSkew

	c.logger.Warnf("rate limit hit, suppressing outbound calls for %s", window)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimitedUntil = c.now().Add(window)
	if c.rateTimer != nil {
		c.rateTimer.Stop()
	}
	c.rateTimer = time.AfterFunc(window, c.ClearExpiredAdmission)
	c.persistAdmissionLocked()
}

func (c *Client) openUnavailableWindow() {
	c.logger.Warnf("service unavailable, suppressing outbound calls for %s", c.unavailableWindow)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.serviceUnavailableUntil = c.now().Add(c.unavailableWindow)
	if c.unavailableTimer != nil {
		c.unavailableTimer.Stop()
	}
	c.unavailableTimer = time.AfterFunc(c.unavailableWindow, c.ClearExpiredAdmission)
	c.persistAdmissionLocked()
}

// ClearExpiredAdmission closes any admission window whose deadline has
// passed. The clearing timers call this; tests and manual resets may too.
func (c *Client) ClearExpiredAdmission() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	if !c.rateLimitedUntil.IsZero() && !now.Before(c.rateLimitedUntil) {
		c.rateLimitedUntil = time.Time{}
		changed = true
	}
	if !c.serviceUnavailableUntil.IsZero() && !now.Before(c.serviceUnavailableUntil) {
		c.serviceUnavailableUntil = time.Time{}
		changed = true
	}
	if changed {
		c.logger.Infof("admission window cleared")
		c.persistAdmissionLocked()
	}
}

func (c *Client) persistAdmissionLocked() {
	if c.store == nil {
		return
	}
	state := admissionState{
		RateLimitedUntil:        unixMilliOrZero(c.rateLimitedUntil),
		ServiceUnavailableUntil: unixMilliOrZero(c.serviceUnavailableUntil),
	}
	if err := c.store.Put(storage.SectionAdmission, state); err != nil {
		c.logger.Warnf("failed to persist admission flags: %v", err)
	}
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// CancelKey aborts the in-flight request registered under key, if any.
func (c *Client) CancelKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if call, ok := c.active[key]; ok {
		call.cancel()
		delete(c.active, key)
	}
}

// StartAnalysis launches a backend analysis job for a product or cart page
// and returns the job id and stream token.
func (c *Client) StartAnalysis(ctx context.Context, endpoint string, payload interface{}, key string) (jobID, streamToken string, err error) {
	resp := c.Do(ctx, Request{Key: key, Endpoint: endpoint, Method: http.MethodPost, Body: payload})
	if !resp.OK {
		return "", "", fmt.Errorf("analysis start failed: status %d %s", resp.Status, resp.Message)
	}

	var out struct {
		JobID       string `json:"jobId"`
		StreamToken string `json:"sseToken"`
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return "", "", fmt.Errorf("malformed analysis start response: %w", err)
	}
	if out.JobID == "" {
		return "", "", fmt.Errorf("analysis start response carries no job id")
	}
	return out.JobID, out.StreamToken, nil
}

// FetchRetailerDirectory retrieves the retailer directory. Unlike Do, the
// failure is returned as an error so a manual-refresh caller can react.
func (c *Client) FetchRetailerDirectory(ctx context.Context) ([]retailers.Config, error) {
	resp := c.Do(ctx, Request{Endpoint: EndpointRetailers, Method: http.MethodGet})
	if !resp.OK {
		return nil, fmt.Errorf("retailer directory fetch failed: status %d %s", resp.Status, resp.Message)
	}

	var configs []retailers.Config
	if err := json.Unmarshal(resp.Data, &configs); err != nil {
		return nil, fmt.Errorf("malformed retailer directory: %w", err)
	}
	return configs, nil
}

// Close stops the clearing timers and the usage flush loop.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.rateTimer != nil {
			c.rateTimer.Stop()
		}
		if c.unavailableTimer != nil {
			c.unavailableTimer.Stop()
		}
		c.mu.Unlock()
	})
}
