package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/sidecart/pkg/storage"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestRateLimitOpensLocalWindow(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"retryAfter":5000}`))
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	clock := newFakeClock()
	c := NewClient(server.URL, WithClock(clock.Now))
	defer c.Close()

	resp := c.Do(context.Background(), Request{Endpoint: "/x", Method: http.MethodGet})
	assert.Equal(t, http.StatusTooManyRequests, resp.Status)
	assert.Equal(t, 1, hits)

	// 2s into the 5s window: rejected locally, no network attempt.
	clock.Advance(2 * time.Second)
	resp = c.Do(context.Background(), Request{Endpoint: "/x", Method: http.MethodGet})
	assert.Equal(t, http.StatusTooManyRequests, resp.Status)
	assert.Equal(t, 1, hits, "blocked call must not reach the network")

	// Past the window (5s + 1s skew): the clearing alarm fires, calls pass.
	clock.Advance(5 * time.Second)
	c.ClearExpiredAdmission()
	resp = c.Do(context.Background(), Request{Endpoint: "/x", Method: http.MethodGet})
	assert.True(t, resp.OK)
	assert.Equal(t, 2, hits)
}

func TestServiceUnavailableOpensFixedWindow(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	clock := newFakeClock()
	c := NewClient(server.URL, WithClock(clock.Now), WithUnavailableWindow(10*time.Minute))
	defer c.Close()

	resp := c.Do(context.Background(), Request{Endpoint: "/x", Method: http.MethodGet})
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)

	clock.Advance(time.Minute)
	resp = c.Do(context.Background(), Request{Endpoint: "/x", Method: http.MethodGet})
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, 1, hits)
}

func TestAdmissionFlagsPersistAcrossRestart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"retryAfter":60000}`))
	}))
	defer server.Close()

	store, err := storage.NewStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	clock := newFakeClock()
	c := NewClient(server.URL, WithClock(clock.Now), WithStore(store))
	c.Do(context.Background(), Request{Endpoint: "/x", Method: http.MethodGet})
	c.Close()

	restarted := NewClient(server.URL, WithClock(clock.Now), WithStore(store))
	defer restarted.Close()

	resp := restarted.Do(context.Background(), Request{Endpoint: "/x", Method: http.MethodGet})
	assert.Equal(t, http.StatusTooManyRequests, resp.Status, "restored window still rejects")
}

func TestKeyedRequestCancelsPredecessor(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	defer c.Close()

	results := make(chan Response, 2)
	go func() {
		results <- c.Do(context.Background(), Request{Key: "k", Endpoint: "/slow", Method: http.MethodGet})
	}()
	<-started

	go func() {
		results <- c.Do(context.Background(), Request{Key: "k", Endpoint: "/slow", Method: http.MethodGet})
	}()
	<-started

	// The first call is aborted by the second.
	first := <-results
	assert.Equal(t, 0, first.Status)
	assert.Equal(t, "Request aborted", first.Message)

	close(release)
	second := <-results
	assert.True(t, second.OK)
}

func TestUsageEventsQueueAndFlush(t *testing.T) {
	var flushed int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == EndpointUsage {
			flushed++
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, WithHostnameProvider(func() string { return "www.example.ca" }))
	defer c.Close()

	c.Do(context.Background(), Request{Endpoint: "/a", Method: http.MethodGet})
	c.Do(context.Background(), Request{Endpoint: "/b", Method: http.MethodGet})

	events := c.PendingUsage()
	require.Len(t, events, 2)
	assert.Equal(t, "/a", events[0].Endpoint)
	assert.Equal(t, "www.example.ca", events[0].Hostname)
	assert.NotEmpty(t, events[0].ID)

	require.NoError(t, c.FlushUsage(context.Background()))
	assert.Equal(t, 1, flushed)
	// Flushing the usage endpoint itself records nothing.
	assert.Empty(t, c.PendingUsage())
}

func TestUsageFlushFailureRequeues(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == EndpointUsage {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	defer c.Close()

	c.Do(context.Background(), Request{Endpoint: "/a", Method: http.MethodGet})
	require.Error(t, c.FlushUsage(context.Background()))
	assert.Len(t, c.PendingUsage(), 1, "failed batch is requeued")
}

func TestStartAnalysisParsesJobHandle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, EndpointAnalyzeProduct, r.URL.Path)
		w.Write([]byte(`{"jobId":"job-1","sseToken":"tok"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	defer c.Close()

	jobID, token, err := c.StartAnalysis(context.Background(), EndpointAnalyzeProduct, map[string]string{"u": "x"}, "tab-7")
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)
	assert.Equal(t, "tok", token)
}

func TestFetchRetailerDirectoryErrorPropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewClient(server.URL)
	defer c.Close()

	_, err := c.FetchRetailerDirectory(context.Background())
	assert.Error(t, err, "directory fetch re-throws instead of normalizing")
}
