package navigation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/sidecart/pkg/analyzer"
	"github.com/entrhq/sidecart/pkg/attach"
	"github.com/entrhq/sidecart/pkg/retailers"
	"github.com/entrhq/sidecart/pkg/scrape"
	"github.com/entrhq/sidecart/pkg/types"
	"github.com/entrhq/sidecart/pkg/viewstate"
)

type fakeAgent struct {
	mu       sync.Mutex
	ready    bool
	language string
	urls     map[int]string
	block    chan struct{} // when set, the first handshake parks here

	readyCalls int
}

func (f *fakeAgent) ConfirmReady(ctx context.Context, tabID int) bool {
	f.mu.Lock()
	f.readyCalls++
	calls := f.readyCalls
	block := f.block
	f.mu.Unlock()

	if block != nil && calls == 1 {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeAgent) PageLanguage(ctx context.Context, tabID int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.language, nil
}

func (f *fakeAgent) TabURL(ctx context.Context, tabID int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.urls[tabID], nil
}

type fakeScraper struct {
	mu    sync.Mutex
	calls []int
}

func (f *fakeScraper) MaybeTrigger(tabID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tabID)
}

func (f *fakeScraper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeJobs struct {
	mu    sync.Mutex
	stops []int
}

func (f *fakeJobs) StopForTab(tabID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, tabID)
}

type staticFetcher struct {
	configs []retailers.Config
}

func (s *staticFetcher) FetchRetailerDirectory(ctx context.Context) ([]retailers.Config, error) {
	return s.configs, nil
}

func testConfigs() []retailers.Config {
	return []retailers.Config{{
		ID:         "r1",
		DomainKey:  "example",
		Name:       "Example",
		DomainKeys: []string{"example"},
		Domains: retailers.DomainSet{Domains: []types.RetailerDomain{
			{Domain: "https://www.example.ca", LangKeys: []string{"en"}},
		}},
		URLPatterns: retailers.PatternSet{Patterns: []retailers.Pattern{
			{Type: retailers.PatternProduct, Value: []string{"/product/"}},
			{Type: retailers.PatternCart, Value: []string{"/cart"}},
		}},
	}}
}

type harness struct {
	controller *Controller
	cache      *viewstate.Cache
	agent      *fakeAgent
	scraper    *fakeScraper
	jobs       *fakeJobs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cache := viewstate.NewCache()
	t.Cleanup(cache.Close)

	agent := &fakeAgent{ready: true, language: "en", urls: make(map[int]string)}
	a := analyzer.New("ca", nil, agent, nil)
	directory := retailers.NewDirectory(&staticFetcher{configs: testConfigs()})
	t.Cleanup(directory.Close)
	scraper := &fakeScraper{}
	jobs := &fakeJobs{}

	return &harness{
		controller: NewController(cache, a, directory, agent, scraper, jobs),
		cache:      cache,
		agent:      agent,
		scraper:    scraper,
		jobs:       jobs,
	}
}

func TestCompletedEventClassifiesProductPage(t *testing.T) {
	h := newHarness(t)

	h.controller.HandleCompleted(context.Background(), types.NavigationEvent{
		TabID: 7, URL: "https://www.example.ca/product/123",
	})

	rec, ok := h.cache.Get(7)
	require.True(t, ok)
	assert.Equal(t, types.PageProduct, rec.PageType)
	assert.Equal(t, types.DomLoading, rec.DomStatus)
	assert.Equal(t, types.ScrapeNeeded, rec.ScrapeStatus)
	assert.True(t, rec.IsRegionalDomain)
	require.NotNil(t, rec.Retailer)
	assert.Equal(t, "example", rec.Retailer.DomainKey)

	assert.Equal(t, []int{7}, h.jobs.stops, "navigation tears down the tab's job")
	assert.Equal(t, 1, h.scraper.count())
}

func TestDuplicateCompletedEventRunsOnce(t *testing.T) {
	h := newHarness(t)
	ev := types.NavigationEvent{TabID: 7, URL: "https://www.example.ca/product/123"}

	h.controller.HandleCompleted(context.Background(), ev)
	h.controller.HandleCompleted(context.Background(), ev)

	assert.Equal(t, 1, h.agent.readyCalls, "lock suppresses the re-delivered event")
}

func TestCommittedEventClearsLockAndWritesShell(t *testing.T) {
	h := newHarness(t)
	ev := types.NavigationEvent{TabID: 7, URL: "https://www.example.ca/product/123"}

	h.controller.HandleCompleted(context.Background(), ev)
	h.controller.HandleCommitted(ev)

	rec, _ := h.cache.Get(7)
	assert.Equal(t, types.DomNavigating, rec.DomStatus)
	assert.Empty(t, rec.PageType)

	// The lock was cleared, so the same URL analyzes again.
	h.controller.HandleCompleted(context.Background(), ev)
	assert.Equal(t, 2, h.agent.readyCalls)
}

func TestCommittedNonHTTPShortCircuits(t *testing.T) {
	h := newHarness(t)

	h.controller.HandleCommitted(types.NavigationEvent{TabID: 7, URL: "chrome://settings"})

	rec, _ := h.cache.Get(7)
	assert.Equal(t, types.PageNonHTTP, rec.PageType)
	assert.Equal(t, types.DomLoaded, rec.DomStatus)
	assert.Equal(t, 0, h.agent.readyCalls, "no analysis for non-web pages")
}

func TestSubFrameEventsIgnored(t *testing.T) {
	h := newHarness(t)

	h.controller.HandleCompleted(context.Background(), types.NavigationEvent{
		TabID: 7, URL: "https://www.example.ca/product/123", FrameID: 5,
	})

	_, ok := h.cache.Get(7)
	assert.False(t, ok)
}

func TestUnsupportedHostnameSkipsHandshake(t *testing.T) {
	h := newHarness(t)

	h.controller.HandleCompleted(context.Background(), types.NavigationEvent{
		TabID: 7, URL: "https://www.stranger.com/product/123",
	})

	rec, _ := h.cache.Get(7)
	assert.Equal(t, types.PageUnknown, rec.PageType)
	assert.Equal(t, types.DomLoaded, rec.DomStatus)
	assert.Equal(t, 0, h.agent.readyCalls)
}

func TestBaseDomainVariantReported(t *testing.T) {
	h := newHarness(t)

	h.controller.HandleCompleted(context.Background(), types.NavigationEvent{
		TabID: 7, URL: "https://www.example.com/product/123",
	})

	rec, _ := h.cache.Get(7)
	assert.Equal(t, types.PageWrongDomain, rec.PageType)
	assert.Equal(t, 0, h.agent.readyCalls)
}

func TestHandshakeFailureWritesAgentNotReady(t *testing.T) {
	h := newHarness(t)
	h.agent.ready = false

	h.controller.HandleCompleted(context.Background(), types.NavigationEvent{
		TabID: 7, URL: "https://www.example.ca/product/123",
	})

	rec, _ := h.cache.Get(7)
	assert.Equal(t, types.PageError, rec.PageType)
	assert.Equal(t, types.DomError, rec.DomStatus)
	assert.Equal(t, types.ErrCodeAgentNotReady, rec.ErrorCode)
}

func TestRefreshFlagSurvivesAnalysis(t *testing.T) {
	h := newHarness(t)

	h.cache.Reset(7, true)
	h.controller.HandleCompleted(context.Background(), types.NavigationEvent{
		TabID: 7, URL: "https://www.example.ca/product/123",
	})

	rec, _ := h.cache.Get(7)
	assert.Equal(t, types.DomLoading, rec.DomStatus)
	assert.True(t, rec.IsRefreshing, "a manual refresh in progress is not clobbered")
}

func TestTabClosedReleasesEverything(t *testing.T) {
	h := newHarness(t)

	h.controller.HandleCompleted(context.Background(), types.NavigationEvent{
		TabID: 7, URL: "https://www.example.ca/product/123",
	})
	h.controller.HandleTabClosed(7)

	_, ok := h.cache.Get(7)
	assert.False(t, ok)
	assert.Contains(t, h.jobs.stops, 7)
}

func TestReanalyzeTabBypassesLock(t *testing.T) {
	h := newHarness(t)
	h.agent.urls[7] = "https://www.example.ca/product/123"

	h.controller.HandleCompleted(context.Background(), types.NavigationEvent{
		TabID: 7, URL: "https://www.example.ca/product/123",
	})
	require.NoError(t, h.controller.ReanalyzeTab(context.Background(), 7))

	assert.Equal(t, 2, h.agent.readyCalls)
}

func TestNewerNavigationCancelsInFlightAnalysis(t *testing.T) {
	h := newHarness(t)

	release := make(chan struct{})
	h.agent.block = release

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.controller.HandleCompleted(context.Background(), types.NavigationEvent{
			TabID: 7, URL: "https://www.example.ca/product/first",
		})
	}()

	// Wait for the first run to reach its handshake, then supersede it.
	require.Eventually(t, func() bool {
		h.agent.mu.Lock()
		defer h.agent.mu.Unlock()
		return h.agent.readyCalls == 1
	}, time.Second, 5*time.Millisecond)

	h.controller.HandleCompleted(context.Background(), types.NavigationEvent{
		TabID: 7, URL: "https://www.example.ca/product/second",
	})
	close(release)
	<-done

	rec, _ := h.cache.Get(7)
	assert.Equal(t, "https://www.example.ca/product/second", rec.URL,
		"the cancelled run writes nothing over the newer result")
}

// End to end: navigate, attach, scrape, succeed. The success record is
// pushed to the UI exactly once.
func TestProductPageScrapeLifecycle(t *testing.T) {
	cache := viewstate.NewCache()
	t.Cleanup(cache.Close)

	agent := &fakeAgent{ready: true, language: "en", urls: map[int]string{7: "https://www.example.ca/product/123"}}
	a := analyzer.New("ca", nil, agent, nil)
	directory := retailers.NewDirectory(&staticFetcher{configs: testConfigs()})
	t.Cleanup(directory.Close)

	dispatcher := &recordingDispatcher{}
	var manager *attach.Manager
	coordinator := scrape.NewCoordinator(cache, attachmentFunc(func() (int, bool) {
		return manager.AttachedTab()
	}), dispatcher, nil)
	manager = attach.NewManager(cache, coordinator, nil)
	cache.SetAttachmentProvider(manager)
	cache.SetPushFunc(manager.Deliver)

	controller := NewController(cache, a, directory, agent, coordinator, &fakeJobs{})
	manager.SetReanalyzer(controller)

	// Navigation completes before any UI exists.
	controller.HandleCompleted(context.Background(), types.NavigationEvent{
		TabID: 7, URL: "https://www.example.ca/product/123",
	})
	rec, _ := cache.Get(7)
	require.Equal(t, types.ScrapeNeeded, rec.ScrapeStatus)

	// UI attaches: the gate dispatches extraction.
	sink := &countingSink{}
	require.NoError(t, manager.Attach(context.Background(), 7, sink))
	require.Len(t, dispatcher.requests, 1)
	assert.Equal(t, types.PageProduct, dispatcher.requests[0].PageType)

	rec, _ = cache.Get(7)
	require.Equal(t, types.DomScraping, rec.DomStatus)

	// Extraction succeeds and reports back through the cache.
	before := sink.successCount()
	cache.Update(7, types.Patch{
		DomStatus:    types.DomStatusPtr(types.DomLoaded),
		ScrapeStatus: types.ScrapeStatusPtr(types.ScrapeSuccess),
		ProductData:  types.RawPtr([]byte(`{"title":"Widget"}`)),
	}, types.UpdateMerge)

	rec, _ = cache.Get(7)
	assert.Equal(t, types.DomLoaded, rec.DomStatus)
	assert.Equal(t, types.ScrapeSuccess, rec.ScrapeStatus)
	assert.JSONEq(t, `{"title":"Widget"}`, string(rec.ProductData))
	assert.Equal(t, 1, sink.successCount()-before, "success record pushed exactly once")
}

type attachmentFunc func() (int, bool)

func (f attachmentFunc) AttachedTab() (int, bool) { return f() }

type recordingDispatcher struct {
	mu       sync.Mutex
	requests []types.ScrapeRequest
}

func (r *recordingDispatcher) TriggerScrape(tabID int, req types.ScrapeRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return nil
}

type countingSink struct {
	mux       sync.Mutex
	delivered []types.ViewRecord
}

func (c *countingSink) Deliver(tabID int, rec types.ViewRecord) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.delivered = append(c.delivered, rec)
}

func (c *countingSink) DeliverJobUpdate(tabID int, update types.JobUpdate) {}

func (c *countingSink) successCount() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	var n int
	for _, rec := range c.delivered {
		if rec.ScrapeStatus == types.ScrapeSuccess {
			n++
		}
	}
	return n
}
