// Package navigation orchestrates the per-tab pipeline: host navigation
// events in, analysis and cache writes out. It owns the per-tab navigation
// locks and analysis cancellation, applying cancel-then-replace uniformly
// so at most one analysis is ever live for a tab.
package navigation

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/entrhq/sidecart/pkg/analyzer"
	"github.com/entrhq/sidecart/pkg/logging"
	"github.com/entrhq/sidecart/pkg/retailers"
	"github.com/entrhq/sidecart/pkg/types"
	"github.com/entrhq/sidecart/pkg/viewstate"
)

// Agent is the in-page collaborator the controller talks to directly.
type Agent interface {
	// ConfirmReady performs the readiness handshake. It resolves to false
	// rather than returning an error so callers keep a simple control flow.
	ConfirmReady(ctx context.Context, tabID int) bool
	// TabURL reports the tab's current URL, used for attach-time
	// re-analysis where no navigation event carries one.
	TabURL(ctx context.Context, tabID int) (string, error)
}

// ScrapeTrigger pokes the extraction gate after a completed analysis.
type ScrapeTrigger interface {
	MaybeTrigger(tabID int)
}

// JobTeardown tears down the job stream bound to a tab.
type JobTeardown interface {
	StopForTab(tabID int)
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithHandshakeTimeout overrides the readiness handshake deadline.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Controller) { c.handshakeTimeout = d }
}

// Controller is the top-level navigation orchestrator.
type Controller struct {
	cache     *viewstate.Cache
	analyzer  *analyzer.Analyzer
	directory *retailers.Directory
	agent     Agent
	scraper   ScrapeTrigger
	jobs      JobTeardown
	logger    *logging.Logger

	handshakeTimeout time.Duration

	mu    sync.Mutex
	locks map[int]string
	runs  map[int]*analysisRun
}

type analysisRun struct {
	cancel context.CancelFunc
}

// NewController creates the orchestrator.
func NewController(cache *viewstate.Cache, a *analyzer.Analyzer, directory *retailers.Directory, agent Agent, scraper ScrapeTrigger, jobs JobTeardown, opts ...Option) *Controller {
	c := &Controller{
		cache:            cache,
		analyzer:         a,
		directory:        directory,
		agent:            agent,
		scraper:          scraper,
		jobs:             jobs,
		handshakeTimeout: 10 * time.Second,
		locks:            make(map[int]string),
		runs:             make(map[int]*analysisRun),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger, _ = logging.NewLogger("navigation")
	}
	return c
}

// HandleCompleted processes a navigation-completed event. Re-delivery of
// the same URL while its lock holds is a no-op; anything newer cancels the
// in-flight analysis and starts over.
func (c *Controller) HandleCompleted(ctx context.Context, ev types.NavigationEvent) {
	// A new navigation invalidates any in-flight analysis job for the tab.
	if c.jobs != nil {
		c.jobs.StopForTab(ev.TabID)
	}
	if ev.FrameID != 0 {
		return
	}

	c.mu.Lock()
	if c.locks[ev.TabID] == ev.URL {
		c.mu.Unlock()
		c.logger.Debugf("tab %d: duplicate completed event for %s", ev.TabID, ev.URL)
		return
	}
	c.mu.Unlock()

	c.dispatch(ctx, ev.TabID, ev.URL)
}

// dispatch replaces the tab's cancellation token and runs analysis under
// the new one.
func (c *Controller) dispatch(ctx context.Context, tabID int, rawURL string) {
	runCtx, cancel := context.WithCancel(ctx)
	run := &analysisRun{cancel: cancel}

	c.mu.Lock()
	if prev, ok := c.runs[tabID]; ok {
		prev.cancel()
	}
	c.runs[tabID] = run
	c.locks[tabID] = rawURL
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		// A later navigation may have already replaced the token.
		if c.runs[tabID] == run {
			delete(c.runs, tabID)
		}
		c.mu.Unlock()
		cancel()
	}()

	c.runAnalysis(runCtx, tabID, rawURL)
	if runCtx.Err() == nil && c.scraper != nil {
		c.scraper.MaybeTrigger(tabID)
	}

	c.cache.GC()
}

// HandleCommitted processes a navigation-committed event: the tab's record
// becomes a transitional shell immediately and the navigation lock is
// cleared so the upcoming completed event is never mistaken for a
// duplicate. Non-HTTP destinations short-circuit to a terminal record.
func (c *Controller) HandleCommitted(ev types.NavigationEvent) {
	if ev.FrameID != 0 {
		return
	}

	c.ClearLock(ev.TabID)

	prior, _ := c.cache.Get(ev.TabID)

	parsed, err := url.Parse(ev.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		c.cache.Update(ev.TabID, types.Patch{
			URL:       types.StrPtr(ev.URL),
			PageType:  types.PageTypePtr(types.PageNonHTTP),
			DomStatus: types.DomStatusPtr(types.DomLoaded),
		}, types.UpdateReplace)
		return
	}

	c.cache.Update(ev.TabID, types.Patch{
		URL:          types.StrPtr(ev.URL),
		DomStatus:    types.DomStatusPtr(types.DomNavigating),
		IsRefreshing: types.BoolPtr(prior.IsRefreshing),
	}, types.UpdateReplace)
}

// HandleTabClosed releases everything held for a tab.
func (c *Controller) HandleTabClosed(tabID int) {
	if c.jobs != nil {
		c.jobs.StopForTab(tabID)
	}

	c.mu.Lock()
	if run, ok := c.runs[tabID]; ok {
		run.cancel()
		delete(c.runs, tabID)
	}
	delete(c.locks, tabID)
	c.mu.Unlock()

	c.cache.DropTab(tabID)
}

// ClearLock drops the tab's navigation lock, forcing the next completed
// event to run a fresh analysis. Used on committed events, explicit
// resets, and restores from the suspended-page cache.
func (c *Controller) ClearLock(tabID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, tabID)
}

// ReanalyzeTab re-runs analysis for the tab's current URL regardless of
// lock state. Called when a UI attaches to a tab whose cached record
// cannot be trusted.
func (c *Controller) ReanalyzeTab(ctx context.Context, tabID int) error {
	rawURL, err := c.agent.TabURL(ctx, tabID)
	if err != nil {
		return err
	}
	c.ClearLock(tabID)
	c.dispatch(ctx, tabID, rawURL)
	return nil
}

// runAnalysis is the core per-navigation algorithm. Cancellation is
// expected and silent: a cancelled run performs no cache writes. Any other
// failure writes a terminal error record so the UI never observes an
// indefinitely loading state.
func (c *Controller) runAnalysis(ctx context.Context, tabID int, rawURL string) {
	configs, err := c.directory.Ensure(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Warnf("tab %d: directory refresh failed, using built-in list: %v", tabID, err)
		configs = retailers.Fallback()
	}
	if ctx.Err() != nil {
		return
	}

	prior, _ := c.cache.Get(tabID)
	refreshing := prior.IsRefreshing

	parsed, err := url.Parse(rawURL)
	if err != nil {
		c.writeErrorRecord(tabID, rawURL, types.ErrCodeAnalysisFailed, refreshing)
		return
	}

	// Cheap tier check first; unsupported pages never get a handshake.
	switch c.analyzer.Permission(parsed.Hostname(), configs) {
	case analyzer.TierUnsupported:
		c.writeTerminalRecord(tabID, rawURL, types.PageUnknown, refreshing)
		return
	case analyzer.TierBaseDomain:
		c.writeTerminalRecord(tabID, rawURL, types.PageWrongDomain, refreshing)
		return
	}
	if ctx.Err() != nil {
		return
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	ready := c.agent.ConfirmReady(handshakeCtx, tabID)
	cancel()
	if ctx.Err() != nil {
		return
	}
	if !ready {
		c.logger.Warnf("tab %d: in-page agent not ready", tabID)
		c.writeErrorRecord(tabID, rawURL, types.ErrCodeAgentNotReady, refreshing)
		return
	}

	result, err := c.analyzer.Analyze(ctx, rawURL, tabID, configs)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.logger.Errorf("tab %d: analysis failed: %v", tabID, err)
		c.writeErrorRecord(tabID, rawURL, types.ErrCodeAnalysisFailed, refreshing)
		return
	}

	patch := types.Patch{
		URL:              types.StrPtr(rawURL),
		PageType:         types.PageTypePtr(result.PageType),
		IsRegionalDomain: types.BoolPtr(result.IsRegionalDomain),
		IsRefreshing:     types.BoolPtr(refreshing),
	}
	if result.Retailer != nil {
		patch.Retailer = types.NewRetailerPatch(result.Retailer)
	}
	if result.PageType.NeedsScrape() {
		patch.DomStatus = types.DomStatusPtr(types.DomLoading)
		patch.ScrapeStatus = types.ScrapeStatusPtr(types.ScrapeNeeded)
	} else {
		patch.DomStatus = types.DomStatusPtr(types.DomLoaded)
	}

	c.cache.Update(tabID, patch, types.UpdateReplace)
	c.logger.Infof("tab %d: %s classified as %s", tabID, rawURL, result.PageType)
}

func (c *Controller) writeTerminalRecord(tabID int, rawURL string, pageType types.PageType, refreshing bool) {
	c.cache.Update(tabID, types.Patch{
		URL:          types.StrPtr(rawURL),
		PageType:     types.PageTypePtr(pageType),
		DomStatus:    types.DomStatusPtr(types.DomLoaded),
		IsRefreshing: types.BoolPtr(refreshing),
	}, types.UpdateReplace)
}

func (c *Controller) writeErrorRecord(tabID int, rawURL string, code string, refreshing bool) {
	c.cache.Update(tabID, types.Patch{
		URL:          types.StrPtr(rawURL),
		PageType:     types.PageTypePtr(types.PageError),
		DomStatus:    types.DomStatusPtr(types.DomError),
		ErrorCode:    types.StrPtr(code),
		IsRefreshing: types.BoolPtr(refreshing),
	}, types.UpdateReplace)
}
