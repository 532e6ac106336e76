// Package attach tracks the single transient UI surface. The popup is
// modal, so at most one tab has a UI at any instant; this manager is the
// authority everyone else consults before pushing records or dispatching
// extraction.
package attach

import (
	"context"
	"sync"

	"github.com/entrhq/sidecart/pkg/logging"
	"github.com/entrhq/sidecart/pkg/types"
	"github.com/entrhq/sidecart/pkg/viewstate"
)

// Sink receives records and job updates for the attached tab.
type Sink interface {
	Deliver(tabID int, rec types.ViewRecord)
	DeliverJobUpdate(tabID int, update types.JobUpdate)
}

// Reanalyzer re-runs page analysis for a tab's current URL.
type Reanalyzer interface {
	ReanalyzeTab(ctx context.Context, tabID int) error
}

// ScrapeTrigger is the speculative extraction entry point.
type ScrapeTrigger interface {
	MaybeTrigger(tabID int)
}

// Manager owns the global attached-tab pointer.
type Manager struct {
	cache   *viewstate.Cache
	scraper ScrapeTrigger
	logger  *logging.Logger

	mu         sync.Mutex
	tabID      int
	attached   bool
	sink       Sink
	reanalyzer Reanalyzer
}

// NewManager creates the attachment manager.
func NewManager(cache *viewstate.Cache, scraper ScrapeTrigger, logger *logging.Logger) *Manager {
	if logger == nil {
		logger, _ = logging.NewLogger("attach")
	}
	return &Manager{cache: cache, scraper: scraper, logger: logger}
}

// SetReanalyzer wires the navigation controller. Done post-construction
// because the controller itself depends on the scrape gate.
func (m *Manager) SetReanalyzer(r Reanalyzer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reanalyzer = r
}

// AttachedTab reports which tab currently has the UI.
func (m *Manager) AttachedTab() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tabID, m.attached
}

// Attach binds the UI to a tab: the cached record (if any) is replayed
// immediately, analysis is re-run when the cached state cannot be trusted,
// and the scrape gate is poked afterwards. Attaching while already attached
// elsewhere simply moves the pointer; the popup being modal means the old
// surface is already gone.
func (m *Manager) Attach(ctx context.Context, tabID int, sink Sink) error {
	m.mu.Lock()
	m.tabID = tabID
	m.attached = true
	m.sink = sink
	reanalyzer := m.reanalyzer
	m.mu.Unlock()

	m.logger.Infof("UI attached to tab %d", tabID)

	rec, ok := m.cache.Get(tabID)
	if ok {
		m.Deliver(tabID, rec)
	}

	// A record that never reached a stable loaded state, a custom in-popup
	// view, or no record at all means the cache cannot be trusted. Cart
	// pages always re-analyze: cart contents change without a navigation.
	needsAnalysis := !ok || rec.DomStatus != types.DomLoaded ||
		rec.PageType == types.PageCart || rec.PageType.CustomView()
	if needsAnalysis && reanalyzer != nil {
		if err := reanalyzer.ReanalyzeTab(ctx, tabID); err != nil {
			m.logger.Warnf("tab %d: attach-time analysis failed: %v", tabID, err)
		}
	}

	if m.scraper != nil {
		m.scraper.MaybeTrigger(tabID)
	}
	return nil
}

// Detach clears the attached-tab pointer. No cache mutation occurs.
func (m *Manager) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attached {
		m.logger.Infof("UI detached from tab %d", m.tabID)
	}
	m.attached = false
	m.sink = nil
}

// Deliver pushes a record to the UI, silently dropped unless the UI is
// attached to exactly this tab.
func (m *Manager) Deliver(tabID int, rec types.ViewRecord) {
	m.mu.Lock()
	sink := m.sink
	match := m.attached && m.tabID == tabID
	m.mu.Unlock()

	if match && sink != nil {
		sink.Deliver(tabID, rec)
	}
}

// DeliverJobUpdate forwards a job progress update, gated the same way as
// record pushes.
func (m *Manager) DeliverJobUpdate(tabID int, update types.JobUpdate) {
	m.mu.Lock()
	sink := m.sink
	match := m.attached && m.tabID == tabID
	m.mu.Unlock()

	if match && sink != nil {
		sink.DeliverJobUpdate(tabID, update)
	}
}
