// Package pageagent drives live browser tabs through Playwright and is the
// in-page collaborator for the rest of the coordinator: readiness
// handshake, language probe, extraction dispatch, and the navigation event
// feed all cross the page boundary here.
package pageagent

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/sidecart/pkg/logging"
	"github.com/entrhq/sidecart/pkg/types"
)

// Page-side event names. The extraction script listens for the scrape and
// abort events and reports back through the result binding.
const (
	scrapeEventName  = "sidecart:scrape"
	abortEventName   = "sidecart:abort"
	resultBindingKey = "sidecartReport"
)

// EventHandler consumes the navigation event feed. Implemented by the
// navigation controller.
type EventHandler interface {
	HandleCompleted(ctx context.Context, ev types.NavigationEvent)
	HandleCommitted(ev types.NavigationEvent)
	HandleTabClosed(tabID int)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the agent logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithHeadless controls whether the browser runs headless.
func WithHeadless(headless bool) Option {
	return func(m *Manager) { m.headless = headless }
}

// Manager owns the Playwright lifecycle and the open tabs. Tab ids are
// assigned locally and never reused within a process.
type Manager struct {
	logger   *logging.Logger
	headless bool

	mu          sync.RWMutex
	playwright  *playwright.Playwright
	browser     playwright.Browser
	context     playwright.BrowserContext
	tabs        map[int]playwright.Page
	nextTabID   int
	initialized bool

	handler  EventHandler
	onResult func(tabID int, payload []byte)
}

// NewManager creates an uninitialized agent.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		headless:  true,
		tabs:      make(map[int]playwright.Page),
		nextTabID: 1,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger, _ = logging.NewLogger("pageagent")
	}
	return m
}

// SetHandler wires the navigation event consumer. Must be set before the
// first tab opens.
func (m *Manager) SetHandler(h EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// SetResultHandler wires the extraction result consumer. Payloads are the
// raw JSON patches reported by the in-page extraction script.
func (m *Manager) SetResultHandler(fn func(tabID int, payload []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResult = fn
}

// Initialize installs and starts Playwright and launches the browser.
// Playwright output is discarded so it cannot corrupt the inspector TUI.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(runOpts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(m.headless),
	})
	if err != nil {
		pw.Stop()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	browserCtx, err := browser.NewContext()
	if err != nil {
		browser.Close()
		pw.Stop()
		return fmt.Errorf("failed to create browser context: %w", err)
	}

	if err := browserCtx.ExposeBinding(resultBindingKey, m.handleReport); err != nil {
		browserCtx.Close()
		browser.Close()
		pw.Stop()
		return fmt.Errorf("failed to expose report binding: %w", err)
	}

	m.playwright = pw
	m.browser = browser
	m.context = browserCtx
	m.initialized = true
	m.logger.Infof("browser launched (headless=%t)", m.headless)
	return nil
}

// handleReport receives extraction results from the in-page script.
func (m *Manager) handleReport(source *playwright.BindingSource, args ...interface{}) interface{} {
	if len(args) == 0 {
		return nil
	}
	payload, ok := args[0].(string)
	if !ok {
		return nil
	}

	tabID, found := m.tabIDForPage(source.Page)
	if !found {
		return nil
	}

	m.mu.RLock()
	onResult := m.onResult
	m.mu.RUnlock()
	if onResult != nil {
		onResult(tabID, []byte(payload))
	}
	return nil
}

func (m *Manager) tabIDForPage(page playwright.Page) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, p := range m.tabs {
		if p == page {
			return id, true
		}
	}
	return 0, false
}

// OpenTab opens a new tab and navigates it to the given URL. The returned
// id identifies the tab in every other call.
func (m *Manager) OpenTab(ctx context.Context, url string) (int, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return 0, fmt.Errorf("page agent not initialized")
	}
	page, err := m.context.NewPage()
	if err != nil {
		m.mu.Unlock()
		return 0, fmt.Errorf("failed to open tab: %w", err)
	}
	tabID := m.nextTabID
	m.nextTabID++
	m.tabs[tabID] = page
	handler := m.handler
	m.mu.Unlock()

	m.wireTabEvents(tabID, page, handler)

	if _, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateCommit,
	}); err != nil {
		m.CloseTab(tabID)
		return 0, fmt.Errorf("failed to navigate tab: %w", err)
	}
	return tabID, nil
}

// wireTabEvents translates Playwright page events into the navigation feed.
// Main-frame navigations carry frame id zero; sub-frames carry a non-zero
// id and are filtered downstream.
func (m *Manager) wireTabEvents(tabID int, page playwright.Page, handler EventHandler) {
	page.On("framenavigated", func(frame playwright.Frame) {
		dispatchFrameNavigation(handler, tabID, frame == page.MainFrame(), frame.URL())
	})

	page.On("load", func(p playwright.Page) {
		if handler == nil {
			return
		}
		handler.HandleCompleted(context.Background(), types.NavigationEvent{
			TabID: tabID,
			URL:   p.URL(),
		})
	})

	page.On("close", func(p playwright.Page) {
		m.mu.Lock()
		delete(m.tabs, tabID)
		m.mu.Unlock()
		if handler != nil {
			handler.HandleTabClosed(tabID)
		}
	})
}

// dispatchFrameNavigation feeds a frame navigation into the handler. Every
// navigation is delivered as committed; a main-frame commit is also
// delivered as completed because a history-state update never fires a load
// event. For a full page load the later load event re-delivers the same
// URL and the navigation lock swallows the duplicate.
func dispatchFrameNavigation(handler EventHandler, tabID int, mainFrame bool, url string) {
	if handler == nil {
		return
	}
	frameID := 0
	if !mainFrame {
		frameID = 1
	}
	handler.HandleCommitted(types.NavigationEvent{
		TabID:   tabID,
		URL:     url,
		FrameID: frameID,
	})
	if mainFrame {
		handler.HandleCompleted(context.Background(), types.NavigationEvent{
			TabID: tabID,
			URL:   url,
		})
	}
}

// CloseTab closes a tab. The page close event handles deregistration.
func (m *Manager) CloseTab(tabID int) error {
	m.mu.RLock()
	page, ok := m.tabs[tabID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tab %d not found", tabID)
	}
	return page.Close()
}

func (m *Manager) page(tabID int) (playwright.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	page, ok := m.tabs[tabID]
	if !ok {
		return nil, fmt.Errorf("tab %d not found", tabID)
	}
	return page, nil
}

// evaluate runs a script in the tab under the caller's context. Playwright
// calls are not context-aware, so the evaluation runs in its own goroutine
// and the caller stops waiting on cancellation.
func (m *Manager) evaluate(ctx context.Context, tabID int, script string, args ...interface{}) (interface{}, error) {
	page, err := m.page(tabID)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := page.Evaluate(script, args...)
		done <- outcome{value: value, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-done:
		return result.value, result.err
	}
}

// ConfirmReady performs the readiness handshake: the page's document must
// have finished parsing. Commit-time callers arrive before the DOM has
// settled, so the probe polls until the document is ready or the caller's
// deadline expires. Any failure resolves to false rather than an error.
func (m *Manager) ConfirmReady(ctx context.Context, tabID int) bool {
	for {
		value, err := m.evaluate(ctx, tabID, "() => document.readyState")
		if err != nil {
			return false
		}
		if state, ok := value.(string); ok && (state == "interactive" || state == "complete") {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// PageLanguage reports the page's declared language, reduced to its
// primary subtag ("en-CA" yields "en").
func (m *Manager) PageLanguage(ctx context.Context, tabID int) (string, error) {
	value, err := m.evaluate(ctx, tabID, "() => document.documentElement.lang || navigator.language || ''")
	if err != nil {
		return "", err
	}
	lang, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("unexpected language probe result %T", value)
	}
	return primarySubtag(lang), nil
}

// primarySubtag reduces a BCP 47 tag to its lowercase primary subtag.
func primarySubtag(lang string) string {
	if idx := strings.IndexAny(lang, "-_"); idx > 0 {
		lang = lang[:idx]
	}
	return strings.ToLower(lang)
}

// TabURL reports the tab's current URL.
func (m *Manager) TabURL(ctx context.Context, tabID int) (string, error) {
	page, err := m.page(tabID)
	if err != nil {
		return "", err
	}
	return page.URL(), nil
}

// TriggerScrape dispatches an extraction request into the tab. The
// extraction script answers asynchronously through the report binding.
func (m *Manager) TriggerScrape(tabID int, req types.ScrapeRequest) error {
	payload, err := encodeScrapeRequest(req)
	if err != nil {
		return err
	}
	script := fmt.Sprintf(
		"payload => window.dispatchEvent(new CustomEvent(%q, { detail: JSON.parse(payload) }))",
		scrapeEventName,
	)
	_, err = m.evaluate(context.Background(), tabID, script, payload)
	return err
}

// AbortScrape signals the tab to drop any in-flight extraction. Fired by
// the stall timer; errors are logged, not returned, since the record
// already carries the timeout.
func (m *Manager) AbortScrape(tabID int) {
	script := fmt.Sprintf("() => window.dispatchEvent(new CustomEvent(%q))", abortEventName)
	if _, err := m.evaluate(context.Background(), tabID, script); err != nil {
		m.logger.Warnf("tab %d: abort signal failed: %v", tabID, err)
	}
}

// Shutdown closes every tab and stops Playwright.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for tabID, page := range m.tabs {
		page.Close()
		delete(m.tabs, tabID)
	}
	if m.context != nil {
		m.context.Close()
		m.context = nil
	}
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.initialized && m.playwright != nil {
		if err := m.playwright.Stop(); err != nil {
			return fmt.Errorf("failed to stop playwright: %w", err)
		}
		m.initialized = false
	}
	return nil
}
