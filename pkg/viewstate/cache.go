// Package viewstate holds the per-tab record cache. It is the single source
// of truth for what the UI should render: every analysis result, extraction
// outcome, and synthesized timeout error lands here, and the cache decides
// when a record is pushed out to an attached UI.
package viewstate

import (
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/entrhq/sidecart/pkg/logging"
	"github.com/entrhq/sidecart/pkg/storage"
	"github.com/entrhq/sidecart/pkg/types"
)

// AttachmentProvider reports which tab, if any, currently has a UI attached.
type AttachmentProvider interface {
	AttachedTab() (int, bool)
}

// Option configures a Cache.
type Option func(*Cache)

// WithStore persists records across restarts.
func WithStore(store *storage.Store) Option {
	return func(c *Cache) { c.store = store }
}

// WithLogger sets the cache logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithStallTimeouts overrides the loading and scraping stall deadlines.
func WithStallTimeouts(loading, scraping time.Duration) Option {
	return func(c *Cache) {
		c.loadingTimeout = loading
		c.scrapingTimeout = scraping
	}
}

// WithMaxAge overrides the garbage-collection age cutoff.
func WithMaxAge(d time.Duration) Option {
	return func(c *Cache) { c.maxAge = d }
}

// Cache is the per-tab record store. Reads and writes are serialized by a
// single mutex; stall-timer callbacks re-enter through the same public
// write path semantics so every mutation rearms or cancels timers in one
// place.
type Cache struct {
	store  *storage.Store
	logger *logging.Logger
	now    func() time.Time

	loadingTimeout  time.Duration
	scrapingTimeout time.Duration
	maxAge          time.Duration

	mu      sync.Mutex
	records map[int]types.ViewRecord
	timers  map[int]*time.Timer
	closed  bool

	// Taken under mu and released after the push, so deliveries reach the
	// UI in cache-write order.
	pushMu sync.Mutex

	attachment  AttachmentProvider
	push        func(tabID int, rec types.ViewRecord)
	abortScrape func(tabID int)
}

// NewCache creates a cache and restores any persisted records.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		now:             time.Now,
		loadingTimeout:  10 * time.Second,
		scrapingTimeout: 20 * time.Second,
		maxAge:          time.Hour,
		records:         make(map[int]types.ViewRecord),
		timers:          make(map[int]*time.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger, _ = logging.NewLogger("viewstate")
	}

	c.restore()
	return c
}

// SetAttachmentProvider wires the attachment authority. Must be called
// before any UI attaches; timers and pushes stay disabled until then.
func (c *Cache) SetAttachmentProvider(p AttachmentProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attachment = p
}

// SetPushFunc wires the UI delivery callback.
func (c *Cache) SetPushFunc(fn func(tabID int, rec types.ViewRecord)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.push = fn
}

// SetAbortFunc wires the extraction-abort signal sent when a stall timer
// fires mid-scrape.
func (c *Cache) SetAbortFunc(fn func(tabID int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortScrape = fn
}

func (c *Cache) restore() {
	if c.store == nil {
		return
	}
	var persisted map[string]types.ViewRecord
	ok, err := c.store.Get(storage.SectionRecords, &persisted)
	if err != nil {
		c.logger.Warnf("failed to restore records: %v", err)
		return
	}
	if !ok {
		return
	}
	for key, rec := range persisted {
		tabID, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		c.records[tabID] = rec
	}
	c.logger.Infof("restored %d tab records", len(c.records))
}

func (c *Cache) persistLocked() {
	if c.store == nil {
		return
	}
	out := make(map[string]types.ViewRecord, len(c.records))
	for tabID, rec := range c.records {
		out[strconv.Itoa(tabID)] = rec
	}
	if err := c.store.Put(storage.SectionRecords, out); err != nil {
		c.logger.Errorf("failed to persist records: %v", err)
	}
}

func (c *Cache) attachedToLocked(tabID int) bool {
	if c.attachment == nil {
		return false
	}
	attached, ok := c.attachment.AttachedTab()
	return ok && attached == tabID
}

// Update applies a patch to the tab's record, assigns a fresh timestamp,
// rearms or cancels the tab's stall timer, and pushes the result to the UI
// when one is attached to exactly this tab. It returns the stored record.
func (c *Cache) Update(tabID int, patch types.Patch, mode types.UpdateMode) types.ViewRecord {
	c.mu.Lock()
	rec := patch.Apply(c.records[tabID], mode)
	rec.Timestamp = c.now().UnixMilli()
	c.records[tabID] = rec
	c.persistLocked()
	c.rearmTimerLocked(tabID, rec)
	deliver := c.attachedToLocked(tabID)
	push := c.push
	c.pushMu.Lock()
	c.mu.Unlock()

	if deliver && push != nil {
		push(tabID, rec)
	}
	c.pushMu.Unlock()
	return rec
}

// rearmTimerLocked cancels any existing stall timer for the tab and arms a
// new one only while the tab is loading or scraping with a UI attached to
// it. The scraping deadline is longer since extraction legitimately takes
// time on heavy pages.
func (c *Cache) rearmTimerLocked(tabID int, rec types.ViewRecord) {
	if t, ok := c.timers[tabID]; ok {
		t.Stop()
		delete(c.timers, tabID)
	}
	if c.closed {
		return
	}
	if rec.DomStatus != types.DomLoading && rec.DomStatus != types.DomScraping {
		return
	}
	if !c.attachedToLocked(tabID) {
		return
	}

	deadline := c.loadingTimeout
	if rec.DomStatus == types.DomScraping {
		deadline = c.scrapingTimeout
	}

	var t *time.Timer
	t = time.AfterFunc(deadline, func() { c.stallFire(tabID, t) })
	c.timers[tabID] = t
}

// stallFire synthesizes a timeout error into the cache. The push happens
// unconditionally: the timer is only ever armed while a UI is attached, and
// a stale delivery is dropped by the attachment manager anyway.
func (c *Cache) stallFire(tabID int, fired *time.Timer) {
	c.mu.Lock()
	if c.closed || c.timers[tabID] != fired {
		c.mu.Unlock()
		return
	}
	delete(c.timers, tabID)

	rec, ok := c.records[tabID]
	if !ok {
		c.mu.Unlock()
		return
	}

	var patch types.Patch
	mode := types.UpdateMerge
	if rec.DomStatus == types.DomScraping {
		// Mid-scrape: keep the page classification so the UI shows an
		// inline error on the product or cart view.
		patch = types.Patch{
			DomStatus:    types.DomStatusPtr(types.DomLoaded),
			ScrapeStatus: types.ScrapeStatusPtr(types.ScrapeError),
			ProductData:  types.RawPtr(nil),
			Items:        types.RawPtr(nil),
			ErrorCode:    types.StrPtr(types.ErrCodeScrapeTimeout),
			IsRefreshing: types.BoolPtr(false),
		}
		c.logger.Warnf("tab %d: scrape stalled, synthesizing %s", tabID, types.ErrCodeScrapeTimeout)
	} else {
		patch = types.Patch{
			URL:       types.StrPtr(rec.URL),
			Retailer:  types.NewRetailerPatch(rec.Retailer),
			PageType:  types.PageTypePtr(types.PageError),
			DomStatus: types.DomStatusPtr(types.DomError),
			ErrorCode: types.StrPtr(types.ErrCodeLoadingTimeout),
		}
		mode = types.UpdateReplace
		c.logger.Warnf("tab %d: load stalled, synthesizing %s", tabID, types.ErrCodeLoadingTimeout)
	}

	rec = patch.Apply(rec, mode)
	rec.Timestamp = c.now().UnixMilli()
	c.records[tabID] = rec
	c.persistLocked()
	abort := c.abortScrape
	push := c.push
	c.pushMu.Lock()
	c.mu.Unlock()

	if abort != nil {
		abort(tabID)
	}
	if push != nil {
		push(tabID, rec)
	}
	c.pushMu.Unlock()
}

// Get returns the record for a tab, if one exists.
func (c *Cache) Get(tabID int) (types.ViewRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[tabID]
	return rec, ok
}

// Reset replaces the tab's record with a fresh navigating shell that keeps
// only the URL, used when the page is reloaded in place.
func (c *Cache) Reset(tabID int, refreshing bool) types.ViewRecord {
	c.mu.Lock()
	url := c.records[tabID].URL
	c.mu.Unlock()

	return c.Update(tabID, types.Patch{
		URL:          types.StrPtr(url),
		DomStatus:    types.DomStatusPtr(types.DomNavigating),
		IsRefreshing: types.BoolPtr(refreshing),
	}, types.UpdateReplace)
}

// DropTab cancels the tab's stall timer and deletes its record. Tab close
// is the only removal path outside garbage collection.
func (c *Cache) DropTab(tabID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[tabID]; ok {
		t.Stop()
		delete(c.timers, tabID)
	}
	if _, ok := c.records[tabID]; !ok {
		return
	}
	delete(c.records, tabID)
	c.persistLocked()
}

// GC drops records older than the age cutoff along with records that never
// received a timestamp. Called after each navigation cycle.
func (c *Cache) GC() {
	cutoff := c.now().Add(-c.maxAge).UnixMilli()

	c.mu.Lock()
	defer c.mu.Unlock()
	var dropped int
	for tabID, rec := range c.records {
		if rec.Timestamp != 0 && rec.Timestamp >= cutoff {
			continue
		}
		if t, ok := c.timers[tabID]; ok {
			t.Stop()
			delete(c.timers, tabID)
		}
		delete(c.records, tabID)
		dropped++
	}
	if dropped > 0 {
		c.logger.Debugf("garbage collected %d stale records", dropped)
		c.persistLocked()
	}
}

// ClearAll drops every record and timer, used when the user signs out or
// wipes local data.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tabID, t := range c.timers {
		t.Stop()
		delete(c.timers, tabID)
	}
	c.records = make(map[int]types.ViewRecord)
	c.persistLocked()
}

// Snapshot returns a copy of every cached record keyed by tab id.
func (c *Cache) Snapshot() map[int]types.ViewRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]types.ViewRecord, len(c.records))
	for tabID, rec := range c.records {
		out[tabID] = rec
	}
	return out
}

// Close stops all timers. The cache must not be written after Close.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for tabID, t := range c.timers {
		t.Stop()
		delete(c.timers, tabID)
	}
}

// MarshalRecord renders a record as indented JSON for display surfaces.
func MarshalRecord(rec types.ViewRecord) (string, error) {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
