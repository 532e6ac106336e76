// Package scrape decides when the in-page agent is asked to extract data.
// It is the single place that flips a tab's scrape status away from
// NEEDS_SCRAPE, which is what makes extraction dispatch idempotent.
package scrape

import (
	"sync"

	"github.com/entrhq/sidecart/pkg/logging"
	"github.com/entrhq/sidecart/pkg/types"
	"github.com/entrhq/sidecart/pkg/viewstate"
)

// Dispatcher sends an extraction request into the page.
type Dispatcher interface {
	TriggerScrape(tabID int, req types.ScrapeRequest) error
}

// Coordinator gates extraction dispatch on the attachment and cache state.
// The gate mutex serializes the NEEDS_SCRAPE check with the flip to
// SCRAPING; callers race in from navigation completion and UI attachment
// at the same time.
type Coordinator struct {
	cache      *viewstate.Cache
	attachment viewstate.AttachmentProvider
	dispatcher Dispatcher
	logger     *logging.Logger

	gate sync.Mutex
}

// NewCoordinator creates the scrape gate.
func NewCoordinator(cache *viewstate.Cache, attachment viewstate.AttachmentProvider, dispatcher Dispatcher, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger, _ = logging.NewLogger("scrape")
	}
	return &Coordinator{
		cache:      cache,
		attachment: attachment,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// MaybeTrigger dispatches extraction for a tab when, and only when, a UI is
// attached to exactly that tab and the cached record still needs a scrape.
// The status flip to SCRAPING happens before dispatch, so a second call
// arriving in the same window is a no-op.
func (c *Coordinator) MaybeTrigger(tabID int) {
	if c.attachment == nil {
		return
	}
	attached, ok := c.attachment.AttachedTab()
	if !ok || attached != tabID {
		return
	}

	c.gate.Lock()
	rec, ok := c.cache.Get(tabID)
	if !ok || rec.ScrapeStatus != types.ScrapeNeeded {
		c.gate.Unlock()
		return
	}

	rec = c.cache.Update(tabID, types.Patch{
		DomStatus:    types.DomStatusPtr(types.DomScraping),
		ScrapeStatus: types.ScrapeStatusPtr(types.ScrapeInProgress),
	}, types.UpdateMerge)
	c.gate.Unlock()

	c.logger.Infof("tab %d: dispatching extraction for %s", tabID, rec.PageType)
	req := types.ScrapeRequest{TabID: tabID, PageType: rec.PageType, Retailer: rec.Retailer}
	if err := c.dispatcher.TriggerScrape(tabID, req); err != nil {
		// Leave the record in SCRAPING; the stall timer owns the timeout
		// error if the page never responds.
		c.logger.Errorf("tab %d: extraction dispatch failed: %v", tabID, err)
	}
}
