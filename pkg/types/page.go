package types

// DomStatus describes where a tab currently is in its load/scrape lifecycle.
type DomStatus string

const (
	DomNavigating DomStatus = "NAVIGATING"  // DomNavigating indicates a top-level navigation has committed but not completed.
	DomLoading    DomStatus = "DOM_LOADING" // DomLoading indicates the page is loading and extraction is expected to follow.
	DomScraping   DomStatus = "SCRAPING"    // DomScraping indicates an extraction request is in flight.
	DomLoaded     DomStatus = "DOM_LOADED"  // DomLoaded is the terminal success state.
	DomError      DomStatus = "ERROR"       // DomError is the terminal failure state.
	DomWaiting    DomStatus = "WAITING"     // DomWaiting is the UI-side default before any record exists.
	DomPageLoaded DomStatus = "PAGE_LOADED" // DomPageLoaded is reported by the in-page agent on bfcache restores.
)

// Terminal reports whether the status is one the stall timer must never fire on.
func (s DomStatus) Terminal() bool {
	return s == DomLoaded || s == DomError
}

// PageType is the classification assigned to a tab's current page.
type PageType string

const (
	PageProduct        PageType = "PRODUCT_PAGE"
	PageCart           PageType = "CART_PAGE"
	PageProductIgnore  PageType = "PRODUCT_IGNORE_PAGE"
	PageCartIgnore     PageType = "CART_IGNORE_PAGE"
	PageUnsupported    PageType = "UNSUPPORTED_PAGE"    // supported retailer, unrecognized path
	PageWrongDomain    PageType = "UNSUPPORTED_DOMAIN"  // recognized brand on an unconfigured domain variant
	PageUnknown        PageType = "UNKNOWN_RETAILER_PAGE"
	PageNonHTTP        PageType = "NON_HTTP_PAGE"
	PageError          PageType = "ERROR_PAGE"
	PageRetailerError  PageType = "RETAILER_ERROR_PAGE" // retailer config could not be resolved
	PageURLError       PageType = "URL_ERROR_PAGE"      // retailer config carries no URL patterns
	PageBookmarks      PageType = "BOOKMARKS_PAGE"
	PageSearchResults  PageType = "SEARCH_RESULTS_PAGE"
)

// NeedsScrape reports whether this page classification warrants extraction.
func (p PageType) NeedsScrape() bool {
	return p == PageProduct || p == PageCart
}

// CustomView reports whether the page is an in-popup view rather than a real
// retailer page. Cached records for custom views may be arbitrarily stale, so
// attaching a UI to such a tab always re-runs analysis.
func (p PageType) CustomView() bool {
	return p == PageBookmarks || p == PageSearchResults
}

// ScrapeStatus tracks the extraction request lifecycle for a tab.
type ScrapeStatus string

const (
	ScrapeNeeded     ScrapeStatus = "NEEDS_SCRAPE"
	ScrapeSuccess    ScrapeStatus = "SUCCESS"
	ScrapeError      ScrapeStatus = "ERROR"
	ScrapeWaiting    ScrapeStatus = "WAITING"
	ScrapeInProgress ScrapeStatus = "SCRAPING"
)

// Error codes surfaced to the UI through ViewRecord.ErrorCode.
const (
	ErrCodeAnalysisFailed = "ANALYSIS_FAILED"
	ErrCodeAgentNotReady  = "CS_NOT_READY"
	ErrCodeScrapeTimeout  = "SCRAPE_TIMEOUT"
	ErrCodeLoadingTimeout = "LOADING_TIMEOUT"
)
