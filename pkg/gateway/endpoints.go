package gateway

// Backend endpoints, relative to the configured API base URL.
const (
	EndpointAnalyzeProduct = "/analysis/analyze-product"
	EndpointAnalyzeCart    = "/analysis/analyze-cart"
	EndpointRetailers      = "/retailers/all"
	EndpointUsage          = "/analytics/user"
	EndpointBookmarks      = "/bookmarks/fetch-bookmarked-products"
	EndpointFullSearch     = "/search/full-search-products"
	EndpointTypeahead      = "/search/typeahead-search"
)

// EndpointJobStatus returns the streamed status endpoint for a job.
func EndpointJobStatus(jobID string) string {
	return "/analysis/analyze-status/" + jobID
}
