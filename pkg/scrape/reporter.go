package scrape

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/entrhq/sidecart/pkg/gateway"
	"github.com/entrhq/sidecart/pkg/logging"
	"github.com/entrhq/sidecart/pkg/types"
	"github.com/entrhq/sidecart/pkg/viewstate"
)

// AnalysisStarter kicks off a backend analysis job. Implemented by the
// admission gateway.
type AnalysisStarter interface {
	StartAnalysis(ctx context.Context, endpoint string, payload interface{}, key string) (jobID, streamToken string, err error)
}

// JobStarter opens the status stream for a started job. Implemented by the
// job stream supervisor.
type JobStarter interface {
	Start(ctx context.Context, jobID, streamToken string, tabID int) error
}

// Reporter consumes extraction reports from the in-page agent: the report
// patch is merged into the cache, and a successful product or cart
// extraction starts the corresponding backend analysis job.
type Reporter struct {
	cache   *viewstate.Cache
	starter AnalysisStarter
	jobs    JobStarter
	logger  *logging.Logger
}

// NewReporter creates an extraction report consumer.
func NewReporter(cache *viewstate.Cache, starter AnalysisStarter, jobs JobStarter, logger *logging.Logger) *Reporter {
	if logger == nil {
		logger, _ = logging.NewLogger("scrape")
	}
	return &Reporter{cache: cache, starter: starter, jobs: jobs, logger: logger}
}

// analysisPayload is the request body sent when starting a backend job.
type analysisPayload struct {
	URL         string          `json:"url"`
	Retailer    *types.Retailer `json:"retailer,omitempty"`
	ProductData json.RawMessage `json:"productData,omitempty"`
	Items       json.RawMessage `json:"items,omitempty"`
}

// HandleReport processes one raw report payload for a tab.
func (r *Reporter) HandleReport(ctx context.Context, tabID int, payload []byte) {
	var patch types.Patch
	if err := json.Unmarshal(payload, &patch); err != nil {
		r.logger.Errorf("tab %d: malformed extraction report: %v", tabID, err)
		return
	}

	rec := r.cache.Update(tabID, patch, types.UpdateMerge)
	if rec.ScrapeStatus != types.ScrapeSuccess {
		return
	}

	var endpoint string
	switch rec.PageType {
	case types.PageProduct:
		endpoint = gateway.EndpointAnalyzeProduct
	case types.PageCart:
		endpoint = gateway.EndpointAnalyzeCart
	default:
		return
	}
	if r.starter == nil || r.jobs == nil {
		return
	}

	body := analysisPayload{
		URL:         rec.URL,
		Retailer:    rec.Retailer,
		ProductData: rec.ProductData,
		Items:       rec.Items,
	}
	key := fmt.Sprintf("analysis-%d", tabID)

	jobID, token, err := r.starter.StartAnalysis(ctx, endpoint, body, key)
	if err != nil {
		r.logger.Errorf("tab %d: failed to start analysis job: %v", tabID, err)
		return
	}
	if err := r.jobs.Start(ctx, jobID, token, tabID); err != nil {
		r.logger.Errorf("tab %d: failed to open stream for job %s: %v", tabID, jobID, err)
	}
}
