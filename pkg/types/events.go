package types

import json "github.com/goccy/go-json"

// NavigationEvent is a host navigation notification for a single tab.
// FrameID zero is the top-level frame; sub-frame events never change
// top-level state.
type NavigationEvent struct {
	TabID   int    `json:"tabId"`
	URL     string `json:"url"`
	FrameID int    `json:"frameId"`
}

// ScrapeRequest asks the in-page agent to extract data from a tab, carrying
// the classification and retailer identity the extraction depends on.
type ScrapeRequest struct {
	TabID    int       `json:"tabId"`
	PageType PageType  `json:"pageType"`
	Retailer *Retailer `json:"retailer,omitempty"`
}

// Job update messages forwarded from a background analysis job's stream to
// the attached UI.
const (
	JobStepSuccessful = "STEP_SUCCESSFUL"
	JobStatusError    = "STATUS_ERROR"
)

// JobUpdate is a single progress notification for a background analysis job.
type JobUpdate struct {
	JobID   string          `json:"jobId"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}
