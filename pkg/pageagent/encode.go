package pageagent

import (
	json "github.com/goccy/go-json"

	"github.com/entrhq/sidecart/pkg/types"
)

// encodeScrapeRequest serializes an extraction request for the page-side
// event detail.
func encodeScrapeRequest(req types.ScrapeRequest) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
