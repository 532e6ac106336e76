package types

import (
	"bytes"

	json "github.com/goccy/go-json"
)

// ViewRecord is the cached per-tab state describing what the UI should
// currently render. Payload fields are kept opaque; the coordinator routes
// them, it never interprets them.
type ViewRecord struct {
	URL              string          `json:"url,omitempty"`
	PageType         PageType        `json:"pageType,omitempty"`
	DomStatus        DomStatus       `json:"domStatus,omitempty"`
	ScrapeStatus     ScrapeStatus    `json:"scrapeStatus,omitempty"`
	Retailer         *Retailer       `json:"retailer,omitempty"`
	ProductData      json.RawMessage `json:"productData,omitempty"`
	Items            json.RawMessage `json:"items,omitempty"`
	ErrorCode        string          `json:"errorCode,omitempty"`
	IsRefreshing     bool            `json:"isRefreshing,omitempty"`
	IsRegionalDomain bool            `json:"isRegionalDomain,omitempty"`

	// Timestamp is the last-write instant in Unix milliseconds, assigned by
	// the cache at write time. Zero means never written.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// UpdateMode selects how a Patch is applied to an existing record.
type UpdateMode string

const (
	// UpdateMerge shallow-merges the patch over the existing record.
	UpdateMerge UpdateMode = "merge"
	// UpdateReplace discards the existing record and uses the patch alone.
	UpdateReplace UpdateMode = "replace"
)

// Patch is a partial ViewRecord update. Nil pointers mean the field was not
// supplied; a pointer to a zero value explicitly clears the field. ErrorCode
// is special: omitting it clears any previously stored code (see Apply).
type Patch struct {
	URL              *string          `json:"url,omitempty"`
	PageType         *PageType        `json:"pageType,omitempty"`
	DomStatus        *DomStatus       `json:"domStatus,omitempty"`
	ScrapeStatus     *ScrapeStatus    `json:"scrapeStatus,omitempty"`
	Retailer         *RetailerPatch   `json:"retailer,omitempty"`
	ProductData      *json.RawMessage `json:"productData,omitempty"`
	Items            *json.RawMessage `json:"items,omitempty"`
	ErrorCode        *string          `json:"errorCode,omitempty"`
	IsRefreshing     *bool            `json:"isRefreshing,omitempty"`
	IsRegionalDomain *bool            `json:"isRegionalDomain,omitempty"`
}

// RetailerPatch accepts a retailer identity either as an object or as a
// JSON-encoded string, which is how the in-page agent serializes it. A value
// that fails to parse yields a nil retailer rather than malformed data.
type RetailerPatch struct {
	Value *Retailer
}

// NewRetailerPatch wraps a retailer identity for use in a Patch.
func NewRetailerPatch(r *Retailer) *RetailerPatch {
	return &RetailerPatch{Value: r}
}

// UnmarshalJSON implements the object-or-string decoding described above.
func (rp *RetailerPatch) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		rp.Value = nil
		return nil
	}

	if data[0] == '"' {
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			rp.Value = nil
			return nil
		}
		var r Retailer
		if err := json.Unmarshal([]byte(encoded), &r); err != nil {
			rp.Value = nil
			return nil
		}
		rp.Value = &r
		return nil
	}

	var r Retailer
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	rp.Value = &r
	return nil
}

// MarshalJSON round-trips the wrapped retailer as a plain object.
func (rp *RetailerPatch) MarshalJSON() ([]byte, error) {
	return json.Marshal(rp.Value)
}

// Apply resolves the patch against a base record and returns the result.
// For UpdateReplace the base is ignored. The returned record carries no
// timestamp; the cache assigns one at write time.
//
// Two normalization rules always run after the merge: a terminal DomStatus
// forces IsRefreshing to false, and a patch that did not supply ErrorCode
// drops any previously stored code.
func (p Patch) Apply(base ViewRecord, mode UpdateMode) ViewRecord {
	out := base
	if mode == UpdateReplace {
		out = ViewRecord{}
	}

	if p.URL != nil {
		out.URL = *p.URL
	}
	if p.PageType != nil {
		out.PageType = *p.PageType
	}
	if p.DomStatus != nil {
		out.DomStatus = *p.DomStatus
	}
	if p.ScrapeStatus != nil {
		out.ScrapeStatus = *p.ScrapeStatus
	}
	if p.Retailer != nil {
		out.Retailer = p.Retailer.Value
	}
	if p.ProductData != nil {
		out.ProductData = *p.ProductData
	}
	if p.Items != nil {
		out.Items = *p.Items
	}
	if p.IsRefreshing != nil {
		out.IsRefreshing = *p.IsRefreshing
	}
	if p.IsRegionalDomain != nil {
		out.IsRegionalDomain = *p.IsRegionalDomain
	}

	if p.ErrorCode != nil {
		out.ErrorCode = *p.ErrorCode
	} else {
		out.ErrorCode = ""
	}

	if out.DomStatus.Terminal() {
		out.IsRefreshing = false
	}

	out.Timestamp = 0
	return out
}

// Pointer helpers for building patches in code.

// StrPtr returns a pointer to s.
func StrPtr(s string) *string { return &s }

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }

// PageTypePtr returns a pointer to p.
func PageTypePtr(p PageType) *PageType { return &p }

// DomStatusPtr returns a pointer to s.
func DomStatusPtr(s DomStatus) *DomStatus { return &s }

// ScrapeStatusPtr returns a pointer to s.
func ScrapeStatusPtr(s ScrapeStatus) *ScrapeStatus { return &s }

// RawPtr returns a pointer to a copy of raw.
func RawPtr(raw json.RawMessage) *json.RawMessage { return &raw }
