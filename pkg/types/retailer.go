package types

// RetailerDomain is one configured domain variant of a retailer, carrying the
// language keys it serves.
type RetailerDomain struct {
	Domain   string   `json:"domain"`
	LangKeys []string `json:"lang_keys,omitempty"`
}

// Retailer is the identity snapshot written into a ViewRecord once a page has
// been resolved to a configured retailer. ActiveDomain is the language-specific
// variant selected for the current page.
type Retailer struct {
	ID           string          `json:"id,omitempty"`
	DomainKey    string          `json:"domain_key"`
	Name         string          `json:"name"`
	DomainKeys   []string        `json:"domain_keys,omitempty"`
	ActiveDomain *RetailerDomain `json:"active_domain,omitempty"`
}
