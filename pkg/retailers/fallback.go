package retailers

import "github.com/entrhq/sidecart/pkg/types"

// Fallback returns the built-in retailer list used for permission
// classification when the directory snapshot is empty and cannot be
// refreshed. It only carries enough data for hostname matching; pages on
// these retailers still fail full analysis until a real snapshot arrives.
func Fallback() []Config {
	entries := []struct {
		key     string
		name    string
		keys    []string
		domains []string
	}{
		{"amazon", "Amazon", []string{"amazon"}, []string{"www.amazon.ca"}},
		{"walmart", "Walmart", []string{"walmart"}, []string{"www.walmart.ca"}},
		{"costco", "Costco", []string{"costco"}, []string{"www.costco.ca"}},
		{"bestbuy", "Best Buy", []string{"bestbuy"}, []string{"www.bestbuy.ca"}},
		{"canadiantire", "Canadian Tire", []string{"canadiantire"}, []string{"www.canadiantire.ca"}},
		{"staples", "Staples", []string{"staples", "bureauengros"}, []string{"www.staples.ca", "www.bureauengros.com"}},
		{"shoppersdrugmart", "Shoppers Drug Mart", []string{"shoppersdrugmart"}, []string{"www.shoppersdrugmart.ca"}},
	}

	configs := make([]Config, 0, len(entries))
	for _, e := range entries {
		domains := make([]types.RetailerDomain, 0, len(e.domains))
		for _, d := range e.domains {
			domains = append(domains, types.RetailerDomain{Domain: "https://" + d})
		}
		configs = append(configs, Config{
			DomainKey:  e.key,
			Name:       e.name,
			DomainKeys: e.keys,
			Domains:    DomainSet{Domains: domains},
		})
	}
	return configs
}
