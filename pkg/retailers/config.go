// Package retailers manages the retailer-directory snapshot: the set of
// configured retailers, their domain variants, and their URL pattern rules.
// The snapshot is refreshed on demand and periodically through the admission
// gateway, persisted across restarts, and optionally hot-reloaded from a
// local snapshot file.
package retailers

import (
	"github.com/gobwas/glob"

	"github.com/entrhq/sidecart/pkg/types"
)

// URL pattern rule types, checked in this order: ignore rules first, then
// cart, then product.
const (
	PatternCartIgnore    = "cart-ignore"
	PatternProductIgnore = "product-ignore"
	PatternCart          = "cart"
	PatternProduct       = "product"
)

// Config is one retailer's directory entry as served by the backend.
type Config struct {
	ID          string     `json:"id,omitempty"`
	DomainKey   string     `json:"domain_key"`
	Name        string     `json:"name"`
	DomainKeys  []string   `json:"domain_keys"`
	Domains     DomainSet  `json:"domains"`
	URLPatterns PatternSet `json:"url_patterns"`
}

// DomainSet wraps the configured domain variants of a retailer.
type DomainSet struct {
	Domains []types.RetailerDomain `json:"domains"`
}

// PatternSet wraps the ordered URL pattern rules of a retailer.
type PatternSet struct {
	Patterns []Pattern `json:"url_patterns"`
}

// Pattern is one rule: a type and the path fragments that trigger it.
type Pattern struct {
	Type  string   `json:"type"`
	Value []string `json:"value"`
}

// Empty reports whether the set carries no rules at all.
func (ps PatternSet) Empty() bool {
	return len(ps.Patterns) == 0
}

// PatternMatcher matches URL paths against a retailer's compiled rules.
// Rule values are fragments matched anywhere in the path.
type PatternMatcher struct {
	byType map[string][]glob.Glob
}

// CompilePatterns builds a matcher for this retailer's rules.
func (c Config) CompilePatterns() *PatternMatcher {
	pm := &PatternMatcher{byType: make(map[string][]glob.Glob)}
	for _, pattern := range c.URLPatterns.Patterns {
		for _, value := range pattern.Value {
			// QuoteMeta keeps fragment values literal; the surrounding
			// wildcards give containment semantics.
			g, err := glob.Compile("*" + glob.QuoteMeta(value) + "*")
			if err != nil {
				continue
			}
			pm.byType[pattern.Type] = append(pm.byType[pattern.Type], g)
		}
	}
	return pm
}

// Match reports whether the path matches any rule of the given type.
func (pm *PatternMatcher) Match(patternType, path string) bool {
	for _, g := range pm.byType[patternType] {
		if g.Match(path) {
			return true
		}
	}
	return false
}
