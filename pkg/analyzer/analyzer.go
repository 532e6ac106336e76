// Package analyzer classifies a tab's URL against the retailer directory:
// permission tier, page type, and retailer identity. It performs no caching
// and no network I/O of its own; the only suspension point is the page
// language lookup through the in-page agent.
package analyzer

import (
	"context"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/entrhq/sidecart/pkg/logging"
	"github.com/entrhq/sidecart/pkg/retailers"
	"github.com/entrhq/sidecart/pkg/types"
)

// Tier is the permission classification of a hostname.
type Tier string

const (
	// TierExact means an entry's literal domain equals the hostname.
	TierExact Tier = "exact_match"
	// TierBaseDomain means the brand is recognized but this exact domain
	// variant is not configured.
	TierBaseDomain Tier = "base_domain"
	// TierUnsupported means no retailer matches at all.
	TierUnsupported Tier = "unsupported"
)

// LanguageProber reports the detected language of a page, used to select a
// retailer's language-specific domain variant.
type LanguageProber interface {
	PageLanguage(ctx context.Context, tabID int) (string, error)
}

// Result is the outcome of a full page analysis.
type Result struct {
	PageType         types.PageType
	Retailer         *types.Retailer
	IsRegionalDomain bool
}

// Analyzer holds the regional rules; the directory snapshot is passed per
// call so analyses always see a consistent snapshot.
type Analyzer struct {
	regionalSuffix string
	alternateKeys  map[string]bool
	langs          LanguageProber
	logger         *logging.Logger
}

// New creates an analyzer. alternateKeys lists retailer domain keys allowed
// outside the regional suffix.
func New(regionalSuffix string, alternateKeys []string, langs LanguageProber, logger *logging.Logger) *Analyzer {
	allowed := make(map[string]bool, len(alternateKeys))
	for _, key := range alternateKeys {
		allowed[key] = true
	}
	if logger == nil {
		logger, _ = logging.NewLogger("analyzer")
	}
	return &Analyzer{
		regionalSuffix: regionalSuffix,
		alternateKeys:  allowed,
		langs:          langs,
		logger:         logger,
	}
}

// baseName strips the public suffix from a hostname: "www.amazon.ca" yields
// "amazon". Empty when the hostname has no registrable domain.
func baseName(hostname string) string {
	etld1, err := publicsuffix.EffectiveTLDPlusOne(hostname)
	if err != nil {
		return ""
	}
	suffix, _ := publicsuffix.PublicSuffix(hostname)
	return strings.TrimSuffix(etld1, "."+suffix)
}

// Permission classifies a hostname into one of the three tiers. An empty
// directory snapshot falls back to the built-in retailer list.
func (a *Analyzer) Permission(hostname string, configs []retailers.Config) Tier {
	if hostname == "" {
		return TierUnsupported
	}
	if len(configs) == 0 {
		configs = retailers.Fallback()
	}

	for _, cfg := range configs {
		for _, d := range cfg.Domains.Domains {
			parsed, err := url.Parse(d.Domain)
			if err != nil {
				continue
			}
			if parsed.Hostname() == hostname {
				return TierExact
			}
		}
	}

	base := baseName(hostname)
	if base == "" {
		return TierUnsupported
	}
	for _, cfg := range configs {
		for _, key := range cfg.DomainKeys {
			if key == base {
				return TierBaseDomain
			}
		}
	}
	return TierUnsupported
}

// Analyze runs the full classification for an exact-match page. Non-exact
// hostnames return immediately with no retailer identity.
func (a *Analyzer) Analyze(ctx context.Context, rawURL string, tabID int, configs []retailers.Config) (Result, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Result{PageType: types.PageError}, nil
	}
	hostname := parsed.Hostname()

	switch a.Permission(hostname, configs) {
	case TierUnsupported:
		return Result{PageType: types.PageUnknown}, nil
	case TierBaseDomain:
		return Result{PageType: types.PageWrongDomain}, nil
	}

	suffix, _ := publicsuffix.PublicSuffix(hostname)
	isRegional := suffix == a.regionalSuffix
	base := baseName(hostname)

	retailer, cfg, err := a.resolveRetailer(ctx, hostname, tabID, configs)
	if err != nil {
		return Result{IsRegionalDomain: isRegional}, err
	}
	if retailer == nil {
		return Result{PageType: types.PageRetailerError, IsRegionalDomain: isRegional}, nil
	}

	pageType := a.classifyPath(parsed, cfg, isRegional, base)
	return Result{PageType: pageType, Retailer: retailer, IsRegionalDomain: isRegional}, nil
}

// resolveRetailer maps hostname -> directory entry -> language-specific
// domain variant. A missing variant means the retailer's configuration
// cannot serve this page, reported as a nil retailer.
func (a *Analyzer) resolveRetailer(ctx context.Context, hostname string, tabID int, configs []retailers.Config) (*types.Retailer, *retailers.Config, error) {
	base := baseName(hostname)
	if base == "" {
		return nil, nil, nil
	}

	var found *retailers.Config
	for i := range configs {
		for _, key := range configs[i].DomainKeys {
			if key == base {
				found = &configs[i]
				break
			}
		}
		if found != nil {
			break
		}
	}
	if found == nil {
		return nil, nil, nil
	}

	lang, err := a.langs.PageLanguage(ctx, tabID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		a.logger.Warnf("page language lookup failed for tab %d: %v", tabID, err)
		lang = ""
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	variant := findDomainForLanguage(found.Domains.Domains, lang)
	if variant == nil {
		return nil, nil, nil
	}

	return &types.Retailer{
		ID:           found.ID,
		DomainKey:    found.DomainKey,
		Name:         found.Name,
		DomainKeys:   found.DomainKeys,
		ActiveDomain: variant,
	}, found, nil
}

func findDomainForLanguage(domains []types.RetailerDomain, lang string) *types.RetailerDomain {
	if lang == "" {
		return nil
	}
	for i := range domains {
		for _, key := range domains[i].LangKeys {
			if key == lang {
				return &domains[i]
			}
		}
	}
	return nil
}

// classifyPath matches the URL path against the retailer's ordered rules:
// ignore rules first, then cart, then product. Pages off the regional
// suffix are rejected unless the retailer is on the alternate-domain
// allow list.
func (a *Analyzer) classifyPath(parsed *url.URL, cfg *retailers.Config, isRegional bool, base string) types.PageType {
	if !isRegional && !a.alternateKeys[base] {
		return types.PageWrongDomain
	}

	if cfg.URLPatterns.Empty() {
		return types.PageURLError
	}

	matcher := cfg.CompilePatterns()
	path := parsed.Path

	switch {
	case matcher.Match(retailers.PatternCartIgnore, path):
		return types.PageCartIgnore
	case matcher.Match(retailers.PatternProductIgnore, path):
		return types.PageProductIgnore
	case matcher.Match(retailers.PatternCart, path):
		return types.PageCart
	case matcher.Match(retailers.PatternProduct, path):
		return types.PageProduct
	default:
		return types.PageUnsupported
	}
}
