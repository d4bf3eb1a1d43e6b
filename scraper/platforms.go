package scraper

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"pagewatch/pkg/notifier"

	"github.com/PuerkitoBio/goquery"
)

// Platform counts job postings on one job-board product.
type Platform interface {
	Name() string
	Matches(siteURL string) bool
	Count(doc *goquery.Document) int
}

// Registry maps job-board URLs onto their platform strategy.
type Registry struct {
	platforms []Platform
}

// NewRegistry creates a registry. Platforms are matched in order.
func NewRegistry(platforms ...Platform) *Registry {
	return &Registry{platforms: platforms}
}

// DefaultRegistry returns the built-in job-board platforms.
func DefaultRegistry() *Registry {
	return NewRegistry(
		&SelectorCount{
			Key:       "greenhouse",
			Domains:   []string{"greenhouse.io"},
			Selectors: []string{"div.opening", "tr.job-post"},
		},
		&SelectorCount{
			Key:       "smartrecruiters",
			Domains:   []string{"smartrecruiters.com"},
			Selectors: []string{"li.opening-job"},
		},
		&TextCount{
			Key:      "zohorecruit",
			Domains:  []string{"zohorecruit.com"},
			Selector: "span.job-count",
			Pattern:  regexp.MustCompile(`(\d+)\s+Jobs`),
			Fallback: "tr.jobDetailRow td:has(a.jobdetail)",
		},
		&TextCount{
			Key:      "seamlesshiring",
			Domains:  []string{"seamlesshiring.com"},
			Selector: "#dropdownMenuButton",
			Pattern:  regexp.MustCompile(`of\s+(\d+)`),
		},
	)
}

// Lookup returns the platform for a site URL.
func (r *Registry) Lookup(siteURL string) (Platform, error) {
	for _, p := range r.platforms {
		if p.Matches(siteURL) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", notifier.ErrUnsupportedSite, siteURL)
}

// Names lists the registered platform keys.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.platforms))
	for _, p := range r.platforms {
		names = append(names, p.Name())
	}
	return names
}

// SelectorCount counts the elements of the first selector that matches anything.
type SelectorCount struct {
	Key       string
	Domains   []string
	Selectors []string
}

// Name implements Platform.
func (p *SelectorCount) Name() string { return p.Key }

// Matches implements Platform.
func (p *SelectorCount) Matches(siteURL string) bool { return hostMatches(siteURL, p.Domains) }

// Count implements Platform.
func (p *SelectorCount) Count(doc *goquery.Document) int {
	for _, sel := range p.Selectors {
		if n := doc.Find(sel).Length(); n > 0 {
			return n
		}
	}
	return 0
}

// TextCount reads a total out of an element's text, e.g. "20 Jobs". When the
// pattern does not match it counts Fallback elements, or returns 0.
type TextCount struct {
	Pattern  *regexp.Regexp
	Key      string
	Selector string
	Fallback string
	Domains  []string
}

// Name implements Platform.
func (p *TextCount) Name() string { return p.Key }

// Matches implements Platform.
func (p *TextCount) Matches(siteURL string) bool { return hostMatches(siteURL, p.Domains) }

// Count implements Platform.
func (p *TextCount) Count(doc *goquery.Document) int {
	m := p.Pattern.FindStringSubmatch(doc.Find(p.Selector).Text())
	if len(m) > 1 {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	if p.Fallback != "" {
		return doc.Find(p.Fallback).Length()
	}
	return 0
}

// hostMatches reports whether the URL's host is one of domains or a subdomain of one.
func hostMatches(siteURL string, domains []string) bool {
	u, err := url.Parse(siteURL)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
