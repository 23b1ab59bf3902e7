package research

import (
	"fmt"
	"net/url"
	"strings"
)

// Mode selects between a single-pass and a recursive research run.
type Mode string

const (
	ModeRegular Mode = "regular"
	ModeDeep    Mode = "deep"
)

// Options are the caller-supplied knobs for a run. Depth and Breadth are
// clamped at entry; ModelKey falls back to the configured default when it
// does not name a known model.
type Options struct {
	Deep     bool   `json:"isDeepResearch"`
	Depth    int    `json:"depth"`
	Breadth  int    `json:"breadth"`
	ModelKey string `json:"modelKey,omitempty"`
}

// Mode returns the run mode implied by the options.
func (o Options) Mode() Mode {
	if o.Deep {
		return ModeDeep
	}
	return ModeRegular
}

// Clamped returns a copy with depth in [1,5] and breadth in [2,5].
func (o Options) Clamped() Options {
	out := o
	if out.Depth < 1 {
		out.Depth = 1
	}
	if out.Depth > 5 {
		out.Depth = 5
	}
	if out.Breadth < 2 {
		out.Breadth = 2
	}
	if out.Breadth > 5 {
		out.Breadth = 5
	}
	return out
}

// Request is one research invocation.
type Request struct {
	Query   string  `json:"query"`
	Options Options `json:"options"`
}

// SearchResult is the canonical shape of one web-search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Domain  string `json:"domain,omitempty"`
	Favicon string `json:"favicon,omitempty"`
}

// Source is the externally-visible, de-duplicated form of a search result.
// Within one run a URL appears in at most one sources frame; later
// enrichment travels as a source_update instead.
type Source struct {
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Domain    string  `json:"domain"`
	Relevance float64 `json:"relevance"`
	Favicon   string  `json:"favicon,omitempty"`
	Snippet   string  `json:"snippet,omitempty"`
}

// GeneratedQuery is one planner-produced search query with its stated goal.
type GeneratedQuery struct {
	Query        string `json:"query"`
	ResearchGoal string `json:"researchGoal"`
}

// SearchOutcome is what the search client hands the orchestrator. Search
// failure is a reported condition, never an error: Succeeded is false and
// Message carries the human-readable fallback explanation.
type SearchOutcome struct {
	Results   []SearchResult
	Sources   []Source
	Succeeded bool
	Message   string
}

// researchNode is one queued unit of deep-mode work.
type researchNode struct {
	query string
	depth int
}

// deriveDomain extracts the host from a URL, stripping a leading www.
func deriveDomain(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		// Tolerate scheme-less URLs from sloppy providers.
		s := strings.TrimSpace(raw)
		if i := strings.Index(s, "://"); i >= 0 {
			s = s[i+3:]
		}
		if i := strings.IndexByte(s, '/'); i >= 0 {
			s = s[:i]
		}
		return strings.TrimPrefix(strings.ToLower(s), "www.")
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// faviconURL builds a favicon link for a domain using a public favicon
// service endpoint.
func faviconURL(endpoint, domain string) string {
	if domain == "" {
		return ""
	}
	return fmt.Sprintf("%s?domain=%s&sz=64", endpoint, url.QueryEscape(domain))
}

// dedupeSources keeps the first source seen per URL, preserving order.
func dedupeSources(in []Source) []Source {
	seen := make(map[string]struct{}, len(in))
	out := make([]Source, 0, len(in))
	for _, s := range in {
		if s.URL == "" {
			continue
		}
		if _, ok := seen[s.URL]; ok {
			continue
		}
		seen[s.URL] = struct{}{}
		out = append(out, s)
	}
	return out
}
