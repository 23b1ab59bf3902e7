package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/mkamali/deepscout/internal/config"
	"github.com/mkamali/deepscout/internal/httpx"
	"github.com/mkamali/deepscout/internal/telemetry"
)

// Searcher is the orchestrator's view of the search client.
type Searcher interface {
	Search(ctx context.Context, query string) SearchOutcome
}

// SearchClient wraps the web-search provider. It normalizes heterogeneous
// result shapes, retries transient failures with escalating backoff and
// degrades to a fallback sentinel on exhaustion; it never returns an error.
type SearchClient struct {
	cfg       config.SearchConfig
	favicon   string
	http      *httpx.Client
	cache     Cache
	cacheTTL  time.Duration
	telemetry *telemetry.Telemetry
	logger    *log.Logger

	// sleep is swapped out in tests so backoff does not stall the suite.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSearchClient builds a search client. cache may be nil.
func NewSearchClient(cfg config.SearchConfig, faviconEndpoint string, cache Cache, cacheTTL time.Duration, tele *telemetry.Telemetry, logger *log.Logger) *SearchClient {
	if logger == nil {
		logger = log.New(log.Writer(), "[SEARCH] ", log.LstdFlags)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &SearchClient{
		cfg:       cfg,
		favicon:   faviconEndpoint,
		http:      httpx.New(timeout),
		cache:     cache,
		cacheTTL:  cacheTTL,
		telemetry: tele,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type searchRequest struct {
	Query         string        `json:"query"`
	Limit         int           `json:"limit"`
	Country       string        `json:"country"`
	Lang          string        `json:"lang"`
	ScrapeOptions scrapeOptions `json:"scrapeOptions"`
	Timeout       int           `json:"timeout"`
}

type scrapeOptions struct {
	Formats         []string `json:"formats"`
	OnlyMainContent bool     `json:"onlyMainContent"`
}

// rawResult tolerates the field spellings seen across provider responses.
type rawResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Link        string `json:"link"`
	Snippet     string `json:"snippet"`
	Description string `json:"description"`
	Markdown    string `json:"markdown"`
}

func (r rawResult) link() string {
	if r.URL != "" {
		return r.URL
	}
	return r.Link
}

func (r rawResult) text() string {
	for _, s := range []string{r.Snippet, r.Description, r.Markdown} {
		if strings.TrimSpace(s) != "" {
			return trimSnippet(s)
		}
	}
	return ""
}

type cachedOutcome struct {
	Results []SearchResult `json:"results"`
	Sources []Source       `json:"sources"`
}

// Search issues one provider call with the configured retry policy.
func (c *SearchClient) Search(ctx context.Context, query string) SearchOutcome {
	cacheKey := "search:" + strings.ToLower(strings.TrimSpace(query))
	if c.cache != nil {
		if b, ok := c.cache.Get(ctx, cacheKey); ok {
			var cached cachedOutcome
			if err := json.Unmarshal(b, &cached); err == nil && len(cached.Results) > 0 {
				return SearchOutcome{Results: cached.Results, Sources: cached.Sources, Succeeded: true}
			}
		}
	}

	body := searchRequest{
		Query:   query,
		Limit:   c.cfg.Limit,
		Country: c.cfg.Country,
		Lang:    c.cfg.Lang,
		ScrapeOptions: scrapeOptions{
			Formats:         []string{"markdown", "links"},
			OnlyMainContent: true,
		},
		Timeout: int(c.cfg.Timeout / time.Millisecond),
	}
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}

	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}

	attempt := 0
	emptyRetries := 0
	authTries := 0
	for {
		resp, err := c.http.PostJSON(ctx, c.cfg.Endpoint, headers, body)
		switch {
		case err != nil:
			// Network-level failure or timeout: exponential backoff.
			c.telemetry.RecordSearchAttempt("network_error")
			c.logger.Printf("search %q attempt %d failed: %v", query, attempt+1, err)
			if ctx.Err() != nil || attempt >= maxRetries {
				return c.fallback(query)
			}
			if c.sleep(ctx, time.Second<<attempt) != nil {
				return c.fallback(query)
			}
			attempt++

		case resp.Status == http.StatusTooManyRequests:
			c.telemetry.RecordSearchAttempt("rate_limited")
			c.logger.Printf("search %q rate limited (attempt %d)", query, attempt+1)
			if attempt >= maxRetries {
				return c.fallback(query)
			}
			if c.sleep(ctx, 3*time.Second*time.Duration(attempt+1)) != nil {
				return c.fallback(query)
			}
			attempt++

		case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
			// Likely non-transient; one retry in case of key rotation races.
			c.telemetry.RecordSearchAttempt("auth_failed")
			if authTries >= 1 {
				return c.authFallback(query)
			}
			authTries++
			if c.sleep(ctx, time.Second) != nil {
				return c.authFallback(query)
			}

		case resp.Status < 200 || resp.Status >= 300:
			c.telemetry.RecordSearchAttempt("http_error")
			c.logger.Printf("search %q status %d (attempt %d)", query, resp.Status, attempt+1)
			if attempt >= maxRetries {
				return c.fallback(query)
			}
			if c.sleep(ctx, time.Second<<attempt) != nil {
				return c.fallback(query)
			}
			attempt++

		default:
			raws := parseSearchBody(resp.Body)
			if len(raws) == 0 {
				// Empty or malformed body: short linear backoff budget.
				c.telemetry.RecordSearchAttempt("empty")
				if emptyRetries >= 2 {
					return c.fallback(query)
				}
				emptyRetries++
				if c.sleep(ctx, time.Second*time.Duration(emptyRetries)) != nil {
					return c.fallback(query)
				}
				continue
			}
			c.telemetry.RecordSearchAttempt("success")
			outcome := c.normalize(raws)
			if c.cache != nil {
				if b, err := json.Marshal(cachedOutcome{Results: outcome.Results, Sources: outcome.Sources}); err == nil {
					c.cache.Set(ctx, cacheKey, b, c.cacheTTL)
				}
			}
			return outcome
		}
	}
}

// parseSearchBody accepts {"data":[...]}, {"results":[...]} or a bare array.
func parseSearchBody(body []byte) []rawResult {
	var wrapped struct {
		Data    []rawResult `json:"data"`
		Results []rawResult `json:"results"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		if len(wrapped.Data) > 0 {
			return wrapped.Data
		}
		if len(wrapped.Results) > 0 {
			return wrapped.Results
		}
	}
	var bare []rawResult
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare
	}
	return nil
}

func (c *SearchClient) normalize(raws []rawResult) SearchOutcome {
	var results []SearchResult
	var sources []Source
	seen := make(map[string]struct{})
	for i, r := range raws {
		link := strings.TrimSpace(r.link())
		if link == "" {
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}

		title := strings.TrimSpace(r.Title)
		if title == "" {
			title = "Untitled"
		}
		domain := deriveDomain(link)
		favicon := faviconURL(c.favicon, domain)
		snippet := r.text()

		results = append(results, SearchResult{
			Title:   title,
			URL:     link,
			Snippet: snippet,
			Domain:  domain,
			Favicon: favicon,
		})
		sources = append(sources, Source{
			Title:     title,
			URL:       link,
			Domain:    domain,
			Relevance: relevanceForRank(i),
			Favicon:   favicon,
			Snippet:   snippet,
		})
	}
	if len(results) == 0 {
		return SearchOutcome{Succeeded: false, Message: "Search returned no usable results."}
	}
	return SearchOutcome{Results: results, Sources: sources, Succeeded: true}
}

func (c *SearchClient) fallback(query string) SearchOutcome {
	c.telemetry.RecordSearchFallback()
	return SearchOutcome{
		Succeeded: false,
		Message: fmt.Sprintf("Web search is currently unavailable for %q. "+
			"The findings below rely on the model's background knowledge rather than live sources.", query),
	}
}

func (c *SearchClient) authFallback(query string) SearchOutcome {
	c.telemetry.RecordSearchFallback()
	return SearchOutcome{
		Succeeded: false,
		Message: fmt.Sprintf("Web search authentication failed while researching %q; check the search API key. "+
			"The findings below rely on the model's background knowledge rather than live sources.", query),
	}
}

func relevanceForRank(rank int) float64 {
	r := 0.9 - 0.07*float64(rank)
	if r < 0.3 {
		r = 0.3
	}
	return r
}

func trimSnippet(s string) string {
	s = strings.TrimSpace(s)
	const maxRunes = 280
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return strings.TrimSpace(string(runes[:maxRunes])) + "…"
}

// formatSearchBlock renders results as the numbered text block the UI shows
// in a search_results frame; a failed outcome renders its fallback message.
func formatSearchBlock(query string, outcome SearchOutcome) string {
	if !outcome.Succeeded {
		return outcome.Message
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Search results for %q:\n", query)
	for i, r := range outcome.Results {
		fmt.Fprintf(&b, "\n%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", r.Snippet)
		}
	}
	return b.String()
}
