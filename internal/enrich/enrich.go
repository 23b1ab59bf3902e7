// Package enrich fetches page metadata for sources that search returned
// without a usable title.
package enrich

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/mkamali/deepscout/internal/httpx"
)

// Fetcher retrieves a page and extracts its title and a short excerpt with
// a readability pass. Static fetch only, no browser rendering.
type Fetcher struct {
	client *httpx.Client
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{client: httpx.New(timeout)}
}

// Fetch implements the research.Enricher contract.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (string, string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", "", fmt.Errorf("parse url: %w", err)
	}

	resp, err := f.client.Get(ctx, pageURL, map[string]string{
		"User-Agent": "Mozilla/5.0 (compatible; deepscout/1.0)",
	})
	if err != nil {
		return "", "", fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return "", "", fmt.Errorf("fetch %s: status %d", pageURL, resp.Status)
	}

	article, err := readability.FromReader(bytes.NewReader(resp.Body), u)
	if err != nil {
		return "", "", fmt.Errorf("extract %s: %w", pageURL, err)
	}
	return strings.TrimSpace(article.Title), strings.TrimSpace(article.Excerpt), nil
}
