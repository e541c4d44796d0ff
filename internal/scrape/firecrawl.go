package scrape

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/news-sentinel/internal/resilience"
	"github.com/sells-group/news-sentinel/pkg/firecrawl"
)

// FirecrawlExtractor renders a page through Firecrawl. It sits between Jina
// and the local extractor for pages that need a browser.
type FirecrawlExtractor struct {
	client  firecrawl.Client
	breaker *resilience.CircuitBreaker
}

// NewFirecrawlExtractor creates a FirecrawlExtractor from a Firecrawl client.
func NewFirecrawlExtractor(client firecrawl.Client) *FirecrawlExtractor {
	return &FirecrawlExtractor{
		client:  client,
		breaker: resilience.NewCircuitBreaker("firecrawl", resilience.CircuitFrom(3, time.Minute)),
	}
}

func (f *FirecrawlExtractor) Name() string { return "firecrawl" }

// Supports returns true unless the circuit breaker is open.
func (f *FirecrawlExtractor) Supports(_ string) bool {
	return f.breaker.State() != resilience.CircuitOpen
}

// Extract scrapes targetURL as markdown, main content only.
func (f *FirecrawlExtractor) Extract(ctx context.Context, targetURL string) (*Result, error) {
	resp, err := resilience.ExecuteVal(ctx, f.breaker, func(ctx context.Context) (*firecrawl.ScrapeResponse, error) {
		resp, err := f.client.Scrape(ctx, firecrawl.ScrapeRequest{
			URL:             targetURL,
			Formats:         []string{"markdown"},
			OnlyMainContent: true,
		})
		if err != nil {
			return nil, err
		}
		if !resp.Success {
			return nil, eris.New("firecrawl: scrape not successful")
		}
		if sc := resp.Data.Metadata.StatusCode; sc >= 400 {
			return nil, eris.Errorf("firecrawl: page status %d", sc)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	meta := resp.Data.Metadata
	return &Result{
		URL:    firstNonEmpty(meta.URL, meta.SourceURL, targetURL),
		Title:  meta.Title,
		Text:   collapseSpace(resp.Data.Markdown),
		Source: f.Name(),
	}, nil
}
