package scrape

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/news-sentinel/internal/resilience"
)

// Chain tries extractors in priority order, returning the first one that
// produces text.
type Chain struct {
	matcher    *URLMatcher
	extractors []Extractor
	maxRunes   int
}

// NewChain creates a Chain. Extracted text is cut to maxRunes (0 keeps
// everything).
func NewChain(matcher *URLMatcher, maxRunes int, extractors ...Extractor) *Chain {
	return &Chain{
		matcher:    matcher,
		extractors: extractors,
		maxRunes:   maxRunes,
	}
}

// Extract tries each extractor in order for a single URL. Partial results
// are never returned: either some extractor yields non-empty text or the
// call fails.
func (c *Chain) Extract(ctx context.Context, targetURL string) (*Result, error) {
	if c.matcher != nil && c.matcher.IsExcluded(targetURL) {
		return nil, eris.Wrapf(ErrNoText, "url excluded: %s", targetURL)
	}

	var lastErr error
	for _, e := range c.extractors {
		if !e.Supports(targetURL) {
			continue
		}
		result, err := e.Extract(ctx, targetURL)
		if err == nil && result != nil && strings.TrimSpace(result.Text) != "" {
			result.Text = resilience.Truncate(strings.TrimSpace(result.Text), c.maxRunes)
			return result, nil
		}
		if err == nil {
			err = eris.Wrapf(ErrNoText, "%s: empty text", e.Name())
		}
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "scrape: extract cancelled")
		}
		zap.L().Debug("scrape: extractor failed, trying next",
			zap.String("extractor", e.Name()),
			zap.String("url", targetURL),
			zap.Error(err),
		)
		lastErr = err
	}
	if lastErr != nil {
		return nil, eris.Wrap(lastErr, "scrape: all extractors failed")
	}
	return nil, eris.Wrapf(ErrNoText, "no suitable extractor for url: %s", targetURL)
}
