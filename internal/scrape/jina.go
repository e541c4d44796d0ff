package scrape

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/news-sentinel/internal/resilience"
	"github.com/sells-group/news-sentinel/pkg/jina"
)

// JinaExtractor wraps a Jina Reader client as an Extractor with a circuit
// breaker, so a failing Reader falls straight through to the next
// extractor.
type JinaExtractor struct {
	client  jina.Client
	breaker *resilience.CircuitBreaker
}

// NewJinaExtractor creates a JinaExtractor from a Jina client. Three
// consecutive failures open the circuit for a minute.
func NewJinaExtractor(client jina.Client) *JinaExtractor {
	cfg := resilience.CircuitFrom(3, time.Minute)
	return &JinaExtractor{
		client:  client,
		breaker: resilience.NewCircuitBreaker("jina", cfg),
	}
}

func (j *JinaExtractor) Name() string { return "jina" }

// Supports returns true unless the circuit breaker is open.
func (j *JinaExtractor) Supports(_ string) bool {
	return j.breaker.State() != resilience.CircuitOpen
}

// Extract reads a URL via Jina Reader and validates the response.
func (j *JinaExtractor) Extract(ctx context.Context, targetURL string) (*Result, error) {
	resp, err := resilience.ExecuteVal(ctx, j.breaker, func(ctx context.Context) (*jina.ReadResponse, error) {
		resp, err := j.client.Read(ctx, targetURL)
		if err != nil {
			return nil, err
		}
		if reason := needsFallback(resp); reason != "" {
			return nil, eris.Errorf("jina: %s", reason)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		URL:    firstNonEmpty(resp.Data.URL, targetURL),
		Title:  resp.Data.Title,
		Text:   collapseSpace(resp.Data.Content),
		Source: j.Name(),
	}, nil
}

var challengeSignatures = []string{
	"checking your browser",
	"enable javascript",
	"please enable cookies",
	"access denied",
	"403 forbidden",
	"just a moment",
	"cloudflare",
	"attention required",
}

// needsFallback explains why a Jina response is unusable, or returns "".
func needsFallback(resp *jina.ReadResponse) string {
	if resp == nil {
		return "empty response"
	}
	if resp.Code != 0 && resp.Code != 200 {
		return "upstream code " + strconv.Itoa(resp.Code)
	}

	content := strings.TrimSpace(resp.Data.Content)
	if len(content) < 100 {
		return "content too short"
	}

	lower := strings.ToLower(content)
	for _, sig := range challengeSignatures {
		if strings.Contains(lower, sig) && len(content) < 1000 {
			return "challenge page (" + sig + ")"
		}
	}
	return ""
}
