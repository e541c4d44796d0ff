package feed

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/news-sentinel/internal/fetcher"
	"github.com/sells-group/news-sentinel/internal/model"
)

// Collector downloads every registry feed through a bounded pool.
type Collector struct {
	fetcher fetcher.Fetcher
	workers int
}

// NewCollector creates a collector running at most workers fetches at once.
func NewCollector(f fetcher.Fetcher, workers int) *Collector {
	if workers <= 0 {
		workers = 1
	}
	return &Collector{fetcher: f, workers: workers}
}

// Failure describes one feed that could not be read.
type Failure struct {
	Source Source
	Err    error
}

// Result is the outcome of one collection round.
type Result struct {
	// Candidates are grouped per feed in registry order.
	Candidates []model.Candidate
	Feeds      int
	Failures   []Failure
}

// Collect reads every feed of reg. A failing feed is logged and recorded
// in the result without affecting the others; only cancellation of ctx
// makes Collect return an error.
func (c *Collector) Collect(ctx context.Context, reg *Registry) (*Result, error) {
	sources := reg.Sources()
	perFeed := make([][]model.Candidate, len(sources))
	errs := make([]error, len(sources))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for i, src := range sources {
		g.Go(func() error {
			start := time.Now()
			cands, err := c.read(gCtx, src)
			perFeed[i] = cands
			errs[i] = err
			if err != nil {
				zap.L().Warn("feed: read failed",
					zap.String("source", src.Label),
					zap.String("url", src.URL),
					zap.Error(err),
				)
				return nil
			}
			zap.L().Debug("feed: read",
				zap.String("source", src.Label),
				zap.String("url", src.URL),
				zap.Int("entries", len(cands)),
				zap.Duration("elapsed", time.Since(start)),
			)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "feed: collect cancelled")
	}

	res := &Result{Feeds: len(sources)}
	for i, src := range sources {
		res.Candidates = append(res.Candidates, perFeed[i]...)
		if errs[i] != nil {
			res.Failures = append(res.Failures, Failure{Source: src, Err: errs[i]})
		}
	}
	return res, nil
}

func (c *Collector) read(ctx context.Context, src Source) ([]model.Candidate, error) {
	resp, err := c.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, eris.Errorf("feed: http %d from %s", resp.StatusCode, src.URL)
	}
	return Parse(ctx, resp.Body, src.Label)
}
