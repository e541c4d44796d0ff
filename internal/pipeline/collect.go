package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/news-sentinel/internal/dedup"
	"github.com/sells-group/news-sentinel/internal/feed"
	"github.com/sells-group/news-sentinel/internal/model"
	"github.com/sells-group/news-sentinel/internal/resolver"
	"github.com/sells-group/news-sentinel/internal/scrape"
	"github.com/sells-group/news-sentinel/internal/store"
	"github.com/sells-group/news-sentinel/internal/validate"
)

// FeedSource reads every feed of a registry.
type FeedSource interface {
	Collect(ctx context.Context, reg *feed.Registry) (*feed.Result, error)
}

// LinkResolver follows indirection links to their destination.
type LinkResolver interface {
	Workers() int
	NeedsResolution(link string) bool
	Resolve(ctx context.Context, link string) resolver.Result
}

// HistoryFilter drops in-batch duplicates and already-stored keys.
type HistoryFilter interface {
	Apply(ctx context.Context, cands []model.Candidate) (*dedup.Result, error)
}

// PageReader reads a page's own title and description.
type PageReader interface {
	Read(ctx context.Context, url string) (*scrape.Metadata, error)
}

// ContentValidator rejects interstitial and placeholder content.
type ContentValidator interface {
	Check(title, summary string) validate.Verdict
}

// ItemWriter persists new items.
type ItemWriter interface {
	UpsertIfNew(ctx context.Context, item model.Item) (store.UpsertResult, error)
}

// Ingestion is the collect stage: feeds to resolved, filtered, validated
// items stored with collect = DONE.
type Ingestion struct {
	Registry  *feed.Registry
	Feeds     FeedSource
	Resolver  LinkResolver
	History   HistoryFilter
	Pages     PageReader
	Validator ContentValidator
	Store     ItemWriter
	// PageWorkers bounds concurrent metadata fetches. Default 8.
	PageWorkers int

	now func() time.Time
}

// Ready fails when there is nothing to collect from.
func (in *Ingestion) Ready() error {
	if in.Registry == nil || len(in.Registry.Sources()) == 0 {
		return eris.New("collect: feed registry is empty")
	}
	return nil
}

// Run performs one ingestion round. Only cancellation and failures of a
// whole step are returned as errors; a failed insert is logged and counted
// in the summary.
func (in *Ingestion) Run(ctx context.Context) (*model.CollectSummary, error) {
	sum := &model.CollectSummary{Rejected: make(map[string]int)}

	fr, err := in.Feeds.Collect(ctx, in.Registry)
	if err != nil {
		return sum, eris.Wrap(err, "collect: feeds")
	}
	sum.Feeds = fr.Feeds
	sum.FeedFailures = len(fr.Failures)
	sum.Candidates = len(fr.Candidates)

	keyed, err := in.resolve(ctx, fr.Candidates, sum)
	if err != nil {
		return sum, err
	}

	dr, err := in.History.Apply(ctx, keyed)
	if err != nil {
		return sum, eris.Wrap(err, "collect: history")
	}
	sum.Duplicates = dr.Duplicates
	sum.Known = dr.Known
	sum.Unresolved += dr.Empty

	accepted, err := in.describe(ctx, dr.Fresh, sum)
	if err != nil {
		return sum, err
	}

	now := in.clock()
	for _, c := range accepted {
		if ctx.Err() != nil {
			return sum, eris.Wrap(ctx.Err(), "collect: insert")
		}
		res, err := in.Store.UpsertIfNew(ctx, model.NewCollectedItem(c, now))
		if err != nil {
			if ctx.Err() != nil {
				return sum, eris.Wrapf(err, "collect: insert %s", c.Key)
			}
			zap.L().Error("collect: insert failed",
				zap.String("key", c.Key),
				zap.String("source", c.SourceLabel),
				zap.Error(err),
			)
			sum.StoreFailures++
			continue
		}
		if res == store.AlreadyExists {
			sum.Known++
			continue
		}
		sum.Inserted++
	}

	zap.L().Info("collect: round complete",
		zap.Int("feeds", sum.Feeds),
		zap.Int("feed_failures", sum.FeedFailures),
		zap.Int("candidates", sum.Candidates),
		zap.Int("resolved", sum.Resolved),
		zap.Int("degraded", sum.Degraded),
		zap.Int("unresolved", sum.Unresolved),
		zap.Int("deferred", sum.Deferred),
		zap.Int("duplicates", sum.Duplicates),
		zap.Int("known", sum.Known),
		zap.Any("rejected", sum.Rejected),
		zap.Int("inserted", sum.Inserted),
		zap.Int("store_failures", sum.StoreFailures),
	)
	return sum, nil
}

// resolve sets each candidate's Key to its final URL, keeping input order.
// Candidates that could not be resolved are dropped.
func (in *Ingestion) resolve(ctx context.Context, cands []model.Candidate, sum *model.CollectSummary) ([]model.Candidate, error) {
	results := make([]resolver.Result, len(cands))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(max(in.Resolver.Workers(), 1))
	for i, c := range cands {
		if !in.Resolver.NeedsResolution(c.RawLink) {
			results[i] = resolver.Result{Link: c.RawLink, Final: c.RawLink}
			continue
		}
		g.Go(func() error {
			results[i] = in.Resolver.Resolve(gCtx, c.RawLink)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "collect: resolve cancelled")
	}

	out := make([]model.Candidate, 0, len(cands))
	for i, c := range cands {
		r := results[i]
		switch r.Outcome {
		case "": // direct link
		case resolver.OutcomeResolved:
			sum.Resolved++
		case resolver.OutcomeDegraded:
			sum.Degraded++
		case resolver.OutcomeSessionUnavailable:
			sum.Deferred++
			continue
		default:
			sum.Unresolved++
			zap.L().Debug("collect: link unresolved",
				zap.String("source", c.SourceLabel),
				zap.String("link", c.RawLink),
				zap.Error(r.Err),
			)
			continue
		}
		c.Key = r.Final
		out = append(out, c)
	}
	return out, nil
}

// describe replaces feed-provided text with the page's own metadata where
// available, then validates. Order is preserved.
func (in *Ingestion) describe(ctx context.Context, cands []model.Candidate, sum *model.CollectSummary) ([]model.Candidate, error) {
	type described struct {
		cand    model.Candidate
		blocked bool
	}
	results := make([]described, len(cands))

	workers := in.PageWorkers
	if workers <= 0 {
		workers = 8
	}
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, c := range cands {
		g.Go(func() error {
			results[i] = described{cand: c}
			md, err := in.Pages.Read(gCtx, c.Key)
			if err != nil {
				zap.L().Debug("collect: page metadata unavailable, using feed text",
					zap.String("key", c.Key),
					zap.Error(err),
				)
				return nil
			}
			if md.Blocked() {
				results[i].blocked = true
				return nil
			}
			results[i].cand.Title = firstNonEmpty(md.Title, c.Title)
			results[i].cand.Summary = firstNonEmpty(md.Description, c.Summary)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "collect: metadata cancelled")
	}

	out := make([]model.Candidate, 0, len(cands))
	for _, r := range results {
		if r.blocked {
			sum.Rejected[string(validate.ReasonBlocked)]++
			continue
		}
		v := in.Validator.Check(r.cand.Title, r.cand.Summary)
		if !v.Accepted() {
			sum.Rejected[string(v.Reason)]++
			zap.L().Debug("collect: content rejected",
				zap.String("key", r.cand.Key),
				zap.String("reason", string(v.Reason)),
				zap.String("term", v.Term),
			)
			continue
		}
		out = append(out, r.cand)
	}
	return out, nil
}

func (in *Ingestion) clock() time.Time {
	if in.now != nil {
		return in.now().UTC()
	}
	return time.Now().UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
