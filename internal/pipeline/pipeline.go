package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/news-sentinel/internal/model"
	"github.com/sells-group/news-sentinel/internal/monitoring"
	"github.com/sells-group/news-sentinel/internal/resilience"
	"github.com/sells-group/news-sentinel/internal/store"
)

// StageOptions sizes one stage's worker pool and paces its adapter calls.
type StageOptions struct {
	Workers     int
	MinInterval time.Duration
}

// Options configures the orchestrator.
type Options struct {
	BatchSize       int
	StallThreshold  time.Duration
	OpTimeout       time.Duration
	FinalizeTimeout time.Duration
	Stages          map[model.Stage]StageOptions
	Circuit         resilience.CircuitBreakerConfig
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.StallThreshold <= 0 {
		o.StallThreshold = 30 * time.Minute
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 2 * time.Minute
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = 10 * time.Second
	}
}

// Pipeline drives passes over the stages.
type Pipeline struct {
	store    store.Store
	opts     Options
	ingester Ingester
	handlers map[model.Stage]Handler
	limiters map[model.Stage]*rate.Limiter
	breakers *resilience.Breakers
	alerter  *monitoring.Alerter
	now      func() time.Time
}

// New creates a Pipeline. A nil ingester skips the collect stage.
func New(st store.Store, opts Options, ingester Ingester, handlers ...Handler) *Pipeline {
	opts.applyDefaults()
	p := &Pipeline{
		store:    st,
		opts:     opts,
		ingester: ingester,
		handlers: make(map[model.Stage]Handler, len(handlers)),
		limiters: make(map[model.Stage]*rate.Limiter),
		breakers: resilience.NewBreakers(opts.Circuit),
		now:      time.Now,
	}
	for _, h := range handlers {
		p.handlers[h.Stage()] = h
		if iv := opts.Stages[h.Stage()].MinInterval; iv > 0 {
			p.limiters[h.Stage()] = rate.NewLimiter(rate.Every(iv), 1)
		}
	}
	return p
}

// WithAlerter sends pass-health alerts after every pass.
func (p *Pipeline) WithAlerter(a *monitoring.Alerter) *Pipeline {
	p.alerter = a
	return p
}

// Breakers exposes the per-stage circuit breakers for status reporting.
func (p *Pipeline) Breakers() *resilience.Breakers {
	return p.breakers
}

// RunPass runs the given stages (all of them when empty) once, in the fixed
// stage order. The pass is recorded even when ctx is cancelled midway.
func (p *Pipeline) RunPass(ctx context.Context, stages []model.Stage, reconcile bool) (*model.PassRecord, error) {
	rec := &model.PassRecord{ID: uuid.NewString(), StartedAt: p.now().UTC()}
	log := zap.L().With(zap.String("pass_id", rec.ID))
	log.Info("pipeline: pass starting")

	if reconcile {
		n, err := p.Reconcile(ctx, nil, p.opts.StallThreshold)
		if err != nil {
			return nil, err
		}
		rec.Reset = n
	}

	for _, stage := range model.Stages {
		if len(stages) > 0 && !slices.Contains(stages, stage) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		summary := p.RunStage(ctx, stage)
		rec.Stages = append(rec.Stages, summary)
	}
	rec.FinishedAt = p.now().UTC()

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.FinalizeTimeout)
	defer cancel()
	if err := p.store.RecordPass(fctx, *rec); err != nil {
		log.Error("pipeline: record pass failed", zap.Error(err))
	}
	if p.alerter != nil {
		p.alerter.SendAlerts(fctx, p.alerter.Evaluate(*rec))
	}

	log.Info("pipeline: pass complete",
		zap.Duration("duration", rec.FinishedAt.Sub(rec.StartedAt)),
		zap.Int64("reset", rec.Reset),
		zap.Any("stages", rec.Stages),
	)
	return rec, ctx.Err()
}

// Reconcile puts IN_PROGRESS items older than olderThan back to PENDING for
// the given stages (all when empty).
func (p *Pipeline) Reconcile(ctx context.Context, stages []model.Stage, olderThan time.Duration) (int64, error) {
	if len(stages) == 0 {
		stages = model.Stages
	}
	var total int64
	for _, stage := range stages {
		n, err := p.store.ResetStalled(ctx, stage, olderThan)
		if err != nil {
			return total, eris.Wrapf(err, "pipeline: reset stalled %s", stage)
		}
		if n > 0 {
			zap.L().Warn("pipeline: reset stalled items",
				zap.String("stage", string(stage)),
				zap.Int64("count", n),
			)
		}
		total += n
	}
	return total, nil
}

// RunStage runs one stage to exhaustion: batches are loaded until none is
// left, nothing in a batch could be claimed, or the stage is aborted.
func (p *Pipeline) RunStage(ctx context.Context, stage model.Stage) model.StageSummary {
	if stage == model.StageCollect {
		return p.runCollect(ctx)
	}

	summary := model.StageSummary{Stage: stage}
	log := zap.L().With(zap.String("stage", string(stage)))

	h, ok := p.handlers[stage]
	if !ok {
		summary.Aborted = "no handler configured"
		log.Warn("pipeline: stage skipped", zap.String("reason", summary.Aborted))
		return summary
	}
	if err := h.Ready(); err != nil {
		summary.Aborted = err.Error()
		log.Error("pipeline: stage not ready", zap.Error(err))
		return summary
	}

	for ctx.Err() == nil && summary.Aborted == "" {
		batch, err := p.store.LoadBatch(ctx, stage, p.opts.BatchSize)
		if err != nil {
			summary.Aborted = eris.Wrap(err, "pipeline: load batch").Error()
			log.Error("pipeline: load batch failed", zap.Error(err))
			break
		}
		if len(batch) == 0 {
			break
		}
		claimed := p.runBatch(ctx, h, batch, &summary)
		if claimed == 0 || p.breakers.Get(string(stage)).State() == resilience.CircuitOpen {
			break
		}
	}

	log.Info("pipeline: stage complete",
		zap.Int64("claimed", summary.Claimed),
		zap.Int64("done", summary.Done),
		zap.Int64("failed", summary.Failed),
		zap.Int64("conflicts", summary.Conflicts),
		zap.Int64("skipped", summary.Skipped),
		zap.String("aborted", summary.Aborted),
	)
	return summary
}

func (p *Pipeline) runCollect(ctx context.Context) model.StageSummary {
	summary := model.StageSummary{Stage: model.StageCollect}
	if p.ingester == nil {
		summary.Aborted = "no ingester configured"
		return summary
	}
	if err := p.ingester.Ready(); err != nil {
		summary.Aborted = err.Error()
		zap.L().Error("pipeline: collect not ready", zap.Error(err))
		return summary
	}

	cs, err := p.ingester.Run(ctx)
	summary.Collect = cs
	if cs != nil {
		summary.Done = int64(cs.Inserted)
		summary.Failed = int64(cs.StoreFailures)
	}
	if err != nil {
		summary.Aborted = err.Error()
		zap.L().Error("pipeline: collect failed", zap.Error(err))
	}
	return summary
}

// batchState is shared by the dispatcher and the workers of one batch.
type batchState struct {
	mu      sync.Mutex
	summary *model.StageSummary
	abort   context.CancelFunc
}

func (b *batchState) add(fn func(s *model.StageSummary)) {
	b.mu.Lock()
	fn(b.summary)
	b.mu.Unlock()
}

// fail records the first abort reason and stops further claims.
func (b *batchState) fail(reason string) {
	b.mu.Lock()
	if b.summary.Aborted == "" {
		b.summary.Aborted = reason
	}
	b.mu.Unlock()
	b.abort()
}

// runBatch dispatches every item of batch to the stage's worker pool and
// returns how many items were claimed. Workers claim their own item so a
// claim only happens once a slot is free and the stage is still running.
// Aborting the batch stops new claims; items already claimed run to the end
// under the pass context.
func (p *Pipeline) runBatch(ctx context.Context, h Handler, batch []model.Item, summary *model.StageSummary) int64 {
	stage := h.Stage()
	stageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	state := &batchState{summary: summary, abort: cancel}
	before := summary.Claimed

	var g errgroup.Group
	g.SetLimit(max(p.opts.Stages[stage].Workers, 1))
	for _, item := range batch {
		if stageCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if p.claim(stageCtx, h, item, state) {
				p.process(ctx, h, item, state)
			}
			return nil
		})
	}
	_ = g.Wait()
	return summary.Claimed - before
}

// claim moves item to IN_PROGRESS once the breaker and pacing allow it.
func (p *Pipeline) claim(ctx context.Context, h Handler, item model.Item, state *batchState) bool {
	stage := h.Stage()
	if ctx.Err() != nil {
		return false
	}
	breaker := p.breakers.Get(string(stage))
	if err := breaker.Allow(); err != nil {
		state.add(func(s *model.StageSummary) { s.Skipped++ })
		return false
	}
	if limiter := p.limiters[stage]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			breaker.Release()
			return false
		}
	}

	err := p.store.Transition(ctx, item.Key, stage, model.StatusPending, model.StatusInProgress, model.ItemUpdate{})
	switch {
	case err == nil:
		state.add(func(s *model.StageSummary) { s.Claimed++ })
		return true
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
		zap.L().Debug("pipeline: claim conflict",
			zap.String("stage", string(stage)),
			zap.String("key", item.Key),
		)
		state.add(func(s *model.StageSummary) { s.Conflicts++ })
	case ctx.Err() != nil:
	default:
		zap.L().Error("pipeline: claim failed",
			zap.String("stage", string(stage)),
			zap.String("key", item.Key),
			zap.Error(err),
		)
		state.fail(eris.Wrap(err, "pipeline: claim").Error())
	}
	breaker.Release()
	return false
}

// process runs the handler on a claimed item and applies the terminal
// transition. parent is the pass context: the transition is detached from
// its cancellation so a shutdown never strands a claimed item.
func (p *Pipeline) process(parent context.Context, h Handler, item model.Item, state *batchState) {
	stage := h.Stage()
	breaker := p.breakers.Get(string(stage))
	log := zap.L().With(zap.String("stage", string(stage)), zap.String("key", item.Key))

	opCtx, cancel := context.WithTimeout(parent, p.opts.OpTimeout)
	update, err := h.Handle(opCtx, item)
	cancel()

	to := model.StatusDone
	if err != nil {
		to = model.StatusFailed
		if update.Error == nil {
			update.Error = model.Ptr(err.Error())
		}
		if resilience.IsFatal(err) {
			log.Error("pipeline: fatal adapter error, aborting stage", zap.Error(err))
			breaker.Release()
			state.fail(err.Error())
		} else {
			breaker.Record(err)
			log.Warn("pipeline: item failed", zap.Error(err))
		}
	} else {
		breaker.Record(nil)
	}

	fctx, fcancel := context.WithTimeout(context.WithoutCancel(parent), p.opts.FinalizeTimeout)
	defer fcancel()
	if terr := p.store.Transition(fctx, item.Key, stage, model.StatusInProgress, to, update); terr != nil {
		log.Error("pipeline: finalize failed, item left in progress", zap.Error(terr))
		return
	}

	state.add(func(s *model.StageSummary) {
		if to == model.StatusDone {
			s.Done++
		} else {
			s.Failed++
		}
	})
}
