package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/news-sentinel/internal/model"
	"github.com/sells-group/news-sentinel/internal/store"
)

// Snapshot holds a point-in-time view of the pipeline.
type Snapshot struct {
	Counts store.StageCounts `json:"counts"`
	// Pending includes items gated out by earlier outcomes.
	Pending     map[model.Stage]int `json:"pending"`
	Failed      int                 `json:"failed"`
	InProgress  int                 `json:"in_progress"`
	Passes      []model.PassRecord  `json:"passes"`
	LastPassAt  *time.Time          `json:"last_pass_at,omitempty"`
	CollectedAt time.Time           `json:"collected_at"`
}

// Collector gathers snapshots from the store.
type Collector struct {
	store store.Store
	now   func() time.Time
}

// NewCollector creates a new snapshot collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect reads per-stage counts and the most recent passes.
func (c *Collector) Collect(ctx context.Context, passLimit int) (*Snapshot, error) {
	counts, err := c.store.Stats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: stats")
	}
	passes, err := c.store.ListPasses(ctx, passLimit)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list passes")
	}

	snap := &Snapshot{
		Counts:      counts,
		Pending:     make(map[model.Stage]int, len(model.Stages)),
		Passes:      passes,
		CollectedAt: c.now().UTC(),
	}
	for _, stage := range model.Stages {
		byStatus := counts[stage]
		snap.Pending[stage] = byStatus[model.StatusPending]
		snap.Failed += byStatus[model.StatusFailed]
		snap.InProgress += byStatus[model.StatusInProgress]
	}
	if len(passes) > 0 {
		last := passes[0].FinishedAt
		snap.LastPassAt = &last
	}
	return snap, nil
}
