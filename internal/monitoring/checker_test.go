package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/news-sentinel/internal/config"
	"github.com/sells-group/news-sentinel/internal/model"
	"github.com/sells-group/news-sentinel/internal/store"
)

func newTestChecker(st *mockStore, poster Poster, now time.Time) *Checker {
	cfg := config.MonitoringConfig{MaxPassAge: time.Hour}
	c := NewChecker(NewCollector(st), NewAlerter(cfg, poster), cfg)
	c.now = func() time.Time { return now }
	return c
}

func TestChecker_Overdue(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	c := newTestChecker(&mockStore{}, nil, now)

	fresh := now.Add(-30 * time.Minute)
	assert.Nil(t, c.Overdue(&Snapshot{LastPassAt: &fresh}))

	stale := now.Add(-2 * time.Hour)
	alert := c.Overdue(&Snapshot{LastPassAt: &stale})
	require.NotNil(t, alert)
	assert.Equal(t, AlertPassOverdue, alert.Type)
	assert.Equal(t, "last pass finished 2h0m0s ago (max 1h0m0s)", alert.Message)

	never := c.Overdue(&Snapshot{})
	require.NotNil(t, never)
	assert.Equal(t, "no pass has been recorded", never.Message)

	c.cfg.MaxPassAge = 0
	assert.Nil(t, c.Overdue(&Snapshot{}))
}

func TestChecker_CheckAlertsOncePerStalePass(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	st := &mockStore{
		counts: store.StageCounts{},
		passes: []model.PassRecord{{ID: "p1", FinishedAt: now.Add(-3 * time.Hour)}},
	}
	poster := &recordingPoster{}
	c := newTestChecker(st, poster, now)

	c.check(context.Background(), zap.NewNop())
	c.check(context.Background(), zap.NewNop())
	assert.Len(t, poster.texts, 1)

	st.passes = []model.PassRecord{{ID: "p2", FinishedAt: now.Add(-10 * time.Minute)}}
	c.check(context.Background(), zap.NewNop())
	assert.Nil(t, c.alerted)

	st.passes = []model.PassRecord{{ID: "p2", FinishedAt: now.Add(-2 * time.Hour)}}
	c.check(context.Background(), zap.NewNop())
	assert.Len(t, poster.texts, 2)
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	c := newTestChecker(&mockStore{counts: store.StageCounts{}}, nil, time.Now())
	c.cfg.CheckInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("checker did not stop")
	}
}
