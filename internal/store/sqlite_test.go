package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/news-sentinel/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func seedItem(t *testing.T, st Store, key string, offset time.Duration) model.Item {
	t.Helper()
	it := model.NewCollectedItem(model.Candidate{
		SourceLabel: "Vinci",
		RawLink:     "https://news.google.com/rss/articles/" + key,
		Title:       "Title " + key,
		Summary:     "Summary " + key,
		Key:         "https://example.com/" + key,
	}, testEpoch.Add(offset))
	res, err := st.UpsertIfNew(context.Background(), it)
	require.NoError(t, err)
	require.Equal(t, Inserted, res)
	return it
}

// advance runs one stage to a terminal status through the normal claim path.
func advance(t *testing.T, st Store, key string, stage model.Stage, to model.Status, u model.ItemUpdate) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.Transition(ctx, key, stage, model.StatusPending, model.StatusInProgress, model.ItemUpdate{}))
	require.NoError(t, st.Transition(ctx, key, stage, model.StatusInProgress, to, u))
}

func keysOf(items []model.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Key
	}
	return out
}

// --- Upsert ---

func TestSQLite_UpsertIfNew_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	it := seedItem(t, st, "a", 0)

	it.Title = "changed"
	res, err := st.UpsertIfNew(ctx, it)
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, res)

	got, err := st.Get(ctx, it.Key)
	require.NoError(t, err)
	assert.Equal(t, "Title a", got.Title)
	assert.Equal(t, model.StatusDone, got.Status(model.StageCollect))
	assert.Equal(t, model.StatusPending, got.Status(model.StageClassify))
	assert.Equal(t, testEpoch, got.CreatedAt)
	assert.Nil(t, got.RawText)
	assert.Nil(t, got.IsTarget)
}

func TestSQLite_Get_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.Get(context.Background(), "https://example.com/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- LoadBatch gating ---

func TestSQLite_LoadBatch_Classify(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seedItem(t, st, "b", 2*time.Minute)
	seedItem(t, st, "a", time.Minute)
	seedItem(t, st, "c", 3*time.Minute)

	items, err := st.LoadBatch(ctx, model.StageClassify, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, keysOf(items))
}

func TestSQLite_LoadBatch_ExtractTextRequiresInteresting(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	hit := seedItem(t, st, "hit", 0)
	miss := seedItem(t, st, "miss", time.Second)
	seedItem(t, st, "unclassified", 2*time.Second)

	advance(t, st, hit.Key, model.StageClassify, model.StatusDone, model.ItemUpdate{
		Relevance:      model.Ptr(model.RelevanceInteresting),
		RelevanceLabel: model.Ptr("L3"),
	})
	advance(t, st, miss.Key, model.StageClassify, model.StatusDone, model.ItemUpdate{
		Relevance:      model.Ptr(model.RelevanceNotInteresting),
		RelevanceLabel: model.Ptr("L0"),
	})

	items, err := st.LoadBatch(ctx, model.StageExtractText, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{hit.Key}, keysOf(items))
	require.NotNil(t, items[0].Relevance)
	assert.Equal(t, model.RelevanceInteresting, *items[0].Relevance)
}

func TestSQLite_LoadBatch_TargetRequiresText(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	withText := seedItem(t, st, "text", 0)
	empty := seedItem(t, st, "empty", time.Second)
	for _, it := range []model.Item{withText, empty} {
		advance(t, st, it.Key, model.StageClassify, model.StatusDone, model.ItemUpdate{
			Relevance: model.Ptr(model.RelevanceInteresting),
		})
	}
	advance(t, st, withText.Key, model.StageExtractText, model.StatusDone, model.ItemUpdate{RawText: model.Ptr("corpo da notícia")})
	advance(t, st, empty.Key, model.StageExtractText, model.StatusDone, model.ItemUpdate{RawText: model.Ptr("")})

	items, err := st.LoadBatch(ctx, model.StageTarget, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{withText.Key}, keysOf(items))
}

func TestSQLite_LoadBatch_DeliverRequiresTarget(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	yes := seedItem(t, st, "yes", 0)
	no := seedItem(t, st, "no", time.Second)
	for _, it := range []model.Item{yes, no} {
		advance(t, st, it.Key, model.StageClassify, model.StatusDone, model.ItemUpdate{Relevance: model.Ptr(model.RelevanceInteresting)})
		advance(t, st, it.Key, model.StageExtractText, model.StatusDone, model.ItemUpdate{RawText: model.Ptr("text")})
	}
	advance(t, st, yes.Key, model.StageTarget, model.StatusDone, model.ItemUpdate{
		IsTarget:        model.Ptr(true),
		TargetRationale: model.Ptr("compra de gestora"),
	})
	advance(t, st, no.Key, model.StageTarget, model.StatusDone, model.ItemUpdate{IsTarget: model.Ptr(false)})

	items, err := st.LoadBatch(ctx, model.StageDeliver, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, yes.Key, items[0].Key)
	require.NotNil(t, items[0].IsTarget)
	assert.True(t, *items[0].IsTarget)
	assert.Equal(t, "compra de gestora", *items[0].TargetRationale)
}

func TestSQLite_LoadBatch_UnknownStage(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.LoadBatch(context.Background(), model.Stage("publish"), 10)
	assert.Error(t, err)
}

// --- Transition ---

func TestSQLite_Transition_ConflictAndNotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	it := seedItem(t, st, "a", 0)
	require.NoError(t, st.Transition(ctx, it.Key, model.StageClassify, model.StatusPending, model.StatusInProgress, model.ItemUpdate{}))

	err := st.Transition(ctx, it.Key, model.StageClassify, model.StatusPending, model.StatusInProgress, model.ItemUpdate{})
	assert.ErrorIs(t, err, ErrConflict)

	err = st.Transition(ctx, "https://example.com/nope", model.StageClassify, model.StatusPending, model.StatusInProgress, model.ItemUpdate{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_Transition_Invalid(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	it := seedItem(t, st, "a", 0)

	err := st.Transition(ctx, it.Key, model.StageClassify, model.StatusPending, model.StatusDone, model.ItemUpdate{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = st.Transition(ctx, it.Key, model.StageClassify, model.StatusDone, model.StatusPending, model.ItemUpdate{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := st.Get(ctx, it.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status(model.StageClassify))
}

func TestSQLite_Transition_FailedRecordsErrorAndDoneClears(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	it := seedItem(t, st, "a", 0)
	advance(t, st, it.Key, model.StageClassify, model.StatusFailed, model.ItemUpdate{Error: model.Ptr("classifier: 529")})

	got, err := st.Get(ctx, it.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status(model.StageClassify))
	assert.Equal(t, "classifier: 529", got.States[model.StageClassify].Error)

	n, err := st.Requeue(ctx, RequeueFilter{Stage: model.StageClassify})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	advance(t, st, it.Key, model.StageClassify, model.StatusDone, model.ItemUpdate{Relevance: model.Ptr(model.RelevanceInteresting)})
	got, err = st.Get(ctx, it.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, got.Status(model.StageClassify))
	assert.Empty(t, got.States[model.StageClassify].Error)
}

func TestSQLite_Transition_ConcurrentClaimIsExclusive(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	it := seedItem(t, st, "race", 0)

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.Transition(ctx, it.Key, model.StageClassify, model.StatusPending, model.StatusInProgress, model.ItemUpdate{})
			switch {
			case err == nil:
				wins.Add(1)
			case assert.ErrorIs(t, err, ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), conflicts.Load())
}

// --- Recovery ---

func TestSQLite_ResetStalled(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	stale := seedItem(t, st, "stale", 0)
	fresh := seedItem(t, st, "fresh", time.Second)

	st.now = func() time.Time { return testEpoch }
	require.NoError(t, st.Transition(ctx, stale.Key, model.StageClassify, model.StatusPending, model.StatusInProgress, model.ItemUpdate{}))
	st.now = func() time.Time { return testEpoch.Add(50 * time.Minute) }
	require.NoError(t, st.Transition(ctx, fresh.Key, model.StageClassify, model.StatusPending, model.StatusInProgress, model.ItemUpdate{}))

	st.now = func() time.Time { return testEpoch.Add(time.Hour) }
	n, err := st.ResetStalled(ctx, model.StageClassify, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.Get(ctx, stale.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status(model.StageClassify))

	got, err = st.Get(ctx, fresh.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, got.Status(model.StageClassify))
}

func TestSQLite_Requeue_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := seedItem(t, st, "a", 0)
	b := seedItem(t, st, "b", time.Second)
	c := seedItem(t, st, "c", 2*time.Second)
	for _, it := range []model.Item{a, b} {
		advance(t, st, it.Key, model.StageClassify, model.StatusFailed, model.ItemUpdate{Error: model.Ptr("boom")})
	}
	advance(t, st, c.Key, model.StageClassify, model.StatusDone, model.ItemUpdate{Relevance: model.Ptr(model.RelevanceNotInteresting)})

	n, err := st.Requeue(ctx, RequeueFilter{Stage: model.StageClassify, Keys: []string{a.Key, c.Key}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = st.Requeue(ctx, RequeueFilter{Stage: model.StageClassify, SourceLabel: "Other"})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = st.Requeue(ctx, RequeueFilter{Stage: model.StageClassify})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.Get(ctx, c.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, got.Status(model.StageClassify))
}

// --- Queries ---

func TestSQLite_KnownKeys(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := seedItem(t, st, "a", 0)

	keys := []string{a.Key, "https://example.com/unknown"}
	for i := 0; i < keyChunk+10; i++ {
		keys = append(keys, fmt.Sprintf("https://example.com/filler-%d", i))
	}
	known, err := st.KnownKeys(ctx, keys)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{a.Key: true}, known)

	known, err = st.KnownKeys(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, known)
}

func TestSQLite_ListAndStats(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := seedItem(t, st, "a", 0)
	seedItem(t, st, "b", time.Second)
	advance(t, st, a.Key, model.StageClassify, model.StatusFailed, model.ItemUpdate{Error: model.Ptr("x")})

	all, err := st.List(ctx, ItemFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/b", a.Key}, keysOf(all))

	failed, err := st.List(ctx, ItemFilter{Stage: model.StageClassify, Status: model.StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, []string{a.Key}, keysOf(failed))

	page, err := st.List(ctx, ItemFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{a.Key}, keysOf(page))

	counts, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.StageCollect][model.StatusDone])
	assert.Equal(t, 1, counts[model.StageClassify][model.StatusFailed])
	assert.Equal(t, 1, counts[model.StageClassify][model.StatusPending])
	assert.Equal(t, 2, counts[model.StageDeliver][model.StatusPending])
}

// --- Passes ---

func TestSQLite_Passes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := model.PassRecord{
			ID:         fmt.Sprintf("pass-%d", i),
			StartedAt:  testEpoch.Add(time.Duration(i) * time.Hour),
			FinishedAt: testEpoch.Add(time.Duration(i)*time.Hour + time.Minute),
			Reset:      int64(i),
			Stages: []model.StageSummary{
				{Stage: model.StageClassify, Claimed: 4, Done: 3, Failed: 1},
			},
		}
		require.NoError(t, st.RecordPass(ctx, rec))
	}

	passes, err := st.ListPasses(ctx, 2)
	require.NoError(t, err)
	require.Len(t, passes, 2)
	assert.Equal(t, "pass-2", passes[0].ID)
	assert.Equal(t, "pass-1", passes[1].ID)
	assert.Equal(t, testEpoch.Add(2*time.Hour), passes[0].StartedAt)
	assert.Equal(t, int64(2), passes[0].Reset)
	require.Len(t, passes[0].Stages, 1)
	assert.Equal(t, int64(3), passes[0].Stages[0].Done)
}
