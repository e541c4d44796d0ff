package store

import (
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/sells-group/news-sentinel/internal/model"
)

func statusCol(s model.Stage) string  { return string(s) + "_status" }
func changedCol(s model.Stage) string { return string(s) + "_changed_at" }
func errorCol(s model.Stage) string   { return string(s) + "_error" }

// itemColumns is the fixed SELECT list shared by both dialects' scanners.
var itemColumns = func() []string {
	cols := []string{
		"key", "source_label", "raw_link", "title", "summary",
		"raw_text", "relevance", "relevance_label", "classifier_response",
		"is_target", "target_rationale", "delivery_outcome",
	}
	for _, st := range model.Stages {
		cols = append(cols, statusCol(st), changedCol(st), errorCol(st))
	}
	return append(cols, "created_at", "updated_at")
}()

// queries builds dialect-aware SQL. ts converts timestamps to the column
// representation of the dialect.
type queries struct {
	sb sq.StatementBuilderType
	ts func(time.Time) any
}

func newQueries(ph sq.PlaceholderFormat, ts func(time.Time) any) queries {
	return queries{sb: sq.StatementBuilder.PlaceholderFormat(ph), ts: ts}
}

// gate returns the WHERE clause selecting items eligible for stage.
func gate(stage model.Stage) sq.And {
	conds := sq.And{sq.Eq{statusCol(stage): string(model.StatusPending)}}
	switch stage {
	case model.StageClassify:
		conds = append(conds, sq.Eq{statusCol(model.StageCollect): string(model.StatusDone)})
	case model.StageExtractText:
		conds = append(conds,
			sq.Eq{statusCol(model.StageClassify): string(model.StatusDone)},
			sq.Eq{"relevance": string(model.RelevanceInteresting)},
		)
	case model.StageTarget:
		conds = append(conds,
			sq.Eq{statusCol(model.StageExtractText): string(model.StatusDone)},
			sq.Expr("COALESCE(raw_text, '') <> ''"),
		)
	case model.StageDeliver:
		conds = append(conds,
			sq.Eq{statusCol(model.StageTarget): string(model.StatusDone)},
			sq.Eq{"is_target": true},
		)
	}
	return conds
}

func (q queries) insertItem(it model.Item) (string, []any, error) {
	cols := []string{"key", "source_label", "raw_link", "title", "summary", "created_at", "updated_at"}
	vals := []any{it.Key, it.SourceLabel, it.RawLink, it.Title, it.Summary, q.ts(it.CreatedAt), q.ts(it.UpdatedAt)}
	for _, st := range model.Stages {
		state := it.States[st]
		status := state.Status
		if status == "" {
			status = model.StatusPending
		}
		changed := state.ChangedAt
		if changed.IsZero() {
			changed = it.CreatedAt
		}
		cols = append(cols, statusCol(st), changedCol(st))
		vals = append(vals, string(status), q.ts(changed))
	}
	return q.sb.Insert("items").
		Columns(cols...).
		Values(vals...).
		Suffix("ON CONFLICT (key) DO NOTHING").
		ToSql()
}

func (q queries) loadBatch(stage model.Stage, limit int) (string, []any, error) {
	return q.sb.Select(itemColumns...).
		From("items").
		Where(gate(stage)).
		OrderBy("created_at ASC", "key ASC").
		Limit(uint64(limit)).
		ToSql()
}

func (q queries) transition(key string, stage model.Stage, from, to model.Status, u model.ItemUpdate, now time.Time) (string, []any, error) {
	b := q.sb.Update("items").
		Set(statusCol(stage), string(to)).
		Set(changedCol(stage), q.ts(now)).
		Set("updated_at", q.ts(now))

	if u.RawText != nil {
		b = b.Set("raw_text", *u.RawText)
	}
	if u.Relevance != nil {
		b = b.Set("relevance", string(*u.Relevance))
	}
	if u.RelevanceLabel != nil {
		b = b.Set("relevance_label", *u.RelevanceLabel)
	}
	if u.ClassifierResponse != nil {
		b = b.Set("classifier_response", *u.ClassifierResponse)
	}
	if u.IsTarget != nil {
		b = b.Set("is_target", *u.IsTarget)
	}
	if u.TargetRationale != nil {
		b = b.Set("target_rationale", *u.TargetRationale)
	}
	if u.DeliveryOutcome != nil {
		b = b.Set("delivery_outcome", string(*u.DeliveryOutcome))
	}
	switch {
	case u.Error != nil:
		b = b.Set(errorCol(stage), *u.Error)
	case to == model.StatusDone:
		b = b.Set(errorCol(stage), nil)
	}

	return b.Where(sq.Eq{"key": key, statusCol(stage): string(from)}).ToSql()
}

func (q queries) exists(key string) (string, []any, error) {
	return q.sb.Select("1").From("items").Where(sq.Eq{"key": key}).ToSql()
}

func (q queries) knownKeys(keys []string) (string, []any, error) {
	return q.sb.Select("key").From("items").Where(sq.Eq{"key": keys}).ToSql()
}

func (q queries) get(key string) (string, []any, error) {
	return q.sb.Select(itemColumns...).From("items").Where(sq.Eq{"key": key}).ToSql()
}

func (q queries) list(f ItemFilter) (string, []any, error) {
	b := q.sb.Select(itemColumns...).From("items")
	if f.Stage != "" && f.Status != "" {
		b = b.Where(sq.Eq{statusCol(f.Stage): string(f.Status)})
	}
	if f.SourceLabel != "" {
		b = b.Where(sq.Eq{"source_label": f.SourceLabel})
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	b = b.OrderBy("created_at DESC", "key ASC").Limit(uint64(limit))
	if f.Offset > 0 {
		b = b.Offset(uint64(f.Offset))
	}
	return b.ToSql()
}

func (q queries) stageCounts(stage model.Stage) (string, []any, error) {
	col := statusCol(stage)
	return q.sb.Select(col, "COUNT(*)").From("items").GroupBy(col).ToSql()
}

func (q queries) resetStalled(stage model.Stage, cutoff, now time.Time) (string, []any, error) {
	return q.sb.Update("items").
		Set(statusCol(stage), string(model.StatusPending)).
		Set(changedCol(stage), q.ts(now)).
		Set("updated_at", q.ts(now)).
		Where(sq.Eq{statusCol(stage): string(model.StatusInProgress)}).
		Where(sq.Lt{changedCol(stage): q.ts(cutoff)}).
		ToSql()
}

func (q queries) requeue(f RequeueFilter, now time.Time) (string, []any, error) {
	b := q.sb.Update("items").
		Set(statusCol(f.Stage), string(model.StatusPending)).
		Set(changedCol(f.Stage), q.ts(now)).
		Set(errorCol(f.Stage), nil).
		Set("updated_at", q.ts(now)).
		Where(sq.Eq{statusCol(f.Stage): string(model.StatusFailed)})
	if len(f.Keys) > 0 {
		b = b.Where(sq.Eq{"key": f.Keys})
	}
	if f.SourceLabel != "" {
		b = b.Where(sq.Eq{"source_label": f.SourceLabel})
	}
	return b.ToSql()
}

func (q queries) insertPass(rec model.PassRecord, summary string) (string, []any, error) {
	return q.sb.Insert("passes").
		Columns("id", "started_at", "finished_at", "summary").
		Values(rec.ID, q.ts(rec.StartedAt), q.ts(rec.FinishedAt), summary).
		ToSql()
}

func (q queries) listPasses(limit int) (string, []any, error) {
	if limit <= 0 {
		limit = 10
	}
	return q.sb.Select("id", "started_at", "finished_at", "summary").
		From("passes").
		OrderBy("started_at DESC").
		Limit(uint64(limit)).
		ToSql()
}
