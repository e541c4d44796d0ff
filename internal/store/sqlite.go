package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/news-sentinel/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix milliseconds so range comparisons stay numeric.
type SQLiteStore struct {
	db  *sql.DB
	q   queries
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return newSQLiteStore(db), nil
}

func newSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		db:  db,
		q:   newQueries(sq.Question, func(t time.Time) any { return t.UTC().UnixMilli() }),
		now: time.Now,
	}
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS items (
	key                     TEXT PRIMARY KEY,
	source_label            TEXT NOT NULL,
	raw_link                TEXT NOT NULL DEFAULT '',
	title                   TEXT NOT NULL DEFAULT '',
	summary                 TEXT NOT NULL DEFAULT '',
	raw_text                TEXT,
	relevance               TEXT,
	relevance_label         TEXT,
	classifier_response     TEXT,
	is_target               INTEGER,
	target_rationale        TEXT,
	delivery_outcome        TEXT,
	collect_status          TEXT NOT NULL DEFAULT 'PENDING',
	collect_changed_at      INTEGER NOT NULL,
	collect_error           TEXT,
	classify_status         TEXT NOT NULL DEFAULT 'PENDING',
	classify_changed_at     INTEGER NOT NULL,
	classify_error          TEXT,
	extract_text_status     TEXT NOT NULL DEFAULT 'PENDING',
	extract_text_changed_at INTEGER NOT NULL,
	extract_text_error      TEXT,
	target_status           TEXT NOT NULL DEFAULT 'PENDING',
	target_changed_at       INTEGER NOT NULL,
	target_error            TEXT,
	deliver_status          TEXT NOT NULL DEFAULT 'PENDING',
	deliver_changed_at      INTEGER NOT NULL,
	deliver_error           TEXT,
	created_at              INTEGER NOT NULL,
	updated_at              INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS passes (
	id          TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	summary     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_created_at ON items(created_at);
CREATE INDEX IF NOT EXISTS idx_items_source_label ON items(source_label);
CREATE INDEX IF NOT EXISTS idx_items_classify_status ON items(classify_status);
CREATE INDEX IF NOT EXISTS idx_items_extract_text_status ON items(extract_text_status);
CREATE INDEX IF NOT EXISTS idx_items_target_status ON items(target_status);
CREATE INDEX IF NOT EXISTS idx_items_deliver_status ON items(deliver_status);
CREATE INDEX IF NOT EXISTS idx_passes_started_at ON passes(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertIfNew(ctx context.Context, item model.Item) (UpsertResult, error) {
	query, args, err := s.q.insertItem(item)
	if err != nil {
		return AlreadyExists, eris.Wrap(err, "sqlite: build insert")
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return AlreadyExists, eris.Wrapf(err, "sqlite: insert item %s", item.Key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AlreadyExists, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return AlreadyExists, nil
	}
	return Inserted, nil
}

func (s *SQLiteStore) LoadBatch(ctx context.Context, stage model.Stage, limit int) ([]model.Item, error) {
	if !stage.Valid() {
		return nil, eris.Errorf("sqlite: unknown stage %q", stage)
	}
	query, args, err := s.q.loadBatch(stage, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build load batch")
	}
	return s.queryItems(ctx, query, args...)
}

func (s *SQLiteStore) Transition(ctx context.Context, key string, stage model.Stage, from, to model.Status, update model.ItemUpdate) error {
	if err := checkTransition(stage, from, to); err != nil {
		return err
	}
	query, args, err := s.q.transition(key, stage, from, to, update, s.now())
	if err != nil {
		return eris.Wrap(err, "sqlite: build transition")
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition %s %s", key, stage)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 1 {
		return nil
	}
	return s.missOrConflict(ctx, key)
}

// missOrConflict tells a lost compare-and-swap apart from an unknown key.
func (s *SQLiteStore) missOrConflict(ctx context.Context, key string) error {
	query, args, err := s.q.exists(key)
	if err != nil {
		return eris.Wrap(err, "sqlite: build exists")
	}
	var one int
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: lookup %s", key)
	}
	return ErrConflict
}

func (s *SQLiteStore) KnownKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	known := make(map[string]bool)
	for _, chunk := range chunkKeys(keys) {
		query, args, err := s.q.knownKeys(chunk)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: build known keys")
		}
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: known keys")
		}
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close() //nolint:errcheck
				return nil, eris.Wrap(err, "sqlite: scan key")
			}
			known[k] = true
		}
		err = rows.Err()
		rows.Close() //nolint:errcheck
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: iterate keys")
		}
	}
	return known, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*model.Item, error) {
	query, args, err := s.q.get(key)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build get")
	}
	it, err := scanSQLiteItem(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get %s", key)
	}
	return it, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ItemFilter) ([]model.Item, error) {
	query, args, err := s.q.list(filter)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list")
	}
	return s.queryItems(ctx, query, args...)
}

func (s *SQLiteStore) Stats(ctx context.Context) (StageCounts, error) {
	counts := make(StageCounts, len(model.Stages))
	for _, st := range model.Stages {
		query, args, err := s.q.stageCounts(st)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: build stats")
		}
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: stats %s", st)
		}
		byStatus := make(map[model.Status]int)
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				rows.Close() //nolint:errcheck
				return nil, eris.Wrap(err, "sqlite: scan stats")
			}
			byStatus[model.Status(status)] = n
		}
		err = rows.Err()
		rows.Close() //nolint:errcheck
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: iterate stats")
		}
		counts[st] = byStatus
	}
	return counts, nil
}

func (s *SQLiteStore) ResetStalled(ctx context.Context, stage model.Stage, olderThan time.Duration) (int64, error) {
	if !stage.Valid() {
		return 0, eris.Errorf("sqlite: unknown stage %q", stage)
	}
	now := s.now()
	query, args, err := s.q.resetStalled(stage, now.Add(-olderThan), now)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: build reset stalled")
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: reset stalled %s", stage)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) Requeue(ctx context.Context, filter RequeueFilter) (int64, error) {
	if !filter.Stage.Valid() {
		return 0, eris.Errorf("sqlite: unknown stage %q", filter.Stage)
	}
	query, args, err := s.q.requeue(filter, s.now())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: build requeue")
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: requeue %s", filter.Stage)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) RecordPass(ctx context.Context, rec model.PassRecord) error {
	summary, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal pass")
	}
	query, args, err := s.q.insertPass(rec, string(summary))
	if err != nil {
		return eris.Wrap(err, "sqlite: build insert pass")
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return eris.Wrapf(err, "sqlite: insert pass %s", rec.ID)
}

func (s *SQLiteStore) ListPasses(ctx context.Context, limit int) ([]model.PassRecord, error) {
	query, args, err := s.q.listPasses(limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list passes")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list passes")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PassRecord
	for rows.Next() {
		var id, summary string
		var started, finished int64
		if err := rows.Scan(&id, &started, &finished, &summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pass")
		}
		rec, err := decodePass(summary)
		if err != nil {
			return nil, err
		}
		rec.ID = id
		rec.StartedAt = time.UnixMilli(started).UTC()
		rec.FinishedAt = time.UnixMilli(finished).UTC()
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate passes")
}

func (s *SQLiteStore) queryItems(ctx context.Context, query string, args ...any) ([]model.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query items")
	}
	defer rows.Close() //nolint:errcheck

	var items []model.Item
	for rows.Next() {
		it, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item")
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: iterate items")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteItem(row scannable) (*model.Item, error) {
	var it model.Item
	var rawText, relevance, label, response, rationale, outcome sql.NullString
	var isTarget sql.NullBool
	var created, updated int64

	type stageCols struct {
		status  string
		changed int64
		errMsg  sql.NullString
	}
	stages := make([]stageCols, len(model.Stages))

	dest := []any{
		&it.Key, &it.SourceLabel, &it.RawLink, &it.Title, &it.Summary,
		&rawText, &relevance, &label, &response,
		&isTarget, &rationale, &outcome,
	}
	for i := range stages {
		dest = append(dest, &stages[i].status, &stages[i].changed, &stages[i].errMsg)
	}
	dest = append(dest, &created, &updated)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	it.RawText = nullString(rawText)
	if relevance.Valid {
		it.Relevance = model.Ptr(model.Relevance(relevance.String))
	}
	it.RelevanceLabel = nullString(label)
	it.ClassifierResponse = nullString(response)
	if isTarget.Valid {
		it.IsTarget = model.Ptr(isTarget.Bool)
	}
	it.TargetRationale = nullString(rationale)
	if outcome.Valid {
		it.DeliveryOutcome = model.Ptr(model.DeliveryOutcome(outcome.String))
	}

	it.States = make(map[model.Stage]model.StageState, len(model.Stages))
	for i, st := range model.Stages {
		it.States[st] = model.StageState{
			Status:    model.Status(stages[i].status),
			ChangedAt: time.UnixMilli(stages[i].changed).UTC(),
			Error:     stages[i].errMsg.String,
		}
	}
	it.CreatedAt = time.UnixMilli(created).UTC()
	it.UpdatedAt = time.UnixMilli(updated).UTC()
	return &it, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return model.Ptr(ns.String)
}

func decodePass(summary string) (model.PassRecord, error) {
	var rec model.PassRecord
	if err := json.Unmarshal([]byte(summary), &rec); err != nil {
		return rec, eris.Wrap(err, "store: decode pass summary")
	}
	return rec, nil
}
