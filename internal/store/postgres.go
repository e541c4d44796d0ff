package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/news-sentinel/internal/model"
)

// Pool is the subset of pgxpool.Pool used by PostgresStore. pgxmock pools
// satisfy it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
	q       queries
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	s := newPostgresStore(pool)
	s.closeFn = pool.Close
	return s, nil
}

func newPostgresStore(pool Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		q:    newQueries(sq.Dollar, func(t time.Time) any { return t.UTC() }),
		now:  time.Now,
	}
}

const postgresMigration = `
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
	is_target               BOOLEAN,
	target_rationale        TEXT,
	delivery_outcome        TEXT,
	collect_status          TEXT NOT NULL DEFAULT 'PENDING',
	collect_changed_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	collect_error           TEXT,
	classify_status         TEXT NOT NULL DEFAULT 'PENDING',
	classify_changed_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	classify_error          TEXT,
	extract_text_status     TEXT NOT NULL DEFAULT 'PENDING',
	extract_text_changed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	extract_text_error      TEXT,
	target_status           TEXT NOT NULL DEFAULT 'PENDING',
	target_changed_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	target_error            TEXT,
	deliver_status          TEXT NOT NULL DEFAULT 'PENDING',
	deliver_changed_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	deliver_error           TEXT,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS passes (
	id          TEXT PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	summary     JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_created_at ON items(created_at);
CREATE INDEX IF NOT EXISTS idx_items_source_label ON items(source_label);
CREATE INDEX IF NOT EXISTS idx_items_classify_pending ON items(created_at) WHERE classify_status = 'PENDING';
CREATE INDEX IF NOT EXISTS idx_items_extract_text_pending ON items(created_at) WHERE extract_text_status = 'PENDING';
CREATE INDEX IF NOT EXISTS idx_items_target_pending ON items(created_at) WHERE target_status = 'PENDING';
CREATE INDEX IF NOT EXISTS idx_items_deliver_pending ON items(created_at) WHERE deliver_status = 'PENDING';
CREATE INDEX IF NOT EXISTS idx_passes_started_at ON passes(started_at DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *PostgresStore) UpsertIfNew(ctx context.Context, item model.Item) (UpsertResult, error) {
	query, args, err := s.q.insertItem(item)
	if err != nil {
		return AlreadyExists, eris.Wrap(err, "postgres: build insert")
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return AlreadyExists, eris.Wrapf(err, "postgres: insert item %s", item.Key)
	}
	if tag.RowsAffected() == 0 {
		return AlreadyExists, nil
	}
	return Inserted, nil
}

func (s *PostgresStore) LoadBatch(ctx context.Context, stage model.Stage, limit int) ([]model.Item, error) {
	if !stage.Valid() {
		return nil, eris.Errorf("postgres: unknown stage %q", stage)
	}
	query, args, err := s.q.loadBatch(stage, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build load batch")
	}
	return s.queryItems(ctx, query, args...)
}

func (s *PostgresStore) Transition(ctx context.Context, key string, stage model.Stage, from, to model.Status, update model.ItemUpdate) error {
	if err := checkTransition(stage, from, to); err != nil {
		return err
	}
	query, args, err := s.q.transition(key, stage, from, to, update, s.now())
	if err != nil {
		return eris.Wrap(err, "postgres: build transition")
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition %s %s", key, stage)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	query, args, err = s.q.exists(key)
	if err != nil {
		return eris.Wrap(err, "postgres: build exists")
	}
	var one int
	err = s.pool.QueryRow(ctx, query, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: lookup %s", key)
	}
	return ErrConflict
}

func (s *PostgresStore) KnownKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	known := make(map[string]bool)
	for _, chunk := range chunkKeys(keys) {
		query, args, err := s.q.knownKeys(chunk)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: build known keys")
		}
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: known keys")
		}
		found, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return nil, eris.Wrap(err, "postgres: collect keys")
		}
		for _, k := range found {
			known[k] = true
		}
	}
	return known, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*model.Item, error) {
	query, args, err := s.q.get(key)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build get")
	}
	it, err := scanPostgresItem(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get %s", key)
	}
	return it, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ItemFilter) ([]model.Item, error) {
	query, args, err := s.q.list(filter)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list")
	}
	return s.queryItems(ctx, query, args...)
}

func (s *PostgresStore) Stats(ctx context.Context) (StageCounts, error) {
	counts := make(StageCounts, len(model.Stages))
	for _, st := range model.Stages {
		query, args, err := s.q.stageCounts(st)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: build stats")
		}
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: stats %s", st)
		}
		byStatus := make(map[model.Status]int)
		for rows.Next() {
			var status string
			var n int64
			if err := rows.Scan(&status, &n); err != nil {
				rows.Close()
				return nil, eris.Wrap(err, "postgres: scan stats")
			}
			byStatus[model.Status(status)] = int(n)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, eris.Wrap(err, "postgres: iterate stats")
		}
		counts[st] = byStatus
	}
	return counts, nil
}

func (s *PostgresStore) ResetStalled(ctx context.Context, stage model.Stage, olderThan time.Duration) (int64, error) {
	if !stage.Valid() {
		return 0, eris.Errorf("postgres: unknown stage %q", stage)
	}
	now := s.now()
	query, args, err := s.q.resetStalled(stage, now.Add(-olderThan), now)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: build reset stalled")
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: reset stalled %s", stage)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Requeue(ctx context.Context, filter RequeueFilter) (int64, error) {
	if !filter.Stage.Valid() {
		return 0, eris.Errorf("postgres: unknown stage %q", filter.Stage)
	}
	query, args, err := s.q.requeue(filter, s.now())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: build requeue")
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: requeue %s", filter.Stage)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) RecordPass(ctx context.Context, rec model.PassRecord) error {
	summary, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal pass")
	}
	query, args, err := s.q.insertPass(rec, string(summary))
	if err != nil {
		return eris.Wrap(err, "postgres: build insert pass")
	}
	_, err = s.pool.Exec(ctx, query, args...)
	return eris.Wrapf(err, "postgres: insert pass %s", rec.ID)
}

func (s *PostgresStore) ListPasses(ctx context.Context, limit int) ([]model.PassRecord, error) {
	query, args, err := s.q.listPasses(limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list passes")
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list passes")
	}
	defer rows.Close()

	var out []model.PassRecord
	for rows.Next() {
		var id, summary string
		var started, finished time.Time
		if err := rows.Scan(&id, &started, &finished, &summary); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pass")
		}
		rec, err := decodePass(summary)
		if err != nil {
			return nil, err
		}
		rec.ID = id
		rec.StartedAt = started.UTC()
		rec.FinishedAt = finished.UTC()
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate passes")
}

func (s *PostgresStore) queryItems(ctx context.Context, query string, args ...any) ([]model.Item, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query items")
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		it, err := scanPostgresItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: iterate items")
}

func scanPostgresItem(row scannable) (*model.Item, error) {
	var it model.Item
	var rawText, relevance, label, response, rationale, outcome pgtype.Text
	var isTarget pgtype.Bool

	type stageCols struct {
		status  string
		changed time.Time
		errMsg  pgtype.Text
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
	dest = append(dest, &it.CreatedAt, &it.UpdatedAt)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	it.RawText = pgText(rawText)
	if relevance.Valid {
		it.Relevance = model.Ptr(model.Relevance(relevance.String))
	}
	it.RelevanceLabel = pgText(label)
	it.ClassifierResponse = pgText(response)
	if isTarget.Valid {
		it.IsTarget = model.Ptr(isTarget.Bool)
	}
	it.TargetRationale = pgText(rationale)
	if outcome.Valid {
		it.DeliveryOutcome = model.Ptr(model.DeliveryOutcome(outcome.String))
	}

	it.States = make(map[model.Stage]model.StageState, len(model.Stages))
	for i, st := range model.Stages {
		it.States[st] = model.StageState{
			Status:    model.Status(stages[i].status),
			ChangedAt: stages[i].changed.UTC(),
			Error:     stages[i].errMsg.String,
		}
	}
	it.CreatedAt = it.CreatedAt.UTC()
	it.UpdatedAt = it.UpdatedAt.UTC()
	return &it, nil
}

func pgText(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return model.Ptr(t.String)
}
