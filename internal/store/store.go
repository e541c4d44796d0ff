// Package store persists items and their per-stage status. It is the only
// shared mutable resource of the pipeline: workers coordinate exclusively
// through the compare-and-swap in Transition.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/news-sentinel/internal/model"
)

var (
	// ErrConflict is returned by Transition when the stage status no longer
	// matches the expected value, e.g. another worker claimed the item.
	ErrConflict = eris.New("store: status conflict")
	// ErrNotFound is returned when no item has the given key.
	ErrNotFound = eris.New("store: item not found")
	// ErrInvalidTransition is returned for moves the state machine forbids.
	ErrInvalidTransition = eris.New("store: invalid status transition")
)

// UpsertResult tells whether UpsertIfNew created a record.
type UpsertResult int

const (
	Inserted UpsertResult = iota
	AlreadyExists
)

func (r UpsertResult) String() string {
	if r == Inserted {
		return "inserted"
	}
	return "already_exists"
}

// ItemFilter selects items for listing.
type ItemFilter struct {
	Stage       model.Stage  `json:"stage,omitempty"`
	Status      model.Status `json:"status,omitempty"`
	SourceLabel string       `json:"source_label,omitempty"`
	Limit       int          `json:"limit,omitempty"`
	Offset      int          `json:"offset,omitempty"`
}

// RequeueFilter selects FAILED items of one stage to put back to PENDING.
// Empty Keys and SourceLabel mean every FAILED item of the stage.
type RequeueFilter struct {
	Stage       model.Stage
	Keys        []string
	SourceLabel string
}

// StageCounts maps stage -> status -> number of items.
type StageCounts map[model.Stage]map[model.Status]int

// Store defines the persistence interface for the pipeline.
type Store interface {
	// Items
	UpsertIfNew(ctx context.Context, item model.Item) (UpsertResult, error)
	LoadBatch(ctx context.Context, stage model.Stage, limit int) ([]model.Item, error)
	Transition(ctx context.Context, key string, stage model.Stage, from, to model.Status, update model.ItemUpdate) error
	KnownKeys(ctx context.Context, keys []string) (map[string]bool, error)
	Get(ctx context.Context, key string) (*model.Item, error)
	List(ctx context.Context, filter ItemFilter) ([]model.Item, error)
	Stats(ctx context.Context) (StageCounts, error)

	// Operator recovery
	ResetStalled(ctx context.Context, stage model.Stage, olderThan time.Duration) (int64, error)
	Requeue(ctx context.Context, filter RequeueFilter) (int64, error)

	// Pass history
	RecordPass(ctx context.Context, rec model.PassRecord) error
	ListPasses(ctx context.Context, limit int) ([]model.PassRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// keyChunk bounds the size of IN lists sent to the database.
const keyChunk = 500

func chunkKeys(keys []string) [][]string {
	var out [][]string
	for len(keys) > keyChunk {
		out = append(out, keys[:keyChunk])
		keys = keys[keyChunk:]
	}
	if len(keys) > 0 {
		out = append(out, keys)
	}
	return out
}

func checkTransition(stage model.Stage, from, to model.Status) error {
	if !stage.Valid() {
		return eris.Wrapf(ErrInvalidTransition, "unknown stage %q", stage)
	}
	if !model.CanTransition(from, to) {
		return eris.Wrapf(ErrInvalidTransition, "%s: %s -> %s", stage, from, to)
	}
	return nil
}
