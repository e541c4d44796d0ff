// Package pipeline moves items through the stages collect, classify,
// extract_text, target and deliver. Items change stage status only through
// the store's compare-and-swap Transition, so concurrent workers and
// overlapping passes never process the same item twice in one stage.
package pipeline

import (
	"context"

	"github.com/sells-group/news-sentinel/internal/model"
)

// Handler runs one item-driven stage.
type Handler interface {
	Stage() model.Stage
	// Ready reports a configuration fault that makes the stage unable to
	// run at all. A non-nil error aborts the stage before any claim.
	Ready() error
	// Handle processes one claimed item. The update is applied with the
	// terminal transition whether or not err is nil; when err is non-nil
	// and update.Error is unset, the error text is recorded.
	Handle(ctx context.Context, item model.Item) (model.ItemUpdate, error)
}

// Ingester runs the collect stage, which creates items instead of
// claiming them.
type Ingester interface {
	Ready() error
	Run(ctx context.Context) (*model.CollectSummary, error)
}

// check adapts an optional precondition func to Ready.
type check func() error

func (c check) ready() error {
	if c == nil {
		return nil
	}
	return c()
}
