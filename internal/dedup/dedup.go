// Package dedup drops candidates whose final URL was already seen, either
// earlier in the same batch or in the item store.
package dedup

import (
	"context"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/news-sentinel/internal/model"
)

// KeyLookup reports which keys are already persisted.
type KeyLookup interface {
	KnownKeys(ctx context.Context, keys []string) (map[string]bool, error)
}

// Result is the outcome of one filter run.
type Result struct {
	// Fresh keeps input order with normalized keys.
	Fresh      []model.Candidate
	Duplicates int
	Known      int
	Empty      int
}

// Filter collapses in-batch duplicates and removes keys known to the store.
type Filter struct {
	history KeyLookup
}

// New creates a Filter backed by history.
func New(history KeyLookup) *Filter {
	return &Filter{history: history}
}

// Normalize returns the comparison form of a final URL: surrounding
// whitespace trimmed and the fragment dropped.
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexByte(raw, '#'); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// Apply filters cands, which must already carry their resolved Key. The
// first occurrence of a key wins; later ones are dropped silently.
func (f *Filter) Apply(ctx context.Context, cands []model.Candidate) (*Result, error) {
	res := &Result{}
	seen := make(map[string]struct{}, len(cands))
	unique := make([]model.Candidate, 0, len(cands))

	for _, c := range cands {
		c.Key = Normalize(c.Key)
		if c.Key == "" {
			res.Empty++
			continue
		}
		if _, ok := seen[c.Key]; ok {
			res.Duplicates++
			continue
		}
		seen[c.Key] = struct{}{}
		unique = append(unique, c)
	}

	if len(unique) == 0 {
		return res, nil
	}

	keys := make([]string, len(unique))
	for i, c := range unique {
		keys[i] = c.Key
	}
	known, err := f.history.KnownKeys(ctx, keys)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: history lookup")
	}

	for _, c := range unique {
		if known[c.Key] {
			res.Known++
			continue
		}
		res.Fresh = append(res.Fresh, c)
	}

	if res.Duplicates > 0 || res.Known > 0 {
		zap.L().Debug("dedup: filtered candidates",
			zap.Int("input", len(cands)),
			zap.Int("duplicates", res.Duplicates),
			zap.Int("known", res.Known),
			zap.Int("fresh", len(res.Fresh)),
		)
	}
	return res, nil
}
