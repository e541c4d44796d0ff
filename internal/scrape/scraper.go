// Package scrape reads article pages: their title and description for the
// ingestion filter, and their full text for the classifiers.
package scrape

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNoText is returned when no extractor produced usable text.
var ErrNoText = eris.New("scrape: no text extracted")

// ErrBlocked is returned when the page is an anti-bot or access-denied page.
var ErrBlocked = eris.New("scrape: blocked")

// Result holds extracted article text with its source.
type Result struct {
	URL    string
	Title  string
	Text   string
	Source string // e.g. "jina", "local_http"
}

// Extractor pulls the main text of one URL.
type Extractor interface {
	Extract(ctx context.Context, url string) (*Result, error)
	Name() string
	Supports(url string) bool
}

// collapseSpace joins the fields of s with single spaces, keeping paragraph
// breaks as a single newline.
func collapseSpace(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if f := strings.Join(strings.Fields(l), " "); f != "" {
			out = append(out, f)
		}
	}
	return strings.Join(out, "\n")
}
