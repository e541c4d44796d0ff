package scrape

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/news-sentinel/internal/fetcher"
)

// boilerplate is removed before reading text.
const boilerplate = "script, style, noscript, iframe, svg, form, nav, header, footer, aside, figure figcaption, [role=navigation], [aria-hidden=true]"

// articleSelectors are tried in order; the first with enough text wins.
var articleSelectors = []string{"article", "[itemprop=articleBody]", "main", "body"}

// minArticleRunes is the least text a container needs to be taken as the
// article instead of falling through to a wider one.
const minArticleRunes = 200

// LocalExtractor fetches HTML itself, detects blocks, and strips the page
// down to its main text. Free, no API calls.
type LocalExtractor struct {
	fetcher fetcher.Fetcher
}

// NewLocalExtractor creates a LocalExtractor on top of f.
func NewLocalExtractor(f fetcher.Fetcher) *LocalExtractor {
	return &LocalExtractor{fetcher: f}
}

func (l *LocalExtractor) Name() string           { return "local_http" }
func (l *LocalExtractor) Supports(_ string) bool { return true }

// Extract fetches a URL, detects blocks, and returns the article text.
func (l *LocalExtractor) Extract(ctx context.Context, targetURL string) (*Result, error) {
	resp, err := l.fetcher.Fetch(ctx, targetURL)
	if err != nil {
		return nil, eris.Wrap(err, "local_http: fetch")
	}
	if bt := DetectBlock(resp.StatusCode, resp.Header, resp.Body); bt != BlockNone {
		return nil, eris.Wrapf(ErrBlocked, "local_http: %s", bt)
	}
	if !resp.OK() {
		return nil, eris.Errorf("local_http: status %d", resp.StatusCode)
	}

	doc, err := parseHTML(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	title, _ := pageMetadata(doc)
	text := articleText(doc)
	if text == "" {
		return nil, eris.Wrap(ErrNoText, "local_http: empty page")
	}
	return &Result{URL: resp.URL, Title: title, Text: text, Source: l.Name()}, nil
}

// articleText strips boilerplate and returns the text of the narrowest
// article container holding enough text.
func articleText(doc *goquery.Document) string {
	doc.Find(boilerplate).Remove()

	var fallback string
	for _, sel := range articleSelectors {
		node := doc.Find(sel)
		if node.Length() == 0 {
			continue
		}
		text := blockText(node)
		if len([]rune(text)) >= minArticleRunes {
			return text
		}
		if fallback == "" {
			fallback = text
		}
	}
	return fallback
}

// blockText renders paragraphs and headings on their own lines.
func blockText(sel *goquery.Selection) string {
	var b strings.Builder
	blocks := sel.Find("p, h1, h2, h3, h4, li, blockquote")
	if blocks.Length() == 0 {
		return collapseSpace(sel.Text())
	}
	blocks.Each(func(_ int, s *goquery.Selection) {
		// Nested blocks, e.g. <li><p>, are written by their innermost node.
		if s.Find("p, li, blockquote").Length() > 0 {
			return
		}
		b.WriteString(s.Text())
		b.WriteByte('\n')
	})
	return collapseSpace(b.String())
}
