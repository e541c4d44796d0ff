package scrape

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"golang.org/x/net/html/charset"

	"github.com/sells-group/news-sentinel/internal/fetcher"
)

// Metadata is what a page says about itself.
type Metadata struct {
	URL         string
	Title       string
	Description string
	StatusCode  int
	Block       BlockType
}

// Blocked reports whether the page was an anti-bot or denial page.
func (m *Metadata) Blocked() bool {
	return m.Block != BlockNone
}

// MetadataReader fetches pages and reads their title and description.
type MetadataReader struct {
	fetcher fetcher.Fetcher
}

// NewMetadataReader creates a reader on top of f.
func NewMetadataReader(f fetcher.Fetcher) *MetadataReader {
	return &MetadataReader{fetcher: f}
}

// Read fetches url. A block page is returned as metadata with Block set and
// no error; other non-2xx answers and transport failures are errors.
func (m *MetadataReader) Read(ctx context.Context, url string) (*Metadata, error) {
	resp, err := m.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, eris.Wrap(err, "scrape: metadata fetch")
	}

	md := &Metadata{URL: resp.URL, StatusCode: resp.StatusCode}
	if md.Block = DetectBlock(resp.StatusCode, resp.Header, resp.Body); md.Blocked() {
		return md, nil
	}
	if !resp.OK() {
		return nil, eris.Errorf("scrape: metadata http %d from %s", resp.StatusCode, url)
	}

	doc, err := parseHTML(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	md.Title, md.Description = pageMetadata(doc)
	return md, nil
}

// parseHTML decodes body into UTF-8 using the declared or sniffed charset
// and parses it.
func parseHTML(body []byte, contentType string) (*goquery.Document, error) {
	var r io.Reader = bytes.NewReader(body)
	if dec, err := charset.NewReader(r, contentType); err == nil {
		r = dec
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, eris.Wrap(err, "scrape: parse html")
	}
	return doc, nil
}

// pageMetadata returns <title> (falling back to og:title and twitter:title)
// and the meta description (falling back to og:description).
func pageMetadata(doc *goquery.Document) (title, description string) {
	metas := map[string]string{}
	doc.Find("meta").Each(func(_ int, sel *goquery.Selection) {
		key := sel.AttrOr("property", "")
		if key == "" {
			key = sel.AttrOr("name", "")
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			return
		}
		if _, seen := metas[key]; !seen {
			metas[key] = oneLine(sel.AttrOr("content", ""))
		}
	})

	title = oneLine(doc.Find("head title").First().Text())
	if title == "" {
		title = oneLine(doc.Find("title").First().Text())
	}
	title = firstNonEmpty(title, metas["og:title"], metas["twitter:title"])
	description = firstNonEmpty(metas["description"], metas["og:description"], metas["twitter:description"])
	return title, description
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
