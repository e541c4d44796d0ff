package feed

import (
	"bytes"
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/news-sentinel/internal/fetcher"
	"github.com/sells-group/news-sentinel/internal/model"
)

// entry is the union of an RSS <item> and an Atom <entry>.
type entry struct {
	Title       string      `xml:"title"`
	Links       []entryLink `xml:"link"`
	Description string      `xml:"description"`
	Summary     string      `xml:"summary"`
	Content     string      `xml:"content"`
	GUID        string      `xml:"guid"`
}

type entryLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Text string `xml:",chardata"`
}

// link returns the entry's article link: the Atom alternate href first,
// then the RSS link text, then a permalink guid.
func (e entry) link() string {
	for _, l := range e.Links {
		if l.Href != "" && (l.Rel == "" || l.Rel == "alternate") {
			return strings.TrimSpace(l.Href)
		}
	}
	for _, l := range e.Links {
		if s := strings.TrimSpace(l.Text); s != "" {
			return s
		}
	}
	if g := strings.TrimSpace(e.GUID); strings.HasPrefix(g, "http://") || strings.HasPrefix(g, "https://") {
		return g
	}
	return ""
}

func (e entry) summary() string {
	for _, s := range []string{e.Summary, e.Description, e.Content} {
		if t := CleanText(s); t != "" {
			return t
		}
	}
	return ""
}

// Parse extracts candidates from an RSS or Atom document. Entries without a
// link are skipped. On a decode error the entries read so far are returned
// together with the error.
func Parse(ctx context.Context, body []byte, label string) ([]model.Candidate, error) {
	entries, errs := fetcher.StreamXML[entry](ctx, bytes.NewReader(body), "item", "entry")

	var out []model.Candidate
	for e := range entries {
		link := e.link()
		if link == "" {
			continue
		}
		out = append(out, model.Candidate{
			SourceLabel: label,
			RawLink:     link,
			Title:       CleanText(e.Title),
			Summary:     e.summary(),
		})
	}
	if err := <-errs; err != nil {
		return out, eris.Wrap(err, "feed: parse")
	}
	return out, nil
}

// CleanText strips markup from a feed field and collapses whitespace.
// Google Alerts titles carry <b> highlights and News descriptions carry
// anchor lists, so plain fields go through the HTML parser as well.
func CleanText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, "<&") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
		if err == nil {
			s = doc.Text()
		}
	}
	return strings.Join(strings.Fields(s), " ")
}
