package scrape

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/news-sentinel/pkg/firecrawl"
)

type fakeFirecrawl struct {
	resp  *firecrawl.ScrapeResponse
	err   error
	calls int
}

func (f *fakeFirecrawl) Scrape(_ context.Context, req firecrawl.ScrapeRequest) (*firecrawl.ScrapeResponse, error) {
	f.calls++
	if req.URL == "" || !req.OnlyMainContent {
		return nil, errors.New("unexpected request")
	}
	return f.resp, f.err
}

func TestFirecrawlExtractor_Success(t *testing.T) {
	t.Parallel()
	client := &fakeFirecrawl{resp: &firecrawl.ScrapeResponse{
		Success: true,
		Data: firecrawl.PageData{
			Markdown: "# CVM abre processo\n\n  " + longArticle + "  \n",
			Metadata: firecrawl.Metadata{Title: "CVM abre processo", SourceURL: "https://valor.globo.com/a", StatusCode: 200},
		},
	}}
	ex := NewFirecrawlExtractor(client)

	result, err := ex.Extract(context.Background(), "https://valor.globo.com/a")
	require.NoError(t, err)
	assert.Equal(t, "firecrawl", result.Source)
	assert.Equal(t, "https://valor.globo.com/a", result.URL)
	assert.Equal(t, "CVM abre processo", result.Title)
	assert.Equal(t, "# CVM abre processo\n"+longArticle, result.Text)
}

func TestFirecrawlExtractor_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		resp *firecrawl.ScrapeResponse
		err  error
		want string
	}{
		{"client error", nil, errors.New("boom"), "boom"},
		{"not successful", &firecrawl.ScrapeResponse{}, nil, "not successful"},
		{"page status", &firecrawl.ScrapeResponse{Success: true, Data: firecrawl.PageData{
			Markdown: longArticle,
			Metadata: firecrawl.Metadata{StatusCode: 404},
		}}, nil, "page status 404"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := NewFirecrawlExtractor(&fakeFirecrawl{resp: tt.resp, err: tt.err})
			_, err := ex.Extract(context.Background(), "https://valor.globo.com/a")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFirecrawlExtractor_BreakerOpens(t *testing.T) {
	t.Parallel()
	client := &fakeFirecrawl{err: errors.New("boom")}
	ex := NewFirecrawlExtractor(client)

	for range 3 {
		_, _ = ex.Extract(context.Background(), "https://valor.globo.com/a")
	}
	assert.False(t, ex.Supports("https://valor.globo.com/a"))
	assert.Equal(t, 3, client.calls)
}
