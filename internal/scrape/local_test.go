package scrape

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"github.com/sells-group/news-sentinel/internal/fetcher"
	"github.com/sells-group/news-sentinel/internal/resilience"
)

func testFetcher() *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Rate:  1000,
		Burst: 100,
		Retry: resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond},
	})
}

func serveHTML(t *testing.T, status int, header http.Header, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		for k, v := range header {
			w.Header()[k] = v
		}
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const articlePage = `<html><head><title>Tarpon eleva participação | Exame</title></head>
<body>
<header><nav>Menu Mercados Economia</nav></header>
<script>var tracking = 1;</script>
<article>
  <h1>Tarpon eleva participação em varejista</h1>
  <p>A gestora Tarpon Investimentos elevou sua participação acionária para 15%, segundo comunicado enviado ao mercado nesta segunda-feira.</p>
  <p>A operação foi realizada em bolsa e envolve ações ordinárias da companhia, de acordo com o documento divulgado pela empresa.</p>
  <figure><img src="x.jpg"><figcaption>Foto: divulgação</figcaption></figure>
</article>
<aside>Leia também: outras notícias</aside>
<footer>Copyright 2025</footer>
</body></html>`

func TestLocalExtractor_ArticleText(t *testing.T) {
	srv := serveHTML(t, 200, nil, articlePage)

	result, err := NewLocalExtractor(testFetcher()).Extract(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "local_http", result.Source)
	assert.Equal(t, "Tarpon eleva participação | Exame", result.Title)
	assert.True(t, strings.HasPrefix(result.Text, "Tarpon eleva participação em varejista\nA gestora Tarpon"))
	assert.Contains(t, result.Text, "ações ordinárias")
	for _, junk := range []string{"Menu", "Copyright", "Leia também", "Foto: divulgação", "tracking"} {
		assert.NotContains(t, result.Text, junk)
	}
}

func TestLocalExtractor_NoArticleFallsBackToBody(t *testing.T) {
	srv := serveHTML(t, 200, nil, `<html><body><div>Nota curta da gestora sobre o fundo.</div></body></html>`)

	result, err := NewLocalExtractor(testFetcher()).Extract(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Nota curta da gestora sobre o fundo.", result.Text)
}

func TestLocalExtractor_Latin1(t *testing.T) {
	body, err := charmap.ISO8859_1.NewEncoder().String(`<html><body><p>Gestão de ações</p></body></html>`)
	require.NoError(t, err)
	srv := serveHTML(t, 200, http.Header{"Content-Type": {"text/html; charset=iso-8859-1"}}, body)

	result, err := NewLocalExtractor(testFetcher()).Extract(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Gestão de ações", result.Text)
}

func TestLocalExtractor_Blocked(t *testing.T) {
	srv := serveHTML(t, 403, http.Header{"Cf-Ray": {"abc123"}}, `<html><body>Access denied</body></html>`)

	_, err := NewLocalExtractor(testFetcher()).Extract(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlocked))
	assert.Contains(t, err.Error(), "cloudflare")
}

func TestLocalExtractor_NotFound(t *testing.T) {
	srv := serveHTML(t, 404, nil, `<html><body>not here</body></html>`)

	_, err := NewLocalExtractor(testFetcher()).Extract(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestLocalExtractor_EmptyPage(t *testing.T) {
	srv := serveHTML(t, 200, nil, `<html><body><script>app()</script></body></html>`)

	_, err := NewLocalExtractor(testFetcher()).Extract(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoText)
}
