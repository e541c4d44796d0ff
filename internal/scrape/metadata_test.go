package scrape

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataReader_TitleAndDescription(t *testing.T) {
	srv := serveHTML(t, 200, nil, `<html><head>
		<title>
			CVM abre processo contra Gestora X
		</title>
		<meta name="Description" content="A autarquia investiga  irregularidades">
		<meta property="og:description" content="ignored">
	</head><body></body></html>`)

	md, err := NewMetadataReader(testFetcher()).Read(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.False(t, md.Blocked())
	assert.Equal(t, "CVM abre processo contra Gestora X", md.Title)
	assert.Equal(t, "A autarquia investiga irregularidades", md.Description)
	assert.Equal(t, 200, md.StatusCode)
}

func TestMetadataReader_OpenGraphFallbacks(t *testing.T) {
	srv := serveHTML(t, 200, nil, `<html><head>
		<meta property="og:title" content="Vinci Compass conclui fusão">
		<meta property="og:description" content="Operação cria gestora com R$ 50 bi">
	</head></html>`)

	md, err := NewMetadataReader(testFetcher()).Read(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Vinci Compass conclui fusão", md.Title)
	assert.Equal(t, "Operação cria gestora com R$ 50 bi", md.Description)
}

func TestMetadataReader_BlockedPage(t *testing.T) {
	srv := serveHTML(t, 403, http.Header{"Server": {"cloudflare"}}, `<title>Just a moment...</title>`)

	md, err := NewMetadataReader(testFetcher()).Read(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, md.Blocked())
	assert.Equal(t, BlockCloudflare, md.Block)
	assert.Empty(t, md.Title)
}

func TestMetadataReader_HTTPError(t *testing.T) {
	srv := serveHTML(t, 410, nil, `gone`)

	_, err := NewMetadataReader(testFetcher()).Read(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 410")
}

func TestMetadataReader_FetchError(t *testing.T) {
	_, err := NewMetadataReader(testFetcher()).Read(context.Background(), "http://127.0.0.1:1/x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metadata fetch")
}
