// Package fetcher downloads feeds and web pages with per-host rate limiting
// and retries, and decodes XML feeds as a stream.
package fetcher

import (
	"context"
	"net/http"
)

// Response is a fully read HTTP answer. Non-2xx answers are returned as
// responses, not errors, so callers can inspect block pages.
type Response struct {
	// URL is the final URL after redirects.
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Fetcher retrieves a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}
