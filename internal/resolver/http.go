package resolver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

// errHopLimit stops the client; the session stays on its last hop.
var errHopLimit = eris.New("resolver: hop limit reached")

// HTTPSessionOptions configures plain-HTTP navigation sessions.
type HTTPSessionOptions struct {
	UserAgent string
	// MaxHops bounds redirects plus meta-refresh hops. Default: 10.
	MaxHops int
	// Transport overrides the default transport, mainly for tests.
	Transport http.RoundTripper
}

// HTTPSession navigates with net/http. It follows 3xx redirects and
// <meta http-equiv="refresh"> hops and keeps its own cookie jar, so
// consent cookies survive between links handled by the same seat.
type HTTPSession struct {
	client  *http.Client
	ua      string
	maxHops int

	mu      sync.Mutex
	current string
}

// NewHTTPSessionFactory returns a factory building HTTP sessions.
func NewHTTPSessionFactory(opts HTTPSessionOptions) SessionFactory {
	return func(_ context.Context) (Session, error) {
		return NewHTTPSession(opts)
	}
}

// NewHTTPSession creates a session with an empty cookie jar.
func NewHTTPSession(opts HTTPSessionOptions) (*HTTPSession, error) {
	if opts.MaxHops <= 0 {
		opts.MaxHops = 10
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0 (compatible; news-sentinel/1.0)"
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, eris.Wrap(err, "resolver: cookie jar")
	}
	s := &HTTPSession{ua: opts.UserAgent, maxHops: opts.MaxHops}
	s.client = &http.Client{
		Jar:       jar,
		Transport: opts.Transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= s.maxHops {
				return errHopLimit
			}
			s.setCurrent(req.URL.String())
			return nil
		},
	}
	return s, nil
}

// Navigate loads rawURL and follows redirects until a page without a
// refresh hop is reached or the hop budget runs out.
func (s *HTTPSession) Navigate(ctx context.Context, rawURL string) error {
	s.setCurrent(rawURL)
	next := rawURL
	for hop := 0; hop < s.maxHops && next != ""; hop++ {
		target, err := s.load(ctx, next)
		if err != nil {
			return err
		}
		next = target
		if next != "" {
			s.setCurrent(next)
		}
	}
	return nil
}

// load GETs rawURL and returns the meta-refresh target, if any.
func (s *HTTPSession) load(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", eris.Wrap(err, "resolver: create request")
	}
	req.Header.Set("User-Agent", s.ua)
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9,en;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, errHopLimit):
			return "", nil
		case ctx.Err() != nil:
			return "", ctx.Err()
		}
		return "", eris.Wrapf(err, "resolver: get %s", rawURL)
	}
	defer resp.Body.Close() //nolint:errcheck

	s.setCurrent(resp.Request.URL.String())

	if !strings.Contains(resp.Header.Get("Content-Type"), "html") {
		return "", nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256<<10))
	if err != nil {
		return "", eris.Wrap(err, "resolver: read body")
	}
	return metaRefreshTarget(resp.Request.URL, body), nil
}

// CurrentURL returns the last URL the session landed on.
func (s *HTTPSession) CurrentURL(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

// Close drops idle connections.
func (s *HTTPSession) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *HTTPSession) setCurrent(u string) {
	s.mu.Lock()
	s.current = u
	s.mu.Unlock()
}

// metaRefreshTarget returns the absolute URL of a
// <meta http-equiv="refresh" content="0;url=..."> tag, or "".
func metaRefreshTarget(base *url.URL, body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	var target string
	doc.Find("meta").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if !strings.EqualFold(strings.TrimSpace(sel.AttrOr("http-equiv", "")), "refresh") {
			return true
		}
		target = refreshURL(sel.AttrOr("content", ""))
		return false
	})
	if target == "" {
		return ""
	}
	ref, err := url.Parse(target)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// refreshURL extracts the URL from a refresh content value such as
// `0; URL='https://example.com/'`.
func refreshURL(content string) string {
	_, rest, ok := strings.Cut(content, ";")
	if !ok {
		return ""
	}
	rest = strings.TrimSpace(rest)
	if len(rest) < 4 || !strings.EqualFold(rest[:3], "url") {
		return ""
	}
	rest = strings.TrimSpace(rest[3:])
	rest, ok = strings.CutPrefix(rest, "=")
	if !ok {
		return ""
	}
	return strings.Trim(strings.TrimSpace(rest), `'"`)
}
