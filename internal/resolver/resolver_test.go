package resolver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession shows about:blank until its first navigation. Reads after
// that are numbered from 1 and answered by current.
type fakeSession struct {
	navigate func(ctx context.Context, url string) error
	current  func(reads int) (string, error)

	mu        sync.Mutex
	navigated bool
	reads     int
	closed    bool
}

func (f *fakeSession) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	f.navigated = true
	f.mu.Unlock()
	if f.navigate == nil {
		return nil
	}
	return f.navigate(ctx, url)
}

func (f *fakeSession) CurrentURL(_ context.Context) (string, error) {
	f.mu.Lock()
	if !f.navigated {
		f.mu.Unlock()
		return "about:blank", nil
	}
	f.reads++
	n := f.reads
	f.mu.Unlock()
	return f.current(n)
}

// tabSession models a browser tab whose location only changes when a
// navigation commits.
type tabSession struct {
	mu       sync.Mutex
	location string
	commit   map[string]string
}

func (s *tabSession) Navigate(ctx context.Context, url string) error {
	dest, ok := s.commit[url]
	if !ok {
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	s.location = dest
	s.mu.Unlock()
	return nil
}

func (s *tabSession) CurrentURL(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location, nil
}

func (s *tabSession) Close() error { return nil }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func staticFactory(sessions ...*fakeSession) (SessionFactory, *atomic.Int32) {
	var built atomic.Int32
	return func(context.Context) (Session, error) {
		i := int(built.Add(1)) - 1
		if i >= len(sessions) {
			return nil, errors.New("no more sessions")
		}
		return sessions[i], nil
	}, &built
}

func fastOptions() Options {
	return Options{
		AcquireTimeout:    50 * time.Millisecond,
		NavigationTimeout: 40 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		PollWindow:        60 * time.Millisecond,
	}
}

const startLink = "https://news.google.com/rss/articles/CBMiabc"

func TestHostSuffix(t *testing.T) {
	isGoogle := HostSuffix("google.com", " .Example.ORG ")
	tests := []struct {
		url  string
		want bool
	}{
		{"https://google.com/url?q=x", true},
		{"https://news.google.com/rss/articles/abc", true},
		{"https://WWW.GOOGLE.COM./url", true},
		{"https://consent.google.com/ml", true},
		{"https://notgoogle.com/a", false},
		{"https://google.com.br/a", false},
		{"https://valor.globo.com/a", false},
		{"https://sub.example.org/a", true},
		{"", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isGoogle(tt.url), tt.url)
	}
}

func TestResolve_Resolved(t *testing.T) {
	sess := &fakeSession{current: func(n int) (string, error) {
		switch {
		case n < 3:
			return startLink, nil
		case n < 5:
			return "https://consent.google.com/ml?continue=x", nil
		default:
			return "https://valor.globo.com/financas/noticia.ghtml", nil
		}
	}}
	factory, _ := staticFactory(sess)
	r := New(NewSessionPool(1, factory), fastOptions())

	res := r.Resolve(context.Background(), startLink)
	assert.Equal(t, OutcomeResolved, res.Outcome)
	assert.True(t, res.OK())
	assert.Equal(t, "https://valor.globo.com/financas/noticia.ghtml", res.Final)
	assert.NoError(t, res.Err)
	assert.False(t, sess.isClosed())
}

func TestResolve_UnresolvedAfterWindow(t *testing.T) {
	sess := &fakeSession{current: func(int) (string, error) {
		return "https://consent.google.com/ml", nil
	}}
	factory, _ := staticFactory(sess)
	r := New(NewSessionPool(1, factory), fastOptions())

	start := time.Now()
	res := r.Resolve(context.Background(), startLink)
	elapsed := time.Since(start)

	assert.Equal(t, OutcomeUnresolved, res.Outcome)
	assert.False(t, res.OK())
	assert.Empty(t, res.Final)
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestResolve_NavigationTimeoutTakesFinalReading(t *testing.T) {
	blocking := func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}

	t.Run("degraded", func(t *testing.T) {
		sess := &fakeSession{
			navigate: blocking,
			current: func(int) (string, error) {
				return "https://exame.com/mercado/vinci", nil
			},
		}
		factory, _ := staticFactory(sess)
		r := New(NewSessionPool(1, factory), fastOptions())

		start := time.Now()
		res := r.Resolve(context.Background(), startLink)
		assert.Equal(t, OutcomeDegraded, res.Outcome)
		assert.Equal(t, "https://exame.com/mercado/vinci", res.Final)
		assert.Less(t, time.Since(start), 40*time.Millisecond+60*time.Millisecond+500*time.Millisecond)
		assert.False(t, sess.isClosed())
	})

	t.Run("still on start", func(t *testing.T) {
		sess := &fakeSession{
			navigate: blocking,
			current:  func(int) (string, error) { return startLink, nil },
		}
		factory, _ := staticFactory(sess)
		r := New(NewSessionPool(1, factory), fastOptions())

		res := r.Resolve(context.Background(), startLink)
		assert.Equal(t, OutcomeUnresolved, res.Outcome)
	})
}

func TestResolve_StaleTabIsNotADestination(t *testing.T) {
	const second = "https://news.google.com/rss/articles/CBMidef"
	tab := &tabSession{
		location: "about:blank",
		commit:   map[string]string{startLink: "https://valor.globo.com/article-one"},
	}
	pool := NewSessionPool(1, func(context.Context) (Session, error) { return tab, nil })
	r := New(pool, fastOptions())

	res := r.Resolve(context.Background(), startLink)
	require.Equal(t, OutcomeResolved, res.Outcome)
	assert.Equal(t, "https://valor.globo.com/article-one", res.Final)

	// The second navigation never commits, so the tab still shows the first
	// article when the navigation timeout fires.
	res = r.Resolve(context.Background(), second)
	assert.Equal(t, OutcomeUnresolved, res.Outcome)
	assert.Empty(t, res.Final)
	assert.False(t, res.OK())
}

func TestResolve_NavigationErrorDiscardsSession(t *testing.T) {
	broken := &fakeSession{
		navigate: func(context.Context, string) error { return errors.New("tab crashed") },
		current:  func(int) (string, error) { return "", nil },
	}
	healthy := &fakeSession{current: func(int) (string, error) {
		return "https://valor.globo.com/a", nil
	}}
	factory, built := staticFactory(broken, healthy)
	r := New(NewSessionPool(1, factory), fastOptions())

	res := r.Resolve(context.Background(), startLink)
	assert.Equal(t, OutcomeUnresolved, res.Outcome)
	require.Error(t, res.Err)
	assert.True(t, broken.isClosed())

	res = r.Resolve(context.Background(), startLink)
	assert.Equal(t, OutcomeResolved, res.Outcome)
	assert.Equal(t, int32(2), built.Load())
}

func TestResolve_SessionUnavailable(t *testing.T) {
	sess := &fakeSession{current: func(int) (string, error) { return "https://a.example/x", nil }}
	factory, _ := staticFactory(sess)
	pool := NewSessionPool(1, factory)
	r := New(pool, fastOptions())

	held, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	res := r.Resolve(context.Background(), startLink)
	assert.Equal(t, OutcomeSessionUnavailable, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrSessionUnavailable)

	pool.Release(held, false)
	res = r.Resolve(context.Background(), startLink)
	assert.Equal(t, OutcomeResolved, res.Outcome)
}

func TestResolve_FactoryFailureIsUnavailable(t *testing.T) {
	factory, _ := staticFactory()
	r := New(NewSessionPool(2, factory), fastOptions())

	res := r.Resolve(context.Background(), startLink)
	assert.Equal(t, OutcomeSessionUnavailable, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrSessionUnavailable)
}

func TestResolve_ReadErrorsNeverQualify(t *testing.T) {
	sess := &fakeSession{current: func(n int) (string, error) {
		if n%2 == 0 {
			return "about:blank", nil
		}
		return "", errors.New("target closed")
	}}
	factory, _ := staticFactory(sess)
	r := New(NewSessionPool(1, factory), fastOptions())

	res := r.Resolve(context.Background(), startLink)
	assert.Equal(t, OutcomeUnresolved, res.Outcome)
}

func TestResolve_Cancelled(t *testing.T) {
	sess := &fakeSession{current: func(int) (string, error) { return startLink, nil }}
	factory, _ := staticFactory(sess)
	r := New(NewSessionPool(1, factory), fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	res := r.Resolve(ctx, startLink)
	assert.Equal(t, OutcomeUnresolved, res.Outcome)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestResolver_NeedsResolution(t *testing.T) {
	r := New(NewSessionPool(1, nil), Options{})
	assert.True(t, r.NeedsResolution("https://www.google.com/url?rct=j&url=https://a.example"))
	assert.False(t, r.NeedsResolution("https://a.example/news"))
	assert.Equal(t, 1, r.Workers())
}

func TestSessionPool_ReusesAndCloses(t *testing.T) {
	s1 := &fakeSession{}
	s2 := &fakeSession{}
	factory, built := staticFactory(s1, s2)
	pool := NewSessionPool(2, factory)
	assert.Equal(t, 2, pool.Size())

	a, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	c, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	assert.NotSame(t, a, c)

	pool.Release(a, false)
	b, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, int32(2), built.Load())

	pool.Release(b, false)
	require.NoError(t, pool.Close())
	assert.True(t, s1.isClosed())
	assert.True(t, s2.isClosed())

	pool.Release(c, false)
	_, err = pool.Acquire(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestSessionPool_AcquireCancelled(t *testing.T) {
	pool := NewSessionPool(1, func(context.Context) (Session, error) { return &fakeSession{}, nil })
	_, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(ctx, time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSessionUnavailable)
}

func TestHTTPSession_FollowsRedirectsAndMetaRefresh(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/hop/start", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "CONSENT", Value: "YES+", Path: "/"})
		http.Redirect(w, r, "/hop/meta", http.StatusFound)
	})
	mux.HandleFunc("/hop/meta", func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("CONSENT"); err != nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><META HTTP-EQUIV="Refresh" CONTENT="0; URL='/article?id=7'"></head></html>`)) //nolint:errcheck
	})
	mux.HandleFunc("/article", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Gestora anuncia</title></head></html>`)) //nolint:errcheck
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sess, err := NewHTTPSession(HTTPSessionOptions{})
	require.NoError(t, err)
	require.NoError(t, sess.Navigate(context.Background(), srv.URL+"/hop/start"))

	cur, err := sess.CurrentURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/article?id=7", cur)
	require.NoError(t, sess.Close())

	isHop := func(raw string) bool { return strings.Contains(raw, "/hop/") }
	opts := fastOptions()
	opts.IsIndirection = isHop
	opts.NavigationTimeout = 2 * time.Second
	r := New(NewSessionPool(1, NewHTTPSessionFactory(HTTPSessionOptions{})), opts)

	res := r.Resolve(context.Background(), srv.URL+"/hop/start")
	assert.Equal(t, OutcomeResolved, res.Outcome)
	assert.Equal(t, srv.URL+"/article?id=7", res.Final)
}

func TestHTTPSession_HopLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	sess, err := NewHTTPSession(HTTPSessionOptions{MaxHops: 3})
	require.NoError(t, err)
	require.NoError(t, sess.Navigate(context.Background(), srv.URL+"/a"))

	cur, _ := sess.CurrentURL(context.Background())
	assert.Equal(t, srv.URL+"/axx", cur)
}

func TestHTTPSession_TransportError(t *testing.T) {
	sess, err := NewHTTPSession(HTTPSessionOptions{})
	require.NoError(t, err)
	err = sess.Navigate(context.Background(), "http://127.0.0.1:1/closed")
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestRefreshURL(t *testing.T) {
	tests := map[string]string{
		"0;url=https://a.example/x":      "https://a.example/x",
		"0; URL='https://a.example/y'":   "https://a.example/y",
		`5 ; Url = "/relative"`:          "/relative",
		"0":                              "",
		"0; https://a.example/no-prefix": "",
		"0; url":                         "",
	}
	for in, want := range tests {
		assert.Equal(t, want, refreshURL(in), in)
	}
}
