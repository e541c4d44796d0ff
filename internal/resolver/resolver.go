// Package resolver follows obfuscated redirect links (Google Alerts and
// Google News wrappers) to the article they point at, using a fixed pool of
// navigation sessions.
package resolver

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Outcome classifies a resolution attempt.
type Outcome string

const (
	// OutcomeResolved means the session left the start URL for a
	// non-intermediate page within the poll window.
	OutcomeResolved Outcome = "resolved"
	// OutcomeDegraded means the destination was only seen on the final
	// reading after the window or a navigation timeout.
	OutcomeDegraded Outcome = "degraded"
	// OutcomeUnresolved means no acceptable destination was seen; the
	// candidate is dropped.
	OutcomeUnresolved Outcome = "unresolved"
	// OutcomeSessionUnavailable means no session was free; the candidate is
	// retried on a later pass.
	OutcomeSessionUnavailable Outcome = "session_unavailable"
)

// Result is the outcome of resolving one link.
type Result struct {
	Link    string
	Final   string
	Outcome Outcome
	Err     error
}

// OK reports whether Final can be used as the item key.
func (r Result) OK() bool {
	return r.Outcome == OutcomeResolved || r.Outcome == OutcomeDegraded
}

// Predicate reports whether a URL is an intermediate indirection page.
type Predicate func(rawURL string) bool

// HostSuffix matches URLs whose host is one of suffixes or a subdomain of
// one. Unparseable URLs never match.
func HostSuffix(suffixes ...string) Predicate {
	norm := make([]string, 0, len(suffixes))
	for _, s := range suffixes {
		s = strings.Trim(strings.ToLower(strings.TrimSpace(s)), ".")
		if s != "" {
			norm = append(norm, s)
		}
	}
	return func(rawURL string) bool {
		u, err := url.Parse(strings.TrimSpace(rawURL))
		if err != nil {
			return false
		}
		host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
		if host == "" {
			return false
		}
		for _, s := range norm {
			if host == s || strings.HasSuffix(host, "."+s) {
				return true
			}
		}
		return false
	}
}

// Options tunes the resolution protocol.
type Options struct {
	AcquireTimeout    time.Duration
	NavigationTimeout time.Duration
	PollInterval      time.Duration
	PollWindow        time.Duration
	// IsIndirection defaults to HostSuffix("google.com").
	IsIndirection Predicate
}

func (o *Options) applyDefaults() {
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 30 * time.Second
	}
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 8 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.PollWindow <= 0 {
		o.PollWindow = 6 * time.Second
	}
	if o.IsIndirection == nil {
		o.IsIndirection = HostSuffix("google.com")
	}
}

// readTimeout bounds a single CurrentURL call.
const readTimeout = 2 * time.Second

// Resolver runs the navigate-and-poll protocol on pooled sessions.
type Resolver struct {
	pool *SessionPool
	opts Options
}

// New creates a Resolver over pool.
func New(pool *SessionPool, opts Options) *Resolver {
	opts.applyDefaults()
	return &Resolver{pool: pool, opts: opts}
}

// Workers returns how many resolutions can run at once.
func (r *Resolver) Workers() int {
	return r.pool.Size()
}

// NeedsResolution reports whether link points at an indirection host.
// Other links are used as their own final URL.
func (r *Resolver) NeedsResolution(link string) bool {
	return r.opts.IsIndirection(link)
}

// Resolve follows link to its destination. The time spent after acquiring a
// session is bounded by NavigationTimeout + PollWindow plus one reading.
func (r *Resolver) Resolve(ctx context.Context, link string) Result {
	res := Result{Link: link}

	sess, err := r.pool.Acquire(ctx, r.opts.AcquireTimeout)
	if err != nil {
		res.Outcome = OutcomeSessionUnavailable
		res.Err = err
		return res
	}
	discard := false
	defer func() { r.pool.Release(sess, discard) }()

	// Pooled sessions keep the previous link's page until a navigation
	// commits, so that page never counts as this link's destination.
	before := r.location(ctx, sess, link)

	navCtx, cancel := context.WithTimeout(ctx, r.opts.NavigationTimeout)
	err = sess.Navigate(navCtx, link)
	cancel()

	switch {
	case err == nil:
		return r.poll(ctx, sess, res, before)
	case ctx.Err() != nil:
		res.Outcome = OutcomeUnresolved
		res.Err = ctx.Err()
		return res
	case errors.Is(err, context.DeadlineExceeded):
		// Slow page: whatever the session reached so far is the answer.
		return r.finalReading(ctx, sess, res, before)
	default:
		zap.L().Warn("resolver: navigation failed, discarding session",
			zap.String("link", link),
			zap.Error(err),
		)
		discard = true
		res.Outcome = OutcomeUnresolved
		res.Err = err
		return res
	}
}

func (r *Resolver) poll(ctx context.Context, sess Session, res Result, before string) Result {
	deadline := time.NewTimer(r.opts.PollWindow)
	defer deadline.Stop()
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		if cur, ok := r.read(ctx, sess, res.Link, before); ok {
			res.Final = cur
			res.Outcome = OutcomeResolved
			return res
		}
		select {
		case <-ctx.Done():
			res.Outcome = OutcomeUnresolved
			res.Err = ctx.Err()
			return res
		case <-deadline.C:
			return r.finalReading(ctx, sess, res, before)
		case <-ticker.C:
		}
	}
}

func (r *Resolver) finalReading(ctx context.Context, sess Session, res Result, before string) Result {
	if cur, ok := r.read(ctx, sess, res.Link, before); ok {
		res.Final = cur
		res.Outcome = OutcomeDegraded
		return res
	}
	res.Outcome = OutcomeUnresolved
	return res
}

// location returns the session's current URL, or "" if it cannot be read.
func (r *Resolver) location(ctx context.Context, sess Session, link string) string {
	readCtx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	cur, err := sess.CurrentURL(readCtx)
	if err != nil {
		zap.L().Debug("resolver: read current url", zap.String("link", link), zap.Error(err))
		return ""
	}
	return strings.TrimSpace(cur)
}

// read takes one reading and reports whether it qualifies as a destination.
// The start link and the page the session showed before navigating never
// qualify.
func (r *Resolver) read(ctx context.Context, sess Session, start, before string) (string, bool) {
	cur := r.location(ctx, sess, start)
	// about:blank and chrome-error:// pages are not destinations.
	if !strings.HasPrefix(cur, "http://") && !strings.HasPrefix(cur, "https://") {
		return "", false
	}
	if cur == start || cur == before || r.opts.IsIndirection(cur) {
		return "", false
	}
	return cur, true
}
