package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrSessionUnavailable is returned when no session could be acquired
// within the acquire timeout.
var ErrSessionUnavailable = eris.New("resolver: session unavailable")

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = eris.New("resolver: pool closed")

// Session is one navigation context, e.g. a browser tab or an HTTP client
// with its own cookie jar. A session serves one resolution at a time.
type Session interface {
	// Navigate opens url. It may return before every redirect has settled;
	// CurrentURL reports where the session is now.
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	Close() error
}

// SessionFactory builds a new session.
type SessionFactory func(ctx context.Context) (Session, error)

// SessionPool hands out at most size sessions at a time. Sessions are
// created lazily and rebuilt after being discarded.
type SessionPool struct {
	factory SessionFactory
	// slots holds one entry per pool seat; nil means the seat has no
	// session yet.
	slots chan Session

	mu     sync.Mutex
	closed bool
	live   []Session
}

// NewSessionPool creates a pool with size seats.
func NewSessionPool(size int, factory SessionFactory) *SessionPool {
	if size <= 0 {
		size = 1
	}
	p := &SessionPool{
		factory: factory,
		slots:   make(chan Session, size),
	}
	for range size {
		p.slots <- nil
	}
	return p
}

// Size returns the number of seats.
func (p *SessionPool) Size() int {
	return cap(p.slots)
}

// Acquire waits up to timeout for a free seat and returns its session,
// creating one when the seat is empty. The session must be given back
// with Release.
func (p *SessionPool) Acquire(ctx context.Context, timeout time.Duration) (Session, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var s Session
	select {
	case s = <-p.slots:
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "resolver: acquire")
		}
		return nil, eris.Wrapf(ErrSessionUnavailable, "no free session after %s", timeout)
	}

	if s != nil {
		return s, nil
	}

	s, err := p.factory(ctx)
	if err != nil {
		p.slots <- nil
		return nil, eris.Wrapf(ErrSessionUnavailable, "create session: %v", err)
	}
	p.mu.Lock()
	p.live = append(p.live, s)
	p.mu.Unlock()
	return s, nil
}

// Release returns s to the pool. A discarded session is closed and its
// seat is rebuilt on the next Acquire.
func (p *SessionPool) Release(s Session, discard bool) {
	if s == nil {
		p.slots <- nil
		return
	}
	if discard || p.isClosed() {
		// Close has already shut down sessions it knew about.
		if p.forget(s) {
			if err := s.Close(); err != nil {
				zap.L().Debug("resolver: close session", zap.Error(err))
			}
		}
		p.slots <- nil
		return
	}
	p.slots <- s
}

// Close closes every live session, including acquired ones, and makes
// later Acquire calls fail.
func (p *SessionPool) Close() error {
	p.mu.Lock()
	p.closed = true
	live := p.live
	p.live = nil
	p.mu.Unlock()

	var firstErr error
	for _, s := range live {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = eris.Wrap(err, "resolver: close session")
		}
	}
	return firstErr
}

func (p *SessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *SessionPool) forget(s Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, l := range p.live {
		if l == s {
			p.live = append(p.live[:i], p.live[i+1:]...)
			return true
		}
	}
	return false
}
