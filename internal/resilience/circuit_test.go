package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("classify", CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: cooldown})
	cb.now = clock.Now
	return cb, clock
}

func fail(_ context.Context) error { return errors.New("fail") }
func ok(_ context.Context) error   { return nil }

func TestCircuitBreaker_ClosedPassesThrough(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	if err := cb.Execute(context.Background(), ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
	if cb.Name() != "classify" {
		t.Errorf("unexpected name %q", cb.Name())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	var called bool
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("fn should not run while open")
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), ok)
	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenSingleProbe(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Minute)

	_ = cb.Execute(context.Background(), fail)
	clock.Advance(time.Minute)

	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", cb.State())
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("probe should be admitted: %v", err)
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second caller should be rejected during probe, got %v", err)
	}

	cb.Record(nil)
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_ReleaseFreesProbe(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Minute)

	_ = cb.Execute(context.Background(), fail)
	clock.Advance(time.Minute)

	if err := cb.Allow(); err != nil {
		t.Fatalf("probe should be admitted: %v", err)
	}
	cb.Release()
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("release must not change state, got %s", cb.State())
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("next probe should be admitted after release: %v", err)
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Minute)

	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)
	clock.Advance(2 * time.Minute)

	if err := cb.Execute(context.Background(), fail); err == nil {
		t.Fatal("expected probe error")
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected reopened circuit, got %s", cb.State())
	}
	clock.Advance(30 * time.Second)
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("cooldown should restart after failed probe, got %v", err)
	}
}

func TestCircuitBreaker_ShouldTrip(t *testing.T) {
	cb := NewCircuitBreaker("deliver", CircuitBreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       IsTransient,
	})

	_ = cb.Execute(context.Background(), func(_ context.Context) error { return errors.New("chat rejected") })
	if cb.State() != CircuitClosed {
		t.Fatalf("permanent error should not trip, got %s", cb.State())
	}
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return NewTransientError(errors.New("503"), 503)
	})
	if cb.State() != CircuitOpen {
		t.Fatalf("transient error should trip, got %s", cb.State())
	}
}

func TestCircuitBreaker_ResetAndStateHook(t *testing.T) {
	var mu sync.Mutex
	var changes []string
	cb := NewCircuitBreaker("target", CircuitBreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(name string, from, to CircuitState) {
			mu.Lock()
			changes = append(changes, name+":"+from.String()+"->"+to.String())
			mu.Unlock()
		},
	})

	_ = cb.Execute(context.Background(), fail)
	cb.Reset()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"target:closed->open", "target:open->closed"}
	if len(changes) != len(want) || changes[0] != want[0] || changes[1] != want[1] {
		t.Errorf("unexpected changes %v", changes)
	}
}

func TestExecuteVal(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)

	v, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("expected 7, got %d (%v)", v, err)
	}

	_, _ = ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 0, errors.New("x") })
	v, err = ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 9, nil })
	if !errors.Is(err, ErrCircuitOpen) || v != 0 {
		t.Fatalf("expected open rejection, got %d (%v)", v, err)
	}
}

func TestBreakers(t *testing.T) {
	b := NewBreakers(CircuitBreakerConfig{FailureThreshold: 1})

	if b.Get("classify") != b.Get("classify") {
		t.Fatal("Get should return the same breaker")
	}
	_ = b.Get("deliver").Execute(context.Background(), fail)

	states := b.States()
	if states["classify"] != CircuitClosed || states["deliver"] != CircuitOpen {
		t.Errorf("unexpected states %v", states)
	}
}

func TestCircuitFrom(t *testing.T) {
	cfg := CircuitFrom(0, 0)
	if cfg.FailureThreshold != 5 || cfg.Cooldown != 30*time.Second {
		t.Errorf("expected defaults, got %+v", cfg)
	}
	if cfg.OnStateChange == nil {
		t.Error("expected logging hook")
	}
	cfg = CircuitFrom(2, time.Minute)
	if cfg.FailureThreshold != 2 || cfg.Cooldown != time.Minute {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestCircuitState_String(t *testing.T) {
	if CircuitState(9).String() != "unknown" {
		t.Error("expected unknown")
	}
}
