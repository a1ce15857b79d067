package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	if cfg.Threshold != 5 {
		t.Errorf("Expected Threshold 5, got %d", cfg.Threshold)
	}
	if cfg.Cooldown != 30*time.Second {
		t.Errorf("Expected Cooldown 30s, got %v", cfg.Cooldown)
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	for _, cfg := range []Config{{}, {Threshold: -1, Cooldown: -1}} {
		b := New(cfg)
		for range 4 {
			b.RecordFailure()
		}
		if b.State() != Closed {
			t.Error("expected closed state after 4 failures (default threshold is 5)")
		}
		b.RecordFailure()
		if b.State() != Open {
			t.Error("expected open state after 5 failures")
		}
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 3, Cooldown: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Closed || !b.Allow() {
		t.Error("expected closed state before threshold")
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("expected open state after threshold, got %s", b.State())
	}
	if b.Allow() {
		t.Error("expected Allow() to return false when open")
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Closed {
		t.Error("failures must be consecutive to open the breaker")
	}
}

func TestBreaker_HalfOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		probe  func(b *Breaker)
		want   State
		allows bool
	}{
		{"probe succeeds", (*Breaker).RecordSuccess, Closed, true},
		{"probe fails", (*Breaker).RecordFailure, Open, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			clock := newClock()
			b := New(Config{Threshold: 2, Cooldown: 10 * time.Second, Now: clock.Now})

			b.RecordFailure()
			b.RecordFailure()
			clock.Advance(9 * time.Second)
			if b.Allow() {
				t.Fatal("expected Allow() to return false before cooldown")
			}

			clock.Advance(time.Second)
			if !b.Allow() {
				t.Fatal("expected a probe after cooldown")
			}
			if b.State() != HalfOpen {
				t.Errorf("expected half-open state, got %s", b.State())
			}
			if b.Allow() {
				t.Error("expected a single probe while half-open")
			}

			tt.probe(b)
			if b.State() != tt.want {
				t.Errorf("state = %s, want %s", b.State(), tt.want)
			}
			if b.Allow() != tt.allows {
				t.Errorf("Allow() = %v, want %v", !tt.allows, tt.allows)
			}
		})
	}
}

func TestBreaker_ReopenRestartsCooldown(t *testing.T) {
	t.Parallel()
	clock := newClock()
	b := New(Config{Threshold: 1, Cooldown: 10 * time.Second, Now: clock.Now})

	b.RecordFailure()
	opened := b.Snapshot().OpenedAt

	clock.Advance(10 * time.Second)
	b.Allow()
	b.RecordFailure()

	snap := b.Snapshot()
	if snap.State != Open || !snap.OpenedAt.After(opened) {
		t.Errorf("expected reopened breaker with a fresh cooldown, got %+v", snap)
	}
	clock.Advance(5 * time.Second)
	if b.Allow() {
		t.Error("expected cooldown to restart on reopen")
	}
}

func TestBreaker_Do(t *testing.T) {
	t.Parallel()
	errDown := errors.New("connection refused")
	errRemote := errors.New("remote said no")
	countable := func(err error) bool { return !errors.Is(err, errRemote) }

	b := New(Config{Threshold: 2, Cooldown: time.Minute})

	if err := b.Do(func() error { return errRemote }, countable); !errors.Is(err, errRemote) {
		t.Fatalf("Do returned %v", err)
	}
	if b.Failures() != 0 {
		t.Error("non-countable error must not count as a failure")
	}

	var calls atomic.Int32
	fail := func() error { calls.Add(1); return errDown }
	b.Do(fail, countable)
	b.Do(fail, countable)
	if err := b.Do(fail, countable); !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("fn ran %d times, want 2", calls.Load())
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 2, Cooldown: time.Second})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Open {
		t.Fatal("expected open state")
	}

	b.Reset()
	if b.State() != Closed {
		t.Errorf("expected closed state after reset, got %s", b.State())
	}
	if b.Failures() != 0 {
		t.Errorf("expected 0 failures after reset, got %d", b.Failures())
	}
}

func TestBreaker_StateString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state    State
		expected string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.expected)
		}
	}
}

func TestRegistry_GetCreatesBreaker(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 5, Cooldown: time.Second})

	b1 := r.Get("login.cluster:22")
	b2 := r.Get("login.cluster:22")
	b3 := r.Get("login2.cluster:22")

	if b1 != b2 {
		t.Error("expected same breaker for same key")
	}
	if b1 == b3 {
		t.Error("expected different breaker for different key")
	}
	if stats := r.Stats(); stats.Total != 2 {
		t.Errorf("expected 2 breakers, got %d", stats.Total)
	}
}

func TestRegistry_StatsAndReset(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 2, Cooldown: time.Second})

	b1 := r.Get("a")
	r.Get("b")
	r.Get("c")
	b1.RecordFailure()
	b1.RecordFailure()

	stats := r.Stats()
	if stats.Total != 3 || stats.Open != 1 || stats.Closed != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}

	r.Reset()
	if b1.State() != Closed {
		t.Errorf("expected closed after reset, got %s", b1.State())
	}
}
