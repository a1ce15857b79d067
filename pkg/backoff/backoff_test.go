package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     *Config
		attempt int
		want    time.Duration
	}{
		{"default first", nil, 1, 100 * time.Millisecond},
		{"default doubles", nil, 4, 800 * time.Millisecond},
		{"default capped", nil, 8, 5 * time.Second},
		{"zero attempt", nil, 0, 100 * time.Millisecond},
		{"negative attempt", nil, -1, 100 * time.Millisecond},
		{"redelivery base", &Config{Initial: 30 * time.Second, Max: 5 * time.Minute}, 2, time.Minute},
		{"redelivery capped", &Config{Initial: 30 * time.Second, Max: 5 * time.Minute}, 6, 5 * time.Minute},
		{"only initial", &Config{Initial: 200 * time.Millisecond}, 6, 5 * time.Second},
		{"only max", &Config{Max: 300 * time.Millisecond}, 3, 300 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Exponential(tt.attempt, tt.cfg); got != tt.want {
				t.Errorf("Exponential(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestExponential_Jitter(t *testing.T) {
	t.Parallel()
	cfg := &Config{Initial: time.Second, Max: time.Minute, Jitter: 0.25}

	for range 200 {
		got := Exponential(3, cfg)
		if got > 4*time.Second || got < 3*time.Second {
			t.Fatalf("Exponential(3) = %v, want within [3s, 4s]", got)
		}
	}

	// Out-of-range jitter is clamped.
	if got := Exponential(1, &Config{Initial: time.Second, Jitter: -1}); got != time.Second {
		t.Errorf("negative jitter changed the delay: %v", got)
	}
}

var fast = &Config{Initial: time.Millisecond, Max: 2 * time.Millisecond}

func TestRetry(t *testing.T) {
	t.Parallel()
	errTemp := errors.New("temporary")
	errFatal := errors.New("fatal")
	isTemp := func(err error) bool { return errors.Is(err, errTemp) }

	tests := []struct {
		name      string
		attempts  int
		results   []error
		wantCalls int
		wantErr   error
	}{
		{"first try", 3, []error{nil}, 1, nil},
		{"recovers", 3, []error{errTemp, errTemp, nil}, 3, nil},
		{"exhausted", 3, []error{errTemp, errTemp, errTemp, nil}, 3, errTemp},
		{"not retryable", 3, []error{errFatal, nil}, 1, errFatal},
		{"zero attempts runs once", 0, []error{errTemp}, 1, errTemp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			err := Retry(context.Background(), tt.attempts, fast, isTemp, func(context.Context) error {
				err := tt.results[calls]
				calls++
				return err
			})
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Errorf("Retry() = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("fn called %d times, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Retry(ctx, 5, &Config{Initial: time.Hour}, nil, func(context.Context) error {
		calls++
		cancel()
		return errors.New("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times after cancel, want 1", calls)
	}
}
