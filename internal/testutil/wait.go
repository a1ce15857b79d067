// Package testutil provides polling helpers for tests of background workers.
package testutil

import (
	"context"
	"hpcorchestrator/internal/job"
	"hpcorchestrator/internal/ledger"
	"testing"
	"time"
)

// WaitOptions configures WaitFor behavior.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for WaitFor.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 30s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 100ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func defaultOptions() WaitOptions {
	return WaitOptions{
		Timeout:  30 * time.Second,
		Interval: 100 * time.Millisecond,
	}
}

// WaitFor polls until condition returns true or timeout is reached.
// Returns true if condition was met, false on timeout.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	deadline := time.Now().Add(o.Timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(o.Interval)
	}
	return condition()
}

// MustWaitFor polls until condition returns true or fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// MustWaitForJob polls the ledger until job id exists and match accepts it,
// and returns that version of the job. On timeout it fails the test with
// the last state seen.
func MustWaitForJob(tb testing.TB, l ledger.Ledger, id string, match func(*job.Job) bool, opts ...WaitOption) *job.Job {
	tb.Helper()
	var last *job.Job
	ok := WaitFor(tb, func() bool {
		j, err := l.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = j
		return match(j)
	}, opts...)
	if !ok {
		if last == nil {
			tb.Fatalf("timed out waiting for job %s to appear", id)
		}
		tb.Fatalf("timed out waiting for job %s, last seen %s (%s)", id, last.State, last.FailureReason)
	}
	return last
}

// InState matches jobs in the given state.
func InState(s job.State) func(*job.Job) bool {
	return func(j *job.Job) bool { return j.State == s }
}
