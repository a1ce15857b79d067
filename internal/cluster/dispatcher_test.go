package cluster

import (
	"context"
	"errors"
	"hpcorchestrator/internal/apperrors"
	"hpcorchestrator/internal/script"
	"hpcorchestrator/internal/testutil"
	"hpcorchestrator/pkg/circuitbreaker"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func buildScript(t *testing.T, jobID string) *script.DispatchScript {
	t.Helper()
	s, err := script.NewBuilder(script.Options{}).Build(jobID, "https://r2.example/in.pdf", "https://r2.example/out/")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSubmit_Success(t *testing.T) {
	t.Parallel()
	f := newFakeIngress(t)
	cfg := f.config(t)
	d := f.dispatcher(t, cfg)

	s := buildScript(t, "abc-123")
	h, err := d.Submit(context.Background(), s)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if h != "4821" {
		t.Errorf("handle = %q, want 4821", h)
	}

	remote := filepath.Join(f.scriptDir, "job_abc-123.sh")
	body, mode, ok := f.seen(remote)
	if !ok {
		t.Fatalf("trigger did not see %s", remote)
	}
	if string(body) != string(s.Body) {
		t.Errorf("remote body differs:\n%s", body)
	}
	if mode != 0o755 {
		t.Errorf("remote mode = %o, want 755", mode)
	}

	// Both copies are gone after a successful dispatch.
	if _, err := os.Stat(remote); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("remote script still present: %v", err)
	}
	assertEmptyDir(t, cfg.LocalTempDir)
	assertEmptyDir(t, f.scriptDir)
}

func TestSubmit_ToleratesWarnings(t *testing.T) {
	t.Parallel()
	f := newFakeIngress(t)
	f.setSubmit(func(string) reply {
		return reply{out: "sbatch: warning: partition gpu is busy\nSubmitted batch job 77\n"}
	})
	d := f.dispatcher(t, f.config(t))

	h, err := d.Submit(context.Background(), buildScript(t, "warn"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if h != "77" {
		t.Errorf("handle = %q, want 77", h)
	}
}

func TestSubmit_RejectedByForcedCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply reply
		want  error
	}{
		{"non-zero exit", reply{out: "permission denied\n", code: 1}, apperrors.ErrTrigger},
		{"zero exit without batch id", reply{out: "permission denied\n"}, apperrors.ErrParse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFakeIngress(t)
			f.setSubmit(func(string) reply { return tt.reply })
			cfg := f.config(t)
			d := f.dispatcher(t, cfg)

			_, err := d.Submit(context.Background(), buildScript(t, "abc-123"))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if apperrors.IsRetryable(err) != (tt.want == apperrors.ErrTrigger) {
				t.Errorf("unexpected retryability for %v", err)
			}
			assertEmptyDir(t, cfg.LocalTempDir)
			assertEmptyDir(t, f.scriptDir)
		})
	}
}

func TestSubmit_Unreachable(t *testing.T) {
	t.Parallel()
	f := newFakeIngress(t)
	cfg := f.config(t)
	cfg.Addr = closedAddr(t)
	cfg.BreakerThreshold = 1
	cfg.BreakerCooldown = time.Hour
	d := f.dispatcher(t, cfg)

	_, err := d.Submit(context.Background(), buildScript(t, "abc-123"))
	if !errors.Is(err, apperrors.ErrTransfer) {
		t.Fatalf("expected transfer error, got %v", err)
	}
	if apperrors.StepOf(err) != apperrors.StepTransfer {
		t.Errorf("step = %q", apperrors.StepOf(err))
	}
	assertEmptyDir(t, cfg.LocalTempDir)

	// The breaker is now open: the next call fails fast.
	_, err = d.Submit(context.Background(), buildScript(t, "abc-124"))
	if !errors.Is(err, apperrors.ErrTransient) || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit-open transient error, got %v", err)
	}
}

func TestSubmit_StoreGoesThroughGate(t *testing.T) {
	t.Parallel()
	f := newFakeIngress(t)
	d := f.dispatcher(t, f.config(t))

	if _, err := d.Submit(context.Background(), buildScript(t, "abc-123")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if f.stores.Load() != 1 || f.triggers.Load() != 1 || f.removes.Load() != 1 {
		t.Errorf("store/trigger/remove = %d/%d/%d, want 1/1/1", f.stores.Load(), f.triggers.Load(), f.removes.Load())
	}
}

func TestSubmit_StoreRejected(t *testing.T) {
	t.Parallel()
	f := newFakeIngress(t)
	cfg := f.config(t)
	// The gate only accepts scripts directly inside its own directory.
	cfg.RemoteScriptDir = filepath.Join(f.scriptDir, "elsewhere")
	cfg.BreakerThreshold = 1
	d := f.dispatcher(t, cfg)

	_, err := d.Submit(context.Background(), buildScript(t, "abc-123"))
	if !errors.Is(err, apperrors.ErrTransfer) {
		t.Fatalf("expected transfer error, got %v", err)
	}
	if f.triggers.Load() != 0 {
		t.Error("script was triggered after a rejected store")
	}
	if st := d.Breaker().State(); st != circuitbreaker.Closed {
		t.Errorf("a refusal from a reachable host opened the breaker: %s", st)
	}
}

// A trigger that exits non-zero while the breaker is half-open must still
// settle the breaker, otherwise every later call is refused.
func TestSubmit_HalfOpenTriggerFailureSettlesBreaker(t *testing.T) {
	t.Parallel()
	f := newFakeIngress(t)
	f.setSubmit(func(string) reply { return reply{out: "sbatch: error: invalid partition\n", code: 1} })
	cfg := f.config(t)
	cfg.BreakerThreshold = 1
	cfg.BreakerCooldown = 50 * time.Millisecond
	d := f.dispatcher(t, cfg)

	d.Breaker().RecordFailure()
	time.Sleep(80 * time.Millisecond)

	if _, err := d.Submit(context.Background(), buildScript(t, "abc-123")); !errors.Is(err, apperrors.ErrTrigger) {
		t.Fatalf("expected trigger error, got %v", err)
	}
	if st := d.Breaker().State(); st != circuitbreaker.Closed {
		t.Fatalf("breaker state after half-open call = %s, want closed", st)
	}

	if _, err := d.Status(context.Background(), "4821"); err != nil {
		t.Errorf("status after half-open call: %v", err)
	}
	f.setSubmit(func(string) reply { return reply{out: "Submitted batch job 4822\n"} })
	if h, err := d.Submit(context.Background(), buildScript(t, "abc-124")); err != nil || h != "4822" {
		t.Errorf("submit after half-open call = %q, %v", h, err)
	}
}

func TestSubmit_CancelledContext(t *testing.T) {
	t.Parallel()
	f := newFakeIngress(t)
	release := make(chan struct{})
	f.setSubmit(func(string) reply {
		<-release
		return reply{out: "Submitted batch job 1\n"}
	})
	t.Cleanup(func() { close(release) })
	cfg := f.config(t)
	d := f.dispatcher(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := d.Submit(ctx, buildScript(t, "slow"))
	if !errors.Is(err, apperrors.ErrTrigger) {
		t.Fatalf("expected trigger error, got %v", err)
	}
	assertEmptyDir(t, cfg.LocalTempDir)
}

func TestSubmit_SerializedPerJob(t *testing.T) {
	t.Parallel()
	f := newFakeIngress(t)
	release := make(chan struct{})
	f.setSubmit(func(string) reply {
		<-release
		return reply{out: "Submitted batch job 900\n"}
	})
	d := f.dispatcher(t, f.config(t))
	s := buildScript(t, "dup")

	const callers = 4
	handles := make([]Handle, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		handles[0], errs[0] = d.Submit(context.Background(), s)
	}()
	testutil.MustWaitFor(t, func() bool { return f.triggers.Load() == 1 }, testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = d.Submit(context.Background(), s)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if handles[i] != "900" {
			t.Errorf("caller %d got handle %q", i, handles[i])
		}
	}
	if n := f.triggers.Load(); n != 1 {
		t.Errorf("expected one trigger, got %d", n)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	f := newFakeIngress(t)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing address", func(c *Config) { c.Addr = "" }},
		{"missing known hosts", func(c *Config) { c.KnownHostsFile = "" }},
		{"missing submit key", func(c *Config) { c.Submit.KeyFile = filepath.Join(t.TempDir(), "nope") }},
		{"unset fetch key", func(c *Config) { c.Fetch = Credentials{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := f.config(t)
			tt.mutate(&cfg)
			if _, err := New(cfg, nil); !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}
