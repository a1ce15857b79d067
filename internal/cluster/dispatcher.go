// Package cluster talks to the batch cluster's ingress host over SSH.
//
// Every login on that host is bound to a forced command, so the client never
// chooses what runs remotely. The submit key may only store, trigger and
// remove a dispatch script in the script directory; the status key sends a
// batch handle; the fetch key gets a read-only sftp-server.
package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hpcorchestrator/internal/apperrors"
	"hpcorchestrator/internal/script"
	"hpcorchestrator/pkg/circuitbreaker"
	"log/slog"
	"os"
	"path"
	"regexp"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"
)

// Handle is the scheduler's opaque batch job identifier.
type Handle string

var submittedLine = regexp.MustCompile(`Submitted batch job (\d+)`)

// Dispatcher submits scripts, queries batch state and fetches scratch output.
type Dispatcher struct {
	cfg      Config
	submit   *ssh.ClientConfig
	status   *ssh.ClientConfig
	fetch    *ssh.ClientConfig
	breakers *circuitbreaker.Registry
	inflight singleflight.Group
	logger   *slog.Logger
}

// New loads keys and host keys and returns a ready Dispatcher. No connection
// is made until the first call.
func New(cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		return nil, apperrors.Validation("clusterAddr", "cluster address is required")
	}
	hostKeys, err := hostKeyCallback(cfg.KnownHostsFile)
	if err != nil {
		return nil, apperrors.Validation("knownHostsFile", err.Error())
	}

	d := &Dispatcher{
		cfg: cfg,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		logger: logger.With("component", "cluster"),
	}
	if d.submit, err = clientConfig(cfg.Submit, hostKeys, cfg.DialTimeout); err != nil {
		return nil, apperrors.Validation("submitKeyFile", err.Error())
	}
	if d.status, err = clientConfig(cfg.Status, hostKeys, cfg.DialTimeout); err != nil {
		return nil, apperrors.Validation("statusKeyFile", err.Error())
	}
	if d.fetch, err = clientConfig(cfg.Fetch, hostKeys, cfg.DialTimeout); err != nil {
		return nil, apperrors.Validation("fetchKeyFile", err.Error())
	}
	return d, nil
}

// Breaker returns the breaker guarding the ingress host.
func (d *Dispatcher) Breaker() *circuitbreaker.Breaker {
	return d.breakers.Get(d.cfg.Addr)
}

// Submit transfers s, triggers it through the forced command and returns the
// scheduler's handle. Concurrent calls for the same job share one attempt.
// Submit never retries; callers decide.
func (d *Dispatcher) Submit(ctx context.Context, s *script.DispatchScript) (Handle, error) {
	v, err, shared := d.inflight.Do(s.JobID, func() (any, error) {
		return d.submitOnce(ctx, s)
	})
	if shared {
		d.logger.Debug("joined in-flight submission", "jobId", s.JobID)
	}
	if err != nil {
		return "", err
	}
	return v.(Handle), nil
}

func (d *Dispatcher) submitOnce(ctx context.Context, s *script.DispatchScript) (Handle, error) {
	local, err := writeLocal(d.cfg.LocalTempDir, s)
	if err != nil {
		return "", apperrors.Dispatch(apperrors.StepTransfer, s.JobID, err)
	}
	defer os.Remove(local)

	remote := path.Join(d.cfg.RemoteScriptDir, s.Name)
	step := apperrors.StepTransfer
	var out []byte
	err = d.Breaker().Do(func() error {
		client, err := dial(ctx, d.cfg.Addr, d.submit)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := d.store(ctx, client, local, remote); err != nil {
			return err
		}
		defer d.removeRemote(ctx, client, remote, s.JobID)

		step = apperrors.StepTrigger
		out, err = d.trigger(ctx, client, remote)
		return err
	}, hostFault)
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "", apperrors.Transient("dispatch", s.JobID, ErrCircuitOpen)
	case err != nil && step == apperrors.StepTrigger:
		return "", apperrors.Dispatch(step, s.JobID, fmt.Errorf("%w: %s", err, snippet(out)))
	case err != nil:
		return "", apperrors.Dispatch(step, s.JobID, err)
	}

	m := submittedLine.FindSubmatch(out)
	if m == nil {
		return "", apperrors.Dispatch(apperrors.StepParse, s.JobID, fmt.Errorf("no batch id in output: %s", snippet(out)))
	}
	handle := Handle(m[1])
	d.logger.Info("job submitted", "jobId", s.JobID, "remoteBatchId", handle)
	return handle, nil
}

// store streams the local script to the gate's store verb, which writes it
// into the script directory and renames it into place.
func (d *Dispatcher) store(ctx context.Context, client *ssh.Client, local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return err
	}
	defer src.Close()

	var stderr bytes.Buffer
	err = runWithTimeout(ctx, d.cfg.TransferTimeout, client, func() error {
		session, err := client.NewSession()
		if err != nil {
			return err
		}
		defer session.Close()
		session.Stdin = src
		session.Stderr = &stderr
		return session.Run("store " + remote)
	})
	if err != nil {
		return fmt.Errorf("store %s: %w: %s", remote, err, snippet(stderr.Bytes()))
	}
	return nil
}

// trigger opens one session whose command is the bare script path and
// returns its combined output.
func (d *Dispatcher) trigger(ctx context.Context, client *ssh.Client, remote string) ([]byte, error) {
	var out bytes.Buffer
	err := runWithTimeout(ctx, d.cfg.TriggerTimeout, client, func() error {
		session, err := client.NewSession()
		if err != nil {
			return err
		}
		defer session.Close()
		session.Stdout = &out
		session.Stderr = &out
		return session.Run(remote)
	})
	return out.Bytes(), err
}

// removeRemote deletes the uploaded script. Failures are only logged; the
// gate overwrites the same name on the next attempt.
func (d *Dispatcher) removeRemote(ctx context.Context, client *ssh.Client, remote, jobID string) {
	err := runWithTimeout(context.WithoutCancel(ctx), d.cfg.TransferTimeout, client, func() error {
		session, err := client.NewSession()
		if err != nil {
			return err
		}
		defer session.Close()
		return session.Run("remove " + remote)
	})
	if err != nil {
		d.logger.Warn("remote script cleanup failed", "jobId", jobID, "path", remote, "error", err)
	}
}

func writeLocal(dir string, s *script.DispatchScript) (string, error) {
	f, err := os.CreateTemp(dir, "dispatch-*.sh")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err := f.Write(s.Body); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	if err := os.Chmod(name, s.Mode); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	if s == "" {
		return "(no output)"
	}
	return s
}
