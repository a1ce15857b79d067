// Package collector moves a completed job's results from cluster scratch
// storage into the blob store and records where they went.
package collector

import (
	"context"
	"errors"
	"fmt"
	"hpcorchestrator/internal/apperrors"
	"hpcorchestrator/internal/blob"
	"hpcorchestrator/internal/cluster"
	"hpcorchestrator/internal/job"
	"hpcorchestrator/internal/ledger"
	"hpcorchestrator/internal/observability"
	"hpcorchestrator/internal/telemetry"
	"hpcorchestrator/pkg/backoff"
	"log/slog"
	"mime"
	"path"
	"time"

	"golang.org/x/sync/singleflight"
)

// Fetcher reads a job's scratch directory.
type Fetcher interface {
	Fetch(ctx context.Context, jobID string) ([]cluster.Artifact, error)
}

// Config wires the collector.
type Config struct {
	Ledger      ledger.Ledger
	Fetcher     Fetcher
	Store       blob.Store
	Telemetry   telemetry.Recorder
	Metrics     *observability.Metrics
	Logger      *slog.Logger
	PutAttempts int             // per artifact (default: 3)
	PutBackoff  *backoff.Config // default: 500ms doubling to 5s
}

// Collector stages results. Collect is idempotent per job.
type Collector struct {
	cfg      Config
	logger   *slog.Logger
	inflight singleflight.Group
}

// New validates cfg and returns a collector.
func New(cfg Config) (*Collector, error) {
	if cfg.Ledger == nil || cfg.Fetcher == nil || cfg.Store == nil {
		return nil, errors.New("collector: ledger, fetcher and store are required")
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Nop{}
	}
	if cfg.PutAttempts <= 0 {
		cfg.PutAttempts = 3
	}
	if cfg.PutBackoff == nil {
		cfg.PutBackoff = &backoff.Config{Initial: 500 * time.Millisecond, Max: 5 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{cfg: cfg, logger: logger.With("component", "collector")}, nil
}

// Collect stages the results of a completed job and returns their location.
// A job that already has a location is left alone; a job that is not
// completed is a conflict.
func (c *Collector) Collect(ctx context.Context, jobID string) (string, error) {
	v, err, _ := c.inflight.Do(jobID, func() (any, error) {
		return c.collect(ctx, jobID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Collector) collect(ctx context.Context, jobID string) (string, error) {
	j, err := c.cfg.Ledger.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if j.ResultsLocation != "" {
		return j.ResultsLocation, nil
	}
	if j.State != job.StateCompleted {
		return "", apperrors.Conflict("job", jobID, fmt.Sprintf("job %s is %s, results can only be collected from completed jobs", jobID, j.State))
	}

	start := time.Now()
	location, n, err := c.stage(ctx, j)
	c.cfg.Metrics.RecordCollect(ctx, n, err == nil, time.Since(start).Seconds())
	if err != nil {
		c.logger.Warn("Result collection failed", "jobId", jobID, "error", err)
		return "", err
	}

	if err := c.cfg.Telemetry.Push(telemetry.Collection(n, time.Since(start))); err != nil {
		c.logger.Debug("Telemetry event dropped", "error", err)
	}
	c.logger.Info("Results collected", "jobId", jobID, "artifacts", n, "location", location)
	return location, nil
}

func (c *Collector) stage(ctx context.Context, j *job.Job) (string, int, error) {
	artifacts, err := c.cfg.Fetcher.Fetch(ctx, j.ID)
	if err != nil {
		return "", 0, err
	}

	retryable := func(err error) bool { return errors.Is(err, apperrors.ErrTransient) }
	for _, a := range artifacts {
		key := blob.ResultKey(j.ID, a.Name)
		err := backoff.Retry(ctx, c.cfg.PutAttempts, c.cfg.PutBackoff, retryable, func(ctx context.Context) error {
			_, err := c.cfg.Store.Put(ctx, key, a.Data, contentType(a.Name))
			return err
		})
		if err != nil {
			return "", 0, fmt.Errorf("store %s: %w", key, err)
		}
	}

	location := c.cfg.Store.Locator(blob.ResultPrefix(j.ID))
	_, err = c.cfg.Ledger.Update(ctx, j.ID, job.Patch{
		ExpectState:     job.Ptr(job.StateCompleted),
		ResultsLocation: &location,
	})
	if errors.Is(err, apperrors.ErrConflict) {
		// Another collector finalized first; its location stands.
		current, gerr := c.cfg.Ledger.Get(ctx, j.ID)
		if gerr == nil && current.ResultsLocation != "" {
			return current.ResultsLocation, len(artifacts), nil
		}
	}
	if err != nil {
		return "", 0, err
	}
	return location, len(artifacts), nil
}

func contentType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
