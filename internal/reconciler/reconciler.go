// Package reconciler polls the batch cluster for every open job and moves
// the ledger forward to match what the scheduler reports.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"hpcorchestrator/internal/apperrors"
	"hpcorchestrator/internal/cluster"
	"hpcorchestrator/internal/config"
	"hpcorchestrator/internal/job"
	"hpcorchestrator/internal/ledger"
	"hpcorchestrator/internal/observability"
	"hpcorchestrator/internal/telemetry"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// StatusChecker queries the scheduler.
type StatusChecker interface {
	Status(ctx context.Context, h cluster.Handle) (cluster.Status, error)
}

// Collector stages results of completed jobs.
type Collector interface {
	Collect(ctx context.Context, jobID string) (string, error)
}

// Options tunes the polling loop.
type Options struct {
	Interval       time.Duration // default: 30s
	Parallelism    int           // concurrent polls (default: 8)
	PollTimeout    time.Duration // per status query (default: 20s)
	MaxMissedPolls int           // unresolved polls before a job is lost (default: 5)
}

// LoadOptionsFromEnv loads reconciler options from environment variables.
func LoadOptionsFromEnv() Options {
	return Options{
		Interval:       config.GetDurationEnv("RECONCILE_INTERVAL", 30*time.Second),
		Parallelism:    config.GetIntEnv("RECONCILE_PARALLELISM", 8),
		PollTimeout:    config.GetDurationEnv("RECONCILE_POLL_TIMEOUT", 20*time.Second),
		MaxMissedPolls: config.GetIntEnv("RECONCILE_MAX_MISSED_POLLS", 5),
	}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 8
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 20 * time.Second
	}
	if o.MaxMissedPolls <= 0 {
		o.MaxMissedPolls = 5
	}
	return o
}

// Config wires the reconciler.
type Config struct {
	Ledger    ledger.Ledger
	Status    StatusChecker
	Collector Collector
	Telemetry telemetry.Recorder
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Options   Options
}

// Report summarizes one round.
type Report struct {
	Open        int // jobs polled
	Transitions int // state changes written
	Lost        int // jobs failed for staying unresolved
	Skipped     int // polls skipped while the cluster breaker was open
	Collected   int // jobs whose results were staged
}

// Reconciler drives open jobs towards a terminal state.
type Reconciler struct {
	cfg    Config
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New validates cfg and returns a reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Ledger == nil || cfg.Status == nil || cfg.Collector == nil {
		return nil, errors.New("reconciler: ledger, status checker and collector are required")
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Nop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		cfg:    cfg,
		opts:   cfg.Options.withDefaults(),
		logger: logger.With("component", "reconciler"),
		now:    time.Now,
	}, nil
}

// Run reconciles immediately and then every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("Reconciler started", "interval", r.opts.Interval, "parallelism", r.opts.Parallelism)
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.ReconcileOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("Reconcile round failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return
		case <-ticker.C:
		}
	}
}

// ReconcileOnce polls every open job once, then collects results of any
// completed job still missing them.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	open, err := r.cfg.Ledger.ListByState(ctx, job.StateSubmitted, job.StateRunning)
	if err != nil {
		return Report{}, fmt.Errorf("list open jobs: %w", err)
	}

	var transitions, lost, skipped atomic.Int64
	var g errgroup.Group
	g.SetLimit(r.opts.Parallelism)
	for _, j := range open {
		g.Go(func() error {
			switch r.poll(ctx, j) {
			case pollTransitioned:
				transitions.Add(1)
			case pollLost:
				transitions.Add(1)
				lost.Add(1)
			case pollSkipped:
				skipped.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	collected, err := r.sweep(ctx)
	report := Report{
		Open:        len(open),
		Transitions: int(transitions.Load()),
		Lost:        int(lost.Load()),
		Skipped:     int(skipped.Load()),
		Collected:   collected,
	}
	r.cfg.Metrics.RecordReconcileRound(ctx, len(open), time.Since(start).Seconds())
	if report.Transitions > 0 || report.Collected > 0 {
		r.logger.Info("Reconcile round finished", "open", report.Open, "transitions", report.Transitions,
			"lost", report.Lost, "skipped", report.Skipped, "collected", report.Collected)
	}
	return report, err
}

// sweep stages results of completed jobs lacking a location, including
// the ones this round just completed.
func (r *Reconciler) sweep(ctx context.Context) (int, error) {
	completed, err := r.cfg.Ledger.ListByState(ctx, job.StateCompleted)
	if err != nil {
		return 0, fmt.Errorf("list completed jobs: %w", err)
	}

	var collected atomic.Int64
	var g errgroup.Group
	g.SetLimit(r.opts.Parallelism)
	for _, j := range completed {
		if !j.PendingCollection() {
			continue
		}
		g.Go(func() error {
			if _, err := r.cfg.Collector.Collect(ctx, j.ID); err != nil {
				r.logger.Warn("Result collection deferred", "jobId", j.ID, "error", err)
				return nil
			}
			collected.Add(1)
			return nil
		})
	}
	g.Wait()
	return int(collected.Load()), nil
}

type pollResult int

const (
	pollUnchanged pollResult = iota
	pollTransitioned
	pollLost
	pollSkipped
)

func (r *Reconciler) poll(ctx context.Context, j job.Job) pollResult {
	logger := r.logger.With("jobId", j.ID, "remoteBatchId", j.RemoteBatchID)

	pctx, cancel := context.WithTimeout(ctx, r.opts.PollTimeout)
	start := time.Now()
	st, err := r.cfg.Status.Status(pctx, cluster.Handle(j.RemoteBatchID))
	cancel()
	r.push(telemetry.StatusCheck(time.Since(start)))

	if err != nil {
		if ctx.Err() != nil {
			return pollUnchanged
		}
		if errors.Is(err, cluster.ErrCircuitOpen) {
			return pollSkipped
		}
		logger.Warn("Status query unresolved", "error", err)
		return r.miss(ctx, j, logger)
	}
	r.cfg.Metrics.RecordStatusPoll(ctx, string(st.State))

	switch st.State {
	case cluster.RemotePending:
		r.resetMisses(ctx, j, logger)
		return pollUnchanged
	case cluster.RemoteRunning:
		if j.State == job.StateRunning {
			r.resetMisses(ctx, j, logger)
			return pollUnchanged
		}
		return r.transition(ctx, j, job.StateRunning, "", logger)
	case cluster.RemoteCompleted:
		return r.transition(ctx, j, job.StateCompleted, "", logger)
	case cluster.RemoteFailed:
		return r.transition(ctx, j, job.StateFailed, "remote: "+st.Raw, logger)
	default:
		return r.miss(ctx, j, logger)
	}
}

func (r *Reconciler) transition(ctx context.Context, j job.Job, to job.State, reason string, logger *slog.Logger) pollResult {
	p := job.StatePatch(j.State, to)
	p.MissedPolls = job.Ptr(0)
	if reason != "" {
		p.FailureReason = &reason
	}
	if !r.update(ctx, j, p, logger) {
		return pollUnchanged
	}
	logger.Info("Job state changed", "from", j.State, "to", to)
	r.cfg.Metrics.RecordTransition(ctx, to.String())
	if to.Terminal() {
		r.push(telemetry.JobFinished(to.String(), r.now().Sub(j.CreatedAt)))
	}
	return pollTransitioned
}

// miss counts an unresolved poll and fails the job once it has gone
// unresolved MaxMissedPolls times in a row. The count is written against the
// listed version; a poll that loses that race is not counted.
func (r *Reconciler) miss(ctx context.Context, j job.Job, logger *slog.Logger) pollResult {
	misses := j.MissedPolls + 1
	if misses < r.opts.MaxMissedPolls {
		r.update(ctx, j, job.Patch{ExpectState: job.Ptr(j.State), ExpectVersion: job.Ptr(j.Version), MissedPolls: &misses}, logger)
		return pollUnchanged
	}

	reason := apperrors.LostJob(j.ID, j.RemoteBatchID, misses).Error()
	p := job.StatePatch(j.State, job.StateFailed)
	p.ExpectVersion = job.Ptr(j.Version)
	p.MissedPolls = &misses
	p.FailureReason = job.Ptr("lost: " + reason)
	if !r.update(ctx, j, p, logger) {
		return pollUnchanged
	}
	logger.Error("Job lost", "missedPolls", misses)
	r.cfg.Metrics.RecordTransition(ctx, job.StateFailed.String())
	r.push(telemetry.JobFinished(job.StateFailed.String(), r.now().Sub(j.CreatedAt)))
	return pollLost
}

func (r *Reconciler) resetMisses(ctx context.Context, j job.Job, logger *slog.Logger) {
	if j.MissedPolls == 0 {
		return
	}
	r.update(ctx, j, job.Patch{ExpectState: job.Ptr(j.State), ExpectVersion: job.Ptr(j.Version), MissedPolls: job.Ptr(0)}, logger)
}

// update applies p and reports whether it was written. Conflicts mean
// another writer moved the job first and are not errors.
func (r *Reconciler) update(ctx context.Context, j job.Job, p job.Patch, logger *slog.Logger) bool {
	if _, err := r.cfg.Ledger.Update(ctx, j.ID, p); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			logger.Debug("Job changed concurrently", "error", err)
		} else {
			logger.Error("Ledger update failed", "error", err)
		}
		return false
	}
	return true
}

func (r *Reconciler) push(metrics map[string]float64) {
	if err := r.cfg.Telemetry.Push(metrics); err != nil {
		r.logger.Debug("Telemetry event dropped", "error", err)
	}
}
