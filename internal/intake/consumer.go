package intake

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
	"hpcorchestrator/internal/script"
	"hpcorchestrator/internal/telemetry"
	"hpcorchestrator/pkg/backoff"
	"log/slog"
	"sync"
	"time"
)

// Builder renders dispatch scripts.
type Builder interface {
	Build(jobID, input, output string) (*script.DispatchScript, error)
}

// Submitter hands a script to the batch cluster.
type Submitter interface {
	Submit(ctx context.Context, s *script.DispatchScript) (cluster.Handle, error)
}

// Config wires the consumer.
type Config struct {
	Queue     Queue
	Ledger    ledger.Ledger
	Builder   Builder
	Submitter Submitter
	// Presigner fills missing transfer descriptors from the storage key.
	// Optional.
	Presigner blob.Presigner
	Telemetry telemetry.Recorder
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Options   Options
}

// Outcome is what happened to one delivery.
type Outcome string

const (
	OutcomeSubmitted Outcome = "submitted" // dispatched and recorded, acked
	OutcomeKnown     Outcome = "known"     // job already in the ledger, acked
	OutcomeFailed    Outcome = "failed"    // recorded as failed on the last delivery, acked
	OutcomePoison    Outcome = "poison"    // invalid message, acked without a job
	OutcomeRetry     Outcome = "retry"     // left for redelivery
)

const settleTimeout = 10 * time.Second

// Consumer pulls intake messages and turns each into one ledger entry.
type Consumer struct {
	cfg    Config
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	// dispatchBackoff spaces Submit attempts within one delivery.
	dispatchBackoff *backoff.Config
}

// NewConsumer validates cfg and returns a consumer.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Queue == nil || cfg.Ledger == nil || cfg.Builder == nil || cfg.Submitter == nil {
		return nil, errors.New("intake: queue, ledger, builder and submitter are required")
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Nop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:             cfg,
		opts:            cfg.Options.withDefaults(),
		logger:          logger.With("component", "intake"),
		now:             time.Now,
		dispatchBackoff: &backoff.Config{Initial: time.Second, Max: 10 * time.Second, Jitter: 0.2},
	}, nil
}

// Run pulls and processes messages with the configured number of workers
// until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range c.opts.Workers {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.worker(ctx, worker)
		}(i)
	}
	c.logger.Info("Intake consumer started", "workers", c.opts.Workers, "batchSize", c.opts.BatchSize)
	wg.Wait()
	c.logger.Info("Intake consumer stopped")
}

func (c *Consumer) worker(ctx context.Context, worker int) {
	for ctx.Err() == nil {
		n, err := c.PollOnce(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("Queue pull failed", "worker", worker, "error", err)
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(c.opts.PollInterval):
		}
	}
}

// PollOnce pulls one batch and processes it. It returns the number of
// deliveries handled.
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	deliveries, err := c.cfg.Queue.Pull(ctx, c.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, d := range deliveries {
		c.Handle(ctx, d)
	}
	return len(deliveries), nil
}

// Handle processes a single delivery and settles it with the queue.
func (c *Consumer) Handle(ctx context.Context, d Delivery) Outcome {
	outcome, delay, err := c.process(ctx, d)

	// Settle even when ctx was cancelled mid-flight.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	logger := c.logger.With("messageId", d.ID, "attempt", d.Attempts)
	if outcome == OutcomeRetry {
		logger.Warn("Intake message will be redelivered", "delay", delay, "error", err)
		if rerr := c.cfg.Queue.Retry(settleCtx, d, delay); rerr != nil {
			logger.Warn("Queue retry failed, waiting for lease expiry", "error", rerr)
		}
	} else {
		if outcome == OutcomePoison {
			logger.Error("Dropping invalid intake message", "error", err)
		}
		if aerr := c.cfg.Queue.Ack(settleCtx, d); aerr != nil {
			logger.Warn("Queue ack failed, message will be redelivered", "error", aerr)
		}
	}
	c.cfg.Metrics.RecordIntake(ctx, string(outcome))
	return outcome
}

func (c *Consumer) process(ctx context.Context, d Delivery) (Outcome, time.Duration, error) {
	msg, err := Decode(d.Body)
	if err != nil {
		return OutcomePoison, 0, err
	}
	jobID := msg.ResolveJobID(d.ID)
	logger := c.logger.With("jobId", jobID, "messageId", d.ID)

	existing, err := c.cfg.Ledger.Get(ctx, jobID)
	switch {
	case err == nil:
		logger.Info("Job already recorded, acknowledging redelivery", "state", existing.State)
		return OutcomeKnown, 0, nil
	case !errors.Is(err, apperrors.ErrNotFound):
		return OutcomeRetry, c.retryDelay(d), err
	}

	input, output, err := c.descriptors(ctx, jobID, msg)
	if err != nil {
		return OutcomeRetry, c.retryDelay(d), err
	}

	dispatch, err := c.cfg.Builder.Build(jobID, input, output)
	if err != nil {
		if errors.Is(err, apperrors.ErrValidation) {
			return OutcomePoison, 0, err
		}
		return OutcomeRetry, c.retryDelay(d), err
	}

	handle, err := c.submit(ctx, dispatch)
	if err != nil {
		if d.Attempts < c.opts.MaxDeliveries {
			return OutcomeRetry, c.retryDelay(d), err
		}
		return c.recordFailed(ctx, d, jobID, msg, err)
	}

	now := c.now()
	err = c.cfg.Ledger.Create(ctx, job.Job{
		ID:              jobID,
		StorageInputKey: msg.StorageKey(),
		RemoteBatchID:   string(handle),
		State:           job.StateSubmitted,
		OwnerID:         msg.OwnerID,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	switch {
	case err == nil:
		logger.Info("Job submitted", "remoteBatchId", handle)
		return OutcomeSubmitted, 0, nil
	case errors.Is(err, apperrors.ErrDuplicate):
		logger.Info("Job recorded concurrently", "remoteBatchId", handle)
		return OutcomeKnown, 0, nil
	default:
		logger.Error("Job dispatched but not recorded", "remoteBatchId", handle, "error", err)
		return OutcomeRetry, c.retryDelay(d), err
	}
}

// descriptors returns the transfer descriptors, presigning them from the
// storage key when the message carries none.
func (c *Consumer) descriptors(ctx context.Context, jobID string, msg Message) (string, string, error) {
	input, output := msg.InputTransferDescriptor, msg.OutputTransferDescriptor
	key := msg.StorageKey()
	if c.cfg.Presigner == nil || key == "" {
		return input, output, nil
	}
	var err error
	if input == "" {
		if input, err = c.cfg.Presigner.PresignGet(ctx, key, c.opts.PresignTTL); err != nil {
			return "", "", err
		}
	}
	if output == "" {
		if output, err = c.cfg.Presigner.PresignPut(ctx, blob.OutputKey(jobID), c.opts.PresignTTL); err != nil {
			return "", "", err
		}
	}
	return input, output, nil
}

// submit dispatches with bounded retries for transfer, trigger and
// transient failures. Parse failures are not retried here: the trigger ran.
func (c *Consumer) submit(ctx context.Context, s *script.DispatchScript) (cluster.Handle, error) {
	var handle cluster.Handle
	err := backoff.Retry(ctx, c.opts.DispatchAttempts, c.dispatchBackoff, apperrors.IsRetryable, func(ctx context.Context) error {
		start := time.Now()
		h, err := c.cfg.Submitter.Submit(ctx, s)
		elapsed := time.Since(start)

		step := string(apperrors.StepOf(err))
		if err != nil && step == "" {
			step = "unavailable"
		}
		c.cfg.Metrics.RecordDispatch(ctx, step, elapsed.Seconds())
		c.push(telemetry.Submission(err == nil, elapsed))
		if err != nil {
			c.push(telemetry.SubmissionFailure(step))
			c.logger.Warn("Dispatch attempt failed", "jobId", s.JobID, "step", step, "error", err)
			return err
		}
		handle = h
		return nil
	})
	return handle, err
}

func (c *Consumer) recordFailed(ctx context.Context, d Delivery, jobID string, msg Message, cause error) (Outcome, time.Duration, error) {
	now := c.now()
	err := c.cfg.Ledger.Create(ctx, job.Job{
		ID:              jobID,
		StorageInputKey: msg.StorageKey(),
		State:           job.StateFailed,
		OwnerID:         msg.OwnerID,
		FailureReason:   fmt.Sprintf("dispatch: %v", cause),
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil && !errors.Is(err, apperrors.ErrDuplicate) {
		return OutcomeRetry, c.retryDelay(d), err
	}
	c.logger.Error("Dispatch failed on final delivery, job recorded as failed",
		"jobId", jobID, "messageId", d.ID, "attempts", d.Attempts, "error", cause)
	c.push(telemetry.JobFinished(job.StateFailed.String(), 0))
	return OutcomeFailed, 0, nil
}

func (c *Consumer) retryDelay(d Delivery) time.Duration {
	return backoff.Exponential(d.Attempts, &backoff.Config{Initial: c.opts.RetryDelay, Max: 10 * c.opts.RetryDelay, Jitter: 0.2})
}

func (c *Consumer) push(metrics map[string]float64) {
	if err := c.cfg.Telemetry.Push(metrics); err != nil {
		c.logger.Debug("Telemetry event dropped", "error", err)
	}
}
