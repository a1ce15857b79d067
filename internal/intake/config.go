package intake

import (
	"context"
	"hpcorchestrator/internal/apperrors"
	"hpcorchestrator/internal/config"
	"time"
)

// Options tunes the consumer.
type Options struct {
	Workers          int           // default: 2
	BatchSize        int           // messages per pull (default: 10)
	PollInterval     time.Duration // idle wait between empty pulls (default: 1s)
	DispatchAttempts int           // Submit calls per delivery (default: 3)
	MaxDeliveries    int           // deliveries before a message is recorded as failed (default: 4)
	RetryDelay       time.Duration // base redelivery delay (default: 30s)
	PresignTTL       time.Duration // lifetime of presigned descriptors (default: 2h)
}

// QueueConfig selects the queue backend.
type QueueConfig struct {
	Backend           string // "memory" or "cloudflare" (default: memory)
	VisibilityTimeout time.Duration
	Cloudflare        CloudflareConfig
}

// LoadOptionsFromEnv loads consumer options from environment variables.
func LoadOptionsFromEnv() Options {
	return Options{
		Workers:          config.GetIntEnv("INTAKE_WORKERS", 2),
		BatchSize:        config.GetIntEnv("INTAKE_BATCH_SIZE", 10),
		PollInterval:     config.GetDurationEnv("INTAKE_POLL_INTERVAL", time.Second),
		DispatchAttempts: config.GetIntEnv("INTAKE_DISPATCH_ATTEMPTS", 3),
		MaxDeliveries:    config.GetIntEnv("INTAKE_MAX_DELIVERIES", 4),
		RetryDelay:       config.GetDurationEnv("INTAKE_RETRY_DELAY", 30*time.Second),
		PresignTTL:       config.GetDurationEnv("INTAKE_PRESIGN_TTL", 2*time.Hour),
	}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.DispatchAttempts <= 0 {
		o.DispatchAttempts = 3
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 4
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 30 * time.Second
	}
	if o.PresignTTL <= 0 {
		o.PresignTTL = 2 * time.Hour
	}
	return o
}

// LoadQueueConfigFromEnv loads the queue backend from environment variables.
func LoadQueueConfigFromEnv() QueueConfig {
	token := config.GetSecret("QUEUE_API_TOKEN")
	visibility := config.GetDurationEnv("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute)
	return QueueConfig{
		Backend:           config.GetEnv("QUEUE_BACKEND", "memory"),
		VisibilityTimeout: visibility,
		Cloudflare: CloudflareConfig{
			BaseURL:           config.GetEnv("QUEUE_API_URL", defaultCloudflareAPI),
			AccountID:         config.GetEnv("QUEUE_ACCOUNT_ID", ""),
			QueueID:           config.GetEnv("QUEUE_ID", ""),
			Token:             token,
			VisibilityTimeout: visibility,
			HTTPTimeout:       config.GetDurationEnv("QUEUE_HTTP_TIMEOUT", 30*time.Second),
		},
	}
}

// OpenQueue builds the configured backend.
func OpenQueue(ctx context.Context, cfg QueueConfig) (Queue, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryQueue(cfg.VisibilityTimeout), nil
	case "cloudflare":
		return NewCloudflareQueue(cfg.Cloudflare, nil)
	default:
		return nil, apperrors.Validation("queueBackend", "queue backend must be memory or cloudflare")
	}
}
