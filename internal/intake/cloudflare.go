package intake

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hpcorchestrator/internal/apperrors"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultCloudflareAPI = "https://api.cloudflare.com/client/v4"

// CloudflareConfig configures the HTTP pull consumer.
type CloudflareConfig struct {
	BaseURL           string // default: https://api.cloudflare.com/client/v4
	AccountID         string
	QueueID           string
	Token             string
	VisibilityTimeout time.Duration // default: 5m
	HTTPTimeout       time.Duration // default: 30s
}

// CloudflareQueue consumes a Cloudflare Queue through the HTTP pull API.
type CloudflareQueue struct {
	cfg    CloudflareConfig
	client *http.Client
}

// NewCloudflareQueue validates cfg and returns a consumer. A nil client gets
// one with cfg.HTTPTimeout.
func NewCloudflareQueue(cfg CloudflareConfig, client *http.Client) (*CloudflareQueue, error) {
	if cfg.AccountID == "" || cfg.QueueID == "" {
		return nil, apperrors.Validation("queueId", "cloudflare account and queue id are required")
	}
	if cfg.Token == "" {
		return nil, apperrors.Validation("queueToken", "cloudflare API token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCloudflareAPI
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	return &CloudflareQueue{cfg: cfg, client: client}, nil
}

type cfEnvelope struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result json.RawMessage `json:"result"`
}

type cfMessage struct {
	ID       string          `json:"id"`
	Body     json.RawMessage `json:"body"`
	Attempts int             `json:"attempts"`
	LeaseID  string          `json:"lease_id"`
	Metadata struct {
		ContentType string `json:"CF-Content-Type"`
	} `json:"metadata"`
}

type cfLease struct {
	LeaseID      string `json:"lease_id"`
	DelaySeconds int    `json:"delay_seconds,omitempty"`
}

// Pull leases up to max messages.
func (q *CloudflareQueue) Pull(ctx context.Context, max int) ([]Delivery, error) {
	req := map[string]int{
		"batch_size":            max,
		"visibility_timeout_ms": int(q.cfg.VisibilityTimeout.Milliseconds()),
	}
	var result struct {
		Messages []cfMessage `json:"messages"`
	}
	if err := q.call(ctx, "pull", req, &result); err != nil {
		return nil, err
	}

	out := make([]Delivery, 0, len(result.Messages))
	for _, m := range result.Messages {
		out = append(out, Delivery{
			ID:       m.ID,
			LeaseID:  m.LeaseID,
			Attempts: m.Attempts,
			Body:     messageBody(m),
		})
	}
	return out, nil
}

// Ack acknowledges d.
func (q *CloudflareQueue) Ack(ctx context.Context, d Delivery) error {
	body := map[string][]cfLease{"acks": {{LeaseID: d.LeaseID}}}
	return q.call(ctx, "ack", body, nil)
}

// Retry returns d to the queue after delay.
func (q *CloudflareQueue) Retry(ctx context.Context, d Delivery, delay time.Duration) error {
	body := map[string][]cfLease{"retries": {{LeaseID: d.LeaseID, DelaySeconds: int(delay.Seconds())}}}
	return q.call(ctx, "ack", body, nil)
}

func (q *CloudflareQueue) call(ctx context.Context, action string, in, out any) error {
	op := "queue." + action
	payload, err := json.Marshal(in)
	if err != nil {
		return apperrors.Internal(op, err)
	}
	endpoint := fmt.Sprintf("%s/accounts/%s/queues/%s/messages/%s", q.cfg.BaseURL, q.cfg.AccountID, q.cfg.QueueID, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return apperrors.Internal(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+q.cfg.Token)

	resp, err := q.client.Do(req)
	if err != nil {
		return apperrors.Transient(op, "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return apperrors.Transient(op, "", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return apperrors.Transient(op, "", fmt.Errorf("status %d", resp.StatusCode))
	}

	var env cfEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return apperrors.Internal(op, fmt.Errorf("status %d: %w", resp.StatusCode, err))
	}
	if resp.StatusCode >= 300 || !env.Success {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if len(env.Errors) > 0 {
			msg = fmt.Sprintf("%s: %d %s", msg, env.Errors[0].Code, env.Errors[0].Message)
		}
		return apperrors.Internal(op, fmt.Errorf("%s", msg))
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return apperrors.Internal(op, err)
		}
	}
	return nil
}

// messageBody unwraps the body encodings the pull API uses: JSON messages
// arrive as objects, text as a JSON string, bytes as base64 in a string.
func messageBody(m cfMessage) []byte {
	raw := bytes.TrimSpace(m.Body)
	if len(raw) == 0 || raw[0] != '"' {
		return raw
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return raw
	}
	if m.Metadata.ContentType == "bytes" {
		if b, err := base64.StdEncoding.DecodeString(s); err == nil {
			return b
		}
	}
	return []byte(s)
}

var _ Queue = (*CloudflareQueue)(nil)
