package intake

import (
	"context"
	"encoding/json"
	"errors"
	"hpcorchestrator/internal/apperrors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type cfServer struct {
	mu       sync.Mutex
	requests []map[string]any
	paths    []string
	status   int
	pull     string
}

func newCFServer(t *testing.T) (*cfServer, *CloudflareQueue) {
	t.Helper()
	s := &cfServer{status: http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer cf-token" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"success":false,"errors":[{"code":10000,"message":"Authentication error"}]}`)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)

		s.mu.Lock()
		s.requests = append(s.requests, body)
		s.paths = append(s.paths, r.URL.Path)
		status, pull := s.status, s.pull
		s.mu.Unlock()

		w.WriteHeader(status)
		if status != http.StatusOK {
			io.WriteString(w, `{"success":false,"errors":[{"code":7000,"message":"boom"}]}`)
			return
		}
		if pull != "" && r.URL.Path[len(r.URL.Path)-4:] == "pull" {
			io.WriteString(w, `{"success":true,"errors":[],"result":{"messages":`+pull+`}}`)
			return
		}
		io.WriteString(w, `{"success":true,"errors":[],"result":{"ackCount":1,"retryCount":0,"warnings":[]}}`)
	}))
	t.Cleanup(srv.Close)

	q, err := NewCloudflareQueue(CloudflareConfig{
		BaseURL:           srv.URL + "/client/v4/",
		AccountID:         "acct",
		QueueID:           "q-1",
		Token:             "cf-token",
		VisibilityTimeout: time.Minute,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s, q
}

func TestCloudflareQueue_Pull(t *testing.T) {
	t.Parallel()
	s, q := newCFServer(t)
	s.pull = `[
		{"id":"m-1","body":{"jobId":"abc-123"},"attempts":1,"lease_id":"lease-1","metadata":{"CF-Content-Type":"json"}},
		{"id":"m-2","body":"{\"jobId\":\"def-456\"}","attempts":2,"lease_id":"lease-2","metadata":{"CF-Content-Type":"text"}},
		{"id":"m-3","body":"eyJqb2JJZCI6ImdoaSJ9","attempts":1,"lease_id":"lease-3","metadata":{"CF-Content-Type":"bytes"}}
	]`

	ds, err := q.Pull(context.Background(), 5)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if len(ds) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(ds))
	}

	wantIDs := []string{"abc-123", "def-456", "ghi"}
	for i, d := range ds {
		m, err := Decode(d.Body)
		if err != nil {
			t.Fatalf("delivery %d body %q: %v", i, d.Body, err)
		}
		if m.JobID != wantIDs[i] {
			t.Errorf("delivery %d jobId = %q, want %q", i, m.JobID, wantIDs[i])
		}
	}
	if ds[1].Attempts != 2 || ds[1].LeaseID != "lease-2" || ds[1].ID != "m-2" {
		t.Errorf("unexpected delivery %+v", ds[1])
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paths[0] != "/client/v4/accounts/acct/queues/q-1/messages/pull" {
		t.Errorf("path = %s", s.paths[0])
	}
	if s.requests[0]["batch_size"] != float64(5) || s.requests[0]["visibility_timeout_ms"] != float64(60000) {
		t.Errorf("pull request = %v", s.requests[0])
	}
}

func TestCloudflareQueue_AckAndRetry(t *testing.T) {
	t.Parallel()
	s, q := newCFServer(t)
	ctx := context.Background()
	d := Delivery{ID: "m-1", LeaseID: "lease-1", Attempts: 1}

	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if err := q.Retry(ctx, d, 90*time.Second); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.paths {
		if p != "/client/v4/accounts/acct/queues/q-1/messages/ack" {
			t.Errorf("path = %s", p)
		}
	}
	acks, _ := json.Marshal(s.requests[0])
	if string(acks) != `{"acks":[{"lease_id":"lease-1"}]}` {
		t.Errorf("ack body = %s", acks)
	}
	retries, _ := json.Marshal(s.requests[1])
	if string(retries) != `{"retries":[{"delay_seconds":90,"lease_id":"lease-1"}]}` {
		t.Errorf("retry body = %s", retries)
	}
}

func TestCloudflareQueue_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		sentinel  error
		transient bool
	}{
		{"server error", http.StatusBadGateway, apperrors.ErrTransient, true},
		{"throttled", http.StatusTooManyRequests, apperrors.ErrTransient, true},
		{"bad request", http.StatusBadRequest, apperrors.ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, q := newCFServer(t)
			s.status = tt.status
			_, err := q.Pull(context.Background(), 1)
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("expected %v, got %v", tt.sentinel, err)
			}
			if errors.Is(err, apperrors.ErrTransient) != tt.transient {
				t.Errorf("transient = %v, want %v", !tt.transient, tt.transient)
			}
		})
	}
}

func TestNewCloudflareQueue_Validation(t *testing.T) {
	t.Parallel()
	for _, cfg := range []CloudflareConfig{
		{QueueID: "q", Token: "t"},
		{AccountID: "a", Token: "t"},
		{AccountID: "a", QueueID: "q"},
	} {
		if _, err := NewCloudflareQueue(cfg, nil); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("NewCloudflareQueue(%+v) = %v, want validation error", cfg, err)
		}
	}
}
