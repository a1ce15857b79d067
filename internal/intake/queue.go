package intake

import (
	"context"
	"errors"
	"hpcorchestrator/internal/apperrors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Delivery is one leased copy of a queue message.
type Delivery struct {
	ID       string // stable across redeliveries
	LeaseID  string // identifies this delivery for Ack and Retry
	Attempts int    // 1 on first delivery
	Body     []byte
}

// Queue is an at-least-once work queue with leases. A delivery that is
// neither acked nor retried before its lease expires is delivered again.
type Queue interface {
	Pull(ctx context.Context, max int) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	Retry(ctx context.Context, d Delivery, delay time.Duration) error
}

// ErrLeaseExpired is returned when acking a delivery whose lease lapsed.
var ErrLeaseExpired = errors.New("lease expired")

type memoryMessage struct {
	id        string
	body      []byte
	attempts  int
	lease     string
	visibleAt time.Time
}

// MemoryQueue is an in-process Queue with visibility-timeout redelivery.
type MemoryQueue struct {
	mu         sync.Mutex
	messages   []*memoryMessage
	visibility time.Duration
	now        func() time.Time
}

// NewMemoryQueue creates a queue whose leases last visibility (default 30s).
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &MemoryQueue{visibility: visibility, now: time.Now}
}

// Send enqueues body and returns the message id.
func (q *MemoryQueue) Send(ctx context.Context, body []byte) (string, error) {
	if len(body) == 0 {
		return "", apperrors.Validation("body", "message body is empty")
	}
	id := uuid.NewString()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, &memoryMessage{
		id:        id,
		body:      append([]byte(nil), body...),
		visibleAt: q.now(),
	})
	return id, nil
}

// Pull leases up to max visible messages.
func (q *MemoryQueue) Pull(ctx context.Context, max int) ([]Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var out []Delivery
	for _, m := range q.messages {
		if len(out) >= max {
			break
		}
		if m.visibleAt.After(now) {
			continue
		}
		m.attempts++
		m.lease = uuid.NewString()
		m.visibleAt = now.Add(q.visibility)
		out = append(out, Delivery{ID: m.id, LeaseID: m.lease, Attempts: m.attempts, Body: m.body})
	}
	return out, nil
}

// Ack removes the message if d still holds its lease.
func (q *MemoryQueue) Ack(ctx context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.messages {
		if m.id != d.ID {
			continue
		}
		if m.lease != d.LeaseID {
			return ErrLeaseExpired
		}
		q.messages = append(q.messages[:i], q.messages[i+1:]...)
		return nil
	}
	return ErrLeaseExpired
}

// Retry makes the message visible again after delay.
func (q *MemoryQueue) Retry(ctx context.Context, d Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.messages {
		if m.id == d.ID && m.lease == d.LeaseID {
			m.lease = ""
			m.visibleAt = q.now().Add(delay)
			return nil
		}
	}
	return ErrLeaseExpired
}

// Len returns the number of unacknowledged messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

var _ Queue = (*MemoryQueue)(nil)
