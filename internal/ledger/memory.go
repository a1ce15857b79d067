package ledger

import (
	"cmp"
	"context"
	"hpcorchestrator/internal/apperrors"
	"hpcorchestrator/internal/job"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process Ledger for tests and single-node development.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]job.Job
	now  func() time.Time
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]job.Job),
		now:  time.Now,
	}
}

// Create inserts j. Fails with a duplicate error if the id is taken.
func (m *Memory) Create(ctx context.Context, j job.Job) error {
	if err := validateNew(j); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[j.ID]; exists {
		return apperrors.Duplicate("job", j.ID)
	}
	now := m.now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	j.Version = 1
	m.jobs[j.ID] = j
	return nil
}

// Get returns a copy of the stored job.
func (m *Memory) Get(ctx context.Context, id string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, exists := m.jobs[id]
	if !exists {
		return nil, apperrors.NotFound("job", id)
	}
	return &j, nil
}

// Update applies p under the write lock.
func (m *Memory) Update(ctx context.Context, id string, p job.Patch) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.jobs[id]
	if !exists {
		return nil, apperrors.NotFound("job", id)
	}
	next, err := p.Apply(current, m.now().UTC())
	if err != nil {
		return nil, err
	}
	m.jobs[id] = next
	return &next, nil
}

// ListByState returns matching jobs ordered by creation time.
func (m *Memory) ListByState(ctx context.Context, states ...job.State) ([]job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if len(states) == 0 || slices.Contains(states, j.State) {
			result = append(result, j)
		}
	}
	slices.SortFunc(result, func(a, b job.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return result, nil
}

// Ping always succeeds.
func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

// validateNew checks the intake invariants of a job about to be created.
func validateNew(j job.Job) error {
	if j.ID == "" {
		return apperrors.Validation("id", "job ID is required")
	}
	if err := job.Transition(job.StateUnknown, j.State); err != nil {
		return apperrors.Validation("state", "new jobs start as submitted or failed")
	}
	if j.State == job.StateSubmitted && j.RemoteBatchID == "" {
		return apperrors.Validation("remoteBatchId", "submitted jobs require a remote batch id")
	}
	if j.ResultsLocation != "" {
		return apperrors.Validation("resultsLocation", "new jobs cannot carry results")
	}
	return nil
}

var _ Ledger = (*Memory)(nil)
