// Package job defines the Job record, its lifecycle states and the single
// transition function every ledger store validates against.
package job

import (
	"time"
)

// Job is the ledger record for one analysis job.
type Job struct {
	ID              string    `json:"id"`
	StorageInputKey string    `json:"storageInputKey"`
	RemoteBatchID   string    `json:"remoteBatchId,omitempty"`
	State           State     `json:"state"`
	ResultsLocation string    `json:"resultsLocation,omitempty"`
	OwnerID         string    `json:"ownerId,omitempty"`
	FailureReason   string    `json:"failureReason,omitempty"`
	MissedPolls     int       `json:"missedPolls,omitempty"`
	Version         int64     `json:"version"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Open reports whether the reconciler should still poll the job.
func (j *Job) Open() bool {
	return !j.State.Terminal()
}

// PendingCollection reports whether the job completed remotely but its
// results were not staged yet.
func (j *Job) PendingCollection() bool {
	return j.State == StateCompleted && j.ResultsLocation == ""
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	// ExpectState must match the stored state. Required when State is set.
	ExpectState *State
	// ExpectVersion, when set, must match the stored version.
	ExpectVersion *int64

	State           *State
	ResultsLocation *string
	FailureReason   *string
	MissedPolls     *int
}

// Ptr is a small helper for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// StatePatch builds a patch moving a job from one state to another.
func StatePatch(from, to State) Patch {
	return Patch{ExpectState: Ptr(from), State: Ptr(to)}
}

// Apply validates p against j and returns the patched copy. The stored
// version and timestamps are advanced; now must not be before j.UpdatedAt.
func (p Patch) Apply(j Job, now time.Time) (Job, error) {
	if p.ExpectState != nil && *p.ExpectState != j.State {
		return Job{}, staleError(j, *p.ExpectState)
	}
	if p.ExpectVersion != nil && *p.ExpectVersion != j.Version {
		return Job{}, staleVersionError(j, *p.ExpectVersion)
	}

	if p.State != nil {
		if p.ExpectState == nil {
			return Job{}, missingExpectation(j)
		}
		if err := Transition(j.State, *p.State); err != nil {
			return Job{}, withJobID(err, j.ID)
		}
		j.State = *p.State
	}

	if p.ResultsLocation != nil {
		if j.State != StateCompleted {
			return Job{}, resultsOnIncomplete(j)
		}
		if j.ResultsLocation != "" && j.ResultsLocation != *p.ResultsLocation {
			return Job{}, resultsAlreadySet(j)
		}
		j.ResultsLocation = *p.ResultsLocation
	}

	if p.FailureReason != nil {
		j.FailureReason = *p.FailureReason
	}
	if p.MissedPolls != nil {
		j.MissedPolls = *p.MissedPolls
	}

	if now.Before(j.UpdatedAt) {
		now = j.UpdatedAt
	}
	j.UpdatedAt = now
	j.Version++
	return j, nil
}
