package job

import (
	"errors"
	"fmt"
	"hpcorchestrator/internal/apperrors"
)

// State is a job lifecycle state.
type State uint8

const (
	StateUnknown State = iota
	StateSubmitted
	StateRunning
	StateCompleted
	StateFailed
)

var stateNames = map[State]string{
	StateSubmitted: "submitted",
	StateRunning:   "running",
	StateCompleted: "completed",
	StateFailed:    "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether s can never be left.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ParseState parses the textual form of a state.
func ParseState(s string) (State, error) {
	for state, name := range stateNames {
		if name == s {
			return state, nil
		}
	}
	return StateUnknown, apperrors.Validation("state", fmt.Sprintf("unknown job state %q", s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// OpenStates are the states the reconciler polls.
var OpenStates = []State{StateSubmitted, StateRunning}

// allowed lists the legal edges. Terminal states have no outgoing edges.
var allowed = map[State][]State{
	StateUnknown:   {StateSubmitted, StateFailed},
	StateSubmitted: {StateRunning, StateCompleted, StateFailed},
	StateRunning:   {StateCompleted, StateFailed},
}

// ErrInvalidTransition is wrapped by every rejected transition.
var ErrInvalidTransition = errors.New("invalid state transition")

// Transition validates the move from one state to another. StateUnknown as
// from means "no record yet" and only admits the intake outcomes.
func Transition(from, to State) error {
	for _, next := range allowed[from] {
		if next == to {
			return nil
		}
	}
	return &apperrors.Error{
		Sentinel: apperrors.ErrConflict,
		Message:  fmt.Sprintf("cannot move job from %s to %s", from, to),
		Resource: "job",
		Cause:    ErrInvalidTransition,
	}
}

func withJobID(err error, id string) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		appErr.JobID = id
		appErr.Message = fmt.Sprintf("job %s: %s", id, appErr.Message)
	}
	return err
}

func staleError(j Job, expected State) error {
	return apperrors.Conflict("job", j.ID,
		fmt.Sprintf("job %s is %s, expected %s", j.ID, j.State, expected))
}

func staleVersionError(j Job, expected int64) error {
	return apperrors.Conflict("job", j.ID,
		fmt.Sprintf("job %s is at version %d, expected %d", j.ID, j.Version, expected))
}

func missingExpectation(j Job) error {
	return apperrors.Validation("expectState",
		fmt.Sprintf("job %s: state change requires the expected prior state", j.ID))
}

func resultsOnIncomplete(j Job) error {
	return apperrors.Conflict("job", j.ID,
		fmt.Sprintf("job %s is %s, results can only be recorded on a completed job", j.ID, j.State))
}

func resultsAlreadySet(j Job) error {
	return apperrors.Conflict("job", j.ID,
		fmt.Sprintf("job %s already has results at %s", j.ID, j.ResultsLocation))
}
