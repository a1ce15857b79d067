package cluster

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"hpcorchestrator/internal/apperrors"
	"hpcorchestrator/pkg/circuitbreaker"
	"strings"
)

// RemoteState is the normalised scheduler view of a batch job.
type RemoteState string

const (
	RemotePending   RemoteState = "pending"
	RemoteRunning   RemoteState = "running"
	RemoteCompleted RemoteState = "completed"
	RemoteFailed    RemoteState = "failed"
	RemoteUnknown   RemoteState = "unknown"
)

// Status is one status observation.
type Status struct {
	State RemoteState
	Raw   string // scheduler token as reported, e.g. "CANCELLED by 0"
}

// Status asks the scheduler for the state of h. Connection problems and
// timeouts are transient errors; an empty or unrecognised answer is
// RemoteUnknown with a nil error.
func (d *Dispatcher) Status(ctx context.Context, h Handle) (Status, error) {
	if !isNumeric(string(h)) {
		return Status{}, apperrors.Validation("remoteBatchId", fmt.Sprintf("invalid batch handle %q", h))
	}
	var stdout bytes.Buffer
	err := d.Breaker().Do(func() error {
		client, err := dial(ctx, d.cfg.Addr, d.status)
		if err != nil {
			return err
		}
		defer client.Close()
		return runWithTimeout(ctx, d.cfg.StatusTimeout, client, func() error {
			session, err := client.NewSession()
			if err != nil {
				return err
			}
			defer session.Close()
			session.Stdout = &stdout
			return session.Run(string(h))
		})
	}, hostFault)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return Status{}, apperrors.Transient("status", "", ErrCircuitOpen)
	}
	if err != nil {
		return Status{}, apperrors.Transient("status", "", fmt.Errorf("query %s: %w", h, err))
	}

	raw := firstToken(stdout.Bytes())
	return Status{State: NormalizeState(raw), Raw: raw}, nil
}

// NormalizeState maps an sacct state token to a RemoteState.
func NormalizeState(token string) RemoteState {
	token = strings.ToUpper(strings.TrimSpace(token))
	// sacct truncates wide columns with '+' and appends " by <uid>" to CANCELLED.
	token = strings.TrimSuffix(token, "+")
	if i := strings.IndexByte(token, ' '); i >= 0 {
		token = token[:i]
	}

	switch token {
	case "PENDING", "REQUEUED", "REQUEUE_FED", "REQUEUE_HOLD", "RESIZING", "SUSPENDED", "STOPPED":
		return RemotePending
	case "RUNNING", "COMPLETING", "CONFIGURING", "STAGE_OUT", "SIGNALING":
		return RemoteRunning
	case "COMPLETED":
		return RemoteCompleted
	case "FAILED", "CANCELLED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY", "OUT_OF_ME", "PREEMPTED", "BOOT_FAIL", "DEADLINE", "REVOKED":
		return RemoteFailed
	default:
		return RemoteUnknown
	}
}

// firstToken returns the first non-empty output line. The allocation line
// comes first; step lines (.batch, .extern) follow.
func firstToken(out []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line
		}
	}
	return ""
}

func isNumeric(s string) bool {
	if s == "" || len(s) > 20 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
