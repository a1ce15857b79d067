package telemetry

import "time"

// Recorder is the narrow interface pipeline stages depend on.
type Recorder interface {
	Push(metrics map[string]float64) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Push(map[string]float64) error { return nil }

// Submission builds the event for one dispatch attempt.
func Submission(success bool, latency time.Duration) map[string]float64 {
	m := map[string]float64{
		"slurm_submitted_jobs_total":       1,
		"slurm_submission_latency_seconds": latency.Seconds(),
	}
	if success {
		m["slurm_submission_success"] = 1
	} else {
		m["slurm_submission_failure"] = 1
	}
	return m
}

// SubmissionFailure builds the event for a classified dispatch failure,
// e.g. step "transfer".
func SubmissionFailure(step string) map[string]float64 {
	return map[string]float64{"slurm_submission_failure_" + step: 1}
}

// StatusCheck builds the event for one status poll.
func StatusCheck(latency time.Duration) map[string]float64 {
	return map[string]float64{"slurm_status_check_seconds": latency.Seconds()}
}

// JobFinished builds the event for a job reaching a terminal state.
func JobFinished(state string, duration time.Duration) map[string]float64 {
	return map[string]float64{
		"slurm_job_duration_seconds": duration.Seconds(),
		"slurm_jobs_" + state:        1,
	}
}

// Collection builds the event for a finished result collection.
func Collection(artifacts int, latency time.Duration) map[string]float64 {
	return map[string]float64{
		"results_collected_total":    1,
		"results_artifacts":          float64(artifacts),
		"results_collection_seconds": latency.Seconds(),
	}
}
