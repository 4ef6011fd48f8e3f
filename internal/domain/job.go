package domain

import "time"

// State is the lifecycle state of a job.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateDead       State = "dead"
)

// States lists all valid states in lifecycle order.
var States = []State{StatePending, StateProcessing, StateCompleted, StateFailed, StateDead}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateProcessing, StateCompleted, StateFailed, StateDead:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal state. Terminal states are only
// re-entered via an explicit DLQ retry.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDead
}

// Job is one unit of work: a shell command with scheduling and retry policy.
//
// Invariants maintained by the store:
//   - state=processing implies claimed_by and started_at are set
//   - state in {pending, failed} implies claimed_by is null
//   - attempts never exceeds max_retries+1; a dead job has exactly
//     max_retries+1 attempts unless it was orphan-reaped
type Job struct {
	ID         string
	Command    string
	Priority   int
	TimeoutSec int
	MaxRetries int
	Attempts   int
	State      State

	// RunAt gates the first execution; NextAttemptAt gates every claim
	// (it equals RunAt at creation and moves forward on each retry).
	RunAt         time.Time
	NextAttemptAt time.Time

	ClaimedBy  *string
	StartedAt  *time.Time
	FinishedAt *time.Time

	ExitCode *int
	Stdout   string
	Stderr   string
	Error    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Timeout returns the per-attempt wall clock cap as a duration.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSec) * time.Second
}

// Capture is the output of one finished attempt, persisted on finalize.
type Capture struct {
	ExitCode *int
	Stdout   string
	Stderr   string
}

// Aggregates are read-only counts over the job table plus the mean runtime
// of completed jobs, used by status, metrics and the dashboard.
type Aggregates struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Dead       int
	Total      int

	AvgRuntimeSeconds float64
}

// Count returns the aggregate count for a single state.
func (a Aggregates) Count(s State) int {
	switch s {
	case StatePending:
		return a.Pending
	case StateProcessing:
		return a.Processing
	case StateCompleted:
		return a.Completed
	case StateFailed:
		return a.Failed
	case StateDead:
		return a.Dead
	}
	return 0
}
