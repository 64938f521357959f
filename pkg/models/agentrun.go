package models

import "time"

// RunStatus is the lifecycle state of an AgentRun. Transitions are
// monotonic: pending -> running -> {completed | stopped | failed}, and a
// terminal status is never revisited.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunStopped   RunStatus = "stopped"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether status ends the run's lifecycle.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunStopped, RunFailed:
		return true
	default:
		return false
	}
}

// rank orders statuses along the lattice pending < running < terminal, used
// to reject non-monotonic transitions.
func (s RunStatus) rank() int {
	switch s {
	case RunPending:
		return 0
	case RunRunning:
		return 1
	default:
		return 2
	}
}

// CanTransitionTo reports whether moving from s to next respects the
// monotonic lattice (no resurrection, no revisiting a terminal state).
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// AgentRun is one end-to-end execution of the agent loop for a single user
// request on a single thread.
type AgentRun struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"thread_id"`
	Status      RunStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	Model       string     `json:"model"`
	UserID      string     `json:"user_id,omitempty"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
