package runner

import (
	"github.com/BaSui01/fedflow/types"
)

// Status is the run controller's state-machine position.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusWaitingJoin Status = "waiting_join"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Termination reasons for completed runs. Hitting the round ceiling is a
// normal termination, not a failure.
const (
	ReasonTerminalStep = "terminal_step"
	ReasonRoundLimit   = "round_limit_exceeded"
)

// Exclusion records a collaborator dropped from one round's effective
// subsets after a tolerated failure.
type Exclusion struct {
	Round       int                 `json:"round"`
	Participant types.ParticipantID `json:"participant"`
}

// RunState is the single mutable value the controller threads through a
// run: the current step pointer, the round counter, completion flags, and
// per-round exclusions. It doubles as the checkpoint serialization of
// control state.
type RunState struct {
	RunID       string                `json:"run_id"`
	Workflow    string                `json:"workflow"`
	Status      Status                `json:"status"`
	Reason      string                `json:"reason,omitempty"`
	CurrentStep string                `json:"current_step"`
	Round       int                   `json:"round"`
	Pending     []types.ParticipantID `json:"pending,omitempty"`
	Exclusions  []Exclusion           `json:"exclusions,omitempty"`
}

// Done reports whether the run has reached a terminal status.
func (s *RunState) Done() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// ExcludedInRound returns the participants excluded from the given round.
func (s *RunState) ExcludedInRound(round int) map[types.ParticipantID]bool {
	var out map[types.ParticipantID]bool
	for _, ex := range s.Exclusions {
		if ex.Round != round {
			continue
		}
		if out == nil {
			out = make(map[types.ParticipantID]bool)
		}
		out[ex.Participant] = true
	}
	return out
}

// clone returns a copy safe to serialize while the run continues.
func (s *RunState) clone() *RunState {
	cp := *s
	cp.Pending = append([]types.ParticipantID(nil), s.Pending...)
	cp.Exclusions = append([]Exclusion(nil), s.Exclusions...)
	return &cp
}
