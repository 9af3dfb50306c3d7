package types

// ParticipantID uniquely identifies a participant within a federation.
type ParticipantID string

// Role describes which side of the federation a participant belongs to.
type Role string

const (
	// RoleAggregator is the single coordinating participant. It starts the
	// workflow and typically concludes each round.
	RoleAggregator Role = "aggregator"
	// RoleCollaborator is a participant contributing local computation per
	// round.
	RoleCollaborator Role = "collaborator"
)

// Participant is the immutable identity of a federation member. Private
// per-participant attributes live in the runtime worker that hosts the
// participant, never here.
type Participant struct {
	ID   ParticipantID `json:"id"`
	Role Role          `json:"role"`
}

// IsAggregator reports whether the participant coordinates the federation.
func (p Participant) IsAggregator() bool {
	return p.Role == RoleAggregator
}
