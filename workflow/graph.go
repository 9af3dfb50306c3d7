package workflow

import (
	"context"

	"github.com/BaSui01/fedflow/types"
)

// Binding restricts which participant roles execute a step.
type Binding string

const (
	// BindAggregator runs the step on the aggregator only.
	BindAggregator Binding = "aggregator"
	// BindCollaborator runs the step on every collaborator in the
	// effective subset.
	BindCollaborator Binding = "collaborator"
	// BindAny runs the step on the aggregator and the effective
	// collaborator subset.
	BindAny Binding = "any"
)

// Filter selects a subset of the registered collaborators for a step.
// Include and Exclude are mutually exclusive, and filters are only legal
// on steps that dispatch to collaborators; both rules are checked at
// Build time.
type Filter struct {
	Include []types.ParticipantID
	Exclude []types.ParticipantID
}

// IsZero reports whether the filter selects the full collaborator set.
func (f Filter) IsZero() bool {
	return len(f.Include) == 0 && len(f.Exclude) == 0
}

// Transition is a directed edge between two steps. When is the branch
// value selecting this edge at runtime; the empty string marks the single
// unconditional edge of a non-branching step. LoopBack marks the edge as
// closing a round: taking it increments the round counter.
type Transition struct {
	To       string
	When     string
	LoopBack bool
}

// StepContext is the surface a step body sees while executing on behalf of
// one participant. Implementations are provided by the runtime backends.
type StepContext interface {
	// Participant identifies whose instance of the step is running.
	Participant() types.Participant
	// Round is the current round number, starting at 0.
	Round() int
	// Inputs returns the run-level input values supplied by the caller.
	Inputs() map[string]any

	// Get reads a private attribute of this participant. Private
	// attributes persist across steps and rounds of the same run.
	Get(name string) (any, bool)
	// Set writes a private attribute of this participant.
	Set(name string, value any)

	// Publish records an artifact keyed by (participant, round, name).
	// Publishing the same key twice is an error, never an overwrite.
	Publish(name string, value any, shareable bool) error
	// Resolve reads an artifact, possibly owned by another participant.
	// Artifacts owned by others must have been published shareable.
	Resolve(owner types.ParticipantID, round int, name string) (any, error)

	// SetBranch selects the outgoing transition of a branching step.
	SetBranch(result string)
}

// StepFunc is the body of a step.
type StepFunc func(ctx context.Context, sc StepContext) error

// Step is one unit of work in a workflow, bound to a participant role.
type Step struct {
	Name         string
	Binding      Binding
	Body         StepFunc
	Filter       Filter
	Join         bool
	LoopBoundary bool
	Terminal     bool
	Transitions  []Transition
}

// Branching reports whether the step selects among several transitions at
// runtime.
func (s *Step) Branching() bool {
	return len(s.Transitions) > 1
}

// Graph is a validated workflow: a DAG with explicit loop-back edges.
// Graphs are built once by a Builder and read-only thereafter.
type Graph struct {
	name         string
	steps        map[string]*Step
	order        []string
	start        string
	roundCeiling int
}

// Name returns the workflow name.
func (g *Graph) Name() string { return g.name }

// Start returns the unique aggregator start step.
func (g *Graph) Start() *Step { return g.steps[g.start] }

// RoundCeiling returns the configured round ceiling, or 0 when unset.
func (g *Graph) RoundCeiling() int { return g.roundCeiling }

// Step retrieves a step by name.
func (g *Graph) Step(name string) (*Step, bool) {
	s, ok := g.steps[name]
	return s, ok
}

// Steps returns the step names in declaration order.
func (g *Graph) Steps() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// NextTransition selects the outgoing transition of a step. For
// non-branching steps branch is ignored; for branching steps it must match
// the When value of exactly one declared transition.
func (g *Graph) NextTransition(current string, branch string) (Transition, error) {
	step, ok := g.steps[current]
	if !ok {
		return Transition{}, types.Errorf(types.ErrGraphValidation, "unknown step %q", current)
	}
	if step.Terminal {
		return Transition{}, types.Errorf(types.ErrGraphValidation, "terminal step %q has no transitions", current)
	}
	if !step.Branching() {
		return step.Transitions[0], nil
	}
	for _, t := range step.Transitions {
		if t.When == branch {
			return t, nil
		}
	}
	return Transition{}, types.Errorf(types.ErrGraphValidation,
		"step %q has no transition for branch result %q", current, branch)
}

// NextSteps returns the ordered steps following current for the given
// branch result. The result is a singleton for every legal workflow; the
// slice form mirrors the declared transition order.
func (g *Graph) NextSteps(current string, branch string) ([]*Step, error) {
	t, err := g.NextTransition(current, branch)
	if err != nil {
		return nil, err
	}
	return []*Step{g.steps[t.To]}, nil
}

// IsLoopBoundary reports whether entering the step begins a new round.
func (g *Graph) IsLoopBoundary(name string) bool {
	s, ok := g.steps[name]
	return ok && s.LoopBoundary
}
