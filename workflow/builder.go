package workflow

import (
	"go.uber.org/zap"

	"github.com/BaSui01/fedflow/types"
)

// Builder provides a fluent API for constructing workflow graphs. All
// structural rules are checked once in Build; a Graph that builds
// successfully never fails validation at run time.
type Builder struct {
	name         string
	steps        map[string]*Step
	order        []string
	roundCeiling int
	logger       *zap.Logger
}

// NewBuilder creates a new workflow builder with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:   name,
		steps:  make(map[string]*Step),
		logger: zap.NewNop(),
	}
}

// WithLogger sets a custom logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger.With(zap.String("component", "workflow_builder"))
	return b
}

// WithRoundCeiling caps rounds for the whole run. A ceiling also permits
// loop-back edges without a statically reachable exit, since the ceiling
// itself bounds execution.
func (b *Builder) WithRoundCeiling(rounds int) *Builder {
	b.roundCeiling = rounds
	return b
}

// AddStep registers a step and returns a StepBuilder for configuration.
func (b *Builder) AddStep(name string, binding Binding) *StepBuilder {
	step := &Step{Name: name, Binding: binding}
	if _, dup := b.steps[name]; !dup {
		b.order = append(b.order, name)
	}
	b.steps[name] = step
	return &StepBuilder{step: step, parent: b}
}

// StepBuilder configures a single step within a Builder chain.
type StepBuilder struct {
	step   *Step
	parent *Builder
}

// Body sets the step body.
func (sb *StepBuilder) Body(fn StepFunc) *StepBuilder {
	sb.step.Body = fn
	return sb
}

// Include restricts the collaborator subset to the listed participants.
func (sb *StepBuilder) Include(ids ...types.ParticipantID) *StepBuilder {
	sb.step.Filter.Include = append(sb.step.Filter.Include, ids...)
	return sb
}

// Exclude removes the listed participants from the collaborator subset.
func (sb *StepBuilder) Exclude(ids ...types.ParticipantID) *StepBuilder {
	sb.step.Filter.Exclude = append(sb.step.Filter.Exclude, ids...)
	return sb
}

// Join requires all dispatched participant instances of this step to
// complete before the workflow proceeds.
func (sb *StepBuilder) Join() *StepBuilder {
	sb.step.Join = true
	return sb
}

// LoopBoundary marks the step as the entry of a round.
func (sb *StepBuilder) LoopBoundary() *StepBuilder {
	sb.step.LoopBoundary = true
	return sb
}

// Terminal marks the step as a workflow exit; it declares no transitions.
func (sb *StepBuilder) Terminal() *StepBuilder {
	sb.step.Terminal = true
	return sb
}

// Next declares the single unconditional transition of the step.
func (sb *StepBuilder) Next(to string) *StepBuilder {
	sb.step.Transitions = append(sb.step.Transitions, Transition{To: to})
	return sb
}

// BranchTo declares a conditional transition taken when the step's branch
// result equals when.
func (sb *StepBuilder) BranchTo(when, to string) *StepBuilder {
	sb.step.Transitions = append(sb.step.Transitions, Transition{To: to, When: when})
	return sb
}

// LoopBackTo declares a conditional loop-back transition: taking it closes
// the current round and re-enters the loop at to.
func (sb *StepBuilder) LoopBackTo(when, to string) *StepBuilder {
	sb.step.Transitions = append(sb.step.Transitions, Transition{To: to, When: when, LoopBack: true})
	return sb
}

// Done returns to the parent builder.
func (sb *StepBuilder) Done() *Builder {
	return sb.parent
}

// Build validates the declared steps and produces an immutable Graph.
func (b *Builder) Build() (*Graph, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	start := b.findStart()
	// The graph gets its own copies so further builder mutation cannot
	// reach into a built graph.
	steps := make(map[string]*Step, len(b.steps))
	for name, step := range b.steps {
		steps[name] = step
	}
	g := &Graph{
		name:         b.name,
		steps:        steps,
		order:        append([]string(nil), b.order...),
		start:        start,
		roundCeiling: b.roundCeiling,
	}
	b.logger.Info("workflow graph built",
		zap.String("name", b.name),
		zap.Int("steps", len(b.order)),
		zap.String("start", start),
	)
	return g, nil
}

func (b *Builder) validate() error {
	if len(b.steps) == 0 {
		return types.NewError(types.ErrGraphValidation, "workflow has no steps")
	}

	for _, name := range b.order {
		step := b.steps[name]
		if step.Body == nil {
			return types.Errorf(types.ErrGraphValidation, "step %q has no body", name)
		}
		if len(step.Filter.Include) > 0 && len(step.Filter.Exclude) > 0 {
			return types.Errorf(types.ErrGraphValidation,
				"step %q declares both include and exclude filters", name)
		}
		if step.Binding == BindAggregator && !step.Filter.IsZero() {
			return types.Errorf(types.ErrGraphValidation,
				"aggregator step %q declares a participant filter", name)
		}
		if step.Terminal && len(step.Transitions) > 0 {
			return types.Errorf(types.ErrGraphValidation,
				"terminal step %q declares outgoing transitions", name)
		}
		if !step.Terminal && len(step.Transitions) == 0 {
			return types.Errorf(types.ErrGraphValidation,
				"step %q lacks outgoing transitions and is not terminal", name)
		}
		if err := b.validateTransitions(step); err != nil {
			return err
		}
	}

	if err := b.validateStart(); err != nil {
		return err
	}
	if err := b.validateReachable(); err != nil {
		return err
	}
	if err := b.validateAcyclic(); err != nil {
		return err
	}
	return b.validateLoopExits()
}

func (b *Builder) validateTransitions(step *Step) error {
	seen := make(map[string]bool, len(step.Transitions))
	for _, t := range step.Transitions {
		if _, ok := b.steps[t.To]; !ok {
			return types.Errorf(types.ErrGraphValidation,
				"step %q transitions to undeclared step %q", step.Name, t.To)
		}
		if seen[t.When] {
			return types.Errorf(types.ErrGraphValidation,
				"step %q declares duplicate transition for branch %q", step.Name, t.When)
		}
		seen[t.When] = true
		if t.LoopBack && !b.steps[t.To].LoopBoundary {
			return types.Errorf(types.ErrGraphValidation,
				"loop-back from %q targets %q, which is not a loop boundary", step.Name, t.To)
		}
	}
	if len(step.Transitions) > 1 && seen[""] {
		return types.Errorf(types.ErrGraphValidation,
			"branching step %q mixes conditional and unconditional transitions", step.Name)
	}
	return nil
}

// validateStart requires exactly one aggregator-bound step with no
// incoming non-loop-back edge.
func (b *Builder) validateStart() error {
	if s := b.findStart(); s == "" {
		return types.NewError(types.ErrGraphValidation, "no unique aggregator start step")
	}
	return nil
}

func (b *Builder) findStart() string {
	incoming := make(map[string]int, len(b.steps))
	for _, step := range b.steps {
		for _, t := range step.Transitions {
			if !t.LoopBack {
				incoming[t.To]++
			}
		}
	}
	start := ""
	for _, name := range b.order {
		step := b.steps[name]
		if incoming[name] == 0 && step.Binding == BindAggregator {
			if start != "" {
				return ""
			}
			start = name
		}
	}
	return start
}

func (b *Builder) validateReachable() error {
	start := b.findStart()
	if start == "" {
		return nil // reported by validateStart
	}
	reached := make(map[string]bool, len(b.steps))
	b.walk(start, reached, false)
	for _, name := range b.order {
		if !reached[name] {
			return types.Errorf(types.ErrGraphValidation,
				"step %q is unreachable from start step %q", name, start)
		}
	}
	return nil
}

// validateAcyclic rejects cycles formed by non-loop-back edges; rounds
// must go through explicit loop-back transitions.
func (b *Builder) validateAcyclic() error {
	visited := make(map[string]bool, len(b.steps))
	stack := make(map[string]bool, len(b.steps))
	var dfs func(name string) bool
	dfs = func(name string) bool {
		visited[name] = true
		stack[name] = true
		for _, t := range b.steps[name].Transitions {
			if t.LoopBack {
				continue
			}
			if stack[t.To] {
				return true
			}
			if !visited[t.To] && dfs(t.To) {
				return true
			}
		}
		stack[name] = false
		return false
	}
	for _, name := range b.order {
		if !visited[name] && dfs(name) {
			return types.Errorf(types.ErrGraphValidation,
				"cycle without loop-back marker involving step %q", name)
		}
	}
	return nil
}

// validateLoopExits requires every loop-back edge to eventually reach a
// terminal step, unless a round ceiling bounds the run.
func (b *Builder) validateLoopExits() error {
	if b.roundCeiling > 0 {
		return nil
	}
	for _, name := range b.order {
		for _, t := range b.steps[name].Transitions {
			if !t.LoopBack {
				continue
			}
			reached := make(map[string]bool, len(b.steps))
			b.walk(t.To, reached, false)
			exit := false
			for r := range reached {
				if b.steps[r].Terminal {
					exit = true
					break
				}
			}
			if !exit {
				return types.Errorf(types.ErrGraphValidation,
					"loop-back from %q to %q has no reachable exit transition", name, t.To)
			}
		}
	}
	return nil
}

func (b *Builder) walk(name string, reached map[string]bool, followLoops bool) {
	if reached[name] {
		return
	}
	reached[name] = true
	for _, t := range b.steps[name].Transitions {
		if t.LoopBack && !followLoops {
			continue
		}
		b.walk(t.To, reached, followLoops)
	}
}
