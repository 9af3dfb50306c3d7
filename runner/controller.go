package runner

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/fedflow/federation"
	"github.com/BaSui01/fedflow/refstore"
	"github.com/BaSui01/fedflow/runtime"
	"github.com/BaSui01/fedflow/types"
	"github.com/BaSui01/fedflow/workflow"
)

// RunResult is what a finished run exposes to the caller.
type RunResult struct {
	State   *RunState
	Journal []refstore.Key
}

// Controller drives step-by-step, round-by-round execution of a workflow
// graph over a participant registry, dispatching to a runtime backend and
// folding instance outputs into the reference store. It owns the single
// RunState value for the run.
type Controller struct {
	graph    *workflow.Graph
	registry *federation.Registry
	store    refstore.Store
	backend  runtime.Backend

	ckpts        *CheckpointManager
	metrics      *Metrics
	logger       *zap.Logger
	roundCeiling int
	tolerance    float64
	inputs       map[string]any

	state *RunState
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets a custom logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithCheckpoints enables checkpointing at every step boundary.
func WithCheckpoints(m *CheckpointManager) Option {
	return func(c *Controller) { c.ckpts = m }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithRoundCeiling caps rounds, overriding the graph's ceiling.
func WithRoundCeiling(rounds int) Option {
	return func(c *Controller) { c.roundCeiling = rounds }
}

// WithFailureTolerance permits a bounded fraction (0..1) of collaborator
// instances of a step to fail with transient errors; failed participants
// are excluded from the remainder of that round.
func WithFailureTolerance(fraction float64) Option {
	return func(c *Controller) { c.tolerance = fraction }
}

// WithInputs sets the run-level input values visible to step bodies.
func WithInputs(inputs map[string]any) Option {
	return func(c *Controller) { c.inputs = inputs }
}

// NewController wires a controller from its collaborating components.
func NewController(graph *workflow.Graph, registry *federation.Registry, store refstore.Store, backend runtime.Backend, opts ...Option) *Controller {
	c := &Controller{
		graph:        graph,
		registry:     registry,
		store:        store,
		backend:      backend,
		logger:       zap.NewNop(),
		roundCeiling: graph.RoundCeiling(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "run_controller"))
	return c
}

// State returns the controller's current run state.
func (c *Controller) State() *RunState {
	return c.state
}

// Run executes the workflow from its start step in round 0.
func (c *Controller) Run(ctx context.Context) (*RunResult, error) {
	c.state = &RunState{
		RunID:       uuid.New().String(),
		Workflow:    c.graph.Name(),
		Status:      StatusPending,
		CurrentStep: c.graph.Start().Name,
	}
	c.logger.Info("run starting",
		zap.String("run_id", c.state.RunID),
		zap.String("workflow", c.state.Workflow),
		zap.Int("round_ceiling", c.roundCeiling),
	)
	return c.loop(ctx)
}

// Resume reconstructs controller state from a checkpoint and continues as
// if the run had never stopped.
func (c *Controller) Resume(ctx context.Context, ckpt *Checkpoint) (*RunResult, error) {
	if ckpt == nil {
		return nil, types.NewError(types.ErrCheckpoint, "no checkpoint to resume from")
	}
	if err := c.store.Restore(ctx, ckpt.Store); err != nil {
		return nil, types.NewError(types.ErrCheckpoint, "failed to restore reference store").WithCause(err)
	}
	if err := c.backend.RestoreState(ckpt.Private); err != nil {
		return nil, err
	}
	c.state = ckpt.State.clone()
	c.logger.Info("run resumed",
		zap.String("run_id", c.state.RunID),
		zap.Int("round", c.state.Round),
		zap.String("step", c.state.CurrentStep),
	)
	return c.loop(ctx)
}

func (c *Controller) loop(ctx context.Context) (*RunResult, error) {
	for {
		if c.state.Done() {
			return c.result(ctx)
		}
		step, ok := c.graph.Step(c.state.CurrentStep)
		if !ok {
			return nil, c.fail(types.Errorf(types.ErrGraphValidation,
				"run state points at unknown step %q", c.state.CurrentStep))
		}
		if err := c.runStep(ctx, step); err != nil {
			return nil, err
		}
	}
}

func (c *Controller) runStep(ctx context.Context, step *workflow.Step) error {
	subset, err := c.registry.EffectiveSubset(step)
	if err != nil {
		return c.fail(err)
	}
	subset = c.dropExcluded(subset)

	c.state.Status = StatusRunning
	if step.Join || len(subset) > 1 {
		c.state.Status = StatusWaitingJoin
		c.state.Pending = participantIDs(subset)
	}

	c.logger.Debug("dispatching step",
		zap.String("step", step.Name),
		zap.Int("round", c.state.Round),
		zap.Int("participants", len(subset)),
	)

	started := time.Now()
	results, err := c.backend.ExecuteStep(ctx, step, subset, c.state.Round, c.inputs)
	if err != nil {
		c.metrics.observeStep(step.Name, "failed", time.Since(started), len(subset))
		return c.fail(err)
	}
	c.state.Pending = nil

	branch, err := c.collectResults(ctx, step, results)
	if err != nil {
		c.metrics.observeStep(step.Name, "failed", time.Since(started), len(results))
		return c.fail(err)
	}
	c.metrics.observeStep(step.Name, "ok", time.Since(started), len(results))

	if step.Terminal {
		return c.complete(ctx, ReasonTerminalStep)
	}
	return c.advance(ctx, step, branch)
}

// collectResults applies the failure-tolerance policy and folds surviving
// instance outputs into the reference store in subset order, which keeps
// the published artifact sequence identical across backends.
func (c *Controller) collectResults(ctx context.Context, step *workflow.Step, results []*runtime.Result) (string, error) {
	var failed []*runtime.Result
	collaborators := 0
	for _, res := range results {
		c.metrics.addRetries(res.Retries)
		if res.Participant.Role == types.RoleCollaborator {
			collaborators++
		}
		if res.Err == nil {
			continue
		}
		if res.Participant.IsAggregator() || !tolerable(res.Err) {
			return "", res.Err
		}
		failed = append(failed, res)
	}

	if len(failed) > c.maxFailures(collaborators) {
		return "", failed[0].Err
	}
	for _, res := range failed {
		c.logger.Warn("excluding failed collaborator for this round",
			zap.String("participant", string(res.Participant.ID)),
			zap.String("step", step.Name),
			zap.Int("round", c.state.Round),
			zap.Error(res.Err),
		)
		c.metrics.participantFailed(string(res.Participant.ID))
		c.state.Exclusions = append(c.state.Exclusions, Exclusion{
			Round:       c.state.Round,
			Participant: res.Participant.ID,
		})
	}

	branch := ""
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		for _, artifact := range res.Artifacts {
			if err := c.store.Publish(ctx, artifact); err != nil {
				return "", err
			}
		}
		if branch == "" {
			branch = res.Branch
		}
	}
	return branch, nil
}

func (c *Controller) advance(ctx context.Context, step *workflow.Step, branch string) error {
	t, err := c.graph.NextTransition(step.Name, branch)
	if err != nil {
		return c.fail(err)
	}
	if t.LoopBack {
		c.metrics.roundCompleted()
		c.state.Round++
		if c.roundCeiling > 0 && c.state.Round >= c.roundCeiling {
			c.logger.Info("round ceiling reached",
				zap.Int("round_ceiling", c.roundCeiling),
			)
			return c.complete(ctx, ReasonRoundLimit)
		}
	}
	c.state.CurrentStep = t.To
	c.state.Status = StatusRunning
	return c.checkpoint(ctx)
}

func (c *Controller) complete(ctx context.Context, reason string) error {
	c.state.Status = StatusCompleted
	c.state.Reason = reason
	c.logger.Info("run completed",
		zap.String("run_id", c.state.RunID),
		zap.String("reason", reason),
		zap.Int("rounds", c.state.Round),
	)
	return c.checkpoint(ctx)
}

// fail marks the run failed. The last successful step-boundary checkpoint
// is already on disk, so recovery state needs no extra write.
func (c *Controller) fail(err error) error {
	if c.state != nil {
		c.state.Status = StatusFailed
	}
	c.logger.Error("run failed", zap.Error(err))
	return err
}

func (c *Controller) checkpoint(ctx context.Context) error {
	if c.ckpts == nil {
		return nil
	}
	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return c.fail(types.NewError(types.ErrCheckpoint, "failed to snapshot reference store").WithCause(err))
	}
	private, err := c.backend.ExportState()
	if err != nil {
		return c.fail(err)
	}
	ckpt := &Checkpoint{
		Round:   c.state.Round,
		State:   c.state.clone(),
		Store:   snap,
		Private: private,
	}
	if err := c.ckpts.Save(ckpt); err != nil {
		return c.fail(err)
	}
	c.metrics.checkpointSaved()
	return nil
}

func (c *Controller) result(ctx context.Context) (*RunResult, error) {
	journal, err := c.store.Journal(ctx)
	if err != nil {
		return nil, err
	}
	return &RunResult{State: c.state, Journal: journal}, nil
}

// ArtifactsFor resolves every artifact the given participant may read:
// its own plus everything published shareable.
func (c *Controller) ArtifactsFor(ctx context.Context, id types.ParticipantID) (map[refstore.Key]any, error) {
	journal, err := c.store.Journal(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[refstore.Key]any, len(journal))
	for _, key := range journal {
		value, err := c.store.Resolve(ctx, id, key)
		if err != nil {
			if types.GetErrorCode(err) == types.ErrPrivacyViolation {
				continue
			}
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

func (c *Controller) dropExcluded(subset []types.Participant) []types.Participant {
	excluded := c.state.ExcludedInRound(c.state.Round)
	if len(excluded) == 0 {
		return subset
	}
	kept := subset[:0]
	for _, p := range subset {
		if !excluded[p.ID] {
			kept = append(kept, p)
		}
	}
	return kept
}

func (c *Controller) maxFailures(collaborators int) int {
	if c.tolerance <= 0 {
		return 0
	}
	return int(c.tolerance * float64(collaborators))
}

func tolerable(err error) bool {
	return types.GetErrorCode(err) == types.ErrBackendExecution
}

func participantIDs(subset []types.Participant) []types.ParticipantID {
	ids := make([]types.ParticipantID, len(subset))
	for i, p := range subset {
		ids[i] = p.ID
	}
	return ids
}
