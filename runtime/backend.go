package runtime

import (
	"context"
	"encoding/json"

	"github.com/BaSui01/fedflow/refstore"
	"github.com/BaSui01/fedflow/types"
	"github.com/BaSui01/fedflow/workflow"
)

// Result is the outcome of one (step, participant) instance. Artifacts
// are buffered in publish-call order; they only reach the shared store
// when the run controller folds them after the step's join barrier.
type Result struct {
	Participant types.Participant
	Artifacts   []refstore.Artifact
	Branch      string
	Retries     int
	Err         error
}

// Backend executes a single step for an effective participant subset and
// blocks until every dispatched instance resolves. Per-instance failures
// are reported in Result.Err so the controller can apply its
// failure-tolerance policy; results are always returned in subset order.
type Backend interface {
	ExecuteStep(ctx context.Context, step *workflow.Step, subset []types.Participant, round int, inputs map[string]any) ([]*Result, error)

	// ExportState captures every participant's private attribute map for
	// checkpointing, and RestoreState rebuilds it on resume. Both are
	// called only between steps, when no instance is in flight.
	ExportState() (map[types.ParticipantID]map[string]any, error)
	RestoreState(state map[types.ParticipantID]map[string]any) error

	Close() error
}

// copyAttrs deep-copies an attribute map through its JSON encoding, so
// exported checkpoints never alias live worker state.
func copyAttrs(attrs map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(attrs)
	if err != nil {
		return nil, types.NewError(types.ErrCheckpoint, "private state is not serializable").WithCause(err)
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, types.NewError(types.ErrCheckpoint, "private state is corrupt").WithCause(err)
	}
	return out, nil
}

// stepContext implements workflow.StepContext for one instance. The
// attribute map belongs to the hosting worker and persists across steps
// and rounds; the artifact buffer is discarded on retry, which keeps the
// publish point the idempotency boundary.
type stepContext struct {
	participant types.Participant
	round       int
	inputs      map[string]any
	attrs       map[string]any
	store       refstore.Store
	buffer      []refstore.Artifact
	branch      string
	ctx         context.Context
}

func (sc *stepContext) Participant() types.Participant { return sc.participant }
func (sc *stepContext) Round() int                     { return sc.round }
func (sc *stepContext) Inputs() map[string]any         { return sc.inputs }

func (sc *stepContext) Get(name string) (any, bool) {
	v, ok := sc.attrs[name]
	return v, ok
}

func (sc *stepContext) Set(name string, value any) {
	sc.attrs[name] = value
}

func (sc *stepContext) Publish(name string, value any, shareable bool) error {
	key := refstore.Key{Owner: sc.participant.ID, Round: sc.round, Name: name}
	for _, buffered := range sc.buffer {
		if buffered.Key == key {
			return types.Errorf(types.ErrDuplicateArtifact,
				"artifact %s published twice in one step", key).
				WithRound(sc.round).WithParticipant(sc.participant.ID)
		}
	}
	artifact, err := refstore.NewArtifact(key, value, shareable)
	if err != nil {
		return err
	}
	sc.buffer = append(sc.buffer, artifact)
	return nil
}

func (sc *stepContext) Resolve(owner types.ParticipantID, round int, name string) (any, error) {
	return sc.store.Resolve(sc.ctx, sc.participant.ID, refstore.Key{Owner: owner, Round: round, Name: name})
}

func (sc *stepContext) SetBranch(result string) {
	sc.branch = result
}

// runInstance executes one step body against a participant's private
// attribute map and returns the buffered outcome.
func runInstance(ctx context.Context, step *workflow.Step, participant types.Participant, round int, inputs map[string]any, attrs map[string]any, store refstore.Store) *Result {
	sc := &stepContext{
		participant: participant,
		round:       round,
		inputs:      inputs,
		attrs:       attrs,
		store:       store,
		ctx:         ctx,
	}
	res := &Result{Participant: participant}
	if err := step.Body(ctx, sc); err != nil {
		res.Err = wrapBodyError(err, step.Name, participant.ID, round)
		return res
	}
	res.Artifacts = sc.buffer
	res.Branch = sc.branch
	return res
}

func wrapBodyError(err error, step string, id types.ParticipantID, round int) error {
	if e, ok := err.(*types.Error); ok {
		if e.Step == "" {
			e.WithStep(step).WithRound(round).WithParticipant(id)
		}
		return e
	}
	return types.Errorf(types.ErrBackendExecution, "step body failed").
		WithStep(step).WithRound(round).WithParticipant(id).WithCause(err)
}
