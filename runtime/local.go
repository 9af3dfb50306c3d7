package runtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/fedflow/refstore"
	"github.com/BaSui01/fedflow/types"
	"github.com/BaSui01/fedflow/workflow"
)

// LocalBackend executes every participant instance of a step strictly in
// subset (registry) order on the calling goroutine. Private participant
// state lives in per-participant attribute maps kept for the lifetime of
// the backend, so it persists across rounds exactly as a worker's state
// would in the distributed variant.
type LocalBackend struct {
	store  refstore.Store
	attrs  map[types.ParticipantID]map[string]any
	logger *zap.Logger
}

// NewLocalBackend creates a sequential in-process backend.
func NewLocalBackend(store refstore.Store, logger *zap.Logger) *LocalBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalBackend{
		store:  store,
		attrs:  make(map[types.ParticipantID]map[string]any),
		logger: logger.With(zap.String("component", "local_backend")),
	}
}

// ExecuteStep runs the step for each participant in order. Body errors
// are recorded per instance; execution continues so the controller sees
// the same per-participant outcome set a tolerant distributed run would.
func (b *LocalBackend) ExecuteStep(ctx context.Context, step *workflow.Step, subset []types.Participant, round int, inputs map[string]any) ([]*Result, error) {
	results := make([]*Result, 0, len(subset))
	for _, participant := range subset {
		if err := ctx.Err(); err != nil {
			return nil, types.NewError(types.ErrRunAborted, "execution cancelled").
				WithStep(step.Name).WithRound(round).WithCause(err)
		}
		b.logger.Debug("executing step instance",
			zap.String("step", step.Name),
			zap.String("participant", string(participant.ID)),
			zap.Int("round", round),
		)
		attrs := b.attrsFor(participant.ID)
		results = append(results, runInstance(ctx, step, participant, round, inputs, attrs, b.store))
	}
	return results, nil
}

func (b *LocalBackend) attrsFor(id types.ParticipantID) map[string]any {
	attrs, ok := b.attrs[id]
	if !ok {
		attrs = make(map[string]any)
		b.attrs[id] = attrs
	}
	return attrs
}

// ExportState captures all private attribute maps for checkpointing.
func (b *LocalBackend) ExportState() (map[types.ParticipantID]map[string]any, error) {
	out := make(map[types.ParticipantID]map[string]any, len(b.attrs))
	for id, attrs := range b.attrs {
		cp, err := copyAttrs(attrs)
		if err != nil {
			return nil, err
		}
		out[id] = cp
	}
	return out, nil
}

// RestoreState rebuilds private attribute maps from a checkpoint.
func (b *LocalBackend) RestoreState(state map[types.ParticipantID]map[string]any) error {
	b.attrs = make(map[types.ParticipantID]map[string]any, len(state))
	for id, attrs := range state {
		cp, err := copyAttrs(attrs)
		if err != nil {
			return err
		}
		b.attrs[id] = cp
	}
	return nil
}

// Close is a no-op for the local backend.
func (b *LocalBackend) Close() error { return nil }
