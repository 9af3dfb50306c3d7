package federation

import (
	"go.uber.org/zap"

	"github.com/BaSui01/fedflow/types"
	"github.com/BaSui01/fedflow/workflow"
)

// Registry holds the aggregator identity and the ordered collaborator set
// for one run. Registration order is the canonical order used for
// deterministic fan-out; the registry is immutable once a run starts.
type Registry struct {
	aggregator    types.Participant
	collaborators []types.Participant
	index         map[types.ParticipantID]types.Participant
	logger        *zap.Logger
}

// NewRegistry creates a registry with the given aggregator and ordered
// collaborator ids. It fails with DUPLICATE_PARTICIPANT on repeated ids.
func NewRegistry(aggregatorID types.ParticipantID, collaboratorIDs []types.ParticipantID, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		aggregator: types.Participant{ID: aggregatorID, Role: types.RoleAggregator},
		index:      make(map[types.ParticipantID]types.Participant, len(collaboratorIDs)+1),
		logger:     logger.With(zap.String("component", "registry")),
	}
	r.index[aggregatorID] = r.aggregator

	for _, id := range collaboratorIDs {
		if _, dup := r.index[id]; dup {
			return nil, types.Errorf(types.ErrDuplicateParticipant,
				"participant %q registered twice", id)
		}
		p := types.Participant{ID: id, Role: types.RoleCollaborator}
		r.index[id] = p
		r.collaborators = append(r.collaborators, p)
	}

	r.logger.Info("participants registered",
		zap.String("aggregator", string(aggregatorID)),
		zap.Int("collaborators", len(collaboratorIDs)),
	)
	return r, nil
}

// Aggregator returns the aggregator participant.
func (r *Registry) Aggregator() types.Participant {
	return r.aggregator
}

// Collaborators returns the full collaborator set in registration order.
func (r *Registry) Collaborators() []types.Participant {
	out := make([]types.Participant, len(r.collaborators))
	copy(out, r.collaborators)
	return out
}

// Lookup finds a participant by id.
func (r *Registry) Lookup(id types.ParticipantID) (types.Participant, bool) {
	p, ok := r.index[id]
	return p, ok
}

// EffectiveSubset resolves the participants a step is dispatched to:
// the aggregator for aggregator-bound steps, the filtered ordered
// collaborator subset for collaborator-bound steps, and both for BindAny.
// A filter naming an unregistered participant fails with
// PARTICIPANT_FILTER. The result is deterministic for a fixed registry
// and step, regardless of backend.
func (r *Registry) EffectiveSubset(step *workflow.Step) ([]types.Participant, error) {
	var subset []types.Participant
	if step.Binding == workflow.BindAggregator || step.Binding == workflow.BindAny {
		subset = append(subset, r.aggregator)
	}
	if step.Binding == workflow.BindAggregator {
		return subset, nil
	}

	cols, err := r.filterCollaborators(step.Name, step.Filter)
	if err != nil {
		return nil, err
	}
	return append(subset, cols...), nil
}

func (r *Registry) filterCollaborators(stepName string, f workflow.Filter) ([]types.Participant, error) {
	if err := r.checkFilterIDs(stepName, f.Include); err != nil {
		return nil, err
	}
	if err := r.checkFilterIDs(stepName, f.Exclude); err != nil {
		return nil, err
	}

	include := asSet(f.Include)
	exclude := asSet(f.Exclude)

	// Registration order is preserved no matter how the filter lists its
	// ids, which keeps fan-out order stable across backends.
	subset := make([]types.Participant, 0, len(r.collaborators))
	for _, p := range r.collaborators {
		if len(include) > 0 && !include[p.ID] {
			continue
		}
		if exclude[p.ID] {
			continue
		}
		subset = append(subset, p)
	}
	return subset, nil
}

func (r *Registry) checkFilterIDs(stepName string, ids []types.ParticipantID) error {
	for _, id := range ids {
		p, ok := r.index[id]
		if !ok {
			return types.Errorf(types.ErrParticipantFilter,
				"step %q filter references unregistered participant %q", stepName, id)
		}
		if p.Role != types.RoleCollaborator {
			return types.Errorf(types.ErrParticipantFilter,
				"step %q filter references non-collaborator %q", stepName, id)
		}
	}
	return nil
}

func asSet(ids []types.ParticipantID) map[types.ParticipantID]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[types.ParticipantID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
