package runner

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/fedflow/federation"
	"github.com/BaSui01/fedflow/refstore"
	"github.com/BaSui01/fedflow/runtime"
	"github.com/BaSui01/fedflow/types"
	"github.com/BaSui01/fedflow/workflow"
)

// fedSumGraph builds the canonical federated-sum workflow: every round
// each collaborator publishes a local sum derived from its private share,
// and the aggregator folds them into a global sum. Collaborators whose
// local sum is absent for the round (filtered or excluded) are skipped.
func fedSumGraph(t *testing.T, cols []types.ParticipantID, rounds int) *workflow.Graph {
	t.Helper()
	g, err := workflow.NewBuilder("federated_sum").
		AddStep("init", workflow.BindAggregator).
		Body(func(ctx context.Context, sc workflow.StepContext) error {
			return sc.Publish("config", map[string]any{"rounds": rounds}, true)
		}).
		Next("local_update").Done().
		AddStep("local_update", workflow.BindCollaborator).
		LoopBoundary().Join().
		Body(func(ctx context.Context, sc workflow.StepContext) error {
			base := sc.Inputs()["base"].(map[string]any)[string(sc.Participant().ID)].(float64)
			local := base * float64(sc.Round()+1)
			// Private running total never leaves the participant.
			total := 0.0
			if v, ok := sc.Get("total"); ok {
				total = v.(float64)
			}
			sc.Set("total", total+local)
			return sc.Publish("local_sum", local, true)
		}).
		Next("aggregate").Done().
		AddStep("aggregate", workflow.BindAggregator).
		Body(func(ctx context.Context, sc workflow.StepContext) error {
			total := 0.0
			for _, col := range cols {
				v, err := sc.Resolve(col, sc.Round(), "local_sum")
				if err != nil {
					if types.GetErrorCode(err) == types.ErrReferenceResolution {
						continue
					}
					return err
				}
				total += v.(float64)
			}
			if err := sc.Publish("global_sum", total, true); err != nil {
				return err
			}
			if sc.Round() == rounds-1 {
				sc.SetBranch("done")
			} else {
				sc.SetBranch("continue")
			}
			return nil
		}).
		LoopBackTo("continue", "local_update").
		BranchTo("done", "finish").Done().
		AddStep("finish", workflow.BindAggregator).
		Terminal().
		Body(func(ctx context.Context, sc workflow.StepContext) error {
			return nil
		}).
		Done().
		Build()
	require.NoError(t, err)
	return g
}

func fedSumInputs() map[string]any {
	return map[string]any{
		"base": map[string]any{"col1": 3.0, "col2": 4.0},
	}
}

func newTestRegistry(t *testing.T, cols ...types.ParticipantID) *federation.Registry {
	t.Helper()
	reg, err := federation.NewRegistry("agg", cols, nil)
	require.NoError(t, err)
	return reg
}

// fedSumJournal is the expected publish sequence for an unperturbed run.
func fedSumJournal(cols []types.ParticipantID, rounds int) []refstore.Key {
	keys := []refstore.Key{{Owner: "agg", Round: 0, Name: "config"}}
	for r := 0; r < rounds; r++ {
		for _, col := range cols {
			keys = append(keys, refstore.Key{Owner: col, Round: r, Name: "local_sum"})
		}
		keys = append(keys, refstore.Key{Owner: "agg", Round: r, Name: "global_sum"})
	}
	return keys
}

func runFedSum(t *testing.T, backend runtime.Backend, store refstore.Store, rounds int) (*Controller, *RunResult) {
	t.Helper()
	cols := []types.ParticipantID{"col1", "col2"}
	ctrl := NewController(fedSumGraph(t, cols, rounds), newTestRegistry(t, cols...), store, backend,
		WithInputs(fedSumInputs()),
	)
	res, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	return ctrl, res
}

func TestController_FederatedSumLocal(t *testing.T) {
	t.Parallel()
	store := refstore.NewMemoryStore()
	backend := runtime.NewLocalBackend(store, nil)
	defer backend.Close()

	ctrl, res := runFedSum(t, backend, store, 3)

	assert.Equal(t, StatusCompleted, res.State.Status)
	assert.Equal(t, ReasonTerminalStep, res.State.Reason)
	assert.Equal(t, 2, res.State.Round)
	assert.Equal(t, fedSumJournal([]types.ParticipantID{"col1", "col2"}, 3), res.Journal)

	// global_sum per round r is (3+4)*(r+1).
	artifacts, err := ctrl.ArtifactsFor(context.Background(), "agg")
	require.NoError(t, err)
	for r := 0; r < 3; r++ {
		key := refstore.Key{Owner: "agg", Round: r, Name: "global_sum"}
		assert.Equal(t, 7.0*float64(r+1), artifacts[key], "round %d", r)
	}
}

func TestController_FederatedSumDistributed(t *testing.T) {
	t.Parallel()
	store := refstore.NewMemoryStore()
	backend := runtime.NewDistributedBackend(store, runtime.DistributedConfig{}, nil)
	defer backend.Close()

	_, res := runFedSum(t, backend, store, 3)

	assert.Equal(t, StatusCompleted, res.State.Status)
	assert.Equal(t, fedSumJournal([]types.ParticipantID{"col1", "col2"}, 3), res.Journal)
}

// Both backends must publish the identical key sequence and values.
func TestController_BackendTransparency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	localStore := refstore.NewMemoryStore()
	localBackend := runtime.NewLocalBackend(localStore, nil)
	defer localBackend.Close()
	localCtrl, localRes := runFedSum(t, localBackend, localStore, 4)

	distStore := refstore.NewMemoryStore()
	distBackend := runtime.NewDistributedBackend(distStore, runtime.DistributedConfig{}, nil)
	defer distBackend.Close()
	distCtrl, distRes := runFedSum(t, distBackend, distStore, 4)

	assert.Equal(t, localRes.Journal, distRes.Journal)

	localArtifacts, err := localCtrl.ArtifactsFor(ctx, "agg")
	require.NoError(t, err)
	distArtifacts, err := distCtrl.ArtifactsFor(ctx, "agg")
	require.NoError(t, err)
	assert.Equal(t, localArtifacts, distArtifacts)
}

func TestController_IncludeFilterSkipsOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cols := []types.ParticipantID{"col1", "col2"}

	g, err := workflow.NewBuilder("partial_update").
		AddStep("init", workflow.BindAggregator).
		Body(func(ctx context.Context, sc workflow.StepContext) error { return nil }).
		Next("local_update").Done().
		AddStep("local_update", workflow.BindCollaborator).
		Include("col1").Join().
		Body(func(ctx context.Context, sc workflow.StepContext) error {
			return sc.Publish("local_sum", 1.0, true)
		}).
		Next("aggregate").Done().
		AddStep("aggregate", workflow.BindAggregator).
		Terminal().
		Body(func(ctx context.Context, sc workflow.StepContext) error {
			// col2 was filtered out, so its reference must be absent, and
			// the body decides what that means.
			if _, err := sc.Resolve("col2", sc.Round(), "local_sum"); types.GetErrorCode(err) != types.ErrReferenceResolution {
				return types.NewError(types.ErrReferenceResolution, "expected absent reference for filtered participant")
			}
			v, err := sc.Resolve("col1", sc.Round(), "local_sum")
			if err != nil {
				return err
			}
			return sc.Publish("global_sum", v, true)
		}).
		Done().
		Build()
	require.NoError(t, err)

	store := refstore.NewMemoryStore()
	backend := runtime.NewLocalBackend(store, nil)
	defer backend.Close()
	ctrl := NewController(g, newTestRegistry(t, cols...), store, backend)

	res, err := ctrl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.State.Status)
	assert.Equal(t, []refstore.Key{
		{Owner: "col1", Round: 0, Name: "local_sum"},
		{Owner: "agg", Round: 0, Name: "global_sum"},
	}, res.Journal)
}

func TestController_RoundCeilingCompletesRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	visits := 0
	g, err := workflow.NewBuilder("bounded_loop").
		WithRoundCeiling(3).
		AddStep("init", workflow.BindAggregator).
		Body(func(ctx context.Context, sc workflow.StepContext) error { return nil }).
		Next("local_update").Done().
		AddStep("local_update", workflow.BindCollaborator).
		LoopBoundary().Join().
		Body(func(ctx context.Context, sc workflow.StepContext) error {
			visits++
			return nil
		}).
		Next("aggregate").Done().
		AddStep("aggregate", workflow.BindAggregator).
		Body(func(ctx context.Context, sc workflow.StepContext) error {
			sc.SetBranch("continue")
			return nil
		}).
		LoopBackTo("continue", "local_update").Done().
		Build()
	require.NoError(t, err)

	store := refstore.NewMemoryStore()
	backend := runtime.NewLocalBackend(store, nil)
	defer backend.Close()
	ctrl := NewController(g, newTestRegistry(t, "col1"), store, backend)

	res, err := ctrl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.State.Status)
	assert.Equal(t, ReasonRoundLimit, res.State.Reason)
	assert.Equal(t, 3, res.State.Round)
	assert.Equal(t, 3, visits)
}

func TestController_FailureToleranceExcludesForRound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cols := []types.ParticipantID{"col1", "col2"}

	failCol2 := true
	g, err := workflow.NewBuilder("tolerant_sum").
		WithRoundCeiling(2).
		AddStep("init", workflow.BindAggregator).
		Body(func(ctx context.Context, sc workflow.StepContext) error { return nil }).
		Next("local_update").Done().
		AddStep("local_update", workflow.BindCollaborator).
		LoopBoundary().Join().
		Body(func(ctx context.Context, sc workflow.StepContext) error {
			if failCol2 && sc.Participant().ID == "col2" {
				failCol2 = false
				return types.NewError(types.ErrBackendExecution, "device dropped out")
			}
			return sc.Publish("local_sum", 1.0, true)
		}).
		Next("aggregate").Done().
		AddStep("aggregate", workflow.BindAggregator).
		Body(func(ctx context.Context, sc workflow.StepContext) error {
			total := 0.0
			for _, col := range cols {
				v, err := sc.Resolve(col, sc.Round(), "local_sum")
				if err != nil {
					if types.GetErrorCode(err) == types.ErrReferenceResolution {
						continue
					}
					return err
				}
				total += v.(float64)
			}
			if err := sc.Publish("global_sum", total, true); err != nil {
				return err
			}
			sc.SetBranch("continue")
			return nil
		}).
		LoopBackTo("continue", "local_update").Done().
		Build()
	require.NoError(t, err)

	store := refstore.NewMemoryStore()
	backend := runtime.NewLocalBackend(store, nil)
	defer backend.Close()
	ctrl := NewController(g, newTestRegistry(t, cols...), store, backend,
		WithFailureTolerance(0.5),
	)

	res, err := ctrl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.State.Status)
	assert.Equal(t, []Exclusion{{Round: 0, Participant: "col2"}}, res.State.Exclusions)

	// Round 0 ran without col2; round 1 included it again.
	assert.Equal(t, []refstore.Key{
		{Owner: "col1", Round: 0, Name: "local_sum"},
		{Owner: "agg", Round: 0, Name: "global_sum"},
		{Owner: "col1", Round: 1, Name: "local_sum"},
		{Owner: "col2", Round: 1, Name: "local_sum"},
		{Owner: "agg", Round: 1, Name: "global_sum"},
	}, res.Journal)

	artifacts, err := ctrl.ArtifactsFor(ctx, "agg")
	require.NoError(t, err)
	assert.Equal(t, 1.0, artifacts[refstore.Key{Owner: "agg", Round: 0, Name: "global_sum"}])
	assert.Equal(t, 2.0, artifacts[refstore.Key{Owner: "agg", Round: 1, Name: "global_sum"}])
}

func TestController_ToleranceExceededFailsRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cols := []types.ParticipantID{"col1", "col2"}

	g, err := workflow.NewBuilder("brittle_sum").
		WithRoundCeiling(2).
		AddStep("init", workflow.BindAggregator).
		Body(func(ctx context.Context, sc workflow.StepContext) error { return nil }).
		Next("local_update").Done().
		AddStep("local_update", workflow.BindCollaborator).
		LoopBoundary().Join().
		Body(func(ctx context.Context, sc workflow.StepContext) error {
			return types.NewError(types.ErrBackendExecution, "device dropped out")
		}).
		Next("aggregate").Done().
		AddStep("aggregate", workflow.BindAggregator).
		Body(func(ctx context.Context, sc workflow.StepContext) error {
			sc.SetBranch("continue")
			return nil
		}).
		LoopBackTo("continue", "local_update").Done().
		Build()
	require.NoError(t, err)

	store := refstore.NewMemoryStore()
	backend := runtime.NewLocalBackend(store, nil)
	defer backend.Close()
	ctrl := NewController(g, newTestRegistry(t, cols...), store, backend,
		WithFailureTolerance(0.5), // permits 1 of 2, both fail
	)

	_, err = ctrl.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, types.ErrBackendExecution, types.GetErrorCode(err))
	assert.Equal(t, StatusFailed, ctrl.State().Status)
}

func TestController_AggregatorFailureAlwaysFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	g, err := workflow.NewBuilder("fatal_init").
		AddStep("init", workflow.BindAggregator).
		Terminal().
		Body(func(ctx context.Context, sc workflow.StepContext) error {
			return types.NewError(types.ErrBackendExecution, "aggregator crashed")
		}).
		Done().
		Build()
	require.NoError(t, err)

	store := refstore.NewMemoryStore()
	backend := runtime.NewLocalBackend(store, nil)
	defer backend.Close()
	ctrl := NewController(g, newTestRegistry(t, "col1"), store, backend,
		WithFailureTolerance(1.0),
	)

	_, err = ctrl.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, ctrl.State().Status)
}

func TestController_MetricsRecordFailedSteps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	g, err := workflow.NewBuilder("fatal_init").
		AddStep("init", workflow.BindAggregator).
		Terminal().
		Body(func(ctx context.Context, sc workflow.StepContext) error {
			return types.NewError(types.ErrRunAborted, "aggregator crashed")
		}).
		Done().
		Build()
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	store := refstore.NewMemoryStore()
	backend := runtime.NewLocalBackend(store, nil)
	defer backend.Close()
	ctrl := NewController(g, newTestRegistry(t, "col1"), store, backend,
		WithMetrics(NewMetrics(reg, "fedflow")),
	)

	_, err = ctrl.Run(ctx)
	require.Error(t, err)

	assert.Equal(t, 1.0, counterValue(t, reg, "fedflow_steps_total", map[string]string{
		"step":   "init",
		"status": "failed",
	}))
}

// counterValue finds one counter sample by name and exact label match.
func counterValue(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			matched := 0
			for _, pair := range m.GetLabel() {
				if labels[pair.GetName()] == pair.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("no %s sample with labels %v", name, labels)
	return 0
}

func TestController_CheckpointResumeReproducesRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cols := []types.ParticipantID{"col1", "col2"}

	// Reference: an unperturbed run.
	refStore := refstore.NewMemoryStore()
	refBackend := runtime.NewLocalBackend(refStore, nil)
	defer refBackend.Close()
	refCtrl, refRes := runFedSum(t, refBackend, refStore, 3)
	refArtifacts, err := refCtrl.ArtifactsFor(ctx, "agg")
	require.NoError(t, err)

	// Interrupted run: crash in round 1, checkpoints on disk.
	crash := true
	graph := func() *workflow.Graph {
		g, err := workflow.NewBuilder("federated_sum").
			AddStep("init", workflow.BindAggregator).
			Body(func(ctx context.Context, sc workflow.StepContext) error {
				return sc.Publish("config", map[string]any{"rounds": 3}, true)
			}).
			Next("local_update").Done().
			AddStep("local_update", workflow.BindCollaborator).
			LoopBoundary().Join().
			Body(func(ctx context.Context, sc workflow.StepContext) error {
				if crash && sc.Round() == 1 && sc.Participant().ID == "col1" {
					return types.NewError(types.ErrRunAborted, "injected crash")
				}
				base := sc.Inputs()["base"].(map[string]any)[string(sc.Participant().ID)].(float64)
				local := base * float64(sc.Round()+1)
				total := 0.0
				if v, ok := sc.Get("total"); ok {
					total = v.(float64)
				}
				sc.Set("total", total+local)
				return sc.Publish("local_sum", local, true)
			}).
			Next("aggregate").Done().
			AddStep("aggregate", workflow.BindAggregator).
			Body(func(ctx context.Context, sc workflow.StepContext) error {
				total := 0.0
				for _, col := range cols {
					v, err := sc.Resolve(col, sc.Round(), "local_sum")
					if err != nil {
						return err
					}
					total += v.(float64)
				}
				if err := sc.Publish("global_sum", total, true); err != nil {
					return err
				}
				if sc.Round() == 2 {
					sc.SetBranch("done")
				} else {
					sc.SetBranch("continue")
				}
				return nil
			}).
			LoopBackTo("continue", "local_update").
			BranchTo("done", "finish").Done().
			AddStep("finish", workflow.BindAggregator).
			Terminal().
			Body(func(ctx context.Context, sc workflow.StepContext) error { return nil }).
			Done().
			Build()
		require.NoError(t, err)
		return g
	}()

	dir := t.TempDir()
	cm, err := NewCheckpointManager(dir, nil)
	require.NoError(t, err)

	store1 := refstore.NewMemoryStore()
	backend1 := runtime.NewLocalBackend(store1, nil)
	defer backend1.Close()
	ctrl1 := NewController(graph, newTestRegistry(t, cols...), store1, backend1,
		WithInputs(fedSumInputs()),
		WithCheckpoints(cm),
	)
	_, err = ctrl1.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, types.ErrRunAborted, types.GetErrorCode(err))

	// Resume from the latest checkpoint into a fresh process: fresh store,
	// fresh backend, recovered control, store, and private state.
	crash = false
	ckpt, err := cm.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, ckpt)
	assert.Equal(t, 1, ckpt.Round)
	assert.Equal(t, "local_update", ckpt.State.CurrentStep)

	store2 := refstore.NewMemoryStore()
	backend2 := runtime.NewLocalBackend(store2, nil)
	defer backend2.Close()
	ctrl2 := NewController(graph, newTestRegistry(t, cols...), store2, backend2,
		WithInputs(fedSumInputs()),
	)
	res, err := ctrl2.Resume(ctx, ckpt)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.State.Status)
	assert.Equal(t, refRes.Journal, res.Journal)

	artifacts, err := ctrl2.ArtifactsFor(ctx, "agg")
	require.NoError(t, err)
	assert.Equal(t, refArtifacts, artifacts)
}
