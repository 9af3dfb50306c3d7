// Package fedflow provides a top-level convenience entry point for
// running federated workflows with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/fedflow"
//
//	cfg := config.DefaultConfig()
//	cfg.Aggregator = "agg"
//	cfg.Collaborators = []string{"col1", "col2"}
//	cfg.Rounds = 3
//
//	result, err := fedflow.Run(ctx, cfg, graph)
//
// This is a thin wrapper wiring the registry, reference store, backend,
// and run controller from a single Config; use the individual packages
// directly when you need custom wiring.
package fedflow

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/fedflow/config"
	"github.com/BaSui01/fedflow/federation"
	"github.com/BaSui01/fedflow/refstore"
	"github.com/BaSui01/fedflow/runner"
	"github.com/BaSui01/fedflow/runtime"
	"github.com/BaSui01/fedflow/types"
	"github.com/BaSui01/fedflow/workflow"
)

// Option customizes the wiring performed by Run and Resume.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	inputs     map[string]any
	registerer prometheus.Registerer
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithInputs sets run-level input values visible to step bodies.
func WithInputs(inputs map[string]any) Option {
	return func(o *options) { o.inputs = inputs }
}

// WithMetricsRegisterer enables prometheus metrics on the given
// registerer.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// Run executes graph under cfg from its start step.
func Run(ctx context.Context, cfg *config.Config, graph *workflow.Graph, opts ...Option) (*runner.RunResult, error) {
	ctrl, backend, store, err := wire(cfg, graph, opts...)
	if err != nil {
		return nil, err
	}
	defer backend.Close()
	defer store.Close()
	return ctrl.Run(ctx)
}

// Resume continues graph from the latest complete checkpoint in
// cfg.CheckpointDir.
func Resume(ctx context.Context, cfg *config.Config, graph *workflow.Graph, opts ...Option) (*runner.RunResult, error) {
	if cfg.CheckpointDir == "" {
		return nil, types.NewError(types.ErrCheckpoint, "resume requires a checkpoint directory")
	}
	ctrl, backend, store, err := wire(cfg, graph, opts...)
	if err != nil {
		return nil, err
	}
	defer backend.Close()
	defer store.Close()

	mgr, err := runner.NewCheckpointManager(cfg.CheckpointDir, nil)
	if err != nil {
		return nil, err
	}
	ckpt, err := mgr.LoadLatest()
	if err != nil {
		return nil, err
	}
	return ctrl.Resume(ctx, ckpt)
}

func wire(cfg *config.Config, graph *workflow.Graph, opts ...Option) (*runner.Controller, runtime.Backend, refstore.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}
	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}

	registry, err := federation.NewRegistry(types.ParticipantID(cfg.Aggregator), cfg.CollaboratorIDs(), o.logger)
	if err != nil {
		return nil, nil, nil, err
	}

	var store refstore.Store
	switch cfg.Store {
	case config.StoreRedis:
		store, err = refstore.NewRedisStore(cfg.Redis)
		if err != nil {
			return nil, nil, nil, err
		}
	default:
		store = refstore.NewMemoryStore()
	}

	var backend runtime.Backend
	if cfg.Backend == config.BackendDistributed {
		// Without a tolerance threshold the first fatal instance failure
		// ends the run, so peers of the failed step are cancelled instead
		// of waited out.
		backend = runtime.NewDistributedBackend(store, runtime.DistributedConfig{
			Retry:    cfg.Retry,
			FailFast: cfg.FailureTolerance <= 0,
		}, o.logger)
	} else {
		backend = runtime.NewLocalBackend(store, o.logger)
	}

	ctrlOpts := []runner.Option{
		runner.WithLogger(o.logger),
		runner.WithFailureTolerance(cfg.FailureTolerance),
		runner.WithInputs(o.inputs),
	}
	if cfg.Rounds > 0 {
		ctrlOpts = append(ctrlOpts, runner.WithRoundCeiling(cfg.Rounds))
	}
	if cfg.CheckpointDir != "" {
		mgr, err := runner.NewCheckpointManager(cfg.CheckpointDir, o.logger)
		if err != nil {
			return nil, nil, nil, err
		}
		ctrlOpts = append(ctrlOpts, runner.WithCheckpoints(mgr))
	}
	if o.registerer != nil {
		ctrlOpts = append(ctrlOpts, runner.WithMetrics(runner.NewMetrics(o.registerer, "fedflow")))
	}

	return runner.NewController(graph, registry, store, backend, ctrlOpts...), backend, store, nil
}
