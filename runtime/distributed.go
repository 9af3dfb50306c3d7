package runtime

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/fedflow/refstore"
	"github.com/BaSui01/fedflow/types"
	"github.com/BaSui01/fedflow/workflow"
)

// RetryConfig bounds retries of transient instance failures.
// Conservative default: max 3 retries with exponential backoff 1s/2s/4s.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// UnmarshalYAML accepts human-readable backoff durations ("500ms", "10s")
// and leaves fields absent from the document untouched, so YAML merges
// over defaults instead of zeroing them.
func (c *RetryConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxRetries        *int     `yaml:"max_retries"`
		InitialBackoff    *string  `yaml:"initial_backoff"`
		MaxBackoff        *string  `yaml:"max_backoff"`
		BackoffMultiplier *float64 `yaml:"backoff_multiplier"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.MaxRetries != nil {
		c.MaxRetries = *raw.MaxRetries
	}
	if raw.InitialBackoff != nil {
		d, err := time.ParseDuration(*raw.InitialBackoff)
		if err != nil {
			return fmt.Errorf("invalid initial_backoff: %w", err)
		}
		c.InitialBackoff = d
	}
	if raw.MaxBackoff != nil {
		d, err := time.ParseDuration(*raw.MaxBackoff)
		if err != nil {
			return fmt.Errorf("invalid max_backoff: %w", err)
		}
		c.MaxBackoff = d
	}
	if raw.BackoffMultiplier != nil {
		c.BackoffMultiplier = *raw.BackoffMultiplier
	}
	return nil
}

// DistributedConfig configures the distributed backend.
type DistributedConfig struct {
	Retry RetryConfig `yaml:"retry"`
	// FailFast cancels all outstanding instances of a step as soon as one
	// fails. Leave false when the controller applies a failure-tolerance
	// threshold, so every instance outcome is known.
	FailFast bool `yaml:"fail_fast"`
}

// DistributedBackend maps each participant to an isolated worker
// goroutine owning that participant's private state. For every step it
// dispatches one task per subset member concurrently and blocks until all
// of them resolve: the join barrier is mandatory even for steps without
// an explicit join, because artifacts of round R must all exist before
// round R+1 steps can resolve references to them.
type DistributedBackend struct {
	store   refstore.Store
	cfg     DistributedConfig
	workers map[types.ParticipantID]*worker
	logger  *zap.Logger
}

// NewDistributedBackend creates a parallel backend with one worker per
// participant, spawned lazily on first dispatch.
func NewDistributedBackend(store refstore.Store, cfg DistributedConfig, logger *zap.Logger) *DistributedBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retry.BackoffMultiplier <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &DistributedBackend{
		store:   store,
		cfg:     cfg,
		workers: make(map[types.ParticipantID]*worker),
		logger:  logger.With(zap.String("component", "distributed_backend")),
	}
}

// ExecuteStep dispatches one task per participant and waits for all of
// them. Results are returned in subset order regardless of completion
// order, so folding them preserves the deterministic artifact sequence.
func (b *DistributedBackend) ExecuteStep(ctx context.Context, step *workflow.Step, subset []types.Participant, round int, inputs map[string]any) ([]*Result, error) {
	results := make([]*Result, len(subset))

	g, gctx := errgroup.WithContext(ctx)
	for i, participant := range subset {
		w := b.workerFor(participant)
		g.Go(func() error {
			res, err := w.execute(gctx, step, round, inputs)
			if err != nil {
				return err
			}
			results[i] = res
			if res.Err != nil && b.cfg.FailFast {
				return res.Err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if b.cfg.FailFast {
			// Outstanding instances were cancelled through the group
			// context; surface the first failure.
			return nil, err
		}
		return nil, types.NewError(types.ErrRunAborted, "step dispatch aborted").
			WithStep(step.Name).WithRound(round).WithCause(err)
	}
	return results, nil
}

func (b *DistributedBackend) workerFor(participant types.Participant) *worker {
	w, ok := b.workers[participant.ID]
	if !ok {
		w = newWorker(participant, b.store, b.cfg.Retry, b.logger)
		b.workers[participant.ID] = w
	}
	// A worker revived by RestoreState knows its id but not its role yet.
	w.participant = participant
	return w
}

// ExportState captures every worker's private attribute map. Workers are
// quiescent between steps and their last writes are ordered before the
// reply-channel receive, so reading here does not race.
func (b *DistributedBackend) ExportState() (map[types.ParticipantID]map[string]any, error) {
	out := make(map[types.ParticipantID]map[string]any, len(b.workers))
	for id, w := range b.workers {
		cp, err := copyAttrs(w.attrs)
		if err != nil {
			return nil, err
		}
		out[id] = cp
	}
	return out, nil
}

// RestoreState seeds worker private state from a checkpoint, spawning
// workers for participants that have not been dispatched to yet.
func (b *DistributedBackend) RestoreState(state map[types.ParticipantID]map[string]any) error {
	for id, attrs := range state {
		cp, err := copyAttrs(attrs)
		if err != nil {
			return err
		}
		w, ok := b.workers[id]
		if !ok {
			// Role is recovered on first dispatch; only the attrs matter
			// until then.
			w = newWorker(types.Participant{ID: id}, b.store, b.cfg.Retry, b.logger)
			b.workers[id] = w
		}
		w.attrs = cp
	}
	return nil
}

// Close stops all workers and waits for their loops to drain.
func (b *DistributedBackend) Close() error {
	for _, w := range b.workers {
		w.stop()
	}
	return nil
}

// worker hosts one participant. Its attribute map is touched only by the
// worker goroutine, which is what isolates private state between
// participants.
type worker struct {
	participant types.Participant
	attrs       map[string]any
	store       refstore.Store
	retry       RetryConfig
	tasks       chan *workerTask
	done        chan struct{}
	logger      *zap.Logger
}

type workerTask struct {
	ctx    context.Context
	step   *workflow.Step
	round  int
	inputs map[string]any
	reply  chan *Result
}

func newWorker(participant types.Participant, store refstore.Store, retry RetryConfig, logger *zap.Logger) *worker {
	w := &worker{
		participant: participant,
		attrs:       make(map[string]any),
		store:       store,
		retry:       retry,
		tasks:       make(chan *workerTask),
		done:        make(chan struct{}),
		logger:      logger.With(zap.String("worker", string(participant.ID))),
	}
	go w.loop()
	return w
}

func (w *worker) loop() {
	defer close(w.done)
	for task := range w.tasks {
		task.reply <- w.run(task)
	}
}

// execute hands a task to the worker goroutine and waits for its reply.
func (w *worker) execute(ctx context.Context, step *workflow.Step, round int, inputs map[string]any) (*Result, error) {
	task := &workerTask{
		ctx:    ctx,
		step:   step,
		round:  round,
		inputs: inputs,
		reply:  make(chan *Result, 1),
	}
	select {
	case w.tasks <- task:
	case <-ctx.Done():
		return nil, types.NewError(types.ErrRunAborted, "worker dispatch cancelled").
			WithStep(step.Name).WithRound(round).WithParticipant(w.participant.ID).
			WithCause(ctx.Err())
	}
	select {
	case res := <-task.reply:
		return res, nil
	case <-ctx.Done():
		// The worker still finishes the in-flight body; its reply lands
		// in the buffered channel and is dropped with the task.
		return nil, types.NewError(types.ErrRunAborted, "worker reply cancelled").
			WithStep(step.Name).WithRound(round).WithParticipant(w.participant.ID).
			WithCause(ctx.Err())
	}
}

// run executes the step body, retrying transient failures with
// exponential backoff. The artifact buffer is rebuilt on every attempt:
// nothing reaches the shared store until the controller folds a
// successful result, so retries never double-publish.
func (w *worker) run(task *workerTask) *Result {
	backoff := w.retry.InitialBackoff
	for attempt := 0; ; attempt++ {
		res := runInstance(task.ctx, task.step, w.participant, task.round, task.inputs, w.attrs, w.store)
		res.Retries = attempt
		if res.Err == nil || !types.IsRetryable(res.Err) || attempt >= w.retry.MaxRetries {
			return res
		}
		w.logger.Warn("retrying step instance",
			zap.String("step", task.step.Name),
			zap.Int("round", task.round),
			zap.Int("attempt", attempt+1),
			zap.Error(res.Err),
		)
		select {
		case <-time.After(backoff):
		case <-task.ctx.Done():
			return res
		}
		backoff = time.Duration(float64(backoff) * w.retry.BackoffMultiplier)
		if backoff > w.retry.MaxBackoff {
			backoff = w.retry.MaxBackoff
		}
	}
}

func (w *worker) stop() {
	close(w.tasks)
	<-w.done
}
