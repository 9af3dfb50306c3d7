// fedflow command-line entry point.
//
// Usage:
//
//	fedflow validate --config fedflow.yaml   # validate a run configuration
//	fedflow inspect --dir ./checkpoints      # summarize the latest checkpoint
//	fedflow demo --config fedflow.yaml       # run the built-in federated-sum demo
//	fedflow version                          # show version information
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/fedflow"
	"github.com/BaSui01/fedflow/config"
	"github.com/BaSui01/fedflow/runner"
	"github.com/BaSui01/fedflow/types"
	"github.com/BaSui01/fedflow/workflow"
)

// Injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:])
	case "inspect":
		err = runInspect(os.Args[2:])
	case "demo":
		err = runDemo(os.Args[2:])
	case "version":
		fmt.Printf("fedflow %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`fedflow - federated workflow runner

Commands:
  validate   Validate a run configuration file
  inspect    Summarize the latest checkpoint in a directory
  demo       Run the built-in federated-sum demo workflow
  version    Show version information`)
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	path := fs.String("config", "fedflow.yaml", "path to the configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	fmt.Printf("%s is valid: aggregator=%s collaborators=%d backend=%s store=%s rounds=%d\n",
		*path, cfg.Aggregator, len(cfg.Collaborators), cfg.Backend, cfg.Store, cfg.Rounds)
	return nil
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dir := fs.String("dir", "./checkpoints", "checkpoint directory")
	fs.Parse(args)

	mgr, err := runner.NewCheckpointManager(*dir, zap.NewNop())
	if err != nil {
		return err
	}
	ckpt, err := mgr.LoadLatest()
	if err != nil {
		return err
	}
	if ckpt == nil {
		fmt.Printf("no checkpoints in %s\n", *dir)
		return nil
	}
	fmt.Printf("checkpoint %s (seq %d, %s)\n", ckpt.ID, ckpt.Sequence, ckpt.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  run:       %s (%s)\n", ckpt.State.RunID, ckpt.State.Status)
	fmt.Printf("  position:  step %q, round %d\n", ckpt.State.CurrentStep, ckpt.Round)
	fmt.Printf("  artifacts: %d published\n", len(ckpt.Store.Artifacts))
	fmt.Printf("  private:   %d participants\n", len(ckpt.Private))
	if len(ckpt.State.Exclusions) > 0 {
		fmt.Printf("  excluded:  %v\n", ckpt.State.Exclusions)
	}
	return nil
}

func runDemo(args []string) error {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	path := fs.String("config", "", "optional configuration file")
	fs.Parse(args)

	var cfg *config.Config
	if *path == "" {
		cfg = config.DefaultConfig()
		cfg.Aggregator = "server"
		cfg.Collaborators = []string{"col1", "col2", "col3"}
		cfg.Rounds = 3
	} else {
		var err error
		cfg, err = config.Load(*path)
		if err != nil {
			return err
		}
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	graph, err := demoGraph(cfg.CollaboratorIDs(), cfg.Rounds)
	if err != nil {
		return err
	}

	inputs := map[string]any{"shares": map[string]any{}}
	for i, col := range cfg.Collaborators {
		inputs["shares"].(map[string]any)[col] = float64((i + 1) * 10)
	}

	result, err := fedflow.Run(context.Background(), cfg, graph,
		fedflow.WithLogger(logger),
		fedflow.WithInputs(inputs),
	)
	if err != nil {
		return err
	}

	fmt.Printf("run %s: %s (%s) after %d rounds\n",
		result.State.RunID, result.State.Status, result.State.Reason, result.State.Round)
	for _, key := range result.Journal {
		fmt.Printf("  %s\n", key)
	}
	return nil
}

// demoGraph is the federated-sum workflow: collaborators publish local
// sums each round, the aggregator folds them into a global sum.
func demoGraph(cols []types.ParticipantID, rounds int) (*workflow.Graph, error) {
	return workflow.NewBuilder("federated_sum_demo").
		WithRoundCeiling(rounds).
		AddStep("init", workflow.BindAggregator).
		Body(func(ctx context.Context, sc workflow.StepContext) error {
			return sc.Publish("config", map[string]any{"rounds": rounds}, true)
		}).
		Next("local_update").Done().
		AddStep("local_update", workflow.BindCollaborator).
		LoopBoundary().Join().
		Body(func(ctx context.Context, sc workflow.StepContext) error {
			share := sc.Inputs()["shares"].(map[string]any)[string(sc.Participant().ID)].(float64)
			return sc.Publish("local_sum", share*float64(sc.Round()+1), true)
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
			sc.SetBranch("continue")
			return nil
		}).
		LoopBackTo("continue", "local_update").Done().
		Build()
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
