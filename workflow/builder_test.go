package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/fedflow/types"
)

func noopBody(ctx context.Context, sc StepContext) error { return nil }

// buildLoopGraph declares the canonical round-driven shape:
// init -> local_update -> aggregate -(continue)-> local_update
//                                   -(done)----> finish
func buildLoopGraph() (*Graph, error) {
	return NewBuilder("fedavg").
		AddStep("init", BindAggregator).Body(noopBody).Next("local_update").Done().
		AddStep("local_update", BindCollaborator).LoopBoundary().Join().Body(noopBody).Next("aggregate").Done().
		AddStep("aggregate", BindAggregator).Body(noopBody).
		LoopBackTo("continue", "local_update").
		BranchTo("done", "finish").Done().
		AddStep("finish", BindAggregator).Terminal().Body(noopBody).Done().
		Build()
}

func TestBuilder_LoopWorkflow(t *testing.T) {
	t.Parallel()

	g, err := buildLoopGraph()
	require.NoError(t, err)

	assert.Equal(t, "fedavg", g.Name())
	assert.Equal(t, "init", g.Start().Name)
	assert.Equal(t, []string{"init", "local_update", "aggregate", "finish"}, g.Steps())
	assert.True(t, g.IsLoopBoundary("local_update"))
	assert.False(t, g.IsLoopBoundary("aggregate"))
}

func TestBuilder_ValidationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		build   func() (*Graph, error)
		wantMsg string
	}{
		{
			name: "no steps",
			build: func() (*Graph, error) {
				return NewBuilder("empty").Build()
			},
			wantMsg: "no steps",
		},
		{
			name: "missing body",
			build: func() (*Graph, error) {
				return NewBuilder("w").
					AddStep("a", BindAggregator).Terminal().Done().
					Build()
			},
			wantMsg: "no body",
		},
		{
			name: "no aggregator start",
			build: func() (*Graph, error) {
				return NewBuilder("w").
					AddStep("a", BindCollaborator).Body(noopBody).Terminal().Done().
					Build()
			},
			wantMsg: "no unique aggregator start",
		},
		{
			name: "two aggregator starts",
			build: func() (*Graph, error) {
				return NewBuilder("w").
					AddStep("a", BindAggregator).Body(noopBody).Terminal().Done().
					AddStep("b", BindAggregator).Body(noopBody).Terminal().Done().
					Build()
			},
			wantMsg: "no unique aggregator start",
		},
		{
			name: "dangling non-terminal step",
			build: func() (*Graph, error) {
				return NewBuilder("w").
					AddStep("a", BindAggregator).Body(noopBody).Next("b").Done().
					AddStep("b", BindAggregator).Body(noopBody).Done().
					Build()
			},
			wantMsg: "lacks outgoing transitions",
		},
		{
			name: "transition to undeclared step",
			build: func() (*Graph, error) {
				return NewBuilder("w").
					AddStep("a", BindAggregator).Body(noopBody).Next("ghost").Done().
					Build()
			},
			wantMsg: "undeclared step",
		},
		{
			name: "include and exclude together",
			build: func() (*Graph, error) {
				return NewBuilder("w").
					AddStep("a", BindAggregator).Body(noopBody).Next("b").Done().
					AddStep("b", BindCollaborator).Body(noopBody).
					Include("col1").Exclude("col2").Terminal().Done().
					Build()
			},
			wantMsg: "both include and exclude",
		},
		{
			name: "filter on aggregator step",
			build: func() (*Graph, error) {
				return NewBuilder("w").
					AddStep("a", BindAggregator).Body(noopBody).
					Include("col1").Terminal().Done().
					Build()
			},
			wantMsg: "participant filter",
		},
		{
			name: "loop-back to non-boundary",
			build: func() (*Graph, error) {
				return NewBuilder("w").
					AddStep("a", BindAggregator).Body(noopBody).Next("b").Done().
					AddStep("b", BindAggregator).Body(noopBody).
					LoopBackTo("continue", "a").
					BranchTo("done", "c").Done().
					AddStep("c", BindAggregator).Terminal().Body(noopBody).Done().
					Build()
			},
			wantMsg: "not a loop boundary",
		},
		{
			name: "loop-back without reachable exit",
			build: func() (*Graph, error) {
				return NewBuilder("w").
					AddStep("a", BindAggregator).LoopBoundary().Body(noopBody).Next("b").Done().
					AddStep("b", BindAggregator).Body(noopBody).
					LoopBackTo("", "a").Done().
					Build()
			},
			wantMsg: "no reachable exit",
		},
		{
			name: "cycle without loop-back marker",
			build: func() (*Graph, error) {
				return NewBuilder("w").
					AddStep("start", BindAggregator).Body(noopBody).Next("a").Done().
					AddStep("a", BindAggregator).Body(noopBody).Next("b").Done().
					AddStep("b", BindAggregator).Body(noopBody).Next("a").Done().
					Build()
			},
			wantMsg: "cycle without loop-back",
		},
		{
			name: "unreachable step",
			build: func() (*Graph, error) {
				return NewBuilder("w").
					AddStep("a", BindAggregator).Body(noopBody).Terminal().Done().
					AddStep("island", BindCollaborator).Body(noopBody).Terminal().Done().
					Build()
			},
			wantMsg: "unreachable",
		},
		{
			name: "duplicate branch value",
			build: func() (*Graph, error) {
				return NewBuilder("w").
					AddStep("a", BindAggregator).Body(noopBody).
					BranchTo("x", "b").BranchTo("x", "c").Done().
					AddStep("b", BindAggregator).Terminal().Body(noopBody).Done().
					AddStep("c", BindAggregator).Terminal().Body(noopBody).Done().
					Build()
			},
			wantMsg: "duplicate transition",
		},
		{
			name: "terminal with transitions",
			build: func() (*Graph, error) {
				return NewBuilder("w").
					AddStep("a", BindAggregator).Body(noopBody).Terminal().Next("a").Done().
					Build()
			},
			wantMsg: "terminal step",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g, err := tt.build()
			require.Error(t, err)
			assert.Nil(t, g)
			assert.Equal(t, types.ErrGraphValidation, types.GetErrorCode(err))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestBuilder_GraphDetachedFromBuilder(t *testing.T) {
	t.Parallel()

	b := NewBuilder("w")
	b.AddStep("a", BindAggregator).Body(noopBody).Terminal()
	g, err := b.Build()
	require.NoError(t, err)

	// Mutating the builder after Build must not reach the graph.
	b.AddStep("late", BindCollaborator).Body(noopBody).Terminal()
	assert.Equal(t, []string{"a"}, g.Steps())
	_, ok := g.Step("late")
	assert.False(t, ok)
}

func TestBuilder_RoundCeilingPermitsExitlessLoop(t *testing.T) {
	t.Parallel()

	g, err := NewBuilder("bounded").
		WithRoundCeiling(3).
		AddStep("a", BindAggregator).LoopBoundary().Body(noopBody).Next("b").Done().
		AddStep("b", BindAggregator).Body(noopBody).LoopBackTo("", "a").Done().
		Build()
	require.NoError(t, err)
	assert.Equal(t, 3, g.RoundCeiling())
}
