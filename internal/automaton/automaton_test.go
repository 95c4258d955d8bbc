package automaton

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"vibegraph/internal/descriptor"
	"vibegraph/internal/rule"
	"vibegraph/internal/temporal"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func floatPtr(v float64) *float64 { return &v }

// neighborPull sets a node's activation to the mean of its neighbors'
// pre-tick activation, damped by the node's stability.
type neighborPull struct{}

func (neighborPull) ID() string                         { return "neighbor_pull" }
func (neighborPull) Description() string                { return "damped neighbor mean" }
func (neighborPull) Priority() int                      { return 0 }
func (neighborPull) ShouldApply(ctx *rule.Context) bool { return true }
func (neighborPull) Apply(ctx *rule.Context) (rule.Outcome, error) {
	next := ctx.State
	next.Activation = ctx.Neighbors.AvgActivation() * (1 - ctx.Stability*0.5)
	return rule.Transition(next), nil
}

// bump raises activation by a fixed step, used to trigger change events.
type bump struct{ step float64 }

func (bump) ID() string                         { return "bump" }
func (bump) Description() string                { return "fixed activation bump" }
func (bump) Priority() int                      { return 0 }
func (bump) ShouldApply(ctx *rule.Context) bool { return true }
func (b bump) Apply(ctx *rule.Context) (rule.Outcome, error) {
	next := ctx.State
	next.Activation += b.step
	return rule.Transition(next), nil
}

// marker stamps an annotation without moving activation.
type marker struct{ id, key string }

func (m marker) ID() string                         { return m.id }
func (m marker) Description() string                { return "annotation marker" }
func (m marker) Priority() int                      { return 0 }
func (m marker) ShouldApply(ctx *rule.Context) bool { return true }
func (m marker) Apply(ctx *rule.Context) (rule.Outcome, error) {
	return rule.Transition(ctx.State.WithAnnotation(m.key, "fired")), nil
}

// oscillator flips activation between 0 and 1 forever.
type oscillator struct{}

func (oscillator) ID() string                         { return "oscillator" }
func (oscillator) Description() string                { return "never converges" }
func (oscillator) Priority() int                      { return 0 }
func (oscillator) ShouldApply(ctx *rule.Context) bool { return true }
func (oscillator) Apply(ctx *rule.Context) (rule.Outcome, error) {
	next := ctx.State
	next.Activation = 1 - next.Activation
	return rule.Transition(next), nil
}

// failing always errors.
type failing struct{}

func (failing) ID() string                         { return "failing" }
func (failing) Description() string                { return "always errors" }
func (failing) Priority() int                      { return 0 }
func (failing) ShouldApply(ctx *rule.Context) bool { return true }
func (failing) Apply(ctx *rule.Context) (rule.Outcome, error) {
	return rule.Skip(), errors.New("synthetic rule failure")
}

func chainGraph(t *testing.T) *temporal.Graph {
	t.Helper()
	g, err := temporal.NewGraph(
		[]temporal.GraphNode{
			{ID: 1, Name: "a.go", Kind: temporal.KindFile},
			{ID: 2, Name: "b.go", Kind: temporal.KindFile},
			{ID: 3, Name: "c.go", Kind: temporal.KindFile},
		},
		[]temporal.GraphEdge{
			{ID: 1, From: 1, To: 2, Relationship: "imports"},
			{ID: 2, From: 2, To: 3, Relationship: "imports"},
		},
	)
	require.NoError(t, err)
	return g
}

func chainDescription() *descriptor.Description {
	d := descriptor.NewDescription("chain")
	d.Defaults.DefaultRule = "neighbor_pull"
	d.Nodes = []descriptor.NodeConfig{
		{Path: "a.go", Kind: temporal.KindFile, Stability: floatPtr(0.9)},
		{Path: "b.go", Kind: temporal.KindFile, Stability: floatPtr(0.5)},
		{Path: "c.go", Kind: temporal.KindFile, Stability: floatPtr(0.3)},
	}
	return d
}

func registryWith(rules ...rule.Rule) *rule.Registry {
	reg := rule.NewRegistry()
	for _, r := range rules {
		reg.Register(r)
	}
	return reg
}

func activation(t *testing.T, g *temporal.Graph, id int) float64 {
	t.Helper()
	node, ok := g.Node(id)
	require.True(t, ok)
	return node.CurrentActivation()
}

func TestChainPropagationFromRest(t *testing.T) {
	g := chainGraph(t)
	a, err := New(g, chainDescription(), WithRegistry(registryWith(neighborPull{})))
	require.NoError(t, err)

	res, err := a.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Tick)
	assert.Equal(t, 3, res.Transitions)

	// Every neighbor mean is zero, so every node stays exactly at rest.
	assert.Equal(t, 0.0, activation(t, g, 1))
	assert.Equal(t, 0.0, activation(t, g, 2))
	assert.Equal(t, 0.0, activation(t, g, 3))
}

func TestChainPropagationReadsPreTickSnapshot(t *testing.T) {
	g := chainGraph(t)
	a, err := New(g, chainDescription(), WithRegistry(registryWith(neighborPull{})))
	require.NoError(t, err)

	// Seed c.go with activation 0.8 through an external transition.
	node, ok := g.Node(3)
	require.True(t, ok)
	seed := temporal.NewTransition(temporal.RuleExternal).
		Activation(0.8).
		Sequence(node.Evolution.NextSequence()).
		Build()
	require.NoError(t, g.ApplyTransition(3, seed))

	_, err = a.Tick(context.Background())
	require.NoError(t, err)

	// b.go reads c.go's pre-tick 0.8 even though c.go itself dropped to 0
	// this tick: mean(0, 0.8)=0.4, damped by (1-0.5*0.5)=0.75.
	assert.Equal(t, 0.0, activation(t, g, 1))
	assert.InDelta(t, 0.3, activation(t, g, 2), 1e-12)
	assert.Equal(t, 0.0, activation(t, g, 3))
}

func TestRunUntilStableConverges(t *testing.T) {
	g := chainGraph(t)
	d := chainDescription()
	d.Automaton.MinTicksBeforeStability = 3
	d.Automaton.HistoryWindow = 4

	a, err := New(g, d, WithRegistry(registryWith(neighborPull{})))
	require.NoError(t, err)

	run, err := a.RunUntilStable(context.Background())
	require.NoError(t, err)

	assert.True(t, run.Converged())
	assert.Equal(t, PhaseStable, a.Phase())
	assert.Equal(t, 3, run.StableAt, "all-zero deltas satisfy both windows at the warmup boundary")
	assert.Len(t, run.Ticks, 3)
}

func TestRunUntilStableExhaustsBudget(t *testing.T) {
	g := chainGraph(t)
	d := chainDescription()
	d.Defaults.DefaultRule = "oscillator"
	d.Automaton.MaxTicks = 10

	a, err := New(g, d, WithRegistry(registryWith(oscillator{})))
	require.NoError(t, err)

	run, err := a.RunUntilStable(context.Background())
	require.NoError(t, err)

	assert.False(t, run.Converged())
	assert.Equal(t, PhaseBudgetExhausted, run.Phase)
	assert.Equal(t, PhaseBudgetExhausted, a.Phase())
	assert.Len(t, run.Ticks, 10)
	assert.Zero(t, run.StableAt)
}

func TestTransitionRateHeuristic(t *testing.T) {
	def := DefaultTransitionRateConvergence()
	assert.Equal(t, 0.01, def.MaxRate)
	assert.Equal(t, 3, def.ConsecutiveTicks)

	// One oscillating node out of three: rate 1/3 per tick, but a full
	// unit of activation delta that the default heuristic would never
	// call quiet.
	g := chainGraph(t)
	d := descriptor.NewDescription("busy")
	d.Defaults.DefaultRule = "noop"
	d.Nodes = []descriptor.NodeConfig{{Path: "a.go", Kind: temporal.KindFile, Rule: "oscillator"}}

	a, err := New(g, d,
		WithRegistry(registryWith(oscillator{})),
		WithHeuristic(TransitionRateConvergence{MaxRate: 0.34, ConsecutiveTicks: 3}))
	require.NoError(t, err)

	run, err := a.RunUntilStable(context.Background())
	require.NoError(t, err)

	assert.True(t, run.Converged())
	assert.Equal(t, PhaseStable, a.Phase())
	assert.Equal(t, 5, run.StableAt, "rate holds from the first tick, so the warmup bound decides")
	assert.Len(t, run.Ticks, 5)
	assert.Equal(t, 1.0, run.Ticks[len(run.Ticks)-1].MaxDelta)
}

func TestRuleFailureDegradesToSkip(t *testing.T) {
	g := chainGraph(t)
	d := chainDescription()
	d.Nodes[1].Rule = "failing"

	a, err := New(g, d, WithRegistry(registryWith(neighborPull{}, failing{})))
	require.NoError(t, err)

	res, err := a.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 2, res.Transitions)
	assert.Equal(t, 1, res.Skipped)

	node, ok := g.Node(2)
	require.True(t, ok)
	assert.Equal(t, 1, node.Evolution.Len(), "failed rule must not advance the node's history")
}

func TestSkipNeverAdvancesSequence(t *testing.T) {
	g := chainGraph(t)
	d := chainDescription()
	d.Defaults.DefaultRule = "noop"

	a, err := New(g, d)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := a.Tick(context.Background())
		require.NoError(t, err)
		assert.Zero(t, res.Transitions)
		assert.Equal(t, 3, res.Skipped)
	}
	for _, id := range g.NodeIDs() {
		node, ok := g.Node(id)
		require.True(t, ok)
		assert.Equal(t, 1, node.Evolution.Len())
		assert.Equal(t, uint64(2), node.Evolution.NextSequence())
	}
}

func TestDeterministicTicks(t *testing.T) {
	runOnce := func() map[int][]temporal.Transition {
		g := chainGraph(t)
		a, err := New(g, chainDescription(), WithRegistry(registryWith(neighborPull{})))
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			_, err := a.Tick(context.Background())
			require.NoError(t, err)
		}
		out := make(map[int][]temporal.Transition)
		for _, id := range g.NodeIDs() {
			node, _ := g.Node(id)
			out[id] = node.Evolution.Window(node.Evolution.Len())
		}
		return out
	}

	first := runOnce()
	second := runOnce()

	require.Equal(t, len(first), len(second))
	for id, ts := range first {
		other := second[id]
		require.Len(t, other, len(ts))
		for i := range ts {
			assert.Equal(t, ts[i].RuleID, other[i].RuleID)
			assert.Equal(t, ts[i].Sequence, other[i].Sequence)
			assert.Equal(t, ts[i].State.Activation, other[i].State.Activation)
		}
	}
}

func TestConcurrentEvaluationMatchesSerial(t *testing.T) {
	run := func(concurrency int) []float64 {
		g := chainGraph(t)
		d := chainDescription()
		cfg := ConfigFromDescription(d)
		cfg.MaxConcurrent = concurrency
		a, err := New(g, d, WithRegistry(registryWith(neighborPull{})), WithConfig(cfg))
		require.NoError(t, err)

		node, ok := g.Node(3)
		require.True(t, ok)
		seed := temporal.NewTransition(temporal.RuleExternal).
			Activation(0.8).
			Sequence(node.Evolution.NextSequence()).
			Build()
		require.NoError(t, g.ApplyTransition(3, seed))

		for i := 0; i < 4; i++ {
			_, err := a.Tick(context.Background())
			require.NoError(t, err)
		}
		var out []float64
		for _, id := range g.NodeIDs() {
			out = append(out, activation(t, g, id))
		}
		return out
	}

	assert.Equal(t, run(1), run(4))
}

func folderGraph(t *testing.T) *temporal.Graph {
	t.Helper()
	g, err := temporal.NewGraph(
		[]temporal.GraphNode{
			{ID: 1, Name: "src", Kind: temporal.KindDirectory},
			{ID: 2, Name: "src/a.go", Kind: temporal.KindFile},
			{ID: 3, Name: "src/b.go", Kind: temporal.KindFile},
		},
		[]temporal.GraphEdge{
			{ID: 1, From: 1, To: 2, Relationship: "contains"},
			{ID: 2, From: 1, To: 3, Relationship: "contains"},
		},
	)
	require.NoError(t, err)
	return g
}

func TestFileEventsFireInheritedLocalRules(t *testing.T) {
	g := folderGraph(t)
	d := descriptor.NewDescription("events")
	d.Defaults.DefaultRule = "noop"
	d.Nodes = []descriptor.NodeConfig{
		{
			Path: "src",
			Kind: temporal.KindDirectory,
			LocalRules: descriptor.LocalRules{
				descriptor.OnFileUpdate:            "bump",
				descriptor.OnChildActivationChange: "dir_marker",
			},
		},
	}

	a, err := New(g, d, WithRegistry(registryWith(bump{step: 0.2}, marker{id: "dir_marker", key: "children_changed"})))
	require.NoError(t, err)

	require.NoError(t, a.QueueFileEvent("src/a.go", descriptor.OnFileUpdate))
	require.NoError(t, a.QueueFileEvent("src/b.go", descriptor.OnFileUpdate))

	res, err := a.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Transitions, "both files compose the folder's on_file_update rule")
	assert.InDelta(t, 0.2, activation(t, g, 2), 1e-12)
	assert.InDelta(t, 0.2, activation(t, g, 3), 1e-12)

	// Both children changed, but the folder re-evaluates exactly once on
	// the following tick.
	res, err = a.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Transitions)

	dir, ok := g.Node(1)
	require.True(t, ok)
	assert.Equal(t, 2, dir.Evolution.Len())
	_, fired := dir.Evolution.CurrentState().Annotation("children_changed")
	assert.True(t, fired)

	// No pending events left, so the graph goes quiet again.
	res, err = a.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Transitions)
}

func TestQueueFileEventUnknownPath(t *testing.T) {
	g := folderGraph(t)
	a, err := New(g, descriptor.NewDescription("events"))
	require.NoError(t, err)

	err = a.QueueFileEvent("nope/missing.go", descriptor.OnFileUpdate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.go")
}

func TestQueuedEventResetsSettledPhase(t *testing.T) {
	g := chainGraph(t)
	d := chainDescription()
	d.Automaton.MinTicksBeforeStability = 2
	d.Automaton.HistoryWindow = 2

	a, err := New(g, d, WithRegistry(registryWith(neighborPull{})))
	require.NoError(t, err)

	_, err = a.RunUntilStable(context.Background())
	require.NoError(t, err)
	require.Equal(t, PhaseStable, a.Phase())

	require.NoError(t, a.QueueFileEvent("a.go", descriptor.OnFileUpdate))
	assert.Equal(t, PhaseIdle, a.Phase())
}

func TestRestoreHistoryResumesTickNumbering(t *testing.T) {
	g := chainGraph(t)
	a, err := New(g, chainDescription(), WithRegistry(registryWith(neighborPull{})))
	require.NoError(t, err)

	a.RestoreHistory([]TickResult{{Tick: 40}, {Tick: 41}})
	assert.Equal(t, 41, a.TickCount())

	res, err := a.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, res.Tick)
	assert.Equal(t, 42, a.TickCount())
	assert.Len(t, a.History(), 3)
}

func TestNewRejectsBrokenDescriptions(t *testing.T) {
	g := chainGraph(t)

	t.Run("external rule without factory", func(t *testing.T) {
		d := descriptor.NewDescription("bad")
		d.Rules = []descriptor.RuleConfig{{Name: "llm", Type: descriptor.RuleExternal, SystemPrompt: "p"}}
		_, err := New(g, d)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "external resolver")
	})

	t.Run("unknown builtin", func(t *testing.T) {
		d := descriptor.NewDescription("bad")
		d.Rules = []descriptor.RuleConfig{{Name: "ghost", Type: descriptor.RuleBuiltin}}
		_, err := New(g, d)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not registered")
	})

	t.Run("node referencing unknown rule", func(t *testing.T) {
		d := descriptor.NewDescription("bad")
		d.Nodes = []descriptor.NodeConfig{{Path: "a.go", Rule: "ghost"}}
		_, err := New(g, d)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"ghost"`)
	})
}

func TestCompositeDescriptorRule(t *testing.T) {
	g := chainGraph(t)
	d := chainDescription()
	d.Defaults.DefaultRule = "combo"
	d.Rules = []descriptor.RuleConfig{
		{Name: "combo", Type: descriptor.RuleComposite, Rules: []string{"noop", "neighbor_pull"}},
	}

	a, err := New(g, d, WithRegistry(registryWith(neighborPull{})))
	require.NoError(t, err)

	node, ok := g.Node(3)
	require.True(t, ok)
	seed := temporal.NewTransition(temporal.RuleExternal).
		Activation(0.8).
		Sequence(node.Evolution.NextSequence()).
		Build()
	require.NoError(t, g.ApplyTransition(3, seed))

	_, err = a.Tick(context.Background())
	require.NoError(t, err)

	// noop skips, so the composite falls through to neighbor_pull.
	assert.InDelta(t, 0.3, activation(t, g, 2), 1e-12)
	cur := node.Evolution.Current()
	require.NotNil(t, cur)
	assert.Equal(t, "combo", cur.RuleID)
}
