package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibegraph/internal/automaton"
	"vibegraph/internal/descriptor"
	"vibegraph/internal/rule"
	"vibegraph/internal/temporal"
)

func externalConfig(name string) descriptor.RuleConfig {
	return descriptor.RuleConfig{Name: name, Type: descriptor.RuleExternal}
}

func TestExternalRuleFoldsVerdict(t *testing.T) {
	activation := 0.8
	backend := &stubResolver{name: "stub", fn: func(ctx context.Context, req Request) (NextStateOutput, error) {
		return NextStateOutput{
			Rule:       "warm_shift",
			Activation: &activation,
			State:      map[string]any{"note": "hot", "depth": 3},
			Feedback:   "looks fine",
		}, nil
	}}
	r := NewExternalRule(externalConfig("llm_probe"), mustPool(t, backend))

	rctx := &rule.Context{
		NodeID: 1,
		Path:   "a.go",
		State:  temporal.NewStateData(0.2).WithAnnotation("keep", "old"),
		Tick:   2,
	}
	out, err := r.Apply(rctx)
	require.NoError(t, err)
	require.False(t, out.Skipped)

	assert.Equal(t, 0.8, out.State.Activation)
	for key, want := range map[string]string{
		"keep":          "old",
		"note":          "hot",
		"depth":         "3",
		"resolved_rule": "warm_shift",
		"feedback":      "looks fine",
	} {
		got, ok := out.State.Annotation(key)
		assert.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}
}

func TestExternalRuleLeavesActivationWhenOmitted(t *testing.T) {
	backend := &stubResolver{name: "stub", fn: func(ctx context.Context, req Request) (NextStateOutput, error) {
		return NextStateOutput{Rule: "hold"}, nil
	}}
	r := NewExternalRule(externalConfig("llm_probe"), mustPool(t, backend))

	out, err := r.Apply(&rule.Context{Path: "a.go", State: temporal.NewStateData(0.4)})
	require.NoError(t, err)
	assert.Equal(t, 0.4, out.State.Activation)
}

func TestExternalRuleTimeoutSkips(t *testing.T) {
	backend := &stubResolver{name: "slow", fn: func(ctx context.Context, req Request) (NextStateOutput, error) {
		<-ctx.Done()
		return NextStateOutput{}, ctx.Err()
	}}
	pool := mustPool(t, backend)
	pool.SetTimeout(20 * time.Millisecond)

	r := NewExternalRule(externalConfig("llm_probe"), pool)
	out, err := r.Apply(&rule.Context{Path: "a.go", State: temporal.NewStateData(0.4)})
	require.NoError(t, err)
	assert.True(t, out.Skipped)
}

func TestExternalRuleBackendFailureIsAnError(t *testing.T) {
	backend := &stubResolver{name: "broken", fn: func(ctx context.Context, req Request) (NextStateOutput, error) {
		return NextStateOutput{}, errors.New("model fell over")
	}}
	r := NewExternalRule(externalConfig("llm_probe"), mustPool(t, backend))

	out, err := r.Apply(&rule.Context{Path: "a.go", State: temporal.NewStateData(0.4)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `rule "llm_probe"`)
	assert.Contains(t, err.Error(), "model fell over")
	assert.Equal(t, rule.Outcome{}, out)
}

func TestExternalRuleIdentity(t *testing.T) {
	r := NewExternalRule(externalConfig("llm_probe"), mustPool(t, &stubResolver{name: "a"}))
	assert.Equal(t, "llm_probe", r.ID())
	assert.Equal(t, externalRulePriority, r.Priority())
	assert.True(t, r.ShouldApply(nil))
	assert.Contains(t, r.Description(), "llm_probe")
}

func TestFactory(t *testing.T) {
	t.Run("binds against a live pool", func(t *testing.T) {
		factory := Factory(mustPool(t, &stubResolver{name: "a"}))
		r, err := factory(externalConfig("llm_probe"))
		require.NoError(t, err)
		assert.Equal(t, "llm_probe", r.ID())
	})

	t.Run("rejects a nil pool", func(t *testing.T) {
		factory := Factory(nil)
		_, err := factory(externalConfig("llm_probe"))
		assert.ErrorIs(t, err, ErrNoBackends)
	})
}

// recordingBackend captures every request it serves.
type recordingBackend struct {
	name string
	out  NextStateOutput

	mu   sync.Mutex
	reqs []Request
}

func (b *recordingBackend) Name() string { return b.name }

func (b *recordingBackend) Resolve(ctx context.Context, req Request) (NextStateOutput, error) {
	b.mu.Lock()
	b.reqs = append(b.reqs, req)
	b.mu.Unlock()
	return b.out, nil
}

func (b *recordingBackend) requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.reqs...)
}

func TestDistributedTick(t *testing.T) {
	g, err := temporal.NewGraph(
		[]temporal.GraphNode{
			{ID: 1, Name: "a.go", Kind: temporal.KindFile},
			{ID: 2, Name: "b.go", Kind: temporal.KindFile},
		},
		[]temporal.GraphEdge{
			{ID: 1, From: 1, To: 2, Relationship: "imports"},
		},
	)
	require.NoError(t, err)

	d := descriptor.NewDescription("distributed")
	d.Defaults.DefaultRule = "llm_probe"
	d.Rules = []descriptor.RuleConfig{
		{Name: "llm_probe", Type: descriptor.RuleExternal, SystemPrompt: "custom contract"},
	}

	activation := 0.6
	verdict := NextStateOutput{
		Rule:       "external_probe",
		Activation: &activation,
		State:      map[string]any{"note": "seen"},
	}
	first := &recordingBackend{name: "one", out: verdict}
	second := &recordingBackend{name: "two", out: verdict}
	pool := mustPool(t, first, second)

	a, err := automaton.New(g, d, automaton.WithExternalRules(Factory(pool)))
	require.NoError(t, err)

	res, err := DistributedTick(context.Background(), a, pool, TickOptions{
		MaxConcurrent: 2,
		Timeout:       time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Tick)
	assert.Equal(t, 2, res.Transitions)
	assert.Equal(t, 0, res.Errors)

	// The options override the automaton and pool settings in place.
	assert.Equal(t, 2, a.Config().MaxConcurrent)
	assert.Equal(t, time.Second, pool.Timeout())

	// Round-robin: two nodes across two backends means one request each.
	require.Len(t, first.requests(), 1)
	require.Len(t, second.requests(), 1)
	for _, req := range append(first.requests(), second.requests()...) {
		assert.Equal(t, "custom contract", req.SystemPrompt)
		assert.Equal(t, 1, req.Tick)
		assert.Len(t, req.Memory, 1)
		require.NotNil(t, req.Neighbors)
	}

	for _, id := range []int{1, 2} {
		node, ok := g.Node(id)
		require.True(t, ok)
		assert.Equal(t, 0.6, node.CurrentActivation())

		last := node.Evolution.Current()
		require.NotNil(t, last)
		assert.Equal(t, "llm_probe", last.RuleID)
		note, ok := last.State.Annotation("note")
		assert.True(t, ok)
		assert.Equal(t, "seen", note)
		resolved, _ := last.State.Annotation("resolved_rule")
		assert.Equal(t, "external_probe", resolved)
	}
}

func TestDistributedTickValidation(t *testing.T) {
	pool := mustPool(t, &stubResolver{name: "a"})

	t.Run("nil automaton", func(t *testing.T) {
		_, err := DistributedTick(context.Background(), nil, pool, TickOptions{})
		assert.ErrorContains(t, err, "nil automaton")
	})

	t.Run("nil pool", func(t *testing.T) {
		g, err := temporal.NewGraph([]temporal.GraphNode{{ID: 1, Name: "a.go", Kind: temporal.KindFile}}, nil)
		require.NoError(t, err)
		a, err := automaton.New(g, nil)
		require.NoError(t, err)

		_, err = DistributedTick(context.Background(), a, nil, TickOptions{})
		assert.ErrorIs(t, err, ErrNoBackends)
	})
}
