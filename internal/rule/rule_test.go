package rule

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibegraph/internal/temporal"
)

type stubRule struct {
	id      string
	out     Outcome
	err     error
	applies bool
	called  *int
}

func (s *stubRule) ID() string                  { return s.id }
func (s *stubRule) Description() string         { return "stub" }
func (s *stubRule) Priority() int               { return 0 }
func (s *stubRule) ShouldApply(_ *Context) bool { return s.applies }
func (s *stubRule) Apply(_ *Context) (Outcome, error) {
	if s.called != nil {
		*s.called++
	}
	return s.out, s.err
}

func ctxWithActivation(a float64) *Context {
	return &Context{
		NodeID: 1,
		Path:   "a.go",
		Kind:   temporal.KindFile,
		State:  temporal.NewStateData(a),
	}
}

func TestNoOpAlwaysSkips(t *testing.T) {
	out, err := NoOpRule{}.Apply(ctxWithActivation(0.7))
	require.NoError(t, err)
	assert.True(t, out.Skipped)
}

func TestIdentityReemitsState(t *testing.T) {
	ctx := ctxWithActivation(0.7)
	ctx.State = ctx.State.WithAnnotation("marker", "x")

	out, err := IdentityRule{}.Apply(ctx)
	require.NoError(t, err)
	require.False(t, out.Skipped)
	assert.Equal(t, 0.7, out.State.Activation)
	v, ok := out.State.Annotation("marker")
	require.True(t, ok)
	assert.Equal(t, "x", v)
}

func TestCompositeFirstTransitionWins(t *testing.T) {
	winner := Transition(temporal.NewStateData(0.9))
	var firstCalls, secondCalls, thirdCalls int
	c := NewCompositeRule("combo",
		&stubRule{id: "skipper", out: Skip(), applies: true, called: &firstCalls},
		&stubRule{id: "winner", out: winner, applies: true, called: &secondCalls},
		&stubRule{id: "unreached", out: Skip(), applies: true, called: &thirdCalls},
	)

	out, err := c.Apply(ctxWithActivation(0))
	require.NoError(t, err)
	require.False(t, out.Skipped)
	assert.Equal(t, 0.9, out.State.Activation)
	assert.Equal(t, 1, firstCalls)
	assert.Equal(t, 1, secondCalls)
	assert.Equal(t, 0, thirdCalls, "rules after the first transition must not run")
}

func TestCompositeSkipsNonApplicable(t *testing.T) {
	var calls int
	c := NewCompositeRule("combo",
		&stubRule{id: "inert", out: Transition(temporal.NewStateData(1)), applies: false, called: &calls},
	)
	out, err := c.Apply(ctxWithActivation(0))
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, 0, calls)
	assert.False(t, c.ShouldApply(ctxWithActivation(0)))
}

func TestCompositePropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	c := NewCompositeRule("combo",
		&stubRule{id: "broken", err: boom, applies: true},
	)
	out, err := c.Apply(ctxWithActivation(0))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, out.Skipped)
}

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{
		IDNoOp, IDIdentity,
		IDImportPropagation, IDModuleActivation,
		IDChangeProximity, IDDampedPropagation, IDComplexityTracking,
	} {
		_, ok := r.Get(id)
		assert.True(t, ok, "builtin %q should be pre-registered", id)
	}
	assert.Contains(t, r.IDs(), IDIdentity)
}

func TestRegistryApply(t *testing.T) {
	r := NewRegistry()

	t.Run("unknown rule is an evaluation failure", func(t *testing.T) {
		out, err := r.Apply("nope", ctxWithActivation(0))
		require.Error(t, err)
		assert.True(t, out.Skipped)
		assert.Contains(t, err.Error(), "unknown rule")
	})

	t.Run("non-applicable rule skips without error", func(t *testing.T) {
		r.Register(&stubRule{id: "picky", applies: false})
		out, err := r.Apply("picky", ctxWithActivation(0))
		require.NoError(t, err)
		assert.True(t, out.Skipped)
	})

	t.Run("registration replaces", func(t *testing.T) {
		r.Register(&stubRule{id: "picky", applies: true, out: Transition(temporal.NewStateData(0.3))})
		out, err := r.Apply("picky", ctxWithActivation(0))
		require.NoError(t, err)
		assert.False(t, out.Skipped)
	})
}

func TestDampedUpdate(t *testing.T) {
	cases := []struct {
		name                               string
		current, delta, stability, damping float64
		want                               float64
	}{
		{"no damping at zero stability", 0.4, 0.2, 0, 0.5, 0.6},
		{"half damping", 0.4, 0.2, 1.0, 0.5, 0.5},
		{"partial", 0.4, 0.2, 0.5, 0.5, 0.55},
		{"clamps high", 0.9, 0.5, 0, 0.5, 1.0},
		{"clamps low", 0.1, -0.5, 0, 0.5, 0.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DampedUpdate(tc.current, tc.delta, tc.stability, tc.damping)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}

func TestTransitionOutcomeClamps(t *testing.T) {
	out := Transition(temporal.StateData{Activation: 1.8})
	assert.Equal(t, 1.0, out.State.Activation)
}
