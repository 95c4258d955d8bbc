// Package rule defines the unit of computation of the automaton: a named,
// stateless capability that reads a node's pre-tick context and either
// produces the node's next state or skips. Rules never touch the graph
// directly; everything they may read arrives through the Context.
package rule

import (
	"context"

	"vibegraph/internal/temporal"
)

// Context is the read-only view assembled per rule invocation: the node's
// current state, its neighborhood snapshot, and the configuration that
// applies to this rule on this node. A Context is never retained beyond one
// invocation, and it only ever exposes pre-tick state.
type Context struct {
	// Ctx carries the tick's cancellation and deadline signal for rules
	// that perform external calls. Deterministic rules ignore it. Nil
	// means background.
	Ctx      context.Context
	NodeID   int
	Path     string
	Kind     temporal.NodeKind
	Metadata map[string]string
	State    temporal.StateData
	// Memory holds the node's most recent committed transitions, newest
	// last. Deterministic rules ignore it.
	Memory    []temporal.Transition
	Neighbors *temporal.Neighborhood
	Stability float64
	Params    map[string]any
	Tick      int
}

// Context returns the invocation's context.Context, defaulting to
// background when unset.
func (c *Context) Context() context.Context {
	if c.Ctx == nil {
		return context.Background()
	}
	return c.Ctx
}

// Outcome is the result of one rule application: either the node's next
// StateData or a skip. A skip records nothing and never advances the node's
// sequence.
type Outcome struct {
	Skipped bool
	State   temporal.StateData
}

// Skip returns the outcome that records no history entry for this tick.
func Skip() Outcome {
	return Outcome{Skipped: true}
}

// Transition returns the outcome carrying the node's next state.
func Transition(state temporal.StateData) Outcome {
	state.Activation = clamp01(state.Activation)
	return Outcome{State: state}
}

// Rule is the polymorphic capability applied to nodes during a tick.
// Implementations must be stateless with respect to stored node data; any
// tuning lives in the rule value itself or arrives via Context.Params.
type Rule interface {
	// ID is the stable identifier recorded on produced transitions.
	ID() string
	// Description is a short human-readable summary.
	Description() string
	// Priority orders rules bound to the same node; higher runs first.
	// Assignment order breaks ties.
	Priority() int
	// ShouldApply cheaply filters out nodes the rule cannot affect.
	ShouldApply(ctx *Context) bool
	// Apply produces the node's next state or skips. An error is treated
	// by the orchestrator as a skip with a logged cause, never as a tick
	// abort.
	Apply(ctx *Context) (Outcome, error)
}

// DampedUpdate is the shared damped update formula: high-stability nodes
// change more slowly.
//
//	new = current + delta * (1 - stability*damping)
//
// The result is clamped to [0,1].
func DampedUpdate(current, delta, stability, damping float64) float64 {
	return clamp01(current + delta*(1-stability*damping))
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
