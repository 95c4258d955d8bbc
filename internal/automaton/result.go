package automaton

import "time"

// NodeOutcome records what one tick did to one node.
type NodeOutcome struct {
	NodeID int    `json:"node_id"`
	Path   string `json:"path"`
	// RuleIDs lists the rules that contributed to the committed transition,
	// in application order. Empty when the node skipped.
	RuleIDs []string `json:"rule_ids,omitempty"`
	Skipped bool     `json:"skipped,omitempty"`
	// Delta is the absolute activation change committed this tick.
	Delta float64 `json:"delta,omitempty"`
	// Errors counts rule evaluations that failed and degraded to skips.
	Errors int `json:"errors,omitempty"`
}

// TickResult summarizes one completed tick.
type TickResult struct {
	Tick          int           `json:"tick"`
	Transitions   int           `json:"transitions"`
	Skipped       int           `json:"skipped"`
	Errors        int           `json:"errors"`
	MaxDelta      float64       `json:"max_delta"`
	AvgActivation float64       `json:"avg_activation"`
	Elapsed       time.Duration `json:"elapsed_ns"`
	Outcomes      []NodeOutcome `json:"outcomes,omitempty"`
}

// TransitionRate returns the fraction of nodes that committed a transition
// this tick, 0 for an empty graph.
func (r TickResult) TransitionRate() float64 {
	total := r.Transitions + r.Skipped
	if total == 0 {
		return 0
	}
	return float64(r.Transitions) / float64(total)
}

// RunResult is the ordered outcome of a RunUntilStable invocation.
type RunResult struct {
	Ticks []TickResult `json:"ticks"`
	Phase Phase        `json:"phase"`
	// StableAt is the tick number at which stability was declared, 0 when
	// the run ended without converging.
	StableAt int           `json:"stable_at,omitempty"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// TotalTransitions sums committed transitions across the run.
func (r RunResult) TotalTransitions() int {
	var n int
	for _, t := range r.Ticks {
		n += t.Transitions
	}
	return n
}

// Converged reports whether the run ended in the stable phase.
func (r RunResult) Converged() bool {
	return r.Phase == PhaseStable
}
