package automaton

// StabilityHeuristic decides whether a run has converged, given the ordered
// tick history so far. Implementations must be pure functions of the
// history and config so that resumed runs judge stability identically.
type StabilityHeuristic interface {
	Name() string
	Stable(history []TickResult, cfg Config) bool
}

// ActivationConvergence is the default heuristic: the maximum absolute
// activation delta across all nodes over the last HistoryWindow ticks must
// stay below StabilityThreshold for two consecutive windows. Checks are
// suppressed until MinTicksBeforeStability ticks have run, so a graph that
// starts quiet still gets a chance to move.
type ActivationConvergence struct{}

func (ActivationConvergence) Name() string { return "activation_convergence" }

func (ActivationConvergence) Stable(history []TickResult, cfg Config) bool {
	n := len(history)
	if n < cfg.MinTicksBeforeStability || n < 2 {
		return false
	}
	return windowQuiet(history, n-1, cfg) && windowQuiet(history, n-2, cfg)
}

// windowQuiet reports whether the window of up to HistoryWindow ticks
// ending at index end stayed under the threshold.
func windowQuiet(history []TickResult, end int, cfg Config) bool {
	start := end - cfg.HistoryWindow + 1
	if start < 0 {
		start = 0
	}
	var peak float64
	for i := start; i <= end; i++ {
		if history[i].MaxDelta > peak {
			peak = history[i].MaxDelta
		}
	}
	return peak < cfg.StabilityThreshold
}

// TransitionRateConvergence declares stability once the fraction of nodes
// still committing transitions stays at or below MaxRate for
// ConsecutiveTicks ticks. Useful with rule sets that keep nudging
// activations by amounts the delta heuristic would never ignore.
type TransitionRateConvergence struct {
	// MaxRate is the tolerated fraction of transitioning nodes per tick.
	MaxRate float64
	// ConsecutiveTicks is how many ticks in a row must hold the rate.
	ConsecutiveTicks int
}

// DefaultTransitionRateConvergence tolerates 1% of nodes transitioning for
// three consecutive ticks.
func DefaultTransitionRateConvergence() TransitionRateConvergence {
	return TransitionRateConvergence{MaxRate: 0.01, ConsecutiveTicks: 3}
}

func (TransitionRateConvergence) Name() string { return "transition_rate_convergence" }

func (h TransitionRateConvergence) Stable(history []TickResult, cfg Config) bool {
	need := h.ConsecutiveTicks
	if need <= 0 {
		need = 1
	}
	n := len(history)
	if n < cfg.MinTicksBeforeStability || n < need {
		return false
	}
	for i := n - need; i < n; i++ {
		if history[i].TransitionRate() > h.MaxRate {
			return false
		}
	}
	return true
}
