package automaton

import (
	"fmt"

	"vibegraph/internal/descriptor"
	"vibegraph/internal/temporal"
)

// Config holds the orchestrator knobs. Zero values are invalid; start from
// DefaultConfig or ConfigFromDescription and adjust.
type Config struct {
	// MaxTicks caps a single RunUntilStable invocation regardless of
	// convergence.
	MaxTicks int `json:"max_ticks"`
	// HistoryWindow is how many recent ticks the stability check looks at.
	HistoryWindow int `json:"history_window"`
	// StabilityThreshold is the activation-delta ceiling under which a
	// window counts as quiet.
	StabilityThreshold float64 `json:"stability_threshold"`
	// DampingCoefficient feeds the shared damped update formula.
	DampingCoefficient float64 `json:"damping_coefficient"`
	// MinTicksBeforeStability suppresses stability checks during warmup so
	// a graph that starts quiet still gets a chance to move.
	MinTicksBeforeStability int `json:"min_ticks_before_stability"`
	// MaxConcurrent bounds intra-tick rule evaluation. Values below 2 mean
	// serial evaluation.
	MaxConcurrent int `json:"max_concurrent"`
}

// DefaultConfig returns the stock orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxTicks:                100,
		HistoryWindow:           temporal.DefaultHistoryWindow,
		StabilityThreshold:      0.001,
		DampingCoefficient:      0.5,
		MinTicksBeforeStability: 5,
		MaxConcurrent:           1,
	}
}

// FastConfig trades convergence precision for quick feedback, suited to
// interactive runs on small graphs.
func FastConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxTicks = 25
	cfg.HistoryWindow = 8
	cfg.StabilityThreshold = 0.005
	cfg.MinTicksBeforeStability = 3
	return cfg
}

// ThoroughConfig runs longer with a tighter threshold, suited to batch
// evolution of large graphs.
func ThoroughConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxTicks = 250
	cfg.HistoryWindow = 32
	cfg.StabilityThreshold = 0.0005
	cfg.MinTicksBeforeStability = 10
	return cfg
}

// ConfigFromDescription merges a description's persisted settings into a
// runnable Config.
func ConfigFromDescription(d *descriptor.Description) Config {
	cfg := DefaultConfig()
	cfg.MaxTicks = d.Automaton.MaxTicks
	cfg.HistoryWindow = d.Automaton.HistoryWindow
	cfg.StabilityThreshold = d.Automaton.StabilityThreshold
	cfg.MinTicksBeforeStability = d.Automaton.MinTicksBeforeStability
	cfg.DampingCoefficient = d.Defaults.DampingCoefficient
	return cfg
}

// Validate rejects configurations that cannot drive a run.
func (c Config) Validate() error {
	if c.MaxTicks <= 0 {
		return fmt.Errorf("automaton config: max_ticks must be positive, got %d", c.MaxTicks)
	}
	if c.HistoryWindow <= 0 {
		return fmt.Errorf("automaton config: history_window must be positive, got %d", c.HistoryWindow)
	}
	if c.StabilityThreshold <= 0 {
		return fmt.Errorf("automaton config: stability_threshold must be positive, got %v", c.StabilityThreshold)
	}
	if c.DampingCoefficient < 0 || c.DampingCoefficient > 1 {
		return fmt.Errorf("automaton config: damping_coefficient %v out of [0,1]", c.DampingCoefficient)
	}
	if c.MinTicksBeforeStability < 0 {
		return fmt.Errorf("automaton config: min_ticks_before_stability must not be negative, got %d", c.MinTicksBeforeStability)
	}
	return nil
}
