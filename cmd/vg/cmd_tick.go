// Package main - tick and run commands: advancing the automaton.
package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"vibegraph/internal/automaton"
)

var (
	tickCount       int
	tickConcurrency int
)

// tickCmd advances the automaton a fixed number of ticks
var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Advance the automaton by n ticks",
	Long: `Loads the persisted automaton, runs the requested number of ticks,
and saves the evolved state back to the store.

Each tick evaluates every node's effective rules against a pre-tick
snapshot, then commits at most one transition per node.`,
	RunE: runTicks,
}

// runCmd ticks until the automaton settles or the budget runs out
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Tick until stable or the tick budget is exhausted",
	Long: `Runs the automaton to convergence: ticks repeat until the stability
heuristic fires or the configured max_ticks budget is spent, whichever
comes first. The evolved state is saved either way.`,
	RunE: runUntilStable,
}

func init() {
	tickCmd.Flags().IntVarP(&tickCount, "n", "n", 1, "Number of ticks to run")
	tickCmd.Flags().IntVar(&tickConcurrency, "concurrency", 0, "Max concurrent node evaluations (0 keeps the configured value)")
	runCmd.Flags().IntVar(&tickConcurrency, "concurrency", 0, "Max concurrent node evaluations (0 keeps the configured value)")
}

func runTicks(cmd *cobra.Command, args []string) error {
	if tickCount < 1 {
		return fmt.Errorf("tick count must be at least 1")
	}
	ws, err := workspaceDir()
	if err != nil {
		return err
	}
	a, st, _, err := openAutomaton(ws)
	if err != nil {
		return err
	}
	if tickConcurrency > 0 {
		a.SetMaxConcurrent(tickConcurrency)
	}

	ctx, cancel := signalContext()
	defer cancel()

	var results []automaton.TickResult
	var tickErr error
	for i := 0; i < tickCount; i++ {
		res, err := a.Tick(ctx)
		if err != nil {
			tickErr = err
			break
		}
		results = append(results, res)
		fmt.Println(formatTickResult(res))
		if a.Phase() == automaton.PhaseStable {
			fmt.Println(mutedStyle.Render("automaton is stable, stopping early"))
			break
		}
	}

	if len(results) > 0 {
		if err := st.AppendTickHistory(results...); err != nil {
			return fmt.Errorf("failed to record tick history: %w", err)
		}
		if err := st.Save(a, ""); err != nil {
			return fmt.Errorf("failed to save state: %w", err)
		}
	}
	if tickErr != nil {
		return fmt.Errorf("tick failed: %w", tickErr)
	}

	if len(results) > 1 {
		var transitions int
		var elapsed time.Duration
		for _, r := range results {
			transitions += r.Transitions
			elapsed += r.Elapsed
		}
		fmt.Printf("%d tick(s), %d transitions in %s\n",
			len(results), transitions, elapsed.Round(time.Millisecond))
	}
	return nil
}

func runUntilStable(cmd *cobra.Command, args []string) error {
	ws, err := workspaceDir()
	if err != nil {
		return err
	}
	a, st, _, err := openAutomaton(ws)
	if err != nil {
		return err
	}
	if tickConcurrency > 0 {
		a.SetMaxConcurrent(tickConcurrency)
	}

	ctx, cancel := signalContext()
	defer cancel()

	res, runErr := a.RunUntilStable(ctx)

	if len(res.Ticks) > 0 {
		if err := st.AppendTickHistory(res.Ticks...); err != nil {
			return fmt.Errorf("failed to record tick history: %w", err)
		}
		if err := st.Save(a, ""); err != nil {
			return fmt.Errorf("failed to save state: %w", err)
		}
		fmt.Println(formatTickResult(res.Ticks[len(res.Ticks)-1]))
	}
	if runErr != nil {
		return fmt.Errorf("run interrupted: %w", runErr)
	}

	switch {
	case res.Converged():
		fmt.Println(goodStyle.Render(fmt.Sprintf("stable at tick %d", res.StableAt)))
	default:
		fmt.Println(badStyle.Render(fmt.Sprintf("budget exhausted after %d tick(s) without convergence", len(res.Ticks))))
	}
	fmt.Printf("%d tick(s), %d transitions in %s\n",
		len(res.Ticks), res.TotalTransitions(), res.Elapsed.Round(time.Millisecond))
	return nil
}

func formatTickResult(res automaton.TickResult) string {
	line := fmt.Sprintf("tick %d: %d transitions, %d skipped, %d errors, max delta %.4f, avg activation %.3f (%s)",
		res.Tick, res.Transitions, res.Skipped, res.Errors, res.MaxDelta,
		res.AvgActivation, res.Elapsed.Round(time.Millisecond))
	if res.Errors > 0 {
		return badStyle.Render(line)
	}
	return line
}
