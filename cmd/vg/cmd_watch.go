// Package main - watch mode: evolve the graph as files change.
package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vibegraph/internal/automaton"
	"vibegraph/internal/project"
	"vibegraph/internal/watch"
)

// watchCmd follows the tree and ticks on an interval
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the project and evolve on change",
	Long: `Watches the project tree for file changes. Settled changes queue
their node's file events (add, update, delete) on the automaton, and a
tick runs on the configured interval (vibegraph.yaml automaton block).

Ticking pauses while the automaton is stable and resumes as soon as a
change arrives. State is saved after every tick and on shutdown.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ws, err := workspaceDir()
	if err != nil {
		return err
	}
	proj, err := project.LoadProject(ws)
	if err != nil {
		return err
	}
	a, st, _, err := openAutomaton(ws)
	if err != nil {
		return err
	}

	w, err := watch.New(proj)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer w.Stop()

	fmt.Printf("watching %s (tick every %s, Ctrl-C to stop)\n", ws, proj.TickInterval())

	ticker := time.NewTicker(proj.TickInterval())
	defer ticker.Stop()

	var loopErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case ev, ok := <-w.Events():
			if !ok {
				break loop
			}
			if err := a.QueueFileEvent(ev.Path, ev.Kind); err != nil {
				// Changed files outside the scanned graph are routine.
				logger.Debug("event dropped", zap.String("path", ev.Path), zap.Error(err))
				continue
			}
			fmt.Println(mutedStyle.Render(fmt.Sprintf("%s %s", ev.Kind, ev.Path)))

		case <-ticker.C:
			if a.Phase() == automaton.PhaseStable {
				continue
			}
			res, err := a.Tick(ctx)
			if err != nil {
				if ctx.Err() == nil {
					loopErr = fmt.Errorf("tick failed: %w", err)
				}
				break loop
			}
			if err := st.AppendTickHistory(res); err != nil {
				loopErr = fmt.Errorf("failed to record tick history: %w", err)
				break loop
			}
			if err := st.Save(a, ""); err != nil {
				loopErr = fmt.Errorf("failed to save state: %w", err)
				break loop
			}
			fmt.Println(formatTickResult(res))
		}
	}

	w.Stop()
	if err := st.Save(a, ""); err != nil && loopErr == nil {
		loopErr = fmt.Errorf("failed to save state: %w", err)
	}
	if loopErr != nil {
		return loopErr
	}
	fmt.Println("stopped, state saved")
	return nil
}
