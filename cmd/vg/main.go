// Package main implements vg, the vibegraph CLI: a temporal evolution
// automaton over a source-code dependency graph.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"vibegraph/internal/automaton"
	"vibegraph/internal/descriptor"
	"vibegraph/internal/logging"
	"vibegraph/internal/resolver"
	"vibegraph/internal/store"
	"vibegraph/internal/temporal"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "vg",
	Short: "vibegraph - temporal evolution automaton for code graphs",
	Long: `vibegraph layers an append-only temporal state over a static code
dependency graph and evolves it tick by tick.

Each node of the graph (files, directories, modules) carries its own
activation history. Rules propagate activation along import edges, external
resolvers can steer individual nodes, and the planner turns the accumulated
state into a prioritized evolution plan.

Typical session:
  vg init          # seed state from graph.json
  vg tick --n 10   # advance the automaton
  vg plan          # see where to spend attention next`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws, err := workspaceDir()
		if err != nil {
			return err
		}
		if err := logging.Initialize(ws); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(impactCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(snapshotsCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// workspaceDir resolves the project root from --workspace or the current
// directory.
func workspaceDir() (string, error) {
	if workspace != "" {
		abs, err := filepath.Abs(workspace)
		if err != nil {
			return "", fmt.Errorf("failed to resolve workspace %q: %w", workspace, err)
		}
		return abs, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to resolve working directory: %w", err)
	}
	return wd, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// loadDescription returns the stored config.json, or a fresh default
// description named after the workspace when none has been saved yet.
func loadDescription(ws string, st *store.AutomatonStore) (*descriptor.Description, error) {
	desc, ok, err := st.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if !ok {
		desc = descriptor.NewDescription(filepath.Base(ws))
	}
	return desc, nil
}

// usesExternalRules reports whether any declared rule needs a resolver
// backend.
func usesExternalRules(desc *descriptor.Description) bool {
	for _, rc := range desc.Rules {
		if rc.Type == descriptor.RuleExternal {
			return true
		}
	}
	return false
}

// resolverOptions wires the env-configured resolver pool when the
// description declares external rules.
func resolverOptions(desc *descriptor.Description) ([]automaton.Option, error) {
	if !usesExternalRules(desc) {
		return nil, nil
	}
	pool, err := resolver.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("description declares external rules: %w", err)
	}
	logger.Info("resolver pool ready", zap.Strings("backends", pool.Names()))
	return []automaton.Option{automaton.WithExternalRules(resolver.Factory(pool))}, nil
}

// openAutomaton resumes the persisted automaton with its stored config,
// resolver wiring included. Commands that mutate state go through this.
func openAutomaton(ws string) (*automaton.GraphAutomaton, *store.AutomatonStore, *descriptor.Description, error) {
	st := store.NewAutomatonStore(ws)
	desc, err := loadDescription(ws, st)
	if err != nil {
		return nil, nil, nil, err
	}
	opts, err := resolverOptions(desc)
	if err != nil {
		return nil, nil, nil, err
	}
	a, ok, err := st.Resume(desc, opts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to resume automaton: %w", err)
	}
	if !ok {
		return nil, nil, nil, fmt.Errorf("no automaton state under %s, run \"vg init\" first", st.Dir())
	}
	return a, st, desc, nil
}

// openGraph loads the persisted graph without constructing an automaton.
// Read-only commands (plan, impact, status) use this so they work even
// when external rule backends are unreachable.
func openGraph(ws string) (*temporal.Graph, *store.PersistedState, *store.AutomatonStore, *descriptor.Description, error) {
	st := store.NewAutomatonStore(ws)
	ps, ok, err := st.Load()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load state: %w", err)
	}
	if !ok {
		return nil, nil, nil, nil, fmt.Errorf("no automaton state under %s, run \"vg init\" first", st.Dir())
	}
	g, err := ps.Rebuild()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to rebuild graph: %w", err)
	}
	desc, err := loadDescription(ws, st)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return g, ps, st, desc, nil
}
