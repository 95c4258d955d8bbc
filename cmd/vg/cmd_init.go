// Package main - workspace initialization for vg.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"vibegraph/internal/automaton"
	"vibegraph/internal/descriptor"
	"vibegraph/internal/project"
	"vibegraph/internal/store"
	"vibegraph/internal/temporal"
)

var (
	initGraphPath string
	initForce     bool
)

// initCmd seeds the automaton store from scanner output
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the automaton from graph.json",
	Long: `Seeds the temporal automaton for this workspace.

This command:
  1. Reads the dependency graph produced by your scanner (graph.json)
  2. Creates the .self/automaton/ store
  3. Writes a starter config.json derived from the graph
  4. Seeds every node's initial evolutionary state
  5. Writes a starter vibegraph.yaml when none exists

Run it once per workspace, or again with --force to reseed from a fresh
scan (existing temporal history is discarded).`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initGraphPath, "graph", "graph.json", "Scanner output to seed from")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Reinitialize even if state exists")
}

func runInit(cmd *cobra.Command, args []string) error {
	ws, err := workspaceDir()
	if err != nil {
		return err
	}
	st := store.NewAutomatonStore(ws)

	_, ok, loadErr := st.Load()
	if !initForce {
		if loadErr != nil {
			return fmt.Errorf("existing state is unreadable: %w (use --force to reseed)", loadErr)
		}
		if ok {
			return fmt.Errorf("already initialized under %s, use --force to reseed", st.Dir())
		}
	}

	gp := initGraphPath
	if !filepath.IsAbs(gp) {
		gp = filepath.Join(ws, gp)
	}
	data, err := os.ReadFile(gp)
	if err != nil {
		return fmt.Errorf("failed to read graph %s: %w", gp, err)
	}
	g, err := temporal.ParseGraphDocument(data)
	if err != nil {
		return err
	}

	desc, haveConfig, err := st.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !haveConfig {
		desc = defaultDescription(ws, g)
	}
	opts, err := resolverOptions(desc)
	if err != nil {
		return err
	}

	a, err := automaton.New(g, desc, opts...)
	if err != nil {
		return fmt.Errorf("failed to build automaton: %w", err)
	}

	if err := st.SaveConfig(desc); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	if err := st.Save(a, "init"); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	wroteProject := false
	if _, err := os.Stat(filepath.Join(ws, project.ProjectFileName)); os.IsNotExist(err) {
		if err := project.DefaultProject().Save(ws); err != nil {
			return fmt.Errorf("failed to write %s: %w", project.ProjectFileName, err)
		}
		wroteProject = true
	}

	stats := a.Graph().Stats()
	fmt.Println(renderTitle("Initialized " + desc.Meta.Name))
	pairs := [][2]string{
		{"Store", st.Dir()},
		{"Nodes", strconv.Itoa(stats.NodeCount)},
		{"Edges", strconv.Itoa(stats.EdgeCount)},
		{"Initial activation", fmt.Sprintf("%.2f", desc.Defaults.InitialActivation)},
		{"Default rule", desc.Defaults.DefaultRule},
	}
	if wroteProject {
		pairs = append(pairs, [2]string{"Project config", project.ProjectFileName + " (created)"})
	}
	fmt.Print(renderKV(pairs))
	return nil
}

// defaultDescription derives a starter config from the scanned graph.
func defaultDescription(ws string, g *temporal.Graph) *descriptor.Description {
	desc := descriptor.NewDescription(filepath.Base(ws))
	stats := g.Stats()
	desc.Meta.Description = fmt.Sprintf("seeded from graph.json: %d nodes, %d edges",
		stats.NodeCount, stats.EdgeCount)
	return desc
}
