// Package main - status: store metadata and graph health at a glance.
package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"vibegraph/internal/store"
	"vibegraph/internal/temporal"
)

// statusCmd summarizes the persisted automaton
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show automaton state and graph health",
	RunE:  showStatus,
}

func showStatus(cmd *cobra.Command, args []string) error {
	ws, err := workspaceDir()
	if err != nil {
		return err
	}
	st := store.NewAutomatonStore(ws)
	ps, ok, err := st.Load()
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	if !ok {
		fmt.Printf("not initialized, run \"vg init\" in %s first\n", ws)
		return nil
	}
	g, err := ps.Rebuild()
	if err != nil {
		return fmt.Errorf("failed to rebuild graph: %w", err)
	}
	stats := g.Stats()

	fmt.Println(renderTitle("Automaton"))
	pairs := [][2]string{
		{"Store", st.Dir()},
		{"Saved", ps.Metadata.SavedAt.Format("2006-01-02 15:04:05")},
		{"Ticks", strconv.Itoa(ps.Metadata.TickCount)},
		{"Nodes", strconv.Itoa(stats.NodeCount)},
		{"Edges", strconv.Itoa(stats.EdgeCount)},
		{"Transitions", strconv.Itoa(ps.Metadata.TotalTransitions)},
		{"Evolved nodes", fmt.Sprintf("%d / %d", stats.EvolvedNodeCount, stats.NodeCount)},
		{"Avg activation", fmt.Sprintf("%.3f", stats.AvgActivation)},
	}
	if ps.Metadata.Label != "" {
		pairs = append(pairs, [2]string{"Label", ps.Metadata.Label})
	}

	if desc, haveConfig, err := st.LoadConfig(); err == nil && haveConfig {
		pairs = append(pairs, [2]string{"Config", fmt.Sprintf("%s (%d rule(s), default %s)",
			desc.Meta.Name, len(desc.Rules), desc.Defaults.DefaultRule)})
	}
	if pert, havePert, err := st.LoadPerturbation(); err == nil && havePert {
		pairs = append(pairs, [2]string{"Goal", pert.Goal})
	}
	if infos, err := st.ListSnapshots(); err == nil && len(infos) > 0 {
		pairs = append(pairs, [2]string{"Snapshots", strconv.Itoa(len(infos))})
	}
	fmt.Print(renderKV(pairs))

	if hot := hottestNodes(g, 5); len(hot) > 0 {
		fmt.Println()
		fmt.Println(renderTitle("Most active"))
		rows := make([][]string, 0, len(hot))
		for _, n := range hot {
			rows = append(rows, []string{
				n.Path(),
				fmt.Sprintf("%.3f", n.CurrentActivation()),
				strconv.Itoa(n.Evolution.Len()),
			})
		}
		fmt.Print(renderTable([]string{"Path", "Activation", "Transitions"}, rows))
	}
	return nil
}

// hottestNodes returns up to n evolved nodes by descending activation.
func hottestNodes(g *temporal.Graph, n int) []*temporal.TemporalNode {
	var nodes []*temporal.TemporalNode
	for _, id := range g.NodeIDs() {
		node, _ := g.Node(id)
		if node.Evolution.HasEvolved() {
			nodes = append(nodes, node)
		}
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].CurrentActivation() > nodes[j].CurrentActivation()
	})
	if len(nodes) > n {
		nodes = nodes[:n]
	}
	return nodes
}
