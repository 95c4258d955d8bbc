// Package main - snapshot management: snapshot, snapshots, prune.
package main

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"vibegraph/internal/store"
)

var pruneKeep int

// snapshotCmd freezes the saved state into an immutable copy
var snapshotCmd = &cobra.Command{
	Use:   "snapshot [label]",
	Short: "Write an immutable snapshot of the saved state",
	Long: `Copies the current saved state into .self/automaton/snapshots/ under
a timestamped name. Later saves and ticks never touch a snapshot; use
one as a restore point before risky evolution runs.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSnapshot,
}

// snapshotsCmd lists stored snapshots
var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List snapshots, newest first",
	RunE:  runSnapshots,
}

// pruneCmd deletes old snapshots
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the most recent snapshots",
	RunE:  runPrune,
}

func init() {
	pruneCmd.Flags().IntVar(&pruneKeep, "keep", 0, "How many recent snapshots to keep")
	_ = pruneCmd.MarkFlagRequired("keep")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	ws, err := workspaceDir()
	if err != nil {
		return err
	}
	label := ""
	if len(args) == 1 {
		label = args[0]
	}

	st := store.NewAutomatonStore(ws)
	path, err := st.SnapshotCurrent(label)
	if err != nil {
		return fmt.Errorf("failed to snapshot: %w", err)
	}
	if label != "" {
		fmt.Printf("snapshot %s (%s)\n", filepath.Base(path), label)
	} else {
		fmt.Printf("snapshot %s\n", filepath.Base(path))
	}
	return nil
}

func runSnapshots(cmd *cobra.Command, args []string) error {
	ws, err := workspaceDir()
	if err != nil {
		return err
	}
	infos, err := store.NewAutomatonStore(ws).ListSnapshots()
	if err != nil {
		return err
	}

	fmt.Println(renderTitle("Snapshots"))
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, []string{
			info.Name,
			info.SavedAt.Format("2006-01-02 15:04:05"),
			strconv.Itoa(info.TickCount),
			info.Label,
		})
	}
	fmt.Print(renderTable([]string{"Name", "Saved", "Tick", "Label"}, rows))
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	ws, err := workspaceDir()
	if err != nil {
		return err
	}
	deleted, err := store.NewAutomatonStore(ws).PruneSnapshots(pruneKeep)
	if err != nil {
		return err
	}
	fmt.Printf("%d snapshot(s) deleted, keeping the %d most recent\n", deleted, pruneKeep)
	return nil
}
