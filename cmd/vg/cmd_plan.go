// Package main - planning commands: evolution plan and impact analysis.
package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"vibegraph/internal/descriptor"
	"vibegraph/internal/planner"
	"vibegraph/internal/project"
	"vibegraph/internal/script"
)

var (
	planGoal      string
	planTargets   []string
	planMarkdown  bool
	planNoScripts bool
	planClearGoal bool
	planTop       int

	impactMarkdown bool
)

// planCmd computes the evolution plan
var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Compute the evolution plan",
	Long: `Ranks every node by how far it sits below its stability target and
what is pulling on it: structural role, neighbor urgency, an optional
goal perturbation, and script-reported errors.

A --goal persists as a perturbation and keeps steering later plans until
cleared with --clear-goal. Configured feedback scripts (vibegraph.yaml
scripts block) run before planning unless --no-scripts is given; their
diagnostics boost the affected files.`,
	RunE: runPlan,
}

// impactCmd reports the blast radius of changed files
var impactCmd = &cobra.Command{
	Use:   "impact <path>...",
	Short: "Report which nodes a change reaches",
	Long: `Walks the dependents of the changed paths and scores each reached
node by proximity. Changed files score 1.0; each dependent hop decays
the score until it falls below the reporting cutoff.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runImpact,
}

func init() {
	planCmd.Flags().StringVar(&planGoal, "goal", "", "Perturbation goal, e.g. \"harden the parser\"")
	planCmd.Flags().StringSliceVar(&planTargets, "target", nil, "Path fragments the goal should boost (repeatable)")
	planCmd.Flags().BoolVar(&planMarkdown, "markdown", false, "Emit the plan as markdown")
	planCmd.Flags().BoolVar(&planNoScripts, "no-scripts", false, "Skip the configured feedback scripts")
	planCmd.Flags().BoolVar(&planClearGoal, "clear-goal", false, "Drop the persisted perturbation")
	planCmd.Flags().IntVar(&planTop, "top", 20, "Rows to show in table output (0 shows all)")

	impactCmd.Flags().BoolVar(&impactMarkdown, "markdown", false, "Emit the report as markdown")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ws, err := workspaceDir()
	if err != nil {
		return err
	}
	g, _, st, desc, err := openGraph(ws)
	if err != nil {
		return err
	}
	proj, err := project.LoadProject(ws)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if planClearGoal {
		if err := st.ClearPerturbation(); err != nil {
			return fmt.Errorf("failed to clear perturbation: %w", err)
		}
		fmt.Println(mutedStyle.Render("perturbation cleared"))
	}

	var pert *planner.Perturbation
	switch {
	case planGoal != "":
		pert = planner.NewPerturbation(planGoal, planTargets...)
		if err := st.SavePerturbation(pert); err != nil {
			return fmt.Errorf("failed to save perturbation: %w", err)
		}
	case !planClearGoal:
		stored, ok, err := st.LoadPerturbation()
		if err != nil {
			return fmt.Errorf("failed to load perturbation: %w", err)
		}
		if ok {
			pert = stored
		}
	}

	var fb planner.ErrorFeedback
	if !planNoScripts && len(proj.Scripts) > 0 {
		collected := script.NewRunner(ws).RunAll(ctx, proj.Scripts)
		fb = collected
		line := fmt.Sprintf("scripts: %d passed, %d failed, %d diagnostic(s)",
			collected.Passed, collected.Failed, len(collected.Errors))
		if collected.Failed > 0 {
			fmt.Println(badStyle.Render(line))
		} else {
			fmt.Println(goodStyle.Render(line))
		}
	}

	plan := planner.RunEvolutionPlan(g, descriptor.NewTable(desc), proj.StabilityObjective(), pert, fb)

	if planMarkdown {
		fmt.Println(planner.FormatPlan(plan))
		if task, ok := planner.NextTask(plan); ok {
			fmt.Println(planner.FormatTask(task))
		}
		return nil
	}

	fmt.Println(renderTitle("Evolution Plan"))
	pairs := [][2]string{
		{"Nodes", strconv.Itoa(plan.Summary.NodeCount)},
		{"Below target", strconv.Itoa(plan.Summary.BelowTarget)},
		{"Average gap", fmt.Sprintf("%.3f", plan.Summary.AvgGap)},
		{"Health", fmt.Sprintf("%.2f", plan.Summary.HealthScore)},
	}
	if pert != nil {
		pairs = append(pairs, [2]string{"Goal", pert.Goal})
	}
	fmt.Print(renderKV(pairs))
	fmt.Println()

	if len(plan.Items) == 0 {
		fmt.Println(goodStyle.Render("All nodes are at or above their targets."))
		return nil
	}

	items := plan.Items
	if planTop > 0 && len(items) > planTop {
		items = items[:planTop]
	}
	rows := make([][]string, 0, len(items))
	for i, item := range items {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			item.Path,
			string(item.Role),
			fmt.Sprintf("%.2f", item.CurrentStability),
			fmt.Sprintf("%.2f", item.TargetStability),
			fmt.Sprintf("%.3f", item.Priority),
			item.SuggestedAction,
		})
	}
	fmt.Print(renderTable([]string{"#", "Path", "Role", "Current", "Target", "Priority", "Action"}, rows))
	if len(items) < len(plan.Items) {
		fmt.Println(mutedStyle.Render(fmt.Sprintf("... and %d more (use --top 0 or --markdown for the full list)", len(plan.Items)-len(items))))
	}

	if task, ok := planner.NextTask(plan); ok {
		fmt.Println()
		fmt.Println(renderTitle("Next"))
		fmt.Printf("%s %s\n", task.Action, task.Path)
		fmt.Println(mutedStyle.Render(task.Evidence))
	}
	return nil
}

func runImpact(cmd *cobra.Command, args []string) error {
	ws, err := workspaceDir()
	if err != nil {
		return err
	}
	g, _, _, _, err := openGraph(ws)
	if err != nil {
		return err
	}

	rep, err := planner.AssessImpact(g, args)
	if err != nil {
		return err
	}

	if impactMarkdown {
		fmt.Println(planner.FormatImpact(rep))
		return nil
	}

	fmt.Println(renderTitle("Impact of " + strings.Join(rep.Changed, ", ")))
	rows := make([][]string, 0, len(rep.Entries))
	for _, e := range rep.Entries {
		rows = append(rows, []string{
			e.Path,
			string(e.Level),
			fmt.Sprintf("%.2f", e.Score),
			strconv.Itoa(e.Distance),
		})
	}
	fmt.Print(renderTable([]string{"Path", "Level", "Score", "Distance"}, rows))
	return nil
}
