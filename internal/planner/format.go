package planner

import (
	"fmt"
	"strings"
)

// FormatPlan renders the plan as markdown: a summary block followed by
// the ranked table.
func FormatPlan(plan *EvolutionPlan) string {
	if plan == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("# Evolution Plan\n\n")
	if plan.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n\n", plan.Goal)
	}
	fmt.Fprintf(&b, "- Nodes: %d\n", plan.Summary.NodeCount)
	fmt.Fprintf(&b, "- Below target: %d\n", plan.Summary.BelowTarget)
	fmt.Fprintf(&b, "- Average gap: %.3f\n", plan.Summary.AvgGap)
	fmt.Fprintf(&b, "- Health: %.2f\n\n", plan.Summary.HealthScore)
	if len(plan.Items) == 0 {
		b.WriteString("All nodes are at or above their targets.\n")
		return b.String()
	}
	b.WriteString("| # | Path | Role | Current | Target | Gap | Priority | Action |\n")
	b.WriteString("|---|------|------|---------|--------|-----|----------|--------|\n")
	for i, item := range plan.Items {
		fmt.Fprintf(&b, "| %d | %s | %s | %.2f | %.2f | %.2f | %.3f | %s |\n",
			i+1, item.Path, item.Role, item.CurrentStability, item.TargetStability,
			item.Gap, item.Priority, item.SuggestedAction)
	}
	return b.String()
}

var levelHeadings = map[ImpactLevel]string{
	ImpactHigh:   "High",
	ImpactMedium: "Medium",
	ImpactLow:    "Low",
}

// FormatImpact renders the impact report as markdown grouped by level,
// strongest first.
func FormatImpact(r *ImpactReport) string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("# Impact Report\n\n")
	fmt.Fprintf(&b, "Changed: %s\n\n", strings.Join(r.Changed, ", "))
	for _, level := range []ImpactLevel{ImpactHigh, ImpactMedium, ImpactLow} {
		var lines []string
		for _, e := range r.Entries {
			if e.Level == level {
				lines = append(lines, fmt.Sprintf("- %s (score %.2f, distance %d)", e.Path, e.Score, e.Distance))
			}
		}
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", levelHeadings[level], strings.Join(lines, "\n"))
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// FormatTask renders a generated task as markdown.
func FormatTask(task *Task) string {
	if task == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Next Task: %s\n\n", task.Action)
	fmt.Fprintf(&b, "Target: %s (priority %.3f)\n\n", task.Path, task.Priority)
	fmt.Fprintf(&b, "Evidence: %s\n\n", task.Evidence)
	b.WriteString("## Steps\n\n")
	for i, step := range task.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	b.WriteString("\n## Acceptance\n\n")
	for _, a := range task.Acceptance {
		fmt.Fprintf(&b, "- %s\n", a)
	}
	return b.String()
}
