package planner

import (
	"fmt"
	"strings"
)

// TaskAction is the machine-readable kind of a generated task.
type TaskAction string

const (
	TaskAddTests       TaskAction = "add_tests"
	TaskAddDocs        TaskAction = "add_documentation"
	TaskReduceCoupling TaskAction = "reduce_coupling"
	TaskFix            TaskAction = "fix"
	TaskGoal           TaskAction = "goal"
	TaskReview         TaskAction = "review"
	TaskMonitor        TaskAction = "monitor"
)

// ParseTaskAction maps a plan item's suggested-action string back to its
// action kind. Fix and goal rewrites are recognized by their markers;
// anything unrecognized degrades to monitor.
func ParseTaskAction(s string) TaskAction {
	switch {
	case strings.HasPrefix(s, "fix:"):
		return TaskFix
	case strings.Contains(s, "(goal-directed)"):
		return TaskGoal
	case strings.Contains(s, ActionAddTests):
		return TaskAddTests
	case strings.Contains(s, ActionAddDocs):
		return TaskAddDocs
	case strings.Contains(s, ActionReduceCoupling):
		return TaskReduceCoupling
	case strings.Contains(s, "review module boundaries"):
		return TaskReview
	default:
		return TaskMonitor
	}
}

// Task is a plan item made actionable: what to do, where, why, and how
// to tell it worked.
type Task struct {
	Action     TaskAction `json:"action"`
	Path       string     `json:"path"`
	Evidence   string     `json:"evidence"`
	Priority   float64    `json:"priority"`
	Steps      []string   `json:"steps"`
	Acceptance []string   `json:"acceptance"`
}

// NextTask converts the plan's top-ranked item into a task. Returns
// false when the plan has no items.
func NextTask(plan *EvolutionPlan) (*Task, bool) {
	if plan == nil || len(plan.Items) == 0 {
		return nil, false
	}
	item := plan.Items[0]
	action := ParseTaskAction(item.SuggestedAction)
	return &Task{
		Action:     action,
		Path:       item.Path,
		Evidence:   item.Rationale,
		Priority:   item.Priority,
		Steps:      stepsFor(action, item),
		Acceptance: acceptanceFor(action, item),
	}, true
}

func stepsFor(action TaskAction, item EvolutionPlanItem) []string {
	switch action {
	case TaskFix:
		detail := strings.TrimSpace(strings.TrimPrefix(item.SuggestedAction, "fix:"))
		return []string{
			fmt.Sprintf("reproduce the reported error in %s: %s", item.Path, detail),
			"apply the smallest change that clears it",
			"re-run the failing script",
		}
	case TaskGoal:
		return []string{
			"break the goal into file-level edits",
			fmt.Sprintf("apply them to %s", item.Path),
			"regenerate the evolution plan and confirm the gap closes",
		}
	case TaskAddTests:
		return []string{
			fmt.Sprintf("read %s and list its observable behaviors", item.Path),
			"write tests covering the main path and the edge cases",
			"wire the new tests into the existing suite",
		}
	case TaskAddDocs:
		return []string{
			fmt.Sprintf("document what %s does and why it exists", item.Path),
			"cover the non-obvious parameters and failure modes",
		}
	case TaskReduceCoupling:
		return []string{
			fmt.Sprintf("list the dependents of %s and what each one uses", item.Path),
			"split or narrow the interface so dependents stop sharing one surface",
			"regenerate the evolution plan and confirm the in-degree pressure drops",
		}
	case TaskReview:
		return []string{
			fmt.Sprintf("inspect the children of %s for misplaced responsibilities", item.Path),
			"move code that belongs elsewhere and tighten the module boundary",
		}
	default:
		return []string{
			fmt.Sprintf("watch %s over the next few ticks", item.Path),
		}
	}
}

func acceptanceFor(action TaskAction, item EvolutionPlanItem) []string {
	switch action {
	case TaskFix:
		return []string{
			"the script that reported the error passes",
			fmt.Sprintf("%s no longer appears in script feedback", item.Path),
		}
	case TaskGoal:
		return []string{
			"the stated goal is observable in the changed files",
			fmt.Sprintf("%s reaches stability %.2f or better", item.Path, item.TargetStability),
		}
	case TaskAddTests:
		return []string{
			fmt.Sprintf("%s has a test neighbor in the graph", item.Path),
			"the new tests pass",
		}
	case TaskAddDocs:
		return []string{
			fmt.Sprintf("%s carries documentation a newcomer can follow", item.Path),
		}
	case TaskReduceCoupling:
		return []string{
			fmt.Sprintf("in-degree of %s drops below %d", item.Path, CouplingThreshold),
			"no dependent loses behavior it relied on",
		}
	case TaskReview:
		return []string{
			fmt.Sprintf("every child of %s has one clear responsibility", item.Path),
		}
	default:
		return []string{
			fmt.Sprintf("stability of %s does not regress", item.Path),
		}
	}
}
