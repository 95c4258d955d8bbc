package planner

import (
	"fmt"
	gopath "path"
	"sort"
	"strings"
	"time"

	"vibegraph/internal/descriptor"
	"vibegraph/internal/logging"
	"vibegraph/internal/temporal"
)

// ScriptErrorBoost is the priority multiplier for files with reported
// script errors. It composes multiplicatively with a perturbation boost.
const ScriptErrorBoost = 5.0

// baselineFloor keeps signal-selected nodes (goal match, script errors)
// visible even when their structural priority would be zero or negative.
const baselineFloor = 0.05

// ErrorFeedback supplies build/lint diagnostics per file. Implemented by
// the script package's Feedback.
type ErrorFeedback interface {
	FirstErrorFor(path string) (string, bool)
}

// EvolutionPlanItem is one ranked entry of the plan.
type EvolutionPlanItem struct {
	NodeID           int     `json:"node_id"`
	Path             string  `json:"path"`
	Role             Role    `json:"role"`
	CurrentStability float64 `json:"current_stability"`
	TargetStability  float64 `json:"target_stability"`
	Gap              float64 `json:"gap"`
	Priority         float64 `json:"priority"`
	InDegree         int     `json:"in_degree"`
	HasTestNeighbor  bool    `json:"has_test_neighbor"`
	SuggestedAction  string  `json:"suggested_action"`
	Rationale        string  `json:"rationale"`
}

// EvolutionSummary aggregates plan-wide health.
type EvolutionSummary struct {
	NodeCount   int     `json:"node_count"`
	BelowTarget int     `json:"below_target"`
	AvgGap      float64 `json:"avg_gap"`
	HealthScore float64 `json:"health_score"`
}

// EvolutionPlan is a full recomputation: every call yields a complete
// ranked list from scratch, never an incremental diff.
type EvolutionPlan struct {
	Items       []EvolutionPlanItem `json:"items"`
	Summary     EvolutionSummary    `json:"summary"`
	Goal        string              `json:"goal,omitempty"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// Planner computes evolution plans against a stability objective.
type Planner struct {
	Objective StabilityObjective
	// Damping feeds the propagation pass; matches the automaton's
	// damping coefficient.
	Damping float64
	// PropagationFactor scales how strongly neighbor urgency bleeds into
	// a node's priority.
	PropagationFactor float64
}

// NewPlanner returns a planner with stock damping and propagation.
func NewPlanner(objective StabilityObjective) *Planner {
	return &Planner{Objective: objective, Damping: 0.5, PropagationFactor: 0.25}
}

// RunEvolutionPlan is the one-shot form of Planner.Plan.
func RunEvolutionPlan(g *temporal.Graph, table *descriptor.Table, objective StabilityObjective, pert *Perturbation, feedback ErrorFeedback) *EvolutionPlan {
	return NewPlanner(objective).Plan(g, table, pert, feedback)
}

// scratch carries one node's signals between the scoring phases.
type scratch struct {
	node       *temporal.TemporalNode
	nb         *temporal.Neighborhood
	role       Role
	inDeg      int
	current    float64
	target     float64
	gap        float64
	hasTest    bool
	documented bool
	seed       float64
	propagated float64
}

// Plan scores every node and returns the ranked plan. The descriptor
// table supplies per-node target overrides; a nil table, perturbation, or
// feedback simply disables that signal.
func (p *Planner) Plan(g *temporal.Graph, table *descriptor.Table, pert *Perturbation, feedback ErrorFeedback) *EvolutionPlan {
	plan := &EvolutionPlan{GeneratedAt: time.Now().UTC()}
	if pert != nil {
		plan.Goal = pert.Goal
	}
	if g == nil {
		return plan
	}

	ids := g.NodeIDs()
	maxIn := 0
	for _, id := range ids {
		if d := g.InDegree(id); d > maxIn {
			maxIn = d
		}
	}

	rows := make([]scratch, 0, len(ids))
	index := make(map[int]int, len(ids))
	for _, id := range ids {
		node, ok := g.Node(id)
		if !ok {
			continue
		}
		nb, err := g.Neighborhood(id)
		if err != nil {
			continue
		}
		row := scratch{node: node, nb: nb, inDeg: g.InDegree(id)}
		row.role = RoleOf(node, row.inDeg, g.OutDegree(id))
		row.hasTest = hasTestNeighbor(nb)
		row.documented = isDocumented(node)
		row.current = currentStability(node.CurrentActivation(), row.inDeg, row.hasTest, row.documented)
		row.target = p.Objective.TargetFor(row.role)
		if table != nil {
			if nc := table.NodeFor(node.Path()); nc != nil && nc.Stability != nil {
				row.target = *nc.Stability
			}
		}
		row.gap = row.target - row.current

		weight := 1.0
		if maxIn > 0 {
			weight = 1 + 3*float64(row.inDeg)/float64(maxIn)
		}
		row.seed = row.gap * weight

		index[id] = len(rows)
		rows = append(rows, row)
	}

	// One damped propagation pass: a node inherits urgency from its
	// neighborhood without its own seed draining away.
	for i := range rows {
		all := rows[i].nb.AllNeighbors()
		if len(all) == 0 {
			rows[i].propagated = rows[i].seed
			continue
		}
		var sum float64
		for _, ns := range all {
			sum += rows[index[ns.NodeID]].seed
		}
		mean := sum / float64(len(all))
		delta := (mean - rows[i].seed) * p.PropagationFactor
		rows[i].propagated = rows[i].seed + delta*(1-rows[i].current*p.Damping)
	}

	var belowCount int
	var gapSum float64
	for i := range rows {
		row := &rows[i]
		if row.gap > 0 {
			belowCount++
			gapSum += row.gap
		}

		path := row.node.Path()
		matched := pert.Matches(path)
		var errText string
		var hasErr bool
		if feedback != nil {
			errText, hasErr = feedback.FirstErrorFor(path)
		}
		if row.gap <= 0 && !matched && !hasErr {
			continue
		}

		base := 0.6*row.seed + 0.4*row.propagated
		if base < baselineFloor && (matched || hasErr) {
			base = baselineFloor
		}
		mult := 1.0
		var notes []string
		if matched {
			mult *= pert.EffectiveBoost()
			notes = append(notes, fmt.Sprintf("goal match x%g", pert.EffectiveBoost()))
		}
		if hasErr {
			mult *= ScriptErrorBoost
			notes = append(notes, fmt.Sprintf("script errors x%g", ScriptErrorBoost))
		}

		action := SuggestAction(row.node.Node.Kind, row.gap, row.inDeg, row.hasTest, row.documented)
		if matched {
			action = pert.Goal + " (goal-directed)"
		}
		if hasErr {
			action = "fix: " + errText
		}

		rationale := fmt.Sprintf("%s at %.2f vs target %.2f, %d dependents", row.role, row.current, row.target, row.inDeg)
		if !row.hasTest {
			rationale += ", no test coverage"
		}
		if len(notes) > 0 {
			rationale += "; " + strings.Join(notes, ", ")
		}

		plan.Items = append(plan.Items, EvolutionPlanItem{
			NodeID:           row.node.Node.ID,
			Path:             path,
			Role:             row.role,
			CurrentStability: row.current,
			TargetStability:  row.target,
			Gap:              row.gap,
			Priority:         base * mult,
			InDegree:         row.inDeg,
			HasTestNeighbor:  row.hasTest,
			SuggestedAction:  action,
			Rationale:        rationale,
		})
	}

	sort.Slice(plan.Items, func(i, j int) bool {
		a, b := plan.Items[i], plan.Items[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Gap != b.Gap {
			return a.Gap > b.Gap
		}
		if a.InDegree != b.InDegree {
			return a.InDegree > b.InDegree
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.NodeID < b.NodeID
	})

	plan.Summary.NodeCount = len(rows)
	plan.Summary.BelowTarget = belowCount
	if belowCount > 0 {
		plan.Summary.AvgGap = gapSum / float64(belowCount)
	}
	plan.Summary.HealthScore = 1
	if len(rows) > 0 {
		plan.Summary.HealthScore = clamp01(1 - plan.Summary.AvgGap*float64(belowCount)/float64(len(rows)))
	}

	logging.Planner("plan: %d/%d nodes below target, avg gap %.3f, health %.2f",
		belowCount, len(rows), plan.Summary.AvgGap, plan.Summary.HealthScore)
	return plan
}

// currentStability blends the latest activation with structural signals:
// test coverage, documentation, and how depended-upon the node is.
func currentStability(activation float64, inDegree int, hasTest, documented bool) float64 {
	s := 0.7 * activation
	if hasTest {
		s += 0.15
	}
	if documented {
		s += 0.10
	}
	ratio := float64(inDegree) / float64(HubInDegreeThreshold)
	if ratio > 1 {
		ratio = 1
	}
	s += 0.05 * ratio
	return clamp01(s)
}

func hasTestNeighbor(nb *temporal.Neighborhood) bool {
	for _, ns := range nb.AllNeighbors() {
		if isTestPath(ns.Path) {
			return true
		}
	}
	return false
}

func isTestPath(p string) bool {
	lower := strings.ToLower(p)
	base := gopath.Base(lower)
	if strings.Contains(base, "_test.") || strings.HasPrefix(base, "test_") ||
		strings.Contains(base, ".test.") || strings.Contains(base, ".spec.") {
		return true
	}
	for _, seg := range strings.Split(gopath.Dir(lower), "/") {
		switch seg {
		case "test", "tests", "testdata", "__tests__":
			return true
		}
	}
	return false
}

func isDocumented(node *temporal.TemporalNode) bool {
	if node.Node.Metadata["documented"] == "true" {
		return true
	}
	if v, ok := node.Evolution.CurrentState().Annotation("documented"); ok && v == "true" {
		return true
	}
	return false
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
