package planner

import (
	"fmt"
	"sort"
	"time"

	"vibegraph/internal/logging"
	"vibegraph/internal/temporal"
)

// ImpactDecay is the per-hop attenuation when walking the dependent
// closure of a change.
const ImpactDecay = 0.7

// impactCutoff drops entries whose score is indistinguishable from noise.
const impactCutoff = 0.05

// ImpactLevel buckets a raw impact score for display.
type ImpactLevel string

const (
	ImpactHigh   ImpactLevel = "high"
	ImpactMedium ImpactLevel = "medium"
	ImpactLow    ImpactLevel = "low"
)

func levelFor(score float64) ImpactLevel {
	switch {
	case score >= 0.7:
		return ImpactHigh
	case score >= 0.3:
		return ImpactMedium
	default:
		return ImpactLow
	}
}

// ImpactEntry scores one node reachable from the changed set.
type ImpactEntry struct {
	NodeID   int         `json:"node_id"`
	Path     string      `json:"path"`
	Score    float64     `json:"score"`
	Level    ImpactLevel `json:"level"`
	Distance int         `json:"distance"`
}

// ImpactReport lists every node plausibly affected by a set of changed
// files, strongest first. Changed nodes themselves appear at score 1.
type ImpactReport struct {
	Changed     []string      `json:"changed"`
	Entries     []ImpactEntry `json:"entries"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// ByLevel groups entry paths per impact level.
func (r *ImpactReport) ByLevel() map[ImpactLevel][]string {
	out := make(map[ImpactLevel][]string)
	for _, e := range r.Entries {
		out[e.Level] = append(out[e.Level], e.Path)
	}
	return out
}

// AssessImpact walks the dependent closure of the changed paths: nodes
// whose edges point at a changed node are affected, their dependents in
// turn, and so on. Each node is scored by its shortest hop distance to
// any change, decayed per hop; scores below the cutoff are dropped.
func AssessImpact(g *temporal.Graph, changed []string) (*ImpactReport, error) {
	if g == nil {
		return nil, fmt.Errorf("impact: nil graph")
	}
	if len(changed) == 0 {
		return nil, fmt.Errorf("impact: no changed paths")
	}

	report := &ImpactReport{GeneratedAt: time.Now().UTC()}
	dist := make(map[int]int)
	var frontier []int
	for _, p := range changed {
		node, ok := g.NodeByPath(p)
		if !ok {
			return nil, fmt.Errorf("impact: unknown path %q", p)
		}
		if _, seen := dist[node.Node.ID]; seen {
			continue
		}
		dist[node.Node.ID] = 0
		frontier = append(frontier, node.Node.ID)
		report.Changed = append(report.Changed, node.Path())
	}

	for d := 1; len(frontier) > 0; d++ {
		if decayPow(d) < impactCutoff {
			break
		}
		var next []int
		for _, id := range frontier {
			nb, err := g.Neighborhood(id)
			if err != nil {
				continue
			}
			for _, dep := range nb.Incoming {
				if _, seen := dist[dep.NodeID]; seen {
					continue
				}
				dist[dep.NodeID] = d
				next = append(next, dep.NodeID)
			}
		}
		frontier = next
	}

	for id, d := range dist {
		node, ok := g.Node(id)
		if !ok {
			continue
		}
		score := decayPow(d)
		report.Entries = append(report.Entries, ImpactEntry{
			NodeID:   id,
			Path:     node.Path(),
			Score:    score,
			Level:    levelFor(score),
			Distance: d,
		})
	}
	sort.Slice(report.Entries, func(i, j int) bool {
		if report.Entries[i].Score != report.Entries[j].Score {
			return report.Entries[i].Score > report.Entries[j].Score
		}
		return report.Entries[i].Path < report.Entries[j].Path
	})

	logging.Planner("impact: %d changed paths reach %d nodes", len(report.Changed), len(report.Entries))
	return report, nil
}

func decayPow(distance int) float64 {
	score := 1.0
	for i := 0; i < distance; i++ {
		score *= ImpactDecay
	}
	return score
}
