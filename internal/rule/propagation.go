package rule

import (
	"fmt"
	"strconv"

	"vibegraph/internal/temporal"
)

// Propagation rule identifiers.
const (
	IDImportPropagation  = "import_propagation"
	IDModuleActivation   = "module_activation"
	IDChangeProximity    = "change_proximity"
	IDDampedPropagation  = "damped_propagation"
	IDComplexityTracking = "complexity_tracking"
)

// minMeaningfulDelta gates transitions that would not visibly move a node.
const minMeaningfulDelta = 1e-3

// ImportPropagationRule pulls activation along import edges: a file that
// imports active modules becomes active itself, decaying toward rest when
// its imports are quiet.
type ImportPropagationRule struct {
	ActivationTransfer float64 // fraction of the import average pulled in
	Decay              float64 // per-tick decay of own activation
	MaxActivation      float64 // activation ceiling for propagated energy
}

// NewImportPropagationRule returns the rule with its standard tuning.
func NewImportPropagationRule() *ImportPropagationRule {
	return &ImportPropagationRule{ActivationTransfer: 0.3, Decay: 0.1, MaxActivation: 0.8}
}

func (r *ImportPropagationRule) ID() string          { return IDImportPropagation }
func (r *ImportPropagationRule) Description() string { return "pulls activation along import edges" }
func (r *ImportPropagationRule) Priority() int       { return 10 }

func (r *ImportPropagationRule) ShouldApply(ctx *Context) bool {
	if ctx.Neighbors == nil {
		return false
	}
	for _, n := range ctx.Neighbors.Outgoing {
		if n.Relationship == "imports" {
			return true
		}
	}
	return false
}

func (r *ImportPropagationRule) Apply(ctx *Context) (Outcome, error) {
	var sum float64
	var count int
	for _, n := range ctx.Neighbors.Outgoing {
		if n.Relationship != "imports" {
			continue
		}
		sum += n.State.Activation
		count++
	}
	if count == 0 {
		return Skip(), nil
	}
	avg := sum / float64(count)
	current := ctx.State.Activation
	next := current*(1-r.Decay) + avg*r.ActivationTransfer
	if next > r.MaxActivation {
		next = r.MaxActivation
	}
	if abs(next-current) < minMeaningfulDelta {
		return Skip(), nil
	}
	state := ctx.State
	state.Activation = next
	state = state.WithAnnotation("import_pull", fmt.Sprintf("%.3f", avg*r.ActivationTransfer))
	return Transition(state), nil
}

// ModuleActivationRule tracks directory nodes toward the mean activation of
// the files they contain. Directories are first-class nodes, so this is how
// child energy becomes visible one level up.
type ModuleActivationRule struct {
	ChildWeight float64 // how strongly the child mean pulls the directory
}

// NewModuleActivationRule returns the rule with its standard tuning.
func NewModuleActivationRule() *ModuleActivationRule {
	return &ModuleActivationRule{ChildWeight: 0.5}
}

func (r *ModuleActivationRule) ID() string          { return IDModuleActivation }
func (r *ModuleActivationRule) Description() string { return "directories track their children's mean activation" }
func (r *ModuleActivationRule) Priority() int       { return 5 }

func (r *ModuleActivationRule) ShouldApply(ctx *Context) bool {
	return ctx.Kind == temporal.KindDirectory && ctx.Neighbors != nil
}

func (r *ModuleActivationRule) Apply(ctx *Context) (Outcome, error) {
	var sum float64
	var count int
	for _, n := range ctx.Neighbors.Outgoing {
		if n.Relationship != "contains" {
			continue
		}
		sum += n.State.Activation
		count++
	}
	if count == 0 {
		return Skip(), nil
	}
	childAvg := sum / float64(count)
	current := ctx.State.Activation
	next := current*(1-r.ChildWeight) + childAvg*r.ChildWeight
	if abs(next-current) < minMeaningfulDelta {
		return Skip(), nil
	}
	state := ctx.State
	state.Activation = next
	state = state.WithAnnotation("child_avg", fmt.Sprintf("%.3f", childAvg))
	state = state.WithAnnotation("children", strconv.Itoa(count))
	return Transition(state), nil
}

// ChangeProximityRule heats up nodes adjacent to strongly activated
// neighbors. The falloff keeps distant nodes from saturating as the wave
// spreads outward one hop per tick.
type ChangeProximityRule struct {
	Falloff   float64 // share of the gap to the hottest neighbor closed per tick
	Threshold float64 // neighbor activation below this is ignored
}

// NewChangeProximityRule returns the rule with its standard tuning.
func NewChangeProximityRule() *ChangeProximityRule {
	return &ChangeProximityRule{Falloff: 0.4, Threshold: 0.5}
}

func (r *ChangeProximityRule) ID() string          { return IDChangeProximity }
func (r *ChangeProximityRule) Description() string { return "nodes near hot neighbors heat up" }
func (r *ChangeProximityRule) Priority() int       { return 15 }

func (r *ChangeProximityRule) ShouldApply(ctx *Context) bool {
	return ctx.Neighbors != nil && len(ctx.Neighbors.AllNeighbors()) > 0
}

func (r *ChangeProximityRule) Apply(ctx *Context) (Outcome, error) {
	var hottest float64
	var source string
	for _, n := range ctx.Neighbors.AllNeighbors() {
		if n.State.Activation > hottest {
			hottest = n.State.Activation
			source = n.Path
		}
	}
	if hottest < r.Threshold {
		return Skip(), nil
	}
	current := ctx.State.Activation
	next := current + (hottest-current)*r.Falloff
	if next <= current || abs(next-current) < minMeaningfulDelta {
		return Skip(), nil
	}
	state := ctx.State
	state.Activation = next
	state = state.WithAnnotation("proximity_source", source)
	return Transition(state), nil
}

// DampedPropagationRule is the workhorse: it pulls the node toward the mean
// activation of its neighborhood through the shared damped update, so stable
// nodes resist the pull.
type DampedPropagationRule struct {
	Damping           float64 // damping coefficient fed to DampedUpdate
	PropagationFactor float64 // fraction of the gap to the neighbor mean taken as delta
	MinDelta          float64 // effective deltas below this skip
}

// NewDampedPropagationRule returns the rule with its standard tuning.
func NewDampedPropagationRule(damping float64) *DampedPropagationRule {
	return &DampedPropagationRule{Damping: damping, PropagationFactor: 0.25, MinDelta: 0.005}
}

func (r *DampedPropagationRule) ID() string          { return IDDampedPropagation }
func (r *DampedPropagationRule) Description() string { return "damped pull toward the neighborhood mean" }
func (r *DampedPropagationRule) Priority() int       { return 20 }

func (r *DampedPropagationRule) ShouldApply(ctx *Context) bool {
	return ctx.Neighbors != nil && len(ctx.Neighbors.AllNeighbors()) > 0
}

func (r *DampedPropagationRule) Apply(ctx *Context) (Outcome, error) {
	mean := ctx.Neighbors.AvgActivation()
	current := ctx.State.Activation
	rawDelta := (mean - current) * r.PropagationFactor
	next := DampedUpdate(current, rawDelta, ctx.Stability, r.Damping)
	if abs(next-current) < r.MinDelta {
		return Skip(), nil
	}
	state := ctx.State
	state.Activation = next
	state = state.WithAnnotation("neighbor_mean", fmt.Sprintf("%.3f", mean))
	return Transition(state), nil
}

// ComplexityTrackingRule annotates a node with a coarse complexity score
// derived from its degree and its scanner-reported line count. It records a
// transition only when the score changes.
type ComplexityTrackingRule struct{}

func (ComplexityTrackingRule) ID() string          { return IDComplexityTracking }
func (ComplexityTrackingRule) Description() string { return "annotates degree and size derived complexity" }
func (ComplexityTrackingRule) Priority() int       { return 1 }
func (ComplexityTrackingRule) ShouldApply(ctx *Context) bool {
	return ctx.Kind == temporal.KindFile
}

func (ComplexityTrackingRule) Apply(ctx *Context) (Outcome, error) {
	degree := 0
	if ctx.Neighbors != nil {
		degree = len(ctx.Neighbors.AllNeighbors())
	}
	var lines float64
	if raw, ok := ctx.Metadata["lines"]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			lines = v
		}
	}
	score := clamp01(float64(degree)/10 + lines/2000)
	formatted := fmt.Sprintf("%.2f", score)
	if prev, ok := ctx.State.Annotation("complexity"); ok && prev == formatted {
		return Skip(), nil
	}
	state := ctx.State.WithAnnotation("complexity", formatted)
	return Transition(state), nil
}

var (
	_ Rule = (*ImportPropagationRule)(nil)
	_ Rule = (*ModuleActivationRule)(nil)
	_ Rule = (*ChangeProximityRule)(nil)
	_ Rule = (*DampedPropagationRule)(nil)
	_ Rule = ComplexityTrackingRule{}
)

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
