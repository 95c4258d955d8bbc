// Package planner turns accumulated temporal state into a prioritized work
// queue: per-node stability gaps, cascading priority propagation, and
// goal-directed perturbation. The planner only reads graph state; it never
// mutates a node's evolution.
package planner

import (
	gopath "path"
	"strings"

	"vibegraph/internal/temporal"
)

// Role classifies a node for target-stability purposes.
type Role string

const (
	RoleEntryPoint Role = "entry_point"
	RoleHub        Role = "hub"
	RoleUtility    Role = "utility"
	RoleIdentity   Role = "identity"
	RoleNew        Role = "new"
	RoleIsolated   Role = "isolated"
)

// HubInDegreeThreshold is the in-degree at which a node counts as a hub.
const HubInDegreeThreshold = 4

// CouplingThreshold is the in-degree above which the planner suggests
// reducing coupling.
const CouplingThreshold = 8

// StabilityObjective maps roles to target stabilities. Targets express the
// equilibrium activation a node of that role should hold.
type StabilityObjective struct {
	Targets map[Role]float64 `json:"targets"`
}

// DefaultObjective returns the stock role targets.
func DefaultObjective() StabilityObjective {
	return StabilityObjective{Targets: map[Role]float64{
		RoleEntryPoint: 0.95,
		RoleHub:        0.85,
		RoleUtility:    0.50,
		RoleIdentity:   0.50,
		RoleNew:        0.20,
		RoleIsolated:   0.10,
	}}
}

// Merge returns a copy of the objective with the given role-name overrides
// applied on top.
func (o StabilityObjective) Merge(overrides map[string]float64) StabilityObjective {
	out := StabilityObjective{Targets: make(map[Role]float64, len(o.Targets)+len(overrides))}
	for role, target := range o.Targets {
		out.Targets[role] = target
	}
	for name, target := range overrides {
		out.Targets[Role(name)] = target
	}
	return out
}

// TargetFor returns the target stability for a role, falling back to the
// identity target for unknown roles.
func (o StabilityObjective) TargetFor(role Role) float64 {
	if t, ok := o.Targets[role]; ok {
		return t
	}
	if t, ok := o.Targets[RoleIdentity]; ok {
		return t
	}
	return 0.5
}

// Gap returns how far below its role target a node currently sits.
// Negative values mean the node exceeds its target.
func (o StabilityObjective) Gap(role Role, current float64) float64 {
	return o.TargetFor(role) - current
}

var entryPointNames = map[string]bool{
	"main.go":  true,
	"main.rs":  true,
	"main.py":  true,
	"main.c":   true,
	"main.ts":  true,
	"index.js": true,
	"index.ts": true,
	"lib.rs":   true,
	"app.py":   true,
}

var utilitySegments = map[string]bool{
	"util":    true,
	"utils":   true,
	"helper":  true,
	"helpers": true,
	"common":  true,
	"shared":  true,
}

// RoleOf classifies a node. Checks run in a fixed precedence: entry point,
// hub, isolated, new, utility, identity.
func RoleOf(node *temporal.TemporalNode, inDegree, outDegree int) Role {
	base := strings.ToLower(gopath.Base(node.Path()))
	if entryPointNames[base] || node.Node.Metadata["role"] == string(RoleEntryPoint) {
		return RoleEntryPoint
	}
	if inDegree >= HubInDegreeThreshold {
		return RoleHub
	}
	if inDegree == 0 && outDegree == 0 {
		return RoleIsolated
	}
	if node.Evolution.Len() <= 1 {
		return RoleNew
	}
	if isUtilityPath(node.Path()) {
		return RoleUtility
	}
	return RoleIdentity
}

func isUtilityPath(p string) bool {
	for _, seg := range strings.Split(strings.ToLower(p), "/") {
		seg = strings.TrimSuffix(seg, gopath.Ext(seg))
		if utilitySegments[seg] {
			return true
		}
	}
	return false
}

// Suggested actions, in assignment precedence order.
const (
	ActionAddTests       = "add tests"
	ActionAddDocs        = "add documentation"
	ActionReduceCoupling = "reduce coupling"
	ActionReviewModule   = "review module boundaries and child cohesion"
	ActionMonitor        = "monitor"
)

// SuggestAction picks the first matching remediation for a node. Goal and
// script-feedback rewrites happen later, during plan assembly.
func SuggestAction(kind temporal.NodeKind, gap float64, inDegree int, hasTestNeighbor, documented bool) string {
	switch {
	case inDegree > 0 && !hasTestNeighbor:
		return ActionAddTests
	case gap <= 0 && !documented:
		return ActionAddDocs
	case inDegree > CouplingThreshold:
		return ActionReduceCoupling
	case kind == temporal.KindDirectory:
		return ActionReviewModule
	default:
		return ActionMonitor
	}
}
