// Package descriptor models the hierarchical automaton configuration: which
// rule governs which node, how folder-scoped local rules are inherited, and
// the defaults everything falls back to. This is the config.json document;
// runtime state lives elsewhere and has its own lifecycle.
package descriptor

import (
	"encoding/json"
	"fmt"

	"vibegraph/internal/temporal"
)

// InheritanceMode controls how a node combines its local rules with its
// ancestors' during event resolution.
type InheritanceMode string

const (
	// InheritOverride lets the child's explicit entry win; absent that,
	// the nearest ancestor's entry applies.
	InheritOverride InheritanceMode = "inherit_override"
	// InheritOptIn exposes ancestor entries only where the child names the
	// event with the InheritMarker placeholder.
	InheritOptIn InheritanceMode = "inherit_opt_in"
	// Compose fires the child's and every ancestor's entry on the same
	// tick, nearest first. The default.
	Compose InheritanceMode = "compose"
)

// InheritMarker is the placeholder a child writes under InheritOptIn to
// mean "use the inherited rule for this event".
const InheritMarker = "inherit"

// DefaultStability is assumed for nodes without an explicit stability.
const DefaultStability = 0.5

// Event names the hooks a local-rules table may bind.
type Event string

const (
	OnFileAdd               Event = "on_file_add"
	OnFileDelete            Event = "on_file_delete"
	OnFileUpdate            Event = "on_file_update"
	OnChildActivationChange Event = "on_child_activation_change"
)

// Events lists every valid event key.
var Events = []Event{OnFileAdd, OnFileDelete, OnFileUpdate, OnChildActivationChange}

func validEvent(e Event) bool {
	for _, known := range Events {
		if e == known {
			return true
		}
	}
	return false
}

// LocalRules maps event names to rule names. Presence of a key matters:
// an absent key and an empty value are different things under opt-in
// inheritance.
type LocalRules map[Event]string

// RuleType classifies a configured rule.
type RuleType string

const (
	RuleBuiltin   RuleType = "builtin"
	RuleExternal  RuleType = "external"
	RuleComposite RuleType = "composite"
)

// RuleConfig declares a rule binding by name. Builtin rules reference the
// registry; external rules are evaluated through a resolver with the given
// system prompt; composite rules chain other configured rules.
type RuleConfig struct {
	Name         string         `json:"name"`
	Type         RuleType       `json:"type"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	Rules        []string       `json:"rules,omitempty"`
}

// NodeConfig is the per-node descriptor. Directories are first-class:
// their descriptors carry independent stability and local rules that
// influence every descendant.
type NodeConfig struct {
	ID              *int              `json:"id,omitempty"`
	Path            string            `json:"path"`
	Kind            temporal.NodeKind `json:"kind,omitempty"`
	Stability       *float64          `json:"stability,omitempty"`
	Rule            string            `json:"rule,omitempty"`
	InheritanceMode InheritanceMode   `json:"inheritance_mode,omitempty"`
	Payload         any               `json:"payload,omitempty"`
	LocalRules      LocalRules        `json:"local_rules,omitempty"`
}

// Defaults are the fallbacks for everything a NodeConfig leaves unset.
type Defaults struct {
	InitialActivation  float64         `json:"initial_activation"`
	DefaultRule        string          `json:"default_rule"`
	DampingCoefficient float64         `json:"damping_coefficient"`
	InheritanceMode    InheritanceMode `json:"inheritance_mode"`
}

// DefaultDefaults returns the stock fallbacks.
func DefaultDefaults() Defaults {
	return Defaults{
		InitialActivation:  0,
		DefaultRule:        "identity",
		DampingCoefficient: 0.5,
		InheritanceMode:    Compose,
	}
}

// UnmarshalJSON fills absent fields from DefaultDefaults so a sparse
// document behaves like a fully written one.
func (d *Defaults) UnmarshalJSON(data []byte) error {
	type raw struct {
		InitialActivation  *float64         `json:"initial_activation"`
		DefaultRule        *string          `json:"default_rule"`
		DampingCoefficient *float64         `json:"damping_coefficient"`
		InheritanceMode    *InheritanceMode `json:"inheritance_mode"`
	}
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*d = DefaultDefaults()
	if r.InitialActivation != nil {
		d.InitialActivation = *r.InitialActivation
	}
	if r.DefaultRule != nil {
		d.DefaultRule = *r.DefaultRule
	}
	if r.DampingCoefficient != nil {
		d.DampingCoefficient = *r.DampingCoefficient
	}
	if r.InheritanceMode != nil {
		d.InheritanceMode = *r.InheritanceMode
	}
	return nil
}

// AutomatonSettings are the orchestrator knobs persisted alongside the
// descriptor table.
type AutomatonSettings struct {
	MaxTicks                int     `json:"max_ticks"`
	HistoryWindow           int     `json:"history_window"`
	StabilityThreshold      float64 `json:"stability_threshold"`
	MinTicksBeforeStability int     `json:"min_ticks_before_stability"`
}

// DefaultAutomatonSettings returns the stock orchestrator knobs.
func DefaultAutomatonSettings() AutomatonSettings {
	return AutomatonSettings{
		MaxTicks:                100,
		HistoryWindow:           temporal.DefaultHistoryWindow,
		StabilityThreshold:      0.001,
		MinTicksBeforeStability: 5,
	}
}

// UnmarshalJSON fills absent fields from DefaultAutomatonSettings.
func (a *AutomatonSettings) UnmarshalJSON(data []byte) error {
	type raw struct {
		MaxTicks                *int     `json:"max_ticks"`
		HistoryWindow           *int     `json:"history_window"`
		StabilityThreshold      *float64 `json:"stability_threshold"`
		MinTicksBeforeStability *int     `json:"min_ticks_before_stability"`
	}
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*a = DefaultAutomatonSettings()
	if r.MaxTicks != nil {
		a.MaxTicks = *r.MaxTicks
	}
	if r.HistoryWindow != nil {
		a.HistoryWindow = *r.HistoryWindow
	}
	if r.StabilityThreshold != nil {
		a.StabilityThreshold = *r.StabilityThreshold
	}
	if r.MinTicksBeforeStability != nil {
		a.MinTicksBeforeStability = *r.MinTicksBeforeStability
	}
	return nil
}

// Meta identifies a description document.
type Meta struct {
	Name        string `json:"name,omitempty"`
	Version     int    `json:"version"`
	Description string `json:"description,omitempty"`
}

// Description is the full config.json document: orchestrator settings,
// defaults, the node descriptor table, and the rule definitions.
type Description struct {
	Meta      Meta              `json:"meta"`
	Automaton AutomatonSettings `json:"automaton"`
	Defaults  Defaults          `json:"defaults"`
	Nodes     []NodeConfig      `json:"nodes,omitempty"`
	Rules     []RuleConfig      `json:"rules,omitempty"`
}

// NewDescription returns an empty description with stock settings.
func NewDescription(name string) *Description {
	return &Description{
		Meta:      Meta{Name: name, Version: 1},
		Automaton: DefaultAutomatonSettings(),
		Defaults:  DefaultDefaults(),
	}
}

// Parse decodes and validates a description document. Nothing
// partially-parsed is ever returned: any violation fails the whole parse.
func Parse(data []byte) (*Description, error) {
	d := &Description{
		Automaton: DefaultAutomatonSettings(),
		Defaults:  DefaultDefaults(),
	}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("parse description: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("parse description: %w", err)
	}
	return d, nil
}

// Validate checks internal consistency: ranges, known enum values,
// duplicate-free tables, and resolvable composite members.
func (d *Description) Validate() error {
	if err := validMode(d.Defaults.InheritanceMode); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	if d.Defaults.InitialActivation < 0 || d.Defaults.InitialActivation > 1 {
		return fmt.Errorf("defaults: initial_activation %v out of [0,1]", d.Defaults.InitialActivation)
	}
	if d.Automaton.MaxTicks <= 0 {
		return fmt.Errorf("automaton: max_ticks must be positive, got %d", d.Automaton.MaxTicks)
	}
	if d.Automaton.HistoryWindow <= 0 {
		return fmt.Errorf("automaton: history_window must be positive, got %d", d.Automaton.HistoryWindow)
	}

	ruleNames := make(map[string]bool, len(d.Rules))
	for i, rc := range d.Rules {
		if rc.Name == "" {
			return fmt.Errorf("rules[%d]: missing name", i)
		}
		if ruleNames[rc.Name] {
			return fmt.Errorf("rules: duplicate name %q", rc.Name)
		}
		ruleNames[rc.Name] = true
		switch rc.Type {
		case RuleBuiltin, RuleExternal:
		case RuleComposite:
			if len(rc.Rules) == 0 {
				return fmt.Errorf("rules: composite %q has no members", rc.Name)
			}
		default:
			return fmt.Errorf("rules: %q has unknown type %q", rc.Name, rc.Type)
		}
	}
	for _, rc := range d.Rules {
		for _, member := range rc.Rules {
			if !ruleNames[member] {
				return fmt.Errorf("rules: composite %q references undefined rule %q", rc.Name, member)
			}
		}
	}

	paths := make(map[string]bool, len(d.Nodes))
	for i, nc := range d.Nodes {
		if nc.Path == "" {
			return fmt.Errorf("nodes[%d]: missing path", i)
		}
		if paths[nc.Path] {
			return fmt.Errorf("nodes: duplicate path %q", nc.Path)
		}
		paths[nc.Path] = true
		if nc.Stability != nil && (*nc.Stability < 0 || *nc.Stability > 1) {
			return fmt.Errorf("nodes[%s]: stability %v out of [0,1]", nc.Path, *nc.Stability)
		}
		if nc.InheritanceMode != "" {
			if err := validMode(nc.InheritanceMode); err != nil {
				return fmt.Errorf("nodes[%s]: %w", nc.Path, err)
			}
		}
		for ev := range nc.LocalRules {
			if !validEvent(ev) {
				return fmt.Errorf("nodes[%s]: unknown event %q", nc.Path, ev)
			}
		}
	}
	return nil
}

// RuleNames returns the set of rule names the description defines.
func (d *Description) RuleNames() map[string]bool {
	out := make(map[string]bool, len(d.Rules))
	for _, rc := range d.Rules {
		out[rc.Name] = true
	}
	return out
}

// CheckRuleReferences verifies every rule a node or local-rules entry names
// resolves against the description's own rules or the supplied known set
// (typically the registry's builtin IDs). The InheritMarker placeholder is
// not a rule name and is excluded.
func (d *Description) CheckRuleReferences(known map[string]bool) error {
	defined := d.RuleNames()
	resolvable := func(name string) bool {
		return name == "" || defined[name] || known[name]
	}
	if !resolvable(d.Defaults.DefaultRule) {
		return fmt.Errorf("defaults: default_rule %q is not defined", d.Defaults.DefaultRule)
	}
	for _, nc := range d.Nodes {
		if !resolvable(nc.Rule) {
			return fmt.Errorf("nodes[%s]: rule %q is not defined", nc.Path, nc.Rule)
		}
		for ev, name := range nc.LocalRules {
			if name == InheritMarker {
				continue
			}
			if !resolvable(name) {
				return fmt.Errorf("nodes[%s]: %s rule %q is not defined", nc.Path, ev, name)
			}
		}
	}
	return nil
}

func validMode(m InheritanceMode) error {
	switch m {
	case InheritOverride, InheritOptIn, Compose:
		return nil
	default:
		return fmt.Errorf("unknown inheritance_mode %q", m)
	}
}
