package descriptor

import (
	gopath "path"
	"strings"
)

// rootPath is the normalized key for the project root descriptor.
const rootPath = "."

// Table indexes a Description for per-path resolution. Paths are
// slash-separated and project-relative, matching graph node paths.
type Table struct {
	defaults Defaults
	byPath   map[string]*NodeConfig
}

// NewTable builds a resolution table over the description's nodes.
func NewTable(d *Description) *Table {
	t := &Table{
		defaults: d.Defaults,
		byPath:   make(map[string]*NodeConfig, len(d.Nodes)),
	}
	for i := range d.Nodes {
		nc := &d.Nodes[i]
		t.byPath[normalize(nc.Path)] = nc
	}
	return t
}

// Defaults returns the fallbacks the table resolves against.
func (t *Table) Defaults() Defaults { return t.defaults }

// NodeFor returns the exact descriptor for a path, or nil.
func (t *Table) NodeFor(path string) *NodeConfig {
	return t.byPath[normalize(path)]
}

// EffectiveStability returns the node's stability, or DefaultStability
// when the node has none configured.
func (t *Table) EffectiveStability(path string) float64 {
	if nc := t.NodeFor(path); nc != nil && nc.Stability != nil {
		return *nc.Stability
	}
	return DefaultStability
}

// EffectiveRule returns the node's assigned rule, or the default rule.
func (t *Table) EffectiveRule(path string) string {
	if nc := t.NodeFor(path); nc != nil && nc.Rule != "" {
		return nc.Rule
	}
	return t.defaults.DefaultRule
}

// EffectiveMode returns the node's inheritance mode, or the default.
func (t *Table) EffectiveMode(path string) InheritanceMode {
	if nc := t.NodeFor(path); nc != nil && nc.InheritanceMode != "" {
		return nc.InheritanceMode
	}
	return t.defaults.InheritanceMode
}

// ResolveLocalRules computes the rule names that fire for an event at a
// path. The walk starts at the path itself and climbs to the root; the
// resolving node's effective inheritance mode governs how its own entry
// combines with ancestor entries:
//
//   - InheritOverride: the node's explicit entry wins, otherwise the
//     nearest ancestor entry applies. At most one rule.
//   - InheritOptIn: the node's table is taken as written. An InheritMarker
//     value pulls in the nearest ancestor entry; an absent key inherits
//     nothing.
//   - Compose: the node's entry and every ancestor entry fire on the same
//     tick, the node's own first, then nearest ancestor first. A node with
//     no entry of its own still composes its ancestors' entries.
//
// Duplicate rule names across levels collapse to the first occurrence so a
// rule fires once per node per event.
func (t *Table) ResolveLocalRules(path string, event Event) []string {
	self := t.NodeFor(path)
	own, hasOwn := entryFor(self, event)
	mode := t.EffectiveMode(path)

	switch mode {
	case InheritOverride:
		if hasOwn {
			return []string{own}
		}
		if anc, ok := t.nearestAncestorEntry(path, event); ok {
			return []string{anc}
		}
		return nil

	case InheritOptIn:
		if !hasOwn {
			return nil
		}
		if own == InheritMarker {
			if anc, ok := t.nearestAncestorEntry(path, event); ok {
				return []string{anc}
			}
			return nil
		}
		return []string{own}

	default: // Compose
		var out []string
		seen := make(map[string]bool)
		add := func(name string) {
			if name == "" || name == InheritMarker || seen[name] {
				return
			}
			seen[name] = true
			out = append(out, name)
		}
		if hasOwn {
			add(own)
		}
		for _, anc := range t.ancestors(path) {
			if entry, ok := entryFor(anc, event); ok {
				add(entry)
			}
		}
		return out
	}
}

// nearestAncestorEntry walks toward the root and returns the first
// ancestor's entry for the event.
func (t *Table) nearestAncestorEntry(path string, event Event) (string, bool) {
	for _, anc := range t.ancestors(path) {
		if entry, ok := entryFor(anc, event); ok && entry != InheritMarker {
			return entry, true
		}
	}
	return "", false
}

// ancestors returns the configured descriptors above a path, nearest
// first, ending with the root descriptor when one exists. Levels with no
// descriptor are skipped.
func (t *Table) ancestors(path string) []*NodeConfig {
	var out []*NodeConfig
	p := normalize(path)
	for p != rootPath {
		p = gopath.Dir(p)
		if nc, ok := t.byPath[p]; ok {
			out = append(out, nc)
		}
	}
	return out
}

func entryFor(nc *NodeConfig, event Event) (string, bool) {
	if nc == nil || nc.LocalRules == nil {
		return "", false
	}
	entry, ok := nc.LocalRules[event]
	return entry, ok
}

func normalize(p string) string {
	p = strings.TrimPrefix(strings.ReplaceAll(p, "\\", "/"), "./")
	p = gopath.Clean(p)
	if p == "" || p == "/" {
		return rootPath
	}
	return strings.TrimPrefix(p, "/")
}
