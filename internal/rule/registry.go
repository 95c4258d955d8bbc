package rule

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps rule identifiers to implementations. The hierarchical
// resolver only ever handles identifiers; this is where they become code.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewRegistry returns a registry with the builtin and propagation rules
// pre-registered under their standard tunings.
func NewRegistry() *Registry {
	r := &Registry{rules: make(map[string]Rule)}
	r.Register(NoOpRule{})
	r.Register(IdentityRule{})
	r.Register(NewImportPropagationRule())
	r.Register(NewModuleActivationRule())
	r.Register(NewChangeProximityRule())
	r.Register(NewDampedPropagationRule(0.5))
	r.Register(ComplexityTrackingRule{})
	return r
}

// Register adds a rule, replacing any previous registration under the same
// ID so a config can retune a standard rule.
func (r *Registry) Register(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[rule.ID()] = rule
}

// Get returns the rule registered under id.
func (r *Registry) Get(id string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	return rule, ok
}

// IDs returns all registered rule IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.rules))
	for id := range r.rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Apply looks up and applies the rule. An unknown ID is an evaluation
// failure, not a panic: configs reference rules by name and a typo must
// degrade to a logged skip.
func (r *Registry) Apply(id string, ctx *Context) (Outcome, error) {
	rule, ok := r.Get(id)
	if !ok {
		return Skip(), fmt.Errorf("unknown rule %q", id)
	}
	if !rule.ShouldApply(ctx) {
		return Skip(), nil
	}
	out, err := rule.Apply(ctx)
	if err != nil {
		return Skip(), fmt.Errorf("rule %s: %w", id, err)
	}
	return out, nil
}
