package rule

import (
	"fmt"
)

// Builtin rule identifiers.
const (
	IDNoOp     = "noop"
	IDIdentity = "identity"
)

// NoOpRule never records anything. Useful as an explicit "leave this node
// alone" assignment.
type NoOpRule struct{}

func (NoOpRule) ID() string                  { return IDNoOp }
func (NoOpRule) Description() string         { return "records nothing on every tick" }
func (NoOpRule) Priority() int               { return 0 }
func (NoOpRule) ShouldApply(_ *Context) bool { return true }
func (NoOpRule) Apply(_ *Context) (Outcome, error) {
	return Skip(), nil
}

// IdentityRule re-emits the node's current state unchanged. The default
// assignment: it keeps history flowing without moving activation, so
// stability detection converges immediately on untouched nodes.
type IdentityRule struct{}

func (IdentityRule) ID() string                  { return IDIdentity }
func (IdentityRule) Description() string         { return "re-emits the current state unchanged" }
func (IdentityRule) Priority() int               { return 0 }
func (IdentityRule) ShouldApply(_ *Context) bool { return true }
func (IdentityRule) Apply(ctx *Context) (Outcome, error) {
	return Transition(ctx.State), nil
}

// CompositeRule applies its sub-rules in order; the first non-skip outcome
// wins. All sub-rules skipping makes the composite skip.
type CompositeRule struct {
	RuleID string
	Rules  []Rule
}

// NewCompositeRule builds a composite over the given sub-rules.
func NewCompositeRule(id string, rules ...Rule) *CompositeRule {
	return &CompositeRule{RuleID: id, Rules: rules}
}

func (c *CompositeRule) ID() string { return c.RuleID }

func (c *CompositeRule) Description() string {
	return fmt.Sprintf("composite of %d rules, first transition wins", len(c.Rules))
}

func (c *CompositeRule) Priority() int {
	p := 0
	for _, r := range c.Rules {
		if r.Priority() > p {
			p = r.Priority()
		}
	}
	return p
}

func (c *CompositeRule) ShouldApply(ctx *Context) bool {
	for _, r := range c.Rules {
		if r.ShouldApply(ctx) {
			return true
		}
	}
	return false
}

func (c *CompositeRule) Apply(ctx *Context) (Outcome, error) {
	for _, r := range c.Rules {
		if !r.ShouldApply(ctx) {
			continue
		}
		out, err := r.Apply(ctx)
		if err != nil {
			return Skip(), fmt.Errorf("composite %s: sub-rule %s: %w", c.RuleID, r.ID(), err)
		}
		if !out.Skipped {
			return out, nil
		}
	}
	return Skip(), nil
}

var _ Rule = NoOpRule{}
var _ Rule = IdentityRule{}
var _ Rule = (*CompositeRule)(nil)
