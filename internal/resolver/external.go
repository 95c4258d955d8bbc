package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vibegraph/internal/automaton"
	"vibegraph/internal/descriptor"
	"vibegraph/internal/logging"
	"vibegraph/internal/rule"
)

// externalRulePriority places external rules above the builtin
// propagation rules when both are bound to one node.
const externalRulePriority = 30

// ExternalRule satisfies rule.Rule by delegating evaluation to a backend
// pool. A timed-out or cancelled evaluation degrades to a skip so the
// node simply misses one tick; any other backend failure is a rule error.
type ExternalRule struct {
	cfg  descriptor.RuleConfig
	pool *Pool
}

// NewExternalRule binds one configured external rule to a pool.
func NewExternalRule(cfg descriptor.RuleConfig, pool *Pool) *ExternalRule {
	return &ExternalRule{cfg: cfg, pool: pool}
}

func (r *ExternalRule) ID() string { return r.cfg.Name }

func (r *ExternalRule) Description() string {
	return fmt.Sprintf("external rule %q resolved by model backends", r.cfg.Name)
}

func (r *ExternalRule) Priority() int { return externalRulePriority }

func (r *ExternalRule) ShouldApply(_ *rule.Context) bool { return true }

// Apply sends the node's context to the next backend and folds the
// verdict into the node's state.
func (r *ExternalRule) Apply(rctx *rule.Context) (rule.Outcome, error) {
	backend := r.pool.Next()
	ctx, cancel := context.WithTimeout(rctx.Context(), r.pool.Timeout())
	defer cancel()

	req := Request{
		NodeID:       rctx.NodeID,
		Path:         rctx.Path,
		State:        rctx.State,
		Memory:       rctx.Memory,
		Neighbors:    rctx.Neighbors,
		Tick:         rctx.Tick,
		SystemPrompt: r.cfg.SystemPrompt,
	}

	start := time.Now()
	out, err := backend.Resolve(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			logging.ResolverWarn("%s: %s gave up on %s after %s: %v",
				r.cfg.Name, backend.Name(), rctx.Path, time.Since(start).Round(time.Millisecond), err)
			return rule.Skip(), nil
		}
		return rule.Outcome{}, fmt.Errorf("rule %q via %s: %w", r.cfg.Name, backend.Name(), err)
	}

	next := rctx.State
	if out.Activation != nil {
		next.Activation = *out.Activation
	}
	for k, v := range out.State {
		next = next.WithAnnotation(k, fmt.Sprintf("%v", v))
	}
	if out.Rule != "" {
		next = next.WithAnnotation("resolved_rule", out.Rule)
	}
	if out.Feedback != "" {
		next = next.WithAnnotation("feedback", out.Feedback)
	}
	return rule.Transition(next), nil
}

// Factory adapts a pool into the automaton's external-rule hook: every
// rule declared with type "external" in the description is served by
// this pool.
func Factory(pool *Pool) automaton.ExternalRuleFactory {
	return func(cfg descriptor.RuleConfig) (rule.Rule, error) {
		if pool.Len() == 0 {
			return nil, ErrNoBackends
		}
		return NewExternalRule(cfg, pool), nil
	}
}

// TickOptions bound one distributed tick.
type TickOptions struct {
	// MaxConcurrent caps parallel node evaluations; 0 keeps the
	// automaton's configured limit.
	MaxConcurrent int
	// Timeout is the per-request budget; 0 keeps the pool's current
	// setting.
	Timeout time.Duration
}

// DistributedTick runs one automaton tick with its external rules served
// by the pool. Every evaluation completes or times out before the tick
// commits; a timeout skips the node for this tick and is never retried
// mid-tick. The returned TickResult counts timeouts and failures in
// Errors.
func DistributedTick(ctx context.Context, a *automaton.GraphAutomaton, pool *Pool, opts TickOptions) (automaton.TickResult, error) {
	if a == nil {
		return automaton.TickResult{}, fmt.Errorf("resolver: nil automaton")
	}
	if pool.Len() == 0 {
		return automaton.TickResult{}, ErrNoBackends
	}
	if opts.Timeout > 0 {
		pool.SetTimeout(opts.Timeout)
	}
	if opts.MaxConcurrent > 0 {
		a.SetMaxConcurrent(opts.MaxConcurrent)
	}
	logging.Resolver("distributed tick: %d backend(s), per-request timeout %s", pool.Len(), pool.Timeout())
	return a.Tick(ctx)
}
