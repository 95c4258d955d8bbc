// Package automaton drives the temporal graph: it resolves each node's
// effective rule set, applies rules against a consistent pre-tick snapshot,
// commits the resulting transitions atomically, and tracks convergence
// toward stability.
package automaton

import (
	"context"
	"errors"
	"fmt"
	gopath "path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vibegraph/internal/descriptor"
	"vibegraph/internal/logging"
	"vibegraph/internal/rule"
	"vibegraph/internal/temporal"
)

// Phase is the orchestrator's lifecycle state.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseTicking         Phase = "ticking"
	PhaseStable          Phase = "stable"
	PhaseBudgetExhausted Phase = "budget_exhausted"
)

// activationEpsilon separates real activation movement from float noise
// when deciding whether a child change should notify its parent folder.
const activationEpsilon = 1e-9

// ruleMemoryWindow is how many recent transitions a rule sees in its
// evaluation context. External resolvers use it as short-term memory.
const ruleMemoryWindow = 4

// ErrTickInProgress is returned when Tick is entered reentrantly. Ticks
// never overlap; one commits fully before the next begins.
var ErrTickInProgress = errors.New("automaton: tick already in progress")

// ExternalRuleFactory builds a runnable rule from an external rule
// definition, typically backed by a resolver pool.
type ExternalRuleFactory func(rc descriptor.RuleConfig) (rule.Rule, error)

// Option adjusts a GraphAutomaton during construction.
type Option func(*GraphAutomaton)

// WithConfig overrides the configuration derived from the description.
func WithConfig(cfg Config) Option {
	return func(a *GraphAutomaton) { a.cfg = cfg }
}

// WithRegistry supplies a pre-populated rule registry instead of the stock
// builtin set.
func WithRegistry(reg *rule.Registry) Option {
	return func(a *GraphAutomaton) { a.registry = reg }
}

// WithHeuristic replaces the default activation-convergence stability
// heuristic.
func WithHeuristic(h StabilityHeuristic) Option {
	return func(a *GraphAutomaton) { a.heuristic = h }
}

// WithExternalRules installs the factory used to bind external rule
// definitions. Without it, a description containing external rules is
// rejected at construction.
func WithExternalRules(f ExternalRuleFactory) Option {
	return func(a *GraphAutomaton) { a.externalFactory = f }
}

// GraphAutomaton is one automaton instance over one structural graph. It
// has an explicit lifecycle: construct or load, tick zero or more times,
// persist. Multiple instances can coexist; nothing here is process-global.
type GraphAutomaton struct {
	graph    *temporal.Graph
	desc     *descriptor.Description
	table    *descriptor.Table
	registry *rule.Registry
	cfg      Config

	heuristic       StabilityHeuristic
	externalFactory ExternalRuleFactory
	params          map[string]map[string]any

	mu      sync.Mutex
	phase   Phase
	tick    int
	history []TickResult
	pending map[int][]descriptor.Event
}

// New builds an automaton over a graph and its description. Every node
// without history is seeded with an initial transition carrying the default
// activation and the node's configured payload, so rules always see a valid
// current state.
func New(graph *temporal.Graph, desc *descriptor.Description, opts ...Option) (*GraphAutomaton, error) {
	if graph == nil {
		return nil, fmt.Errorf("automaton: nil graph")
	}
	if desc == nil {
		desc = descriptor.NewDescription("")
	}
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("automaton: %w", err)
	}

	a := &GraphAutomaton{
		graph:     graph,
		desc:      desc,
		cfg:       ConfigFromDescription(desc),
		registry:  rule.NewRegistry(),
		heuristic: ActivationConvergence{},
		phase:     PhaseIdle,
		pending:   make(map[int][]descriptor.Event),
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	if err := a.bindRules(); err != nil {
		return nil, err
	}

	known := make(map[string]bool)
	for _, id := range a.registry.IDs() {
		known[id] = true
	}
	if err := desc.CheckRuleReferences(known); err != nil {
		return nil, fmt.Errorf("automaton: %w", err)
	}

	a.table = descriptor.NewTable(desc)
	a.params = make(map[string]map[string]any, len(desc.Rules))
	for _, rc := range desc.Rules {
		if rc.Params != nil {
			a.params[rc.Name] = rc.Params
		}
	}
	if err := a.seedInitialStates(); err != nil {
		return nil, err
	}
	logging.Automaton("automaton ready: %d nodes, %d rules, damping %.2f",
		len(graph.NodeIDs()), len(a.registry.IDs()), a.cfg.DampingCoefficient)
	return a, nil
}

// bindRules materializes the description's rule definitions into the
// registry. Builtins must already be registered under their configured
// name; externals go through the factory; composites chain members that
// must resolve by the time the composite is declared.
func (a *GraphAutomaton) bindRules() error {
	for _, rc := range a.desc.Rules {
		switch rc.Type {
		case descriptor.RuleBuiltin:
			if _, ok := a.registry.Get(rc.Name); !ok {
				return fmt.Errorf("automaton: builtin rule %q is not registered", rc.Name)
			}
		case descriptor.RuleExternal:
			if a.externalFactory == nil {
				return fmt.Errorf("automaton: rule %q requires an external resolver, none configured", rc.Name)
			}
			r, err := a.externalFactory(rc)
			if err != nil {
				return fmt.Errorf("automaton: bind external rule %q: %w", rc.Name, err)
			}
			a.registry.Register(r)
		case descriptor.RuleComposite:
			members := make([]rule.Rule, 0, len(rc.Rules))
			for _, name := range rc.Rules {
				m, ok := a.registry.Get(name)
				if !ok {
					return fmt.Errorf("automaton: composite %q member %q is not registered", rc.Name, name)
				}
				members = append(members, m)
			}
			a.registry.Register(&rule.CompositeRule{RuleID: rc.Name, Rules: members})
		}
	}
	return nil
}

func (a *GraphAutomaton) seedInitialStates() error {
	for _, id := range a.graph.NodeIDs() {
		node, ok := a.graph.Node(id)
		if !ok {
			panic(fmt.Sprintf("automaton: node %d listed but absent", id))
		}
		if node.Evolution.Len() > 0 {
			continue
		}
		state := temporal.NewStateData(a.desc.Defaults.InitialActivation)
		if nc := a.table.NodeFor(node.Path()); nc != nil && nc.Payload != nil {
			state.Payload = nc.Payload
		}
		if err := a.graph.SetInitialState(id, state); err != nil {
			return fmt.Errorf("automaton: seed node %d: %w", id, err)
		}
	}
	return nil
}

// Graph returns the automaton's graph. Callers must not mutate node state;
// that is the orchestrator's job.
func (a *GraphAutomaton) Graph() *temporal.Graph { return a.graph }

// Description returns the automaton's configuration document.
func (a *GraphAutomaton) Description() *descriptor.Description { return a.desc }

// Table returns the resolution table over the description.
func (a *GraphAutomaton) Table() *descriptor.Table { return a.table }

// Config returns the effective configuration.
func (a *GraphAutomaton) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// SetMaxConcurrent adjusts how many nodes may evaluate in parallel on
// subsequent ticks. Values below 1 are clamped to serial evaluation.
func (a *GraphAutomaton) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.MaxConcurrent = n
}

// Phase returns the current lifecycle phase.
func (a *GraphAutomaton) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// TickCount returns how many ticks have committed over the automaton's
// lifetime, including restored history.
func (a *GraphAutomaton) TickCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tick
}

// History returns a copy of the accumulated tick results.
func (a *GraphAutomaton) History() []TickResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]TickResult, len(a.history))
	copy(out, a.history)
	return out
}

// RestoreHistory replaces the tick history, typically after loading
// persisted state. The tick counter resumes after the last restored tick.
func (a *GraphAutomaton) RestoreHistory(ticks []TickResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = make([]TickResult, len(ticks))
	copy(a.history, ticks)
	a.tick = 0
	if len(ticks) > 0 {
		a.tick = ticks[len(ticks)-1].Tick
	}
}

// ResumeAt advances the tick counter to a persisted value so the next tick
// continues the stored numbering. The persisted tick history may be capped
// below the real count, so a value at or below the current counter is
// ignored rather than rewinding.
func (a *GraphAutomaton) ResumeAt(tick int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if tick > a.tick {
		a.tick = tick
	}
}

// QueueFileEvent records an external file event for the node at path. The
// matching local rules fire on the next tick. Queuing an event on a
// settled automaton returns it to the idle phase.
func (a *GraphAutomaton) QueueFileEvent(path string, ev descriptor.Event) error {
	node, ok := a.graph.NodeByPath(path)
	if !ok {
		return fmt.Errorf("automaton: no node for path %q", path)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[node.Node.ID] = append(a.pending[node.Node.ID], ev)
	if a.phase == PhaseStable || a.phase == PhaseBudgetExhausted {
		a.phase = PhaseIdle
	}
	return nil
}

// nodeEval is one node's buffered tick outcome, committed only after every
// node has been evaluated against the same pre-tick snapshot.
type nodeEval struct {
	id      int
	path    string
	applied []string
	final   temporal.StateData
	errors  int
}

// Tick runs one synchronous pass: every node's effective rules are
// evaluated against the pre-tick snapshot, then all resulting transitions
// commit atomically in ascending node ID order. A rule failure degrades to
// a skip for that rule; it never aborts the tick.
func (a *GraphAutomaton) Tick(ctx context.Context) (TickResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	a.mu.Lock()
	if a.phase == PhaseTicking {
		a.mu.Unlock()
		return TickResult{}, ErrTickInProgress
	}
	a.phase = PhaseTicking
	events := a.pending
	a.pending = make(map[int][]descriptor.Event)
	tickNum := a.tick + 1
	limit := a.cfg.MaxConcurrent
	a.mu.Unlock()

	start := time.Now()
	ids := a.graph.NodeIDs()

	pre := make(map[int]temporal.StateData, len(ids))
	for _, id := range ids {
		node, ok := a.graph.Node(id)
		if !ok {
			panic(fmt.Sprintf("automaton: node %d listed but absent", id))
		}
		pre[id] = node.Evolution.CurrentState()
	}

	evals := make([]nodeEval, len(ids))
	if limit > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for i, id := range ids {
			g.Go(func() error {
				evals[i] = a.evalNode(gctx, id, tickNum, pre[id], events[id])
				return nil
			})
		}
		// Workers only report rule failures through their eval records,
		// so Wait cannot fail.
		_ = g.Wait()
	} else {
		for i, id := range ids {
			evals[i] = a.evalNode(ctx, id, tickNum, pre[id], events[id])
		}
	}

	result, err := a.commit(tickNum, start, pre, evals)
	if err != nil {
		a.setPhase(PhaseIdle)
		return TickResult{}, err
	}

	a.mu.Lock()
	a.tick = tickNum
	a.history = append(a.history, result)
	if a.heuristic.Stable(a.history, a.cfg) {
		a.phase = PhaseStable
	} else {
		a.phase = PhaseIdle
	}
	a.mu.Unlock()

	logging.AutomatonDebug("tick %d: %d transitions, %d skipped, %d errors, max delta %.4f in %s",
		result.Tick, result.Transitions, result.Skipped, result.Errors, result.MaxDelta, result.Elapsed)
	return result, nil
}

// evalNode applies one node's effective rules as a pipeline over its
// pre-tick state. Later rules see earlier rules' output for this node, but
// every neighbor read still observes the pre-tick snapshot.
func (a *GraphAutomaton) evalNode(ctx context.Context, id, tickNum int, pre temporal.StateData, events []descriptor.Event) nodeEval {
	node, ok := a.graph.Node(id)
	if !ok {
		panic(fmt.Sprintf("automaton: node %d listed but absent", id))
	}
	path := node.Path()
	neighborhood, err := a.graph.Neighborhood(id)
	if err != nil {
		panic(fmt.Sprintf("automaton: neighborhood of node %d: %v", id, err))
	}

	ev := nodeEval{id: id, path: path, final: pre}
	stability := a.table.EffectiveStability(path)
	for _, ruleID := range a.effectiveRules(path, events) {
		rctx := &rule.Context{
			Ctx:       ctx,
			NodeID:    id,
			Path:      path,
			Kind:      node.Node.Kind,
			Metadata:  node.Node.Metadata,
			State:     ev.final,
			Memory:    node.Evolution.Window(ruleMemoryWindow),
			Neighbors: neighborhood,
			Stability: stability,
			Params:    a.params[ruleID],
			Tick:      tickNum,
		}
		outcome, err := a.registry.Apply(ruleID, rctx)
		if err != nil {
			ev.errors++
			logging.RulesWarn("tick %d: rule %s on %s failed, skipping: %v", tickNum, ruleID, path, err)
			continue
		}
		if outcome.Skipped {
			continue
		}
		ev.final = outcome.State
		ev.applied = append(ev.applied, ruleID)
	}
	return ev
}

// effectiveRules resolves the ordered rule IDs for one node on one tick:
// the assigned rule first, then the local rules triggered by this tick's
// events, nearest scope first. Duplicates collapse to the first position.
func (a *GraphAutomaton) effectiveRules(path string, events []descriptor.Event) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(a.table.EffectiveRule(path))
	for _, ev := range dedupEvents(events) {
		for _, id := range a.table.ResolveLocalRules(path, ev) {
			add(id)
		}
	}
	return out
}

func dedupEvents(events []descriptor.Event) []descriptor.Event {
	if len(events) < 2 {
		return events
	}
	seen := make(map[descriptor.Event]bool, len(events))
	out := events[:0:0]
	for _, ev := range events {
		if !seen[ev] {
			seen[ev] = true
			out = append(out, ev)
		}
	}
	return out
}

// commit applies buffered evaluations in ascending node ID order. Sequence
// numbers come from each node's own counter, so concurrency during
// evaluation never reorders a node's history. Activation changes queue
// on_child_activation_change for the parent folder, one level per tick,
// batched per folder.
func (a *GraphAutomaton) commit(tickNum int, start time.Time, pre map[int]temporal.StateData, evals []nodeEval) (TickResult, error) {
	now := time.Now()
	result := TickResult{Tick: tickNum}
	var activationSum float64
	changedPaths := make([]string, 0, 8)

	for _, ev := range evals {
		node, ok := a.graph.Node(ev.id)
		if !ok {
			panic(fmt.Sprintf("automaton: node %d listed but absent", ev.id))
		}
		outcome := NodeOutcome{NodeID: ev.id, Path: ev.path, Errors: ev.errors}
		result.Errors += ev.errors

		if len(ev.applied) == 0 {
			outcome.Skipped = true
			result.Skipped++
			activationSum += pre[ev.id].Activation
			result.Outcomes = append(result.Outcomes, outcome)
			continue
		}

		t := temporal.NewTransition(strings.Join(ev.applied, "+")).
			State(ev.final).
			Sequence(node.Evolution.NextSequence()).
			At(now).
			Build()
		if err := a.graph.ApplyTransition(ev.id, t); err != nil {
			return TickResult{}, fmt.Errorf("automaton: commit tick %d node %d: %w", tickNum, ev.id, err)
		}

		delta := ev.final.Activation - pre[ev.id].Activation
		if delta < 0 {
			delta = -delta
		}
		outcome.RuleIDs = ev.applied
		outcome.Delta = delta
		result.Transitions++
		if delta > result.MaxDelta {
			result.MaxDelta = delta
		}
		activationSum += ev.final.Activation
		if delta > activationEpsilon {
			changedPaths = append(changedPaths, ev.path)
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	if len(evals) > 0 {
		result.AvgActivation = activationSum / float64(len(evals))
	}
	result.Elapsed = time.Since(start)
	a.notifyParents(changedPaths)
	return result, nil
}

// notifyParents queues a single on_child_activation_change event per parent
// folder for the next tick, regardless of how many children moved.
func (a *GraphAutomaton) notifyParents(changedPaths []string) {
	if len(changedPaths) == 0 {
		return
	}
	notified := make(map[int]bool, len(changedPaths))
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, childPath := range changedPaths {
		parentPath := gopath.Dir(childPath)
		if parentPath == childPath {
			continue
		}
		parent, ok := a.graph.NodeByPath(parentPath)
		if !ok || notified[parent.Node.ID] {
			continue
		}
		notified[parent.Node.ID] = true
		a.pending[parent.Node.ID] = append(a.pending[parent.Node.ID], descriptor.OnChildActivationChange)
	}
}

func (a *GraphAutomaton) setPhase(p Phase) {
	a.mu.Lock()
	a.phase = p
	a.mu.Unlock()
}

// RunUntilStable ticks until the stability heuristic fires or the
// per-invocation tick budget runs out. The budget is a hard cap: the run
// terminates within MaxTicks ticks regardless of rule behavior.
func (a *GraphAutomaton) RunUntilStable(ctx context.Context) (RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	var out RunResult

	for i := 0; i < a.cfg.MaxTicks; i++ {
		select {
		case <-ctx.Done():
			out.Phase = a.Phase()
			out.Elapsed = time.Since(start)
			return out, ctx.Err()
		default:
		}

		res, err := a.Tick(ctx)
		if err != nil {
			out.Phase = a.Phase()
			out.Elapsed = time.Since(start)
			return out, err
		}
		out.Ticks = append(out.Ticks, res)

		if a.Phase() == PhaseStable {
			out.Phase = PhaseStable
			out.StableAt = res.Tick
			out.Elapsed = time.Since(start)
			logging.Automaton("stable after tick %d per %s", res.Tick, a.heuristic.Name())
			return out, nil
		}
	}

	a.setPhase(PhaseBudgetExhausted)
	out.Phase = PhaseBudgetExhausted
	out.Elapsed = time.Since(start)
	logging.Automaton("tick budget exhausted after %d ticks without convergence", len(out.Ticks))
	return out, nil
}
