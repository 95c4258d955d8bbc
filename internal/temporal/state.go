// Package temporal models per-node evolutionary state: an append-only history
// of rule-produced transitions over a structural graph of a software project.
// Every node carries its own history; sequence numbers are strictly monotonic
// within a node for its whole lifetime, including after reload.
package temporal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Pseudo-rule identifiers recorded on transitions that were not produced by a
// registered rule.
const (
	RuleInitial  = "__initial__"
	RuleExternal = "__external__"
	RuleNoOp     = "__noop__"
)

// DefaultHistoryWindow is the number of trailing transitions kept when a
// history is windowed for persistence or used for stability statistics.
const DefaultHistoryWindow = 16

// ErrInvalidSequence reports a transition sequence that breaks the strict
// +1 contiguity contract. It is fatal on load: a gap or duplicate means the
// store was corrupted or concurrently written.
var ErrInvalidSequence = errors.New("invalid transition sequence")

// StateData is a node's condition at a point in time. Payload is an opaque
// structured value (string, number, bool, array, map); Activation is kept in
// [0,1]; Annotations are free-form string pairs attached by rules.
type StateData struct {
	Payload     any               `json:"payload,omitempty"`
	Activation  float64           `json:"activation"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// NewStateData returns a StateData with the given activation, clamped to [0,1].
func NewStateData(activation float64) StateData {
	return StateData{Activation: clamp01(activation)}
}

// WithAnnotation returns a copy of s with the annotation set.
func (s StateData) WithAnnotation(key, value string) StateData {
	out := s
	out.Annotations = make(map[string]string, len(s.Annotations)+1)
	for k, v := range s.Annotations {
		out.Annotations[k] = v
	}
	out.Annotations[key] = value
	return out
}

// Annotation returns the annotation value and whether it is present.
func (s StateData) Annotation(key string) (string, bool) {
	v, ok := s.Annotations[key]
	return v, ok
}

// Transition is one entry in a node's history. Immutable once created.
// Sequence is unique and strictly increasing within its node.
type Transition struct {
	RuleID    string    `json:"rule_id"`
	State     StateData `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
}

// TransitionBuilder assembles a Transition. The timestamp defaults to the
// build time in UTC when not set explicitly.
type TransitionBuilder struct {
	t Transition
}

// NewTransition starts a builder for a transition produced by ruleID.
func NewTransition(ruleID string) *TransitionBuilder {
	return &TransitionBuilder{t: Transition{RuleID: ruleID}}
}

// Payload sets the opaque payload.
func (b *TransitionBuilder) Payload(p any) *TransitionBuilder {
	b.t.State.Payload = p
	return b
}

// Activation sets the activation, clamped to [0,1].
func (b *TransitionBuilder) Activation(a float64) *TransitionBuilder {
	b.t.State.Activation = clamp01(a)
	return b
}

// Annotation adds one annotation pair.
func (b *TransitionBuilder) Annotation(key, value string) *TransitionBuilder {
	if b.t.State.Annotations == nil {
		b.t.State.Annotations = make(map[string]string)
	}
	b.t.State.Annotations[key] = value
	return b
}

// State replaces the whole StateData at once.
func (b *TransitionBuilder) State(s StateData) *TransitionBuilder {
	s.Activation = clamp01(s.Activation)
	b.t.State = s
	return b
}

// Sequence sets the sequence number the transition will claim.
func (b *TransitionBuilder) Sequence(seq uint64) *TransitionBuilder {
	b.t.Sequence = seq
	return b
}

// At sets an explicit timestamp.
func (b *TransitionBuilder) At(ts time.Time) *TransitionBuilder {
	b.t.Timestamp = ts
	return b
}

// Build returns the assembled transition.
func (b *TransitionBuilder) Build() Transition {
	if b.t.Timestamp.IsZero() {
		b.t.Timestamp = time.Now().UTC()
	}
	return b.t
}

// EvolutionaryState is a node's append-only transition history. The current
// state is always the last history element; history is never reordered or
// truncated in memory. Persistence may window it, so a reloaded history can
// start at a sequence greater than 1, but it must stay contiguous.
type EvolutionaryState struct {
	History []Transition `json:"history"`

	nextSequence uint64
}

// NewEvolutionaryState returns an empty state whose first accepted sequence
// is 1.
func NewEvolutionaryState() *EvolutionaryState {
	return &EvolutionaryState{nextSequence: 1}
}

// NextSequence returns the sequence number the next appended transition must
// carry.
func (e *EvolutionaryState) NextSequence() uint64 {
	if e.nextSequence == 0 {
		// Zero value or freshly unmarshalled without history
		if n := len(e.History); n > 0 {
			return e.History[n-1].Sequence + 1
		}
		return 1
	}
	return e.nextSequence
}

// Append adds a transition to history and advances the sequence counter.
// The transition must claim exactly the next sequence; anything else is
// ErrInvalidSequence, which signals a lost update or a corrupted reload.
func (e *EvolutionaryState) Append(t Transition) error {
	expected := e.NextSequence()
	if t.Sequence != expected {
		return fmt.Errorf("%w: got %d, expected %d", ErrInvalidSequence, t.Sequence, expected)
	}
	e.History = append(e.History, t)
	e.nextSequence = expected + 1
	return nil
}

// Current returns the latest transition, or nil when no transition has been
// recorded yet.
func (e *EvolutionaryState) Current() *Transition {
	if len(e.History) == 0 {
		return nil
	}
	return &e.History[len(e.History)-1]
}

// CurrentState returns the latest StateData, or a zero StateData when the
// history is empty.
func (e *EvolutionaryState) CurrentState() StateData {
	if c := e.Current(); c != nil {
		return c.State
	}
	return StateData{}
}

// Len returns the number of recorded transitions.
func (e *EvolutionaryState) Len() int {
	return len(e.History)
}

// HasEvolved reports whether the node has moved past its initial transition.
func (e *EvolutionaryState) HasEvolved() bool {
	return len(e.History) > 1
}

// ActivationTrend returns up to n trailing activation values, oldest first.
func (e *EvolutionaryState) ActivationTrend(n int) []float64 {
	w := e.Window(n)
	trend := make([]float64, len(w))
	for i, t := range w {
		trend[i] = t.State.Activation
	}
	return trend
}

// TransitionsByRule returns the transitions recorded by the given rule, in
// history order.
func (e *EvolutionaryState) TransitionsByRule(ruleID string) []Transition {
	var out []Transition
	for _, t := range e.History {
		if t.RuleID == ruleID {
			out = append(out, t)
		}
	}
	return out
}

// Window returns the last n transitions (all of them when n exceeds the
// history length). The returned slice aliases history and must not be
// mutated.
func (e *EvolutionaryState) Window(n int) []Transition {
	if n <= 0 || len(e.History) == 0 {
		return nil
	}
	if n >= len(e.History) {
		return e.History
	}
	return e.History[len(e.History)-n:]
}

// Windowed returns a copy holding only the last n transitions, preserving
// their sequences. Used when persisting with a history window.
func (e *EvolutionaryState) Windowed(n int) *EvolutionaryState {
	w := e.Window(n)
	out := &EvolutionaryState{History: make([]Transition, len(w))}
	copy(out.History, w)
	out.nextSequence = e.NextSequence()
	return out
}

// rebuild reconstructs the append point from history and validates strict
// contiguity. The first stored sequence may exceed 1 (windowed persistence)
// but every step must be exactly +1 and no sequence may be 0.
func (e *EvolutionaryState) rebuild() error {
	if len(e.History) == 0 {
		e.nextSequence = 1
		return nil
	}
	prev := e.History[0].Sequence
	if prev == 0 {
		return fmt.Errorf("%w: sequence 0 at history[0]", ErrInvalidSequence)
	}
	for i := 1; i < len(e.History); i++ {
		seq := e.History[i].Sequence
		if seq != prev+1 {
			return fmt.Errorf("%w: %d followed by %d at history[%d]", ErrInvalidSequence, prev, seq, i)
		}
		prev = seq
	}
	e.nextSequence = prev + 1
	return nil
}

// MarshalJSON serializes the history; the append point is derived, not stored.
func (e EvolutionaryState) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		History []Transition `json:"history"`
	}{History: e.History})
}

// UnmarshalJSON restores the history and fails loudly when the stored
// sequences have gaps or duplicates.
func (e *EvolutionaryState) UnmarshalJSON(data []byte) error {
	var raw struct {
		History []Transition `json:"history"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.History = raw.History
	return e.rebuild()
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
