package planner

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// DefaultPerturbationBoost is the priority multiplier for goal-matched
// nodes.
const DefaultPerturbationBoost = 3.0

// Perturbation is an active goal biasing the evolution plan toward
// specific files or concepts. At most one perturbation is active per
// automaton instance; it persists across restarts.
type Perturbation struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	Targets   []string  `json:"targets,omitempty"`
	Boost     float64   `json:"boost"`
	CreatedAt time.Time `json:"created_at"`
}

// NewPerturbation creates a perturbation with the default boost.
func NewPerturbation(goal string, targets ...string) *Perturbation {
	return &Perturbation{
		ID:        uuid.NewString(),
		Goal:      goal,
		Targets:   targets,
		Boost:     DefaultPerturbationBoost,
		CreatedAt: time.Now().UTC(),
	}
}

// EffectiveBoost returns the configured boost, falling back to the default
// when unset or nonsensical.
func (p *Perturbation) EffectiveBoost() float64 {
	if p == nil || p.Boost <= 0 {
		return DefaultPerturbationBoost
	}
	return p.Boost
}

// Matches reports whether a node path falls under this perturbation,
// either through an explicit target substring or through a goal keyword.
// Nil perturbations match nothing.
func (p *Perturbation) Matches(path string) bool {
	if p == nil {
		return false
	}
	lower := strings.ToLower(path)
	for _, target := range p.Targets {
		if target != "" && strings.Contains(lower, strings.ToLower(target)) {
			return true
		}
	}
	for _, kw := range p.Keywords() {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// stopWords are goal words too generic to select files by.
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "are": true, "was": true,
	"will": true, "can": true, "all": true, "any": true, "our": true,
	"out": true, "not": true, "more": true, "make": true, "have": true,
	"has": true, "new": true, "its": true, "should": true, "when": true,
}

// Keywords extracts the goal's meaningful lowercase words: alphanumeric
// runs of at least three characters with stop words removed.
func (p *Perturbation) Keywords() []string {
	if p == nil || p.Goal == "" {
		return nil
	}
	fields := strings.FieldsFunc(strings.ToLower(p.Goal), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len(f) < 3 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
