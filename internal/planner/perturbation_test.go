package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPerturbation(t *testing.T) {
	pert := NewPerturbation("improve parser", "src/parser")
	assert.NotEmpty(t, pert.ID)
	assert.Equal(t, "improve parser", pert.Goal)
	assert.Equal(t, []string{"src/parser"}, pert.Targets)
	assert.Equal(t, DefaultPerturbationBoost, pert.Boost)
	assert.False(t, pert.CreatedAt.IsZero())
}

func TestEffectiveBoost(t *testing.T) {
	assert.Equal(t, 3.0, (*Perturbation)(nil).EffectiveBoost())
	assert.Equal(t, 3.0, (&Perturbation{}).EffectiveBoost())
	assert.Equal(t, 3.0, (&Perturbation{Boost: -1}).EffectiveBoost())
	assert.Equal(t, 2.5, (&Perturbation{Boost: 2.5}).EffectiveBoost())
}

func TestPerturbationMatches(t *testing.T) {
	t.Run("explicit target substring", func(t *testing.T) {
		pert := &Perturbation{Goal: "whatever", Targets: []string{"src/parser"}}
		assert.True(t, pert.Matches("src/parser/lex.go"))
		assert.False(t, pert.Matches("src/render/draw.go"))
	})

	t.Run("goal keywords reach untargeted paths", func(t *testing.T) {
		pert := &Perturbation{Goal: "Harden the parser against bad input"}
		assert.True(t, pert.Matches("src/parser/lex.go"))
		assert.False(t, pert.Matches("src/render/draw.go"))
	})

	t.Run("matching is case insensitive", func(t *testing.T) {
		pert := &Perturbation{Targets: []string{"SRC/Parser"}}
		assert.True(t, pert.Matches("src/PARSER/lex.go"))
	})

	t.Run("nil matches nothing", func(t *testing.T) {
		var pert *Perturbation
		assert.False(t, pert.Matches("src/parser/lex.go"))
	})
}

func TestKeywords(t *testing.T) {
	pert := &Perturbation{Goal: "Improve the parser, and add parser tests!"}
	assert.Equal(t, []string{"improve", "parser", "add", "tests"}, pert.Keywords())

	assert.Nil(t, (*Perturbation)(nil).Keywords())
	assert.Nil(t, (&Perturbation{}).Keywords())
	assert.Empty(t, (&Perturbation{Goal: "do it to me"}).Keywords(), "short words are dropped")
}
