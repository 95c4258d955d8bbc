package resolver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibegraph/internal/temporal"
)

func TestParseNextStateOutput(t *testing.T) {
	t.Run("plain object", func(t *testing.T) {
		out, err := ParseNextStateOutput(`{"rule":"warmup","activation":0.4,"state":{"note":"ok"},"feedback":"fine"}`)
		require.NoError(t, err)
		assert.Equal(t, "warmup", out.Rule)
		require.NotNil(t, out.Activation)
		assert.Equal(t, 0.4, *out.Activation)
		assert.Equal(t, map[string]any{"note": "ok"}, out.State)
		assert.Equal(t, "fine", out.Feedback)
	})

	t.Run("json fence", func(t *testing.T) {
		out, err := ParseNextStateOutput("```json\n{\"rule\": \"fenced\", \"activation\": 0.9}\n```")
		require.NoError(t, err)
		assert.Equal(t, "fenced", out.Rule)
		require.NotNil(t, out.Activation)
		assert.Equal(t, 0.9, *out.Activation)
	})

	t.Run("bare fence", func(t *testing.T) {
		out, err := ParseNextStateOutput("```\n{\"rule\": \"bare\"}\n```")
		require.NoError(t, err)
		assert.Equal(t, "bare", out.Rule)
	})

	t.Run("unclosed fence", func(t *testing.T) {
		out, err := ParseNextStateOutput("```json\n{\"rule\": \"open\"}")
		require.NoError(t, err)
		assert.Equal(t, "open", out.Rule)
	})

	t.Run("prose around object", func(t *testing.T) {
		out, err := ParseNextStateOutput("Sure! Here is the next state:\n{\"rule\": \"chatty\"}\nLet me know if you need anything else.")
		require.NoError(t, err)
		assert.Equal(t, "chatty", out.Rule)
	})

	t.Run("activation omitted stays nil", func(t *testing.T) {
		out, err := ParseNextStateOutput(`{"rule": "hold"}`)
		require.NoError(t, err)
		assert.Nil(t, out.Activation)
	})

	t.Run("activation clamped high", func(t *testing.T) {
		out, err := ParseNextStateOutput(`{"rule": "hot", "activation": 1.5}`)
		require.NoError(t, err)
		require.NotNil(t, out.Activation)
		assert.Equal(t, 1.0, *out.Activation)
	})

	t.Run("activation clamped low", func(t *testing.T) {
		out, err := ParseNextStateOutput(`{"rule": "cold", "activation": -0.2}`)
		require.NoError(t, err)
		require.NotNil(t, out.Activation)
		assert.Equal(t, 0.0, *out.Activation)
	})

	t.Run("braces inside strings", func(t *testing.T) {
		out, err := ParseNextStateOutput(`{"rule": "odd}", "feedback": "a {nested} b"}`)
		require.NoError(t, err)
		assert.Equal(t, "odd}", out.Rule)
		assert.Equal(t, "a {nested} b", out.Feedback)
	})

	t.Run("no object", func(t *testing.T) {
		_, err := ParseNextStateOutput("I cannot answer that.")
		require.ErrorIs(t, err, ErrMalformedResponse)
		assert.Contains(t, err.Error(), "no JSON object")
	})

	t.Run("unbalanced object", func(t *testing.T) {
		_, err := ParseNextStateOutput(`{"rule": "cut`)
		require.ErrorIs(t, err, ErrMalformedResponse)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := ParseNextStateOutput(`{"rule":}`)
		require.ErrorIs(t, err, ErrMalformedResponse)
	})

	t.Run("long noise is truncated in the error", func(t *testing.T) {
		_, err := ParseNextStateOutput(strings.Repeat("x", 400))
		require.ErrorIs(t, err, ErrMalformedResponse)
		assert.Less(t, len(err.Error()), 300)
		assert.Contains(t, err.Error(), "...")
	})
}

func TestBuildPrompt(t *testing.T) {
	req := Request{
		NodeID: 7,
		Path:   "internal/parser/lex.go",
		State:  temporal.NewStateData(0.3).WithAnnotation("phase", "warm"),
		Tick:   4,
	}

	t.Run("default system prompt", func(t *testing.T) {
		system, user, err := BuildPrompt(req)
		require.NoError(t, err)
		assert.Equal(t, defaultSystemPrompt, system)
		assert.Contains(t, user, `Tick 4. Evaluate node "internal/parser/lex.go".`)
		assert.Contains(t, user, `"node_id": 7`)
		assert.Contains(t, user, `"phase": "warm"`)
		assert.NotContains(t, user, "memory")
	})

	t.Run("custom system prompt", func(t *testing.T) {
		custom := req
		custom.SystemPrompt = "Answer only in JSON."
		system, user, err := BuildPrompt(custom)
		require.NoError(t, err)
		assert.Equal(t, "Answer only in JSON.", system)
		assert.NotContains(t, user, "Answer only in JSON.")
	})

	t.Run("memory serialized when present", func(t *testing.T) {
		withMemory := req
		withMemory.Memory = []temporal.Transition{
			temporal.NewTransition("warm_up").Activation(0.2).Sequence(1).Build(),
		}
		_, user, err := BuildPrompt(withMemory)
		require.NoError(t, err)
		assert.Contains(t, user, `"memory"`)
		assert.Contains(t, user, `"warm_up"`)
	})
}
