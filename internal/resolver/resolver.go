// Package resolver delegates rule evaluation to external model backends.
// A resolver receives one node's context (state, recent history, neighbor
// view) and returns the node's proposed next state as JSON. Backends are
// interchangeable behind the Resolver interface and load-balanced through
// a round-robin Pool.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"vibegraph/internal/temporal"
)

// ErrMalformedResponse marks model output that could not be parsed into a
// NextStateOutput. The evaluation counts as a failure, not a timeout.
var ErrMalformedResponse = errors.New("resolver: malformed response")

// ErrNoBackends is returned when a pool would be empty.
var ErrNoBackends = errors.New("resolver: no backends configured")

// Resolver is one model backend capable of evaluating a node.
type Resolver interface {
	// Name identifies the backend in logs, e.g. "http:llama3.1".
	Name() string
	// Resolve evaluates one node. Implementations honor ctx cancellation
	// and deadlines.
	Resolve(ctx context.Context, req Request) (NextStateOutput, error)
}

// Request is the full context handed to a backend for one evaluation.
type Request struct {
	NodeID       int                    `json:"node_id"`
	Path         string                 `json:"path"`
	State        temporal.StateData     `json:"state"`
	Memory       []temporal.Transition  `json:"memory,omitempty"`
	Neighbors    *temporal.Neighborhood `json:"neighbors,omitempty"`
	Tick         int                    `json:"tick"`
	SystemPrompt string                 `json:"-"`
}

// NextStateOutput is a backend's verdict for one node. Rule names the
// conceptual rule the model applied; State carries annotation updates;
// a nil Activation leaves the node's activation unchanged.
type NextStateOutput struct {
	Rule       string         `json:"rule"`
	State      map[string]any `json:"state,omitempty"`
	Activation *float64       `json:"activation,omitempty"`
	Feedback   string         `json:"feedback,omitempty"`
}

const defaultSystemPrompt = `You are a graph evolution resolver. You receive one source-file node of a dependency graph: its current state, its recent transitions, and its neighbors. Decide the node's next state.

Respond with a single JSON object and nothing else:
{"rule": "<short name of the rule you applied>", "activation": <number 0..1>, "state": {"<annotation>": "<string value>"}, "feedback": "<optional note>"}

Omit "activation" to leave the activation unchanged. Keep state values short strings.`

// BuildPrompt renders the system and user messages for a request. The
// request itself is sent as JSON so backends see exactly what the
// orchestrator sees.
func BuildPrompt(req Request) (system, user string, err error) {
	system = req.SystemPrompt
	if strings.TrimSpace(system) == "" {
		system = defaultSystemPrompt
	}
	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("resolver: encode request: %w", err)
	}
	user = fmt.Sprintf("Tick %d. Evaluate node %q.\n\n%s", req.Tick, req.Path, body)
	return system, user, nil
}

// ParseNextStateOutput extracts a NextStateOutput from raw model text,
// tolerating markdown fences and surrounding prose. An out-of-range
// activation is clamped rather than rejected.
func ParseNextStateOutput(text string) (NextStateOutput, error) {
	raw := extractJSON(text)
	if raw == "" {
		return NextStateOutput{}, fmt.Errorf("%w: no JSON object in %q", ErrMalformedResponse, truncate(text, 120))
	}
	var out NextStateOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return NextStateOutput{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if out.Activation != nil {
		v := clamp01(*out.Activation)
		out.Activation = &v
	}
	return out, nil
}

// extractJSON pulls the first balanced JSON object out of model text,
// stripping a markdown code fence when present.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i != -1 {
		rest := text[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end != -1 {
			rest = rest[:end]
		}
		text = strings.TrimSpace(rest)
	}
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
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
