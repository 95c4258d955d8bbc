package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"vibegraph/internal/logging"
)

// GenAIConfig configures the Gemini backend.
type GenAIConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// GenAIResolver evaluates nodes through the Gemini API.
type GenAIResolver struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGenAIResolver creates a Gemini-backed resolver.
func NewGenAIResolver(cfg GenAIConfig) (*GenAIResolver, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("resolver: GenAI API key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-3-flash-preview"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("resolver: create GenAI client: %w", err)
	}
	return &GenAIResolver{client: client, model: model, timeout: cfg.Timeout}, nil
}

// Name implements Resolver.
func (r *GenAIResolver) Name() string {
	return fmt.Sprintf("genai:%s", r.model)
}

// Resolve implements Resolver.
func (r *GenAIResolver) Resolve(ctx context.Context, req Request) (NextStateOutput, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	system, user, err := BuildPrompt(req)
	if err != nil {
		return NextStateOutput{}, err
	}

	start := time.Now()
	result, err := r.client.Models.GenerateContent(ctx, r.model, genai.Text(user), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr(float32(0.1)),
		MaxOutputTokens:   1024,
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		if ctx.Err() != nil {
			return NextStateOutput{}, ctx.Err()
		}
		return NextStateOutput{}, fmt.Errorf("resolver: GenAI generate failed: %w", err)
	}

	text := result.Text()
	if strings.TrimSpace(text) == "" {
		return NextStateOutput{}, fmt.Errorf("%w: empty completion", ErrMalformedResponse)
	}
	out, err := ParseNextStateOutput(text)
	if err != nil {
		return NextStateOutput{}, err
	}
	logging.Resolver("%s: resolved %s in %s", r.Name(), req.Path, time.Since(start).Round(time.Millisecond))
	return out, nil
}
