package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"vibegraph/internal/logging"
)

// HTTPConfig configures an OpenAI-compatible chat-completions backend.
// The defaults target a local Ollama.
type HTTPConfig struct {
	APIURL  string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// DefaultHTTPConfig returns a config pointed at a local Ollama instance.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		APIURL:  "http://localhost:11434/v1",
		Model:   "llama3.1",
		Timeout: DefaultRequestTimeout,
	}
}

// HTTPResolver speaks the OpenAI chat-completions protocol. It works
// against OpenAI itself, Ollama, and any compatible gateway.
type HTTPResolver struct {
	apiURL     string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewHTTPResolver fills unset config fields from DefaultHTTPConfig.
func NewHTTPResolver(cfg HTTPConfig) *HTTPResolver {
	def := DefaultHTTPConfig()
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = def.APIURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &HTTPResolver{
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name implements Resolver.
func (r *HTTPResolver) Name() string {
	return fmt.Sprintf("http:%s", r.model)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Resolve implements Resolver. Transient failures (network errors, 429)
// are retried with exponential backoff inside the request's deadline.
func (r *HTTPResolver) Resolve(ctx context.Context, req Request) (NextStateOutput, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.httpClient.Timeout)
		defer cancel()
	}

	system, user, err := BuildPrompt(req)
	if err != nil {
		return NextStateOutput{}, err
	}
	body := chatRequest{
		Model: r.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   1024,
		Temperature: 0.1,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return NextStateOutput{}, fmt.Errorf("resolver: marshal request: %w", err)
	}

	start := time.Now()
	rlog := logging.WithRequestID(logging.CategoryResolver, uuid.NewString()[:8])
	rlog.Debug("%s: resolve node %s tick %d", r.Name(), req.Path, req.Tick)

	const maxRetries = 2
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			case <-ctx.Done():
				return NextStateOutput{}, ctx.Err()
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.apiURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return NextStateOutput{}, fmt.Errorf("resolver: create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if r.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
		}

		resp, err := r.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return NextStateOutput{}, ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429)")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return NextStateOutput{}, fmt.Errorf("resolver: %s returned status %d: %s",
				r.Name(), resp.StatusCode, truncate(string(respBody), 200))
		}

		var chat chatResponse
		if err := json.Unmarshal(respBody, &chat); err != nil {
			return NextStateOutput{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if chat.Error != nil {
			return NextStateOutput{}, fmt.Errorf("resolver: %s API error: %s", r.Name(), chat.Error.Message)
		}
		if len(chat.Choices) == 0 {
			return NextStateOutput{}, fmt.Errorf("%w: no completion returned", ErrMalformedResponse)
		}

		out, err := ParseNextStateOutput(chat.Choices[0].Message.Content)
		if err != nil {
			return NextStateOutput{}, err
		}
		rlog.Info("%s: resolved %s in %s", r.Name(), req.Path, time.Since(start).Round(time.Millisecond))
		return out, nil
	}

	return NextStateOutput{}, fmt.Errorf("resolver: max retries exceeded: %w", lastErr)
}
