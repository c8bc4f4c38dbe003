// Package ollama provides an LLM provider backed by a local Ollama server's
// non-streaming generate endpoint.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/MrWong99/tavern/pkg/provider/llm"
)

const (
	// DefaultBaseURL is where a stock Ollama install listens.
	DefaultBaseURL = "http://localhost:11434"

	// DefaultModel is used when no model is configured.
	DefaultModel = "openhermes"
)

// Provider implements llm.Provider using Ollama's /api/generate endpoint.
type Provider struct {
	client *api.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the Ollama server address.
func WithBaseURL(u string) Option {
	return func(c *config) {
		c.baseURL = u
	}
}

// WithTimeout sets a per-request HTTP timeout. The caller's context deadline
// still applies.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client used to reach the server.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.client = hc
	}
}

// New constructs an Ollama provider. An empty model selects [DefaultModel].
func New(model string, opts ...Option) (*Provider, error) {
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{baseURL: DefaultBaseURL}
	for _, o := range opts {
		o(cfg)
	}

	base, err := url.Parse(strings.TrimRight(cfg.baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("ollama: parse base url %q: %w", cfg.baseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("ollama: base url %q must include scheme and host", cfg.baseURL)
	}

	hc := cfg.client
	if hc == nil {
		hc = &http.Client{Timeout: cfg.timeout}
	}

	return &Provider{client: api.NewClient(base, hc), model: model}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "ollama/" + p.model }

// Complete implements llm.Provider. It issues a single non-streaming generate
// request and returns the response text verbatim.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if req.Prompt == "" {
		return nil, llm.ErrEmptyPrompt
	}

	stream := false
	gen := &api.GenerateRequest{
		Model:  p.model,
		Prompt: req.Prompt,
		System: req.SystemPrompt,
		Stream: &stream,
	}
	if opts := buildOptions(req); len(opts) > 0 {
		gen.Options = opts
	}

	var (
		content strings.Builder
		final   api.GenerateResponse
	)
	err := p.client.Generate(ctx, gen, func(r api.GenerateResponse) error {
		content.WriteString(r.Response)
		if r.Done {
			final = r
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama: generate: %w", err)
	}

	model := final.Model
	if model == "" {
		model = p.model
	}
	return &llm.CompletionResponse{
		Content: content.String(),
		Model:   model,
		Usage: llm.Usage{
			PromptTokens:     final.PromptEvalCount,
			CompletionTokens: final.EvalCount,
			TotalTokens:      final.PromptEvalCount + final.EvalCount,
		},
	}, nil
}

// Ping checks that the server is reachable.
func (p *Provider) Ping(ctx context.Context) error {
	if err := p.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("ollama: heartbeat: %w", err)
	}
	return nil
}

// buildOptions maps request knobs onto Ollama model options.
func buildOptions(req llm.CompletionRequest) map[string]any {
	opts := map[string]any{}
	if req.Temperature != 0 {
		opts["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	return opts
}
