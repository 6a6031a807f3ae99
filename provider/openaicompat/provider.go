// Package openaicompat implements atlas.Provider for any OpenAI-compatible
// chat completions API.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, Azure OpenAI, and any other provider
// that implements the OpenAI chat completions API. Reasoning deltas
// ("reasoning" or "reasoning_content" in the delta object) are surfaced as
// thoughts chunks.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nevindra/atlas"
)

// Provider implements atlas.Provider over the OpenAI chat completions API.
type Provider struct {
	apiKey    string
	baseURL   string
	name      string
	models    []string
	reasoning map[string]bool
	client    *http.Client
	logger    *slog.Logger
}

var _ atlas.Provider = (*Provider)(nil)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name (default "openai").
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithModels sets the model names this provider serves.
func WithModels(models ...string) ProviderOption {
	return func(p *Provider) { p.models = models }
}

// WithReasoningModels marks models whose streams carry reasoning deltas.
func WithReasoningModels(models ...string) ProviderOption {
	return func(p *Provider) {
		for _, m := range models {
			p.reasoning[m] = true
		}
	}
}

// WithHTTPClient sets a custom HTTP client (timeouts, proxies).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates an OpenAI-compatible streaming provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically.
func New(apiKey, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		baseURL:   baseURL,
		name:      "openai",
		reasoning: make(map[string]bool),
		client:    &http.Client{},
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

// Available reports whether an API key is configured.
func (p *Provider) Available() bool { return p.apiKey != "" }

func (p *Provider) Models() []string { return p.models }

func (p *Provider) SupportsReasoning(model string) bool { return p.reasoning[model] }

// GenerateStream streams chunks into ch, then returns final usage.
// The channel is closed when streaming completes, including on error.
// FileHandles are ignored: the chat completions API has no file-handle
// attachment; callers needing file attachments use the Gemini provider.
func (p *Provider) GenerateStream(ctx context.Context, req atlas.GenerateRequest, ch chan<- atlas.StreamChunk) (atlas.Usage, error) {
	body := wireRequest{
		Model:         req.Model,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	if req.System != "" {
		body.Messages = append(body.Messages, wireMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		close(ch)
		return atlas.Usage{}, &atlas.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}
	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		close(ch)
		return atlas.Usage{}, &atlas.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		close(ch)
		return atlas.Usage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		raw, _ := io.ReadAll(resp.Body)
		return atlas.Usage{}, &atlas.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(raw),
			RetryAfter: atlas.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	p.logger.Debug("stream opened", "provider", p.name, "model", req.Model)
	return streamSSE(ctx, resp.Body, ch)
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
