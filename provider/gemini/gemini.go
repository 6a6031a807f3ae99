// Package gemini implements atlas.Provider for Google Gemini models,
// including thinking (reasoning) streams, native token counting, and the
// Gemini file API for document attachments.
package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nevindra/atlas"
)

// baseURL is a package variable so tests can point the provider at a
// local server.
var baseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini implements atlas.Provider for Google Gemini models.
type Gemini struct {
	apiKey     string
	httpClient *http.Client

	models    []string
	reasoning map[string]bool

	temperature float64
	topP        float64
}

var (
	_ atlas.Provider     = (*Gemini)(nil)
	_ atlas.TokenCounter = (*Gemini)(nil)
	_ atlas.FileUploader = (*Gemini)(nil)
)

// Option configures a Gemini provider.
type Option func(*Gemini)

// WithModels sets the model names this provider serves.
func WithModels(models ...string) Option {
	return func(g *Gemini) { g.models = models }
}

// WithReasoningModels marks models that stream thought summaries.
func WithReasoningModels(models ...string) Option {
	return func(g *Gemini) {
		for _, m := range models {
			g.reasoning[m] = true
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(g *Gemini) { g.temperature = t }
}

// WithTopP sets nucleus sampling top-p.
func WithTopP(p float64) Option {
	return func(g *Gemini) { g.topP = p }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gemini) { g.httpClient = c }
}

// New creates a Gemini provider.
func New(apiKey string, opts ...Option) *Gemini {
	g := &Gemini{
		apiKey:      apiKey,
		httpClient:  &http.Client{},
		reasoning:   make(map[string]bool),
		temperature: 0.1,
		topP:        0.9,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns "gemini".
func (g *Gemini) Name() string { return "gemini" }

// Available reports whether an API key is configured.
func (g *Gemini) Available() bool { return g.apiKey != "" }

func (g *Gemini) Models() []string { return g.models }

func (g *Gemini) SupportsReasoning(model string) bool { return g.reasoning[model] }

// GenerateStream streams chunks into ch, then returns final usage.
// The channel is closed when streaming completes, including on error.
func (g *Gemini) GenerateStream(ctx context.Context, req atlas.GenerateRequest, ch chan<- atlas.StreamChunk) (atlas.Usage, error) {
	defer close(ch)

	body := g.buildBody(req)
	payload, err := json.Marshal(body)
	if err != nil {
		return atlas.Usage{}, g.wrapErr("marshal body: " + err.Error())
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", baseURL, req.Model, g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return atlas.Usage{}, g.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return atlas.Usage{}, g.wrapErr("stream request failed: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return atlas.Usage{}, httpErr(resp, string(b))
	}

	var usage atlas.Usage
	var sawUsage, thoughtsOpen, answerOpen bool

	send := func(c atlas.StreamChunk) error {
		select {
		case ch <- c:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	// Large buffer: a single SSE chunk can carry long generated text.
	scanner.Buffer(make([]byte, 0, 16*1024*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "" {
			continue
		}

		var chunk streamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.UsageMetadata != nil {
			// Last chunk wins.
			usage = atlas.Usage{
				InputTokens:  chunk.UsageMetadata.PromptTokenCount,
				OutputTokens: chunk.UsageMetadata.CandidatesTokenCount + chunk.UsageMetadata.ThoughtsTokenCount,
			}
			sawUsage = true
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		for _, part := range chunk.Candidates[0].Content.Parts {
			if part.Text == "" {
				continue
			}
			if part.Thought {
				if !thoughtsOpen {
					thoughtsOpen = true
					if err := send(atlas.StreamChunk{Type: atlas.ChunkThoughtsStart}); err != nil {
						return atlas.Usage{}, err
					}
				}
				if err := send(atlas.StreamChunk{Type: atlas.ChunkThoughts, Text: part.Text}); err != nil {
					return atlas.Usage{}, err
				}
				continue
			}
			if !answerOpen {
				answerOpen = true
				if err := send(atlas.StreamChunk{Type: atlas.ChunkAnswerStart}); err != nil {
					return atlas.Usage{}, err
				}
			}
			if err := send(atlas.StreamChunk{Type: atlas.ChunkAnswer, Text: part.Text}); err != nil {
				return atlas.Usage{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return atlas.Usage{}, err
	}

	if sawUsage {
		u := usage
		if err := send(atlas.StreamChunk{Type: atlas.ChunkUsage, Usage: &u}); err != nil {
			return atlas.Usage{}, err
		}
	}
	return usage, nil
}

// CountTokens calls the native countTokens endpoint.
func (g *Gemini) CountTokens(model, text string) (int, error) {
	body := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]any{{"text": text}}},
		},
	}
	payload, _ := json.Marshal(body)

	url := fmt.Sprintf("%s/models/%s:countTokens?key=%s", baseURL, model, g.apiKey)
	resp, err := g.httpClient.Post(url, "application/json", strings.NewReader(string(payload)))
	if err != nil {
		return 0, g.wrapErr("count tokens: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return 0, httpErr(resp, string(b))
	}
	var out struct {
		TotalTokens int `json:"totalTokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, g.wrapErr("decode count: " + err.Error())
	}
	return out.TotalTokens, nil
}

// buildBody assembles the generateContent request. The system prompt rides
// in systemInstruction; file handles attach as fileData parts on the final
// user message.
func (g *Gemini) buildBody(req atlas.GenerateRequest) map[string]any {
	var contents []map[string]any
	for _, m := range req.Messages {
		contents = append(contents, map[string]any{
			"role":  mapRole(m.Role),
			"parts": []map[string]any{{"text": m.Content}},
		})
	}
	if len(req.FileHandles) > 0 && len(contents) > 0 {
		last := contents[len(contents)-1]
		parts := last["parts"].([]map[string]any)
		for _, uri := range req.FileHandles {
			parts = append(parts, map[string]any{"fileData": map[string]any{"fileUri": uri}})
		}
		last["parts"] = parts
	}

	genCfg := map[string]any{
		"temperature": g.temperature,
		"topP":        g.topP,
	}
	if req.IncludeReasoning && g.reasoning[req.Model] {
		genCfg["thinkingConfig"] = map[string]any{"includeThoughts": true}
	}

	body := map[string]any{
		"contents":         contents,
		"generationConfig": genCfg,
	}
	if req.System != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": req.System}},
		}
	}
	return body
}

// mapRole converts a transcript role to a Gemini role. Gemini only knows
// "user" and "model".
func mapRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

func (g *Gemini) wrapErr(msg string) error {
	return &atlas.ErrLLM{Provider: "gemini", Message: msg}
}

// httpErr converts a non-2xx response into an ErrHTTP, parsing RetryInfo
// out of a 429 error body when present.
func httpErr(resp *http.Response, body string) *atlas.ErrHTTP {
	return &atlas.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       body,
		RetryAfter: retryAfterFrom(resp, body),
	}
}

func retryAfterFrom(resp *http.Response, body string) time.Duration {
	if d := atlas.ParseRetryAfter(resp.Header.Get("Retry-After")); d > 0 {
		return d
	}
	return parseRetryInfo(body)
}

// parseRetryInfo extracts the retryDelay from a Gemini error payload,
// e.g. {"error":{"details":[{"@type":".../RetryInfo","retryDelay":"7s"}]}}.
func parseRetryInfo(body string) time.Duration {
	var parsed struct {
		Error struct {
			Details []struct {
				Type       string `json:"@type"`
				RetryDelay string `json:"retryDelay"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return 0
	}
	for _, d := range parsed.Error.Details {
		if d.RetryDelay == "" {
			continue
		}
		if dur, err := time.ParseDuration(d.RetryDelay); err == nil {
			return dur
		}
	}
	return 0
}

// --- wire types ---

type streamResponse struct {
	Candidates    []candidate `json:"candidates"`
	UsageMetadata *usageMeta  `json:"usageMetadata"`
}

type candidate struct {
	Content struct {
		Parts []part `json:"parts"`
	} `json:"content"`
	FinishReason string `json:"finishReason,omitempty"`
}

type part struct {
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`
}

type usageMeta struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
}
