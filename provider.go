package atlas

import (
	"context"
	"sort"
	"sync"
)

// GenerateRequest is the input to a provider stream.
type GenerateRequest struct {
	Model string
	// System is the system prompt, sent ahead of Messages.
	System   string
	Messages []ChatMessage
	// IncludeReasoning asks the model to stream its reasoning as thoughts
	// chunks ahead of the answer. Ignored by models without reasoning.
	IncludeReasoning bool
	// FileHandles are provider-side file ids (FileReference.APIFileName)
	// to attach to the final user message.
	FileHandles []string
}

// Provider abstracts a remote LLM backend.
//
// GenerateStream subsumes both the blocking and async variants of the
// upstream providers: cancellation arrives via ctx, and callers that want a
// blocking call read the channel in the same goroutine.
type Provider interface {
	// Name returns the provider name (e.g. "openai", "gemini").
	Name() string
	// Available reports whether the provider is usable (e.g. has an API key).
	Available() bool
	// Models returns the model names this provider serves.
	Models() []string
	// SupportsReasoning reports whether the model can stream thoughts chunks.
	SupportsReasoning(model string) bool
	// GenerateStream streams chunks into ch, then returns final usage.
	// The channel is closed when streaming completes, including on error.
	GenerateStream(ctx context.Context, req GenerateRequest, ch chan<- StreamChunk) (Usage, error)
}

// TokenCounter is an optional Provider capability: a native token counter
// used for rate-limit estimates. Check via type assertion.
type TokenCounter interface {
	CountTokens(model, text string) (int, error)
}

// Registry is the process-wide provider map. It is constructed once at
// startup and safe for concurrent reads; providers carry their own
// internal locking.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider under its own name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the named provider, or nil if absent.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// Names returns the registered provider names, sorted, available first
// being irrelevant: callers filter with Available themselves.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Models returns provider → model list for every available provider.
func (r *Registry) Models() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.providers))
	for name, p := range r.providers {
		if p.Available() {
			out[name] = p.Models()
		}
	}
	return out
}
