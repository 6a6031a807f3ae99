// Package resolve constructs atlas.Provider values from provider-agnostic
// configuration, filling API keys from <PROVIDER>_API_KEY environment
// variables when the config leaves them blank.
package resolve

import (
	"fmt"
	"os"
	"strings"

	"github.com/nevindra/atlas"
	"github.com/nevindra/atlas/provider/gemini"
	"github.com/nevindra/atlas/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a Provider.
type Config struct {
	Provider string // "gemini", "openai", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string // blank = read <PROVIDER>_API_KEY from the environment
	BaseURL  string // required for unknown compat providers; auto-filled for known ones

	Models          []string
	ReasoningModels []string
}

// Provider creates an atlas.Provider from a Config.
func Provider(cfg Config) (atlas.Provider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv(strings.ToUpper(cfg.Provider) + "_API_KEY")
	}
	switch cfg.Provider {
	case "gemini":
		return gemini.New(apiKey,
			gemini.WithModels(cfg.Models...),
			gemini.WithReasoningModels(cfg.ReasoningModels...),
		), nil
	case "openai", "groq", "deepseek", "together", "mistral", "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURL(cfg.Provider)
		}
		return openaicompat.New(apiKey, baseURL,
			openaicompat.WithName(cfg.Provider),
			openaicompat.WithModels(cfg.Models...),
			openaicompat.WithReasoningModels(cfg.ReasoningModels...),
		), nil
	default:
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

// Registry builds a provider registry from a set of configs. Providers
// that fail to resolve are skipped and reported.
func Registry(cfgs []Config) (*atlas.Registry, error) {
	reg := atlas.NewRegistry()
	for _, cfg := range cfgs {
		p, err := Provider(cfg)
		if err != nil {
			return nil, err
		}
		reg.Register(p)
	}
	return reg, nil
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
