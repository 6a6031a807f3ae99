// Package config loads the atlas server configuration from atlas.toml,
// layered as defaults -> TOML file -> ATLAS_* env vars (env wins).
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	atlas "github.com/nevindra/atlas"
	"github.com/nevindra/atlas/observer"
)

type Config struct {
	Server    ServerConfig     `toml:"server"`
	Database  DatabaseConfig   `toml:"database"`
	LLM       LLMConfig        `toml:"llm"`
	Router    RouterConfig     `toml:"router"`
	Engine    EngineConfig     `toml:"engine"`
	Files     FilesConfig      `toml:"files"`
	Providers []ProviderConfig `toml:"providers"`
	RateLimit RateLimitConfig  `toml:"rate_limit"`
	Observer  ObserverConfig   `toml:"observer"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type DatabaseConfig struct {
	// Driver selects the store backend: "sqlite" or "postgres".
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

// LLMConfig names the default provider and model used when a turn request
// does not name one.
type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
}

type RouterConfig struct {
	Enabled bool `toml:"enabled"`
}

type EngineConfig struct {
	// Mode selects turn execution: "async" (in-process goroutines) or
	// "pool" (subprocess worker pool).
	Mode         string `toml:"mode"`
	PoolSize     int    `toml:"pool_size"`
	WorkerBinary string `toml:"worker_binary"`
}

type FilesConfig struct {
	UploadDir    string `toml:"upload_dir"`
	WorkspaceDir string `toml:"workspace_dir"`
}

type ProviderConfig struct {
	Name            string   `toml:"name"`
	APIKey          string   `toml:"api_key"`
	BaseURL         string   `toml:"base_url"`
	Models          []string `toml:"models"`
	ReasoningModels []string `toml:"reasoning_models"`
}

// RateLimitConfig carries file-sourced limits per scope. Env overrides
// (ATLAS_RATE_LIMIT_*, ATLAS_PROVIDER_OPTIONS_*) are layered on top by
// atlas.NewConfigResolver.
type RateLimitConfig struct {
	Global   atlas.RateLimitConfig                       `toml:"global"`
	Provider map[string]atlas.RateLimitConfig            `toml:"provider"`
	Model    map[string]map[string]atlas.RateLimitConfig `toml:"model"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Server:   ServerConfig{Host: "127.0.0.1", Port: 8390},
		Database: DatabaseConfig{Driver: "sqlite", Path: "atlas.db"},
		LLM:      LLMConfig{Provider: "gemini", Model: "gemini-2.5-flash"},
		Router:   RouterConfig{Enabled: true},
		Engine:   EngineConfig{Mode: "async", PoolSize: 2, WorkerBinary: "atlas-worker"},
		Files: FilesConfig{
			UploadDir:    filepath.Join(home, "atlas-uploads"),
			WorkspaceDir: filepath.Join(home, "atlas-workspaces"),
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "atlas.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("ATLAS_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("ATLAS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("ATLAS_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("ATLAS_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("ATLAS_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("ATLAS_ENGINE_MODE"); v != "" {
		cfg.Engine.Mode = v
	}
	if v := os.Getenv("ATLAS_WORKER_BINARY"); v != "" {
		cfg.Engine.WorkerBinary = v
	}
	if v := os.Getenv("ATLAS_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.PoolSize = n
		}
	}
	if v := os.Getenv("ATLAS_UPLOAD_DIR"); v != "" {
		cfg.Files.UploadDir = v
	}
	if v := os.Getenv("ATLAS_WORKSPACE_DIR"); v != "" {
		cfg.Files.WorkspaceDir = v
	}
	if v := os.Getenv("ATLAS_ROUTER_ENABLED"); v != "" {
		cfg.Router.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ATLAS_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

// Resolver builds a rate-limit resolver from the file-sourced limits.
// Env-sourced limits win inside the resolver itself.
func (c Config) Resolver() *atlas.ConfigResolver {
	r := atlas.NewConfigResolver()
	if c.RateLimit.Global.HasLimits() {
		r.SetGlobal(c.RateLimit.Global)
	}
	for provider, rc := range c.RateLimit.Provider {
		r.SetProvider(provider, rc)
	}
	for provider, models := range c.RateLimit.Model {
		for model, rc := range models {
			r.SetModel(provider, model, rc)
		}
	}
	return r
}

// PricingOverrides converts the [observer.pricing] table to observer's format.
func (c ObserverConfig) PricingOverrides() map[string]observer.ModelPricing {
	if len(c.Pricing) == 0 {
		return nil
	}
	out := make(map[string]observer.ModelPricing, len(c.Pricing))
	for model, p := range c.Pricing {
		out[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
	}
	return out
}
