package atlas

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// RateLimitConfig is the quota set for one scope. A nil field means
// "inherit" during merging and "unlimited" once resolution finishes; a
// field set to 0 means "deny".
type RateLimitConfig struct {
	RequestsPerMinute *int `json:"requests_per_minute,omitempty" toml:"requests_per_minute"`
	RequestsPerHour   *int `json:"requests_per_hour,omitempty" toml:"requests_per_hour"`
	RequestsPerDay    *int `json:"requests_per_day,omitempty" toml:"requests_per_day"`
	TokensPerMinute   *int `json:"tokens_per_minute,omitempty" toml:"tokens_per_minute"`
	TokensPerHour     *int `json:"tokens_per_hour,omitempty" toml:"tokens_per_hour"`
	TokensPerDay      *int `json:"tokens_per_day,omitempty" toml:"tokens_per_day"`
	BurstSize         *int `json:"burst_size,omitempty" toml:"burst_size"`
}

// rateLimitFields enumerates config fields in a stable order for merging
// and source tracking.
var rateLimitFields = []string{
	"requests_per_minute", "requests_per_hour", "requests_per_day",
	"tokens_per_minute", "tokens_per_hour", "tokens_per_day",
	"burst_size",
}

// field returns a pointer to the named field's slot.
func (c *RateLimitConfig) field(name string) **int {
	switch name {
	case "requests_per_minute":
		return &c.RequestsPerMinute
	case "requests_per_hour":
		return &c.RequestsPerHour
	case "requests_per_day":
		return &c.RequestsPerDay
	case "tokens_per_minute":
		return &c.TokensPerMinute
	case "tokens_per_hour":
		return &c.TokensPerHour
	case "tokens_per_day":
		return &c.TokensPerDay
	case "burst_size":
		return &c.BurstSize
	}
	return nil
}

// HasLimits reports whether any field is set. Scopes without limits are
// skipped entirely by the limiter.
func (c RateLimitConfig) HasLimits() bool {
	for _, name := range rateLimitFields {
		if *c.field(name) != nil {
			return true
		}
	}
	return false
}

// Validate checks internal consistency: burst_size may not exceed
// requests_per_minute when both are set.
func (c RateLimitConfig) Validate() error {
	if c.BurstSize != nil && c.RequestsPerMinute != nil && *c.BurstSize > *c.RequestsPerMinute {
		return fmt.Errorf("burst_size %d exceeds requests_per_minute %d", *c.BurstSize, *c.RequestsPerMinute)
	}
	return nil
}

// ResolvedConfig is a fully merged scope config plus, per field, where its
// value came from. Recorded for diagnostics.
type ResolvedConfig struct {
	Config RateLimitConfig
	// Sources maps field name → "env", "config", "model", "provider",
	// "global", or "default".
	Sources map[string]string
}

// ConfigResolver resolves the effective config for a scope by deep-merging
// global ⊕ provider ⊕ model, with model winning. A nil field inherits from
// the broader layer.
type ConfigResolver struct {
	global          layered
	providerConfigs map[string]layered
	modelConfigs    map[string]layered // key "<provider>/<model>"

	// env* hold the environment overrides so that re-installing persisted
	// config never shadows them.
	envGlobal    layered
	envProviders map[string]layered
	envModels    map[string]layered
}

// layered pairs a config with the source label of each of its set fields.
type layered struct {
	cfg     RateLimitConfig
	sources map[string]string
}

// NewConfigResolver creates a resolver and loads the ATLAS_RATE_LIMIT_*,
// ATLAS_PROVIDER_OPTIONS_<PROVIDER> and ATLAS_MODEL_OPTIONS_<PROVIDER>_<MODEL>
// environment overrides.
func NewConfigResolver() *ConfigResolver {
	r := &ConfigResolver{
		providerConfigs: make(map[string]layered),
		modelConfigs:    make(map[string]layered),
		envProviders:    make(map[string]layered),
		envModels:       make(map[string]layered),
	}
	r.loadEnv()
	return r
}

// SetGlobal installs the global-scope config from persisted configuration.
// Env overrides always take precedence per field.
func (r *ConfigResolver) SetGlobal(c RateLimitConfig) {
	r.global = overlay(r.envGlobal, layered{cfg: c, sources: sourcesFor(c, "config")})
}

// SetProvider installs a provider-scope config.
func (r *ConfigResolver) SetProvider(provider string, c RateLimitConfig) {
	r.providerConfigs[provider] = overlay(
		r.envProviders[provider], layered{cfg: c, sources: sourcesFor(c, "config")})
}

// SetModel installs a model-scope config.
func (r *ConfigResolver) SetModel(provider, model string, c RateLimitConfig) {
	key := provider + "/" + model
	r.modelConfigs[key] = overlay(
		r.envModels[key], layered{cfg: c, sources: sourcesFor(c, "config")})
}

// Resolve returns the effective config for (provider, model). Either or
// both may be empty to resolve a broader scope.
func (r *ConfigResolver) Resolve(provider, model string) ResolvedConfig {
	out := layered{sources: make(map[string]string)}
	out = overlay(r.global, out)
	if provider != "" {
		out = overlay(r.providerConfigs[provider], out)
	}
	if provider != "" && model != "" {
		out = overlay(r.modelConfigs[provider+"/"+model], out)
	}
	sources := make(map[string]string, len(rateLimitFields))
	for _, name := range rateLimitFields {
		if s, ok := out.sources[name]; ok {
			sources[name] = s
		} else {
			sources[name] = "default"
		}
	}
	return ResolvedConfig{Config: out.cfg, Sources: sources}
}

// overlay merges hi over lo field-by-field; set fields in hi win.
func overlay(hi, lo layered) layered {
	merged := layered{cfg: lo.cfg, sources: make(map[string]string)}
	for k, v := range lo.sources {
		merged.sources[k] = v
	}
	for _, name := range rateLimitFields {
		if v := *hi.cfg.field(name); v != nil {
			*merged.cfg.field(name) = v
			merged.sources[name] = hi.sources[name]
		}
	}
	return merged
}

// sourcesFor labels every set field of c with src.
func sourcesFor(c RateLimitConfig, src string) map[string]string {
	out := make(map[string]string)
	for _, name := range rateLimitFields {
		if *c.field(name) != nil {
			out[name] = src
		}
	}
	return out
}

// loadEnv reads the environment overrides.
//
//	ATLAS_RATE_LIMIT_REQUESTS_PER_MINUTE=60      (global scope, one var per field)
//	ATLAS_PROVIDER_OPTIONS_OPENAI={"rate_limit":{...}}
//	ATLAS_MODEL_OPTIONS_OPENAI_GPT4={"rate_limit":{...}}
func (r *ConfigResolver) loadEnv() {
	var global RateLimitConfig
	for _, name := range rateLimitFields {
		key := "ATLAS_RATE_LIMIT_" + strings.ToUpper(name)
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			continue
		}
		*global.field(name) = &n
	}
	if global.HasLimits() {
		r.envGlobal = layered{cfg: global, sources: sourcesFor(global, "env")}
		r.global = overlay(r.envGlobal, r.global)
	}

	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		switch {
		case strings.HasPrefix(key, "ATLAS_PROVIDER_OPTIONS_"):
			provider := strings.ToLower(strings.TrimPrefix(key, "ATLAS_PROVIDER_OPTIONS_"))
			if c, ok := parseOptionsBlob(val); ok {
				env := layered{cfg: c, sources: sourcesFor(c, "env")}
				r.envProviders[provider] = env
				r.providerConfigs[provider] = overlay(env, r.providerConfigs[provider])
			}
		case strings.HasPrefix(key, "ATLAS_MODEL_OPTIONS_"):
			rest := strings.TrimPrefix(key, "ATLAS_MODEL_OPTIONS_")
			// First segment is the provider; the remainder (which may itself
			// contain underscores) is the model.
			us := strings.IndexByte(rest, '_')
			if us <= 0 || us == len(rest)-1 {
				continue
			}
			provider := strings.ToLower(rest[:us])
			model := strings.ToLower(rest[us+1:])
			if c, ok := parseOptionsBlob(val); ok {
				mk := provider + "/" + model
				env := layered{cfg: c, sources: sourcesFor(c, "env")}
				r.envModels[mk] = env
				r.modelConfigs[mk] = overlay(env, r.modelConfigs[mk])
			}
		}
	}
}

// parseOptionsBlob extracts the rate_limit block from a per-scope options
// JSON blob. Blobs without a rate_limit key are ignored here; other option
// groups are consumed by their own subsystems.
func parseOptionsBlob(blob string) (RateLimitConfig, bool) {
	var opts struct {
		RateLimit *RateLimitConfig `json:"rate_limit"`
	}
	if err := json.Unmarshal([]byte(blob), &opts); err != nil || opts.RateLimit == nil {
		return RateLimitConfig{}, false
	}
	return *opts.RateLimit, true
}
