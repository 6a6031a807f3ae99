package atlas

import (
	"testing"
)

func TestRateLimitConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RateLimitConfig
		wantErr bool
	}{
		{"empty", RateLimitConfig{}, false},
		{"burst within rpm", RateLimitConfig{RequestsPerMinute: intPtr(10), BurstSize: intPtr(5)}, false},
		{"burst equals rpm", RateLimitConfig{RequestsPerMinute: intPtr(10), BurstSize: intPtr(10)}, false},
		{"burst above rpm", RateLimitConfig{RequestsPerMinute: intPtr(10), BurstSize: intPtr(11)}, true},
		{"burst alone", RateLimitConfig{BurstSize: intPtr(100)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolverDeepMerge(t *testing.T) {
	r := &ConfigResolver{
		providerConfigs: make(map[string]layered),
		modelConfigs:    make(map[string]layered),
	}
	r.SetGlobal(RateLimitConfig{
		RequestsPerMinute: intPtr(100),
		TokensPerMinute:   intPtr(50000),
		RequestsPerDay:    intPtr(10000),
	})
	r.SetProvider("openai", RateLimitConfig{RequestsPerMinute: intPtr(60)})
	r.SetModel("openai", "gpt-4.1", RateLimitConfig{TokensPerMinute: intPtr(30000)})

	res := r.Resolve("openai", "gpt-4.1")
	if got := *res.Config.RequestsPerMinute; got != 60 {
		t.Errorf("requests_per_minute = %d, want 60 (provider layer)", got)
	}
	if got := *res.Config.TokensPerMinute; got != 30000 {
		t.Errorf("tokens_per_minute = %d, want 30000 (model layer)", got)
	}
	if got := *res.Config.RequestsPerDay; got != 10000 {
		t.Errorf("requests_per_day = %d, want 10000 (global layer)", got)
	}
	if res.Config.BurstSize != nil {
		t.Errorf("burst_size = %d, want nil (unset everywhere)", *res.Config.BurstSize)
	}
}

func TestResolverSourceTracking(t *testing.T) {
	r := &ConfigResolver{
		providerConfigs: make(map[string]layered),
		modelConfigs:    make(map[string]layered),
	}
	r.SetGlobal(RateLimitConfig{RequestsPerMinute: intPtr(100)})

	res := r.Resolve("openai", "gpt-4.1")
	if got := res.Sources["requests_per_minute"]; got != "config" {
		t.Errorf("source = %q, want config", got)
	}
	if got := res.Sources["tokens_per_minute"]; got != "default" {
		t.Errorf("unset field source = %q, want default", got)
	}
}

func TestResolverEnvOverrides(t *testing.T) {
	t.Setenv("ATLAS_RATE_LIMIT_REQUESTS_PER_MINUTE", "42")
	t.Setenv("ATLAS_PROVIDER_OPTIONS_OPENAI", `{"rate_limit":{"tokens_per_minute":9000}}`)
	t.Setenv("ATLAS_MODEL_OPTIONS_OPENAI_GPT_4_1", `{"rate_limit":{"burst_size":3,"requests_per_minute":5}}`)

	r := NewConfigResolver()

	res := r.Resolve("openai", "gpt_4_1")
	if got := *res.Config.RequestsPerMinute; got != 5 {
		t.Errorf("requests_per_minute = %d, want 5 (model env)", got)
	}
	if got := *res.Config.TokensPerMinute; got != 9000 {
		t.Errorf("tokens_per_minute = %d, want 9000 (provider env)", got)
	}
	if got := res.Sources["requests_per_minute"]; got != "env" {
		t.Errorf("source = %q, want env", got)
	}

	// Persisted config does not override env values.
	r.SetGlobal(RateLimitConfig{RequestsPerMinute: intPtr(500)})
	res = r.Resolve("", "")
	if got := *res.Config.RequestsPerMinute; got != 42 {
		t.Errorf("global requests_per_minute = %d, want env 42", got)
	}
}

func TestResolverIgnoresMalformedEnv(t *testing.T) {
	t.Setenv("ATLAS_RATE_LIMIT_REQUESTS_PER_MINUTE", "not-a-number")
	t.Setenv("ATLAS_PROVIDER_OPTIONS_OPENAI", `{broken json`)

	r := NewConfigResolver()
	res := r.Resolve("openai", "")
	if res.Config.HasLimits() {
		t.Errorf("malformed env produced limits: %+v", res.Config)
	}
}
