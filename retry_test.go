package atlas

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"429", &ErrHTTP{Status: 429}, true},
		{"500", &ErrHTTP{Status: 500}, true},
		{"502", &ErrHTTP{Status: 502}, true},
		{"503", &ErrHTTP{Status: 503}, true},
		{"529", &ErrHTTP{Status: 529}, true},
		{"400", &ErrHTTP{Status: 400}, false},
		{"401", &ErrHTTP{Status: 401}, false},
		{"404", &ErrHTTP{Status: 404}, false},
		{"wrapped 429", fmt.Errorf("call failed: %w", &ErrHTTP{Status: 429}), true},
		{"llm error", &ErrLLM{Provider: "openai", Message: "boom"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryBackoffGrowsAndCaps(t *testing.T) {
	base := time.Second
	for i := 0; i < 10; i++ {
		d := retryBackoff(base, i)
		exp := base * (1 << i)
		if exp <= 0 || exp > maxRetryDelay {
			exp = maxRetryDelay
		}
		if d < exp {
			t.Errorf("attempt %d: backoff %v below exponential floor %v", i, d, exp)
		}
		if d > exp+exp/2 {
			t.Errorf("attempt %d: backoff %v exceeds floor plus 50%% jitter", i, d)
		}
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	err := &ErrHTTP{Status: 429, RetryAfter: 10 * time.Second}
	if d := retryDelay(time.Second, 0, err); d < 10*time.Second {
		t.Errorf("retryDelay = %v, want at least the 10s Retry-After", d)
	}

	// Retry-After beyond the cap clamps.
	err = &ErrHTTP{Status: 429, RetryAfter: 10 * time.Minute}
	if d := retryDelay(time.Second, 0, err); d != maxRetryDelay {
		t.Errorf("retryDelay = %v, want cap %v", d, maxRetryDelay)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := ParseRetryAfter("30"); d != 30*time.Second {
		t.Errorf("ParseRetryAfter(30) = %v, want 30s", d)
	}
	if d := ParseRetryAfter(""); d != 0 {
		t.Errorf("ParseRetryAfter(empty) = %v, want 0", d)
	}
	if d := ParseRetryAfter("soon"); d != 0 {
		t.Errorf("ParseRetryAfter(garbage) = %v, want 0", d)
	}
}
