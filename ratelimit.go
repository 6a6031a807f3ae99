package atlas

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultReserveTimeout bounds how long CheckAndReserve may sleep waiting
// for a window to admit before giving up with ErrRateLimited.
const defaultReserveTimeout = 30 * time.Second

// windowSpans are the three sliding-window durations, indexed minute/hour/day.
var windowSpans = [3]time.Duration{time.Minute, time.Hour, 24 * time.Hour}

var windowNames = [3]string{"minute", "hour", "day"}

// scopeKey identifies a limiter scope: (provider, model), (provider,), or ().
type scopeKey struct {
	Provider string
	Model    string
}

func (k scopeKey) label() string {
	switch {
	case k.Model != "":
		return "model"
	case k.Provider != "":
		return "provider"
	}
	return "global"
}

type tokenEntry struct {
	at     time.Time
	tokens int
}

// scopeState holds the six sliding windows plus the burst bucket for one
// scope. Guarded by its own mutex; the reserve path never sleeps while
// holding it.
type scopeState struct {
	mu         sync.Mutex
	reqWindows [3][]time.Time
	tokWindows [3][]tokenEntry

	burstTokens float64
	burstAt     time.Time
}

// reservation is a provisional charge awaiting finalization.
type reservation struct {
	estimated int
	issuedAt  time.Time
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithLimiterLogger sets a structured logger for the limiter.
func WithLimiterLogger(l *slog.Logger) LimiterOption {
	return func(lm *Limiter) { lm.logger = l }
}

// WithReserveTimeout bounds the blocking wait in CheckAndReserve.
func WithReserveTimeout(d time.Duration) LimiterOption {
	return func(lm *Limiter) { lm.waitTimeout = d }
}

// Limiter gates outbound model calls against multi-scope quotas and
// reconciles accounting after the fact. It is process-global; state is
// protected by one lock per scope key.
type Limiter struct {
	resolver *ConfigResolver

	mu           sync.Mutex
	scopes       map[scopeKey]*scopeState
	reservations map[scopeKey][]reservation

	waitTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewLimiter creates a limiter over the given config resolver.
func NewLimiter(resolver *ConfigResolver, opts ...LimiterOption) *Limiter {
	lm := &Limiter{
		resolver:     resolver,
		scopes:       make(map[scopeKey]*scopeState),
		reservations: make(map[scopeKey][]reservation),
		waitTimeout:  defaultReserveTimeout,
		logger:       nopLogger,
		now:          time.Now,
	}
	for _, o := range opts {
		o(lm)
	}
	return lm
}

// activeScope pairs a scope's state with its resolved config.
type activeScope struct {
	key   scopeKey
	state *scopeState
	cfg   RateLimitConfig
}

// applicableScopes resolves the ordered scope list for a call, broadest
// first so multi-scope locking has a fixed order. Scopes whose config has
// no limits are skipped.
func (lm *Limiter) applicableScopes(provider, model string) []activeScope {
	keys := []scopeKey{
		{},
		{Provider: provider},
		{Provider: provider, Model: model},
	}
	var out []activeScope
	for _, k := range keys {
		cfg := lm.resolver.Resolve(k.Provider, k.Model).Config
		if !cfg.HasLimits() {
			continue
		}
		out = append(out, activeScope{key: k, state: lm.scope(k), cfg: cfg})
	}
	return out
}

func (lm *Limiter) scope(k scopeKey) *scopeState {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	s, ok := lm.scopes[k]
	if !ok {
		s = &scopeState{}
		lm.scopes[k] = s
	}
	return s
}

// CheckAndReserve blocks until every active limit in every applicable scope
// admits one request and estimatedTokens tokens, then charges them all and
// records the reservation. It fails with ErrRateLimited when the wait
// exceeds the limiter's timeout, or with ctx.Err() on cancellation.
func (lm *Limiter) CheckAndReserve(ctx context.Context, provider, model string, estimatedTokens int) error {
	scopes := lm.applicableScopes(provider, model)
	if len(scopes) == 0 {
		return nil
	}
	deadline := lm.now().Add(lm.waitTimeout)

	for {
		blocked, wait := lm.tryReserve(scopes, estimatedTokens)
		if blocked == nil {
			lm.recordReservation(provider, model, estimatedTokens)
			return nil
		}
		if lm.now().Add(wait).After(deadline) {
			lm.logger.Warn("rate limit wait timed out",
				"provider", provider, "model", model,
				"scope", blocked.Scope, "field", blocked.Field)
			return blocked
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryReserve attempts a single admission pass. It locks the scopes in their
// fixed broad-to-specific order, checks every active limit, and charges all
// of them only when every check passes. On denial it returns the blocking
// limit and a suggested wait before re-checking.
func (lm *Limiter) tryReserve(scopes []activeScope, estTokens int) (*ErrRateLimited, time.Duration) {
	now := lm.now()
	for _, s := range scopes {
		s.state.mu.Lock()
	}
	defer func() {
		for i := len(scopes) - 1; i >= 0; i-- {
			scopes[i].state.mu.Unlock()
		}
	}()

	for i := range scopes {
		s := &scopes[i]
		s.state.prune(now)
		if field, wait := s.state.deny(s.cfg, estTokens, now); field != "" {
			return &ErrRateLimited{
				Provider: s.key.Provider,
				Model:    s.key.Model,
				Scope:    s.key.label(),
				Field:    field,
			}, wait
		}
	}

	for i := range scopes {
		scopes[i].state.charge(scopes[i].cfg, estTokens, now)
	}
	return nil, 0
}

func (lm *Limiter) recordReservation(provider, model string, estimated int) {
	k := scopeKey{Provider: provider, Model: model}
	lm.mu.Lock()
	lm.reservations[k] = append(lm.reservations[k], reservation{estimated: estimated, issuedAt: lm.now()})
	lm.mu.Unlock()
}

// FinalizeTokens discharges the oldest outstanding reservation for
// (provider, model), adjusting token windows by (actual − estimated) in
// every applicable scope. A negative delta credits back.
func (lm *Limiter) FinalizeTokens(provider, model string, actualTokens int) {
	k := scopeKey{Provider: provider, Model: model}
	lm.mu.Lock()
	estimated := 0
	if rs := lm.reservations[k]; len(rs) > 0 {
		estimated = rs[0].estimated
		lm.reservations[k] = rs[1:]
	}
	lm.mu.Unlock()

	delta := actualTokens - estimated
	if delta == 0 {
		return
	}
	now := lm.now()
	for _, s := range lm.applicableScopes(provider, model) {
		s.state.mu.Lock()
		for w := range windowSpans {
			if tokenLimit(s.cfg, w) != nil {
				s.state.tokWindows[w] = append(s.state.tokWindows[w], tokenEntry{at: now, tokens: delta})
			}
		}
		s.state.mu.Unlock()
	}
}

// ResetScope clears the usage state of the identified scope. With an empty
// provider it clears everything.
func (lm *Limiter) ResetScope(provider, model string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if provider == "" {
		lm.scopes = make(map[scopeKey]*scopeState)
		lm.reservations = make(map[scopeKey][]reservation)
		return
	}
	for k := range lm.scopes {
		if k.Provider == provider && (model == "" || k.Model == model) {
			delete(lm.scopes, k)
		}
	}
	for k := range lm.reservations {
		if k.Provider == provider && (model == "" || k.Model == model) {
			delete(lm.reservations, k)
		}
	}
}

// --- scopeState internals (caller holds mu) ---

func requestLimit(c RateLimitConfig, w int) *int {
	switch w {
	case 0:
		return c.RequestsPerMinute
	case 1:
		return c.RequestsPerHour
	}
	return c.RequestsPerDay
}

func tokenLimit(c RateLimitConfig, w int) *int {
	switch w {
	case 0:
		return c.TokensPerMinute
	case 1:
		return c.TokensPerHour
	}
	return c.TokensPerDay
}

func (s *scopeState) prune(now time.Time) {
	for w, span := range windowSpans {
		cutoff := now.Add(-span)
		s.reqWindows[w] = pruneTimes(s.reqWindows[w], cutoff)
		s.tokWindows[w] = pruneTokens(s.tokWindows[w], cutoff)
	}
}

// deny checks every active limit; it returns the first blocking field name
// and a wait hint, or ("", 0) when the reservation is admissible.
func (s *scopeState) deny(c RateLimitConfig, estTokens int, now time.Time) (string, time.Duration) {
	for w := range windowSpans {
		if lim := requestLimit(c, w); lim != nil {
			if *lim == 0 {
				return "requests_per_" + windowNames[w], windowSpans[w]
			}
			if len(s.reqWindows[w]) >= *lim {
				return "requests_per_" + windowNames[w], s.reqWindows[w][0].Add(windowSpans[w]).Sub(now)
			}
		}
		if lim := tokenLimit(c, w); lim != nil {
			if *lim == 0 {
				return "tokens_per_" + windowNames[w], windowSpans[w]
			}
			total := 0
			for _, e := range s.tokWindows[w] {
				total += e.tokens
			}
			if total+estTokens > *lim {
				wait := 10 * time.Millisecond
				if len(s.tokWindows[w]) > 0 {
					wait = s.tokWindows[w][0].at.Add(windowSpans[w]).Sub(now)
				}
				return "tokens_per_" + windowNames[w], wait
			}
		}
	}

	// Burst bucket on requests_per_minute, capped at burst_size.
	if c.BurstSize != nil && c.RequestsPerMinute != nil && *c.RequestsPerMinute > 0 {
		s.refillBurst(c, now)
		if s.burstTokens < 1 {
			rate := float64(*c.RequestsPerMinute) / 60.0
			wait := time.Duration((1 - s.burstTokens) / rate * float64(time.Second))
			return "burst_size", wait
		}
	}
	return "", 0
}

func (s *scopeState) charge(c RateLimitConfig, estTokens int, now time.Time) {
	for w := range windowSpans {
		if requestLimit(c, w) != nil {
			s.reqWindows[w] = append(s.reqWindows[w], now)
		}
		if tokenLimit(c, w) != nil && estTokens > 0 {
			s.tokWindows[w] = append(s.tokWindows[w], tokenEntry{at: now, tokens: estTokens})
		}
	}
	if c.BurstSize != nil && c.RequestsPerMinute != nil && *c.RequestsPerMinute > 0 {
		s.refillBurst(c, now)
		s.burstTokens -= 1
	}
}

// refillBurst tops up the burst bucket at requests_per_minute/60 tokens per
// second, capped at burst_size. A zero burstAt seeds a full bucket.
func (s *scopeState) refillBurst(c RateLimitConfig, now time.Time) {
	full := float64(*c.BurstSize)
	if s.burstAt.IsZero() {
		s.burstTokens = full
	} else {
		rate := float64(*c.RequestsPerMinute) / 60.0
		s.burstTokens += now.Sub(s.burstAt).Seconds() * rate
		if s.burstTokens > full {
			s.burstTokens = full
		}
	}
	s.burstAt = now
}

// pruneTimes removes entries older than cutoff from a sorted time slice.
func pruneTimes(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

// pruneTokens removes entries older than cutoff from a sorted entry slice.
func pruneTokens(s []tokenEntry, cutoff time.Time) []tokenEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}
