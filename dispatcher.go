package atlas

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// defaultDedupWindow is how long an identical (chat, message) submission is
// treated as a duplicate of the one before it.
const defaultDedupWindow = time.Second

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithEngine sets the in-process async engine.
func WithEngine(e *Engine) DispatcherOption {
	return func(d *Dispatcher) { d.engine = e }
}

// WithPool sets the subprocess worker pool used for routes that need
// process isolation.
func WithPool(p *Pool) DispatcherOption {
	return func(d *Dispatcher) { d.pool = p }
}

// WithRouter sets the per-turn router. Without one, turns run direct on
// the request's provider and model.
func WithRouter(r Router) DispatcherOption {
	return func(d *Dispatcher) { d.router = r }
}

// WithDispatcherLogger sets the dispatcher's logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithDefaultModel sets the provider and model used when a request names
// neither.
func WithDefaultModel(provider, model string) DispatcherOption {
	return func(d *Dispatcher) {
		d.defaultProvider = provider
		d.defaultModel = model
	}
}

// WithDedupWindow overrides the duplicate-submission window.
func WithDedupWindow(w time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if w > 0 {
			d.dedupWindow = w
		}
	}
}

// Dispatcher is the single entry point per user turn: duplicate detection,
// chat and message persistence, routing, rate-limit reservation, and
// engine selection.
type Dispatcher struct {
	store     Store
	bus       *Bus
	limiter   *Limiter
	providers *Registry
	engine    *Engine
	pool      *Pool
	router    Router

	defaultProvider string
	defaultModel    string
	dedupWindow     time.Duration
	logger          *slog.Logger
	now             func() time.Time

	mu     sync.Mutex
	recent map[[32]byte]time.Time
}

// NewDispatcher constructs a dispatcher. At least one of WithEngine or
// WithPool must be supplied before StartTurn is called.
func NewDispatcher(store Store, bus *Bus, limiter *Limiter, providers *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		bus:         bus,
		limiter:     limiter,
		providers:   providers,
		dedupWindow: defaultDedupWindow,
		logger:      nopLogger,
		now:         time.Now,
		recent:      make(map[[32]byte]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// StartTurn runs one user turn end to end: dedup, chat creation, user
// message persistence, routing, rate-limit reservation, and submission to
// the async engine or the worker pool. It returns once the turn has been
// accepted; progress streams on the bus.
//
// Turns replayed by the versioning layer (IsRetry or IsEditRegeneration)
// bypass duplicate detection and reuse the recorded routing decision.
func (d *Dispatcher) StartTurn(ctx context.Context, req TurnRequest) error {
	if req.ChatID == "" {
		return errors.New("dispatcher: chat id required")
	}
	if req.Provider == "" {
		req.Provider = d.defaultProvider
	}
	if req.Model == "" {
		req.Model = d.defaultModel
	}

	if !req.IsRetry && !req.IsEditRegeneration {
		if d.isDuplicate(req.ChatID, req.Message) {
			return &ErrDuplicate{ChatID: req.ChatID}
		}
	}

	created, err := d.store.CreateChat(ctx, req.ChatID, req.SystemPrompt)
	if err != nil {
		return err
	}
	if created {
		d.logger.Info("chat created", "chat_id", req.ChatID)
	}

	history, err := d.store.GetChatHistory(ctx, req.ChatID)
	if err != nil {
		return err
	}

	if req.Decision == nil && d.router != nil {
		dec, rerr := d.router.Route(ctx, req, history)
		if rerr != nil {
			// Routing is advisory: fall through to direct execution.
			d.logger.Warn("router failed, running direct", "chat_id", req.ChatID, "error", rerr)
			dec = RouterDecision{Route: RouteDirect, Provider: req.Provider, Model: req.Model}
		}
		req.Decision = &dec
	}
	if req.Decision != nil {
		d.bus.PublishContent(req.ChatID, EventRouterDecision, *req.Decision)
	}

	if req.IsEditRegeneration && req.ExistingMessageID != "" {
		// The versioning layer already persisted the edited user message.
		req.UserMessageID = req.ExistingMessageID
	} else {
		var decblob []byte
		if req.Decision != nil {
			decblob = mustJSON(*req.Decision)
		}
		id, serr := d.store.SaveMessage(ctx, SaveMessageParams{
			ChatID:          req.ChatID,
			Role:            "user",
			Content:         req.Message,
			AttachedFileIDs: req.AttachedFileIDs,
			RouterEnabled:   d.router != nil,
			RouterDecision:  decblob,
		})
		if serr != nil {
			return serr
		}
		req.UserMessageID = id
	}

	provider, model := req.Provider, req.Model
	if dec := req.Decision; dec != nil {
		if dec.Provider != "" {
			provider = dec.Provider
		}
		if dec.Model != "" {
			model = dec.Model
		}
	}
	req.EstimatedTokens = d.estimateTokens(provider, model, history, req.Message)

	// Reservation failure never blocks the turn; the provider's own 429 is
	// the backstop.
	if err := d.limiter.CheckAndReserve(ctx, provider, model, req.EstimatedTokens); err != nil {
		d.logger.Warn("rate limit reservation failed, continuing",
			"chat_id", req.ChatID, "provider", provider, "model", model, "error", err)
	}

	return d.submit(req)
}

// submit picks the execution engine: worker pool for routes that need
// process isolation, the in-process engine otherwise.
func (d *Dispatcher) submit(req TurnRequest) error {
	if d.pool != nil && req.Decision != nil && needsIsolation(*req.Decision) {
		return d.pool.Process(req)
	}
	if d.engine == nil {
		if d.pool != nil {
			return d.pool.Process(req)
		}
		return errors.New("dispatcher: no execution engine configured")
	}
	return d.engine.Submit(req)
}

// needsIsolation reports whether the route must run out of process. Coder
// executions can load heavy tooling and must die instantly on cancel, so
// they go to the pool when one is available.
func needsIsolation(dec RouterDecision) bool {
	return dec.Route == RouteCoder || dec.Route == RouteMultiDomain
}

// Stop requests stop or cancel of the chat's running turn, wherever it is
// executing. Returns false when nothing is running.
func (d *Dispatcher) Stop(chatID string, mode StopMode) bool {
	if d.engine != nil && d.engine.Stop(chatID, mode) {
		return true
	}
	if d.pool != nil {
		return d.pool.Stop(chatID, mode)
	}
	return false
}

// HandleToolDecision routes a tool-approval decision: to the engine's live
// session, absorbed as stale, or forwarded to the chat's worker.
func (d *Dispatcher) HandleToolDecision(chatID string, decision ToolDecision) (DecisionStatus, error) {
	if d.engine != nil {
		status, err := d.engine.HandleToolDecision(chatID, decision)
		if err != nil {
			return "", err
		}
		if status != DecisionForward {
			return status, nil
		}
	}
	if d.pool != nil {
		if err := d.pool.SendToolDecision(chatID, decision); err != nil {
			return "", err
		}
		return DecisionForward, nil
	}
	return DecisionStale, nil
}

// WorkspaceSelected binds a workspace to the chat and resumes any turn
// parked on workspace selection, in-process or in a worker.
func (d *Dispatcher) WorkspaceSelected(ctx context.Context, chatID, path string) error {
	if err := d.store.SetChatWorkspace(ctx, chatID, path); err != nil {
		return err
	}
	if d.engine != nil {
		err := d.engine.ResumeAfterWorkspaceSelection(chatID)
		if err == nil {
			return nil
		}
		var nf *ErrNotFound
		if !errors.As(err, &nf) {
			return err
		}
	}
	if d.pool != nil {
		return d.pool.WorkspaceSelected(chatID, path)
	}
	return nil
}

// estimateTokens builds the pre-call token estimate: the provider's native
// counter when it has one, otherwise one token per four characters over
// the whole prompt.
func (d *Dispatcher) estimateTokens(provider, model string, history []Message, message string) int {
	total := len(message)
	for _, m := range history {
		total += len(m.Content)
	}

	if p := d.providers.Get(provider); p != nil {
		if tc, ok := p.(TokenCounter); ok {
			text := message
			for _, m := range history {
				text = m.Content + "\n" + text
			}
			if n, err := tc.CountTokens(model, text); err == nil {
				return n
			}
		}
	}
	return total / 4
}

// isDuplicate records the submission and reports whether an identical one
// arrived within the dedup window.
func (d *Dispatcher) isDuplicate(chatID, message string) bool {
	h := sha256.New()
	h.Write([]byte(chatID))
	var sep [8]byte
	binary.BigEndian.PutUint64(sep[:], uint64(len(chatID)))
	h.Write(sep[:])
	h.Write([]byte(message))
	var key [32]byte
	copy(key[:], h.Sum(nil))

	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, t := range d.recent {
		if now.Sub(t) > d.dedupWindow {
			delete(d.recent, k)
		}
	}
	if t, ok := d.recent[key]; ok && now.Sub(t) <= d.dedupWindow {
		return true
	}
	d.recent[key] = now
	return false
}
