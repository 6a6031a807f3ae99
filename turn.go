package atlas

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// updateInterval throttles mid-stream UpdateMessage writes. The final flush
// on stream end is always forced.
const updateInterval = 250 * time.Millisecond

// drainTimeout bounds the wait for the chat content queue to empty before a
// terminal event is published.
const (
	drainTimeout   = time.Second
	drainIdleGrace = 100 * time.Millisecond
)

// StopMode distinguishes the two cancellation forms.
type StopMode int

const (
	// StopNone means no cancellation was requested.
	StopNone StopMode = iota
	// StopGraceful requests termination with partial content persisted.
	StopGraceful
	// StopCancel requests termination with partial content discarded.
	StopCancel
)

func (m StopMode) String() string {
	switch m {
	case StopGraceful:
		return "stop"
	case StopCancel:
		return "cancel"
	}
	return "none"
}

// TurnRequest describes one user turn to execute.
type TurnRequest struct {
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
	// SystemPrompt seeds the chat when this turn creates it.
	SystemPrompt string `json:"system_prompt,omitempty"`

	Provider         string   `json:"provider,omitempty"`
	Model            string   `json:"model,omitempty"`
	IncludeReasoning bool     `json:"include_reasoning,omitempty"`
	AttachedFileIDs  []string `json:"attached_file_ids,omitempty"`

	// IsRetry marks a turn replayed by the versioning layer; the original
	// routing decision is reused rather than re-invoking the router.
	IsRetry bool `json:"is_retry,omitempty"`
	// ExistingMessageID, with IsEditRegeneration, streams against a user
	// message the versioning layer already persisted.
	ExistingMessageID  string `json:"existing_message_id,omitempty"`
	IsEditRegeneration bool   `json:"is_edit_regeneration,omitempty"`

	// Decision is the routing outcome, set by the dispatcher.
	Decision *RouterDecision `json:"decision,omitempty"`
	// UserMessageID is the persisted id of the turn's user message.
	UserMessageID string `json:"user_message_id,omitempty"`
	// EstimatedTokens is the dispatcher's pre-call estimate, reconciled
	// against actual usage after the stream.
	EstimatedTokens int `json:"estimated_tokens,omitempty"`
}

// eventSink decouples turn execution from delivery: the async engine
// publishes straight to the Bus, the worker engine writes frames to its
// parent pipe.
type eventSink interface {
	PublishState(chatID string, state ChatState)
	PublishContent(chatID string, typ EventType, content any)
	Publish(ev Event)
	// WaitForQueueDrain blocks until the chat's content queue has idled, so
	// terminal events reach slow consumers last.
	WaitForQueueDrain(ctx context.Context, chatID string, timeout, idleGrace time.Duration) bool
}

var _ eventSink = (*Bus)(nil)

// turnRunner executes the provider-streaming part of a turn. It is shared
// by the async engine and the worker engine; only the sink differs.
type turnRunner struct {
	store     Store
	providers *Registry
	limiter   *Limiter
	sink      eventSink
	fastpath  ToolExecutor

	maxAttempts int
	retryBase   time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func newTurnRunner(store Store, providers *Registry, limiter *Limiter, sink eventSink) *turnRunner {
	return &turnRunner{
		store:       store,
		providers:   providers,
		limiter:     limiter,
		sink:        sink,
		maxAttempts: defaultMaxAttempts,
		retryBase:   defaultRetryBase,
		logger:      nopLogger,
		now:         time.Now,
	}
}

// setState persists a chat state change and publishes it. Store failures
// are logged, not fatal: the bus remains the client's source of truth.
func (r *turnRunner) setState(ctx context.Context, chatID string, state ChatState) {
	if err := r.store.UpdateChatState(ctx, chatID, state); err != nil {
		r.logger.Error("update chat state", "chat_id", chatID, "state", state, "error", err)
	}
	r.sink.PublishState(chatID, state)
}

// run executes a direct streaming turn per the engine contract. stop
// delivers at most one StopMode when the user interrupts the turn.
func (r *turnRunner) run(ctx context.Context, req TurnRequest, stop <-chan StopMode) error {
	chatID := req.ChatID
	providerName, model := req.Provider, req.Model
	if d := req.Decision; d != nil {
		if d.Provider != "" {
			providerName = d.Provider
		}
		if d.Model != "" {
			model = d.Model
		}
	}

	prov := r.providers.Get(providerName)
	if prov == nil {
		r.failTurn(ctx, chatID, "", fmt.Sprintf("unknown provider %q", providerName))
		return &ErrLLM{Provider: providerName, Message: "not registered"}
	}

	chat, err := r.store.GetChat(ctx, chatID)
	if err != nil {
		r.failTurn(ctx, chatID, "", "chat not found")
		return err
	}

	reasoning := req.IncludeReasoning && prov.SupportsReasoning(model)
	state := StateResponding
	if reasoning {
		state = StateThinking
	}
	r.setState(ctx, chatID, state)

	history, err := r.store.GetChatHistory(ctx, chatID)
	if err != nil {
		r.failTurn(ctx, chatID, "", "load history: "+err.Error())
		return err
	}

	// Pre-create the empty assistant placeholder so clients have a stable
	// id to attach streaming content to.
	placeholderID, err := r.store.SaveMessage(ctx, SaveMessageParams{
		ChatID:   chatID,
		Role:     "assistant",
		Provider: providerName,
		Model:    model,
	})
	if err != nil {
		r.failTurn(ctx, chatID, "", "create placeholder: "+err.Error())
		return err
	}
	r.sink.PublishContent(chatID, EventMessageIDs, MessageIDs{
		UserMessageID:      req.UserMessageID,
		AssistantMessageID: placeholderID,
	})

	messages := historyToMessages(history)
	if len(messages) > 0 && req.Decision != nil && req.Decision.FastPathParams != "" && r.fastpath != nil {
		messages[len(messages)-1].Content = r.runFastPath(ctx, req.Decision.FastPathParams, messages[len(messages)-1].Content)
	}

	greq := GenerateRequest{
		Model:            model,
		System:           chat.SystemPrompt,
		Messages:         messages,
		IncludeReasoning: reasoning,
		FileHandles:      r.resolveAttachments(ctx, req.AttachedFileIDs, providerName),
	}

	res := r.streamWithRetry(ctx, prov, greq, chatID, placeholderID, state, stop)

	switch {
	case res.fatal != nil:
		// Hard error: remove the placeholder and anything after it.
		if _, derr := r.store.CascadeDeleteMessage(ctx, placeholderID, chatID); derr != nil {
			r.logger.Error("delete placeholder", "message_id", placeholderID, "error", derr)
		}
		r.setState(ctx, chatID, StateStatic)
		r.sink.WaitForQueueDrain(ctx, chatID, drainTimeout, drainIdleGrace)
		r.sink.PublishContent(chatID, EventError, res.fatal.Error())
		return res.fatal

	case res.stopped == StopCancel:
		// Discard: the placeholder stays, empty.
		if err := r.store.UpdateMessage(ctx, placeholderID, "", "", nil); err != nil {
			r.logger.Error("clear cancelled message", "message_id", placeholderID, "error", err)
		}
		r.setState(ctx, chatID, StateStatic)
		r.sink.WaitForQueueDrain(ctx, chatID, drainTimeout, drainIdleGrace)
		r.sink.PublishContent(chatID, EventComplete, nil)
		return nil

	default:
		// Clean end, or graceful stop with partial content: force flush.
		if err := r.store.UpdateMessage(ctx, placeholderID, res.answer, res.thoughts, nil); err != nil {
			r.setState(ctx, chatID, StateStatic)
			r.sink.WaitForQueueDrain(ctx, chatID, drainTimeout, drainIdleGrace)
			r.sink.PublishContent(chatID, EventError, "persist response: "+err.Error())
			return err
		}
		if res.usage.Total() > 0 {
			r.sink.Publish(Event{Type: EventUsage, ChatID: chatID, Usage: &res.usage})
		}
		r.setState(ctx, chatID, StateStatic)
		r.sink.WaitForQueueDrain(ctx, chatID, drainTimeout, drainIdleGrace)
		r.sink.PublishContent(chatID, EventComplete, nil)

		r.limiter.FinalizeTokens(providerName, model, res.usage.Total())
		if err := r.store.SaveTokenUsage(ctx, TokenUsage{
			MessageID:       placeholderID,
			ChatID:          chatID,
			Role:            "assistant",
			Provider:        providerName,
			Model:           model,
			EstimatedTokens: req.EstimatedTokens,
			ActualTokens:    res.usage.Total(),
		}); err != nil {
			r.logger.Error("save token usage", "message_id", placeholderID, "error", err)
		}
		return nil
	}
}

// failTurn is the early-exit error path before a placeholder exists.
func (r *turnRunner) failTurn(ctx context.Context, chatID, placeholderID, msg string) {
	if placeholderID != "" {
		if _, err := r.store.CascadeDeleteMessage(ctx, placeholderID, chatID); err != nil {
			r.logger.Error("delete placeholder", "message_id", placeholderID, "error", err)
		}
	}
	r.setState(ctx, chatID, StateStatic)
	r.sink.WaitForQueueDrain(ctx, chatID, drainTimeout, drainIdleGrace)
	r.sink.PublishContent(chatID, EventError, msg)
}

// runFastPath executes the router's single-tool XML and wraps its output
// around the user message. Failures degrade to the unmodified message.
func (r *turnRunner) runFastPath(ctx context.Context, params, userMessage string) string {
	call, err := ParseFastPath(params)
	if err != nil {
		r.logger.Warn("fastpath parse failed", "error", err)
		return userMessage
	}
	out, err := r.fastpath.Execute(ctx, call.Tool, call.Params)
	if err != nil {
		r.logger.Warn("fastpath tool failed", "tool", call.Tool, "error", err)
		return userMessage
	}
	return FormatFastPathResult(call.Tool, out, userMessage)
}

// resolveAttachments returns usable provider file handles. Files that are
// not ready, or registered with another provider, are skipped with a
// warning; they never fail the turn.
func (r *turnRunner) resolveAttachments(ctx context.Context, fileIDs []string, provider string) []string {
	var handles []string
	for _, id := range fileIDs {
		f, err := r.store.GetFileRecord(ctx, id)
		if err != nil {
			r.logger.Warn("attachment lookup failed", "file_id", id, "error", err)
			continue
		}
		if !f.Usable(provider) {
			r.logger.Warn("attachment not ready, skipping",
				"file_id", id, "state", f.APIState, "provider", f.Provider)
			continue
		}
		handles = append(handles, f.APIFileName)
	}
	return handles
}

// streamResult is the outcome of the retry-wrapped stream loop.
type streamResult struct {
	answer   string
	thoughts string
	usage    Usage
	stopped  StopMode
	fatal    error
}

// streamWithRetry runs the provider stream, retrying transient errors with
// exponential backoff and jitter. Each retry resets the accumulated text
// and emits a model_retry event. state tracks thinking → responding.
func (r *turnRunner) streamWithRetry(ctx context.Context, prov Provider, greq GenerateRequest, chatID, messageID string, state ChatState, stop <-chan StopMode) streamResult {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		res, err := r.streamOnce(ctx, prov, greq, chatID, messageID, state, stop)
		if err == nil || res.stopped != StopNone {
			return res
		}
		lastErr = err
		if !IsTransient(err) || attempt == r.maxAttempts-1 {
			break
		}

		delay := retryDelay(r.retryBase, attempt, err)
		r.logger.Warn("provider stream failed, retrying",
			"provider", prov.Name(), "model", greq.Model,
			"status", statusOf(err), "attempt", attempt+1,
			"max_attempts", r.maxAttempts, "delay", delay)
		r.sink.Publish(Event{
			Type:   EventModelRetry,
			ChatID: chatID,
			RetryData: &RetryData{
				Attempt:      attempt + 1,
				MaxAttempts:  r.maxAttempts,
				DelaySeconds: delay.Seconds(),
				Model:        greq.Model,
			},
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return streamResult{fatal: ctx.Err()}
		case m := <-stop:
			timer.Stop()
			return streamResult{stopped: m}
		case <-timer.C:
		}
	}
	r.logger.Error("provider stream attempts exhausted",
		"provider", prov.Name(), "model", greq.Model,
		"attempts", r.maxAttempts, "error", lastErr)
	return streamResult{fatal: lastErr}
}

// streamOnce runs one provider stream attempt, publishing content events
// and throttling persistence to one write per updateInterval.
func (r *turnRunner) streamOnce(ctx context.Context, prov Provider, greq GenerateRequest, chatID, messageID string, state ChatState, stop <-chan StopMode) (streamResult, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan StreamChunk, 64)
	type genOut struct {
		usage Usage
		err   error
	}
	done := make(chan genOut, 1)
	go func() {
		usage, err := prov.GenerateStream(streamCtx, greq, ch)
		done <- genOut{usage, err}
	}()

	var res streamResult
	throttle := writeThrottle{interval: updateInterval, now: r.now}
	responding := state == StateResponding

loop:
	for {
		select {
		case m := <-stop:
			res.stopped = m
			cancel()
			// Drain so the provider goroutine can finish.
			for range ch {
			}
			break loop

		case chunk, ok := <-ch:
			if !ok {
				break loop
			}
			switch chunk.Type {
			case ChunkThoughtsStart:
				r.sink.PublishContent(chatID, EventThoughtsStart, nil)
			case ChunkThoughts:
				res.thoughts += chunk.Text
				r.sink.PublishContent(chatID, EventThoughts, chunk.Text)
				r.maybeFlush(ctx, &throttle, messageID, res.answer, res.thoughts)
			case ChunkAnswerStart:
				if !responding {
					responding = true
					r.setState(ctx, chatID, StateResponding)
				}
				r.sink.PublishContent(chatID, EventAnswerStart, nil)
			case ChunkAnswer:
				if !responding {
					// Providers without an explicit answer_start chunk.
					responding = true
					r.setState(ctx, chatID, StateResponding)
					r.sink.PublishContent(chatID, EventAnswerStart, nil)
				}
				res.answer += chunk.Text
				r.sink.PublishContent(chatID, EventAnswer, chunk.Text)
				r.maybeFlush(ctx, &throttle, messageID, res.answer, res.thoughts)
			case ChunkUsage:
				if chunk.Usage != nil {
					res.usage = *chunk.Usage
				}
			}
		}
	}

	out := <-done
	if out.usage.Total() > 0 {
		res.usage = out.usage
	}
	if res.stopped != StopNone {
		return res, nil
	}
	if out.err != nil {
		return res, out.err
	}
	return res, nil
}

// maybeFlush writes the accumulated text at most once per interval.
// Mid-stream persistence is best-effort: failures are logged and the
// stream continues; the final forced flush is the authoritative write.
func (r *turnRunner) maybeFlush(ctx context.Context, t *writeThrottle, messageID, content, thoughts string) {
	if !t.due() {
		return
	}
	if err := r.store.UpdateMessage(ctx, messageID, content, thoughts, nil); err != nil {
		r.logger.Warn("throttled update failed", "message_id", messageID, "error", err)
	}
}

// writeThrottle rate-limits persistence to one write per interval.
type writeThrottle struct {
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

func (t *writeThrottle) due() bool {
	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}

// historyToMessages converts transcript rows to the LLM protocol shape,
// dropping empty assistant placeholders.
func historyToMessages(history []Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		if m.Role == "assistant" && m.Content == "" {
			continue
		}
		out = append(out, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// mustJSON marshals v, falling back to null. For payloads built from
// internal types that cannot fail to marshal.
func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
