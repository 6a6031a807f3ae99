package atlas

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultMaxConcurrentChats = 10
	// clearedSessionGrace is how long a finished domain session still
	// answers late tool decisions as stale rather than forwarding them.
	clearedSessionGrace = 10 * time.Second
)

// DecisionStatus is the outcome of routing a tool-approval decision.
type DecisionStatus string

const (
	// DecisionResumed means a live session accepted the decision.
	DecisionResumed DecisionStatus = "resumed"
	// DecisionStale means the session finished moments ago; the decision
	// is acknowledged and dropped.
	DecisionStale DecisionStatus = "stale_request"
	// DecisionForward means no session is known here; the caller should
	// forward the decision to the chat's worker.
	DecisionForward DecisionStatus = "forward_worker"
)

// chatTask is one running turn.
type chatTask struct {
	cancel context.CancelFunc
	stop   chan StopMode
	done   chan struct{}
}

// domainSession is a parked domain execution awaiting a tool decision.
type domainSession struct {
	executor      DomainExecutor
	domain        string
	sessionID     string
	taskID        string
	placeholderID string
	request       TurnRequest
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine's logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
			e.runner.logger = l
		}
	}
}

// WithMaxConcurrentChats caps simultaneously executing chats.
func WithMaxConcurrentChats(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrent = n
		}
	}
}

// WithFastPathExecutor sets the tool executor used for router fast-path
// calls.
func WithFastPathExecutor(t ToolExecutor) EngineOption {
	return func(e *Engine) { e.runner.fastpath = t }
}

// WithDomainExecutor registers a domain executor under its name.
func WithDomainExecutor(d DomainExecutor) EngineOption {
	return func(e *Engine) { e.domains[d.Name()] = d }
}

// Engine executes chat turns in-process, one goroutine per chat, fanning
// events out through the Bus.
type Engine struct {
	store   Store
	bus     *Bus
	limiter *Limiter
	runner  *turnRunner
	domains map[string]DomainExecutor

	maxConcurrent int
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.Mutex
	tasks   map[string]*chatTask
	// pending holds turns parked on workspace selection.
	pending map[string]TurnRequest
	// sessions holds live domain sessions in waiting_user.
	sessions map[string]*domainSession
	// cleared records when a chat's session ended, for the stale grace.
	cleared map[string]time.Time

	wg sync.WaitGroup
}

// NewEngine constructs an engine over the given store, bus, limiter and
// provider registry.
func NewEngine(store Store, bus *Bus, limiter *Limiter, providers *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		store:         store,
		bus:           bus,
		limiter:       limiter,
		runner:        newTurnRunner(store, providers, limiter, bus),
		domains:       make(map[string]DomainExecutor),
		maxConcurrent: defaultMaxConcurrentChats,
		logger:        nopLogger,
		now:           time.Now,
		tasks:         make(map[string]*chatTask),
		pending:       make(map[string]TurnRequest),
		sessions:      make(map[string]*domainSession),
		cleared:       make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit starts executing a turn for the chat. It returns ErrChatBusy if
// the chat already has a running turn and ErrTooManyChats at the
// concurrency cap. Execution continues in the background; progress is
// observable on the bus.
func (e *Engine) Submit(req TurnRequest) error {
	e.mu.Lock()
	if _, busy := e.tasks[req.ChatID]; busy {
		e.mu.Unlock()
		return &ErrChatBusy{ChatID: req.ChatID}
	}
	if len(e.tasks) >= e.maxConcurrent {
		e.mu.Unlock()
		return &ErrTooManyChats{Limit: e.maxConcurrent}
	}
	ctx, cancel := context.WithCancel(context.Background())
	task := &chatTask{
		cancel: cancel,
		stop:   make(chan StopMode, 1),
		done:   make(chan struct{}),
	}
	e.tasks[req.ChatID] = task
	e.mu.Unlock()

	e.bus.OpenChatQueue(req.ChatID)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer func() {
			e.mu.Lock()
			delete(e.tasks, req.ChatID)
			e.mu.Unlock()
			e.bus.CloseChatQueue(req.ChatID)
			close(task.done)
		}()
		e.runTurn(ctx, req, task.stop)
	}()
	return nil
}

// Stop requests termination of the chat's running turn. Graceful stops
// persist accumulated partial content; cancel discards it. Returns false
// when no turn is running, making repeated stops harmless.
func (e *Engine) Stop(chatID string, mode StopMode) bool {
	e.mu.Lock()
	task := e.tasks[chatID]
	e.mu.Unlock()
	if task == nil {
		return false
	}
	select {
	case task.stop <- mode:
	default:
		// A stop is already queued; first one wins.
	}
	return true
}

// Running reports whether the chat has an executing turn.
func (e *Engine) Running(chatID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tasks[chatID]
	return ok
}

// ActiveCount returns the number of executing chats.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// CleanupChat drops all engine bookkeeping for a deleted chat.
func (e *Engine) CleanupChat(chatID string) {
	e.mu.Lock()
	task := e.tasks[chatID]
	delete(e.pending, chatID)
	delete(e.sessions, chatID)
	delete(e.cleared, chatID)
	e.mu.Unlock()
	if task != nil {
		task.cancel()
	}
}

// Shutdown waits for running turns to finish.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) runTurn(ctx context.Context, req TurnRequest, stop <-chan StopMode) {
	if d := req.Decision; d != nil && !d.Direct() && d.Domain != "" {
		e.runDomainTurn(ctx, req, stop)
		return
	}
	if err := e.runner.run(ctx, req, stop); err != nil {
		e.logger.Error("turn failed", "chat_id", req.ChatID, "error", err)
	}
}

// runDomainTurn dispatches a routed turn to its domain executor,
// translating progress events onto the bus and classifying the result.
func (e *Engine) runDomainTurn(ctx context.Context, req TurnRequest, stop <-chan StopMode) {
	dec := req.Decision
	exec := e.domains[dec.Domain]
	if exec == nil {
		e.runner.failTurn(ctx, req.ChatID, "", "unknown domain "+dec.Domain)
		return
	}

	workspace := ""
	if exec.RequiresWorkspace() {
		ws, err := e.store.GetChatWorkspace(ctx, req.ChatID)
		if err != nil {
			e.runner.failTurn(ctx, req.ChatID, "", "load workspace: "+err.Error())
			return
		}
		if ws == "" {
			e.parkForWorkspace(ctx, req)
			return
		}
		workspace = ws
	}

	e.runner.setState(ctx, req.ChatID, StateResponding)
	placeholderID, err := e.store.SaveMessage(ctx, SaveMessageParams{
		ChatID:   req.ChatID,
		Role:     "assistant",
		Provider: dec.Provider,
		Model:    dec.Model,
	})
	if err != nil {
		e.runner.failTurn(ctx, req.ChatID, "", "create placeholder: "+err.Error())
		return
	}
	e.bus.PublishContent(req.ChatID, EventMessageIDs, MessageIDs{
		UserMessageID:      req.UserMessageID,
		AssistantMessageID: placeholderID,
	})

	history, err := e.store.GetChatHistory(ctx, req.ChatID)
	if err != nil {
		e.runner.failTurn(ctx, req.ChatID, placeholderID, "load history: "+err.Error())
		return
	}

	taskID := NewID()
	task := DomainTask{
		TaskID:    taskID,
		ChatID:    req.ChatID,
		Input:     req.Message,
		Workspace: workspace,
		Provider:  dec.Provider,
		Model:     dec.Model,
		History:   historyToMessages(history),
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-execCtx.Done():
		}
	}()

	result, err := exec.Execute(execCtx, task, domainEventSink(e.bus, req.ChatID, taskID, dec.Domain))
	e.settleDomain(ctx, req, exec, dec.Domain, taskID, placeholderID, result, err)
}

// parkForWorkspace saves a workspace prompt and holds the turn until the
// user binds a workspace to the chat.
func (e *Engine) parkForWorkspace(ctx context.Context, req TurnRequest) {
	const prompt = "Select a workspace to continue."
	if _, err := e.store.SaveMessage(ctx, SaveMessageParams{
		ChatID:  req.ChatID,
		Role:    "assistant",
		Content: prompt,
	}); err != nil {
		e.logger.Error("save workspace prompt", "chat_id", req.ChatID, "error", err)
	}
	e.mu.Lock()
	e.pending[req.ChatID] = req
	e.mu.Unlock()
	e.bus.PublishContent(req.ChatID, EventCoderWorkspacePrompt, prompt)
	e.runner.setState(ctx, req.ChatID, StateStatic)
}

// settleDomain applies the result of Execute or Resume: park on
// waiting_user, persist terminal results, or fail the turn.
func (e *Engine) settleDomain(ctx context.Context, req TurnRequest, exec DomainExecutor, domain, taskID, placeholderID string, result DomainResult, err error) {
	chatID := req.ChatID
	if err != nil {
		e.clearSession(chatID)
		e.logger.Error("domain execution failed", "chat_id", chatID, "domain", domain, "error", err)
		e.runner.failTurn(ctx, chatID, placeholderID, "domain execution: "+err.Error())
		return
	}

	if result.Status == DomainWaitingUser {
		e.mu.Lock()
		e.sessions[chatID] = &domainSession{
			executor:      exec,
			domain:        domain,
			sessionID:     result.SessionID,
			taskID:        taskID,
			placeholderID: placeholderID,
			request:       req,
		}
		e.mu.Unlock()
		e.bus.Publish(Event{
			Type: EventDomainExecution, ChatID: chatID,
			TaskID: taskID, DomainID: domain,
			Content: string(DomainWaitingUser), Payload: result.Payload,
		})
		e.runner.setState(ctx, chatID, StateStatic)
		return
	}

	// completed, failed, aborted: terminal.
	e.clearSession(chatID)
	text := result.Text
	if text == "" && result.Status != DomainCompleted {
		text = "Execution " + string(result.Status) + "."
	}
	if uerr := e.store.UpdateMessage(ctx, placeholderID, text, "", result.Payload); uerr != nil {
		e.runner.failTurn(ctx, chatID, placeholderID, "persist result: "+uerr.Error())
		return
	}
	e.bus.Publish(Event{
		Type: EventDomainExecution, ChatID: chatID,
		TaskID: taskID, DomainID: domain,
		Content: string(result.Status), Payload: result.Payload,
	})
	e.runner.setState(ctx, chatID, StateStatic)
	e.bus.WaitForQueueDrain(ctx, chatID, drainTimeout, drainIdleGrace)
	e.bus.PublishContent(chatID, EventComplete, nil)
}

func (e *Engine) clearSession(chatID string) {
	e.mu.Lock()
	if _, ok := e.sessions[chatID]; ok {
		delete(e.sessions, chatID)
		e.cleared[chatID] = e.now()
	}
	e.mu.Unlock()
}

// ResumeAfterWorkspaceSelection replays a turn that was parked waiting for
// a workspace. The workspace must already be bound to the chat.
func (e *Engine) ResumeAfterWorkspaceSelection(chatID string) error {
	e.mu.Lock()
	req, ok := e.pending[chatID]
	if ok {
		delete(e.pending, chatID)
	}
	e.mu.Unlock()
	if !ok {
		return &ErrNotFound{Kind: "pending turn", ID: chatID}
	}
	return e.Submit(req)
}

// HandleToolDecision routes a tool-approval decision. A live session is
// resumed in the background; a recently cleared one reports stale; an
// unknown chat is the caller's cue to forward to the worker pool.
func (e *Engine) HandleToolDecision(chatID string, decision ToolDecision) (DecisionStatus, error) {
	e.mu.Lock()
	s, live := e.sessions[chatID]
	if !live {
		clearedAt, wasCleared := e.cleared[chatID]
		e.mu.Unlock()
		if wasCleared && e.now().Sub(clearedAt) < clearedSessionGrace {
			return DecisionStale, nil
		}
		return DecisionForward, nil
	}
	if _, busy := e.tasks[chatID]; busy {
		e.mu.Unlock()
		return "", &ErrChatBusy{ChatID: chatID}
	}
	delete(e.sessions, chatID)
	ctx, cancel := context.WithCancel(context.Background())
	task := &chatTask{
		cancel: cancel,
		stop:   make(chan StopMode, 1),
		done:   make(chan struct{}),
	}
	e.tasks[chatID] = task
	e.mu.Unlock()

	e.bus.OpenChatQueue(chatID)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer func() {
			e.mu.Lock()
			delete(e.tasks, chatID)
			e.mu.Unlock()
			e.bus.CloseChatQueue(chatID)
			close(task.done)
		}()
		e.runner.setState(ctx, chatID, StateResponding)
		go func() {
			select {
			case <-task.stop:
				cancel()
			case <-ctx.Done():
			}
		}()
		result, err := s.executor.Resume(ctx, s.sessionID, decision,
			domainEventSink(e.bus, chatID, s.taskID, s.domain))
		e.settleDomain(ctx, s.request, s.executor, s.domain, s.taskID, s.placeholderID, result, err)
	}()
	return DecisionResumed, nil
}
