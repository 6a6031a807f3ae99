package atlas

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// pipeSink delivers turn events to the parent process as framed messages
// instead of publishing them on a bus. The parent's read loop republishes
// them verbatim, preserving per-chat ordering.
type pipeSink struct {
	mu     sync.Mutex
	w      io.Writer
	logger *slog.Logger
}

func (s *pipeSink) write(ev WorkerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := WriteFrame(s.w, ev); err != nil {
		// A broken parent pipe is unrecoverable; the parent's crash
		// handling takes over from here.
		s.logger.Error("write event frame", "type", ev.Type, "error", err)
	}
}

func (s *pipeSink) Publish(ev Event) {
	typ := WorkerContent
	if ev.Type == EventRouterDecision {
		typ = WorkerRouterChoice
	}
	s.write(WorkerEvent{Type: typ, ChatID: ev.ChatID, Event: &ev})
}

func (s *pipeSink) PublishState(chatID string, state ChatState) {
	s.write(WorkerEvent{Type: WorkerStateUpdate, ChatID: chatID, State: state})
}

func (s *pipeSink) PublishContent(chatID string, typ EventType, content any) {
	s.Publish(ContentEvent(chatID, typ, content))
}

// WaitForQueueDrain is a no-op in the child: the parent pipe is a single
// ordered stream, so terminal frames cannot overtake content.
func (s *pipeSink) WaitForQueueDrain(context.Context, string, time.Duration, time.Duration) bool {
	return true
}

var _ eventSink = (*pipeSink)(nil)

// WorkerOption configures a worker engine.
type WorkerOption func(*WorkerEngine)

// WithWorkerLogger sets the worker's logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *WorkerEngine) {
		if l != nil {
			w.logger = l
			w.runner.logger = l
			w.sink.logger = l
		}
	}
}

// WithWorkerDomainExecutor registers a domain executor in the worker.
func WithWorkerDomainExecutor(d DomainExecutor) WorkerOption {
	return func(w *WorkerEngine) { w.domains[d.Name()] = d }
}

// WithWorkerFastPath sets the fast-path tool executor.
func WithWorkerFastPath(t ToolExecutor) WorkerOption {
	return func(w *WorkerEngine) { w.runner.fastpath = t }
}

// turnControl carries the control signals a running turn can receive from
// the command loop.
type turnControl struct {
	stop chan StopMode
	ws   chan string
	dec  chan ToolDecision
}

func newTurnControl() *turnControl {
	return &turnControl{
		stop: make(chan StopMode, 1),
		ws:   make(chan string, 1),
		dec:  make(chan ToolDecision, 1),
	}
}

// WorkerEngine mirrors the in-process engine inside a subprocess: same
// turn algorithm, events written to the parent pipe, commands handled
// sequentially off the command loop.
type WorkerEngine struct {
	store   Store
	runner  *turnRunner
	sink    *pipeSink
	domains map[string]DomainExecutor
	logger  *slog.Logger
}

// NewWorkerEngine constructs the child-side engine over the given pipe.
func NewWorkerEngine(conn io.ReadWriter, store Store, providers *Registry, limiter *Limiter, opts ...WorkerOption) *WorkerEngine {
	sink := &pipeSink{w: conn, logger: nopLogger}
	w := &WorkerEngine{
		store:   store,
		runner:  newTurnRunner(store, providers, limiter, sink),
		sink:    sink,
		domains: make(map[string]DomainExecutor),
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run is the child main loop: announce readiness, then handle one command
// at a time until the pipe closes or the context ends. Commands that
// arrive while a turn is active (stop, cancel, workspace_selected,
// domain_tool_decision) are routed into the running turn; a second
// process command is rejected with an error terminal.
func (w *WorkerEngine) Run(ctx context.Context, conn io.Reader) error {
	w.sink.write(WorkerEvent{Type: WorkerReady, Success: true})

	cmds := make(chan WorkerCommand)
	readErr := make(chan error, 1)
	go func() {
		for {
			var cmd WorkerCommand
			if err := ReadFrame(conn, &cmd); err != nil {
				readErr <- err
				close(cmds)
				return
			}
			select {
			case cmds <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		active *turnControl
		done   chan struct{}
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-doneOrNil(done):
			active, done = nil, nil

		case cmd, ok := <-cmds:
			if !ok {
				if done != nil {
					<-done
				}
				return <-readErr
			}
			// A turn may have finished in the same instant this command
			// arrived; settle it before treating the worker as busy.
			if done != nil {
				select {
				case <-done:
					active, done = nil, nil
				default:
				}
			}
			switch cmd.Command {
			case CmdProcess:
				if active != nil {
					w.logger.Warn("process command while busy", "chat_id", cmd.ChatID)
					w.sink.write(WorkerEvent{
						Type: WorkerTerminal, ChatID: cmd.ChatID,
						Success: false, Error: "worker busy",
					})
					continue
				}
				if cmd.Request == nil {
					w.sink.write(WorkerEvent{
						Type: WorkerTerminal, ChatID: cmd.ChatID,
						Success: false, Error: "process command without request",
					})
					continue
				}
				active = newTurnControl()
				done = make(chan struct{})
				req := *cmd.Request
				ctrl := active
				go func() {
					defer close(done)
					w.runTurn(ctx, req, ctrl)
				}()

			case CmdStop:
				w.signalStop(active, StopGraceful)
			case CmdCancel:
				w.signalStop(active, StopCancel)
			case CmdWorkspaceSelected:
				if active != nil {
					select {
					case active.ws <- cmd.Workspace:
					default:
					}
				}
			case CmdToolDecision:
				if active != nil && cmd.Decision != nil {
					select {
					case active.dec <- *cmd.Decision:
					default:
					}
				}
			default:
				w.logger.Warn("unknown command", "command", cmd.Command)
			}
		}
	}
}

func doneOrNil(ch chan struct{}) <-chan struct{} {
	return ch
}

func (w *WorkerEngine) signalStop(ctrl *turnControl, mode StopMode) {
	if ctrl == nil {
		return
	}
	select {
	case ctrl.stop <- mode:
	default:
	}
}

// runTurn executes one turn and always ends with a terminal frame.
func (w *WorkerEngine) runTurn(ctx context.Context, req TurnRequest, ctrl *turnControl) {
	var err error
	if d := req.Decision; d != nil && !d.Direct() && d.Domain != "" {
		err = w.runDomainTurn(ctx, req, ctrl)
	} else {
		err = w.runner.run(ctx, req, ctrl.stop)
	}
	ev := WorkerEvent{Type: WorkerTerminal, ChatID: req.ChatID, Success: err == nil}
	if err != nil {
		ev.Error = err.Error()
	}
	w.sink.write(ev)
}

// runDomainTurn is the worker-side domain flow. Unlike the in-process
// engine, a missing workspace blocks the turn here until the parent
// forwards workspace_selected or a cancel arrives, and a waiting_user
// result blocks until the tool decision arrives.
func (w *WorkerEngine) runDomainTurn(ctx context.Context, req TurnRequest, ctrl *turnControl) error {
	dec := req.Decision
	exec := w.domains[dec.Domain]
	if exec == nil {
		w.runner.failTurn(ctx, req.ChatID, "", "unknown domain "+dec.Domain)
		return &ErrNotFound{Kind: "domain", ID: dec.Domain}
	}

	workspace := ""
	if exec.RequiresWorkspace() {
		ws, err := w.store.GetChatWorkspace(ctx, req.ChatID)
		if err != nil {
			w.runner.failTurn(ctx, req.ChatID, "", "load workspace: "+err.Error())
			return err
		}
		if ws == "" {
			ws, err = w.awaitWorkspace(ctx, req, ctrl)
			if err != nil || ws == "" {
				return err
			}
		}
		workspace = ws
	}

	w.runner.setState(ctx, req.ChatID, StateResponding)
	placeholderID, err := w.store.SaveMessage(ctx, SaveMessageParams{
		ChatID:   req.ChatID,
		Role:     "assistant",
		Provider: dec.Provider,
		Model:    dec.Model,
	})
	if err != nil {
		w.runner.failTurn(ctx, req.ChatID, "", "create placeholder: "+err.Error())
		return err
	}
	w.sink.PublishContent(req.ChatID, EventMessageIDs, MessageIDs{
		UserMessageID:      req.UserMessageID,
		AssistantMessageID: placeholderID,
	})

	history, err := w.store.GetChatHistory(ctx, req.ChatID)
	if err != nil {
		w.runner.failTurn(ctx, req.ChatID, placeholderID, "load history: "+err.Error())
		return err
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
		case <-ctrl.stop:
			cancel()
		case <-execCtx.Done():
		}
	}()

	emit := domainEventSink(w.sink, req.ChatID, taskID, dec.Domain)
	result, err := exec.Execute(execCtx, task, emit)

	// waiting_user parks in place: the worker holds the session and waits
	// for the user's decision on the command pipe.
	for err == nil && result.Status == DomainWaitingUser {
		w.sink.Publish(Event{
			Type: EventDomainExecution, ChatID: req.ChatID,
			TaskID: taskID, DomainID: dec.Domain,
			Content: string(DomainWaitingUser), Payload: result.Payload,
		})
		w.runner.setState(ctx, req.ChatID, StateStatic)

		select {
		case <-execCtx.Done():
			w.runner.failTurn(ctx, req.ChatID, placeholderID, "domain execution: "+execCtx.Err().Error())
			return execCtx.Err()
		case d := <-ctrl.dec:
			w.runner.setState(ctx, req.ChatID, StateResponding)
			result, err = exec.Resume(execCtx, result.SessionID, d, emit)
		}
	}

	if err != nil {
		w.runner.failTurn(ctx, req.ChatID, placeholderID, "domain execution: "+err.Error())
		return err
	}

	text := result.Text
	if text == "" && result.Status != DomainCompleted {
		text = "Execution " + string(result.Status) + "."
	}
	if uerr := w.store.UpdateMessage(ctx, placeholderID, text, "", result.Payload); uerr != nil {
		w.runner.failTurn(ctx, req.ChatID, placeholderID, "persist result: "+uerr.Error())
		return uerr
	}
	w.sink.Publish(Event{
		Type: EventDomainExecution, ChatID: req.ChatID,
		TaskID: taskID, DomainID: dec.Domain,
		Content: string(result.Status), Payload: result.Payload,
	})
	w.runner.setState(ctx, req.ChatID, StateStatic)
	w.sink.PublishContent(req.ChatID, EventComplete, nil)
	return nil
}

// awaitWorkspace prompts for a workspace and blocks until the parent
// forwards the selection. A cancel ends the turn with an empty workspace.
func (w *WorkerEngine) awaitWorkspace(ctx context.Context, req TurnRequest, ctrl *turnControl) (string, error) {
	const prompt = "Select a workspace to continue."
	if _, err := w.store.SaveMessage(ctx, SaveMessageParams{
		ChatID:  req.ChatID,
		Role:    "assistant",
		Content: prompt,
	}); err != nil {
		w.logger.Error("save workspace prompt", "chat_id", req.ChatID, "error", err)
	}
	w.sink.PublishContent(req.ChatID, EventCoderWorkspacePrompt, prompt)
	w.runner.setState(ctx, req.ChatID, StateThinking)

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case mode := <-ctrl.stop:
		w.logger.Info("workspace wait interrupted", "chat_id", req.ChatID, "mode", mode)
		w.runner.setState(ctx, req.ChatID, StateStatic)
		w.sink.PublishContent(req.ChatID, EventComplete, nil)
		return "", nil
	case ws := <-ctrl.ws:
		if err := w.store.SetChatWorkspace(ctx, req.ChatID, ws); err != nil {
			w.logger.Error("record workspace", "chat_id", req.ChatID, "error", err)
		}
		return ws, nil
	}
}
