package atlas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Pool defaults, overridable through options.
const (
	defaultPoolSize           = 2
	defaultMaxParallelSpawn   = 2
	defaultSpawnRetryDelay    = time.Second
	defaultSpawnRetryDelayMax = 30 * time.Second
	defaultWorkerInitTimeout  = 40 * time.Second
	defaultSlowStartThreshold = 10 * time.Second
)

// SpawnFunc starts one worker process and returns its duplex pipe. The
// pool owns the pipe; closing it must terminate the child.
type SpawnFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// poolWorker is one live child process.
type poolWorker struct {
	id   int
	conn io.ReadWriteCloser

	// wmu serializes command frames onto the pipe.
	wmu sync.Mutex
}

func (w *poolWorker) send(cmd WorkerCommand) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return WriteFrame(w.conn, cmd)
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolSize sets the number of long-lived workers.
func WithPoolSize(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

// WithMaxParallelSpawn caps concurrent worker spawns during warmup.
func WithMaxParallelSpawn(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.maxParallelSpawn = n
		}
	}
}

// WithSpawnRetryDelay sets the initial and maximum spawn retry backoff.
func WithSpawnRetryDelay(initial, max time.Duration) PoolOption {
	return func(p *Pool) {
		if initial > 0 {
			p.spawnRetryDelay = initial
		}
		if max > 0 {
			p.spawnRetryDelayMax = max
		}
	}
}

// WithWorkerInitTimeout bounds both the child's ready handshake and
// Acquire's wait for a free worker.
func WithWorkerInitTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.initTimeout = d
		}
	}
}

// WithPoolLogger sets the pool's logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// Pool maintains a fixed set of long-lived worker subprocesses, each
// running at most one chat turn at a time over a framed stdio pipe.
type Pool struct {
	spawn SpawnFunc
	store Store
	bus   *Bus

	size               int
	maxParallelSpawn   int
	spawnRetryDelay    time.Duration
	spawnRetryDelayMax time.Duration
	initTimeout        time.Duration
	slowStartThreshold time.Duration
	logger             *slog.Logger

	free chan *poolWorker

	mu     sync.Mutex
	busy   map[string]*poolWorker // chat id → worker mid-turn
	closed bool
	nextID int

	wg sync.WaitGroup
}

// NewPool constructs a pool over the given spawner. The store and bus are
// used to clean up and report on worker crashes.
func NewPool(spawn SpawnFunc, store Store, bus *Bus, opts ...PoolOption) *Pool {
	p := &Pool{
		spawn:              spawn,
		store:              store,
		bus:                bus,
		size:               defaultPoolSize,
		maxParallelSpawn:   defaultMaxParallelSpawn,
		spawnRetryDelay:    defaultSpawnRetryDelay,
		spawnRetryDelayMax: defaultSpawnRetryDelayMax,
		initTimeout:        defaultWorkerInitTimeout,
		slowStartThreshold: defaultSlowStartThreshold,
		logger:             nopLogger,
		busy:               make(map[string]*poolWorker),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.free = make(chan *poolWorker, p.size)
	return p
}

// Start warms the pool up to its configured size, spawning at most
// maxParallelSpawn workers concurrently. Spawn failures retry with
// exponential backoff in the background; slow starts are logged, never
// fatal.
func (p *Pool) Start(ctx context.Context) {
	began := time.Now()
	sem := make(chan struct{}, p.maxParallelSpawn)
	var warm sync.WaitGroup
	for i := 0; i < p.size; i++ {
		warm.Add(1)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer warm.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			p.spawnWithRetry(ctx)
		}()
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		warm.Wait()
		if d := time.Since(began); d > p.slowStartThreshold {
			p.logger.Warn("worker pool slow start", "elapsed", d, "size", p.size)
		} else {
			p.logger.Info("worker pool ready", "elapsed", time.Since(began), "size", p.size)
		}
	}()
}

// spawnWithRetry spawns one worker, retrying with exponential backoff
// until it succeeds or the context ends.
func (p *Pool) spawnWithRetry(ctx context.Context) {
	delay := p.spawnRetryDelay
	for {
		w, err := p.spawnOne(ctx)
		if err == nil {
			p.free <- w
			return
		}
		if ctx.Err() != nil || p.isClosed() {
			return
		}
		p.logger.Warn("worker spawn failed, retrying", "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.spawnRetryDelayMax {
			delay = p.spawnRetryDelayMax
		}
	}
}

// spawnOne starts a child and waits for its ready handshake.
func (p *Pool) spawnOne(ctx context.Context) (*poolWorker, error) {
	conn, err := p.spawn(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.nextID++
	w := &poolWorker{id: p.nextID, conn: conn}
	p.mu.Unlock()

	type readyOut struct {
		ev  WorkerEvent
		err error
	}
	ch := make(chan readyOut, 1)
	go func() {
		var ev WorkerEvent
		err := ReadFrame(conn, &ev)
		ch <- readyOut{ev, err}
	}()
	select {
	case out := <-ch:
		if out.err != nil {
			conn.Close()
			return nil, fmt.Errorf("worker %d handshake: %w", w.id, out.err)
		}
		if out.ev.Type != WorkerReady || !out.ev.Success {
			conn.Close()
			return nil, fmt.Errorf("worker %d refused: %s", w.id, out.ev.Error)
		}
		return w, nil
	case <-time.After(p.initTimeout):
		conn.Close()
		return nil, fmt.Errorf("worker %d init timeout after %s", w.id, p.initTimeout)
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Process acquires a free worker for the chat and runs the turn on it.
// The call returns once the turn is underway; events flow onto the bus
// from the worker's read loop. ErrChatBusy is returned if the chat is
// already running in the pool.
func (p *Pool) Process(req TurnRequest) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("pool: closed")
	}
	if _, busy := p.busy[req.ChatID]; busy {
		p.mu.Unlock()
		return &ErrChatBusy{ChatID: req.ChatID}
	}
	p.mu.Unlock()

	var w *poolWorker
	select {
	case w = <-p.free:
	case <-time.After(p.initTimeout):
		return fmt.Errorf("pool: no worker free within %s", p.initTimeout)
	}

	p.mu.Lock()
	if _, busy := p.busy[req.ChatID]; busy {
		p.mu.Unlock()
		p.free <- w
		return &ErrChatBusy{ChatID: req.ChatID}
	}
	p.busy[req.ChatID] = w
	p.mu.Unlock()

	if err := w.send(WorkerCommand{Command: CmdProcess, Request: &req}); err != nil {
		p.dropWorker(req.ChatID, w)
		return fmt.Errorf("pool: send process: %w", err)
	}

	p.bus.OpenChatQueue(req.ChatID)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.readTurn(req.ChatID, w)
	}()
	return nil
}

// readTurn relays the worker's frames onto the bus until the terminal
// frame, then recycles the worker. A broken pipe mid-turn synthesizes the
// error path: delete the placeholder, reset state, publish error, respawn.
func (p *Pool) readTurn(chatID string, w *poolWorker) {
	defer p.bus.CloseChatQueue(chatID)
	assistantID := ""
	for {
		var ev WorkerEvent
		if err := ReadFrame(w.conn, &ev); err != nil {
			p.logger.Error("worker pipe broken", "worker", w.id, "chat_id", chatID, "error", err)
			p.failTurn(chatID, assistantID)
			p.dropWorker(chatID, w)
			return
		}
		switch ev.Type {
		case WorkerStateUpdate:
			p.bus.PublishState(chatID, ev.State)
		case WorkerContent, WorkerRouterChoice:
			if ev.Event != nil {
				if ev.Event.Type == EventMessageIDs {
					if ids, ok := ev.Event.Content.(map[string]any); ok {
						if s, ok := ids["assistant_message_id"].(string); ok {
							assistantID = s
						}
					}
				}
				p.bus.Publish(*ev.Event)
			}
		case WorkerTerminal:
			if !ev.Success && ev.Error != "" {
				p.logger.Warn("worker turn ended with error",
					"worker", w.id, "chat_id", chatID, "error", ev.Error)
			}
			p.release(chatID, w)
			return
		default:
			p.logger.Warn("unknown worker frame", "worker", w.id, "type", ev.Type)
		}
	}
}

// failTurn applies the crash contract: remove the dangling placeholder,
// reset the chat to static, and surface an error event.
func (p *Pool) failTurn(chatID, assistantID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if assistantID != "" {
		if _, err := p.store.CascadeDeleteMessage(ctx, assistantID, chatID); err != nil {
			p.logger.Error("delete crashed placeholder", "message_id", assistantID, "error", err)
		}
	}
	if err := p.store.UpdateChatState(ctx, chatID, StateStatic); err != nil {
		p.logger.Error("reset chat state", "chat_id", chatID, "error", err)
	}
	p.bus.PublishState(chatID, StateStatic)
	p.bus.WaitForQueueDrain(ctx, chatID, drainTimeout, drainIdleGrace)
	p.bus.PublishContent(chatID, EventError, "worker process terminated unexpectedly")
}

// release returns a healthy worker to the free list.
func (p *Pool) release(chatID string, w *poolWorker) {
	p.mu.Lock()
	delete(p.busy, chatID)
	closed := p.closed
	p.mu.Unlock()
	if closed {
		w.conn.Close()
		return
	}
	p.free <- w
}

// dropWorker discards a broken worker and spawns a replacement.
func (p *Pool) dropWorker(chatID string, w *poolWorker) {
	w.conn.Close()
	p.mu.Lock()
	delete(p.busy, chatID)
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.spawnWithRetry(context.Background())
	}()
}

// Stop forwards a stop or cancel to the chat's worker. Returns false when
// the chat is not running in the pool.
func (p *Pool) Stop(chatID string, mode StopMode) bool {
	p.mu.Lock()
	w := p.busy[chatID]
	p.mu.Unlock()
	if w == nil {
		return false
	}
	cmd := CmdStop
	if mode == StopCancel {
		cmd = CmdCancel
	}
	if err := w.send(WorkerCommand{Command: cmd, ChatID: chatID}); err != nil {
		p.logger.Error("send stop", "worker", w.id, "chat_id", chatID, "error", err)
		return false
	}
	return true
}

// SendToolDecision forwards a tool-approval decision to the chat's worker.
func (p *Pool) SendToolDecision(chatID string, decision ToolDecision) error {
	p.mu.Lock()
	w := p.busy[chatID]
	p.mu.Unlock()
	if w == nil {
		return &ErrNotFound{Kind: "worker session", ID: chatID}
	}
	return w.send(WorkerCommand{Command: CmdToolDecision, ChatID: chatID, Decision: &decision})
}

// WorkspaceSelected unblocks a worker parked on workspace selection.
func (p *Pool) WorkspaceSelected(chatID, path string) error {
	p.mu.Lock()
	w := p.busy[chatID]
	p.mu.Unlock()
	if w == nil {
		return &ErrNotFound{Kind: "worker session", ID: chatID}
	}
	return w.send(WorkerCommand{Command: CmdWorkspaceSelected, ChatID: chatID, Workspace: path})
}

// BusyCount returns the number of chats currently running in workers.
func (p *Pool) BusyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.busy)
}

// Close terminates all workers. In-flight turns end with broken pipes on
// the child side; callers should drain active chats first.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	busy := make([]*poolWorker, 0, len(p.busy))
	for _, w := range p.busy {
		busy = append(busy, w)
	}
	p.mu.Unlock()

	for {
		select {
		case w := <-p.free:
			w.conn.Close()
		default:
			for _, w := range busy {
				w.conn.Close()
			}
			return
		}
	}
}
