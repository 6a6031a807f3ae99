package atlas

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// testSpawner builds an in-process WorkerEngine per spawn, connected over
// a synchronous pipe, standing in for a child process.
type testSpawner struct {
	store      *memStore
	provider   *fakeProvider
	workerOpts []WorkerOption

	mu       sync.Mutex
	children []net.Conn
	spawns   int
}

func (s *testSpawner) spawn(context.Context) (io.ReadWriteCloser, error) {
	parent, child := net.Pipe()
	reg := NewRegistry()
	if s.provider != nil {
		reg.Register(s.provider)
	}
	we := NewWorkerEngine(child, s.store, reg, NewLimiter(NewConfigResolver()), s.workerOpts...)
	go we.Run(context.Background(), child)

	s.mu.Lock()
	s.children = append(s.children, child)
	s.spawns++
	s.mu.Unlock()
	return parent, nil
}

func (s *testSpawner) lastChild() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.children[len(s.children)-1]
}

func (s *testSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

func newTestPool(t *testing.T, st *memStore, prov *fakeProvider, workerOpts ...WorkerOption) (*Pool, *Bus, *testSpawner) {
	t.Helper()
	sp := &testSpawner{store: st, provider: prov, workerOpts: workerOpts}
	bus := NewBus()
	p := NewPool(sp.spawn, st, bus,
		WithPoolSize(1),
		WithWorkerInitTimeout(2*time.Second),
		WithSpawnRetryDelay(10*time.Millisecond, 100*time.Millisecond),
	)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	p.Start(ctx)
	t.Cleanup(p.Close)
	return p, bus, sp
}

func waitPoolIdle(t *testing.T, p *Pool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for p.BusyCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("pool never went idle")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPoolRunsTurnThroughWorker(t *testing.T) {
	st := newMemStore()
	seedChat(t, st, "c1", "hi")
	p, bus, _ := newTestPool(t, st, helloProvider())
	sub := bus.Subscribe()
	defer sub.Close()

	if err := p.Process(directRequest("c1", "hi")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	events := waitForTerminal(sub, "c1", 3*time.Second)
	types := eventTypes(events, "c1")
	if len(types) == 0 || types[len(types)-1] != EventComplete {
		t.Fatalf("events = %v", types)
	}

	// The child's frames are republished faithfully: state updates, the
	// message ids, streamed answer, then the terminal.
	var sawState, sawIDs, sawAnswer bool
	for _, ev := range events {
		switch ev.Type {
		case EventChatState:
			sawState = true
		case EventMessageIDs:
			// Frames round-trip through JSON, so content is a generic map.
			ids, ok := ev.Content.(map[string]any)
			sawIDs = ok && ids["assistant_message_id"] == MessageID("c1", 2)
		case EventAnswer:
			sawAnswer = true
		}
	}
	if !sawState || !sawIDs || !sawAnswer {
		t.Errorf("state=%v ids=%v answer=%v", sawState, sawIDs, sawAnswer)
	}

	waitPoolIdle(t, p)
	if got := st.historyContent("c1"); len(got) != 2 || got[1] != "hello" {
		t.Errorf("history = %v", got)
	}

	// The worker is recycled for the next turn.
	seedChat(t, st, "c2", "hi")
	if err := p.Process(directRequest("c2", "hi")); err != nil {
		t.Fatalf("second Process: %v", err)
	}
	waitForTerminal(sub, "c2", 3*time.Second)
	waitPoolIdle(t, p)
}

func TestPoolRejectsBusyChat(t *testing.T) {
	st := newMemStore()
	seedChat(t, st, "c1", "hi")
	p, bus, _ := newTestPool(t, st, slowProvider(200))
	sub := bus.Subscribe()
	defer sub.Close()

	if err := p.Process(directRequest("c1", "hi")); err != nil {
		t.Fatal(err)
	}
	var busy *ErrChatBusy
	if err := p.Process(directRequest("c1", "again")); !errors.As(err, &busy) {
		t.Errorf("busy chat: %v", err)
	}

	if !p.Stop("c1", StopCancel) {
		t.Error("Stop should reach the worker")
	}
	events := waitForTerminal(sub, "c1", 3*time.Second)
	types := eventTypes(events, "c1")
	if len(types) == 0 || types[len(types)-1] != EventComplete {
		t.Errorf("cancel events = %v", types)
	}
	waitPoolIdle(t, p)
	if p.Stop("c1", StopCancel) {
		t.Error("Stop after the turn must report false")
	}
}

func TestPoolGracefulStopPersistsPartial(t *testing.T) {
	st := newMemStore()
	seedChat(t, st, "c1", "hi")
	p, bus, _ := newTestPool(t, st, slowProvider(200))
	sub := bus.Subscribe()
	defer sub.Close()

	if err := p.Process(directRequest("c1", "hi")); err != nil {
		t.Fatal(err)
	}
	if _, ok := waitForEvent(sub, "c1", EventAnswer, 3*time.Second); !ok {
		t.Fatal("no answer streamed")
	}
	p.Stop("c1", StopGraceful)
	waitForTerminal(sub, "c1", 3*time.Second)
	waitPoolIdle(t, p)

	if got := st.historyContent("c1"); len(got) != 2 || got[1] == "" {
		t.Errorf("partial content = %v", got)
	}
}

func TestPoolWorkerCrashCleansUp(t *testing.T) {
	st := newMemStore()
	seedChat(t, st, "c1", "hi")
	p, bus, sp := newTestPool(t, st, slowProvider(500))
	sub := bus.Subscribe()
	defer sub.Close()

	if err := p.Process(directRequest("c1", "hi")); err != nil {
		t.Fatal(err)
	}
	if _, ok := waitForEvent(sub, "c1", EventAnswer, 3*time.Second); !ok {
		t.Fatal("no answer streamed")
	}

	// Kill the child mid-turn.
	sp.lastChild().Close()

	events := waitForTerminal(sub, "c1", 3*time.Second)
	var terminal Event
	for _, ev := range events {
		if ev.ChatID == "c1" && ev.Type.Terminal() {
			terminal = ev
		}
	}
	if terminal.Type != EventError {
		t.Fatalf("terminal = %+v", terminal)
	}
	if terminal.Content != "worker process terminated unexpectedly" {
		t.Errorf("error content = %v", terminal.Content)
	}

	waitPoolIdle(t, p)
	// The dangling placeholder is gone and the chat is static again.
	if got := st.historyContent("c1"); len(got) != 1 {
		t.Errorf("history after crash = %v", got)
	}
	chat, _ := st.GetChat(context.Background(), "c1")
	if chat.State != StateStatic {
		t.Errorf("state = %s", chat.State)
	}

	// A replacement worker comes up and takes the next turn.
	seedChat(t, st, "c2", "hi")
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := p.Process(directRequest("c2", "hi")); err == nil {
			break
		} else if time.Now().After(deadline) {
			t.Fatalf("no replacement worker: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if sp.spawnCount() < 2 {
		t.Errorf("spawns = %d, want respawn", sp.spawnCount())
	}
	p.Stop("c2", StopCancel)
	waitForTerminal(sub, "c2", 3*time.Second)
	waitPoolIdle(t, p)
}

func TestPoolDomainDecisionAndWorkspace(t *testing.T) {
	st := newMemStore()
	seedChat(t, st, "c1", "refactor this")
	var gotWorkspace string
	dom := &fakeDomain{
		name:    "coder",
		needsWS: true,
		execute: func(_ context.Context, task DomainTask, _ func(DomainEvent)) (DomainResult, error) {
			gotWorkspace = task.Workspace
			return DomainResult{Status: DomainWaitingUser, SessionID: "s1"}, nil
		},
		resume: func(_ context.Context, sessionID string, decision ToolDecision, _ func(DomainEvent)) (DomainResult, error) {
			if sessionID != "s1" || decision.Decision != "approve" {
				t.Errorf("resume args: %q %+v", sessionID, decision)
			}
			return DomainResult{Status: DomainCompleted, Text: "refactored"}, nil
		},
	}
	p, bus, _ := newTestPool(t, st, nil, WithWorkerDomainExecutor(dom))
	sub := bus.Subscribe()
	defer sub.Close()

	if err := p.Process(coderRequest("c1", "refactor this")); err != nil {
		t.Fatal(err)
	}

	// No workspace bound: the worker parks and prompts.
	if _, ok := waitForEvent(sub, "c1", EventCoderWorkspacePrompt, 3*time.Second); !ok {
		t.Fatal("no workspace prompt")
	}
	if err := p.WorkspaceSelected("c1", "/srv/repo"); err != nil {
		t.Fatalf("WorkspaceSelected: %v", err)
	}

	// The execution parks again on the tool approval.
	ev, ok := waitForEvent(sub, "c1", EventDomainExecution, 3*time.Second)
	if !ok || ev.Content != string(DomainWaitingUser) {
		t.Fatalf("waiting_user event: %+v", ev)
	}
	if err := p.SendToolDecision("c1", ToolDecision{Decision: "approve"}); err != nil {
		t.Fatalf("SendToolDecision: %v", err)
	}

	events := waitForTerminal(sub, "c1", 3*time.Second)
	types := eventTypes(events, "c1")
	if len(types) == 0 || types[len(types)-1] != EventComplete {
		t.Fatalf("events = %v", types)
	}
	waitPoolIdle(t, p)

	if gotWorkspace != "/srv/repo" {
		t.Errorf("workspace = %q", gotWorkspace)
	}
	ws, _ := st.GetChatWorkspace(context.Background(), "c1")
	if ws != "/srv/repo" {
		t.Errorf("persisted workspace = %q", ws)
	}
	got := st.historyContent("c1")
	if got[len(got)-1] != "refactored" {
		t.Errorf("history = %v", got)
	}

	// No session anymore: decisions have no destination.
	var nf *ErrNotFound
	if err := p.SendToolDecision("c1", ToolDecision{Decision: "approve"}); !errors.As(err, &nf) {
		t.Errorf("late decision: %v", err)
	}
}
