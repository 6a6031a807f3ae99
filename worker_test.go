package atlas

import (
	"context"
	"net"
	"testing"
	"time"
)

// startWorker runs a WorkerEngine over a synchronous pipe and returns the
// parent's end after consuming the ready handshake.
func startWorker(t *testing.T, st *memStore, prov *fakeProvider, opts ...WorkerOption) net.Conn {
	t.Helper()
	parent, child := net.Pipe()
	reg := NewRegistry()
	if prov != nil {
		reg.Register(prov)
	}
	we := NewWorkerEngine(child, st, reg, NewLimiter(NewConfigResolver()), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(func() { parent.Close() })
	go we.Run(ctx, child)

	var ready WorkerEvent
	if err := ReadFrame(parent, &ready); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if ready.Type != WorkerReady || !ready.Success {
		t.Fatalf("handshake = %+v", ready)
	}
	return parent
}

// readUntilTerminal collects child frames until a terminal for the chat.
func readUntilTerminal(t *testing.T, conn net.Conn, chatID string) []WorkerEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	var out []WorkerEvent
	for {
		var ev WorkerEvent
		if err := ReadFrame(conn, &ev); err != nil {
			t.Fatalf("read frame: %v (got %d frames)", err, len(out))
		}
		out = append(out, ev)
		if ev.Type == WorkerTerminal && ev.ChatID == chatID {
			return out
		}
	}
}

func TestWorkerRunsTurn(t *testing.T) {
	st := newMemStore()
	seedChat(t, st, "c1", "hi")
	conn := startWorker(t, st, helloProvider())

	req := directRequest("c1", "hi")
	if err := WriteFrame(conn, WorkerCommand{Command: CmdProcess, Request: &req}); err != nil {
		t.Fatal(err)
	}
	frames := readUntilTerminal(t, conn, "c1")

	last := frames[len(frames)-1]
	if !last.Success {
		t.Errorf("terminal = %+v", last)
	}
	var sawState, sawComplete bool
	for _, fr := range frames {
		if fr.Type == WorkerStateUpdate && fr.State == StateResponding {
			sawState = true
		}
		if fr.Type == WorkerContent && fr.Event != nil && fr.Event.Type == EventComplete {
			sawComplete = true
		}
	}
	if !sawState || !sawComplete {
		t.Errorf("state=%v complete=%v", sawState, sawComplete)
	}
	if got := st.historyContent("c1"); len(got) != 2 || got[1] != "hello" {
		t.Errorf("history = %v", got)
	}
}

func TestWorkerRejectsProcessWhileBusy(t *testing.T) {
	st := newMemStore()
	seedChat(t, st, "c1", "hi")
	seedChat(t, st, "c2", "hi")
	conn := startWorker(t, st, slowProvider(200))

	req1 := directRequest("c1", "hi")
	if err := WriteFrame(conn, WorkerCommand{Command: CmdProcess, Request: &req1}); err != nil {
		t.Fatal(err)
	}
	req2 := directRequest("c2", "hi")
	if err := WriteFrame(conn, WorkerCommand{Command: CmdProcess, Request: &req2, ChatID: "c2"}); err != nil {
		t.Fatal(err)
	}

	// The second process is refused with its own terminal while the first
	// keeps streaming.
	frames := readUntilTerminal(t, conn, "c2")
	last := frames[len(frames)-1]
	if last.Success || last.Error != "worker busy" {
		t.Errorf("busy terminal = %+v", last)
	}

	if err := WriteFrame(conn, WorkerCommand{Command: CmdCancel, ChatID: "c1"}); err != nil {
		t.Fatal(err)
	}
	frames = readUntilTerminal(t, conn, "c1")
	if !frames[len(frames)-1].Success {
		t.Errorf("cancelled turn terminal = %+v", frames[len(frames)-1])
	}
	if got := st.historyContent("c1"); len(got) != 2 || got[1] != "" {
		t.Errorf("cancel must leave an empty placeholder: %v", got)
	}
}

func TestWorkerStopPersistsPartial(t *testing.T) {
	st := newMemStore()
	seedChat(t, st, "c1", "hi")
	conn := startWorker(t, st, slowProvider(200))

	req := directRequest("c1", "hi")
	if err := WriteFrame(conn, WorkerCommand{Command: CmdProcess, Request: &req}); err != nil {
		t.Fatal(err)
	}

	// Wait for streamed content before stopping.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev WorkerEvent
		if err := ReadFrame(conn, &ev); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if ev.Type == WorkerContent && ev.Event != nil && ev.Event.Type == EventAnswer {
			break
		}
	}
	conn.SetReadDeadline(time.Time{})

	if err := WriteFrame(conn, WorkerCommand{Command: CmdStop, ChatID: "c1"}); err != nil {
		t.Fatal(err)
	}
	frames := readUntilTerminal(t, conn, "c1")
	if !frames[len(frames)-1].Success {
		t.Errorf("terminal = %+v", frames[len(frames)-1])
	}
	if got := st.historyContent("c1"); len(got) != 2 || got[1] == "" {
		t.Errorf("partial content missing: %v", got)
	}
}

func TestWorkerDomainCancelWhileWaiting(t *testing.T) {
	st := newMemStore()
	seedChat(t, st, "c1", "build it")
	dom := &fakeDomain{
		name: "coder",
		execute: func(ctx context.Context, task DomainTask, emit func(DomainEvent)) (DomainResult, error) {
			return DomainResult{Status: DomainWaitingUser, SessionID: "s1"}, nil
		},
	}
	conn := startWorker(t, st, nil, WithWorkerDomainExecutor(dom))

	req := coderRequest("c1", "build it")
	if err := WriteFrame(conn, WorkerCommand{Command: CmdProcess, Request: &req}); err != nil {
		t.Fatal(err)
	}

	// Wait for the parked waiting_user announcement, then cancel.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev WorkerEvent
		if err := ReadFrame(conn, &ev); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if ev.Type == WorkerContent && ev.Event != nil &&
			ev.Event.Type == EventDomainExecution && ev.Event.Content == string(DomainWaitingUser) {
			break
		}
	}
	conn.SetReadDeadline(time.Time{})

	if err := WriteFrame(conn, WorkerCommand{Command: CmdCancel, ChatID: "c1"}); err != nil {
		t.Fatal(err)
	}
	frames := readUntilTerminal(t, conn, "c1")
	last := frames[len(frames)-1]
	if last.Success {
		t.Errorf("terminal = %+v, want failure", last)
	}
	var sawError bool
	for _, fr := range frames {
		if fr.Type == WorkerContent && fr.Event != nil && fr.Event.Type == EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("cancelled turn published no error event")
	}
	if got := st.historyContent("c1"); len(got) != 1 {
		t.Errorf("placeholder should be removed on cancel: %v", got)
	}
}

func TestWorkerAcceptsProcessAfterTurnEnds(t *testing.T) {
	st := newMemStore()
	seedChat(t, st, "c1", "hi")
	seedChat(t, st, "c2", "hi")
	conn := startWorker(t, st, helloProvider())

	req1 := directRequest("c1", "hi")
	if err := WriteFrame(conn, WorkerCommand{Command: CmdProcess, Request: &req1}); err != nil {
		t.Fatal(err)
	}
	frames := readUntilTerminal(t, conn, "c1")
	if !frames[len(frames)-1].Success {
		t.Fatalf("first terminal = %+v", frames[len(frames)-1])
	}
	time.Sleep(10 * time.Millisecond)

	// The previous turn just finished; the next process must not be
	// refused as busy.
	req2 := directRequest("c2", "hi")
	if err := WriteFrame(conn, WorkerCommand{Command: CmdProcess, Request: &req2, ChatID: "c2"}); err != nil {
		t.Fatal(err)
	}
	frames = readUntilTerminal(t, conn, "c2")
	last := frames[len(frames)-1]
	if !last.Success {
		t.Errorf("second terminal = %+v, want success", last)
	}
}
