package atlas

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newTestDispatcher(st *memStore, prov *fakeProvider, opts ...DispatcherOption) (*Dispatcher, *Engine, *Bus) {
	bus := NewBus()
	reg := NewRegistry()
	if prov != nil {
		reg.Register(prov)
	}
	lim := NewLimiter(NewConfigResolver())
	e := NewEngine(st, bus, lim, reg)
	e.runner.retryBase = time.Millisecond
	opts = append([]DispatcherOption{WithEngine(e)}, opts...)
	return NewDispatcher(st, bus, lim, reg, opts...), e, bus
}

func helloProvider() *fakeProvider {
	return &fakeProvider{name: "fake", models: []string{"m1"}, attempts: []providerAttempt{{
		chunks: []StreamChunk{{Type: ChunkAnswer, Text: "hello"}},
		usage:  Usage{InputTokens: 2, OutputTokens: 1},
	}}}
}

func TestDispatcherStartTurnEndToEnd(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	d, e, bus := newTestDispatcher(st, helloProvider(),
		WithRouter(StaticRouter{Provider: "fake", Model: "m1"}))
	sub := bus.Subscribe()
	defer sub.Close()

	err := d.StartTurn(ctx, TurnRequest{ChatID: "c1", Message: "hi", SystemPrompt: "be brief"})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	events := waitForTerminal(sub, "c1", 2*time.Second)
	types := eventTypes(events, "c1")
	if len(types) == 0 || types[len(types)-1] != EventComplete {
		t.Fatalf("events = %v", types)
	}
	if types[0] != EventRouterDecision {
		t.Errorf("router decision must precede execution: %v", types)
	}
	waitIdle(t, e, "c1")

	// Chat was created with the system prompt; the user message carries
	// the persisted routing decision.
	chat, err := st.GetChat(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if chat.SystemPrompt != "be brief" {
		t.Errorf("system prompt = %q", chat.SystemPrompt)
	}
	st.mu.Lock()
	user := st.messages["c1"][0]
	st.mu.Unlock()
	if user.Role != "user" || user.Content != "hi" || !user.RouterEnabled {
		t.Errorf("user message = %+v", user)
	}
	var dec RouterDecision
	if err := json.Unmarshal(user.RouterDecision, &dec); err != nil || dec.Provider != "fake" {
		t.Errorf("stored decision = %s (%v)", user.RouterDecision, err)
	}
	if got := st.historyContent("c1"); len(got) != 2 || got[1] != "hello" {
		t.Errorf("history = %v", got)
	}
}

func TestDispatcherRequiresChatID(t *testing.T) {
	d, _, _ := newTestDispatcher(newMemStore(), helloProvider())
	if err := d.StartTurn(context.Background(), TurnRequest{Message: "hi"}); err == nil {
		t.Fatal("expected error for missing chat id")
	}
}

func TestDispatcherDedup(t *testing.T) {
	st := newMemStore()
	d, e, _ := newTestDispatcher(st, slowProvider(100))
	base := time.Now()
	d.now = func() time.Time { return base }

	req := TurnRequest{ChatID: "c1", Message: "same", Provider: "fake", Model: "m1"}
	if err := d.StartTurn(context.Background(), req); err != nil {
		t.Fatalf("first: %v", err)
	}
	var dup *ErrDuplicate
	if err := d.StartTurn(context.Background(), req); !errors.As(err, &dup) {
		t.Errorf("second within window: %v", err)
	}
	// A different message in the same chat is not a duplicate, but the
	// chat is busy.
	var busy *ErrChatBusy
	if err := d.StartTurn(context.Background(), TurnRequest{ChatID: "c1", Message: "other", Provider: "fake", Model: "m1"}); !errors.As(err, &busy) {
		t.Errorf("different message: %v", err)
	}

	e.Stop("c1", StopCancel)
	waitIdle(t, e, "c1")

	// Past the window the same text goes through again.
	d.now = func() time.Time { return base.Add(2 * time.Second) }
	if err := d.StartTurn(context.Background(), req); err != nil {
		t.Errorf("after window: %v", err)
	}
	e.Stop("c1", StopCancel)
	waitIdle(t, e, "c1")
}

func TestDispatcherRetryBypassesDedup(t *testing.T) {
	st := newMemStore()
	d, e, bus := newTestDispatcher(st, helloProvider())
	sub := bus.Subscribe()
	defer sub.Close()

	req := TurnRequest{ChatID: "c1", Message: "again", Provider: "fake", Model: "m1"}
	if err := d.StartTurn(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	waitForTerminal(sub, "c1", 2*time.Second)
	waitIdle(t, e, "c1")

	req.IsRetry = true
	if err := d.StartTurn(context.Background(), req); err != nil {
		t.Errorf("retry within window: %v", err)
	}
	waitForTerminal(sub, "c1", 2*time.Second)
	waitIdle(t, e, "c1")
}

func TestDispatcherEditRegenerationSkipsUserSave(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	d, e, bus := newTestDispatcher(st, helloProvider())
	sub := bus.Subscribe()
	defer sub.Close()

	// The versioning layer already persisted the edited user message.
	seedChat(t, st, "branch", "edited question")
	editedID := MessageID("branch", 1)

	err := d.StartTurn(ctx, TurnRequest{
		ChatID:             "branch",
		Message:            "edited question",
		Provider:           "fake",
		Model:              "m1",
		IsEditRegeneration: true,
		ExistingMessageID:  editedID,
	})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	events := waitForTerminal(sub, "branch", 2*time.Second)
	waitIdle(t, e, "branch")

	// No second user row: edited question then the streamed answer.
	if got := st.historyContent("branch"); len(got) != 2 || got[0] != "edited question" || got[1] != "hello" {
		t.Errorf("history = %v", got)
	}
	for _, ev := range events {
		if ev.Type == EventMessageIDs {
			if ids := ev.Content.(MessageIDs); ids.UserMessageID != editedID {
				t.Errorf("user message id = %q, want %q", ids.UserMessageID, editedID)
			}
		}
	}
}

func TestDispatcherDefaultModel(t *testing.T) {
	st := newMemStore()
	d, e, bus := newTestDispatcher(st, helloProvider(), WithDefaultModel("fake", "m1"))
	sub := bus.Subscribe()
	defer sub.Close()

	if err := d.StartTurn(context.Background(), TurnRequest{ChatID: "c1", Message: "hi"}); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	events := waitForTerminal(sub, "c1", 2*time.Second)
	types := eventTypes(events, "c1")
	if len(types) == 0 || types[len(types)-1] != EventComplete {
		t.Errorf("events = %v", types)
	}
	waitIdle(t, e, "c1")
	st.mu.Lock()
	assistant := st.messages["c1"][1]
	st.mu.Unlock()
	if assistant.Provider != "fake" || assistant.Model != "m1" {
		t.Errorf("assistant message = %+v", assistant)
	}
}

func TestDispatcherEstimateTokens(t *testing.T) {
	st := newMemStore()
	d, _, _ := newTestDispatcher(st, helloProvider())

	history := []Message{{Content: "12345678"}, {Content: "1234"}}
	// (8 + 4 + 8) / 4 with no native counter.
	if got := d.estimateTokens("fake", "m1", history, "abcdefgh"); got != 5 {
		t.Errorf("estimate = %d, want 5", got)
	}
	if got := d.estimateTokens("unknown", "m1", nil, "abc"); got != 0 {
		t.Errorf("short estimate = %d, want 0", got)
	}
}

func TestDispatcherReservationFailureContinues(t *testing.T) {
	st := newMemStore()
	bus := NewBus()
	reg := NewRegistry()
	reg.Register(helloProvider())

	// A zero request budget denies every reservation.
	resolver := NewConfigResolver()
	resolver.SetGlobal(RateLimitConfig{RequestsPerMinute: intPtr(0)})
	lim := NewLimiter(resolver, WithReserveTimeout(10*time.Millisecond))
	e := NewEngine(st, bus, lim, reg)
	d := NewDispatcher(st, bus, lim, reg, WithEngine(e))
	sub := bus.Subscribe()
	defer sub.Close()

	if err := d.StartTurn(context.Background(), TurnRequest{ChatID: "c1", Message: "hi", Provider: "fake", Model: "m1"}); err != nil {
		t.Fatalf("reservation denial must not block the turn: %v", err)
	}
	events := waitForTerminal(sub, "c1", 2*time.Second)
	types := eventTypes(events, "c1")
	if len(types) == 0 || types[len(types)-1] != EventComplete {
		t.Errorf("events = %v", types)
	}
	waitIdle(t, e, "c1")
}

func TestDispatcherStopWithoutEngines(t *testing.T) {
	d := NewDispatcher(newMemStore(), NewBus(), NewLimiter(NewConfigResolver()), NewRegistry())
	if d.Stop("c1", StopGraceful) {
		t.Error("Stop with no engines must report false")
	}
	if err := d.StartTurn(context.Background(), TurnRequest{ChatID: "c1", Message: "hi"}); err == nil {
		t.Error("StartTurn with no engines must fail")
	}
}

func TestDispatcherToolDecisionFallback(t *testing.T) {
	// No engine, no pool: decisions have nowhere to go and are absorbed.
	d := NewDispatcher(newMemStore(), NewBus(), NewLimiter(NewConfigResolver()), NewRegistry())
	status, err := d.HandleToolDecision("c1", ToolDecision{Decision: "approve"})
	if err != nil || status != DecisionStale {
		t.Errorf("status = %v, err = %v", status, err)
	}
}
