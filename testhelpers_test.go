package atlas

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

func intPtr(n int) *int { return &n }

// memStore is the in-memory Store used across the package tests.
type memStore struct {
	mu         sync.Mutex
	chats      map[string]*Chat
	messages   map[string][]Message
	files      map[string]FileReference
	msgFiles   map[string][]string
	lineage    map[string][]MessageVersion
	msgOrig    map[string]string
	usage      []TokenUsage
	workspaces map[string]string

	failSaveMessage   bool
	failUpdateMessage bool
}

func newMemStore() *memStore {
	return &memStore{
		chats:      make(map[string]*Chat),
		messages:   make(map[string][]Message),
		files:      make(map[string]FileReference),
		msgFiles:   make(map[string][]string),
		lineage:    make(map[string][]MessageVersion),
		msgOrig:    make(map[string]string),
		workspaces: make(map[string]string),
	}
}

var _ Store = (*memStore)(nil)

func (m *memStore) Init(context.Context) error { return nil }

func (m *memStore) CreateChat(_ context.Context, chatID, systemPrompt string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chats[chatID]; ok {
		return false, nil
	}
	m.chats[chatID] = &Chat{
		ID: chatID, SystemPrompt: systemPrompt,
		State: StateStatic, CreatedAt: time.Now().Unix(),
	}
	return true, nil
}

func (m *memStore) CreateVersionChat(_ context.Context, chatID, name, systemPrompt, belongsTo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chats[chatID]; ok {
		return &ErrDuplicate{ChatID: chatID}
	}
	m.chats[chatID] = &Chat{
		ID: chatID, Name: name, SystemPrompt: systemPrompt,
		State: StateStatic, CreatedAt: time.Now().UnixNano(),
		IsVersion: true, BelongsTo: belongsTo,
	}
	return nil
}

func (m *memStore) GetChat(_ context.Context, chatID string) (Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return Chat{}, &ErrNotFound{Kind: "chat", ID: chatID}
	}
	return *c, nil
}

func (m *memStore) ListChats(context.Context) ([]Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Chat, 0, len(m.chats))
	for _, c := range m.chats {
		out = append(out, *c)
	}
	return out, nil
}

func (m *memStore) ListChildChats(_ context.Context, parentID string) ([]Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Chat
	for _, c := range m.chats {
		if c.BelongsTo == parentID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memStore) DeleteChat(_ context.Context, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chats, chatID)
	delete(m.messages, chatID)
	delete(m.workspaces, chatID)
	return nil
}

func (m *memStore) SaveMessage(_ context.Context, p SaveMessageParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaveMessage {
		return "", fmt.Errorf("save failed")
	}
	pos := len(m.messages[p.ChatID]) + 1
	msg := Message{
		ID:              MessageID(p.ChatID, pos),
		ChatID:          p.ChatID,
		Position:        pos,
		Role:            p.Role,
		Content:         p.Content,
		Thoughts:        p.Thoughts,
		Provider:        p.Provider,
		Model:           p.Model,
		RouterEnabled:   p.RouterEnabled,
		RouterDecision:  p.RouterDecision,
		AttachedFileIDs: p.AttachedFileIDs,
		Timestamp:       time.Now().UnixNano(),
	}
	m.messages[p.ChatID] = append(m.messages[p.ChatID], msg)
	return msg.ID, nil
}

func (m *memStore) UpdateMessage(_ context.Context, id, content, thoughts string, domainExecution json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdateMessage {
		return fmt.Errorf("update failed")
	}
	chatID := MessageChatID(id)
	for i, msg := range m.messages[chatID] {
		if msg.ID == id {
			m.messages[chatID][i].Content = content
			m.messages[chatID][i].Thoughts = thoughts
			if domainExecution != nil {
				m.messages[chatID][i].DomainExecution = domainExecution
			}
			return nil
		}
	}
	return &ErrNotFound{Kind: "message", ID: id}
}

func (m *memStore) CascadeDeleteMessage(_ context.Context, id, chatID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, err := MessagePosition(id)
	if err != nil {
		return 0, err
	}
	msgs := m.messages[chatID]
	kept := msgs[:0]
	removed := 0
	for _, msg := range msgs {
		if msg.Position >= pos {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	m.messages[chatID] = kept
	return removed, nil
}

func (m *memStore) GetChatHistory(_ context.Context, chatID string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages[chatID]))
	copy(out, m.messages[chatID])
	SortMessages(out)
	return out, nil
}

func (m *memStore) GetMessage(_ context.Context, id string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages[MessageChatID(id)] {
		if msg.ID == id {
			return msg, nil
		}
	}
	return Message{}, &ErrNotFound{Kind: "message", ID: id}
}

func (m *memStore) UpdateChatState(_ context.Context, chatID string, state ChatState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return &ErrNotFound{Kind: "chat", ID: chatID}
	}
	if !ValidTransition(c.State, state) {
		return &ErrBadTransition{ChatID: chatID, From: c.State, To: state}
	}
	c.State = state
	return nil
}

func (m *memStore) RecordLineage(_ context.Context, messageID string, v MessageVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lineage[v.OriginalMessageID] = append(m.lineage[v.OriginalMessageID], v)
	m.msgOrig[messageID] = v.OriginalMessageID
	return nil
}

func (m *memStore) GetLineageVersions(_ context.Context, originalMessageID string) ([]MessageVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MessageVersion, len(m.lineage[originalMessageID]))
	copy(out, m.lineage[originalMessageID])
	return out, nil
}

func (m *memStore) LineageOriginal(_ context.Context, messageID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.msgOrig[messageID], nil
}

func (m *memStore) SaveTokenUsage(_ context.Context, u TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, u)
	return nil
}

func (m *memStore) SaveFileRecord(_ context.Context, f FileReference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[f.ID] = f
	return nil
}

func (m *memStore) UpdateFileAPIInfo(_ context.Context, id string, state FileState, provider, apiFileName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return &ErrNotFound{Kind: "file", ID: id}
	}
	if !ValidFileTransition(f.APIState, state) {
		return fmt.Errorf("file %s: illegal transition %s -> %s", id, f.APIState, state)
	}
	f.APIState = state
	f.Provider = provider
	if apiFileName != "" {
		f.APIFileName = apiFileName
	}
	m.files[id] = f
	return nil
}

func (m *memStore) GetFileRecord(_ context.Context, id string) (FileReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return FileReference{}, &ErrNotFound{Kind: "file", ID: id}
	}
	return f, nil
}

func (m *memStore) GetMessageFiles(_ context.Context, messageID string) ([]FileReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FileReference
	for _, id := range m.msgFiles[messageID] {
		if f, ok := m.files[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *memStore) SetChatWorkspace(_ context.Context, chatID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workspaces[chatID] = path
	return nil
}

func (m *memStore) GetChatWorkspace(_ context.Context, chatID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workspaces[chatID], nil
}

func (m *memStore) Close() error { return nil }

// historyContent returns a chat's stored message contents in order.
func (m *memStore) historyContent(chatID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.messages[chatID]))
	for _, msg := range m.messages[chatID] {
		out = append(out, msg.Content)
	}
	return out
}

// providerAttempt scripts one GenerateStream call of fakeProvider.
type providerAttempt struct {
	chunks []StreamChunk
	usage  Usage
	err    error
	// delay between chunks, for stop/cancel tests.
	delay time.Duration
}

// fakeProvider plays back scripted attempts in order, repeating the last
// one when the script runs out.
type fakeProvider struct {
	name      string
	models    []string
	reasoning bool

	mu       sync.Mutex
	attempts []providerAttempt
	calls    int
}

var _ Provider = (*fakeProvider)(nil)

func (p *fakeProvider) Name() string              { return p.name }
func (p *fakeProvider) Available() bool           { return true }
func (p *fakeProvider) Models() []string          { return p.models }
func (p *fakeProvider) SupportsReasoning(string) bool { return p.reasoning }

func (p *fakeProvider) GenerateStream(ctx context.Context, _ GenerateRequest, ch chan<- StreamChunk) (Usage, error) {
	defer close(ch)
	p.mu.Lock()
	i := p.calls
	p.calls++
	if i >= len(p.attempts) {
		i = len(p.attempts) - 1
	}
	att := p.attempts[i]
	p.mu.Unlock()

	for _, c := range att.chunks {
		if att.delay > 0 {
			select {
			case <-ctx.Done():
				return att.usage, ctx.Err()
			case <-time.After(att.delay):
			}
		}
		select {
		case ch <- c:
		case <-ctx.Done():
			return att.usage, ctx.Err()
		}
	}
	return att.usage, att.err
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// drainEvents reads events from a subscriber until the channel idles.
func drainEvents(s *Subscriber, idle time.Duration) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-s.C:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(idle):
			return out
		}
	}
}

// waitForTerminal collects events until a complete or error event for the
// chat arrives, or the timeout expires.
func waitForTerminal(s *Subscriber, chatID string, timeout time.Duration) []Event {
	deadline := time.After(timeout)
	var out []Event
	for {
		select {
		case ev, ok := <-s.C:
			if !ok {
				return out
			}
			out = append(out, ev)
			if ev.ChatID == chatID && ev.Type.Terminal() {
				return out
			}
		case <-deadline:
			return out
		}
	}
}

// eventTypes projects the type sequence for one chat.
func eventTypes(events []Event, chatID string) []EventType {
	var out []EventType
	for _, ev := range events {
		if ev.ChatID == chatID {
			out = append(out, ev.Type)
		}
	}
	return out
}
