package atlas

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// terminalScrollback is the per-session output ring capacity in bytes.
const terminalScrollback = 64 << 10

// TerminalSession is one live shell bound to a chat's workspace.
type TerminalSession struct {
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	Workspace string `json:"workspace,omitempty"`
	Running   bool   `json:"running"`

	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu      sync.Mutex
	ring    []byte
	subs    map[chan []byte]struct{}
	running bool

	cols, rows int
}

// TerminalManager owns persistent shell sessions: creation, input
// forwarding, scrollback, and live output subscription for SSE streaming.
type TerminalManager struct {
	shell     string
	logger    *slog.Logger
	mu        sync.Mutex
	sessions  map[string]*TerminalSession
	workspace func(ctx context.Context, chatID string) (string, error)
}

// TerminalOption configures a TerminalManager.
type TerminalOption func(*TerminalManager)

// WithTerminalLogger sets the manager's logger.
func WithTerminalLogger(l *slog.Logger) TerminalOption {
	return func(m *TerminalManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithShell overrides the shell binary (default /bin/bash).
func WithShell(path string) TerminalOption {
	return func(m *TerminalManager) {
		if path != "" {
			m.shell = path
		}
	}
}

// NewTerminalManager constructs a manager. workspace resolves a chat's
// working directory; it may be nil, in which case sessions start in the
// process working directory.
func NewTerminalManager(workspace func(ctx context.Context, chatID string) (string, error), opts ...TerminalOption) *TerminalManager {
	m := &TerminalManager{
		shell:     "/bin/bash",
		logger:    nopLogger,
		sessions:  make(map[string]*TerminalSession),
		workspace: workspace,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create starts a new shell session for the chat and returns its id.
func (m *TerminalManager) Create(ctx context.Context, chatID string) (string, error) {
	dir := ""
	if m.workspace != nil {
		ws, err := m.workspace(ctx, chatID)
		if err != nil {
			m.logger.Warn("workspace lookup failed", "chat_id", chatID, "error", err)
		} else {
			dir = ws
		}
	}

	cmd := exec.Command(m.shell)
	cmd.Dir = dir
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start shell: %w", err)
	}

	s := &TerminalSession{
		ID:        NewID(),
		ChatID:    chatID,
		Workspace: dir,
		cmd:       cmd,
		stdin:     stdin,
		subs:      make(map[chan []byte]struct{}),
		running:   true,
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	go m.readOutput(s, stdout)
	m.logger.Info("terminal session created", "session_id", s.ID, "chat_id", chatID, "dir", dir)
	return s.ID, nil
}

// readOutput pumps shell output into the ring and live subscribers.
func (m *TerminalManager) readOutput(s *TerminalSession, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.mu.Lock()
			s.ring = append(s.ring, chunk...)
			if over := len(s.ring) - terminalScrollback; over > 0 {
				s.ring = s.ring[over:]
			}
			for ch := range s.subs {
				select {
				case ch <- chunk:
				default:
					// Slow subscriber; it still has the scrollback.
				}
			}
			s.mu.Unlock()
		}
		if err != nil {
			break
		}
	}
	werr := s.cmd.Wait()
	s.mu.Lock()
	s.running = false
	for ch := range s.subs {
		close(ch)
	}
	s.subs = make(map[chan []byte]struct{})
	s.mu.Unlock()
	m.logger.Info("terminal session ended", "session_id", s.ID, "error", werr)
}

// Send forwards raw input to the session's stdin.
func (m *TerminalManager) Send(sessionID string, data []byte) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return fmt.Errorf("terminal %s: session ended", sessionID)
	}
	_, err = s.stdin.Write(data)
	return err
}

// Output returns the session's scrollback buffer.
func (m *TerminalManager) Output(sessionID string) ([]byte, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.ring))
	copy(out, s.ring)
	return out, nil
}

// Resize records the client's terminal dimensions. Sessions run over plain
// pipes, so the size is advisory only.
func (m *TerminalManager) Resize(sessionID string, cols, rows int) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	return nil
}

// Subscribe returns the scrollback plus a channel of live output chunks.
// The channel closes when the session ends or unsubscribe is called.
func (m *TerminalManager) Subscribe(sessionID string) ([]byte, <-chan []byte, func(), error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, nil, nil, err
	}
	ch := make(chan []byte, 64)
	s.mu.Lock()
	backlog := make([]byte, len(s.ring))
	copy(backlog, s.ring)
	if s.running {
		s.subs[ch] = struct{}{}
	} else {
		close(ch)
	}
	s.mu.Unlock()

	unsub := func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return backlog, ch, unsub, nil
}

// Kill terminates the session's process and removes it.
func (m *TerminalManager) Kill(sessionID string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	s.stdin.Close()
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running && s.cmd.Process != nil {
		return s.cmd.Process.Kill()
	}
	return nil
}

// List returns all sessions, live and ended.
func (m *TerminalManager) List() []TerminalSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TerminalSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.mu.Lock()
		out = append(out, TerminalSession{
			ID:        s.ID,
			ChatID:    s.ChatID,
			Workspace: s.Workspace,
			Running:   s.running,
		})
		s.mu.Unlock()
	}
	return out
}

// Close kills every session.
func (m *TerminalManager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Kill(id); err != nil {
			m.logger.Warn("kill terminal session", "session_id", id, "error", err)
		}
	}
}

func (m *TerminalManager) get(sessionID string) (*TerminalSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, &ErrNotFound{Kind: "terminal session", ID: sessionID}
	}
	return s, nil
}
