package atlas

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// captureTimeout bounds a synchronous frame capture.
const captureTimeout = 3 * time.Second

// Web command types accepted by DispatchCommand.
const (
	WebNavigate = "navigate"
	WebBack     = "back"
	WebForward  = "forward"
	WebReload   = "reload"
	WebClick    = "click"
	WebScroll   = "scroll"
	WebKey      = "key"
	WebType     = "type"
)

// WebCommand is one user interaction with the shared browser session.
type WebCommand struct {
	Type   string `json:"type"`
	URL    string `json:"url,omitempty"`
	X      int    `json:"x,omitempty"`
	Y      int    `json:"y,omitempty"`
	DeltaY int    `json:"delta_y,omitempty"`
	Key    string `json:"key,omitempty"`
	Text   string `json:"text,omitempty"`
}

// WebSnapshot is the session's observable state after a command.
type WebSnapshot struct {
	SessionID  string `json:"session_id"`
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	CanBack    bool   `json:"can_back"`
	CanForward bool   `json:"can_forward"`
}

// BrowserDriver abstracts the headless browser. Implementations wrap a
// real browser automation backend; tests use an in-memory fake.
type BrowserDriver interface {
	Open(ctx context.Context, profile string) error
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	Click(ctx context.Context, x, y int) error
	Scroll(ctx context.Context, deltaY int) error
	Key(ctx context.Context, key string) error
	Type(ctx context.Context, text string) error
	// Capture returns the current viewport as JPEG bytes.
	Capture(ctx context.Context) ([]byte, error)
	Title(ctx context.Context) (string, error)
	Close() error
}

// WebSessionManager owns the single persistent headless-browser session
// shared across tools and chats.
type WebSessionManager interface {
	// EnsureSession starts the browser if needed and returns the current
	// snapshot. Idempotent.
	EnsureSession(ctx context.Context, profile, chatID string) (WebSnapshot, error)
	// CaptureFrame returns a JPEG of the session's viewport, bounded by a
	// 3 second timeout.
	CaptureFrame(ctx context.Context, sessionID string) ([]byte, error)
	DispatchCommand(ctx context.Context, sessionID string, cmd WebCommand) (WebSnapshot, error)
	Close() error
}

// WebSession is the default manager: one driver, navigation history with a
// cursor, commands serialized per session. Screenshots take a separate
// lock so a capture can proceed while a command is pending.
type WebSession struct {
	driver BrowserDriver
	logger *slog.Logger

	// cmdMu serializes navigation and input; shotMu serializes captures.
	cmdMu  sync.Mutex
	shotMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	opened    bool
	history   []string
	cursor    int // index into history; -1 when empty
}

// WebSessionOption configures a WebSession.
type WebSessionOption func(*WebSession)

// WithWebLogger sets the session's logger.
func WithWebLogger(l *slog.Logger) WebSessionOption {
	return func(s *WebSession) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewWebSession(driver BrowserDriver, opts ...WebSessionOption) *WebSession {
	s := &WebSession{driver: driver, logger: nopLogger, cursor: -1}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ WebSessionManager = (*WebSession)(nil)

// EnsureSession opens the browser on first call and returns the current
// snapshot. Subsequent calls with any profile reuse the live session.
func (s *WebSession) EnsureSession(ctx context.Context, profile, chatID string) (WebSnapshot, error) {
	s.mu.Lock()
	opened := s.opened
	s.mu.Unlock()

	if !opened {
		s.cmdMu.Lock()
		err := s.driver.Open(ctx, profile)
		s.cmdMu.Unlock()
		if err != nil {
			return WebSnapshot{}, fmt.Errorf("open browser: %w", err)
		}
		s.mu.Lock()
		if !s.opened {
			s.opened = true
			s.sessionID = NewID()
		}
		s.mu.Unlock()
	}
	if chatID != "" {
		s.logger.Debug("web session attached", "chat_id", chatID)
	}
	return s.snapshot(ctx), nil
}

// CaptureFrame returns a JPEG of the viewport. It holds only the
// screenshot lock, so captures interleave with pending commands.
func (s *WebSession) CaptureFrame(ctx context.Context, sessionID string) ([]byte, error) {
	if err := s.checkSession(sessionID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()
	s.shotMu.Lock()
	defer s.shotMu.Unlock()
	return s.driver.Capture(ctx)
}

// DispatchCommand applies one interaction and returns the resulting
// snapshot. Back and forward are no-ops at the history endpoints.
func (s *WebSession) DispatchCommand(ctx context.Context, sessionID string, cmd WebCommand) (WebSnapshot, error) {
	if err := s.checkSession(sessionID); err != nil {
		return WebSnapshot{}, err
	}
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	var err error
	switch cmd.Type {
	case WebNavigate:
		if err = s.driver.Navigate(ctx, cmd.URL); err == nil {
			s.pushHistory(cmd.URL)
		}
	case WebBack:
		s.mu.Lock()
		target := ""
		if s.cursor > 0 {
			s.cursor--
			target = s.history[s.cursor]
		}
		s.mu.Unlock()
		if target != "" {
			err = s.driver.Navigate(ctx, target)
		}
	case WebForward:
		s.mu.Lock()
		target := ""
		if s.cursor >= 0 && s.cursor < len(s.history)-1 {
			s.cursor++
			target = s.history[s.cursor]
		}
		s.mu.Unlock()
		if target != "" {
			err = s.driver.Navigate(ctx, target)
		}
	case WebReload:
		err = s.driver.Reload(ctx)
	case WebClick:
		err = s.driver.Click(ctx, cmd.X, cmd.Y)
	case WebScroll:
		err = s.driver.Scroll(ctx, cmd.DeltaY)
	case WebKey:
		err = s.driver.Key(ctx, cmd.Key)
	case WebType:
		err = s.driver.Type(ctx, cmd.Text)
	default:
		err = fmt.Errorf("unknown web command %q", cmd.Type)
	}
	if err != nil {
		return WebSnapshot{}, err
	}
	return s.snapshot(ctx), nil
}

func (s *WebSession) Close() error {
	s.mu.Lock()
	opened := s.opened
	s.opened = false
	s.mu.Unlock()
	if !opened {
		return nil
	}
	return s.driver.Close()
}

func (s *WebSession) checkSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return &ErrNotFound{Kind: "web session", ID: sessionID}
	}
	if sessionID != "" && sessionID != s.sessionID {
		return &ErrNotFound{Kind: "web session", ID: sessionID}
	}
	return nil
}

// pushHistory appends a new entry, truncating any forward entries the way
// a browser does after navigating from a back position.
func (s *WebSession) pushHistory(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history[:s.cursor+1], url)
	s.cursor = len(s.history) - 1
}

func (s *WebSession) snapshot(ctx context.Context) WebSnapshot {
	s.mu.Lock()
	snap := WebSnapshot{
		SessionID:  s.sessionID,
		CanBack:    s.cursor > 0,
		CanForward: s.cursor >= 0 && s.cursor < len(s.history)-1,
	}
	if s.cursor >= 0 {
		snap.URL = s.history[s.cursor]
	}
	s.mu.Unlock()
	if title, err := s.driver.Title(ctx); err == nil {
		snap.Title = title
	}
	return snap
}
