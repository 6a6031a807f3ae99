// Package server exposes the chat execution core over HTTP and SSE.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	atlas "github.com/nevindra/atlas"
)

const defaultKeepalive = 30 * time.Second

// Server wires the chat core's components to their HTTP endpoints.
type Server struct {
	store      atlas.Store
	bus        *atlas.Bus
	dispatcher *atlas.Dispatcher
	versioner  *atlas.Versioner
	providers  *atlas.Registry

	files     *atlas.FilePipeline
	terminals *atlas.TerminalManager
	web       atlas.WebSessionManager

	logger    *slog.Logger
	keepalive time.Duration

	mu          sync.Mutex
	webProfile  string
	webSnap     *atlas.WebSnapshot
	webProfiles []string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithFilePipeline enables the file upload endpoints.
func WithFilePipeline(p *atlas.FilePipeline) Option {
	return func(s *Server) { s.files = p }
}

// WithTerminalManager enables the terminal endpoints.
func WithTerminalManager(m *atlas.TerminalManager) Option {
	return func(s *Server) { s.terminals = m }
}

// WithWebManager enables the web session endpoints. profiles lists the
// browser profiles offered to clients.
func WithWebManager(m atlas.WebSessionManager, profiles ...string) Option {
	return func(s *Server) {
		s.web = m
		s.webProfiles = profiles
	}
}

// WithKeepalive overrides the SSE keepalive interval.
func WithKeepalive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepalive = d
		}
	}
}

// New creates a Server over the given core components.
func New(store atlas.Store, bus *atlas.Bus, dispatcher *atlas.Dispatcher, versioner *atlas.Versioner, providers *atlas.Registry, opts ...Option) *Server {
	s := &Server{
		store:      store,
		bus:        bus,
		dispatcher: dispatcher,
		versioner:  versioner,
		providers:  providers,
		logger:     nopLogger,
		keepalive:  defaultKeepalive,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the route table as an http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /chat/send", s.handleChatSend)
	mux.HandleFunc("POST /chat/{id}/stop", s.handleChatStop)
	mux.HandleFunc("GET /chat/stream/all", s.handleStreamAll)
	mux.HandleFunc("GET /chat/state/stream", s.handleStateStream)
	mux.HandleFunc("POST /chats/{chat_id}/domain/{task_id}/tool/{call_id}/decision", s.handleToolDecision)
	mux.HandleFunc("POST /chats/{chat_id}/workspace_selected", s.handleWorkspaceSelected)
	mux.HandleFunc("GET /chat/history/{chat_id}", s.handleHistory)
	mux.HandleFunc("GET /chat/providers", s.handleProviders)
	mux.HandleFunc("GET /chat/models", s.handleModels)

	mux.HandleFunc("POST /db/versioning/notify", s.handleVersioningNotify)
	mux.HandleFunc("GET /db/chat/{id}/versions", s.handleChatVersions)
	mux.HandleFunc("GET /messages/{id}/versions", s.handleMessageVersions)

	if s.files != nil {
		mux.HandleFunc("POST /files/upload", s.handleFileUpload)
		mux.HandleFunc("GET /files/{id}", s.handleFileStatus)
	}

	if s.terminals != nil {
		mux.HandleFunc("POST /terminal/create", s.handleTerminalCreate)
		mux.HandleFunc("POST /terminal/send", s.handleTerminalSend)
		mux.HandleFunc("GET /terminal/stream/{id}", s.handleTerminalStream)
		mux.HandleFunc("GET /terminal/output/{id}", s.handleTerminalOutput)
		mux.HandleFunc("POST /terminal/kill", s.handleTerminalKill)
		mux.HandleFunc("POST /terminal/resize", s.handleTerminalResize)
		mux.HandleFunc("GET /terminal/list", s.handleTerminalList)
	}

	if s.web != nil {
		mux.HandleFunc("GET /web/profile/status", s.handleWebStatus)
		mux.HandleFunc("POST /web/profile/setup", s.handleWebSetup)
		mux.HandleFunc("GET /web/profiles", s.handleWebProfiles)
		mux.HandleFunc("POST /web/command", s.handleWebCommand)
		mux.HandleFunc("GET /web/frame/{id}", s.handleWebFrame)
	}

	return mux
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("http server listening", "addr", addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]any{"success": false, "error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
