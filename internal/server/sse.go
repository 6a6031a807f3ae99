package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// sseStream is a ResponseWriter prepared for server-sent events. The first
// frame is always the reconnect hint.
type sseStream struct {
	w http.ResponseWriter
	f http.Flusher
}

func startSSE(w http.ResponseWriter) (*sseStream, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	s := &sseStream{w: w, f: f}
	fmt.Fprint(w, "retry: 1500\n\n")
	f.Flush()
	return s, true
}

// send emits v as one `data:` frame.
func (s *sseStream) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.f.Flush()
}

// ping emits the named ping event that opens broadcast streams.
func (s *sseStream) ping() {
	fmt.Fprint(s.w, "event: ping\n\n")
	s.f.Flush()
}

// keepalive emits a comment frame so idle connections stay open.
func (s *sseStream) keepalive() {
	fmt.Fprint(s.w, ": keep-alive\n\n")
	s.f.Flush()
}

// nopLogger discards all records; it stands in when no logger is set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
