package atlas

import (
	"fmt"
	"strconv"
	"time"
)

// ErrLLM is a provider-level failure that is not an HTTP transport error.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is an HTTP error from a provider API. RetryAfter carries the
// parsed Retry-After header when the server sent one (429/503 responses).
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value given in seconds.
// Returns 0 for empty or unparseable values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// ErrRateLimited is returned when a reservation could not be admitted
// before the limiter's wait timeout.
type ErrRateLimited struct {
	Provider string
	Model    string
	Scope    string // "model", "provider", or "global"
	Field    string // e.g. "requests_per_minute"
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited: %s/%s (%s scope, %s)", e.Provider, e.Model, e.Scope, e.Field)
}

// ErrChatBusy is returned when a turn is submitted for a chat that already
// has a live task.
type ErrChatBusy struct {
	ChatID string
}

func (e *ErrChatBusy) Error() string {
	return fmt.Sprintf("chat %s already has an active task", e.ChatID)
}

// ErrTooManyChats is returned when the engine is at its concurrent-chat cap.
type ErrTooManyChats struct {
	Limit int
}

func (e *ErrTooManyChats) Error() string {
	return fmt.Sprintf("too many concurrent chats (limit %d)", e.Limit)
}

// ErrDuplicate is returned by the dispatcher when the same (chat, message)
// pair arrives twice within the dedup window.
type ErrDuplicate struct {
	ChatID string
}

func (e *ErrDuplicate) Error() string {
	return fmt.Sprintf("duplicate request for chat %s", e.ChatID)
}

// ErrBadTransition is returned by stores when a chat state change is illegal.
type ErrBadTransition struct {
	ChatID string
	From   ChatState
	To     ChatState
}

func (e *ErrBadTransition) Error() string {
	return fmt.Sprintf("chat %s: illegal state transition %s → %s", e.ChatID, e.From, e.To)
}

// ErrNotFound is returned by stores for missing records.
type ErrNotFound struct {
	Kind string // "chat", "message", "file"
	ID   string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}
