package atlas

import (
	"context"
	"encoding/json"
)

// SaveMessageParams carries the inputs to Store.SaveMessage. The store
// assigns the next ordinal position atomically and stamps the timestamp.
type SaveMessageParams struct {
	ChatID          string
	Role            string
	Content         string
	Thoughts        string
	Provider        string
	Model           string
	AttachedFileIDs []string
	RouterEnabled   bool
	RouterDecision  json.RawMessage
}

// Store is the durable relational store for chats, messages, files,
// lineage, token usage, and chat state.
//
// All writes serialize through a single writer path; reads see snapshot
// isolation. On any write failure the error is fatal for the turn: callers
// must reset the chat state to static and emit an error event.
type Store interface {
	// Init creates all required tables. Idempotent.
	Init(ctx context.Context) error

	// CreateChat creates the chat if absent. Returns true when a new chat
	// was created, false when it already existed.
	CreateChat(ctx context.Context, chatID, systemPrompt string) (bool, error)
	// CreateVersionChat creates a branch chat with isversion=true.
	CreateVersionChat(ctx context.Context, chatID, name, systemPrompt, belongsTo string) error
	GetChat(ctx context.Context, chatID string) (Chat, error)
	ListChats(ctx context.Context) ([]Chat, error)
	// ListChildChats returns the direct version children of a chat.
	ListChildChats(ctx context.Context, parentID string) ([]Chat, error)
	// DeleteChat removes the chat and cascades to messages, file links,
	// lineage, and token usage.
	DeleteChat(ctx context.Context, chatID string) error

	// SaveMessage persists a message at the next ordinal position and
	// returns its id "<chat_id>_<position>".
	SaveMessage(ctx context.Context, p SaveMessageParams) (string, error)
	// UpdateMessage rewrites an assistant message's content and thoughts.
	// Idempotent given the same arguments. domainExecution may be nil.
	UpdateMessage(ctx context.Context, id, content, thoughts string, domainExecution json.RawMessage) error
	// CascadeDeleteMessage removes the target and all later messages in the
	// same chat, returning the number of rows removed.
	CascadeDeleteMessage(ctx context.Context, id, chatID string) (int, error)
	// GetChatHistory returns the chat's messages ordered by ascending
	// numeric position.
	GetChatHistory(ctx context.Context, chatID string) ([]Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)

	// UpdateChatState validates and applies a state transition.
	UpdateChatState(ctx context.Context, chatID string, state ChatState) error

	// RecordLineage appends a version row and links messageID to it.
	RecordLineage(ctx context.Context, messageID string, v MessageVersion) error
	// GetLineageVersions returns the recorded versions of an original
	// message id, ordered by version number.
	GetLineageVersions(ctx context.Context, originalMessageID string) ([]MessageVersion, error)
	// LineageOriginal returns the original message id a message is linked
	// to, or "" when no lineage row exists.
	LineageOriginal(ctx context.Context, messageID string) (string, error)

	SaveTokenUsage(ctx context.Context, u TokenUsage) error

	SaveFileRecord(ctx context.Context, f FileReference) error
	// UpdateFileAPIInfo advances the file state and records the remote
	// handle. Rejects non-monotone transitions.
	UpdateFileAPIInfo(ctx context.Context, id string, state FileState, provider, apiFileName string) error
	GetFileRecord(ctx context.Context, id string) (FileReference, error)
	GetMessageFiles(ctx context.Context, messageID string) ([]FileReference, error)

	// SetChatWorkspace records the coder workspace selected for a chat.
	SetChatWorkspace(ctx context.Context, chatID, path string) error
	// GetChatWorkspace returns the chat's workspace path, or "" if none.
	GetChatWorkspace(ctx context.Context, chatID string) (string, error)

	Close() error
}
