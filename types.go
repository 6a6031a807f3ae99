package atlas

import "encoding/json"

// --- Domain types (database records) ---

// ChatState is the lifecycle state of a chat. Transitions form a DAG:
// static → thinking → responding → static, or static → responding → static.
// Any state may transition back to static; everything else is illegal.
type ChatState string

const (
	StateStatic     ChatState = "static"
	StateThinking   ChatState = "thinking"
	StateResponding ChatState = "responding"
)

// ValidTransition reports whether from → to is a legal chat state change.
// A same-state transition is treated as a no-op and is legal.
func ValidTransition(from, to ChatState) bool {
	if from == to || to == StateStatic {
		return true
	}
	switch from {
	case StateStatic:
		return to == StateThinking || to == StateResponding
	case StateThinking:
		return to == StateResponding
	}
	return false
}

type Chat struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SystemPrompt string    `json:"system_prompt"`
	State        ChatState `json:"state"`
	CreatedAt    int64     `json:"created_at"`
	// IsVersion marks a branch chat produced by edit/retry/delete.
	IsVersion bool `json:"isversion"`
	// BelongsTo is the chat id of the parent version, or "" for a root chat.
	BelongsTo string `json:"belongsto"`
}

// Message is one entry of a chat transcript. Its ID has the form
// "<chat_id>_<position>" where position is a 1-based ordinal; every reader
// must order by the numeric position, never lexicographically.
type Message struct {
	ID              string          `json:"id"`
	ChatID          string          `json:"chat_id"`
	Position        int             `json:"position"`
	Role            string          `json:"role"` // "system", "user", "assistant", "tool"
	Content         string          `json:"content"`
	Thoughts        string          `json:"thoughts,omitempty"`
	Provider        string          `json:"provider,omitempty"`
	Model           string          `json:"model,omitempty"`
	RouterEnabled   bool            `json:"router_enabled,omitempty"`
	RouterDecision  json.RawMessage `json:"router_decision,omitempty"`
	DomainExecution json.RawMessage `json:"domain_execution,omitempty"`
	AttachedFileIDs []string        `json:"attached_file_ids,omitempty"`
	Timestamp       int64           `json:"timestamp"`
}

// FileState is the upload-pipeline state of a file reference. Transitions are
// monotone along local → processing_md → uploading → processing → ready,
// except that any state may fall to error.
type FileState string

const (
	FileLocal        FileState = "local"
	FileProcessingMD FileState = "processing_md"
	FileUploading    FileState = "uploading"
	FileProcessing   FileState = "processing"
	FileReady        FileState = "ready"
	FileError        FileState = "error"
)

// fileStateRank orders upload states for monotonicity checks.
var fileStateRank = map[FileState]int{
	FileLocal:        0,
	FileProcessingMD: 1,
	FileUploading:    2,
	FileProcessing:   3,
	FileReady:        4,
}

// ValidFileTransition reports whether from → to is legal for a file record.
func ValidFileTransition(from, to FileState) bool {
	if to == FileError {
		return true
	}
	fr, ok1 := fileStateRank[from]
	tr, ok2 := fileStateRank[to]
	return ok1 && ok2 && tr >= fr
}

type FileReference struct {
	ID             string    `json:"id"`
	OriginalName   string    `json:"original_name"`
	StoredFilename string    `json:"stored_filename"`
	FileSize       int64     `json:"file_size"`
	APIState       FileState `json:"api_state"`
	Provider       string    `json:"provider,omitempty"`
	// APIFileName is the remote handle assigned by the provider's file API.
	APIFileName string `json:"api_file_name,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// Usable reports whether the file can be attached to a request against the
// given provider: it must be fully uploaded and registered with that provider.
func (f FileReference) Usable(provider string) bool {
	return f.APIState == FileReady && f.Provider == provider
}

// VersionOp is the transcript operation that produced a branch.
type VersionOp string

const (
	OpOriginal VersionOp = "original"
	OpEdit     VersionOp = "edit"
	OpRetry    VersionOp = "retry"
	OpDelete   VersionOp = "delete"
)

// MessageVersion is one variant of a message across a branch family.
// OriginalMessageID is always the position-scoped id in the root main chat,
// so versions are discoverable from any descendant branch.
type MessageVersion struct {
	OriginalMessageID string    `json:"original_message_id"`
	VersionNumber     int       `json:"version_number"`
	ChatVersionID     string    `json:"chat_version_id"`
	Operation         VersionOp `json:"operation"`
	Content           string    `json:"content"`
	CreatedAt         int64     `json:"created_at"`
}

// TokenUsage is the per-message accounting row reconciling the pre-turn
// estimate against the provider-reported actual.
type TokenUsage struct {
	MessageID       string `json:"message_id"`
	ChatID          string `json:"chat_id"`
	Role            string `json:"role"`
	Provider        string `json:"provider"`
	Model           string `json:"model"`
	EstimatedTokens int    `json:"estimated_tokens"`
	ActualTokens    int    `json:"actual_tokens"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Content string `json:"content"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}
