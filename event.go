package atlas

import "encoding/json"

// EventType identifies the kind of bus event.
type EventType string

const (
	EventChatState             EventType = "chat_state"
	EventThoughtsStart         EventType = "thoughts_start"
	EventThoughts              EventType = "thoughts"
	EventAnswerStart           EventType = "answer_start"
	EventAnswer                EventType = "answer"
	EventComplete              EventType = "complete"
	EventError                 EventType = "error"
	EventUsage                 EventType = "usage"
	EventModelRetry            EventType = "model_retry"
	EventMessageIDs            EventType = "message_ids"
	EventRouterDecision        EventType = "router_decision"
	EventDomainExecution       EventType = "domain_execution"
	EventDomainExecutionUpdate EventType = "domain_execution_update"
	EventCoderOperation        EventType = "coder_operation"
	EventCoderFileChange       EventType = "coder_file_change"
	EventCoderStream           EventType = "coder_stream"
	EventCoderFileOperation    EventType = "coder_file_operation"
	EventCoderFileRevert       EventType = "coder_file_revert"
	EventFileState             EventType = "file_state"
	EventCoderWorkspacePrompt  EventType = "coder_workspace_prompt"
	EventWebWindowPrompt       EventType = "web_window_prompt"
)

// Terminal reports whether t ends a turn's event stream.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// RetryData accompanies a model_retry event.
type RetryData struct {
	Attempt      int     `json:"attempt"`
	MaxAttempts  int     `json:"max_attempts"`
	DelaySeconds float64 `json:"delay_seconds"`
	Model        string  `json:"model"`
}

// MessageIDs is the content of a message_ids event, giving clients stable
// ids to attach streaming content to.
type MessageIDs struct {
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id"`
}

// Event is the envelope published on the Bus and delivered over SSE.
// Consumers must treat unknown payload fields as opaque.
type Event struct {
	Type    EventType `json:"type"`
	ChatID  string    `json:"chat_id,omitempty"`
	Content any       `json:"content,omitempty"`
	State   ChatState `json:"state,omitempty"`

	Usage     *Usage          `json:"usage,omitempty"`
	RetryData *RetryData      `json:"retry_data,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	DomainID  string          `json:"domain_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StateEvent builds a chat_state event.
func StateEvent(chatID string, state ChatState) Event {
	return Event{Type: EventChatState, ChatID: chatID, State: state}
}

// ContentEvent builds a content event of the given type.
func ContentEvent(chatID string, typ EventType, content any) Event {
	return Event{Type: typ, ChatID: chatID, Content: content}
}
