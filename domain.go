package atlas

import (
	"context"
	"encoding/json"
)

// DomainStatus classifies a domain execution outcome.
type DomainStatus string

const (
	// DomainCompleted means the execution finished and produced a result.
	DomainCompleted DomainStatus = "completed"
	// DomainWaitingUser means execution is parked on a tool-approval
	// decision; the session stays live until the user responds.
	DomainWaitingUser DomainStatus = "waiting_user"
	// DomainFailed means the execution ran to a failure it can report.
	DomainFailed DomainStatus = "failed"
	// DomainAborted means the user cancelled the execution.
	DomainAborted DomainStatus = "aborted"
)

// DomainTask is the unit of work handed to a domain executor.
type DomainTask struct {
	TaskID    string        `json:"task_id"`
	ChatID    string        `json:"chat_id"`
	Input     string        `json:"input"`
	Workspace string        `json:"workspace,omitempty"`
	Provider  string        `json:"provider,omitempty"`
	Model     string        `json:"model,omitempty"`
	History   []ChatMessage `json:"history,omitempty"`
}

// DomainResult is a finished (or parked) domain execution.
type DomainResult struct {
	Status DomainStatus `json:"status"`
	// Text is the user-facing result, persisted as the assistant message.
	Text string `json:"text,omitempty"`
	// SessionID identifies a parked session for Resume.
	SessionID string `json:"session_id,omitempty"`
	// Payload is the execution record persisted alongside the message and
	// carried opaquely on domain_execution events.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DomainEvent is a progress signal emitted during domain execution. The
// engine translates these into bus events; unknown payload fields pass
// through untouched.
type DomainEvent struct {
	Type     string          `json:"type"`
	TaskID   string          `json:"task_id,omitempty"`
	Text     string          `json:"text,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	FilePath string          `json:"file_path,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Domain event types recognized by the engine's translation table.
const (
	DomainEventState         = "state"
	DomainEventToolExecution = "tool_execution"
	DomainEventStream        = "coder_stream"
	DomainEventFileOperation = "coder_file_operation"
	DomainEventFileRevert    = "coder_file_revert"
	DomainEventModelRetry    = "model_retry"
)

// ToolDecision is the user's answer to a tool-approval prompt.
type ToolDecision struct {
	Decision           string          `json:"decision"`
	AssistantMessageID string          `json:"assistant_message_id,omitempty"`
	BatchMode          bool            `json:"batch_mode,omitempty"`
	PreExecutedCalls   json.RawMessage `json:"pre_executed_calls,omitempty"`
	PreExecutionState  json.RawMessage `json:"pre_execution_state,omitempty"`
}

// DomainExecutor runs specialized agent work (coder, web researcher) on
// behalf of a chat turn.
type DomainExecutor interface {
	Name() string
	// RequiresWorkspace reports whether executions need a workspace bound
	// to the chat before they can start.
	RequiresWorkspace() bool
	Execute(ctx context.Context, task DomainTask, emit func(DomainEvent)) (DomainResult, error)
	// Resume continues a session parked in waiting_user with the user's
	// tool decision.
	Resume(ctx context.Context, sessionID string, decision ToolDecision, emit func(DomainEvent)) (DomainResult, error)
}

// domainEventSink translates executor progress events onto the bus for one
// chat, tagging them with the owning task.
func domainEventSink(sink eventSink, chatID, taskID, domain string) func(DomainEvent) {
	return func(ev DomainEvent) {
		switch ev.Type {
		case DomainEventState:
			sink.Publish(Event{
				Type: EventDomainExecutionUpdate, ChatID: chatID,
				TaskID: taskID, DomainID: domain, Payload: ev.Payload,
			})
		case DomainEventToolExecution:
			sink.Publish(Event{
				Type: EventCoderOperation, ChatID: chatID,
				TaskID: taskID, Content: ev.ToolName, Payload: ev.Payload,
			})
			if ev.FilePath != "" {
				sink.Publish(Event{
					Type: EventCoderFileChange, ChatID: chatID,
					TaskID: taskID, Content: ev.FilePath,
				})
			}
		case DomainEventStream:
			sink.Publish(Event{
				Type: EventCoderStream, ChatID: chatID,
				TaskID: taskID, Content: ev.Text, Payload: ev.Payload,
			})
		case DomainEventFileOperation:
			sink.Publish(Event{
				Type: EventCoderFileOperation, ChatID: chatID,
				TaskID: taskID, Payload: ev.Payload,
			})
		case DomainEventFileRevert:
			sink.Publish(Event{
				Type: EventCoderFileRevert, ChatID: chatID,
				TaskID: taskID, Payload: ev.Payload,
			})
		case DomainEventModelRetry:
			sink.Publish(Event{
				Type: EventModelRetry, ChatID: chatID,
				TaskID: taskID, Payload: ev.Payload,
			})
		default:
			// Unknown progress types pass through as execution updates so
			// new executor signals reach clients without an engine change.
			sink.Publish(Event{
				Type: EventDomainExecutionUpdate, ChatID: chatID,
				TaskID: taskID, DomainID: domain, Payload: ev.Payload,
			})
		}
	}
}
