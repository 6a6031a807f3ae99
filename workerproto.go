package atlas

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize bounds a single pipe frame. Large enough for any turn
// payload, small enough to catch a corrupted length prefix immediately.
const maxFrameSize = 16 << 20

// Worker commands, parent to child.
const (
	CmdProcess           = "process"
	CmdStop              = "stop"
	CmdCancel            = "cancel"
	CmdToolDecision      = "domain_tool_decision"
	CmdWorkspaceSelected = "workspace_selected"
)

// Worker event types, child to parent.
const (
	WorkerReady        = "ready"
	WorkerStateUpdate  = "state_update"
	WorkerContent      = "content"
	WorkerRouterChoice = "router_decision"
	WorkerTerminal     = "terminal"
)

// WorkerCommand is a parent-to-child frame.
type WorkerCommand struct {
	Command   string        `json:"command"`
	Request   *TurnRequest  `json:"request,omitempty"`
	Decision  *ToolDecision `json:"decision,omitempty"`
	ChatID    string        `json:"chat_id,omitempty"`
	Workspace string        `json:"workspace,omitempty"`
}

// WorkerEvent is a child-to-parent frame. Content frames wrap a bus event
// verbatim; the parent republishes them unchanged.
type WorkerEvent struct {
	Type    string    `json:"type"`
	ChatID  string    `json:"chat_id,omitempty"`
	State   ChatState `json:"state,omitempty"`
	Event   *Event    `json:"event,omitempty"`
	Success bool      `json:"success,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// WriteFrame writes one length-prefixed JSON frame: a 4-byte big-endian
// body length followed by the body.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed JSON frame into v.
func ReadFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}
