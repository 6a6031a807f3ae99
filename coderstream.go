package atlas

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Segment and action names for extractor events.
const (
	SegmentThoughts = "thoughts"
	SegmentResponse = "agent_response"
	SegmentToolCall = "tool_call"

	ActionStart       = "start"
	ActionAppend      = "append"
	ActionComplete    = "complete"
	ActionField       = "field"
	ActionParam       = "param"
	ActionParamDelta  = "param_delta"
	ActionParamUpdate = "param_update"
)

// Markup recognized in the coder model's output.
const (
	tagMessageOpen   = "<MESSAGE>"
	tagMessageClose  = "</MESSAGE>"
	tagToolCallOpen  = "<TOOL_CALL>"
	tagToolCallClose = "</TOOL_CALL>"
	tagToolOpen      = "<TOOL>"
	tagToolClose     = "</TOOL>"
	tagReasonOpen    = "<REASON>"
	tagReasonClose   = "</REASON>"
	tagParamClose    = "</PARAM>"
	paramOpenPrefix  = `<PARAM name="`
)

// ExtractorEvent is one fine-grained rendering event produced from the
// coder stream. Iteration and ToolIndex scope the event within the
// multi-step execution.
type ExtractorEvent struct {
	Segment   string `json:"segment"`
	Action    string `json:"action"`
	Iteration int    `json:"iteration"`
	ToolIndex int    `json:"tool_index,omitempty"`

	// Text carries thoughts/agent_response deltas.
	Text string `json:"text,omitempty"`
	// Field and Value carry completed tool-call fields (tool, reason).
	Field string `json:"field,omitempty"`
	Value string `json:"value,omitempty"`
	// Param names the parameter for param, param_delta and param_update.
	Param string `json:"param,omitempty"`
	// Offset and Delta describe an append-only param extension.
	Offset int    `json:"offset,omitempty"`
	Delta  string `json:"delta,omitempty"`
}

// FileOpSnapshot is an early-execution snapshot of a file.write or
// file.edit call whose path is known and whose content is still growing.
type FileOpSnapshot struct {
	Iteration int    `json:"iteration"`
	ToolIndex int    `json:"tool_index"`
	Tool      string `json:"tool"`
	FilePath  string `json:"file_path"`
	ParamName string `json:"param_name"`
	Content   string `json:"content"`
	// Signature is the SHA-256 of Content; identical signatures never
	// re-trigger execution.
	Signature string `json:"signature"`
}

// AutoExecFunc receives snapshots of safe, append-only file operations as
// soon as they are executable.
type AutoExecFunc func(op FileOpSnapshot)

// StreamExtractor incrementally parses the coder model's XML-tagged output
// into rendering events. Answer text is fed through Feed, reasoning text
// through FeedThoughts; Finish flushes held-back tails and closes open
// segments.
//
// Text inside <MESSAGE> streams with closing-tag holdback: no emitted
// suffix can be a prefix of </MESSAGE>, so the closing tag never leaks
// into the rendered response.
type StreamExtractor struct {
	emit     func(ExtractorEvent)
	autoExec AutoExecFunc

	iteration int
	toolIndex int

	mode int // top, message, tool call

	buf     string // current block body, tags stripped
	emitted int    // prefix of buf already delivered
	msgOpen bool

	thoughtsOpen bool
	thoughtsDone bool

	tc *toolCallState
}

const (
	modeTop = iota
	modeMessage
	modeToolCall
)

type toolCallState struct {
	index  int
	body   string
	parsed int

	tool   string
	reason string

	curParam      string
	curParamStart int

	params   map[string]string // completed params
	sent     map[string]string // last value delivered per param
	execSig  string
	execSize int
}

// NewStreamExtractor constructs an extractor delivering events to emit.
// autoExec may be nil to disable early file execution.
func NewStreamExtractor(emit func(ExtractorEvent), autoExec AutoExecFunc) *StreamExtractor {
	return &StreamExtractor{emit: emit, autoExec: autoExec}
}

// NextIteration advances the iteration counter and resets the per-iteration
// tool index. Call it between coder reasoning steps.
func (x *StreamExtractor) NextIteration() {
	x.iteration++
	x.toolIndex = 0
}

// FeedThoughts streams reasoning-channel text as the thoughts segment.
func (x *StreamExtractor) FeedThoughts(text string) {
	if text == "" || x.thoughtsDone {
		return
	}
	if !x.thoughtsOpen {
		x.thoughtsOpen = true
		x.emit(ExtractorEvent{Segment: SegmentThoughts, Action: ActionStart, Iteration: x.iteration})
	}
	x.emit(ExtractorEvent{Segment: SegmentThoughts, Action: ActionAppend, Iteration: x.iteration, Text: text})
}

// Feed streams answer-channel text through the pattern state machine.
func (x *StreamExtractor) Feed(text string) {
	x.closeThoughts()
	x.buf += text
	for x.step() {
	}
}

func (x *StreamExtractor) closeThoughts() {
	if x.thoughtsOpen && !x.thoughtsDone {
		x.thoughtsDone = true
		x.emit(ExtractorEvent{Segment: SegmentThoughts, Action: ActionComplete, Iteration: x.iteration})
	}
}

// step advances the state machine once. It returns true when a block
// boundary was crossed and the remainder should be reprocessed.
func (x *StreamExtractor) step() bool {
	switch x.mode {
	case modeTop:
		return x.stepTop()
	case modeMessage:
		return x.stepMessage()
	case modeToolCall:
		return x.stepToolCall()
	}
	return false
}

// stepTop scans for a block opening tag, discarding inter-block filler.
func (x *StreamExtractor) stepTop() bool {
	if i := strings.Index(x.buf, tagMessageOpen); i >= 0 {
		if j := strings.Index(x.buf, tagToolCallOpen); j < 0 || i < j {
			x.buf = x.buf[i+len(tagMessageOpen):]
			x.emitted = 0
			x.mode = modeMessage
			x.msgOpen = true
			x.emit(ExtractorEvent{Segment: SegmentResponse, Action: ActionStart, Iteration: x.iteration})
			return true
		}
	}
	if i := strings.Index(x.buf, tagToolCallOpen); i >= 0 {
		x.buf = x.buf[i+len(tagToolCallOpen):]
		x.emitted = 0
		x.mode = modeToolCall
		x.tc = &toolCallState{
			index:  x.toolIndex,
			params: make(map[string]string),
			sent:   make(map[string]string),
		}
		x.toolIndex++
		x.emit(ExtractorEvent{Segment: SegmentToolCall, Action: ActionStart, Iteration: x.iteration, ToolIndex: x.tc.index})
		return true
	}
	// Keep only a tail that could still become an opening tag.
	keep := partialTagLen(x.buf, tagMessageOpen)
	if k := partialTagLen(x.buf, tagToolCallOpen); k > keep {
		keep = k
	}
	x.buf = x.buf[len(x.buf)-keep:]
	return false
}

func (x *StreamExtractor) stepMessage() bool {
	if i := strings.Index(x.buf, tagMessageClose); i >= 0 {
		if i > x.emitted {
			x.emit(ExtractorEvent{Segment: SegmentResponse, Action: ActionAppend, Iteration: x.iteration, Text: x.buf[x.emitted:i]})
		}
		x.emit(ExtractorEvent{Segment: SegmentResponse, Action: ActionComplete, Iteration: x.iteration})
		x.buf = x.buf[i+len(tagMessageClose):]
		x.emitted = 0
		x.mode = modeTop
		x.msgOpen = false
		return true
	}
	visible := len(x.buf) - partialTagLen(x.buf, tagMessageClose)
	if visible > x.emitted {
		x.emit(ExtractorEvent{Segment: SegmentResponse, Action: ActionAppend, Iteration: x.iteration, Text: x.buf[x.emitted:visible]})
		x.emitted = visible
	}
	return false
}

func (x *StreamExtractor) stepToolCall() bool {
	tc := x.tc
	tc.body = x.buf
	x.parseToolBody()

	if tc.curParam == "" {
		if i := strings.Index(tc.body[tc.parsed:], tagToolCallClose); i >= 0 {
			x.emit(ExtractorEvent{Segment: SegmentToolCall, Action: ActionComplete, Iteration: x.iteration, ToolIndex: tc.index})
			x.buf = tc.body[tc.parsed+i+len(tagToolCallClose):]
			x.emitted = 0
			x.mode = modeTop
			x.tc = nil
			return true
		}
	}
	x.buf = tc.body
	return false
}

// parseToolBody consumes completed inner elements of the tool call and
// streams the in-progress param.
func (x *StreamExtractor) parseToolBody() {
	tc := x.tc
	for {
		if tc.curParam != "" {
			rest := tc.body[tc.curParamStart:]
			if i := strings.Index(rest, tagParamClose); i >= 0 {
				x.finishParam(rest[:i])
				tc.parsed = tc.curParamStart + i + len(tagParamClose)
				tc.curParam = ""
				continue
			}
			visible := len(rest) - partialTagLen(rest, tagParamClose)
			if visible > 0 {
				x.streamParam(rest[:visible], false)
			}
			return
		}

		rest := tc.body[tc.parsed:]
		lt := strings.IndexByte(rest, '<')
		if lt < 0 {
			tc.parsed = len(tc.body)
			return
		}
		tc.parsed += lt
		rest = tc.body[tc.parsed:]

		switch {
		case strings.HasPrefix(rest, tagToolOpen):
			i := strings.Index(rest, tagToolClose)
			if i < 0 {
				return
			}
			tc.tool = strings.TrimSpace(rest[len(tagToolOpen):i])
			tc.parsed += i + len(tagToolClose)
			x.emit(ExtractorEvent{Segment: SegmentToolCall, Action: ActionField, Iteration: x.iteration, ToolIndex: tc.index, Field: "tool", Value: tc.tool})

		case strings.HasPrefix(rest, tagReasonOpen):
			i := strings.Index(rest, tagReasonClose)
			if i < 0 {
				return
			}
			tc.reason = strings.TrimSpace(rest[len(tagReasonOpen):i])
			tc.parsed += i + len(tagReasonClose)
			x.emit(ExtractorEvent{Segment: SegmentToolCall, Action: ActionField, Iteration: x.iteration, ToolIndex: tc.index, Field: "reason", Value: tc.reason})

		case strings.HasPrefix(rest, paramOpenPrefix):
			q := strings.Index(rest[len(paramOpenPrefix):], `">`)
			if q < 0 {
				return
			}
			tc.curParam = rest[len(paramOpenPrefix) : len(paramOpenPrefix)+q]
			tc.curParamStart = tc.parsed + len(paramOpenPrefix) + q + len(`">`)

		case strings.HasPrefix(rest, tagToolCallClose):
			return

		default:
			if couldOpenElement(rest) {
				// Incomplete tag; wait for more input.
				return
			}
			// Stray '<' inside free text; skip past it.
			tc.parsed++
		}
	}
}

// streamParam delivers growth of the current param as param_delta when the
// value extends what was already sent, or param_update otherwise.
func (x *StreamExtractor) streamParam(value string, complete bool) {
	tc := x.tc
	prev := tc.sent[tc.curParam]
	if value == prev && !complete {
		return
	}
	if strings.HasPrefix(value, prev) {
		if delta := value[len(prev):]; delta != "" {
			x.emit(ExtractorEvent{
				Segment: SegmentToolCall, Action: ActionParamDelta,
				Iteration: x.iteration, ToolIndex: tc.index,
				Param: tc.curParam, Offset: len(prev), Delta: delta,
			})
		}
	} else {
		x.emit(ExtractorEvent{
			Segment: SegmentToolCall, Action: ActionParamUpdate,
			Iteration: x.iteration, ToolIndex: tc.index,
			Param: tc.curParam, Value: value,
		})
	}
	tc.sent[tc.curParam] = value
	x.maybeAutoExec(tc.curParam, value, complete)
}

func (x *StreamExtractor) finishParam(value string) {
	tc := x.tc
	x.streamParam(value, true)
	tc.params[tc.curParam] = value
	x.emit(ExtractorEvent{
		Segment: SegmentToolCall, Action: ActionParam,
		Iteration: x.iteration, ToolIndex: tc.index,
		Param: tc.curParam, Value: value,
	})
}

// maybeAutoExec triggers early execution of append-only file writes once
// the path is final and the content has grown past the last snapshot.
func (x *StreamExtractor) maybeAutoExec(param, value string, complete bool) {
	tc := x.tc
	if x.autoExec == nil || (tc.tool != "file.write" && tc.tool != "file.edit") {
		return
	}
	if param != "content" && param != "new_content" {
		return
	}
	path, ok := tc.params["file_path"]
	if !ok || path == "" {
		return
	}
	if len(value) <= tc.execSize && !complete {
		return
	}
	sum := sha256.Sum256([]byte(value))
	sig := hex.EncodeToString(sum[:])
	if sig == tc.execSig {
		return
	}
	tc.execSig = sig
	tc.execSize = len(value)
	x.autoExec(FileOpSnapshot{
		Iteration: x.iteration,
		ToolIndex: tc.index,
		Tool:      tc.tool,
		FilePath:  path,
		ParamName: param,
		Content:   value,
		Signature: sig,
	})
}

// Finish flushes held-back text and closes any open segment. The extractor
// must not be fed afterwards.
func (x *StreamExtractor) Finish() {
	x.closeThoughts()
	switch x.mode {
	case modeMessage:
		if len(x.buf) > x.emitted {
			x.emit(ExtractorEvent{Segment: SegmentResponse, Action: ActionAppend, Iteration: x.iteration, Text: x.buf[x.emitted:]})
		}
		x.emit(ExtractorEvent{Segment: SegmentResponse, Action: ActionComplete, Iteration: x.iteration})
	case modeToolCall:
		if x.tc.curParam != "" {
			x.finishParam(x.tc.body[x.tc.curParamStart:])
		}
		x.emit(ExtractorEvent{Segment: SegmentToolCall, Action: ActionComplete, Iteration: x.iteration, ToolIndex: x.tc.index})
		x.tc = nil
	}
	x.mode = modeTop
	x.buf = ""
	x.emitted = 0
}

// partialTagLen returns the length of the longest proper suffix of s that
// is a prefix of tag. This is the holdback amount: at most len(tag)-1
// bytes withheld until more input disambiguates.
func partialTagLen(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}

// couldOpenElement reports whether s is a proper prefix of one of the
// tool-call inner opening tags (and so may complete with more input).
func couldOpenElement(s string) bool {
	for _, tag := range []string{tagToolOpen, tagReasonOpen, paramOpenPrefix, tagToolCallClose} {
		if len(s) < len(tag) && strings.HasPrefix(tag, s) {
			return true
		}
	}
	return false
}
