package atlas

import (
	"strings"
	"testing"
)

type eventRec struct {
	events []ExtractorEvent
}

func (r *eventRec) emit(ev ExtractorEvent) { r.events = append(r.events, ev) }

func (r *eventRec) text(segment string) string {
	var b strings.Builder
	for _, ev := range r.events {
		if ev.Segment == segment && ev.Action == ActionAppend {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func (r *eventRec) actions(segment string) []string {
	var out []string
	for _, ev := range r.events {
		if ev.Segment == segment {
			out = append(out, ev.Action)
		}
	}
	return out
}

func TestExtractorMessageHoldback(t *testing.T) {
	rec := &eventRec{}
	x := NewStreamExtractor(rec.emit, nil)

	// Feed byte by byte so every tag straddles chunk boundaries.
	input := "preamble <MESSAGE>hello, world</MESSAGE> trailer"
	for i := 0; i < len(input); i++ {
		x.Feed(input[i : i+1])
	}
	x.Finish()

	if got := rec.text(SegmentResponse); got != "hello, world" {
		t.Errorf("response text = %q", got)
	}
	for _, ev := range rec.events {
		if strings.Contains(ev.Text, "<") {
			t.Errorf("markup leaked into text: %q", ev.Text)
		}
	}
	acts := rec.actions(SegmentResponse)
	if acts[0] != ActionStart || acts[len(acts)-1] != ActionComplete {
		t.Errorf("response actions = %v", acts)
	}
}

func TestExtractorThoughtsCloseOnAnswer(t *testing.T) {
	rec := &eventRec{}
	x := NewStreamExtractor(rec.emit, nil)

	x.FeedThoughts("thinking ")
	x.FeedThoughts("hard")
	x.Feed("<MESSAGE>done</MESSAGE>")
	x.Finish()

	if got := rec.text(SegmentThoughts); got != "thinking hard" {
		t.Errorf("thoughts = %q", got)
	}
	acts := rec.actions(SegmentThoughts)
	want := []string{ActionStart, ActionAppend, ActionAppend, ActionComplete}
	if len(acts) != len(want) {
		t.Fatalf("thought actions = %v", acts)
	}
	for i := range want {
		if acts[i] != want[i] {
			t.Errorf("thought action[%d] = %s, want %s", i, acts[i], want[i])
		}
	}
	// Late reasoning after the answer channel opened is dropped.
	n := len(rec.events)
	x.FeedThoughts("more")
	if len(rec.events) != n {
		t.Error("thoughts after completion should be ignored")
	}
}

func TestExtractorToolCallFieldsAndParamDeltas(t *testing.T) {
	rec := &eventRec{}
	x := NewStreamExtractor(rec.emit, nil)

	input := `<TOOL_CALL><TOOL>file.write</TOOL><REASON>create the config</REASON>` +
		`<PARAM name="file_path">cfg/app.toml</PARAM>` +
		`<PARAM name="content">key = "value"</PARAM></TOOL_CALL>`
	// Uneven chunking across every tag boundary.
	for i := 0; i < len(input); i += 7 {
		end := i + 7
		if end > len(input) {
			end = len(input)
		}
		x.Feed(input[i:end])
	}
	x.Finish()

	var tool, reason string
	var deltas []ExtractorEvent
	params := map[string]string{}
	for _, ev := range rec.events {
		switch {
		case ev.Action == ActionField && ev.Field == "tool":
			tool = ev.Value
		case ev.Action == ActionField && ev.Field == "reason":
			reason = ev.Value
		case ev.Action == ActionParamDelta:
			deltas = append(deltas, ev)
		case ev.Action == ActionParam:
			params[ev.Param] = ev.Value
		}
	}
	if tool != "file.write" || reason != "create the config" {
		t.Errorf("tool=%q reason=%q", tool, reason)
	}
	if params["file_path"] != "cfg/app.toml" || params["content"] != `key = "value"` {
		t.Errorf("params = %v", params)
	}

	// Deltas reassemble each param exactly, offsets contiguous.
	assembled := map[string]string{}
	for _, d := range deltas {
		if d.Offset != len(assembled[d.Param]) {
			t.Errorf("param %s: offset %d, have %d bytes", d.Param, d.Offset, len(assembled[d.Param]))
		}
		assembled[d.Param] += d.Delta
	}
	for name, want := range params {
		if assembled[name] != want {
			t.Errorf("param %s reassembled %q, want %q", name, assembled[name], want)
		}
	}
}

func TestExtractorAutoExecDedup(t *testing.T) {
	rec := &eventRec{}
	var snaps []FileOpSnapshot
	x := NewStreamExtractor(rec.emit, func(op FileOpSnapshot) {
		snaps = append(snaps, op)
	})

	x.Feed(`<TOOL_CALL><TOOL>file.write</TOOL>` +
		`<PARAM name="file_path">main.go</PARAM>` +
		`<PARAM name="content">package main`)
	x.Feed("\n\nfunc main() {}\n</PARAM></TOOL_CALL>")
	x.Finish()

	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(snaps))
	}
	if snaps[0].Content != "package main" {
		t.Errorf("first snapshot content = %q", snaps[0].Content)
	}
	if snaps[1].Content != "package main\n\nfunc main() {}\n" {
		t.Errorf("final snapshot content = %q", snaps[1].Content)
	}
	if snaps[0].Signature == snaps[1].Signature {
		t.Error("distinct contents must have distinct signatures")
	}
	for _, s := range snaps {
		if s.Tool != "file.write" || s.FilePath != "main.go" || s.ParamName != "content" {
			t.Errorf("snapshot = %+v", s)
		}
	}
}

func TestExtractorAutoExecNeedsPath(t *testing.T) {
	rec := &eventRec{}
	var snaps []FileOpSnapshot
	x := NewStreamExtractor(rec.emit, func(op FileOpSnapshot) {
		snaps = append(snaps, op)
	})

	// content arrives before file_path: no execution without a path.
	x.Feed(`<TOOL_CALL><TOOL>file.write</TOOL>` +
		`<PARAM name="content">data</PARAM></TOOL_CALL>`)
	x.Finish()
	if len(snaps) != 0 {
		t.Errorf("executed without file_path: %v", snaps)
	}
}

func TestExtractorAutoExecOnlyFileTools(t *testing.T) {
	rec := &eventRec{}
	var snaps []FileOpSnapshot
	x := NewStreamExtractor(rec.emit, func(op FileOpSnapshot) {
		snaps = append(snaps, op)
	})

	x.Feed(`<TOOL_CALL><TOOL>shell.run</TOOL>` +
		`<PARAM name="file_path">x</PARAM>` +
		`<PARAM name="content">rm -rf</PARAM></TOOL_CALL>`)
	x.Finish()
	if len(snaps) != 0 {
		t.Errorf("non-file tool should not auto-execute: %v", snaps)
	}
}

func TestExtractorFinishFlushesOpenSegments(t *testing.T) {
	rec := &eventRec{}
	x := NewStreamExtractor(rec.emit, nil)

	x.Feed("<MESSAGE>truncated answ")
	x.Finish()

	if got := rec.text(SegmentResponse); got != "truncated answ" {
		t.Errorf("flushed text = %q", got)
	}
	acts := rec.actions(SegmentResponse)
	if acts[len(acts)-1] != ActionComplete {
		t.Errorf("open message must be completed on finish: %v", acts)
	}
}

func TestExtractorFinishClosesToolCall(t *testing.T) {
	rec := &eventRec{}
	x := NewStreamExtractor(rec.emit, nil)

	x.Feed(`<TOOL_CALL><TOOL>web.search</TOOL><PARAM name="query">go gener`)
	x.Finish()

	var param ExtractorEvent
	for _, ev := range rec.events {
		if ev.Action == ActionParam {
			param = ev
		}
	}
	if param.Param != "query" || param.Value != "go gener" {
		t.Errorf("param event = %+v", param)
	}
	acts := rec.actions(SegmentToolCall)
	if acts[len(acts)-1] != ActionComplete {
		t.Errorf("open tool call must be completed on finish: %v", acts)
	}
}

func TestExtractorIterationsAndToolIndex(t *testing.T) {
	rec := &eventRec{}
	x := NewStreamExtractor(rec.emit, nil)

	x.Feed(`<TOOL_CALL><TOOL>a</TOOL></TOOL_CALL><TOOL_CALL><TOOL>b</TOOL></TOOL_CALL>`)
	x.NextIteration()
	x.Feed(`<TOOL_CALL><TOOL>c</TOOL></TOOL_CALL>`)
	x.Finish()

	var starts []ExtractorEvent
	for _, ev := range rec.events {
		if ev.Segment == SegmentToolCall && ev.Action == ActionStart {
			starts = append(starts, ev)
		}
	}
	if len(starts) != 3 {
		t.Fatalf("tool call starts = %d", len(starts))
	}
	if starts[0].Iteration != 0 || starts[0].ToolIndex != 0 ||
		starts[1].Iteration != 0 || starts[1].ToolIndex != 1 ||
		starts[2].Iteration != 1 || starts[2].ToolIndex != 0 {
		t.Errorf("starts = %+v", starts)
	}
}
