package atlas

import (
	"context"
	"strings"
	"testing"
)

func TestParseFastPath(t *testing.T) {
	xml := `<TOOL>web.search</TOOL>
<PARAM name="query">go sliding window rate limiter</PARAM>
<PARAM name="limit">5</PARAM>`
	call, err := ParseFastPath(xml)
	if err != nil {
		t.Fatalf("ParseFastPath: %v", err)
	}
	if call.Tool != "web.search" {
		t.Errorf("tool = %q", call.Tool)
	}
	if call.Params["query"] != "go sliding window rate limiter" || call.Params["limit"] != "5" {
		t.Errorf("params = %v", call.Params)
	}
}

func TestParseFastPathMultilineParam(t *testing.T) {
	xml := "<TOOL>file.write</TOOL>\n<PARAM name=\"content\">line one\nline two</PARAM>"
	call, err := ParseFastPath(xml)
	if err != nil {
		t.Fatalf("ParseFastPath: %v", err)
	}
	if call.Params["content"] != "line one\nline two" {
		t.Errorf("content = %q", call.Params["content"])
	}
}

func TestParseFastPathMissingTool(t *testing.T) {
	if _, err := ParseFastPath(`<PARAM name="x">y</PARAM>`); err == nil {
		t.Fatal("expected error for missing <TOOL>")
	}
	if _, err := ParseFastPath(`<TOOL>  </TOOL>`); err == nil {
		t.Fatal("expected error for empty tool name")
	}
}

func TestFormatFastPathResult(t *testing.T) {
	out := FormatFastPathResult("web.search", "three results", "what is new in go 1.24?")
	if !strings.HasPrefix(out, "[SYSTEM CALLED THE RELEVANT TOOL. Tool `web.search` returned the following output:]\n") {
		t.Errorf("bad prefix: %q", out)
	}
	if !strings.Contains(out, "three results\n[USER QUERY:]\nwhat is new in go 1.24?") {
		t.Errorf("bad body: %q", out)
	}
}

func TestStaticRouterFillsDefaults(t *testing.T) {
	r := StaticRouter{Provider: "openai", Model: "gpt-4.1"}

	d, err := r.Route(context.Background(), TurnRequest{}, nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Route != RouteDirect || d.Provider != "openai" || d.Model != "gpt-4.1" {
		t.Errorf("decision = %+v", d)
	}
	if !d.Direct() {
		t.Error("static decision should be direct")
	}

	d, _ = r.Route(context.Background(), TurnRequest{Provider: "gemini", Model: "gemini-2.5-pro"}, nil)
	if d.Provider != "gemini" || d.Model != "gemini-2.5-pro" {
		t.Errorf("request fields should win: %+v", d)
	}
}

func TestRouterDecisionDirect(t *testing.T) {
	if !(RouterDecision{}).Direct() {
		t.Error("empty route is direct")
	}
	if (RouterDecision{Route: RouteCoder}).Direct() {
		t.Error("coder route is not direct")
	}
}
