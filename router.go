package atlas

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Route classes selected by the router.
const (
	RouteDirect        = "direct"
	RouteCoder         = "coder"
	RouteWebResearcher = "web_researcher"
	RouteMultiDomain   = "multi_domain"
)

// RouterDecision is the routing outcome for one turn. It is persisted on
// the user message as an opaque blob and reused verbatim when the turn is
// retried.
type RouterDecision struct {
	Route    string `json:"route"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Domain   string `json:"domain,omitempty"`
	// FastPathParams is the XML single-tool invocation selected when one
	// tool call suffices to answer the turn.
	FastPathParams string `json:"fastpath_params,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Direct reports whether the decision keeps the turn on the plain
// streaming path.
func (d RouterDecision) Direct() bool {
	return d.Route == "" || d.Route == RouteDirect
}

// Router selects which model/route/domain should handle a turn.
type Router interface {
	Route(ctx context.Context, req TurnRequest, history []Message) (RouterDecision, error)
}

// StaticRouter always answers with a fixed decision, falling back to the
// request's own provider/model. It is the default when no routing model is
// configured.
type StaticRouter struct {
	Provider string
	Model    string
}

func (r StaticRouter) Route(_ context.Context, req TurnRequest, _ []Message) (RouterDecision, error) {
	d := RouterDecision{Route: RouteDirect, Provider: req.Provider, Model: req.Model}
	if d.Provider == "" {
		d.Provider = r.Provider
	}
	if d.Model == "" {
		d.Model = r.Model
	}
	return d, nil
}

// --- FastPath ---

// FastPathCall is a parsed single-tool invocation:
//
//	<TOOL>tool.name</TOOL>
//	<PARAM name="key1">value1</PARAM>
//	<PARAM name="key2">value2</PARAM>
type FastPathCall struct {
	Tool   string
	Params map[string]string
}

// ToolExecutor runs one named tool with string params. The dispatcher uses
// it for fastpath execution; implementations live outside the core.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, params map[string]string) (string, error)
}

var (
	fastToolRe  = regexp.MustCompile(`(?s)<TOOL>(.*?)</TOOL>`)
	fastParamRe = regexp.MustCompile(`(?s)<PARAM name="([^"]*)">(.*?)</PARAM>`)
)

// ParseFastPath parses the router's fastpath XML. The tool name is
// required; params are optional.
func ParseFastPath(xml string) (FastPathCall, error) {
	m := fastToolRe.FindStringSubmatch(xml)
	if m == nil {
		return FastPathCall{}, fmt.Errorf("fastpath: missing <TOOL> block")
	}
	call := FastPathCall{
		Tool:   strings.TrimSpace(m[1]),
		Params: make(map[string]string),
	}
	if call.Tool == "" {
		return FastPathCall{}, fmt.Errorf("fastpath: empty tool name")
	}
	for _, p := range fastParamRe.FindAllStringSubmatch(xml, -1) {
		call.Params[p[1]] = p[2]
	}
	return call, nil
}

// FormatFastPathResult wraps a tool's output and the original user query so
// the model sees the pre-executed result ahead of the question.
func FormatFastPathResult(tool, output, userMessage string) string {
	var b strings.Builder
	b.WriteString("[SYSTEM CALLED THE RELEVANT TOOL. Tool `")
	b.WriteString(tool)
	b.WriteString("` returned the following output:]\n")
	b.WriteString(output)
	b.WriteString("\n[USER QUERY:]\n")
	b.WriteString(userMessage)
	return b.String()
}
