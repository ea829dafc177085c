package extensions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/orbit/pkg/models"
)

// textContent wraps a plain string result the way every Client variant
// reports single-value textual output.
func textContent(s string) []models.ToolResultContent {
	return []models.ToolResultContent{{Type: "text", Text: s}}
}

// CodeExecutionKey is the reserved extension key for the code_execution
// built-in.
const CodeExecutionKey = "code_execution"

// Module is one unit of source the code_execution built-in can read back
// or search over, e.g. a previously-written scratch file or a canned
// snippet library entry.
type Module struct {
	Name   string
	Source string
}

// CodeExecutor implements Client for the code_execution built-in. Rather
// than embedding a real JavaScript engine, it runs a small line-oriented
// script language whose only operation is calling back into a Manager's
// routed tools, synchronous and cancellable the same way any other
// dispatch is, without pulling in a scripting runtime this project has no
// other use for.
//
// A script is a sequence of statements, one per line:
//
//	$var = call "key__tool" {"arg": "value"}
//	call "key__tool" {"arg": "${var}"}
//
// "${name}" inside a call's JSON argument is substituted with the string
// value of a previously assigned variable before the argument is parsed.
// The executor returns the value of the final statement.
type CodeExecutor struct {
	dispatch func(ctx context.Context, name string, arguments []byte) (CallResult, error)
	modules  map[string]string
}

// NewCodeExecutor builds the code_execution client. dispatch is normally
// Manager.DispatchToolCall bound to a session, so scripts can call any
// other registered extension's tools. modules seeds read_module and
// search_modules.
func NewCodeExecutor(dispatch func(ctx context.Context, name string, arguments []byte) (CallResult, error), modules []Module) *CodeExecutor {
	m := make(map[string]string, len(modules))
	for _, mod := range modules {
		m[mod.Name] = mod.Source
	}
	return &CodeExecutor{dispatch: dispatch, modules: m}
}

func (e *CodeExecutor) Tools(ctx context.Context) ([]ToolDef, error) {
	return []ToolDef{
		{
			Name:        "execute_code",
			Description: "Run a short script that can call other tools by name and thread results between calls.",
			InputSchema: []byte(`{"type":"object","properties":{"script":{"type":"string"}},"required":["script"]}`),
		},
		{
			Name:        "read_module",
			Description: "Return the source of a named module.",
			InputSchema: []byte(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
		},
		{
			Name:        "search_modules",
			Description: "Search module names and source for a substring.",
			InputSchema: []byte(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
		},
	}, nil
}

func (e *CodeExecutor) Call(ctx context.Context, tool string, arguments []byte) (CallResult, error) {
	switch tool {
	case "execute_code":
		var in struct {
			Script string `json:"script"`
		}
		if err := json.Unmarshal(arguments, &in); err != nil {
			return CallResult{}, fmt.Errorf("decode execute_code arguments: %w", err)
		}
		out, err := e.run(ctx, in.Script)
		if err != nil {
			return CallResult{Content: textContent(err.Error()), IsError: true}, nil
		}
		return CallResult{Content: textContent(out)}, nil

	case "read_module":
		var in struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(arguments, &in); err != nil {
			return CallResult{}, fmt.Errorf("decode read_module arguments: %w", err)
		}
		src, ok := e.modules[in.Name]
		if !ok {
			return CallResult{Content: textContent(fmt.Sprintf("no such module: %q", in.Name)), IsError: true}, nil
		}
		return CallResult{Content: textContent(src)}, nil

	case "search_modules":
		var in struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(arguments, &in); err != nil {
			return CallResult{}, fmt.Errorf("decode search_modules arguments: %w", err)
		}
		var matches []string
		for _, name := range e.sortedModuleNames() {
			if strings.Contains(name, in.Query) || strings.Contains(e.modules[name], in.Query) {
				matches = append(matches, name)
			}
		}
		return CallResult{Content: textContent(strings.Join(matches, "\n"))}, nil

	default:
		return CallResult{}, fmt.Errorf("code_execution has no tool %q", tool)
	}
}

func (e *CodeExecutor) sortedModuleNames() []string {
	names := make([]string, 0, len(e.modules))
	for name := range e.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *CodeExecutor) ReadResource(ctx context.Context, uri string) ([]byte, string, bool, error) {
	if src, ok := e.modules[uri]; ok {
		return []byte(src), "text/plain", true, nil
	}
	return nil, "", false, fmt.Errorf("code_execution has no resource %q", uri)
}

func (e *CodeExecutor) Close() error { return nil }

// run interprets a script line by line, substituting "${var}" references
// in call arguments with prior results and returning the last call's
// textual output. It returns as soon as ctx is cancelled.
func (e *CodeExecutor) run(ctx context.Context, script string) (string, error) {
	vars := map[string]string{}
	var last string

	for lineNo, raw := range strings.Split(script, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		assignTo := ""
		if strings.HasPrefix(line, "$") {
			name, rest, ok := strings.Cut(line, "=")
			if !ok {
				return "", fmt.Errorf("line %d: expected '=' after variable name", lineNo+1)
			}
			assignTo = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(name), "$"))
			line = strings.TrimSpace(rest)
		}

		if !strings.HasPrefix(line, "call ") {
			return "", fmt.Errorf("line %d: unrecognized statement %q", lineNo+1, line)
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "call "))

		nameLit, argsLit, ok := strings.Cut(rest, " ")
		if !ok {
			nameLit, argsLit = rest, "{}"
		}
		name := strings.Trim(nameLit, `"`)
		args := substituteVars(argsLit, vars)

		if e.dispatch == nil {
			return "", fmt.Errorf("line %d: no dispatcher wired for tool calls", lineNo+1)
		}
		result, err := e.dispatch(ctx, name, []byte(args))
		if err != nil {
			return "", fmt.Errorf("line %d: %w", lineNo+1, err)
		}

		var text strings.Builder
		for _, c := range result.Content {
			text.WriteString(c.Text)
		}
		last = text.String()
		if assignTo != "" {
			vars[assignTo] = last
		}
	}

	return last, nil
}

func substituteVars(s string, vars map[string]string) string {
	for name, val := range vars {
		s = strings.ReplaceAll(s, "${"+name+"}", val)
	}
	return s
}
