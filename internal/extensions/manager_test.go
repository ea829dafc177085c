package extensions

import (
	"context"
	"errors"
	"testing"
)

// stubClient is a minimal Client for exercising Manager routing without an
// MCP server or the code_execution interpreter.
type stubClient struct {
	tools  []ToolDef
	calls  []string
	closed bool
}

func (s *stubClient) Tools(ctx context.Context) ([]ToolDef, error) { return s.tools, nil }

func (s *stubClient) Call(ctx context.Context, tool string, arguments []byte) (CallResult, error) {
	s.calls = append(s.calls, tool)
	return CallResult{Content: textContent("ok:" + tool)}, nil
}

func (s *stubClient) ReadResource(ctx context.Context, uri string) ([]byte, string, bool, error) {
	return []byte("resource:" + uri), "text/plain", true, nil
}

func (s *stubClient) Close() error {
	s.closed = true
	return nil
}

func TestManagerAddDuplicateIsNoOp(t *testing.T) {
	m := NewManager(nil)
	if err := m.Add("dev", &stubClient{}); err != nil {
		t.Fatalf("Add() first call: %v", err)
	}
	if err := m.Add("dev", &stubClient{}); !errors.Is(err, ErrDuplicateExtension) {
		t.Fatalf("Add() duplicate = %v, want ErrDuplicateExtension", err)
	}
	if len(m.Keys()) != 1 {
		t.Fatalf("Keys() = %v, want exactly one entry after rejected duplicate", m.Keys())
	}
}

func TestManagerListToolsPrefixesNames(t *testing.T) {
	m := NewManager(nil)
	client := &stubClient{tools: []ToolDef{{Name: "shell"}, {Name: "read_file"}}}
	if err := m.Add("dev", client); err != nil {
		t.Fatalf("Add(): %v", err)
	}

	tools, err := m.ListTools(context.Background(), "session-1", nil)
	if err != nil {
		t.Fatalf("ListTools(): %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("ListTools() returned %d tools, want 2", len(tools))
	}
	if tools[0].Name != "dev__shell" || tools[1].Name != "dev__read_file" {
		t.Fatalf("ListTools() = %+v, want dev__-prefixed names", tools)
	}
}

func TestManagerDispatchRoutesByPrefix(t *testing.T) {
	m := NewManager(nil)
	dev := &stubClient{tools: []ToolDef{{Name: "shell"}}}
	if err := m.Add("dev", dev); err != nil {
		t.Fatalf("Add(): %v", err)
	}

	result, err := m.DispatchToolCall(context.Background(), "session-1", "dev__shell", []byte(`{}`))
	if err != nil {
		t.Fatalf("DispatchToolCall(dev__shell): %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "ok:shell" {
		t.Fatalf("DispatchToolCall(dev__shell) = %+v, want ok:shell", result)
	}
	if len(dev.calls) != 1 || dev.calls[0] != "shell" {
		t.Fatalf("underlying client saw calls %v, want [shell] (prefix must be stripped)", dev.calls)
	}
}

func TestManagerDispatchUnknownPrefixErrors(t *testing.T) {
	m := NewManager(nil)
	if _, err := m.DispatchToolCall(context.Background(), "session-1", "nope__x", []byte(`{}`)); !errors.Is(err, ErrUnknownExtension) {
		t.Fatalf("DispatchToolCall(nope__x) = %v, want ErrUnknownExtension", err)
	}
}

func TestManagerDispatchMissingPrefixErrors(t *testing.T) {
	m := NewManager(nil)
	if _, err := m.DispatchToolCall(context.Background(), "session-1", "shell", []byte(`{}`)); err == nil {
		t.Fatal("DispatchToolCall(shell) = nil error, want a missing-prefix error")
	}
}

func TestManagerRemoveClosesClient(t *testing.T) {
	m := NewManager(nil)
	client := &stubClient{}
	if err := m.Add("dev", client); err != nil {
		t.Fatalf("Add(): %v", err)
	}
	if err := m.Remove("dev"); err != nil {
		t.Fatalf("Remove(): %v", err)
	}
	if !client.closed {
		t.Fatal("Remove() did not close the underlying client")
	}
	if len(m.Keys()) != 0 {
		t.Fatalf("Keys() = %v after Remove, want empty", m.Keys())
	}
}

func TestManagerReadResourceRoutesByExtensionName(t *testing.T) {
	m := NewManager(nil)
	if err := m.Add("docs", &stubClient{}); err != nil {
		t.Fatalf("Add(): %v", err)
	}

	data, mimeType, isText, err := m.ReadResource(context.Background(), "file:///readme.md", "docs")
	if err != nil {
		t.Fatalf("ReadResource(): %v", err)
	}
	if !isText || mimeType != "text/plain" || string(data) != "resource:file:///readme.md" {
		t.Fatalf("ReadResource() = (%q, %q, %v), unexpected", data, mimeType, isText)
	}

	if _, _, _, err := m.ReadResource(context.Background(), "file:///readme.md", "missing"); !errors.Is(err, ErrUnknownExtension) {
		t.Fatalf("ReadResource(missing) = %v, want ErrUnknownExtension", err)
	}
}

func TestCodeExecutorDispatchesThroughManager(t *testing.T) {
	m := NewManager(nil)
	dev := &stubClient{tools: []ToolDef{{Name: "shell"}}}
	if err := m.Add("dev", dev); err != nil {
		t.Fatalf("Add(): %v", err)
	}

	exec := NewCodeExecutor(func(ctx context.Context, name string, arguments []byte) (CallResult, error) {
		return m.DispatchToolCall(ctx, "session-1", name, arguments)
	}, []Module{{Name: "helpers", Source: "func greet() {}"}})
	if err := m.Add(CodeExecutionKey, exec); err != nil {
		t.Fatalf("Add(code_execution): %v", err)
	}

	result, err := m.DispatchToolCall(context.Background(), "session-1", "code_execution__execute_code",
		[]byte(`{"script":"$out = call \"dev__shell\" {}\ncall \"dev__shell\" {}"}`))
	if err != nil {
		t.Fatalf("DispatchToolCall(code_execution__execute_code): %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "ok:shell" {
		t.Fatalf("execute_code result = %+v, want ok:shell", result)
	}
	if len(dev.calls) != 2 {
		t.Fatalf("execute_code made %d calls into dev, want 2", len(dev.calls))
	}
}

func TestCodeExecutorReadModule(t *testing.T) {
	m := NewManager(nil)
	exec := NewCodeExecutor(nil, []Module{{Name: "helpers", Source: "func greet() {}"}})
	if err := m.Add(CodeExecutionKey, exec); err != nil {
		t.Fatalf("Add(code_execution): %v", err)
	}

	result, err := m.DispatchToolCall(context.Background(), "session-1", "code_execution__read_module", []byte(`{"name":"helpers"}`))
	if err != nil {
		t.Fatalf("DispatchToolCall(read_module): %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "func greet() {}" {
		t.Fatalf("read_module result = %+v, want helpers source", result)
	}
}

func TestManagerDispatchValidatesArguments(t *testing.T) {
	m := NewManager(nil)
	dev := &stubClient{tools: []ToolDef{{
		Name:        "shell",
		InputSchema: []byte(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
	}}}
	if err := m.Add("dev", dev); err != nil {
		t.Fatalf("Add(): %v", err)
	}

	// Valid arguments pass through to the client.
	if _, err := m.DispatchToolCall(context.Background(), "session-1", "dev__shell", []byte(`{"command":"echo hi"}`)); err != nil {
		t.Fatalf("DispatchToolCall(valid args): %v", err)
	}
	if len(dev.calls) != 1 {
		t.Fatalf("client saw %d calls, want 1", len(dev.calls))
	}

	// Arguments missing a required property are rejected before dispatch.
	if _, err := m.DispatchToolCall(context.Background(), "session-1", "dev__shell", []byte(`{}`)); err == nil {
		t.Fatal("DispatchToolCall(missing required arg) = nil error, want schema rejection")
	}
	if len(dev.calls) != 1 {
		t.Fatalf("client saw %d calls after rejected dispatch, want still 1", len(dev.calls))
	}

	// Arguments that are not JSON at all are rejected too.
	if _, err := m.DispatchToolCall(context.Background(), "session-1", "dev__shell", []byte(`not json`)); err == nil {
		t.Fatal("DispatchToolCall(non-JSON args) = nil error, want rejection")
	}
}
