package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/orbit/internal/extensions"
	"github.com/haasonsaas/orbit/pkg/models"
)

func TestRegisterExtensionsBuiltinCodeExecution(t *testing.T) {
	mgr := extensions.NewManager(nil)
	// code_execution dispatches back into mgr itself, so give it another
	// extension to route a call to.
	if err := mgr.Add("echo", echoClient{}); err != nil {
		t.Fatalf("Add(echo): %v", err)
	}

	err := RegisterExtensions(context.Background(), mgr, []ExtensionConfig{
		{Key: "code_execution", Kind: "builtin", Builtin: "code_execution"},
	}, nil)
	if err != nil {
		t.Fatalf("RegisterExtensions(): %v", err)
	}

	keys := mgr.Keys()
	found := false
	for _, k := range keys {
		if k == "code_execution" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Keys() = %v, want code_execution registered", keys)
	}
}

func TestRegisterExtensionsRejectsUnknownKind(t *testing.T) {
	mgr := extensions.NewManager(nil)
	err := RegisterExtensions(context.Background(), mgr, []ExtensionConfig{
		{Key: "bad", Kind: "carrier-pigeon"},
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown extension kind") {
		t.Fatalf("RegisterExtensions() error = %v, want unknown-kind error", err)
	}
}

func TestRegisterExtensionsRejectsUnknownBuiltin(t *testing.T) {
	mgr := extensions.NewManager(nil)
	err := RegisterExtensions(context.Background(), mgr, []ExtensionConfig{
		{Key: "bad", Kind: "builtin", Builtin: "not-a-real-builtin"},
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown builtin") {
		t.Fatalf("RegisterExtensions() error = %v, want unknown-builtin error", err)
	}
}

type echoClient struct{}

func (echoClient) Tools(ctx context.Context) ([]extensions.ToolDef, error) {
	return []extensions.ToolDef{{Name: "ping"}}, nil
}

func (echoClient) Call(ctx context.Context, tool string, arguments []byte) (extensions.CallResult, error) {
	return extensions.CallResult{Content: []models.ToolResultContent{{Type: "text", Text: "pong"}}}, nil
}

func (echoClient) ReadResource(ctx context.Context, uri string) ([]byte, string, bool, error) {
	return nil, "", false, nil
}

func (echoClient) Close() error { return nil }

func TestRegisterExtensionsBuiltinSkills(t *testing.T) {
	workspace := t.TempDir()
	skillDir := filepath.Join(workspace, "skills", "triage")
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := "---\nname: triage\ndescription: Triage bug reports\n---\nLabel each report.\n"
	if err := os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	mgr := extensions.NewManager(nil)
	err := RegisterExtensions(context.Background(), mgr, []ExtensionConfig{
		{Key: "skills", Kind: "builtin", Builtin: "skills", WorkDir: workspace},
	}, nil)
	if err != nil {
		t.Fatalf("RegisterExtensions(): %v", err)
	}

	tools, err := mgr.ListTools(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("ListTools(): %v", err)
	}
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	want := map[string]bool{"skills__skill_list": false, "skills__skill_view": false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, seen := range want {
		if !seen {
			t.Fatalf("ListTools() = %v, missing %s", names, n)
		}
	}
}
