package providers

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/haasonsaas/orbit/pkg/models"
)

func TestConvertMessagesToGemini(t *testing.T) {
	tests := []struct {
		name     string
		messages []models.Message
		wantLen  int
	}{
		{
			name: "user and assistant text",
			messages: []models.Message{
				{Role: models.RoleUser, Items: []models.ContentItem{models.TextItem("hello")}},
				{Role: models.RoleAssistant, Items: []models.ContentItem{models.TextItem("hi")}},
			},
			wantLen: 2,
		},
		{
			name: "empty message dropped",
			messages: []models.Message{
				{Role: models.RoleUser, Items: nil},
			},
			wantLen: 0,
		},
		{
			name: "tool request and response",
			messages: []models.Message{
				{Role: models.RoleAssistant, Items: []models.ContentItem{
					models.ToolRequestItem("call_1", "get_weather", json.RawMessage(`{"location":"NYC"}`)),
				}},
				{Role: models.RoleUser, Items: []models.ContentItem{
					models.ToolResponseItem("call_1", models.ToolOutcome{Content: []models.ToolResultContent{{Type: "text", Text: `{"temp":72}`}}}),
				}},
			},
			wantLen: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := convertMessagesToGemini(tt.messages)
			if len(got) != tt.wantLen {
				t.Errorf("convertMessagesToGemini() got %d contents, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestConvertMessagesToGeminiRoles(t *testing.T) {
	got := convertMessagesToGemini([]models.Message{
		{Role: models.RoleAssistant, Items: []models.ContentItem{models.TextItem("hi")}},
	})
	if len(got) != 1 {
		t.Fatalf("expected 1 content, got %d", len(got))
	}
	if got[0].Role != "model" {
		t.Errorf("expected role 'model' for assistant message, got %q", got[0].Role)
	}
}

func TestConvertToolsToGemini(t *testing.T) {
	tools := []ToolSchema{
		{Name: "search", Description: "search the web", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}
	got := convertToolsToGemini(tools)
	if len(got) != 1 {
		t.Fatalf("expected 1 tool wrapper, got %d", len(got))
	}
	if len(got[0].FunctionDeclarations) != 1 || got[0].FunctionDeclarations[0].Name != "search" {
		t.Errorf("unexpected function declarations: %+v", got[0].FunctionDeclarations)
	}
}

func TestWrapGoogleErrorClassification(t *testing.T) {
	wrapped := wrapGoogleError(errors.New("429 resource exhausted"))
	var rateLimit *RateLimitError
	if !errors.As(wrapped, &rateLimit) {
		t.Fatalf("expected RateLimitError, got %T", wrapped)
	}

	wrapped = wrapGoogleError(errors.New("401 unauthenticated"))
	var authErr *AuthenticationError
	if !errors.As(wrapped, &authErr) {
		t.Fatalf("expected AuthenticationError, got %T", wrapped)
	}

	wrapped = wrapGoogleError(errors.New("some unrelated failure"))
	if wrapped == nil {
		t.Fatal("expected non-nil passthrough error")
	}
	var authErr2 *AuthenticationError
	if errors.As(wrapped, &authErr2) {
		t.Fatal("unrelated error should not classify as AuthenticationError")
	}
}

func TestNewGoogleProviderRequiresAPIKey(t *testing.T) {
	if _, err := NewGoogleProvider(nil, GoogleConfig{}); err == nil {
		t.Fatal("expected error when APIKey is empty")
	}
}
