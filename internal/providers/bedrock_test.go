package providers

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/orbit/pkg/models"
)

func TestConvertMessagesToBedrock(t *testing.T) {
	tests := []struct {
		name     string
		messages []models.Message
		wantLen  int
	}{
		{
			name: "basic text messages",
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
			name: "tool use and tool result",
			messages: []models.Message{
				{Role: models.RoleAssistant, Items: []models.ContentItem{
					models.ToolRequestItem("call_1", "get_weather", json.RawMessage(`{"location":"NYC"}`)),
				}},
				{Role: models.RoleUser, Items: []models.ContentItem{
					models.ToolResponseItem("call_1", models.ToolOutcome{Content: []models.ToolResultContent{{Type: "text", Text: "72F"}}}),
				}},
			},
			wantLen: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := convertMessagesToBedrock(tt.messages)
			if len(got) != tt.wantLen {
				t.Errorf("convertMessagesToBedrock() got %d messages, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestConvertMessagesToBedrockRoles(t *testing.T) {
	got := convertMessagesToBedrock([]models.Message{
		{Role: models.RoleAssistant, Items: []models.ContentItem{models.TextItem("hi")}},
	})
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].Role != types.ConversationRoleAssistant {
		t.Errorf("expected assistant role, got %v", got[0].Role)
	}
}

func TestConvertToolsToBedrock(t *testing.T) {
	tools := []ToolSchema{
		{Name: "get_weather", Description: "fetch weather", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}
	cfg := convertToolsToBedrock(tools)
	if cfg == nil || len(cfg.Tools) != 1 {
		t.Fatalf("expected 1 tool spec, got %+v", cfg)
	}
}

func TestWrapBedrockErrorClassification(t *testing.T) {
	wrapped := wrapBedrockError(errors.New("ThrottlingException: rate exceeded"))
	var rateLimit *RateLimitError
	if !errors.As(wrapped, &rateLimit) {
		t.Fatalf("expected RateLimitError, got %T", wrapped)
	}

	wrapped = wrapBedrockError(errors.New("AccessDeniedException: not authorized"))
	var authErr *AuthenticationError
	if !errors.As(wrapped, &authErr) {
		t.Fatalf("expected AuthenticationError, got %T", wrapped)
	}

	wrapped = wrapBedrockError(errors.New("ServiceUnavailableException: try again"))
	var reqErr *RequestFailedError
	if !errors.As(wrapped, &reqErr) {
		t.Fatalf("expected RequestFailedError, got %T", wrapped)
	}
}
