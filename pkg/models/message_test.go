package models

import (
	"encoding/json"
	"testing"
)

func TestStripUnicodeTags(t *testing.T) {
	tagged := "hello" + string(rune(0xE0001)) + string(rune(0xE0042)) + " world"
	if got := StripUnicodeTags(tagged); got != "hello world" {
		t.Fatalf("StripUnicodeTags() = %q, want %q", got, "hello world")
	}

	// Legitimate Unicode (CJK, emoji) must be preserved byte-for-byte.
	clean := "日本語 🎉 café"
	if got := StripUnicodeTags(clean); got != clean {
		t.Fatalf("StripUnicodeTags() altered clean text: got %q, want %q", got, clean)
	}
}

func TestTextItemStripsTags(t *testing.T) {
	item := TextItem("hi" + string(rune(0xE0005)) + "there")
	if item.Text != "hithere" {
		t.Fatalf("TextItem().Text = %q, want %q", item.Text, "hithere")
	}
}

func TestMessageEffectiveRole(t *testing.T) {
	toolMsg := Message{Role: RoleUser, Items: []ContentItem{
		ToolResponseItem("1", ToolOutcome{Content: []ToolResultContent{{Type: "text", Text: "ok"}}}),
	}}
	if got := toolMsg.EffectiveRole(); got != "tool" {
		t.Fatalf("EffectiveRole() = %q, want %q", got, "tool")
	}

	plain := Message{Role: RoleUser, Items: []ContentItem{TextItem("hi")}}
	if got := plain.EffectiveRole(); got != "user" {
		t.Fatalf("EffectiveRole() = %q, want %q", got, "user")
	}
}

func TestMessageIsEmpty(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want bool
	}{
		{"no content", Message{}, true},
		{"all empty text", Message{Items: []ContentItem{TextItem(""), TextItem("")}}, true},
		{"has text", Message{Items: []ContentItem{TextItem("hi")}}, false},
		{"has tool request", Message{Items: []ContentItem{ToolRequestItem("1", "x", nil)}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.msg.IsEmpty(); got != tc.want {
				t.Fatalf("IsEmpty() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestContentItemLegacyToolResponseRoundTrip(t *testing.T) {
	legacy := `[{"type":"text","text":"hi"}]`
	var item ContentItem
	if err := json.Unmarshal([]byte(legacy), &item); err != nil {
		t.Fatalf("Unmarshal legacy content: %v", err)
	}
	if item.Type != ContentToolResponse {
		t.Fatalf("legacy array decoded as %q, want %q", item.Type, ContentToolResponse)
	}
	if item.Outcome == nil || item.Outcome.IsError {
		t.Fatalf("legacy array must decode to is_error=false, got %+v", item.Outcome)
	}
	if len(item.Outcome.Content) != 1 || item.Outcome.Content[0].Text != "hi" {
		t.Fatalf("legacy content not preserved: %+v", item.Outcome)
	}
}

func TestVisibilityFiltering(t *testing.T) {
	conv := Conversation{Messages: []Message{
		{Role: RoleUser, Items: []ContentItem{TextItem("visible")}, Visibility: VisibleMetadata()},
		{Role: RoleAssistant, Items: []ContentItem{TextItem("archival")}, Visibility: MessageMetadata{AgentVisible: false, UserVisible: true}},
	}}
	agentVisible := conv.AgentVisibleMessages()
	if len(agentVisible) != 1 {
		t.Fatalf("AgentVisibleMessages() returned %d messages, want 1", len(agentVisible))
	}
	userVisible := conv.UserVisibleMessages()
	if len(userVisible) != 2 {
		t.Fatalf("UserVisibleMessages() returned %d messages, want 2", len(userVisible))
	}
}
