// Package models provides the domain types shared by the session store,
// conversation repair, extension manager, provider abstraction, and agent
// orchestrator.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type. Persisted session messages use
// only User and Assistant; tool requests and responses live as Content
// items inside them.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SessionType classifies why a session exists.
type SessionType string

const (
	SessionUser      SessionType = "user"
	SessionScheduled SessionType = "scheduled"
	SessionSubAgent  SessionType = "sub_agent"
	SessionHidden    SessionType = "hidden"
	SessionTerminal  SessionType = "terminal"
)

// unicodeTagStart and unicodeTagEnd bound the Unicode Tag block
// (U+E0000..U+E007F) that must be stripped from text content on load.
const (
	unicodeTagStart rune = 0xE0000
	unicodeTagEnd   rune = 0xE007F
)

// StripUnicodeTags removes Unicode Tag characters from s, leaving every
// other code point (including CJK and emoji) untouched.
func StripUnicodeTags(s string) string {
	hasTag := false
	for _, r := range s {
		if r >= unicodeTagStart && r <= unicodeTagEnd {
			hasTag = true
			break
		}
	}
	if !hasTag {
		return s
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r >= unicodeTagStart && r <= unicodeTagEnd {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// Session is the persistent unit of conversation, addressed by a
// store-assigned id and carrying its working directory, message log, and
// token counters.
type Session struct {
	ID string `json:"id"`

	Name string `json:"name"`
	// UserSetName locks out automatic renaming once true.
	UserSetName bool        `json:"user_set_name"`
	Description string      `json:"description,omitempty"`
	SessionType SessionType `json:"session_type"`
	WorkingDir  string      `json:"working_dir"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`

	// ExtensionData is the serialized set of extension configurations this
	// session last ran with, replayed on resume to rebuild the tool registry.
	ExtensionData json.RawMessage `json:"extension_data,omitempty"`

	// Token counters: last-turn and accumulated, input/output/total.
	LastInputTokens         int `json:"last_input_tokens"`
	LastOutputTokens        int `json:"last_output_tokens"`
	LastTotalTokens         int `json:"last_total_tokens"`
	AccumulatedInputTokens  int `json:"accumulated_input_tokens"`
	AccumulatedOutputTokens int `json:"accumulated_output_tokens"`
	AccumulatedTotalTokens  int `json:"accumulated_total_tokens"`

	ScheduleID       string          `json:"schedule_id,omitempty"`
	Recipe           json.RawMessage `json:"recipe,omitempty"`
	UserRecipeValues json.RawMessage `json:"user_recipe_values,omitempty"`
	ProviderName     string          `json:"provider_name,omitempty"`
	ModelConfig      json.RawMessage `json:"model_config,omitempty"`

	// MessageCount is the session's message total, populated on every get
	// and list without loading the messages themselves.
	MessageCount int `json:"message_count"`

	// Messages is populated only when requested (get_session include_messages).
	Messages []Message `json:"messages,omitempty"`
}

// Conversation is an ordered sequence of Messages plus derived views.
type Conversation struct {
	Messages []Message
}

// AgentVisibleMessages filters to messages the provider should see.
func (c Conversation) AgentVisibleMessages() []Message {
	out := make([]Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.Visibility.AgentVisible {
			out = append(out, m)
		}
	}
	return out
}

// UserVisibleMessages filters to messages the caller should be shown.
func (c Conversation) UserVisibleMessages() []Message {
	out := make([]Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.Visibility.UserVisible {
			out = append(out, m)
		}
	}
	return out
}

// MessageMetadata gates inclusion in the provider prompt and in the
// user-facing event stream, independently. Both false means archival: the
// message is persisted but never surfaced either way.
type MessageMetadata struct {
	AgentVisible bool `json:"agent_visible"`
	UserVisible  bool `json:"user_visible"`
}

// VisibleMetadata is the common case: visible to both the model and the user.
func VisibleMetadata() MessageMetadata {
	return MessageMetadata{AgentVisible: true, UserVisible: true}
}

// Message is one turn of conversation content: a role, an ordered list of
// Content items, and the visibility metadata that gates where it flows.
type Message struct {
	// ID, when set, lets the streaming accumulator coalesce consecutive
	// partial chunks belonging to the same logical message.
	ID        string    `json:"id,omitempty"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`

	Items      []ContentItem   `json:"items,omitempty"`
	Visibility MessageMetadata `json:"visibility"`
}

// HasToolResponse reports whether the message carries at least one
// ToolResponse item, used to compute "effective role" during repair.
func (m Message) HasToolResponse() bool {
	for _, c := range m.Items {
		if c.Type == ContentToolResponse {
			return true
		}
	}
	return false
}

// EffectiveRole is "tool" for a User message carrying a ToolResponse, else
// the message's own role.
func (m Message) EffectiveRole() string {
	if m.Role == RoleUser && m.HasToolResponse() {
		return "tool"
	}
	return string(m.Role)
}

// IsEmpty reports whether the message has no content, or only all-empty
// text items.
func (m Message) IsEmpty() bool {
	if len(m.Items) == 0 {
		return true
	}
	for _, c := range m.Items {
		if c.Type != ContentText {
			return false
		}
		if c.Text != "" {
			return false
		}
	}
	return true
}

// ToolResult is the flattened summary of one tool execution the job store
// keeps alongside a Job record.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ContentType tags the variant held by a ContentItem.
type ContentType string

const (
	ContentText                ContentType = "text"
	ContentImage               ContentType = "image"
	ContentToolRequest         ContentType = "tool_request"
	ContentToolResponse        ContentType = "tool_response"
	ContentToolConfirmationReq ContentType = "tool_confirmation_request"
	ContentActionRequired      ContentType = "action_required"
	ContentFrontendToolRequest ContentType = "frontend_tool_request"
	ContentThinking            ContentType = "thinking"
	ContentRedactedThinking    ContentType = "redacted_thinking"
	ContentSystemNotification  ContentType = "system_notification"
)

// ActionRequiredKind tags the sub-variant of an ActionRequired content item.
type ActionRequiredKind string

const (
	ActionToolConfirmation    ActionRequiredKind = "tool_confirmation"
	ActionElicitation         ActionRequiredKind = "elicitation"
	ActionElicitationResponse ActionRequiredKind = "elicitation_response"
)

// ToolCallInfo names a tool and its arguments, with optional provider metadata.
type ToolCallInfo struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	// ProviderMeta carries provider-specific fields (e.g. cache_control)
	// that must round-trip but are opaque to the core.
	ProviderMeta json.RawMessage `json:"provider_meta,omitempty"`
}

// ToolOutcome is the result or error payload of a dispatched tool call.
type ToolOutcome struct {
	Content           []ToolResultContent `json:"content,omitempty"`
	StructuredContent json.RawMessage     `json:"structured_content,omitempty"`
	IsError           bool                `json:"is_error,omitempty"`
	Meta              json.RawMessage     `json:"meta,omitempty"`
}

// ToolResultContent is one piece of content inside a ToolOutcome.
type ToolResultContent struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ContentItem is the tagged union carried inside a Message's Items.
//
// Exactly the fields relevant to Type are populated. Legacy content
// variants round-trip: a bare content array value (no is_error) decodes
// as a ToolResponse with IsError=false.
type ContentItem struct {
	Type ContentType `json:"type"`

	// Text / Thinking
	Text string `json:"text,omitempty"`

	// Image
	ImageData string `json:"image_data,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`

	// ToolRequest / ToolResponse / ToolConfirmationRequest share an id that
	// pairs a request with its eventual response.
	ID       string          `json:"id,omitempty"`
	ToolCall *ToolCallInfo   `json:"tool_call,omitempty"`
	ToolMeta json.RawMessage `json:"tool_meta,omitempty"`

	Outcome *ToolOutcome `json:"outcome,omitempty"`

	// ActionRequired
	ActionKind ActionRequiredKind `json:"action_kind,omitempty"`
	Payload    json.RawMessage    `json:"payload,omitempty"`

	// FrontendToolRequest reuses ToolCall/ID above.

	// Thinking signature (paired with Text) / RedactedThinking opaque blob.
	Signature string `json:"signature,omitempty"`
	Redacted  string `json:"redacted,omitempty"`

	// SystemNotification
	NotificationType string `json:"notification_type,omitempty"`
	Message          string `json:"message,omitempty"`
}

// TextItem builds a plain Text content item, stripping Unicode Tag
// characters per the deserialization contract.
func TextItem(text string) ContentItem {
	return ContentItem{Type: ContentText, Text: StripUnicodeTags(text)}
}

// ToolRequestItem builds a ToolRequest content item.
func ToolRequestItem(id, name string, args json.RawMessage) ContentItem {
	return ContentItem{
		Type:     ContentToolRequest,
		ID:       id,
		ToolCall: &ToolCallInfo{Name: name, Arguments: args},
	}
}

// ToolResponseItem builds a ToolResponse content item.
func ToolResponseItem(id string, outcome ToolOutcome) ContentItem {
	return ContentItem{Type: ContentToolResponse, ID: id, Outcome: &outcome}
}

// UnmarshalJSON implements the legacy content-variant round-trip: a
// ToolResponse stored as a bare JSON array (rather than an object with an
// is_error flag) decodes as content with is_error=false.
func (c *ContentItem) UnmarshalJSON(data []byte) error {
	type alias ContentItem
	var a alias
	if err := json.Unmarshal(data, &a); err == nil {
		*c = ContentItem(a)
		if c.Type == ContentText {
			c.Text = StripUnicodeTags(c.Text)
		}
		return nil
	}

	// Fall back to the legacy shape: a bare array of ToolResultContent.
	var legacy []ToolResultContent
	if err := json.Unmarshal(data, &legacy); err != nil {
		return err
	}
	c.Type = ContentToolResponse
	c.Outcome = &ToolOutcome{Content: legacy, IsError: false}
	return nil
}
