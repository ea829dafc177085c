package agent

import (
	"encoding/json"

	"github.com/haasonsaas/orbit/pkg/models"
)

// ReplyEvent is the lazy event stream the Agent Orchestrator's reply loop
// emits to callers. Exactly one of Message, HistoryReplaced,
// or ActionRequired is populated for a given event; stream closure is the
// terminal sentinel (there is no explicit "done" event).
type ReplyEvent struct {
	// Message carries either a complete Message or a partial one sharing
	// an ID with prior partials for chunk coalescing.
	Message *models.Message

	// HistoryReplaced carries the full conversation after Conversation
	// Repair changed it materially.
	HistoryReplaced *models.Conversation

	// ActionRequired signals a tool call awaiting caller confirmation
	// or a frontend-handled tool call awaiting its
	// out-of-band response.
	ActionRequired *ActionRequiredEvent
}

// ActionRequiredKind discriminates the two ActionRequired shapes the reply
// loop can emit.
type ActionRequiredKind string

const (
	// ActionToolConfirmation asks the caller to approve/deny a tool call.
	ActionToolConfirmation ActionRequiredKind = "tool_confirmation"
	// ActionFrontendTool forwards a tool call the caller itself executes
	// out-of-band.
	ActionFrontendTool ActionRequiredKind = "frontend_tool"
)

// ActionRequiredEvent is one pending confirmation or frontend-tool
// forward. ConfirmationID is the key callers pass back into
// Orchestrator.HandleConfirmation.
type ActionRequiredEvent struct {
	Kind           ActionRequiredKind
	ConfirmationID string
	SessionID      string
	ToolCallID     string
	ToolName       string
	Arguments      json.RawMessage
}
