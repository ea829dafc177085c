package agent

import (
	"strings"

	"github.com/haasonsaas/orbit/internal/compaction"
	agentcontext "github.com/haasonsaas/orbit/internal/context"
	"github.com/haasonsaas/orbit/pkg/models"
)

// maxHistoryShare is the fraction of a model's context window the
// Orchestrator will let conversation history occupy before dropping the
// oldest messages. The remainder is headroom for the system prompt, tool
// schemas, and the model's own response.
const maxHistoryShare = 0.8

// compactHistory drops the oldest messages once the conversation's
// estimated token count would exceed modelID's context window, keeping the
// most recent maxHistoryShare fraction of it. It returns messages
// unchanged, with a nil PruneResult, when nothing needed dropping.
//
// PruneHistoryForContextShare always keeps a contiguous run of the most
// recent messages (it walks the slice from the end and stops at the first
// one that no longer fits), so the kept messages are exactly the trailing
// slice of the same length it returns.
func compactHistory(messages []models.Message, modelID string) ([]models.Message, *compaction.PruneResult) {
	if len(messages) == 0 {
		return messages, nil
	}

	window := agentcontext.NewWindowForModel(modelID)
	converted := make([]*compaction.Message, len(messages))
	for i, m := range messages {
		converted[i] = &compaction.Message{
			Role:      string(m.Role),
			Content:   flattenText(m),
			Timestamp: m.CreatedAt.Unix(),
		}
	}

	result := compaction.PruneHistoryForContextShare(converted, window.Info().TotalTokens, maxHistoryShare, compaction.DefaultParts)
	if result.DroppedMessages == 0 {
		return messages, nil
	}

	kept := len(result.Messages)
	return messages[len(messages)-kept:], result
}

// flattenText renders a Message's text content items for token estimation
// and, if the session is ever compacted via summarization, for the prompt
// handed to the summarizing model.
func flattenText(m models.Message) string {
	var sb strings.Builder
	for _, item := range m.Items {
		if item.Type == models.ContentText && item.Text != "" {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(item.Text)
		}
	}
	return sb.String()
}
