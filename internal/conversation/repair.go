// Package conversation implements the pure conversation-repair transform
// that makes a persisted message history safe to hand to a Provider: a
// fixed sequence of ordered passes (text merge/trim, empty-message
// removal, tool-call pairing, same-role merge, leading/trailing-assistant
// strip, empty-conversation fallback) over the agent-visible subsequence,
// plus a shadow-map reconstruction step that preserves the original
// interleaving of messages the agent never saw.
package conversation

import (
	"fmt"
	"math"
	"strings"

	"github.com/haasonsaas/orbit/pkg/models"
)

// Fix transforms history into a message list a Provider will accept. It
// operates only on the agent-visible subsequence (models.Message.
// Visibility.AgentVisible) and restores the original interleaving of
// every other message by substitution. It is idempotent: Fix(Fix(x).out)
// returns the same output with no further issues.
func Fix(history []models.Message) (output []models.Message, issues []string) {
	visible, shadow := splitShadow(history)

	fixed := make([]tracked, len(visible))
	for i, m := range visible {
		fixed[i] = tracked{msg: m, minOrig: i, maxOrig: i}
	}

	var step []string
	fixed, step = mergeAdjacentAssistantText(fixed)
	issues = append(issues, step...)

	fixed, step = trimAssistantTrailingWhitespace(fixed)
	issues = append(issues, step...)

	fixed, step = removeEmptyMessages(fixed)
	issues = append(issues, step...)

	fixed, step = fixToolCalling(fixed)
	issues = append(issues, step...)
	fixed, step = removeEmptyMessages(fixed)
	issues = append(issues, step...)

	fixed, step = mergeSameEffectiveRole(fixed)
	issues = append(issues, step...)

	fixed, step = stripLeadingTrailingAssistant(fixed)
	issues = append(issues, step...)

	fixed, step = injectHelloIfEmpty(fixed)
	issues = append(issues, step...)

	return reconstruct(shadow, fixed), issues
}

// tracked pairs a message surviving the repair passes with the closed
// range [minOrig, maxOrig] of original agent-visible ordinals it was
// built from. Merges only ever combine adjacent messages, so this range
// is always contiguous; it lets reconstruct re-insert non-visible
// messages at the position they originally held relative to the visible
// messages that survive, merge, or vanish around them.
type tracked struct {
	msg              models.Message
	minOrig, maxOrig int
}

// shadowSlot records one input position: either a visible message's
// ordinal in the extracted subsequence, or a non-visible message carried
// verbatim, tagged with how many visible messages preceded it.
type shadowSlot struct {
	visible        bool
	precedingCount int
	carried        models.Message
}

func splitShadow(history []models.Message) (visible []models.Message, shadow []shadowSlot) {
	shadow = make([]shadowSlot, 0, len(history))
	for _, m := range history {
		if m.Visibility.AgentVisible {
			shadow = append(shadow, shadowSlot{visible: true, precedingCount: len(visible)})
			visible = append(visible, m)
		} else {
			shadow = append(shadow, shadowSlot{precedingCount: len(visible), carried: m})
		}
	}
	return visible, shadow
}

// reconstruct splices the repaired visible sequence back into the
// original interleaving, inserting each non-visible message immediately
// after the last surviving fixed message whose range lies entirely
// before the visible messages that originally preceded it.
func reconstruct(shadow []shadowSlot, fixed []tracked) []models.Message {
	out := make([]models.Message, 0, len(fixed)+len(shadow))
	emitted := 0

	insertUpTo := func(precedingCount int) {
		for emitted < len(fixed) && fixed[emitted].maxOrig < precedingCount {
			out = append(out, fixed[emitted].msg)
			emitted++
		}
	}

	for _, s := range shadow {
		if s.visible {
			insertUpTo(s.precedingCount + 1)
			continue
		}
		insertUpTo(s.precedingCount)
		out = append(out, s.carried)
	}
	for emitted < len(fixed) {
		out = append(out, fixed[emitted].msg)
		emitted++
	}
	return out
}

// mergeAdjacentAssistantText merges runs of consecutive Text items within
// a single Assistant message into one (pass 1).
func mergeAdjacentAssistantText(msgs []tracked) ([]tracked, []string) {
	var issues []string
	out := make([]tracked, len(msgs))
	copy(out, msgs)

	for i := range out {
		if out[i].msg.Role != models.RoleAssistant || len(out[i].msg.Items) < 2 {
			continue
		}
		merged := make([]models.ContentItem, 0, len(out[i].msg.Items))
		changed := false
		for _, item := range out[i].msg.Items {
			if item.Type == models.ContentText && len(merged) > 0 && merged[len(merged)-1].Type == models.ContentText {
				merged[len(merged)-1].Text += item.Text
				changed = true
				continue
			}
			merged = append(merged, item)
		}
		if changed {
			out[i].msg.Items = merged
			issues = append(issues, fmt.Sprintf("merged adjacent text items in assistant message %d", i))
		}
	}
	return out, issues
}

// trimAssistantTrailingWhitespace trims trailing whitespace from
// Assistant text items (pass 2).
func trimAssistantTrailingWhitespace(msgs []tracked) ([]tracked, []string) {
	var issues []string
	out := make([]tracked, len(msgs))
	copy(out, msgs)

	for i := range out {
		if out[i].msg.Role != models.RoleAssistant {
			continue
		}
		changed := false
		items := append([]models.ContentItem(nil), out[i].msg.Items...)
		for j, item := range items {
			if item.Type != models.ContentText {
				continue
			}
			trimmed := strings.TrimRight(item.Text, " \t\n\r")
			if trimmed != item.Text {
				items[j].Text = trimmed
				changed = true
			}
		}
		if changed {
			out[i].msg.Items = items
			issues = append(issues, fmt.Sprintf("trimmed trailing whitespace in assistant message %d", i))
		}
	}
	return out, issues
}

// removeEmptyMessages drops messages whose content is empty or
// all-empty-text (pass 3, and re-run after pass 4).
func removeEmptyMessages(msgs []tracked) ([]tracked, []string) {
	var issues []string
	out := make([]tracked, 0, len(msgs))
	for i, t := range msgs {
		if t.msg.IsEmpty() {
			issues = append(issues, fmt.Sprintf("removed empty message %d", i))
			continue
		}
		out = append(out, t)
	}
	return out, issues
}

// fixToolCalling enforces the User/Assistant-asymmetric tool-call rules
// and drops orphaned requests (pass 4).
func fixToolCalling(msgs []tracked) ([]tracked, []string) {
	var issues []string
	out := make([]tracked, len(msgs))
	copy(out, msgs)

	pending := map[string]struct{}{}

	for i := range out {
		switch out[i].msg.Role {
		case models.RoleUser:
			kept := make([]models.ContentItem, 0, len(out[i].msg.Items))
			changed := false
			for _, item := range out[i].msg.Items {
				switch item.Type {
				case models.ContentToolRequest, models.ContentToolConfirmationReq, models.ContentThinking, models.ContentRedactedThinking:
					changed = true
					continue
				case models.ContentToolResponse:
					if _, ok := pending[item.ID]; ok {
						delete(pending, item.ID)
						kept = append(kept, item)
					} else {
						changed = true
					}
				default:
					kept = append(kept, item)
				}
			}
			if changed {
				out[i].msg.Items = kept
				issues = append(issues, fmt.Sprintf("fixed tool calling in user message %d", i))
			}
		case models.RoleAssistant:
			kept := make([]models.ContentItem, 0, len(out[i].msg.Items))
			changed := false
			for _, item := range out[i].msg.Items {
				switch item.Type {
				case models.ContentToolResponse, models.ContentFrontendToolRequest:
					changed = true
					continue
				case models.ContentToolRequest:
					pending[item.ID] = struct{}{}
					kept = append(kept, item)
				default:
					kept = append(kept, item)
				}
			}
			if changed {
				out[i].msg.Items = kept
				issues = append(issues, fmt.Sprintf("fixed tool calling in assistant message %d", i))
			}
		}
	}

	if len(pending) > 0 {
		for i := range out {
			if out[i].msg.Role != models.RoleAssistant {
				continue
			}
			kept := make([]models.ContentItem, 0, len(out[i].msg.Items))
			changed := false
			for _, item := range out[i].msg.Items {
				if item.Type == models.ContentToolRequest {
					if _, stillPending := pending[item.ID]; stillPending {
						changed = true
						continue
					}
				}
				kept = append(kept, item)
			}
			if changed {
				out[i].msg.Items = kept
				issues = append(issues, fmt.Sprintf("dropped orphaned tool request in assistant message %d", i))
			}
		}
	}

	return out, issues
}

// mergeSameEffectiveRole merges consecutive messages sharing an effective
// role (pass 5).
func mergeSameEffectiveRole(msgs []tracked) ([]tracked, []string) {
	if len(msgs) == 0 {
		return msgs, nil
	}
	var issues []string
	out := make([]tracked, 0, len(msgs))
	out = append(out, msgs[0])

	for i := 1; i < len(msgs); i++ {
		last := &out[len(out)-1]
		if last.msg.EffectiveRole() == msgs[i].msg.EffectiveRole() {
			last.msg.Items = append(last.msg.Items, msgs[i].msg.Items...)
			last.maxOrig = msgs[i].maxOrig
			issues = append(issues, fmt.Sprintf("merged consecutive %s messages at position %d", last.msg.EffectiveRole(), i))
			continue
		}
		out = append(out, msgs[i])
	}
	return out, issues
}

// stripLeadingTrailingAssistant removes a leading and/or trailing
// Assistant message so the conversation starts and ends on User/tool
// (pass 6).
func stripLeadingTrailingAssistant(msgs []tracked) ([]tracked, []string) {
	var issues []string
	start, end := 0, len(msgs)
	if start < end && msgs[start].msg.Role == models.RoleAssistant {
		issues = append(issues, "stripped leading assistant message")
		start++
	}
	if end > start && msgs[end-1].msg.Role == models.RoleAssistant {
		issues = append(issues, "stripped trailing assistant message")
		end--
	}
	return msgs[start:end], issues
}

// injectHelloIfEmpty inserts a single placeholder User message when the
// conversation is left empty (pass 7). The synthetic message is anchored
// past every original ordinal so reconstruct always places it last.
func injectHelloIfEmpty(msgs []tracked) ([]tracked, []string) {
	if len(msgs) > 0 {
		return msgs, nil
	}
	hello := models.Message{
		Role:       models.RoleUser,
		Items:      []models.ContentItem{models.TextItem("Hello")},
		Visibility: models.VisibleMetadata(),
	}
	return []tracked{{msg: hello, minOrig: math.MaxInt32, maxOrig: math.MaxInt32}},
		[]string{"injected placeholder Hello message into empty conversation"}
}
