package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/orbit/pkg/models"
)

// ErrNotImplemented is returned by the optional secondary capabilities a
// Provider does not support.
var ErrNotImplemented = errors.New("provider: not implemented")

// Base supplies the NotImplemented defaults for every optional Provider
// capability. Concrete providers
// embed Base and override only the methods they actually support;
// CompleteWithModel/Complete/CompleteFast/Metadata remain abstract and
// must be implemented by the embedder.
type Base struct {
	name string
}

// NewBase names the provider for error messages.
func NewBase(name string) Base {
	return Base{name: name}
}

func (b Base) Stream(ctx context.Context, system string, messages []models.Message, tools []ToolSchema) (<-chan StreamChunk, error) {
	return nil, fmt.Errorf("%s: %w", b.name, ErrNotImplemented)
}

func (b Base) FetchRecommendedModels(ctx context.Context) ([]ModelInfo, error) {
	return nil, fmt.Errorf("%s: %w", b.name, ErrNotImplemented)
}

func (b Base) MapToCanonicalModel(modelID string) string {
	return modelID
}

func (b Base) ConfigureOAuth(ctx context.Context) error {
	return fmt.Errorf("%s: %w", b.name, ErrNotImplemented)
}

// GenerateSessionNamePrompt builds the ≤4-word-description naming prompt
// from the first few user messages of conv. Concrete
// providers call this to build the prompt they hand to CompleteFast, then
// truncate the result to 100 chars with TruncateSessionName.
func GenerateSessionNamePrompt(conv models.Conversation) string {
	var b strings.Builder
	b.WriteString("Describe this conversation in 4 words or fewer, as a short title:\n\n")
	count := 0
	for _, m := range conv.Messages {
		if m.Role != models.RoleUser || !m.Visibility.AgentVisible {
			continue
		}
		for _, item := range m.Items {
			if item.Type == models.ContentText && item.Text != "" {
				b.WriteString("- ")
				b.WriteString(item.Text)
				b.WriteString("\n")
				count++
				break
			}
		}
		if count >= 3 {
			break
		}
	}
	return b.String()
}

// TruncateSessionName enforces this 100-char cap on a generated
// session name.
func TruncateSessionName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Trim(name, "\"")
	if len(name) <= 100 {
		return name
	}
	return strings.TrimSpace(name[:100])
}

// RecommendedFromCatalog filters all to the canonical registry's known
// IDs, preserving all's order. This grounds
// fetch_recommended_models.
func RecommendedFromCatalog(all []ModelInfo, canonical map[string]bool) []ModelInfo {
	out := make([]ModelInfo, 0, len(all))
	for _, m := range all {
		if canonical[m.ID] {
			out = append(out, m)
		}
	}
	return out
}
