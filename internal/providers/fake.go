package providers

import (
	"context"
	"sync"

	"github.com/haasonsaas/orbit/pkg/models"
)

// Fake is a scripted Provider for exercising the Agent Orchestrator and
// Scheduler without a live vendor backend. Script supplies one response
// per call to CompleteWithModel/Complete/CompleteFast, in order; the last
// entry repeats once exhausted. Used by internal/agent's and
// internal/scheduler's tests.
type Fake struct {
	Base
	Name string

	mu       sync.Mutex
	Script   []FakeTurn
	calls    int
	NameCall func(conv models.Conversation) string
}

// FakeTurn is one scripted completion response.
type FakeTurn struct {
	Message models.Message
	Usage   ProviderUsage
	Err     error
}

func NewFake(name string, script ...FakeTurn) *Fake {
	return &Fake{Base: NewBase(name), Name: name, Script: script}
}

func (f *Fake) Metadata() ProviderMetadata {
	return ProviderMetadata{Name: f.Name, DisplayName: f.Name, DefaultModel: "fake-default"}
}

func (f *Fake) next() FakeTurn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Script) == 0 {
		return FakeTurn{Message: models.Message{Role: models.RoleAssistant, Visibility: models.VisibleMetadata(), Items: []models.ContentItem{models.TextItem("ok")}}}
	}
	idx := f.calls
	if idx >= len(f.Script) {
		idx = len(f.Script) - 1
	}
	f.calls++
	return f.Script[idx]
}

// Calls reports how many completion calls have been made so far.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) CompleteWithModel(ctx context.Context, model ModelConfig, system string, messages []models.Message, tools []ToolSchema) (models.Message, ProviderUsage, error) {
	t := f.next()
	return t.Message, t.Usage, t.Err
}

func (f *Fake) Complete(ctx context.Context, system string, messages []models.Message, tools []ToolSchema) (models.Message, ProviderUsage, error) {
	return f.CompleteWithModel(ctx, ModelConfig{Name: f.Metadata().DefaultModel}, system, messages, tools)
}

func (f *Fake) CompleteFast(ctx context.Context, system string, messages []models.Message, tools []ToolSchema) (models.Message, ProviderUsage, error) {
	return f.Complete(ctx, system, messages, tools)
}

func (f *Fake) FetchSupportedModels(ctx context.Context) ([]ModelInfo, error) {
	return []ModelInfo{{ID: f.Metadata().DefaultModel, ContextLimit: 100000}}, nil
}

func (f *Fake) GenerateSessionName(ctx context.Context, conv models.Conversation) (string, error) {
	if f.NameCall != nil {
		return TruncateSessionName(f.NameCall(conv)), nil
	}
	return "Fake Session", nil
}
