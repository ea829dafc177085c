package providers

import (
	"context"
	"sync"

	"github.com/haasonsaas/orbit/pkg/models"
)

// LeadWorker composes two Providers: Lead drives the first LeadTurns
// assistant turns, then Worker takes over, with automatic fallback back
// to Lead after FailuresBeforeFallback consecutive Worker failures. The active provider is named for logging via Active().
type LeadWorker struct {
	Lead   Provider
	Worker Provider

	// LeadTurns is how many assistant turns Lead handles before handing
	// off to Worker. Zero means Worker is used immediately.
	LeadTurns int

	// FailuresBeforeFallback is how many consecutive Worker failures
	// trigger falling back to Lead for the remainder of the run.
	FailuresBeforeFallback int

	mu              sync.Mutex
	turn            int
	workerFailures  int
	fallenBackToLead bool
}

// NewLeadWorker constructs a LeadWorker composite with the given turn
// handoff point and fallback threshold.
func NewLeadWorker(lead, worker Provider, leadTurns, failuresBeforeFallback int) *LeadWorker {
	if failuresBeforeFallback <= 0 {
		failuresBeforeFallback = 1
	}
	return &LeadWorker{Lead: lead, Worker: worker, LeadTurns: leadTurns, FailuresBeforeFallback: failuresBeforeFallback}
}

// Active returns the provider that would currently be used, and its
// Metadata().Name, without advancing turn state.
func (lw *LeadWorker) Active() (Provider, string) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	p := lw.activeLocked()
	return p, p.Metadata().Name
}

func (lw *LeadWorker) activeLocked() Provider {
	if lw.fallenBackToLead {
		return lw.Lead
	}
	if lw.turn < lw.LeadTurns {
		return lw.Lead
	}
	return lw.Worker
}

// recordTurn advances the turn counter once a turn completes, choosing
// the provider to use for *this* turn and recording success/failure for
// fallback purposes. Called by CompleteWithModel/Complete/CompleteFast so
// every completion call counts as one turn.
func (lw *LeadWorker) recordTurn(err error) Provider {
	lw.mu.Lock()
	p := lw.activeLocked()
	usingWorker := p == lw.Worker
	lw.mu.Unlock()

	if usingWorker {
		lw.mu.Lock()
		if err != nil {
			lw.workerFailures++
			if lw.workerFailures >= lw.FailuresBeforeFallback {
				lw.fallenBackToLead = true
			}
		} else {
			lw.workerFailures = 0
		}
		lw.mu.Unlock()
	}

	lw.mu.Lock()
	lw.turn++
	lw.mu.Unlock()
	return p
}

func (lw *LeadWorker) Metadata() ProviderMetadata {
	p, _ := lw.Active()
	return p.Metadata()
}

func (lw *LeadWorker) CompleteWithModel(ctx context.Context, model ModelConfig, system string, messages []models.Message, tools []ToolSchema) (models.Message, ProviderUsage, error) {
	p, _ := lw.Active()
	msg, usage, err := p.CompleteWithModel(ctx, model, system, messages, tools)
	lw.recordTurn(err)
	return msg, usage, err
}

func (lw *LeadWorker) Complete(ctx context.Context, system string, messages []models.Message, tools []ToolSchema) (models.Message, ProviderUsage, error) {
	p, _ := lw.Active()
	msg, usage, err := p.Complete(ctx, system, messages, tools)
	lw.recordTurn(err)
	return msg, usage, err
}

func (lw *LeadWorker) CompleteFast(ctx context.Context, system string, messages []models.Message, tools []ToolSchema) (models.Message, ProviderUsage, error) {
	p, _ := lw.Active()
	return p.CompleteFast(ctx, system, messages, tools)
}

func (lw *LeadWorker) Stream(ctx context.Context, system string, messages []models.Message, tools []ToolSchema) (<-chan StreamChunk, error) {
	p, _ := lw.Active()
	ch, err := p.Stream(ctx, system, messages, tools)
	lw.recordTurn(err)
	return ch, err
}

func (lw *LeadWorker) FetchSupportedModels(ctx context.Context) ([]ModelInfo, error) {
	p, _ := lw.Active()
	return p.FetchSupportedModels(ctx)
}

func (lw *LeadWorker) FetchRecommendedModels(ctx context.Context) ([]ModelInfo, error) {
	p, _ := lw.Active()
	return p.FetchRecommendedModels(ctx)
}

func (lw *LeadWorker) MapToCanonicalModel(modelID string) string {
	p, _ := lw.Active()
	return p.MapToCanonicalModel(modelID)
}

func (lw *LeadWorker) GenerateSessionName(ctx context.Context, conv models.Conversation) (string, error) {
	p, _ := lw.Active()
	return p.GenerateSessionName(ctx, conv)
}

func (lw *LeadWorker) ConfigureOAuth(ctx context.Context) error {
	p, _ := lw.Active()
	return p.ConfigureOAuth(ctx)
}
