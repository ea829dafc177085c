// Package providers defines the uniform Provider contract: the
// abstraction an Agent Orchestrator drives to turn (system prompt,
// conversation, tool schemas) into (assistant Message, usage), independent
// of any one vendor's wire format. Concrete vendor encoders
// (internal/agent/providers' Anthropic/OpenAI/Bedrock/Google clients) sit
// below this package on the flat CompletionMessage shape; this package is
// the Items-based contract the Agent Orchestrator in internal/agent speaks
// against, grounded on the same retry/classification idiom as
// internal/agent/providers/base.go and errors.go but kept dependency-free
// of internal/agent so the orchestrator can depend on it without a cycle.
package providers

import (
	"context"

	"github.com/haasonsaas/orbit/internal/backoff"
	"github.com/haasonsaas/orbit/pkg/models"
)

// ToolSchema is one tool definition as handed to a Provider's completion
// call, after Extension Manager prefixing.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema []byte
}

// ModelInfo describes one model a Provider knows about.
type ModelInfo struct {
	ID                 string
	ContextLimit       int
	InputCostPerToken  float64
	OutputCostPerToken float64
	HasCost            bool
}

// ConfigKey describes one configuration value a Provider needs.
type ConfigKey struct {
	Name     string
	Required bool
	Secret   bool
	Default  string
	HasOAuth bool
}

// ProviderMetadata is the static description of a Provider.
type ProviderMetadata struct {
	Name         string
	DisplayName  string
	DefaultModel string
	FastModel    string
	Models       []ModelInfo
	DocsURL      string
	ConfigKeys   []ConfigKey
}

// ModelConfig selects which model a completion call should use.
type ModelConfig struct {
	Name      string
	MaxTokens int
}

// ProviderUsage reports token consumption for one completion call.
// Estimated is true when the upstream did not report counts and the
// provider computed a deterministic estimate instead.
type ProviderUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	Estimated    bool
}

// StreamChunk is one element of a Provider.Stream response. A chunk carries an optional partial Message
// and/or a final ProviderUsage; consecutive chunks sharing a Message ID
// whose last content item is Text are merged by the caller (the Agent
// Orchestrator), not here.
type StreamChunk struct {
	Message *models.Message
	Usage   *ProviderUsage
}

// Provider is the uniform contract every LLM backend implements. Stream, FetchSupportedModels/FetchRecommendedModels,
// MapToCanonicalModel, and ConfigureOAuth are optional secondary
// capabilities; BaseProvider supplies NotImplemented defaults for all of
// them so a concrete provider only overrides what it actually supports
// (the capability-set pattern from this component's design notes).
type Provider interface {
	Metadata() ProviderMetadata

	CompleteWithModel(ctx context.Context, model ModelConfig, system string, messages []models.Message, tools []ToolSchema) (models.Message, ProviderUsage, error)
	Complete(ctx context.Context, system string, messages []models.Message, tools []ToolSchema) (models.Message, ProviderUsage, error)
	CompleteFast(ctx context.Context, system string, messages []models.Message, tools []ToolSchema) (models.Message, ProviderUsage, error)

	Stream(ctx context.Context, system string, messages []models.Message, tools []ToolSchema) (<-chan StreamChunk, error)

	FetchSupportedModels(ctx context.Context) ([]ModelInfo, error)
	FetchRecommendedModels(ctx context.Context) ([]ModelInfo, error)
	MapToCanonicalModel(modelID string) string

	GenerateSessionName(ctx context.Context, conv models.Conversation) (string, error)
	ConfigureOAuth(ctx context.Context) error
}

// RetryConfig configures a Provider's exponential-backoff-with-jitter
// retry contract. A rate-limit/overload signal retries up to
// MaxRetries; Authentication and other non-2xx failures never retry.
type RetryConfig struct {
	MaxRetries        int
	InitialIntervalMs int
	BackoffMultiplier float64
	MaxIntervalMs     int
}

// DefaultRetryConfig uses the same baseline as BaseProvider elsewhere in
// this codebase (3 retries, 1s base) but switches the backoff shape from
// linear to exponential-with-jitter
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialIntervalMs: 1000,
		BackoffMultiplier: 2.0,
		MaxIntervalMs:     30_000,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialIntervalMs <= 0 {
		c.InitialIntervalMs = 1000
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2.0
	}
	if c.MaxIntervalMs <= 0 {
		c.MaxIntervalMs = 30_000
	}
	return c
}

// backoffPolicy converts a normalized RetryConfig to the policy shape
// internal/backoff.ComputeBackoff expects. Jitter is fixed at 0.5 (up to
// half the base interval), matching the +jitter/2 envelope the provider
// retry contract calls for.
func (c RetryConfig) backoffPolicy() backoff.BackoffPolicy {
	return backoff.BackoffPolicy{
		InitialMs: float64(c.InitialIntervalMs),
		MaxMs:     float64(c.MaxIntervalMs),
		Factor:    c.BackoffMultiplier,
		Jitter:    0.5,
	}
}

// Retry runs op with exponential backoff plus jitter, computed by
// internal/backoff, while isRetryable classifies the returned error as
// retryable. It never retries after ctx is done, and returns the last
// error once MaxRetries is exhausted.
func Retry(ctx context.Context, cfg RetryConfig, isRetryable func(error) bool, op func() error) error {
	cfg = cfg.normalized()
	policy := cfg.backoffPolicy()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if isRetryable == nil || !isRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxRetries {
			break
		}
		if sleepErr := backoff.SleepWithBackoff(ctx, policy, attempt); sleepErr != nil {
			return sleepErr
		}
	}
	return lastErr
}

// EstimateTokens is the deterministic fallback token estimator used when
// an upstream response carries no usage block. It approximates the common ~4-characters-
// per-token heuristic used across provider SDKs.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateUsage builds a ProviderUsage from prompt/response text when the
// upstream did not report token counts.
func EstimateUsage(promptText, responseText string) ProviderUsage {
	in := EstimateTokens(promptText)
	out := EstimateTokens(responseText)
	return ProviderUsage{InputTokens: in, OutputTokens: out, TotalTokens: in + out, Estimated: true}
}
