package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/haasonsaas/orbit/pkg/models"
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	FastModel    string
	RetryConfig  RetryConfig
}

// AnthropicProvider is the Claude concrete Provider, grounded
// on internal/agent/providers/anthropic.go's SDK usage but rebuilt against
// the Items-based models.Message shape and this package's Provider
// interface rather than the legacy flat CompletionMessage one.
type AnthropicProvider struct {
	Base
	client anthropic.Client
	cfg    AnthropicConfig
}

// NewAnthropicProvider constructs a Provider talking to the Anthropic API.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		Base:   NewBase("anthropic"),
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
	}, nil
}

func (p *AnthropicProvider) Metadata() ProviderMetadata {
	return ProviderMetadata{
		Name:         "anthropic",
		DisplayName:  "Anthropic",
		DefaultModel: p.cfg.DefaultModel,
		FastModel:    p.cfg.FastModel,
		DocsURL:      "https://docs.anthropic.com/",
		Models: []ModelInfo{
			{ID: "claude-opus-4-20250514", ContextLimit: 200_000},
			{ID: "claude-sonnet-4-20250514", ContextLimit: 200_000},
			{ID: "claude-3-5-haiku-20241022", ContextLimit: 200_000},
		},
		ConfigKeys: []ConfigKey{
			{Name: "ANTHROPIC_API_KEY", Required: true, Secret: true},
			{Name: "ANTHROPIC_OAUTH", HasOAuth: true},
		},
	}
}

// anthropicOAuthApp is the public OAuth client the interactive
// authorization flow runs against.
var anthropicOAuthApp = OAuthApp{
	ClientID: "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
	AuthURL:  "https://claude.ai/oauth/authorize",
	TokenURL: "https://console.anthropic.com/v1/oauth/token",
	Scopes:   []string{"org:create_api_key", "user:profile", "user:inference"},
}

// ConfigureOAuth runs the interactive authorization flow and swaps the
// obtained access token in for the configured API key.
func (p *AnthropicProvider) ConfigureOAuth(ctx context.Context) error {
	token, err := RunOAuthFlow(ctx, anthropicOAuthApp, func(url string) error {
		fmt.Printf("Open this URL to authorize: %s\n", url)
		return nil
	})
	if err != nil {
		return err
	}
	p.cfg.APIKey = token.AccessToken
	opts := []option.RequestOption{option.WithAPIKey(p.cfg.APIKey)}
	if p.cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.cfg.BaseURL))
	}
	p.client = anthropic.NewClient(opts...)
	return nil
}

func (p *AnthropicProvider) Complete(ctx context.Context, system string, messages []models.Message, tools []ToolSchema) (models.Message, ProviderUsage, error) {
	return p.CompleteWithModel(ctx, ModelConfig{Name: p.cfg.DefaultModel}, system, messages, tools)
}

// CompleteFast falls back to the main model on any fast-model failure.
func (p *AnthropicProvider) CompleteFast(ctx context.Context, system string, messages []models.Message, tools []ToolSchema) (models.Message, ProviderUsage, error) {
	if p.cfg.FastModel == "" {
		return p.Complete(ctx, system, messages, tools)
	}
	msg, usage, err := p.CompleteWithModel(ctx, ModelConfig{Name: p.cfg.FastModel}, system, messages, tools)
	if err == nil {
		return msg, usage, nil
	}
	return p.Complete(ctx, system, messages, tools)
}

func (p *AnthropicProvider) CompleteWithModel(ctx context.Context, model ModelConfig, system string, messages []models.Message, tools []ToolSchema) (models.Message, ProviderUsage, error) {
	params, err := p.buildParams(model, system, messages, tools)
	if err != nil {
		return models.Message{}, ProviderUsage{}, err
	}

	var resp *anthropic.Message
	retryErr := Retry(ctx, p.retryConfig(), IsRetryable, func() error {
		r, callErr := p.client.Messages.New(ctx, params)
		if callErr != nil {
			return p.wrapError(callErr)
		}
		resp = r
		return nil
	})
	if retryErr != nil {
		return models.Message{}, ProviderUsage{}, retryErr
	}

	out := models.Message{Role: models.RoleAssistant, Visibility: models.VisibleMetadata()}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text := block.AsText()
			out.Items = append(out.Items, models.TextItem(text.Text))
		case "thinking":
			thinking := block.AsThinking()
			out.Items = append(out.Items, models.ContentItem{Type: models.ContentThinking, Text: thinking.Thinking, Signature: thinking.Signature})
		case "redacted_thinking":
			redacted := block.AsRedactedThinking()
			out.Items = append(out.Items, models.ContentItem{Type: models.ContentRedactedThinking, Redacted: redacted.Data})
		case "tool_use":
			toolUse := block.AsToolUse()
			args, _ := json.Marshal(toolUse.Input)
			out.Items = append(out.Items, models.ToolRequestItem(toolUse.ID, toolUse.Name, args))
		}
	}

	usage := ProviderUsage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		TotalTokens:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}
	return out, usage, nil
}

// Stream issues a streaming completion, coalescing Anthropic's SSE events
// into StreamChunk values the Agent Orchestrator merges by message id.
func (p *AnthropicProvider) Stream(ctx context.Context, system string, messages []models.Message, tools []ToolSchema) (<-chan StreamChunk, error) {
	params, err := p.buildParams(ModelConfig{Name: p.cfg.DefaultModel}, system, messages, tools)
	if err != nil {
		return nil, err
	}
	stream := p.client.Messages.NewStreaming(ctx, params)

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		msgID := uuid.NewString()
		var inputTokens, outputTokens int64
		var toolID, toolName string
		var toolInput []byte
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				inputTokens = start.Message.Usage.InputTokens
			case "content_block_start":
				cb := event.AsContentBlockStart().ContentBlock
				if cb.Type == "tool_use" {
					tu := cb.AsToolUse()
					toolID, toolName, toolInput = tu.ID, tu.Name, nil
				}
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						out <- StreamChunk{Message: &models.Message{
							ID: msgID, Role: models.RoleAssistant, Visibility: models.VisibleMetadata(),
							Items: []models.ContentItem{models.TextItem(delta.Text)},
						}}
					}
				case "thinking_delta":
					if delta.Thinking != "" {
						out <- StreamChunk{Message: &models.Message{
							ID: msgID, Role: models.RoleAssistant, Visibility: models.VisibleMetadata(),
							Items: []models.ContentItem{{Type: models.ContentThinking, Text: delta.Thinking}},
						}}
					}
				case "input_json_delta":
					toolInput = append(toolInput, []byte(delta.PartialJSON)...)
				}
			case "content_block_stop":
				if toolID != "" {
					out <- StreamChunk{Message: &models.Message{
						ID: msgID, Role: models.RoleAssistant, Visibility: models.VisibleMetadata(),
						Items: []models.ContentItem{models.ToolRequestItem(toolID, toolName, toolInput)},
					}}
					toolID = ""
				}
			case "message_delta":
				md := event.AsMessageDelta()
				outputTokens = md.Usage.OutputTokens
			case "message_stop":
				usage := ProviderUsage{InputTokens: int(inputTokens), OutputTokens: int(outputTokens), TotalTokens: int(inputTokens + outputTokens)}
				out <- StreamChunk{Usage: &usage}
				return
			}
		}
		if err := stream.Err(); err != nil {
			out <- StreamChunk{Message: &models.Message{
				ID: msgID, Role: models.RoleAssistant, Visibility: models.VisibleMetadata(),
				Items: []models.ContentItem{{Type: models.ContentSystemNotification, NotificationType: "stream_error", Message: err.Error()}},
			}}
		}
	}()
	return out, nil
}

func (p *AnthropicProvider) FetchSupportedModels(ctx context.Context) ([]ModelInfo, error) {
	return p.Metadata().Models, nil
}

// FetchRecommendedModels returns the bundled catalog's current Anthropic
// lineup (see internal/models), rather than the NotImplemented default
// internal/providers.Base supplies.
func (p *AnthropicProvider) FetchRecommendedModels(ctx context.Context) ([]ModelInfo, error) {
	return fetchRecommendedModelsFor(ctx, vendorAnthropic)
}

func (p *AnthropicProvider) GenerateSessionName(ctx context.Context, conv models.Conversation) (string, error) {
	prompt := GenerateSessionNamePrompt(conv)
	msg, _, err := p.CompleteFast(ctx, "", []models.Message{
		{Role: models.RoleUser, Visibility: models.VisibleMetadata(), Items: []models.ContentItem{models.TextItem(prompt)}},
	}, nil)
	if err != nil {
		return "", err
	}
	for _, item := range msg.Items {
		if item.Type == models.ContentText {
			return TruncateSessionName(item.Text), nil
		}
	}
	return "", nil
}

func (p *AnthropicProvider) buildParams(model ModelConfig, system string, messages []models.Message, tools []ToolSchema) (anthropic.MessageNewParams, error) {
	maxTokens := model.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model.Name),
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	msgs, err := convertMessagesToAnthropic(messages)
	if err != nil {
		return params, err
	}
	params.Messages = msgs

	if len(tools) > 0 {
		converted, err := convertToolsToAnthropic(tools)
		if err != nil {
			return params, err
		}
		params.Tools = converted
	}
	return params, nil
}

func convertMessagesToAnthropic(messages []models.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, m := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		for _, item := range m.Items {
			switch item.Type {
			case models.ContentText:
				if item.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(item.Text))
				}
			case models.ContentImage:
				blocks = append(blocks, anthropic.NewImageBlockBase64(item.MimeType, item.ImageData))
			case models.ContentToolRequest:
				var input map[string]any
				if len(item.ToolCall.Arguments) > 0 {
					if err := json.Unmarshal(item.ToolCall.Arguments, &input); err != nil {
						return nil, fmt.Errorf("anthropic: invalid tool call arguments for %s: %w", item.ToolCall.Name, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(item.ID, input, item.ToolCall.Name))
			case models.ContentToolResponse:
				text := toolOutcomeText(item.Outcome)
				isErr := item.Outcome != nil && item.Outcome.IsError
				blocks = append(blocks, anthropic.NewToolResultBlock(item.ID, text, isErr))
			case models.ContentThinking:
				blocks = append(blocks, anthropic.NewThinkingBlock(item.Signature, item.Text))
			case models.ContentRedactedThinking:
				blocks = append(blocks, anthropic.NewRedactedThinkingBlock(item.Redacted))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func toolOutcomeText(outcome *models.ToolOutcome) string {
	if outcome == nil {
		return ""
	}
	var b []byte
	for _, c := range outcome.Content {
		if c.Text != "" {
			b = append(b, []byte(c.Text)...)
		}
	}
	return string(b)
}

func convertToolsToAnthropic(tools []ToolSchema) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		out = append(out, param)
	}
	return out, nil
}

func (p *AnthropicProvider) retryConfig() RetryConfig {
	if p.cfg.RetryConfig == (RetryConfig{}) {
		return DefaultRetryConfig()
	}
	return p.cfg.RetryConfig
}

func (p *AnthropicProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch kind := ClassifyStatus(apiErr.StatusCode); {
		case errors.Is(kind, ErrAuthentication):
			return &AuthenticationError{Cause: err}
		case errors.Is(kind, ErrRateLimitExceeded):
			return &RateLimitError{Cause: err}
		case errors.Is(kind, ErrRequestFailed):
			return &RequestFailedError{Status: apiErr.StatusCode, Cause: err}
		}
	}
	return err
}
