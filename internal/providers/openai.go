package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/google/uuid"

	"github.com/haasonsaas/orbit/pkg/models"
)

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	FastModel    string
	RetryConfig  RetryConfig
}

// OpenAIProvider is the GPT concrete Provider, grounded on
// internal/agent/providers/openai.go's message/tool conversion but rebuilt
// against the Items-based models.Message shape and this package's Provider
// interface.
type OpenAIProvider struct {
	Base
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAIProvider constructs a Provider talking to the OpenAI API.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		Base:   NewBase("openai"),
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
	}, nil
}

func (p *OpenAIProvider) Metadata() ProviderMetadata {
	return ProviderMetadata{
		Name:         "openai",
		DisplayName:  "OpenAI",
		DefaultModel: p.cfg.DefaultModel,
		FastModel:    p.cfg.FastModel,
		DocsURL:      "https://platform.openai.com/docs",
		Models: []ModelInfo{
			{ID: "gpt-4o", ContextLimit: 128_000},
			{ID: "gpt-4-turbo", ContextLimit: 128_000},
			{ID: "gpt-4o-mini", ContextLimit: 128_000},
		},
		ConfigKeys: []ConfigKey{
			{Name: "OPENAI_API_KEY", Required: true, Secret: true},
		},
	}
}

func (p *OpenAIProvider) Complete(ctx context.Context, system string, messages []models.Message, tools []ToolSchema) (models.Message, ProviderUsage, error) {
	return p.CompleteWithModel(ctx, ModelConfig{Name: p.cfg.DefaultModel}, system, messages, tools)
}

func (p *OpenAIProvider) CompleteFast(ctx context.Context, system string, messages []models.Message, tools []ToolSchema) (models.Message, ProviderUsage, error) {
	if p.cfg.FastModel == "" {
		return p.Complete(ctx, system, messages, tools)
	}
	msg, usage, err := p.CompleteWithModel(ctx, ModelConfig{Name: p.cfg.FastModel}, system, messages, tools)
	if err == nil {
		return msg, usage, nil
	}
	return p.Complete(ctx, system, messages, tools)
}

func (p *OpenAIProvider) CompleteWithModel(ctx context.Context, model ModelConfig, system string, messages []models.Message, tools []ToolSchema) (models.Message, ProviderUsage, error) {
	req := p.buildRequest(model, system, messages, tools)

	var resp openai.ChatCompletionResponse
	retryErr := Retry(ctx, p.retryConfig(), IsRetryable, func() error {
		r, callErr := p.client.CreateChatCompletion(ctx, req)
		if callErr != nil {
			return wrapOpenAIError(callErr)
		}
		resp = r
		return nil
	})
	if retryErr != nil {
		return models.Message{}, ProviderUsage{}, retryErr
	}
	if len(resp.Choices) == 0 {
		return models.Message{}, ProviderUsage{}, errors.New("openai: empty response")
	}

	choice := resp.Choices[0].Message
	out := models.Message{Role: models.RoleAssistant, Visibility: models.VisibleMetadata()}
	if choice.Content != "" {
		out.Items = append(out.Items, models.TextItem(choice.Content))
	}
	for _, tc := range choice.ToolCalls {
		out.Items = append(out.Items, models.ToolRequestItem(tc.ID, tc.Function.Name, json.RawMessage(tc.Function.Arguments)))
	}

	usage := ProviderUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage = EstimateUsage(system, choice.Content)
	}
	return out, usage, nil
}

// Stream issues a streaming chat completion, coalescing deltas into
// StreamChunk values by a single synthesized message id per call.
func (p *OpenAIProvider) Stream(ctx context.Context, system string, messages []models.Message, tools []ToolSchema) (<-chan StreamChunk, error) {
	req := p.buildRequest(ModelConfig{Name: p.cfg.DefaultModel}, system, messages, tools)
	req.Stream = true

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer stream.Close()
		msgID := uuid.NewString()
		type pendingToolCall struct {
			id   string
			info models.ToolCallInfo
		}
		toolCalls := map[int]*pendingToolCall{}

		for {
			resp, recvErr := stream.Recv()
			if recvErr != nil {
				if recvErr == io.EOF {
					for _, tc := range toolCalls {
						if tc.info.Name != "" {
							info := tc.info
							out <- StreamChunk{Message: &models.Message{
								ID: msgID, Role: models.RoleAssistant, Visibility: models.VisibleMetadata(),
								Items: []models.ContentItem{{Type: models.ContentToolRequest, ID: tc.id, ToolCall: &info}},
							}}
						}
					}
					return
				}
				out <- StreamChunk{Message: &models.Message{
					ID: msgID, Role: models.RoleAssistant, Visibility: models.VisibleMetadata(),
					Items: []models.ContentItem{{Type: models.ContentSystemNotification, NotificationType: "stream_error", Message: recvErr.Error()}},
				}}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.Content != "" {
				out <- StreamChunk{Message: &models.Message{
					ID: msgID, Role: models.RoleAssistant, Visibility: models.VisibleMetadata(),
					Items: []models.ContentItem{models.TextItem(delta.Content)},
				}}
			}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				if toolCalls[idx] == nil {
					toolCalls[idx] = &pendingToolCall{}
				}
				entry := toolCalls[idx]
				if tc.ID != "" {
					entry.id = tc.ID
				}
				if tc.Function.Name != "" {
					entry.info.Name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					entry.info.Arguments = append(entry.info.Arguments, []byte(tc.Function.Arguments)...)
				}
			}
		}
	}()
	return out, nil
}

func (p *OpenAIProvider) FetchSupportedModels(ctx context.Context) ([]ModelInfo, error) {
	return p.Metadata().Models, nil
}

// FetchRecommendedModels returns the bundled catalog's current OpenAI
// lineup (see internal/models), rather than the NotImplemented default
// internal/providers.Base supplies.
func (p *OpenAIProvider) FetchRecommendedModels(ctx context.Context) ([]ModelInfo, error) {
	return fetchRecommendedModelsFor(ctx, vendorOpenAI)
}

func (p *OpenAIProvider) GenerateSessionName(ctx context.Context, conv models.Conversation) (string, error) {
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

func (p *OpenAIProvider) buildRequest(model ModelConfig, system string, messages []models.Message, tools []ToolSchema) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{Model: model.Name}
	if model.MaxTokens > 0 {
		req.MaxTokens = model.MaxTokens
	}
	if system != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	req.Messages = append(req.Messages, convertMessagesToOpenAI(messages)...)
	if len(tools) > 0 {
		req.Tools = convertToolsToOpenAI(tools)
	}
	return req
}

func convertMessagesToOpenAI(messages []models.Message) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	for _, m := range messages {
		if m.Role == models.RoleAssistant {
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			for _, item := range m.Items {
				switch item.Type {
				case models.ContentText:
					oaiMsg.Content += item.Text
				case models.ContentToolRequest:
					oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
						ID:   item.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      item.ToolCall.Name,
							Arguments: string(item.ToolCall.Arguments),
						},
					})
				}
			}
			out = append(out, oaiMsg)
			continue
		}

		// ToolResponse items become their own role="tool" messages; every
		// other item on a User message collapses into one user message.
		var text strings.Builder
		var images []openai.ChatMessagePart
		for _, item := range m.Items {
			switch item.Type {
			case models.ContentText:
				text.WriteString(item.Text)
			case models.ContentImage:
				images = append(images, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: "data:" + item.MimeType + ";base64," + item.ImageData},
				})
			case models.ContentToolResponse:
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    toolOutcomeText(item.Outcome),
					ToolCallID: item.ID,
				})
			}
		}
		if len(images) > 0 {
			parts := images
			if text.Len() > 0 {
				parts = append([]openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: text.String()}}, images...)
			}
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts})
		} else if text.Len() > 0 {
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text.String()})
		}
	}
	return out
}

func convertToolsToOpenAI(tools []ToolSchema) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		var schema map[string]any
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}

func (p *OpenAIProvider) retryConfig() RetryConfig {
	if p.cfg.RetryConfig == (RetryConfig{}) {
		return DefaultRetryConfig()
	}
	return p.cfg.RetryConfig
}

func wrapOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch kind := ClassifyStatus(apiErr.HTTPStatusCode); {
		case errors.Is(kind, ErrAuthentication):
			return &AuthenticationError{Cause: err}
		case errors.Is(kind, ErrRateLimitExceeded):
			return &RateLimitError{Cause: err}
		case errors.Is(kind, ErrRequestFailed):
			return &RequestFailedError{Status: apiErr.HTTPStatusCode, Cause: err}
		}
	}
	return err
}
