package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"google.golang.org/genai"

	"github.com/google/uuid"

	"github.com/haasonsaas/orbit/pkg/models"
)

// GoogleConfig configures a GoogleProvider.
type GoogleConfig struct {
	APIKey       string
	DefaultModel string
	FastModel    string
	RetryConfig  RetryConfig
}

// GoogleProvider is the Gemini concrete Provider, grounded on
// internal/agent/providers/google.go's genai usage but rebuilt against the
// Items-based models.Message shape and this package's Provider interface.
type GoogleProvider struct {
	Base
	client *genai.Client
	cfg    GoogleConfig
}

// NewGoogleProvider constructs a Provider talking to the Gemini API.
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	return &GoogleProvider{Base: NewBase("google"), client: client, cfg: cfg}, nil
}

func (p *GoogleProvider) Metadata() ProviderMetadata {
	return ProviderMetadata{
		Name:         "google",
		DisplayName:  "Google Gemini",
		DefaultModel: p.cfg.DefaultModel,
		FastModel:    p.cfg.FastModel,
		DocsURL:      "https://ai.google.dev/gemini-api/docs",
		Models: []ModelInfo{
			{ID: "gemini-2.0-flash", ContextLimit: 1_000_000},
			{ID: "gemini-2.0-pro", ContextLimit: 2_000_000},
		},
		ConfigKeys: []ConfigKey{
			{Name: "GOOGLE_API_KEY", Required: true, Secret: true},
		},
	}
}

func (p *GoogleProvider) Complete(ctx context.Context, system string, messages []models.Message, tools []ToolSchema) (models.Message, ProviderUsage, error) {
	return p.CompleteWithModel(ctx, ModelConfig{Name: p.cfg.DefaultModel}, system, messages, tools)
}

func (p *GoogleProvider) CompleteFast(ctx context.Context, system string, messages []models.Message, tools []ToolSchema) (models.Message, ProviderUsage, error) {
	if p.cfg.FastModel == "" {
		return p.Complete(ctx, system, messages, tools)
	}
	msg, usage, err := p.CompleteWithModel(ctx, ModelConfig{Name: p.cfg.FastModel}, system, messages, tools)
	if err == nil {
		return msg, usage, nil
	}
	return p.Complete(ctx, system, messages, tools)
}

func (p *GoogleProvider) CompleteWithModel(ctx context.Context, model ModelConfig, system string, messages []models.Message, tools []ToolSchema) (models.Message, ProviderUsage, error) {
	contents := convertMessagesToGemini(messages)
	config := p.buildConfig(model, system, tools)

	var resp *genai.GenerateContentResponse
	retryErr := Retry(ctx, p.retryConfig(), IsRetryable, func() error {
		r, callErr := p.client.Models.GenerateContent(ctx, model.Name, contents, config)
		if callErr != nil {
			return wrapGoogleError(callErr)
		}
		resp = r
		return nil
	})
	if retryErr != nil {
		return models.Message{}, ProviderUsage{}, retryErr
	}

	out := models.Message{Role: models.RoleAssistant, Visibility: models.VisibleMetadata()}
	var responseText string
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				out.Items = append(out.Items, models.TextItem(part.Text))
				responseText += part.Text
			}
			if part.FunctionCall != nil {
				args, _ := json.Marshal(part.FunctionCall.Args)
				out.Items = append(out.Items, models.ToolRequestItem(uuid.NewString(), part.FunctionCall.Name, args))
			}
		}
	}
	return out, EstimateUsage(system, responseText), nil
}

// Stream issues a streaming completion, emitting one StreamChunk per
// candidate part sharing a synthesized message id.
func (p *GoogleProvider) Stream(ctx context.Context, system string, messages []models.Message, tools []ToolSchema) (<-chan StreamChunk, error) {
	contents := convertMessagesToGemini(messages)
	config := p.buildConfig(ModelConfig{Name: p.cfg.DefaultModel}, system, tools)
	streamIter := p.client.Models.GenerateContentStream(ctx, p.cfg.DefaultModel, contents, config)

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		msgID := uuid.NewString()
		for resp, err := range streamIter {
			if err != nil {
				out <- StreamChunk{Message: &models.Message{
					ID: msgID, Role: models.RoleAssistant, Visibility: models.VisibleMetadata(),
					Items: []models.ContentItem{{Type: models.ContentSystemNotification, NotificationType: "stream_error", Message: err.Error()}},
				}}
				return
			}
			if resp == nil {
				continue
			}
			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						out <- StreamChunk{Message: &models.Message{
							ID: msgID, Role: models.RoleAssistant, Visibility: models.VisibleMetadata(),
							Items: []models.ContentItem{models.TextItem(part.Text)},
						}}
					}
					if part.FunctionCall != nil {
						args, _ := json.Marshal(part.FunctionCall.Args)
						out <- StreamChunk{Message: &models.Message{
							ID: msgID, Role: models.RoleAssistant, Visibility: models.VisibleMetadata(),
							Items: []models.ContentItem{models.ToolRequestItem(uuid.NewString(), part.FunctionCall.Name, args)},
						}}
					}
				}
			}
		}
	}()
	return out, nil
}

func (p *GoogleProvider) FetchSupportedModels(ctx context.Context) ([]ModelInfo, error) {
	return p.Metadata().Models, nil
}

// FetchRecommendedModels returns the bundled catalog's current Google
// lineup (see internal/models), rather than the NotImplemented default
// internal/providers.Base supplies.
func (p *GoogleProvider) FetchRecommendedModels(ctx context.Context) ([]ModelInfo, error) {
	return fetchRecommendedModelsFor(ctx, vendorGoogle)
}

func (p *GoogleProvider) GenerateSessionName(ctx context.Context, conv models.Conversation) (string, error) {
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

func (p *GoogleProvider) buildConfig(model ModelConfig, system string, tools []ToolSchema) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if model.MaxTokens > 0 {
		config.MaxOutputTokens = int32(model.MaxTokens)
	}
	if len(tools) > 0 {
		config.Tools = convertToolsToGemini(tools)
	}
	return config
}

func convertMessagesToGemini(messages []models.Message) []*genai.Content {
	var out []*genai.Content
	for _, m := range messages {
		content := &genai.Content{}
		if m.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		} else {
			content.Role = genai.RoleUser
		}
		for _, item := range m.Items {
			switch item.Type {
			case models.ContentText:
				if item.Text != "" {
					content.Parts = append(content.Parts, &genai.Part{Text: item.Text})
				}
			case models.ContentToolRequest:
				var args map[string]any
				if len(item.ToolCall.Arguments) > 0 {
					_ = json.Unmarshal(item.ToolCall.Arguments, &args)
				}
				content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: item.ToolCall.Name, Args: args}})
			case models.ContentToolResponse:
				var response map[string]any
				text := toolOutcomeText(item.Outcome)
				if err := json.Unmarshal([]byte(text), &response); err != nil {
					response = map[string]any{"result": text, "error": item.Outcome != nil && item.Outcome.IsError}
				}
				content.Parts = append(content.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{Name: item.ID, Response: response}})
			}
		}
		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out
}

func convertToolsToGemini(tools []ToolSchema) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schema genai.Schema
		if len(tool.InputSchema) > 0 {
			_ = json.Unmarshal(tool.InputSchema, &schema)
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  &schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func (p *GoogleProvider) retryConfig() RetryConfig {
	if p.cfg.RetryConfig == (RetryConfig{}) {
		return DefaultRetryConfig()
	}
	return p.cfg.RetryConfig
}

// wrapGoogleError classifies a genai error by scanning its message for a
// status code, since the SDK does not expose a typed API error with a
// status field.
func wrapGoogleError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	status := 0
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthenticated"):
		status = 401
	case strings.Contains(msg, "403") || strings.Contains(msg, "permission denied"):
		status = 403
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource exhausted") || strings.Contains(msg, "quota"):
		status = 429
	case strings.Contains(msg, "500") || strings.Contains(msg, "internal server error"):
		status = 500
	case strings.Contains(msg, "503") || strings.Contains(msg, "service unavailable"):
		status = 503
	}
	if status == 0 {
		return err
	}
	switch kind := ClassifyStatus(status); {
	case errors.Is(kind, ErrAuthentication):
		return &AuthenticationError{Cause: err}
	case errors.Is(kind, ErrRateLimitExceeded):
		return &RateLimitError{Cause: err}
	case errors.Is(kind, ErrRequestFailed):
		return &RequestFailedError{Status: status, Cause: err}
	}
	return err
}
