package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/google/uuid"

	bedrockdiscovery "github.com/haasonsaas/orbit/internal/providers/bedrock"
	"github.com/haasonsaas/orbit/pkg/models"
)

// BedrockConfig configures a BedrockProvider.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	FastModel       string
	RetryConfig     RetryConfig
}

// BedrockProvider is the AWS Bedrock concrete Provider, grounded
// on internal/agent/providers/bedrock.go's Converse/ConverseStream usage but
// rebuilt against the Items-based models.Message shape and this package's
// Provider interface. Model discovery delegates to the sibling
// internal/providers/bedrock package's ListFoundationModels wrapper rather
// than the static catalog the legacy file hard-codes.
type BedrockProvider struct {
	Base
	client *bedrockruntime.Client
	cfg    BedrockConfig
}

// NewBedrockProvider constructs a Provider talking to AWS Bedrock's Converse API.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, err
	}

	return &BedrockProvider{
		Base:   NewBase("bedrock"),
		client: bedrockruntime.NewFromConfig(awsCfg),
		cfg:    cfg,
	}, nil
}

func (p *BedrockProvider) Metadata() ProviderMetadata {
	return ProviderMetadata{
		Name:         "bedrock",
		DisplayName:  "AWS Bedrock",
		DefaultModel: p.cfg.DefaultModel,
		FastModel:    p.cfg.FastModel,
		DocsURL:      "https://docs.aws.amazon.com/bedrock/",
		Models: []ModelInfo{
			{ID: "anthropic.claude-3-opus-20240229-v1:0", ContextLimit: 200_000},
			{ID: "anthropic.claude-3-sonnet-20240229-v1:0", ContextLimit: 200_000},
			{ID: "anthropic.claude-3-haiku-20240307-v1:0", ContextLimit: 200_000},
			{ID: "amazon.titan-text-express-v1", ContextLimit: 8_192},
			{ID: "meta.llama3-70b-instruct-v1:0", ContextLimit: 8_192},
		},
		ConfigKeys: []ConfigKey{
			{Name: "AWS_ACCESS_KEY_ID", Required: false, Secret: true},
			{Name: "AWS_SECRET_ACCESS_KEY", Required: false, Secret: true},
			{Name: "AWS_REGION", Required: false},
		},
	}
}

func (p *BedrockProvider) Complete(ctx context.Context, system string, messages []models.Message, tools []ToolSchema) (models.Message, ProviderUsage, error) {
	return p.CompleteWithModel(ctx, ModelConfig{Name: p.cfg.DefaultModel}, system, messages, tools)
}

func (p *BedrockProvider) CompleteFast(ctx context.Context, system string, messages []models.Message, tools []ToolSchema) (models.Message, ProviderUsage, error) {
	if p.cfg.FastModel == "" {
		return p.Complete(ctx, system, messages, tools)
	}
	msg, usage, err := p.CompleteWithModel(ctx, ModelConfig{Name: p.cfg.FastModel}, system, messages, tools)
	if err == nil {
		return msg, usage, nil
	}
	return p.Complete(ctx, system, messages, tools)
}

func (p *BedrockProvider) CompleteWithModel(ctx context.Context, model ModelConfig, system string, messages []models.Message, tools []ToolSchema) (models.Message, ProviderUsage, error) {
	req := p.buildConverseInput(model, system, messages, tools)

	var resp *bedrockruntime.ConverseOutput
	retryErr := Retry(ctx, p.retryConfig(), IsRetryable, func() error {
		r, callErr := p.client.Converse(ctx, req)
		if callErr != nil {
			return wrapBedrockError(callErr)
		}
		resp = r
		return nil
	})
	if retryErr != nil {
		return models.Message{}, ProviderUsage{}, retryErr
	}
	if resp.Output == nil {
		return models.Message{}, ProviderUsage{}, errors.New("bedrock: empty response")
	}

	out := models.Message{Role: models.RoleAssistant, Visibility: models.VisibleMetadata()}
	var responseText string
	if member, ok := resp.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range member.Value.Content {
			switch b := block.(type) {
			case *types.ContentBlockMemberText:
				out.Items = append(out.Items, models.TextItem(b.Value))
				responseText += b.Value
			case *types.ContentBlockMemberToolUse:
				input, _ := b.Value.Input.MarshalSmithyDocument()
				out.Items = append(out.Items, models.ToolRequestItem(aws.ToString(b.Value.ToolUseId), aws.ToString(b.Value.Name), input))
			}
		}
	}

	usage := EstimateUsage(system, responseText)
	if resp.Usage != nil {
		usage = ProviderUsage{
			InputTokens:  int(aws.ToInt32(resp.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(resp.Usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(resp.Usage.TotalTokens)),
		}
	}
	return out, usage, nil
}

// Stream issues a ConverseStream request, emitting text and tool-use deltas
// coalesced under one synthesized message id.
func (p *BedrockProvider) Stream(ctx context.Context, system string, messages []models.Message, tools []ToolSchema) (<-chan StreamChunk, error) {
	req := p.buildConverseStreamInput(ModelConfig{Name: p.cfg.DefaultModel}, system, messages, tools)

	var stream *bedrockruntime.ConverseStreamOutput
	retryErr := Retry(ctx, p.retryConfig(), IsRetryable, func() error {
		s, callErr := p.client.ConverseStream(ctx, req)
		if callErr != nil {
			return wrapBedrockError(callErr)
		}
		stream = s
		return nil
	})
	if retryErr != nil {
		return nil, retryErr
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		eventStream := stream.GetStream()
		defer eventStream.Close()

		msgID := uuid.NewString()
		var currentToolID, currentToolName string
		var toolInput strings.Builder

		eventChan := eventStream.Events()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-eventChan:
				if !ok {
					if currentToolID != "" {
						out <- StreamChunk{Message: &models.Message{
							ID: msgID, Role: models.RoleAssistant, Visibility: models.VisibleMetadata(),
							Items: []models.ContentItem{models.ToolRequestItem(currentToolID, currentToolName, json.RawMessage(toolInput.String()))},
						}}
					}
					if err := eventStream.Err(); err != nil {
						out <- StreamChunk{Message: &models.Message{
							ID: msgID, Role: models.RoleAssistant, Visibility: models.VisibleMetadata(),
							Items: []models.ContentItem{{Type: models.ContentSystemNotification, NotificationType: "stream_error", Message: wrapBedrockError(err).Error()}},
						}}
					}
					return
				}
				switch ev := event.(type) {
				case *types.ConverseStreamOutputMemberContentBlockStart:
					if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
						currentToolID = aws.ToString(toolUse.Value.ToolUseId)
						currentToolName = aws.ToString(toolUse.Value.Name)
						toolInput.Reset()
					}
				case *types.ConverseStreamOutputMemberContentBlockDelta:
					switch delta := ev.Value.Delta.(type) {
					case *types.ContentBlockDeltaMemberText:
						if delta.Value != "" {
							out <- StreamChunk{Message: &models.Message{
								ID: msgID, Role: models.RoleAssistant, Visibility: models.VisibleMetadata(),
								Items: []models.ContentItem{models.TextItem(delta.Value)},
							}}
						}
					case *types.ContentBlockDeltaMemberToolUse:
						if delta.Value.Input != nil {
							toolInput.WriteString(*delta.Value.Input)
						}
					}
				case *types.ConverseStreamOutputMemberContentBlockStop:
					if currentToolID != "" {
						out <- StreamChunk{Message: &models.Message{
							ID: msgID, Role: models.RoleAssistant, Visibility: models.VisibleMetadata(),
							Items: []models.ContentItem{models.ToolRequestItem(currentToolID, currentToolName, json.RawMessage(toolInput.String()))},
						}}
						currentToolID, currentToolName = "", ""
						toolInput.Reset()
					}
				case *types.ConverseStreamOutputMemberMessageStop:
					return
				}
			}
		}
	}()
	return out, nil
}

// FetchSupportedModels delegates to the bedrock discovery subpackage's
// ListFoundationModels-backed cache rather than this file's static catalog.
func (p *BedrockProvider) FetchSupportedModels(ctx context.Context) ([]ModelInfo, error) {
	discovered, err := bedrockdiscovery.DiscoverModels(ctx, &bedrockdiscovery.DiscoveryConfig{
		Region:          p.cfg.Region,
		AccessKeyID:     p.cfg.AccessKeyID,
		SecretAccessKey: p.cfg.SecretAccessKey,
		SessionToken:    p.cfg.SessionToken,
	})
	if err != nil {
		return p.Metadata().Models, nil
	}
	out := make([]ModelInfo, 0, len(discovered))
	for _, m := range discovered {
		out = append(out, ModelInfo{ID: m.ID, ContextLimit: m.ContextWindow})
	}
	return out, nil
}

// FetchRecommendedModels returns the bundled catalog's current Bedrock
// lineup (see internal/models) as a curated fallback alongside the live
// discovery FetchSupportedModels performs.
func (p *BedrockProvider) FetchRecommendedModels(ctx context.Context) ([]ModelInfo, error) {
	return fetchRecommendedModelsFor(ctx, vendorBedrock)
}

func (p *BedrockProvider) GenerateSessionName(ctx context.Context, conv models.Conversation) (string, error) {
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

func (p *BedrockProvider) buildConverseInput(model ModelConfig, system string, messages []models.Message, tools []ToolSchema) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model.Name),
		Messages: convertMessagesToBedrock(messages),
	}
	if system != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}
	if model.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(model.MaxTokens))}
	}
	if len(tools) > 0 {
		input.ToolConfig = convertToolsToBedrock(tools)
	}
	return input
}

func (p *BedrockProvider) buildConverseStreamInput(model ModelConfig, system string, messages []models.Message, tools []ToolSchema) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model.Name),
		Messages: convertMessagesToBedrock(messages),
	}
	if system != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}
	if model.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(model.MaxTokens))}
	}
	if len(tools) > 0 {
		input.ToolConfig = convertToolsToBedrock(tools)
	}
	return input
}

func convertMessagesToBedrock(messages []models.Message) []types.Message {
	result := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		var content []types.ContentBlock
		for _, item := range m.Items {
			switch item.Type {
			case models.ContentText:
				if item.Text != "" {
					content = append(content, &types.ContentBlockMemberText{Value: item.Text})
				}
			case models.ContentToolRequest:
				var inputDoc any
				if err := json.Unmarshal(item.ToolCall.Arguments, &inputDoc); err != nil {
					inputDoc = map[string]any{}
				}
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(item.ID),
						Name:      aws.String(item.ToolCall.Name),
						Input:     document.NewLazyDocument(inputDoc),
					},
				})
			case models.ContentToolResponse:
				content = append(content, &types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(item.ID),
						Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: toolOutcomeText(item.Outcome)}},
					},
				})
			}
		}
		if len(content) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result
}

func convertToolsToBedrock(tools []ToolSchema) *types.ToolConfiguration {
	specs := make([]types.Tool, 0, len(tools))
	for _, tool := range tools {
		var schemaDoc any
		if len(tool.InputSchema) > 0 {
			_ = json.Unmarshal(tool.InputSchema, &schemaDoc)
		}
		desc := tool.Description
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: &desc,
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schemaDoc)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}
}

func (p *BedrockProvider) retryConfig() RetryConfig {
	if p.cfg.RetryConfig == (RetryConfig{}) {
		return DefaultRetryConfig()
	}
	return p.cfg.RetryConfig
}

// wrapBedrockError classifies AWS SDK errors by message content, since
// AWS's smithy errors don't expose a single numeric status field uniformly
// across service exceptions.
func wrapBedrockError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UnrecognizedClientException") || strings.Contains(msg, "AccessDeniedException") || strings.Contains(msg, "401"):
		return &AuthenticationError{Cause: err}
	case strings.Contains(msg, "ThrottlingException") || strings.Contains(msg, "TooManyRequestsException") || strings.Contains(msg, "429"):
		return &RateLimitError{Cause: err}
	case strings.Contains(msg, "ServiceUnavailableException") || strings.Contains(msg, "InternalServerException") || strings.Contains(msg, "500") || strings.Contains(msg, "503"):
		return &RequestFailedError{Status: 503, Cause: err}
	}
	return err
}
