package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/agentrun/internal/llmprovider"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// BedrockProvider implements llmprovider.LLMProvider over AWS Bedrock's
// Converse streaming API, giving the runtime a non-HTTP-SSE transport
// behind the same channel contract as the other adapters.
type BedrockProvider struct {
	BaseProvider
	client       *bedrockruntime.Client
	defaultModel string
}

// BedrockConfig configures NewBedrockProvider.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
}

// NewBedrockProvider builds a BedrockProvider, resolving AWS credentials
// from cfg or, if empty, the default provider chain (environment, IAM role).
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}

	return &BedrockProvider{
		BaseProvider: NewBaseProvider("bedrock"),
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *BedrockProvider) Models() []llmprovider.Model {
	return []llmprovider.Model{
		{ID: "anthropic.claude-3-sonnet-20240229-v1:0", Name: "Claude 3 Sonnet (Bedrock)", ContextSize: 200000, SupportsVision: true},
		{ID: "anthropic.claude-3-haiku-20240307-v1:0", Name: "Claude 3 Haiku (Bedrock)", ContextSize: 200000, SupportsVision: true},
		{ID: "meta.llama3-70b-instruct-v1:0", Name: "Llama 3 70B (Bedrock)", ContextSize: 8192, SupportsVision: false},
		{ID: "amazon.titan-text-express-v1", Name: "Titan Text Express", ContextSize: 8192, SupportsVision: false},
	}
}

func (p *BedrockProvider) SupportsTools() bool { return true }

func (p *BedrockProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// Complete sends req to Bedrock's ConverseStream API.
func (p *BedrockProvider) Complete(ctx context.Context, req *llmprovider.CompletionRequest) (<-chan *llmprovider.CompletionChunk, error) {
	model := p.getModel(req.Model)

	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to convert messages: %w", err)
	}

	in := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if req.System != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		in.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}
	if len(req.Tools) > 0 {
		in.ToolConfig = p.convertTools(req.Tools)
	}

	var out *bedrockruntime.ConverseStreamOutput
	err = p.Retry(ctx, llmprovider.IsRetryable, func() error {
		o, err := p.client.ConverseStream(ctx, in)
		if err != nil {
			return llmprovider.NewProviderError("bedrock", model, err)
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *llmprovider.CompletionChunk)
	go p.processStream(out, chunks, model)
	return chunks, nil
}

func (p *BedrockProvider) processStream(out *bedrockruntime.ConverseStreamOutput, chunks chan<- *llmprovider.CompletionChunk, model string) {
	defer close(chunks)

	eventStream := out.GetStream()
	defer eventStream.Close()

	var currentToolCall *models.ToolCall
	var toolInput strings.Builder

	for event := range eventStream.Events() {
		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				currentToolCall = &models.ToolCall{
					ID:   aws.ToString(toolUse.Value.ToolUseId),
					Kind: models.ToolCallNative,
					Name: aws.ToString(toolUse.Value.Name),
				}
				toolInput.Reset()
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if delta.Value != "" {
					chunks <- &llmprovider.CompletionChunk{Text: delta.Value, Model: model}
				}
			case *types.ContentBlockDeltaMemberToolUse:
				if delta.Value.Input != nil {
					toolInput.WriteString(*delta.Value.Input)
				}
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			if currentToolCall != nil {
				currentToolCall.RawInput = json.RawMessage(toolInput.String())
				var args map[string]any
				if err := json.Unmarshal(currentToolCall.RawInput, &args); err == nil {
					currentToolCall.Arguments = args
				}
				chunks <- &llmprovider.CompletionChunk{ToolCall: currentToolCall, Model: model}
				currentToolCall = nil
				toolInput.Reset()
			}

		case *types.ConverseStreamOutputMemberMessageStop:
			chunks <- &llmprovider.CompletionChunk{Done: true, Model: model}
			return
		}
	}

	if err := eventStream.Err(); err != nil {
		chunks <- &llmprovider.CompletionChunk{Error: llmprovider.NewProviderError("bedrock", model, err), Done: true}
		return
	}
	chunks <- &llmprovider.CompletionChunk{Done: true, Model: model}
}

func (p *BedrockProvider) convertMessages(messages []llmprovider.CompletionMessage) ([]types.Message, error) {
	var result []types.Message
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var blocks []types.ContentBlock
		if msg.Content != "" {
			blocks = append(blocks, &types.ContentBlockMemberText{Value: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			doc, err := toDocument(tc.Arguments)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{ToolUseId: aws.String(tc.ID), Name: aws.String(tc.Name), Input: doc},
			})
		}
		for _, tr := range msg.ToolResults {
			text, ok := tr.Output.(string)
			if !ok {
				raw, _ := json.Marshal(tr.Output)
				text = string(raw)
			}
			blocks = append(blocks, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(tr.ToolCallID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: text}},
				},
			})
		}

		role := types.ConversationRoleUser
		if msg.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: blocks})
	}
	return result, nil
}

func (p *BedrockProvider) convertTools(tools []llmprovider.Tool) *types.ToolConfiguration {
	specs := make([]types.Tool, 0, len(tools))
	for _, tool := range tools {
		doc, err := jsonToDocument(tool.Schema)
		if err != nil {
			continue
		}
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: doc},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}
}

// toDocument converts a parsed argument map into Bedrock's document.Interface
// payload via a JSON round-trip.
func toDocument(args map[string]any) (document.Interface, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("bedrock: encode tool arguments: %w", err)
	}
	return jsonToDocument(raw)
}

func jsonToDocument(raw []byte) (document.Interface, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("bedrock: decode document: %w", err)
	}
	return document.NewLazyDocument(v), nil
}
