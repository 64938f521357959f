package providers

import (
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/agentrun/internal/llmprovider"
	"github.com/haasonsaas/agentrun/pkg/models"
)

func TestBedrockProvider_ConvertMessages_SkipsSystem(t *testing.T) {
	p := &BedrockProvider{}
	msgs := []llmprovider.CompletionMessage{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
	}
	out, err := p.convertMessages(msgs)
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	if out[0].Role != types.ConversationRoleUser {
		t.Errorf("Role = %v, want user", out[0].Role)
	}
}

func TestBedrockProvider_ConvertMessages_ToolCallsAndResults(t *testing.T) {
	p := &BedrockProvider{}
	msgs := []llmprovider.CompletionMessage{
		{
			Role: "assistant",
			ToolCalls: []models.ToolCall{
				{ID: "call-1", Name: "search", Arguments: map[string]any{"q": "go"}},
			},
		},
		{
			Role: "user",
			ToolResults: []models.ToolResult{
				{ToolCallID: "call-1", Success: true, Output: "results here"},
			},
		},
	}
	out, err := p.convertMessages(msgs)
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[0].Role != types.ConversationRoleAssistant {
		t.Errorf("Role = %v, want assistant", out[0].Role)
	}
	if len(out[0].Content) != 1 {
		t.Fatalf("len(Content) = %d, want 1", len(out[0].Content))
	}
	if _, ok := out[0].Content[0].(*types.ContentBlockMemberToolUse); !ok {
		t.Errorf("Content[0] = %T, want *types.ContentBlockMemberToolUse", out[0].Content[0])
	}
	if len(out[1].Content) != 1 {
		t.Fatalf("len(Content) = %d, want 1", len(out[1].Content))
	}
	trBlock, ok := out[1].Content[0].(*types.ContentBlockMemberToolResult)
	if !ok {
		t.Fatalf("Content[0] = %T, want *types.ContentBlockMemberToolResult", out[1].Content[0])
	}
	if aws.ToString(trBlock.Value.ToolUseId) != "call-1" {
		t.Errorf("ToolUseId = %q, want call-1", aws.ToString(trBlock.Value.ToolUseId))
	}
}

func TestBedrockProvider_ConvertTools(t *testing.T) {
	p := &BedrockProvider{}
	schema, _ := json.Marshal(map[string]any{"type": "object", "properties": map[string]any{}})
	cfg := p.convertTools([]llmprovider.Tool{
		{Name: "search", Description: "search the web", Schema: schema},
	})
	if cfg == nil || len(cfg.Tools) != 1 {
		t.Fatalf("expected one tool in ToolConfiguration, got %v", cfg)
	}
	spec, ok := cfg.Tools[0].(*types.ToolMemberToolSpec)
	if !ok {
		t.Fatalf("Tools[0] = %T, want *types.ToolMemberToolSpec", cfg.Tools[0])
	}
	if aws.ToString(spec.Value.Name) != "search" {
		t.Errorf("Name = %q, want search", aws.ToString(spec.Value.Name))
	}
}

func TestBedrockProvider_ConvertTools_SkipsBadSchema(t *testing.T) {
	p := &BedrockProvider{}
	cfg := p.convertTools([]llmprovider.Tool{
		{Name: "broken", Description: "bad schema", Schema: []byte("not json")},
	})
	if cfg == nil || len(cfg.Tools) != 0 {
		t.Fatalf("expected zero tools for unparseable schema, got %v", cfg)
	}
}

func TestBedrockProvider_GetModelDefault(t *testing.T) {
	p := &BedrockProvider{defaultModel: "anthropic.claude-3-sonnet-20240229-v1:0"}
	if got := p.getModel(""); got != p.defaultModel {
		t.Errorf("getModel(\"\") = %q, want %q", got, p.defaultModel)
	}
	if got := p.getModel("meta.llama3-70b-instruct-v1:0"); got != "meta.llama3-70b-instruct-v1:0" {
		t.Errorf("getModel(explicit) = %q, want explicit model", got)
	}
}
