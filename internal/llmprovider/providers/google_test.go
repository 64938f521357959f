package providers

import (
	"encoding/json"
	"testing"

	"google.golang.org/genai"

	"github.com/haasonsaas/agentrun/internal/llmprovider"
	"github.com/haasonsaas/agentrun/pkg/models"
)

func TestGoogleProvider_ConvertMessages_SkipsSystem(t *testing.T) {
	p := &GoogleProvider{}
	out, err := p.convertMessages([]llmprovider.CompletionMessage{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
	})
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	if out[0].Role != genai.RoleUser {
		t.Errorf("Role = %v, want user", out[0].Role)
	}
}

func TestGoogleProvider_ConvertMessages_AssistantBecomesModelRole(t *testing.T) {
	p := &GoogleProvider{}
	out, err := p.convertMessages([]llmprovider.CompletionMessage{
		{Role: "assistant", Content: "here you go"},
	})
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}
	if len(out) != 1 || out[0].Role != genai.RoleModel {
		t.Fatalf("Role = %v, want model", out[0].Role)
	}
}

func TestGoogleProvider_ConvertMessages_ToolCallAndResult(t *testing.T) {
	p := &GoogleProvider{}
	msgs := []llmprovider.CompletionMessage{
		{
			Role:      "assistant",
			ToolCalls: []models.ToolCall{{ID: "call-1", Name: "search", Arguments: map[string]any{"q": "go"}}},
		},
		{
			Role:        "user",
			ToolResults: []models.ToolResult{{ToolCallID: "call-1", Success: true, Output: "result text"}},
		},
	}
	out, err := p.convertMessages(msgs)
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if len(out[0].Parts) != 1 || out[0].Parts[0].FunctionCall == nil {
		t.Fatalf("expected first message to carry a FunctionCall part")
	}
	if out[0].Parts[0].FunctionCall.Name != "search" {
		t.Errorf("FunctionCall.Name = %q, want search", out[0].Parts[0].FunctionCall.Name)
	}
	if len(out[1].Parts) != 1 || out[1].Parts[0].FunctionResponse == nil {
		t.Fatalf("expected second message to carry a FunctionResponse part")
	}
	if out[1].Parts[0].FunctionResponse.Name != "search" {
		t.Errorf("FunctionResponse.Name = %q, want search (recovered via toolNameForResult)", out[1].Parts[0].FunctionResponse.Name)
	}
}

func TestToGeminiSchema_ConvertsNestedObject(t *testing.T) {
	raw := `{"type":"object","description":"query","properties":{"q":{"type":"string"}},"required":["q"]}`
	var schemaMap map[string]any
	if err := json.Unmarshal([]byte(raw), &schemaMap); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}
	schema := toGeminiSchema(schemaMap)
	if schema.Type != genai.Type("OBJECT") {
		t.Errorf("Type = %q, want OBJECT", schema.Type)
	}
	if schema.Description != "query" {
		t.Errorf("Description = %q, want query", schema.Description)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "q" {
		t.Errorf("Required = %v, want [q]", schema.Required)
	}
	prop, ok := schema.Properties["q"]
	if !ok {
		t.Fatalf("Properties[q] missing")
	}
	if prop.Type != genai.Type("STRING") {
		t.Errorf("Properties[q].Type = %q, want STRING", prop.Type)
	}
}

func TestGoogleProvider_ConvertTools_SkipsBadSchema(t *testing.T) {
	p := &GoogleProvider{}
	tools := p.convertTools([]llmprovider.Tool{
		{Name: "broken", Description: "bad schema", Schema: []byte("not json")},
	})
	if tools != nil {
		t.Fatalf("expected nil tools for unparseable schema, got %v", tools)
	}
}

func TestGoogleProvider_GetModelDefault(t *testing.T) {
	p := &GoogleProvider{defaultModel: "gemini-2.0-flash"}
	if got := p.getModel(""); got != p.defaultModel {
		t.Errorf("getModel(\"\") = %q, want %q", got, p.defaultModel)
	}
	if got := p.getModel("gemini-1.5-pro"); got != "gemini-1.5-pro" {
		t.Errorf("getModel(explicit) = %q, want explicit model", got)
	}
}
