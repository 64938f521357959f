package toolcallparser

import (
	"testing"

	"github.com/haasonsaas/agentrun/pkg/models"
)

func TestParse_NativePassThrough(t *testing.T) {
	p := New(0, nil)
	native := []models.ToolCall{{ID: "call-1", Kind: models.ToolCallNative, Name: "search"}}
	result := p.Parse("<search><query>ignored</query></search>", native, map[string]*models.XMLBinding{
		"search": {Tag: "search", Fields: map[string]models.XMLFieldBinding{}},
	})
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].ID != "call-1" {
		t.Fatalf("expected native call pass-through unchanged, got %+v", result.ToolCalls)
	}
}

func TestParse_XMLAttributeAndContentBinding(t *testing.T) {
	p := New(0, nil)
	bindings := map[string]*models.XMLBinding{
		"search": {
			Tag: "search",
			Fields: map[string]models.XMLFieldBinding{
				"engine": {Kind: models.XMLFieldAttribute, Path: "engine", ValueType: models.XMLValueString},
				"query":  {Kind: models.XMLFieldElement, Path: "query", ValueType: models.XMLValueString},
			},
		},
	}
	content := `I'll look that up.
<search engine="web"><query>idiomatic Go</query></search>
Done.`
	result := p.Parse(content, nil, bindings)
	if len(result.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(result.ToolCalls))
	}
	call := result.ToolCalls[0]
	if call.Kind != models.ToolCallXML {
		t.Errorf("Kind = %q, want xml", call.Kind)
	}
	if call.ID != "xml-1" {
		t.Errorf("ID = %q, want xml-1", call.ID)
	}
	if call.Arguments["engine"] != "web" {
		t.Errorf("engine = %v, want web", call.Arguments["engine"])
	}
	if call.Arguments["query"] != "idiomatic Go" {
		t.Errorf("query = %v, want %q", call.Arguments["query"], "idiomatic Go")
	}
}

func TestParse_XMLValueCoercionFallback(t *testing.T) {
	p := New(0, nil)
	bindings := map[string]*models.XMLBinding{
		"set_limit": {
			Tag: "set_limit",
			Fields: map[string]models.XMLFieldBinding{
				"count": {Kind: models.XMLFieldContent, ValueType: models.XMLValueInt},
			},
		},
	}
	result := p.Parse("<set_limit>not-a-number</set_limit>", nil, bindings)
	if len(result.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(result.ToolCalls))
	}
	if result.ToolCalls[0].Arguments["count"] != "not-a-number" {
		t.Errorf("count = %v, want raw string fallback", result.ToolCalls[0].Arguments["count"])
	}
}

func TestParse_RootBindingReturnsRawChunk(t *testing.T) {
	p := New(0, nil)
	bindings := map[string]*models.XMLBinding{
		"raw_tool": {
			Tag: "raw_tool",
			Fields: map[string]models.XMLFieldBinding{
				"chunk": {Kind: models.XMLFieldRoot, ValueType: models.XMLValueString},
			},
		},
	}
	result := p.Parse(`<raw_tool a="1"><x>y</x></raw_tool>`, nil, bindings)
	if len(result.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(result.ToolCalls))
	}
	chunk, _ := result.ToolCalls[0].Arguments["chunk"].(string)
	if chunk == "" {
		t.Fatal("expected non-empty raw xml chunk")
	}
}

func TestParse_UnknownTagIgnored(t *testing.T) {
	p := New(0, nil)
	result := p.Parse("<narrative>not a tool</narrative>", nil, map[string]*models.XMLBinding{
		"search": {Tag: "search"},
	})
	if len(result.ToolCalls) != 0 {
		t.Fatalf("expected no tool calls for unrecognized tag, got %+v", result.ToolCalls)
	}
}

func TestParse_MalformedXMLYieldsEmptyNotError(t *testing.T) {
	p := New(0, nil)
	result := p.Parse("<search><query>unterminated", nil, map[string]*models.XMLBinding{
		"search": {Tag: "search"},
	})
	if len(result.ToolCalls) != 0 {
		t.Fatalf("expected empty result for malformed xml, got %+v", result.ToolCalls)
	}
}

func TestParse_MaxXMLToolCallsEnforced(t *testing.T) {
	p := New(2, nil)
	bindings := map[string]*models.XMLBinding{
		"ping": {Tag: "ping", Fields: map[string]models.XMLFieldBinding{}},
	}
	content := "<ping/><ping/><ping/>"
	result := p.Parse(content, nil, bindings)
	if len(result.ToolCalls) != 2 {
		t.Fatalf("len(ToolCalls) = %d, want 2 (capped)", len(result.ToolCalls))
	}
	if !result.XMLLimitReached {
		t.Error("expected XMLLimitReached to be true")
	}
}

func TestParse_XPathBinding(t *testing.T) {
	p := New(0, nil)
	bindings := map[string]*models.XMLBinding{
		"search": {
			Tag: "search",
			Fields: map[string]models.XMLFieldBinding{
				"q": {Kind: models.XMLFieldXPath, Path: "params/query", ValueType: models.XMLValueString},
			},
		},
	}
	result := p.Parse("<search><params><query>hello</query></params></search>", nil, bindings)
	if len(result.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(result.ToolCalls))
	}
	if result.ToolCalls[0].Arguments["q"] != "hello" {
		t.Errorf("q = %v, want hello", result.ToolCalls[0].Arguments["q"])
	}
}

func TestParse_EmptyContentYieldsNoCalls(t *testing.T) {
	p := New(0, nil)
	result := p.Parse("   ", nil, map[string]*models.XMLBinding{"search": {Tag: "search"}})
	if len(result.ToolCalls) != 0 {
		t.Fatalf("expected no tool calls for blank content, got %+v", result.ToolCalls)
	}
}
