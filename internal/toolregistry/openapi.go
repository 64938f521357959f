package toolregistry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// OpenAPIOperation is the minimal subset of an OpenAPI 3 operation object
// needed to expose a tool as an HTTP-callable function.
type OpenAPIOperation struct {
	OperationID string      `json:"operationId"`
	Summary     string      `json:"summary,omitempty"`
	RequestBody OpenAPIBody `json:"requestBody"`
}

// OpenAPIBody wraps a tool's parameter schema as an OpenAPI request body.
type OpenAPIBody struct {
	Required bool                    `json:"required"`
	Content  map[string]OpenAPIMedia `json:"content"`
}

// OpenAPIMedia carries the JSON Schema for one media type.
type OpenAPIMedia struct {
	Schema json.RawMessage `json:"schema"`
}

// AsOpenAPI renders the registry's tool schemas as a map of operationId to
// OpenAPI operation, suitable for embedding in a generated spec document.
// Schemas go through the same List defensive repair/omit pass, so a broken
// tool definition cannot reach this export either.
func (r *Registry) AsOpenAPI() map[string]OpenAPIOperation {
	out := make(map[string]OpenAPIOperation)
	for _, schema := range r.List() {
		out[schema.Name] = OpenAPIOperation{
			OperationID: schema.Name,
			Summary:     schema.Description,
			RequestBody: OpenAPIBody{
				Required: true,
				Content: map[string]OpenAPIMedia{
					"application/json": {Schema: schema.Parameters},
				},
			},
		}
	}
	return out
}

// AsXMLBindings returns the XML tag-to-tool bindings for every registered
// tool that declares one, keyed by XML tag name. Tools without an XML
// binding (native-only tools) are omitted.
func (r *Registry) AsXMLBindings() map[string]*models.XMLBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*models.XMLBinding)
	for _, tool := range r.tools {
		schema := tool.Schema()
		if schema.XML == nil {
			continue
		}
		out[schema.XML.Tag] = schema.XML
	}
	return out
}

// AsXMLExamples renders one example invocation string per registered tool
// that declares an XML binding, keyed by XML tag name, so a caller can fold
// worked examples into the system prompt alongside the tool schemas
// themselves. Attribute and element fields get a placeholder value typed to
// their declared XMLValueType; root-bound fields have no example shape of
// their own, since the whole element already is the bound value.
func (r *Registry) AsXMLExamples() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string)
	for _, tool := range r.tools {
		schema := tool.Schema()
		if schema.XML == nil {
			continue
		}
		out[schema.XML.Tag] = renderXMLExample(schema.XML)
	}
	return out
}

func renderXMLExample(binding *models.XMLBinding) string {
	fieldNames := make([]string, 0, len(binding.Fields))
	for field := range binding.Fields {
		fieldNames = append(fieldNames, field)
	}
	sort.Strings(fieldNames)

	var attrs strings.Builder
	var inner strings.Builder
	for _, field := range fieldNames {
		fb := binding.Fields[field]
		switch fb.Kind {
		case models.XMLFieldAttribute:
			fmt.Fprintf(&attrs, " %s=%q", field, xmlExampleValue(fb.ValueType))
		case models.XMLFieldElement:
			fmt.Fprintf(&inner, "<%s>%s</%s>", fb.Path, xmlExampleValue(fb.ValueType), fb.Path)
		case models.XMLFieldContent, models.XMLFieldText:
			inner.WriteString(xmlExampleValue(fb.ValueType))
		}
	}
	return fmt.Sprintf("<%s%s>%s</%s>", binding.Tag, attrs.String(), inner.String(), binding.Tag)
}

func xmlExampleValue(valueType models.XMLValueType) string {
	switch valueType {
	case models.XMLValueInt:
		return "123"
	case models.XMLValueFloat:
		return "1.0"
	case models.XMLValueBoolean:
		return "true"
	case models.XMLValueJSON:
		return "{}"
	default:
		return "value"
	}
}
