package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// TypedFunc is a strongly-typed tool implementation: arguments are decoded
// into In before the call and the result is the Out value to surface back
// to the model.
type TypedFunc[In any, Out any] func(ctx context.Context, input In) (Out, error)

// TypedTool adapts a TypedFunc into the Tool interface, generating its JSON
// Schema from In's struct tags via invopop/jsonschema rather than requiring
// a hand-written schema document. There is no call-site reflection beyond
// this one-time schema generation: registration is still explicit.
type TypedTool[In any, Out any] struct {
	name        string
	description string
	xml         *models.XMLBinding
	fn          TypedFunc[In, Out]
	schema      json.RawMessage
}

// NewTypedTool builds a TypedTool, generating and caching its parameter
// schema at construction time.
func NewTypedTool[In any, Out any](name, description string, xml *models.XMLBinding, fn TypedFunc[In, Out]) (*TypedTool[In, Out], error) {
	var zero In
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(zero)
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %s: %w", name, err)
	}
	return &TypedTool[In, Out]{
		name:        name,
		description: description,
		xml:         xml,
		fn:          fn,
		schema:      raw,
	}, nil
}

func (t *TypedTool[In, Out]) Name() string        { return t.name }
func (t *TypedTool[In, Out]) Description() string { return t.description }

func (t *TypedTool[In, Out]) Schema() models.ToolSchema {
	return models.ToolSchema{
		Name:        t.name,
		Description: t.description,
		Parameters:  t.schema,
		XML:         t.xml,
	}
}

func (t *TypedTool[In, Out]) Invoke(ctx context.Context, arguments map[string]any) (*models.ToolResult, error) {
	payload, err := json.Marshal(arguments)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	var input In
	if err := json.Unmarshal(payload, &input); err != nil {
		return nil, fmt.Errorf("decode arguments into %s: %w", t.name, err)
	}

	out, err := t.fn(ctx, input)
	if err != nil {
		return &models.ToolResult{Success: false, Output: err.Error()}, nil
	}
	return &models.ToolResult{Success: true, Output: out}, nil
}
