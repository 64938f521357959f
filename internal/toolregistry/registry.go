// Package toolregistry is the name-validated catalog of tools an agent run
// can invoke: registration, schema export, and invocation by name.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// Tool parameter limits, mirroring the resource-exhaustion guards the
// teacher applies at tool-invocation time.
const (
	MaxToolParamsSize = 10 << 20 // 10MB
)

// Tool is a single invokable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Schema() models.ToolSchema
	Invoke(ctx context.Context, arguments map[string]any) (*models.ToolResult, error)
}

// Registry manages available tools with thread-safe registration and
// lookup. Unlike a silent-replace registry, Register rejects a duplicate
// name outright: a second registration under the same name is treated as a
// configuration mistake, not an upgrade.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// New creates an empty tool registry.
func New() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// ErrInvalidName is returned when a tool's name does not match
// models.ToolNamePattern.
var ErrInvalidName = fmt.Errorf("toolregistry: invalid tool name")

// ErrDuplicateName is returned when Register is called for a name that is
// already registered.
var ErrDuplicateName = fmt.Errorf("toolregistry: tool already registered")

// Register adds tool to the registry. It fails if the name is malformed or
// already taken.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if !models.ToolNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	r.tools[name] = tool
	return nil
}

// Unregister removes a tool from the registry by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name and whether it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns every registered tool's schema, stable-sorted by name, after
// a defensive repair/omit pass (see sanitizeSchema): a tool whose export
// shape is broken is never allowed to corrupt the request sent to the LLM.
func (r *Registry) List() []models.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolSchema, 0, len(r.tools))
	for name, t := range r.tools {
		schema, ok := sanitizeSchema(name, t.Schema())
		if !ok {
			continue
		}
		out = append(out, schema)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// sanitizeSchema repairs or rejects one tool's export shape: an invalid name
// is sanitized down to models.ToolNamePattern (or the tool is omitted if
// nothing survives), a blank description is defaulted, and parameters that
// aren't valid JSON or don't compile as a JSON Schema cause the tool to be
// omitted rather than passed through to corrupt the LLM request. Every
// repair or omission is logged as a warning.
func sanitizeSchema(registeredName string, schema models.ToolSchema) (models.ToolSchema, bool) {
	name := schema.Name
	if name == "" {
		name = registeredName
	}
	if !models.ToolNamePattern.MatchString(name) {
		repaired := sanitizeToolName(name)
		if repaired == "" {
			slog.Warn("toolregistry: omitting tool with unrepairable name", "name", name)
			return models.ToolSchema{}, false
		}
		slog.Warn("toolregistry: repaired invalid tool name for export", "original", name, "repaired", repaired)
		name = repaired
	}
	schema.Name = name

	if strings.TrimSpace(schema.Description) == "" {
		schema.Description = fmt.Sprintf("tool %s", name)
	}

	if len(schema.Parameters) == 0 {
		schema.Parameters = json.RawMessage(`{"type":"object"}`)
	} else if !json.Valid(schema.Parameters) {
		slog.Warn("toolregistry: omitting tool with malformed parameters JSON", "tool", name)
		return models.ToolSchema{}, false
	} else if _, err := compileSchema(name, schema.Parameters); err != nil {
		slog.Warn("toolregistry: omitting tool with parameters that fail schema compilation", "tool", name, "error", err)
		return models.ToolSchema{}, false
	}

	return schema, true
}

// sanitizeToolName strips every character outside models.ToolNamePattern's
// alphabet and truncates to the pattern's length limit.
func sanitizeToolName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
		if b.Len() >= 64 {
			break
		}
	}
	return b.String()
}

// Invoke runs a tool by name with the given argument map. A not-found tool
// or an invocation error both surface as a non-success ToolResult rather
// than a Go error, so callers can persist the outcome uniformly.
func (r *Registry) Invoke(ctx context.Context, call *models.ToolCall) *models.ToolResult {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	r.mu.RUnlock()

	if !ok {
		return &models.ToolResult{
			ToolCallID: call.ID,
			Success:    false,
			Output:     fmt.Sprintf("tool not found: %s", call.Name),
		}
	}

	if len(call.RawInput) > MaxToolParamsSize {
		return &models.ToolResult{
			ToolCallID: call.ID,
			Success:    false,
			Output:     fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
		}
	}

	result, err := tool.Invoke(ctx, call.Arguments)
	if err != nil {
		return &models.ToolResult{
			ToolCallID: call.ID,
			Success:    false,
			Output:     err.Error(),
		}
	}
	result.ToolCallID = call.ID
	return result
}

// ValidateArguments checks arguments against tool's JSON Schema using
// santhosh-tekuri/jsonschema/v5, independent of whatever validation the
// tool itself performs.
func ValidateArguments(tool Tool, arguments map[string]any) error {
	schema := tool.Schema()
	if len(schema.Parameters) == 0 {
		return nil
	}
	compiled, err := compileSchema(schema.Name, schema.Parameters)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", schema.Name, err)
	}

	payload, err := json.Marshal(arguments)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("arguments invalid for %s: %w", schema.Name, err)
	}
	return nil
}

var schemaCache sync.Map

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	key := name + ":" + string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
