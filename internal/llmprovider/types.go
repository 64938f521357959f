// Package llmprovider abstracts LLM completion across provider families
// (Anthropic, OpenAI, Bedrock, Google) behind one streaming contract, with
// model alias resolution and a billing hook invoked exactly once per
// successful completion.
package llmprovider

import (
	"context"
	"time"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// LLMProvider turns a prepared completion request into a stream of chunks.
// Implementations convert between the internal message/tool representation
// and their own wire format; callers never see provider-specific types.
type LLMProvider interface {
	// Name returns the provider's identifier, e.g. "anthropic".
	Name() string

	// Models lists the models this provider exposes.
	Models() []Model

	// SupportsTools reports whether this provider can accept tool schemas.
	SupportsTools() bool

	// Complete starts a completion and returns a channel of chunks. The
	// channel is closed after a chunk with Done set to true, or after an
	// Error chunk. Complete itself returns an error when the request cannot
	// be built or, for adapters that open the stream before returning, when
	// opening it still fails after the adapter's retries.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

// CompletionRequest is the provider-agnostic shape of one completion call.
type CompletionRequest struct {
	Model                string
	System               string
	Messages             []CompletionMessage
	Tools                []Tool
	ToolChoice           string
	MaxTokens            int
	Temperature          float64
	EnableThinking       bool
	ThinkingBudgetTokens int
	Stream               bool

	// Billing identifies the caller and run for the billing hook fired on
	// successful completion.
	Billing BillingContext
}

// BillingContext carries the identifiers the Billing collaborator needs.
type BillingContext struct {
	UserID string
	RunID  string
}

// CompletionMessage is one turn in the conversation handed to a provider.
type CompletionMessage struct {
	Role        string // "user", "assistant", "tool", "system"
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
	Attachments []models.Attachment
}

// Tool is the subset of a registered tool a provider adapter needs to build
// a wire-format tool schema.
type Tool struct {
	Name        string
	Description string
	Schema      []byte // JSON Schema for parameters
}

// Model describes one model a provider can serve.
type Model struct {
	ID             string
	Name           string
	ContextSize    int
	SupportsVision bool
}

// CompletionChunk is one unit of a streaming completion response. A chunk
// carries exactly one of Text, ToolCall, Thinking, or Error/Done.
type CompletionChunk struct {
	Text  string
	Model string

	ToolCall *models.ToolCall

	Thinking      string
	ThinkingStart bool
	ThinkingEnd   bool

	InputTokens  int
	OutputTokens int

	Done  bool
	Error error
}

// Billing is invoked exactly once per successful completion, after the
// terminal chunk has been produced, with the accumulated token counts.
type Billing interface {
	RecordUsage(ctx context.Context, usage UsageRecord) error
}

// UsageRecord is the argument to Billing.RecordUsage.
type UsageRecord struct {
	UserID           string
	RunID            string
	Model            string
	StartTime        time.Time
	EndTime          time.Time
	PromptTokens     int
	CompletionTokens int
}

// ToolEvent is an audit record of one tool call/result pair, independent of
// the message log, so a caller can replay tool activity without scanning
// every message in a thread.
type ToolEvent struct {
	RunID      string
	ToolCallID string
	ToolName   string
	Arguments  map[string]any
	Result     *models.ToolResult
	At         time.Time
}

// ToolEventStore records ToolEvents. Implementations are optional; a nil
// store simply means tool events are not persisted separately from the
// message log.
type ToolEventStore interface {
	RecordToolEvent(ctx context.Context, event ToolEvent) error
}
