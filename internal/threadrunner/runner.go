// Package threadrunner executes one iteration of the agent loop: compose
// the prompt, call the model, parse any tool calls it produced (native or
// embedded XML), execute them through a tool registry, and persist and
// publish every step along the way.
package threadrunner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/agentrun/internal/contextmanager"
	"github.com/haasonsaas/agentrun/internal/llmprovider"
	"github.com/haasonsaas/agentrun/internal/messagestore"
	"github.com/haasonsaas/agentrun/internal/pubsub"
	"github.com/haasonsaas/agentrun/internal/toolcallparser"
	"github.com/haasonsaas/agentrun/internal/toolregistry"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// Terminating tool names. A result from any of these ends the run: the
// orchestrator treats "complete" as a clean finish and the other two as a
// pause awaiting external input.
const (
	ToolAsk                = "ask"
	ToolComplete           = "complete"
	ToolWebBrowserTakeover = "web-browser-takeover"
)

func isTerminatingTool(name string) bool {
	switch name {
	case ToolAsk, ToolComplete, ToolWebBrowserTakeover:
		return true
	default:
		return false
	}
}

// Config controls one Runner's behavior.
type Config struct {
	// NativeToolCalling advertises tool schemas to the provider and accepts
	// native tool-call chunks. Disabling it still allows XML-embedded tool
	// calls to be parsed out of plain text.
	NativeToolCalling bool
	// MaxXMLToolCalls caps how many embedded XML tool calls one response may
	// contain before ToolCallParser reports the limit reached.
	MaxXMLToolCalls int
	// UseContextManager runs ContextManager.CheckAndSummarizeIfNeeded before
	// loading history, when a Manager is configured.
	UseContextManager bool
	// PruneBudgetTokens is the token budget ContextManager.PruneIfConfigured
	// measures loaded history against before composing the prompt. Only
	// takes effect when the Manager's own Pruning.Enabled is set.
	PruneBudgetTokens int
	// ToolExecutionStrategy is "sequential" (default) or "parallel". Any
	// other value falls back to sequential.
	ToolExecutionStrategy string
}

const ToolExecutionParallel = "parallel"

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		NativeToolCalling:     true,
		MaxXMLToolCalls:       toolcallparser.DefaultMaxXMLToolCalls,
		UseContextManager:     true,
		PruneBudgetTokens:     contextmanager.DefaultConfig().Threshold,
		ToolExecutionStrategy: "sequential",
	}
}

// Runner performs one ThreadRunner iteration against a thread.
type Runner struct {
	store    messagestore.Store
	bus      pubsub.Bus
	registry *toolregistry.Registry
	provider llmprovider.LLMProvider
	parser   *toolcallparser.Parser
	ctxmgr   *contextmanager.Manager
	events   llmprovider.ToolEventStore
	billing  llmprovider.Billing
	config   Config
}

// New builds a Runner, filling zero-valued Config fields from DefaultConfig.
// ctxmgr may be nil, which disables context management regardless of
// config.UseContextManager. events may be nil, which simply means tool
// calls are not recorded outside the message log. billing may be nil, which
// simply means completions are not metered.
func New(store messagestore.Store, bus pubsub.Bus, registry *toolregistry.Registry, provider llmprovider.LLMProvider, ctxmgr *contextmanager.Manager, events llmprovider.ToolEventStore, billing llmprovider.Billing, config Config) *Runner {
	defaults := DefaultConfig()
	if config.MaxXMLToolCalls <= 0 {
		config.MaxXMLToolCalls = defaults.MaxXMLToolCalls
	}
	if config.PruneBudgetTokens <= 0 {
		config.PruneBudgetTokens = defaults.PruneBudgetTokens
	}
	if config.ToolExecutionStrategy == "" {
		config.ToolExecutionStrategy = defaults.ToolExecutionStrategy
	}
	return &Runner{
		store:    store,
		bus:      bus,
		registry: registry,
		provider: provider,
		parser:   toolcallparser.New(config.MaxXMLToolCalls, nil),
		ctxmgr:   ctxmgr,
		events:   events,
		billing:  billing,
		config:   config,
	}
}

// Input is everything one RunIteration call needs.
type Input struct {
	RunID            string
	ThreadID         string
	SystemPrompt     string
	TemporaryMessage string // one-shot user message, injected only on this call
	Model            string
}

// Output reports how the iteration ended and whether the orchestrator
// should invoke another one.
type Output struct {
	// Continue is true when the model asked for tool calls, none of them
	// were a terminating tool, and the XML tool-call cap was not hit.
	Continue        bool
	TerminatingTool string
	FinishReason    string
	XMLLimitReached bool
	// AssistantContent is the full text the model produced this call, made
	// available so a caller (RunOrchestrator) can scan it for an embedded
	// <todo_update> block without re-reading the thread.
	AssistantContent string
}

// RunIteration performs steps 1-10 of one ThreadRunner pass.
func (r *Runner) RunIteration(ctx context.Context, in Input) (Output, error) {
	if r.ctxmgr != nil && r.config.UseContextManager {
		if _, err := r.ctxmgr.CheckAndSummarizeIfNeeded(ctx, in.ThreadID, r.provider, in.Model, false); err != nil {
			return Output{}, fmt.Errorf("threadrunner: context management: %w", err)
		}
	}

	history, err := r.store.ListLLMMessages(ctx, in.ThreadID)
	if err != nil {
		return Output{}, fmt.Errorf("threadrunner: load history: %w", err)
	}
	if r.ctxmgr != nil {
		history = r.ctxmgr.PruneIfConfigured(history, r.config.PruneBudgetTokens)
	}

	messages := composePrompt(history, in.TemporaryMessage)

	var tools []llmprovider.Tool
	if r.config.NativeToolCalling {
		tools = toolsFromSchemas(r.registry.List())
	}
	bindings := r.registry.AsXMLBindings()
	systemPrompt := in.SystemPrompt
	if len(bindings) > 0 {
		systemPrompt = augmentWithXMLExamples(systemPrompt, r.registry.AsXMLExamples())
	}

	if err := r.emitStatus(ctx, in.RunID, in.ThreadID, models.StatusThreadRunStart, nil); err != nil {
		return Output{}, err
	}
	if err := r.emitStatus(ctx, in.RunID, in.ThreadID, models.StatusAssistantResponseStart, nil); err != nil {
		return Output{}, err
	}

	req := &llmprovider.CompletionRequest{
		Model:    in.Model,
		System:   systemPrompt,
		Messages: messages,
		Tools:    tools,
		Billing:  llmprovider.BillingContext{RunID: in.RunID},
	}
	chunks, err := r.provider.Complete(ctx, req)
	if err != nil {
		return Output{}, fmt.Errorf("threadrunner: completion: %w", err)
	}

	start := time.Now()
	var text strings.Builder
	var nativeCalls []models.ToolCall
	var promptTokens, completionTokens int
	for chunk := range chunks {
		if chunk.Error != nil {
			return Output{}, fmt.Errorf("threadrunner: completion stream: %w", chunk.Error)
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			nativeCalls = append(nativeCalls, *chunk.ToolCall)
		}
		if chunk.InputTokens > 0 {
			promptTokens = chunk.InputTokens
		}
		if chunk.OutputTokens > 0 {
			completionTokens = chunk.OutputTokens
		}
		if chunk.Done {
			break
		}
	}
	r.recordUsage(ctx, in.RunID, in.Model, start, promptTokens, completionTokens)

	assistantContent := text.String()
	parsed := r.parser.Parse(assistantContent, nativeCalls, bindings)

	finishReason := "stop"
	if parsed.XMLLimitReached {
		finishReason = "xml_tool_limit_reached"
	} else if len(parsed.ToolCalls) > 0 {
		finishReason = "tool_calls"
	}

	assistantMsg, err := r.persistAssistantMessage(ctx, in.ThreadID, assistantContent, parsed.ToolCalls)
	if err != nil {
		return Output{}, err
	}
	r.publishAssistant(ctx, in.RunID, assistantContent)

	toolTags := xmlTagsByToolName(r.registry)
	terminatingTool, err := r.executeToolCalls(ctx, in.RunID, in.ThreadID, assistantMsg.ID, parsed.ToolCalls, toolTags)
	if err != nil {
		return Output{}, err
	}

	if err := r.emitStatus(ctx, in.RunID, in.ThreadID, models.StatusThreadRunEnd, map[string]any{"finish_reason": finishReason}); err != nil {
		return Output{}, err
	}

	return Output{
		Continue:         finishReason == "tool_calls" && terminatingTool == "" && !parsed.XMLLimitReached,
		TerminatingTool:  terminatingTool,
		FinishReason:     finishReason,
		XMLLimitReached:  parsed.XMLLimitReached,
		AssistantContent: assistantContent,
	}, nil
}

// RunWithAutoContinue repeats RunIteration while the model keeps asking for
// more tool calls, up to maxAutoContinues extra rounds, without the caller
// having to drive the loop itself. temporaryMessage is only injected on the
// first round. The orchestrator counts this whole call as one iteration.
func (r *Runner) RunWithAutoContinue(ctx context.Context, in Input, maxAutoContinues int) (Output, error) {
	out, err := r.RunIteration(ctx, in)
	if err != nil {
		return Output{}, err
	}
	for rounds := 0; out.Continue && rounds < maxAutoContinues; rounds++ {
		in.TemporaryMessage = ""
		out, err = r.RunIteration(ctx, in)
		if err != nil {
			return Output{}, err
		}
	}
	return out, nil
}

// augmentWithXMLExamples appends one worked example per XML-bound tool to
// systemPrompt, sorted by tag for deterministic output, so the model has a
// concrete shape to imitate instead of only the parsed-field schema.
func augmentWithXMLExamples(systemPrompt string, examples map[string]string) string {
	if len(examples) == 0 {
		return systemPrompt
	}
	tags := make([]string, 0, len(examples))
	for tag := range examples {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	var b strings.Builder
	b.WriteString(systemPrompt)
	if systemPrompt != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("XML tool call examples:\n")
	for _, tag := range tags {
		b.WriteString(examples[tag])
		b.WriteString("\n")
	}
	return b.String()
}

// composePrompt converts history to completion messages and inserts
// temporaryMessage immediately before the last user message, or appends it
// if there is none.
func composePrompt(history []*models.Message, temporaryMessage string) []llmprovider.CompletionMessage {
	out := make([]llmprovider.CompletionMessage, 0, len(history)+1)
	lastUser := -1
	for _, m := range history {
		if m == nil {
			continue
		}
		out = append(out, convertMessage(m))
		if m.Type == models.MessageTypeUser {
			lastUser = len(out) - 1
		}
	}
	if temporaryMessage == "" {
		return out
	}
	injected := llmprovider.CompletionMessage{Role: "user", Content: temporaryMessage}
	if lastUser < 0 {
		return append(out, injected)
	}
	withInjection := make([]llmprovider.CompletionMessage, 0, len(out)+1)
	withInjection = append(withInjection, out[:lastUser]...)
	withInjection = append(withInjection, injected)
	withInjection = append(withInjection, out[lastUser:]...)
	return withInjection
}

func convertMessage(m *models.Message) llmprovider.CompletionMessage {
	cm := llmprovider.CompletionMessage{Role: string(m.Type), Content: m.Content}
	for _, p := range m.Parts {
		switch p.Type {
		case models.PartToolCall:
			if p.ToolCall != nil {
				cm.ToolCalls = append(cm.ToolCalls, *p.ToolCall)
			}
		case models.PartToolResult:
			if p.ToolResult != nil {
				cm.ToolResults = append(cm.ToolResults, *p.ToolResult)
			}
		}
	}
	return cm
}

func toolsFromSchemas(schemas []models.ToolSchema) []llmprovider.Tool {
	out := make([]llmprovider.Tool, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, llmprovider.Tool{Name: s.Name, Description: s.Description, Schema: s.Parameters})
	}
	return out
}

func xmlTagsByToolName(registry *toolregistry.Registry) map[string]string {
	out := make(map[string]string)
	for _, s := range registry.List() {
		if s.XML != nil {
			out[s.Name] = s.XML.Tag
		}
	}
	return out
}

func (r *Runner) persistAssistantMessage(ctx context.Context, threadID, content string, toolCalls []models.ToolCall) (*models.Message, error) {
	parts := make([]models.ContentPart, 0, len(toolCalls))
	for i := range toolCalls {
		parts = append(parts, models.ContentPart{Type: models.PartToolCall, ToolCall: &toolCalls[i]})
	}
	msg := &models.Message{
		ThreadID:     threadID,
		Type:         models.MessageTypeAssistant,
		Content:      content,
		Parts:        parts,
		IsLLMMessage: true,
	}
	persisted, err := r.store.AppendMessage(ctx, threadID, msg)
	if err != nil {
		return nil, fmt.Errorf("threadrunner: persist assistant message: %w", err)
	}
	return persisted, nil
}

// executeToolCalls runs every parsed tool call, sequentially by default or
// concurrently when Config.ToolExecutionStrategy is "parallel", and returns
// the name of whichever terminating tool was called, if any. When several
// terminating tools are called in the same response, the sequential
// strategy reports the last one in call order and the parallel strategy
// whichever one's goroutine finishes last; ask/complete/web-browser-takeover all converge on the
// same orchestrator-facing pause/stop behavior regardless of which wins.
func (r *Runner) executeToolCalls(ctx context.Context, runID, threadID, assistantMsgID string, calls []models.ToolCall, toolTags map[string]string) (string, error) {
	if r.config.ToolExecutionStrategy != ToolExecutionParallel {
		terminatingTool := ""
		for _, tc := range calls {
			if err := r.executeAndPersistTool(ctx, runID, threadID, assistantMsgID, tc, toolTags[tc.Name]); err != nil {
				return "", err
			}
			if isTerminatingTool(tc.Name) {
				terminatingTool = tc.Name
			}
		}
		return terminatingTool, nil
	}

	var (
		wg              sync.WaitGroup
		mu              sync.Mutex
		firstErr        error
		terminatingTool string
	)
	for _, tc := range calls {
		tc := tc
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.executeAndPersistTool(ctx, runID, threadID, assistantMsgID, tc, toolTags[tc.Name])
			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if isTerminatingTool(tc.Name) {
				terminatingTool = tc.Name
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return "", firstErr
	}
	return terminatingTool, nil
}

// executeAndPersistTool runs one tool call, persists its result message
// (native calls as a structured tool-result part; XML calls additionally
// wrapped in a <tool_result> tag matching the call's own tag), and emits the
// started/completed/failed status frames around it.
func (r *Runner) executeAndPersistTool(ctx context.Context, runID, threadID, assistantMsgID string, tc models.ToolCall, xmlTag string) error {
	if err := r.emitStatus(ctx, runID, threadID, models.StatusToolStarted, map[string]any{"tool_name": tc.Name, "tool_call_id": tc.ID}); err != nil {
		return err
	}

	result := r.registry.Invoke(ctx, &tc)
	result.AssistantMessageID = assistantMsgID
	r.recordToolEvent(ctx, runID, tc, result)

	content := ""
	if tc.Kind == models.ToolCallXML && xmlTag != "" {
		content = fmt.Sprintf("<tool_result><%s>%v</%s></tool_result>", xmlTag, result.Output, xmlTag)
	}

	metadata := map[string]any{"tool_call_id": tc.ID, "tool_name": tc.Name}
	if isTerminatingTool(tc.Name) {
		metadata["agent_should_terminate"] = true
	}

	msg := &models.Message{
		ThreadID:     threadID,
		Type:         models.MessageTypeTool,
		Content:      content,
		Parts:        []models.ContentPart{{Type: models.PartToolResult, ToolResult: result}},
		IsLLMMessage: true,
		Metadata:     metadata,
	}
	if _, err := r.store.AppendMessage(ctx, threadID, msg); err != nil {
		return fmt.Errorf("threadrunner: persist tool message: %w", err)
	}

	status := models.StatusToolCompleted
	if !result.Success {
		status = models.StatusToolFailed
	}
	if err := r.emitStatus(ctx, runID, threadID, status, map[string]any{"tool_name": tc.Name, "tool_call_id": tc.ID}); err != nil {
		return err
	}

	frame := models.EventFrame{Type: models.FrameTool, Role: "tool", Content: fmt.Sprintf("%v", result.Output)}
	frame = frame.WithMeta("tool_call_id", tc.ID).WithMeta("tool_name", tc.Name)
	return r.publish(ctx, runID, frame)
}

// recordToolEvent records a tool invocation through the optional
// ToolEventStore, independent of the message log, so a caller can audit
// tool activity without scanning every message in the thread. Failures are
// ignored: a broken audit sink must never fail the run.
func (r *Runner) recordToolEvent(ctx context.Context, runID string, tc models.ToolCall, result *models.ToolResult) {
	if r.events == nil {
		return
	}
	_ = r.events.RecordToolEvent(ctx, llmprovider.ToolEvent{
		RunID:      runID,
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		Arguments:  tc.Arguments,
		Result:     result,
		At:         time.Now(),
	})
}

// recordUsage fires the Billing hook exactly once per completed stream, with
// the accumulated token counts the provider reported in its final chunks.
// Failures are ignored the same way recordToolEvent treats its
// store: a metering outage must never fail the run itself.
func (r *Runner) recordUsage(ctx context.Context, runID, model string, start time.Time, promptTokens, completionTokens int) {
	if r.billing == nil {
		return
	}
	_ = r.billing.RecordUsage(ctx, llmprovider.UsageRecord{
		RunID:            runID,
		Model:            model,
		StartTime:        start,
		EndTime:          time.Now(),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	})
}

func (r *Runner) emitStatus(ctx context.Context, runID, threadID string, st models.StatusType, extra map[string]any) error {
	metadata := map[string]any{"status_type": string(st)}
	for k, v := range extra {
		metadata[k] = v
	}
	msg := &models.Message{
		ThreadID: threadID,
		Type:     models.MessageTypeStatus,
		Metadata: metadata,
	}
	if _, err := r.store.AppendMessage(ctx, threadID, msg); err != nil {
		return fmt.Errorf("threadrunner: persist status %s: %w", st, err)
	}
	frame := models.EventFrame{Type: models.FrameStatus, StatusType: st, Metadata: metadata}
	return r.publish(ctx, runID, frame)
}

func (r *Runner) publishAssistant(ctx context.Context, runID, content string) {
	frame := models.EventFrame{Type: models.FrameAssistant, Role: "assistant", Content: content}
	_ = r.publish(ctx, runID, frame)
}

func (r *Runner) publish(ctx context.Context, runID string, frame models.EventFrame) error {
	if r.bus == nil || runID == "" {
		return nil
	}
	frame = frame.WithMeta("thread_run_id", runID)
	return r.bus.Publish(ctx, pubsub.EventChannel(runID), frame)
}
