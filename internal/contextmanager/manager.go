package contextmanager

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentrun/internal/llmprovider"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// Store is the narrow persistence surface ContextManager needs: the
// LLM-formatted history of a thread, and the ability to append the summary
// it produces. messagestore.Store satisfies this.
type Store interface {
	ListLLMMessages(ctx context.Context, threadID string) ([]*models.Message, error)
	AppendMessage(ctx context.Context, threadID string, msg *models.Message) (*models.Message, error)
}

// Config controls the summarization threshold/target/reserve and the
// optional pruning pass.
type Config struct {
	// Threshold is the estimated-token count above which summarization
	// triggers. Default 120000.
	Threshold int
	// SummaryTarget is the token length the generated summary should aim
	// for. Default 10000.
	SummaryTarget int
	// Reserve is tokens a caller should withhold from Threshold when
	// sizing the next turn's request budget. Default 5000.
	Reserve int
	// MinMessagesToSummarize is the floor below which summarization never
	// triggers, even over threshold. Default 3.
	MinMessagesToSummarize int
	Pruning                PruningSettings
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:              120000,
		SummaryTarget:          10000,
		Reserve:                5000,
		MinMessagesToSummarize: 3,
		Pruning:                DefaultPruningSettings(),
	}
}

// Manager implements the checkAndSummarizeIfNeeded policy against a Store
// and an LLMProvider, plus an optional tool-result pruning pass.
type Manager struct {
	store  Store
	config Config
}

// New builds a Manager, filling any zero-valued Config fields with
// DefaultConfig's values.
func New(store Store, config Config) *Manager {
	defaults := DefaultConfig()
	if config.Threshold <= 0 {
		config.Threshold = defaults.Threshold
	}
	if config.SummaryTarget <= 0 {
		config.SummaryTarget = defaults.SummaryTarget
	}
	if config.Reserve <= 0 {
		config.Reserve = defaults.Reserve
	}
	if config.MinMessagesToSummarize <= 0 {
		config.MinMessagesToSummarize = defaults.MinMessagesToSummarize
	}
	return &Manager{store: store, config: config}
}

// CheckAndSummarizeIfNeeded loads the thread's history since its last
// summary, and if the estimated token count is over Threshold (or force is
// set) and there are enough messages to make it worthwhile, asks provider
// for a factual, chronological summary and appends it as a summary-typed
// message. Returns whether a summary was generated.
func (m *Manager) CheckAndSummarizeIfNeeded(ctx context.Context, threadID string, provider llmprovider.LLMProvider, model string, force bool) (bool, error) {
	history, err := m.store.ListLLMMessages(ctx, threadID)
	if err != nil {
		return false, fmt.Errorf("contextmanager: load history: %w", err)
	}

	toSummarize := messagesToSummarize(history)
	if EstimateTokens(toSummarize) < m.config.Threshold && !force {
		return false, nil
	}
	if len(toSummarize) < m.config.MinMessagesToSummarize {
		return false, nil
	}

	req := &llmprovider.CompletionRequest{
		Model:       model,
		System:      "You write factual, chronological, detail-preserving summaries of an AI agent's conversation history. Never invent facts not present in the transcript.",
		Messages:    []llmprovider.CompletionMessage{{Role: "user", Content: buildSummarizationPrompt(toSummarize, m.config.SummaryTarget)}},
		MaxTokens:   m.config.SummaryTarget,
		Temperature: 0,
	}

	summary, err := collectText(ctx, provider, req)
	if err != nil {
		return false, fmt.Errorf("contextmanager: summarize: %w", err)
	}

	summaryMsg := &models.Message{
		ID:           uuid.NewString(),
		ThreadID:     threadID,
		Type:         models.MessageTypeSummary,
		Content:      summary,
		IsLLMMessage: true,
		Metadata:     map[string]any{"token_count": EstimateTokens(toSummarize)},
	}
	if _, err := m.store.AppendMessage(ctx, threadID, summaryMsg); err != nil {
		return false, fmt.Errorf("contextmanager: persist summary: %w", err)
	}
	return true, nil
}

// PruneIfConfigured applies the optional tool-result pruning pass to
// messages if Pruning.Enabled, otherwise returns messages unchanged.
func (m *Manager) PruneIfConfigured(messages []*models.Message, budgetTokens int) []*models.Message {
	if !m.config.Pruning.Enabled {
		return messages
	}
	return PruneToolResults(messages, m.config.Pruning, budgetTokens)
}

func messagesToSummarize(history []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(history))
	for _, m := range history {
		if m == nil || m.Type == models.MessageTypeSummary {
			continue
		}
		out = append(out, m)
	}
	return out
}

func buildSummarizationPrompt(messages []*models.Message, targetTokens int) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following agent conversation. Preserve key facts, decisions, ")
	sb.WriteString(fmt.Sprintf("and tool outcomes in chronological order. Target roughly %d tokens.\n\n", targetTokens))

	for _, m := range messages {
		sb.WriteString(fmt.Sprintf("[%s]: %s\n", m.Type, m.Content))
		for _, p := range m.Parts {
			switch p.Type {
			case models.PartToolCall:
				if p.ToolCall != nil {
					sb.WriteString(fmt.Sprintf("  [called tool: %s]\n", p.ToolCall.Name))
				}
			case models.PartToolResult:
				if p.ToolResult != nil {
					sb.WriteString(fmt.Sprintf("  [tool result: %v]\n", p.ToolResult.Output))
				}
			}
		}
	}
	sb.WriteString("\nProvide the summary now:")
	return sb.String()
}

// collectText drains provider.Complete to a single string. Summary
// generation is never streamed to an end user, so there's no reason to
// expose the channel past this point.
func collectText(ctx context.Context, provider llmprovider.LLMProvider, req *llmprovider.CompletionRequest) (string, error) {
	chunks, err := provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		sb.WriteString(chunk.Text)
		if chunk.Done {
			break
		}
	}
	return sb.String(), nil
}
