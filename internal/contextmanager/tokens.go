// Package contextmanager keeps a thread's token footprint under control: a
// deterministic, tokenizer-free token estimator, an LLM-generated rolling
// summary that replaces old messages once a threshold is crossed, and an
// optional tool-result pruning pass for the messages that survive between
// summaries.
package contextmanager

import (
	"encoding/json"
	"math"
	"strings"
	"unicode"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// Fixed per-structure overheads, in tokens. These are deliberately rough:
// the estimator only needs to stay within about 30% of a real tokenizer on
// mixed text, not match one exactly.
const (
	roleOverheadTokens       = 4
	toolCallOverheadTokens   = 10
	toolResultOverheadTokens = 6
	imageTokenCost           = 85
	wordsPerTokenRatio       = 0.75
)

// EstimateTokens approximates the token footprint of messages without a
// tokenizer: it counts words and punctuation in text content, and adds
// fixed overheads for message roles, tool-call/tool-result structures, and
// a flat cost per image attachment.
func EstimateTokens(messages []*models.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateMessageTokens(m)
	}
	return total
}

func estimateMessageTokens(m *models.Message) int {
	if m == nil {
		return 0
	}
	tokens := roleOverheadTokens
	tokens += textTokens(m.Content)

	for _, p := range m.Parts {
		switch p.Type {
		case models.PartText:
			tokens += textTokens(p.Text)
		case models.PartImageURL:
			tokens += imageTokenCost
		case models.PartToolCall:
			tokens += toolCallOverheadTokens
			if p.ToolCall != nil {
				tokens += wordTokens(p.ToolCall.Name)
				if raw, err := json.Marshal(p.ToolCall.Arguments); err == nil {
					tokens += len(raw) / 4
				}
			}
		case models.PartToolResult:
			tokens += toolResultOverheadTokens
			if p.ToolResult != nil {
				tokens += outputTokens(p.ToolResult.Output)
			}
		}
	}
	return tokens
}

func outputTokens(output any) int {
	if s, ok := output.(string); ok {
		return textTokens(s)
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return 0
	}
	return len(raw) / 4
}

func textTokens(s string) int {
	return wordTokens(s) + punctuationTokens(s)
}

func wordTokens(s string) int {
	if s == "" {
		return 0
	}
	words := len(strings.Fields(s))
	return int(math.Ceil(float64(words) / wordsPerTokenRatio))
}

func punctuationTokens(s string) int {
	count := 0
	for _, r := range s {
		if unicode.IsPunct(r) {
			count++
		}
	}
	return count / 3
}
