package contextmanager

import (
	"github.com/haasonsaas/agentrun/pkg/models"
)

// PruningSettings configures an optional soft-trim/hard-clear pass over
// stale tool-result content, applied between summarization checks rather
// than instead of them.
type PruningSettings struct {
	Enabled              bool
	KeepLastAssistants   int
	SoftTrimRatio        float64
	HardClearRatio       float64
	SoftTrimMaxChars     int
	SoftTrimHeadChars    int
	SoftTrimTailChars    int
	HardClearPlaceholder string
}

// DefaultPruningSettings mirrors the ratios and char budgets a production
// deployment would tune: trim once a third of the context window is tool
// output, clear entirely once it's half.
func DefaultPruningSettings() PruningSettings {
	return PruningSettings{
		Enabled:              true,
		KeepLastAssistants:   3,
		SoftTrimRatio:        0.3,
		HardClearRatio:       0.5,
		SoftTrimMaxChars:     4000,
		SoftTrimHeadChars:    1500,
		SoftTrimTailChars:    1500,
		HardClearPlaceholder: "[tool result cleared to stay within context budget]",
	}
}

// PruneToolResults soft-trims, then if still over budget hard-clears, the
// string-valued outputs of tool-result parts in messages, working forward
// from the oldest message up to (but never including) the last
// KeepLastAssistants assistant turns. It returns messages unchanged if
// nothing needs pruning; otherwise it returns a new slice — the inputs are
// never mutated in place.
func PruneToolResults(messages []*models.Message, settings PruningSettings, budgetTokens int) []*models.Message {
	if !settings.Enabled || len(messages) == 0 || budgetTokens <= 0 {
		return messages
	}

	cutoff, ok := findAssistantCutoff(messages, settings.KeepLastAssistants)
	if !ok {
		return messages
	}

	total := EstimateTokens(messages)
	if float64(total)/float64(budgetTokens) < settings.SoftTrimRatio {
		return messages
	}

	out := make([]*models.Message, len(messages))
	copy(out, messages)

	applyToPrunable := func(transform func(string) (string, bool)) {
		for i := 0; i < cutoff; i++ {
			if out[i] == nil || len(out[i].Parts) == 0 {
				continue
			}
			clone := *out[i]
			clone.Parts = append([]models.ContentPart(nil), out[i].Parts...)
			changed := false

			for j, part := range clone.Parts {
				if part.Type != models.PartToolResult || part.ToolResult == nil {
					continue
				}
				text, ok := part.ToolResult.Output.(string)
				if !ok {
					continue
				}
				replacement, didChange := transform(text)
				if !didChange {
					continue
				}
				before := estimateMessageTokens(out[i])
				resultCopy := *part.ToolResult
				resultCopy.Output = replacement
				clone.Parts[j].ToolResult = &resultCopy
				after := estimateMessageTokens(&clone)
				total += after - before
				changed = true
			}
			if changed {
				out[i] = &clone
			}
		}
	}

	applyToPrunable(func(text string) (string, bool) {
		return softTrim(text, settings)
	})

	if float64(total)/float64(budgetTokens) < settings.HardClearRatio {
		return out
	}

	applyToPrunable(func(text string) (string, bool) {
		if text == settings.HardClearPlaceholder {
			return text, false
		}
		return settings.HardClearPlaceholder, true
	})

	return out
}

func findAssistantCutoff(messages []*models.Message, keepLastAssistants int) (int, bool) {
	if keepLastAssistants <= 0 {
		return len(messages), true
	}
	remaining := keepLastAssistants
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i] != nil && messages[i].Type == models.MessageTypeAssistant {
			remaining--
			if remaining == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func softTrim(content string, settings PruningSettings) (string, bool) {
	if len(content) <= settings.SoftTrimMaxChars {
		return content, false
	}
	head := maxInt(settings.SoftTrimHeadChars, 0)
	tail := maxInt(settings.SoftTrimTailChars, 0)
	if head+tail >= len(content) {
		return content, false
	}
	return content[:head] + "\n...\n" + content[len(content)-tail:], true
}

func maxInt(v, min int) int {
	if v < min {
		return min
	}
	return v
}
