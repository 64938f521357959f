package contextmanager

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/agentrun/internal/llmprovider"
	"github.com/haasonsaas/agentrun/pkg/models"
)

type fakeStore struct {
	history  []*models.Message
	appended []*models.Message
}

func (f *fakeStore) ListLLMMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	return f.history, nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, threadID string, msg *models.Message) (*models.Message, error) {
	f.appended = append(f.appended, msg)
	return msg, nil
}

type fakeProvider struct {
	text string
}

func (f *fakeProvider) Name() string                { return "fake" }
func (f *fakeProvider) Models() []llmprovider.Model  { return nil }
func (f *fakeProvider) SupportsTools() bool          { return false }
func (f *fakeProvider) Complete(ctx context.Context, req *llmprovider.CompletionRequest) (<-chan *llmprovider.CompletionChunk, error) {
	ch := make(chan *llmprovider.CompletionChunk, 2)
	ch <- &llmprovider.CompletionChunk{Text: f.text}
	ch <- &llmprovider.CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}

func manyMessages(n int) []*models.Message {
	out := make([]*models.Message, n)
	for i := range out {
		out[i] = &models.Message{Type: models.MessageTypeUser, Content: strings.Repeat("word ", 5000)}
	}
	return out
}

func TestCheckAndSummarizeIfNeeded_BelowThresholdNoForce(t *testing.T) {
	store := &fakeStore{history: manyMessages(1)}
	m := New(store, DefaultConfig())
	did, err := m.CheckAndSummarizeIfNeeded(context.Background(), "thread-1", &fakeProvider{text: "summary"}, "claude-sonnet-4", false)
	if err != nil {
		t.Fatalf("CheckAndSummarizeIfNeeded: %v", err)
	}
	if did {
		t.Error("expected no summarization below threshold")
	}
	if len(store.appended) != 0 {
		t.Error("expected no appended summary message")
	}
}

func TestCheckAndSummarizeIfNeeded_ForceBelowMinMessagesStillSkips(t *testing.T) {
	store := &fakeStore{history: manyMessages(2)}
	cfg := DefaultConfig()
	cfg.MinMessagesToSummarize = 3
	m := New(store, cfg)
	did, err := m.CheckAndSummarizeIfNeeded(context.Background(), "thread-1", &fakeProvider{text: "summary"}, "claude-sonnet-4", true)
	if err != nil {
		t.Fatalf("CheckAndSummarizeIfNeeded: %v", err)
	}
	if did {
		t.Error("expected skip when fewer than MinMessagesToSummarize messages are present, even with force")
	}
}

func TestCheckAndSummarizeIfNeeded_ForceOverMinAppendsSummary(t *testing.T) {
	store := &fakeStore{history: manyMessages(5)}
	m := New(store, DefaultConfig())
	did, err := m.CheckAndSummarizeIfNeeded(context.Background(), "thread-1", &fakeProvider{text: "the summary text"}, "claude-sonnet-4", true)
	if err != nil {
		t.Fatalf("CheckAndSummarizeIfNeeded: %v", err)
	}
	if !did {
		t.Fatal("expected summarization to occur when forced")
	}
	if len(store.appended) != 1 {
		t.Fatalf("len(appended) = %d, want 1", len(store.appended))
	}
	summary := store.appended[0]
	if summary.Type != models.MessageTypeSummary {
		t.Errorf("Type = %q, want summary", summary.Type)
	}
	if summary.Content != "the summary text" {
		t.Errorf("Content = %q, want %q", summary.Content, "the summary text")
	}
	wantTokens := EstimateTokens(messagesToSummarize(store.history))
	gotTokens, ok := summary.Metadata["token_count"]
	if !ok {
		t.Fatal("expected token_count metadata on summary message")
	}
	if gotTokens != wantTokens {
		t.Errorf("token_count = %v, want %d (estimated tokens of the history being compressed, not the generated summary)", gotTokens, wantTokens)
	}
}

// TestCheckAndSummarizeIfNeeded_TokenCountReflectsTriggerHistory guards
// against reporting the generated summary's own token count: a history
// large enough to cross Threshold (~120000) must produce a token_count near
// that order of magnitude even though the summary text itself is tiny and
// bounded by SummaryTarget (~10000).
func TestCheckAndSummarizeIfNeeded_TokenCountReflectsTriggerHistory(t *testing.T) {
	store := &fakeStore{history: manyMessages(30)}
	m := New(store, DefaultConfig())
	did, err := m.CheckAndSummarizeIfNeeded(context.Background(), "thread-1", &fakeProvider{text: "tiny summary"}, "claude-sonnet-4", false)
	if err != nil {
		t.Fatalf("CheckAndSummarizeIfNeeded: %v", err)
	}
	if !did {
		t.Fatal("expected summarization once history crosses Threshold")
	}
	tokenCount, _ := store.appended[0].Metadata["token_count"].(int)
	if tokenCount < m.config.Threshold {
		t.Errorf("token_count = %d, want >= Threshold (%d), since it should reflect the history that triggered summarization, not the summary text", tokenCount, m.config.Threshold)
	}
}

func TestCheckAndSummarizeIfNeeded_ExcludesPriorSummaryMessages(t *testing.T) {
	history := append([]*models.Message{{Type: models.MessageTypeSummary, Content: "old summary"}}, manyMessages(1)...)
	store := &fakeStore{history: history}
	cfg := DefaultConfig()
	cfg.MinMessagesToSummarize = 5
	m := New(store, cfg)
	did, err := m.CheckAndSummarizeIfNeeded(context.Background(), "thread-1", &fakeProvider{text: "x"}, "claude-sonnet-4", true)
	if err != nil {
		t.Fatalf("CheckAndSummarizeIfNeeded: %v", err)
	}
	if did {
		t.Error("expected skip: only 1 non-summary message present, below MinMessagesToSummarize")
	}
}

func TestPruneIfConfigured_DisabledReturnsUnchanged(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pruning.Enabled = false
	m := New(&fakeStore{}, cfg)
	messages := []*models.Message{{Type: models.MessageTypeUser, Content: "hi"}}
	out := m.PruneIfConfigured(messages, 100)
	if len(out) != 1 || out[0] != messages[0] {
		t.Error("expected unchanged messages when pruning disabled")
	}
}
