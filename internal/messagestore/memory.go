package messagestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// MemoryStore is an in-process Store implementation for tests and local
// runs. It is safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	threads  map[string]*models.Thread
	accounts map[string]bool
	messages map[string][]*models.Message
	runs     map[string]*models.AgentRun
	seq      int64
}

// NewMemoryStore creates an empty in-memory store. knownAccounts, if
// non-empty, restricts which account ids (besides the demo sentinel) are
// accepted by CreateThread.
func NewMemoryStore(knownAccounts ...string) *MemoryStore {
	accounts := make(map[string]bool, len(knownAccounts))
	for _, a := range knownAccounts {
		accounts[a] = true
	}
	return &MemoryStore{
		threads:  make(map[string]*models.Thread),
		accounts: accounts,
		messages: make(map[string][]*models.Message),
		runs:     make(map[string]*models.AgentRun),
	}
}

func (s *MemoryStore) CreateThread(ctx context.Context, projectID, accountID string) (*models.Thread, error) {
	if accountID != models.DemoAccountID && len(s.accounts) > 0 && !s.accounts[accountID] {
		return nil, ErrNotFound
	}
	now := time.Now()
	thread := &models.Thread{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		AccountID: accountID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.threads[thread.ID] = thread
	s.mu.Unlock()
	return cloneThread(thread), nil
}

func (s *MemoryStore) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneThread(thread), nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, threadID string, msg *models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[threadID]; !ok {
		return nil, ErrNotFound
	}

	clone := cloneMessage(msg)
	clone.ThreadID = threadID
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	s.seq++
	clone.Seq = s.seq

	s.messages[threadID] = append(s.messages[threadID], clone)
	return cloneMessage(clone), nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[threadID]; !ok {
		return nil, ErrNotFound
	}
	msgs := s.messages[threadID]
	out := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, cloneMessage(m))
	}
	// msgs is already in Seq order, so a stable sort by CreatedAt keeps Seq
	// as the tiebreaker.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListLLMMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	all, err := s.ListMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return filterLLMMessages(all), nil
}

// filterLLMMessages implements the shared trimming rule used by every
// backend: keep only IsLLMMessage entries, and if a summary message exists,
// keep only the most recent one plus everything strictly after it.
func filterLLMMessages(all []*models.Message) []*models.Message {
	lastSummary := -1
	for i, m := range all {
		if m.Type == models.MessageTypeSummary {
			lastSummary = i
		}
	}

	start := 0
	if lastSummary >= 0 {
		start = lastSummary
	}

	out := make([]*models.Message, 0, len(all))
	for i := start; i < len(all); i++ {
		m := all[i]
		if i == lastSummary {
			out = append(out, m)
			continue
		}
		if !m.IsLLMMessage {
			continue
		}
		if lastSummary >= 0 && !m.CreatedAt.After(all[lastSummary].CreatedAt) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *MemoryStore) DeleteMessagesByType(ctx context.Context, threadID string, msgType models.MessageType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[threadID]; !ok {
		return 0, ErrNotFound
	}
	msgs := s.messages[threadID]
	kept := msgs[:0:0]
	removed := 0
	for _, m := range msgs {
		if m.Type == msgType {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.messages[threadID] = kept
	return removed, nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *models.AgentRun) (*models.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[run.ThreadID]; !ok {
		return nil, ErrNotFound
	}
	clone := *run
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	clone.Status = models.RunPending
	now := time.Now()
	clone.CreatedAt = now
	clone.UpdatedAt = now
	s.runs[clone.ID] = &clone
	out := clone
	return &out, nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*models.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *run
	return &out, nil
}

func (s *MemoryStore) SetRunStatus(ctx context.Context, runID string, status models.RunStatus, errMsg string, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if !run.Status.CanTransitionTo(status) {
		return ErrConflict
	}
	run.Status = status
	run.Error = errMsg
	run.UpdatedAt = time.Now()
	if completedAt != nil {
		run.CompletedAt = completedAt
	}
	return nil
}

func cloneThread(t *models.Thread) *models.Thread {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}

func cloneMessage(m *models.Message) *models.Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Metadata != nil {
		meta := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			meta[k] = v
		}
		out.Metadata = meta
	}
	if len(m.Parts) > 0 {
		out.Parts = append([]models.ContentPart(nil), m.Parts...)
	}
	return &out
}
