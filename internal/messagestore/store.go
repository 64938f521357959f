package messagestore

import (
	"context"
	"time"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// Store is the durable persistence interface for threads, messages, and
// agent runs. Implementations must serialize concurrent appends to the same
// thread so the resulting order is by commit time.
type Store interface {
	// CreateThread persists a new thread. A backend that tracks accounts
	// fails with ErrNotFound if accountID is not among them, unless accountID
	// is models.DemoAccountID. MemoryStore tracks the accounts passed to
	// NewMemoryStore (none means any accountID is accepted); SQLStore keeps
	// no accounts table and accepts every accountID.
	CreateThread(ctx context.Context, projectID, accountID string) (*models.Thread, error)
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)

	// AppendMessage assigns an id, sequence number, and timestamp, then
	// persists msg. Fails with ErrNotFound if the thread does not exist.
	AppendMessage(ctx context.Context, threadID string, msg *models.Message) (*models.Message, error)

	// ListMessages returns every message of threadID ordered by CreatedAt
	// then Seq.
	ListMessages(ctx context.Context, threadID string) ([]*models.Message, error)

	// ListLLMMessages returns messages with IsLLMMessage=true, trimmed to
	// the most recent summary message plus everything created strictly
	// after it, if any summary message exists.
	ListLLMMessages(ctx context.Context, threadID string) ([]*models.Message, error)

	// DeleteMessagesByType removes every message of the given type from
	// threadID and returns the count removed.
	DeleteMessagesByType(ctx context.Context, threadID string, msgType models.MessageType) (int, error)

	// CreateRun persists a new AgentRun in RunPending status.
	CreateRun(ctx context.Context, run *models.AgentRun) (*models.AgentRun, error)
	GetRun(ctx context.Context, runID string) (*models.AgentRun, error)

	// SetRunStatus atomically updates status, enforcing the monotonic
	// lattice. errMsg and completedAt are optional (pass "" / nil when not
	// applicable). Fails with ErrConflict on a non-monotonic transition.
	SetRunStatus(ctx context.Context, runID string, status models.RunStatus, errMsg string, completedAt *time.Time) error
}
