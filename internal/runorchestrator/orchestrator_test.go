package runorchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/agentrun/internal/pubsub"
	"github.com/haasonsaas/agentrun/internal/threadrunner"
	"github.com/haasonsaas/agentrun/pkg/models"
)

type memStore struct {
	statuses []models.RunStatus
	errs     []string
	appended []*models.Message
}

func (s *memStore) CreateThread(ctx context.Context, projectID, accountID string) (*models.Thread, error) {
	return &models.Thread{}, nil
}
func (s *memStore) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	return &models.Thread{}, nil
}
func (s *memStore) AppendMessage(ctx context.Context, threadID string, msg *models.Message) (*models.Message, error) {
	s.appended = append(s.appended, msg)
	return msg, nil
}
func (s *memStore) ListMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	return s.appended, nil
}
func (s *memStore) ListLLMMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	return s.appended, nil
}
func (s *memStore) DeleteMessagesByType(ctx context.Context, threadID string, msgType models.MessageType) (int, error) {
	return 0, nil
}
func (s *memStore) CreateRun(ctx context.Context, run *models.AgentRun) (*models.AgentRun, error) {
	return run, nil
}
func (s *memStore) GetRun(ctx context.Context, runID string) (*models.AgentRun, error) { return nil, nil }
func (s *memStore) SetRunStatus(ctx context.Context, runID string, status models.RunStatus, errMsg string, completedAt *time.Time) error {
	s.statuses = append(s.statuses, status)
	s.errs = append(s.errs, errMsg)
	return nil
}

type scriptedRunner struct {
	outputs []threadrunner.Output
	errs    []error
	calls   int
}

func (r *scriptedRunner) RunWithAutoContinue(ctx context.Context, in threadrunner.Input, maxAutoContinues int) (threadrunner.Output, error) {
	i := r.calls
	r.calls++
	if i < len(r.errs) && r.errs[i] != nil {
		return threadrunner.Output{}, r.errs[i]
	}
	if i < len(r.outputs) {
		return r.outputs[i], nil
	}
	return threadrunner.Output{}, nil
}

func TestRun_NoContinueCompletesAfterOneIteration(t *testing.T) {
	store := &memStore{}
	bus := pubsub.NewInProcessBus(0)
	runner := &scriptedRunner{outputs: []threadrunner.Output{{Continue: false, FinishReason: "stop"}}}
	o := New(store, bus, runner, nil, DefaultConfig())

	if err := o.Run(context.Background(), Request{RunID: "run-1", ThreadID: "thread-1", InstanceID: "inst-a", Model: "fake"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runner.calls != 1 {
		t.Errorf("calls = %d, want 1", runner.calls)
	}
	last := store.statuses[len(store.statuses)-1]
	if last != models.RunCompleted {
		t.Errorf("final status = %q, want completed", last)
	}
}

func TestRun_CompleteToolEndsRunCompleted(t *testing.T) {
	store := &memStore{}
	bus := pubsub.NewInProcessBus(0)
	runner := &scriptedRunner{outputs: []threadrunner.Output{{Continue: false, TerminatingTool: threadrunner.ToolComplete}}}
	o := New(store, bus, runner, nil, DefaultConfig())

	if err := o.Run(context.Background(), Request{RunID: "run-1", ThreadID: "thread-1", InstanceID: "inst-a"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	last := store.statuses[len(store.statuses)-1]
	if last != models.RunCompleted {
		t.Errorf("final status = %q, want completed", last)
	}
}

func TestRun_AskToolEndsRunStoppedAwaitingInput(t *testing.T) {
	store := &memStore{}
	bus := pubsub.NewInProcessBus(0)
	runner := &scriptedRunner{outputs: []threadrunner.Output{{Continue: false, TerminatingTool: threadrunner.ToolAsk}}}
	o := New(store, bus, runner, nil, DefaultConfig())

	if err := o.Run(context.Background(), Request{RunID: "run-1", ThreadID: "thread-1", InstanceID: "inst-a"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	last := store.statuses[len(store.statuses)-1]
	if last != models.RunStopped {
		t.Errorf("final status = %q, want stopped", last)
	}
	if store.errs[len(store.errs)-1] != "awaiting user input" {
		t.Errorf("error = %q, want awaiting user input", store.errs[len(store.errs)-1])
	}
}

func TestRun_ErrorFromRunnerFailsRun(t *testing.T) {
	store := &memStore{}
	bus := pubsub.NewInProcessBus(0)
	runner := &scriptedRunner{errs: []error{errors.New("boom")}}
	o := New(store, bus, runner, nil, DefaultConfig())

	if err := o.Run(context.Background(), Request{RunID: "run-1", ThreadID: "thread-1", InstanceID: "inst-a"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	last := store.statuses[len(store.statuses)-1]
	if last != models.RunFailed {
		t.Errorf("final status = %q, want failed", last)
	}
}

func TestRun_MaxIterationsReachedCompletes(t *testing.T) {
	store := &memStore{}
	bus := pubsub.NewInProcessBus(0)
	runner := &scriptedRunner{outputs: []threadrunner.Output{
		{Continue: true}, {Continue: true}, {Continue: true},
	}}
	cfg := DefaultConfig()
	cfg.MaxIterations = 3
	o := New(store, bus, runner, nil, cfg)

	if err := o.Run(context.Background(), Request{RunID: "run-1", ThreadID: "thread-1", InstanceID: "inst-a"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runner.calls != 3 {
		t.Errorf("calls = %d, want 3", runner.calls)
	}
	last := store.statuses[len(store.statuses)-1]
	if last != models.RunCompleted {
		t.Errorf("final status = %q, want completed", last)
	}
	if store.errs[len(store.errs)-1] != "reached maximum iterations" {
		t.Errorf("error = %q, want reached maximum iterations", store.errs[len(store.errs)-1])
	}
}

func TestRun_SecondInstanceCannotAcquireHeldLease(t *testing.T) {
	bus := pubsub.NewInProcessBus(0)
	if _, err := bus.AcquireLease(context.Background(), "run-1", "inst-a", time.Minute); err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}

	store := &memStore{}
	runner := &scriptedRunner{outputs: []threadrunner.Output{{Continue: false}}}
	o := New(store, bus, runner, nil, DefaultConfig())

	if err := o.Run(context.Background(), Request{RunID: "run-1", ThreadID: "thread-1", InstanceID: "inst-b"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runner.calls != 0 {
		t.Errorf("calls = %d, want 0 when lease is held by another instance", runner.calls)
	}
	if len(store.statuses) != 0 {
		t.Error("expected no status transitions when lease acquisition fails")
	}
}

type todoMemStore struct {
	content string
	has     bool
}

func (t *todoMemStore) ReadTodo(ctx context.Context, runID string) (string, bool, error) {
	return t.content, t.has, nil
}
func (t *todoMemStore) WriteTodo(ctx context.Context, runID string, content string) error {
	t.content = content
	t.has = true
	return nil
}

func TestRun_ExtractsTodoUpdateBlock(t *testing.T) {
	store := &memStore{}
	bus := pubsub.NewInProcessBus(0)
	runner := &scriptedRunner{outputs: []threadrunner.Output{
		{Continue: false, AssistantContent: "working on it\n<todo_update>\n- [x] step one\n- [ ] step two\n</todo_update>"},
	}}
	todos := &todoMemStore{}
	o := New(store, bus, runner, todos, DefaultConfig())

	if err := o.Run(context.Background(), Request{RunID: "run-1", ThreadID: "thread-1", InstanceID: "inst-a"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !todos.has {
		t.Fatal("expected todo.md to be written")
	}
	if todos.content != "- [x] step one\n- [ ] step two" {
		t.Errorf("todo content = %q", todos.content)
	}
}

func TestRefreshLeasePeriodically_KeepsLeaseAliveUntilStopped(t *testing.T) {
	bus := pubsub.NewInProcessBus(0)
	ctx := context.Background()

	if _, err := bus.AcquireLease(ctx, "run-1", "inst-a", 40*time.Millisecond); err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}

	cfg := DefaultConfig()
	cfg.LeaseTTL = 40 * time.Millisecond
	o := New(&memStore{}, bus, &scriptedRunner{}, nil, cfg)

	stop := o.refreshLeasePeriodically(ctx, "run-1", "inst-a")

	time.Sleep(150 * time.Millisecond)
	if _, err := bus.AcquireLease(ctx, "run-1", "inst-b", time.Minute); err != pubsub.ErrLeaseHeld {
		t.Errorf("expected lease still held by inst-a after periodic refresh, got err=%v", err)
	}

	stop()
	time.Sleep(80 * time.Millisecond)
	if _, err := bus.AcquireLease(ctx, "run-1", "inst-b", time.Minute); err != nil {
		t.Errorf("expected inst-b to acquire the lease once refresh stopped and the TTL lapsed, got %v", err)
	}
}
