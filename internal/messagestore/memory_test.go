package messagestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/agentrun/pkg/models"
)

func TestMemoryStore_CreateAndGetThread(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	thread, err := s.CreateThread(ctx, "proj-1", models.DemoAccountID)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if thread.ID == "" {
		t.Fatal("expected generated ID")
	}

	got, err := s.GetThread(ctx, thread.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.ProjectID != "proj-1" {
		t.Errorf("ProjectID = %q, want proj-1", got.ProjectID)
	}
}

func TestMemoryStore_CreateThread_UnknownAccount(t *testing.T) {
	s := NewMemoryStore("acct-known")
	_, err := s.CreateThread(context.Background(), "proj-1", "acct-unknown")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_AppendAndListMessages(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	thread, _ := s.CreateThread(ctx, "proj-1", models.DemoAccountID)

	m1, err := s.AppendMessage(ctx, thread.ID, &models.Message{Type: models.MessageTypeUser, Content: "hi", IsLLMMessage: true})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if m1.ID == "" || m1.Seq != 1 {
		t.Fatalf("unexpected first message %+v", m1)
	}

	m2, err := s.AppendMessage(ctx, thread.ID, &models.Message{Type: models.MessageTypeAssistant, Content: "hello", IsLLMMessage: true})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if m2.Seq != 2 {
		t.Fatalf("Seq = %d, want 2", m2.Seq)
	}

	msgs, err := s.ListMessages(ctx, thread.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
}

func TestMemoryStore_AppendMessage_UnknownThread(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.AppendMessage(context.Background(), "missing", &models.Message{Type: models.MessageTypeUser})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ListLLMMessages_TrimsBeforeSummary(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	thread, _ := s.CreateThread(ctx, "proj-1", models.DemoAccountID)

	base := time.Now()
	mustAppendAt := func(typ models.MessageType, isLLM bool, at time.Time) {
		t.Helper()
		if _, err := s.AppendMessage(ctx, thread.ID, &models.Message{
			Type:         typ,
			Content:      string(typ),
			IsLLMMessage: isLLM,
			CreatedAt:    at,
		}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	mustAppendAt(models.MessageTypeUser, true, base)
	mustAppendAt(models.MessageTypeAssistant, true, base.Add(1*time.Second))
	mustAppendAt(models.MessageTypeSummary, true, base.Add(2*time.Second))
	mustAppendAt(models.MessageTypeUser, true, base.Add(3*time.Second))
	mustAppendAt(models.MessageTypeStatus, false, base.Add(4*time.Second))

	msgs, err := s.ListLLMMessages(ctx, thread.ID)
	if err != nil {
		t.Fatalf("ListLLMMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2 (summary + one after)", len(msgs))
	}
	if msgs[0].Type != models.MessageTypeSummary {
		t.Errorf("msgs[0].Type = %s, want summary", msgs[0].Type)
	}
	if msgs[1].Type != models.MessageTypeUser {
		t.Errorf("msgs[1].Type = %s, want user", msgs[1].Type)
	}
}

func TestMemoryStore_DeleteMessagesByType(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	thread, _ := s.CreateThread(ctx, "proj-1", models.DemoAccountID)

	s.AppendMessage(ctx, thread.ID, &models.Message{Type: models.MessageTypeSummary})
	s.AppendMessage(ctx, thread.ID, &models.Message{Type: models.MessageTypeUser})
	s.AppendMessage(ctx, thread.ID, &models.Message{Type: models.MessageTypeSummary})

	removed, err := s.DeleteMessagesByType(ctx, thread.ID, models.MessageTypeSummary)
	if err != nil {
		t.Fatalf("DeleteMessagesByType: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}

	msgs, _ := s.ListMessages(ctx, thread.ID)
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(msgs))
	}
}

func TestMemoryStore_RunLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	thread, _ := s.CreateThread(ctx, "proj-1", models.DemoAccountID)

	run, err := s.CreateRun(ctx, &models.AgentRun{ThreadID: thread.ID, Model: "claude-sonnet-4-20250514"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Status != models.RunPending {
		t.Fatalf("Status = %s, want pending", run.Status)
	}

	if err := s.SetRunStatus(ctx, run.ID, models.RunRunning, "", nil); err != nil {
		t.Fatalf("SetRunStatus running: %v", err)
	}

	now := time.Now()
	if err := s.SetRunStatus(ctx, run.ID, models.RunCompleted, "", &now); err != nil {
		t.Fatalf("SetRunStatus completed: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != models.RunCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	// Terminal state rejects further transitions.
	if err := s.SetRunStatus(ctx, run.ID, models.RunRunning, "", nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestMemoryStore_CreateRun_UnknownThread(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.CreateRun(context.Background(), &models.AgentRun{ThreadID: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
