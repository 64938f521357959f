// Package runorchestrator drives ThreadRunner to completion for one
// AgentRun: it owns the run's lease, listens for stop/error control
// signals, bounds the iteration count, carries a todo.md note forward
// between iterations, and keeps the run's persisted status in sync with
// how it actually ended.
package runorchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/agentrun/internal/messagestore"
	"github.com/haasonsaas/agentrun/internal/pubsub"
	"github.com/haasonsaas/agentrun/internal/threadrunner"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// TodoStore reads and writes the optional todo.md note carried between
// iterations of one run. A nil TodoStore simply disables the feature.
type TodoStore interface {
	ReadTodo(ctx context.Context, runID string) (content string, ok bool, err error)
	WriteTodo(ctx context.Context, runID string, content string) error
}

// ThreadRunner is the subset of threadrunner.Runner the orchestrator drives.
type ThreadRunner interface {
	RunWithAutoContinue(ctx context.Context, in threadrunner.Input, maxAutoContinues int) (threadrunner.Output, error)
}

// Config bounds one run's execution.
type Config struct {
	// MaxIterations caps the number of ThreadRunner invocations (each of
	// which may itself auto-continue internally). Default 25.
	MaxIterations int
	// NativeMaxAutoContinues bounds ThreadRunner's own internal
	// auto-continuation per invocation. Default 3.
	NativeMaxAutoContinues int
	// LeaseTTL is how long AcquireLease/RefreshLease holds the run for this
	// instance before it must be renewed. Default 30s.
	LeaseTTL time.Duration
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{MaxIterations: 25, NativeMaxAutoContinues: 3, LeaseTTL: 30 * time.Second}
}

// Orchestrator runs one AgentRun end to end.
type Orchestrator struct {
	store  messagestore.Store
	bus    pubsub.Bus
	runner ThreadRunner
	todos  TodoStore
	config Config
}

// New builds an Orchestrator. todos may be nil to disable todo.md carry-over.
func New(store messagestore.Store, bus pubsub.Bus, runner ThreadRunner, todos TodoStore, config Config) *Orchestrator {
	defaults := DefaultConfig()
	if config.MaxIterations <= 0 {
		config.MaxIterations = defaults.MaxIterations
	}
	if config.NativeMaxAutoContinues <= 0 {
		config.NativeMaxAutoContinues = defaults.NativeMaxAutoContinues
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = defaults.LeaseTTL
	}
	return &Orchestrator{store: store, bus: bus, runner: runner, todos: todos, config: config}
}

// Request is the input to one Run call.
type Request struct {
	RunID        string
	ThreadID     string
	InstanceID   string
	SystemPrompt string
	Model        string
}

var todoUpdatePattern = regexp.MustCompile(`(?s)<todo_update>(.*?)</todo_update>`)

// Run drives ThreadRunner until the run reaches a terminal state. It
// returns nil even when the run itself ends in RunFailed, and returns nil
// without running when another instance holds the lease. A returned error
// means the orchestrator could not run at all for another reason (e.g.
// acquiring the lease or recording the running status failed).
func (o *Orchestrator) Run(ctx context.Context, req Request) error {
	lease, err := o.bus.AcquireLease(ctx, req.RunID, req.InstanceID, o.config.LeaseTTL)
	if err != nil {
		if err == pubsub.ErrLeaseHeld {
			return nil
		}
		return fmt.Errorf("runorchestrator: acquire lease: %w", err)
	}
	_ = lease
	defer o.bus.ReleaseLease(ctx, req.RunID, req.InstanceID)

	stopRefresh := o.refreshLeasePeriodically(ctx, req.RunID, req.InstanceID)
	defer stopRefresh()

	signals, cancelControl := o.bus.SubscribeControl(ctx, req.RunID, req.InstanceID)
	defer cancelControl()

	var stopRequested atomic.Bool
	var controlErrored atomic.Bool
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				switch sig {
				case pubsub.ControlStop:
					stopRequested.Store(true)
				case pubsub.ControlError:
					controlErrored.Store(true)
				}
			}
		}
	}()

	if err := o.store.SetRunStatus(ctx, req.RunID, models.RunRunning, "", nil); err != nil {
		return fmt.Errorf("runorchestrator: set running: %w", err)
	}

	var (
		finalStatus models.RunStatus
		finalError  string
		iteration   int
	)

loop:
	for iteration < o.config.MaxIterations {
		if stopRequested.Load() || controlErrored.Load() {
			finalStatus = models.RunStopped
			break
		}

		temporaryMessage := o.readTodo(ctx, req.RunID)

		out, err := o.runner.RunWithAutoContinue(ctx, threadrunner.Input{
			RunID:            req.RunID,
			ThreadID:         req.ThreadID,
			SystemPrompt:     req.SystemPrompt,
			TemporaryMessage: temporaryMessage,
			Model:            req.Model,
		}, o.config.NativeMaxAutoContinues)
		iteration++

		if err != nil {
			finalStatus = models.RunFailed
			finalError = err.Error()
			o.emitError(ctx, req.RunID, req.ThreadID, finalError)
			break
		}

		o.writeTodoUpdate(ctx, req.RunID, out.AssistantContent)

		if stopRequested.Load() || controlErrored.Load() {
			finalStatus = models.RunStopped
			break
		}

		switch out.TerminatingTool {
		case threadrunner.ToolComplete:
			finalStatus = models.RunCompleted
			break loop
		case threadrunner.ToolAsk, threadrunner.ToolWebBrowserTakeover:
			finalStatus = models.RunStopped
			finalError = "awaiting user input"
			break loop
		}

		if !out.Continue {
			finalStatus = models.RunCompleted
			break
		}
	}

	if finalStatus == "" {
		finalStatus = models.RunCompleted
		finalError = "reached maximum iterations"
	}

	completedAt := time.Now()
	if err := o.store.SetRunStatus(ctx, req.RunID, finalStatus, finalError, &completedAt); err != nil {
		return fmt.Errorf("runorchestrator: set final status: %w", err)
	}

	frame := models.EventFrame{Type: models.FrameStatus, StatusType: statusTypeForRun(finalStatus)}
	frame = frame.WithMeta("thread_run_id", req.RunID)
	if finalError != "" {
		frame = frame.WithMeta("error", finalError)
	}
	_ = o.bus.Publish(ctx, pubsub.EventChannel(req.RunID), frame)
	return nil
}

// refreshLeasePeriodically renews the run's lease at half its TTL for as
// long as Run is still driving it, so a multi-minute run doesn't lapse the
// lease mid-flight: spec §5 treats two missed TTLs in a row as the signal
// another instance should take the run over. The returned func stops the
// ticker; it does not itself release the lease.
func (o *Orchestrator) refreshLeasePeriodically(ctx context.Context, runID, instanceID string) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(o.config.LeaseTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = o.bus.RefreshLease(ctx, runID, instanceID, o.config.LeaseTTL)
			}
		}
	}()
	return func() { close(stop) }
}

func statusTypeForRun(status models.RunStatus) models.StatusType {
	if status == models.RunFailed {
		return models.StatusError
	}
	return models.StatusThreadRunEnd
}

func (o *Orchestrator) readTodo(ctx context.Context, runID string) string {
	if o.todos == nil {
		return ""
	}
	content, ok, err := o.todos.ReadTodo(ctx, runID)
	if err != nil || !ok {
		return ""
	}
	return content
}

func (o *Orchestrator) writeTodoUpdate(ctx context.Context, runID, assistantContent string) {
	if o.todos == nil {
		return
	}
	match := todoUpdatePattern.FindStringSubmatch(assistantContent)
	if match == nil {
		return
	}
	_ = o.todos.WriteTodo(ctx, runID, strings.TrimSpace(match[1]))
}

func (o *Orchestrator) emitError(ctx context.Context, runID, threadID, message string) {
	msg := &models.Message{
		ThreadID: threadID,
		Type:     models.MessageTypeStatus,
		Metadata: map[string]any{"status_type": string(models.StatusError), "message": message},
	}
	_, _ = o.store.AppendMessage(ctx, threadID, msg)
	frame := models.EventFrame{Type: models.FrameStatus, StatusType: models.StatusError, Content: message}
	frame = frame.WithMeta("thread_run_id", runID)
	_ = o.bus.Publish(ctx, pubsub.EventChannel(runID), frame)
}
