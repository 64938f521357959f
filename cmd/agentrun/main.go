// Package main provides the CLI entry point for agentrun, an autonomous
// agent execution runtime: a bounded loop of LLM call, tool-call parsing,
// tool execution, persistence, and streaming, driven to completion by a
// run orchestrator.
//
// # Basic Usage
//
// Submit a run from the command line against an in-process orchestrator:
//
//	agentrun run --message "summarize the README"
//
// Apply MessageStore schema migrations:
//
//	agentrun migrate --config agentrun.yaml
//
// Print an AgentRun's current state:
//
//	agentrun status --run <run-id>
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentrun/internal/config"
	"github.com/haasonsaas/agentrun/internal/contextmanager"
	"github.com/haasonsaas/agentrun/internal/llmprovider"
	"github.com/haasonsaas/agentrun/internal/llmprovider/providers"
	"github.com/haasonsaas/agentrun/internal/messagestore"
	"github.com/haasonsaas/agentrun/internal/pubsub"
	"github.com/haasonsaas/agentrun/internal/runorchestrator"
	"github.com/haasonsaas/agentrun/internal/threadrunner"
	"github.com/haasonsaas/agentrun/internal/toolregistry"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "agentrun",
		Short:        "agentrun - autonomous agent execution runtime",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildRunCmd(), buildMigrateCmd(), buildStatusCmd())
	return root
}

func openStore(ctx context.Context, cfg *config.Config) (messagestore.Store, func() error, error) {
	switch cfg.Database.Driver {
	case "", "memory":
		return messagestore.NewMemoryStore(), func() error { return nil }, nil
	case "sqlite":
		store, err := messagestore.NewSQLiteStore(ctx, cfg.Database.URL, &messagestore.SQLConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "postgres":
		store, err := messagestore.NewPostgresStore(ctx, cfg.Database.URL, &messagestore.SQLConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		message    string
		threadID   string
		system     string
		model      string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a run against an in-process orchestrator",
		Long: `Start a new agent run against a thread and drive it to completion locally.

This is intended for exercising the runtime without a server: it builds an
in-memory (or configured) MessageStore, an in-process PubSub bus, and runs
one RunOrchestrator pass synchronously, printing the final status.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				return fmt.Errorf("--message is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx := cmd.Context()
			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer closeStore()

			if threadID == "" {
				thread, err := store.CreateThread(ctx, "local", models.DemoAccountID)
				if err != nil {
					return fmt.Errorf("create thread: %w", err)
				}
				threadID = thread.ID
			}

			if _, err := store.AppendMessage(ctx, threadID, &models.Message{
				Type:         models.MessageTypeUser,
				Content:      message,
				IsLLMMessage: true,
			}); err != nil {
				return fmt.Errorf("append inbound message: %w", err)
			}

			if model == "" {
				model = cfg.LLM.DefaultModel
			}
			run, err := store.CreateRun(ctx, &models.AgentRun{
				ID:        uuid.NewString(),
				ThreadID:  threadID,
				Status:    models.RunPending,
				Model:     model,
				StartedAt: time.Now(),
			})
			if err != nil {
				return fmt.Errorf("create run: %w", err)
			}

			providerRegistry, err := buildModelRegistry(ctx, cfg, model)
			if err != nil {
				return err
			}
			canonicalModel, provider, err := providerRegistry.Resolve(model)
			if err != nil {
				return err
			}
			model = canonicalModel

			bus := pubsub.NewInProcessBus(0)
			tools := toolregistry.New()
			ctxmgr := contextmanager.New(store, contextmanager.Config{
				Threshold:     cfg.Context.TokenThreshold,
				SummaryTarget: cfg.Context.SummaryTargetTokens,
				Reserve:       cfg.Context.ReserveTokens,
			})
			runner := threadrunner.New(store, bus, tools, provider, ctxmgr, nil, slogBilling{log: slog.Default()}, threadrunner.Config{
				NativeToolCalling:     true,
				MaxXMLToolCalls:       cfg.Runner.MaxXMLToolCalls,
				UseContextManager:     true,
				ToolExecutionStrategy: cfg.Runner.ToolExecutionStrategy,
			})
			orchestrator := runorchestrator.New(store, bus, runner, nil, runorchestrator.Config{
				MaxIterations:          cfg.Runner.MaxIterations,
				NativeMaxAutoContinues: cfg.Runner.NativeMaxAutoContinues,
				LeaseTTL:               cfg.PubSub.KeyTTL,
			})

			instanceID := uuid.NewString()
			if err := orchestrator.Run(ctx, runorchestrator.Request{
				RunID:        run.ID,
				ThreadID:     threadID,
				InstanceID:   instanceID,
				SystemPrompt: system,
				Model:        model,
			}); err != nil {
				return fmt.Errorf("run: %w", err)
			}

			final, err := store.GetRun(ctx, run.ID)
			if err != nil {
				return fmt.Errorf("load final run state: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s: %s\n", final.ID, final.Status)
			if final.Error != "" {
				fmt.Fprintf(out, "  %s\n", final.Error)
			}
			fmt.Fprintf(out, "thread: %s\n", threadID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&message, "message", "m", "", "User instruction to submit")
	cmd.Flags().StringVar(&threadID, "thread", "", "Existing thread id (a new thread is created if empty)")
	cmd.Flags().StringVar(&system, "system", "", "System prompt")
	cmd.Flags().StringVar(&model, "model", "", "Model name (defaults to llm.default_model)")
	return cmd
}

// slogBilling satisfies llmprovider.Billing by logging each completion's
// token counts at info level rather than forwarding them to a metering
// service, giving every run a usage trail in the same structured log a
// deployment already scrapes for everything else.
type slogBilling struct {
	log *slog.Logger
}

func (b slogBilling) RecordUsage(_ context.Context, usage llmprovider.UsageRecord) error {
	b.log.Info("completion usage",
		"run_id", usage.RunID,
		"model", usage.Model,
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens,
		"duration", usage.EndTime.Sub(usage.StartTime),
	)
	return nil
}

// requestedModel seeds the registry's fallback default. At least one
// provider's credentials must be present.
func buildModelRegistry(ctx context.Context, cfg *config.Config, requestedModel string) (*llmprovider.ModelRegistry, error) {
	defaultModel := requestedModel
	if defaultModel == "" {
		defaultModel = cfg.LLM.DefaultModel
	}
	reg := llmprovider.NewModelRegistry(defaultModel, slog.Default())

	registered := 0
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: key, DefaultModel: defaultModel})
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		reg.Register(p)
		registered++
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		p, err := providers.NewOpenAIProvider(key, defaultModel)
		if err != nil {
			return nil, fmt.Errorf("openai provider: %w", err)
		}
		reg.Register(p)
		registered++
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		p, err := providers.NewGoogleProvider(ctx, providers.GoogleConfig{APIKey: key, DefaultModel: defaultModel})
		if err != nil {
			return nil, fmt.Errorf("google provider: %w", err)
		}
		reg.Register(p)
		registered++
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		p, err := providers.NewBedrockProvider(ctx, providers.BedrockConfig{
			Region:          region,
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			DefaultModel:    defaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("bedrock provider: %w", err)
		}
		reg.Register(p)
		registered++
	}

	if registered == 0 {
		return nil, fmt.Errorf("no LLM provider credentials found: set one of ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY, AWS_REGION")
	}
	return reg, nil
}

func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply MessageStore schema migrations",
		Long: `Connect to the database configured in --config and apply any pending
schema migrations. A "memory" driver has no schema to migrate.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Database.Driver == "" || cfg.Database.Driver == "memory" {
				fmt.Fprintln(cmd.OutOrStdout(), "memory driver: nothing to migrate")
				return nil
			}
			ctx := cmd.Context()
			_, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer closeStore()
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", cfg.Database.Driver)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var (
		configPath string
		runID      string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print an AgentRun's current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("--run is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := cmd.Context()
			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer closeStore()

			run, err := store.GetRun(ctx, runID)
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:       %s\n", run.ID)
			fmt.Fprintf(out, "thread:   %s\n", run.ThreadID)
			fmt.Fprintf(out, "status:   %s\n", run.Status)
			fmt.Fprintf(out, "model:    %s\n", run.Model)
			if run.Error != "" {
				fmt.Fprintf(out, "error:    %s\n", run.Error)
			}
			fmt.Fprintf(out, "started:  %s\n", run.StartedAt.Format(time.RFC3339))
			if run.CompletedAt != nil {
				fmt.Fprintf(out, "finished: %s\n", run.CompletedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&runID, "run", "", "AgentRun id")
	return cmd
}
