package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/autodev-orchestrator/internal/build"
	"github.com/hochfrequenz/autodev-orchestrator/internal/config"
	"github.com/hochfrequenz/autodev-orchestrator/internal/coordinator"
	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
	"github.com/hochfrequenz/autodev-orchestrator/internal/events"
	"github.com/hochfrequenz/autodev-orchestrator/internal/executor"
	"github.com/hochfrequenz/autodev-orchestrator/internal/healing"
	"github.com/hochfrequenz/autodev-orchestrator/internal/metrics"
	"github.com/hochfrequenz/autodev-orchestrator/internal/notify"
	"github.com/hochfrequenz/autodev-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/autodev-orchestrator/internal/runstore"
)

// app holds the collaborators shared by the commands
type app struct {
	cfg     *config.Config
	store   *runstore.Store
	hub     *events.Hub
	metrics *metrics.Metrics
	manager *pipeline.Manager
	logger  *slog.Logger
}

func openStore(cfg *config.Config) (*runstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	return store, nil
}

// newExecutor builds the configured task executor
func newExecutor(ec config.ExecutorConfig, logger *slog.Logger) (executor.TaskExecutor, error) {
	var exec executor.TaskExecutor
	switch ec.Kind {
	case "anthropic":
		a, err := executor.NewAnthropicExecutor(executor.AnthropicConfig{
			Model:     ec.Model,
			MaxTokens: int64(ec.MaxTokens),
			BaseURL:   ec.BaseURL,
		}, logger)
		if err != nil {
			return nil, err
		}
		exec = a
	case "openai":
		o, err := executor.NewOpenAIExecutor(executor.OpenAIConfig{
			Model:   ec.Model,
			BaseURL: ec.BaseURL,
		}, logger)
		if err != nil {
			return nil, err
		}
		exec = o
	default:
		c := executor.NewCLIExecutor(executor.CLIClaude, ec.Model, logger)
		if ec.CLIPath != "" {
			c.Binary = ec.CLIPath
		}
		exec = c
	}
	if ec.Timeout.Duration > 0 {
		exec = executor.WithTimeout(exec, ec.Timeout.Duration)
	}
	return exec, nil
}

func newNotifier(nc config.NotificationsConfig) notify.Notifier {
	var notifiers []notify.Notifier
	if nc.Desktop {
		notifiers = append(notifiers, notify.NewDesktop(true))
	}
	if nc.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlack(nc.SlackWebhook))
	}
	return notify.NewMulti(notifiers...)
}

// newApp wires store, event hub, metrics and run manager. Cancelling ctx
// pauses every run the manager owns.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := slog.Default()

	exec, err := newExecutor(cfg.Executor, logger)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	var sinks []events.Sink
	if cfg.Events.NATSURL != "" {
		sink, err := events.NewNATSSink(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		sinks = append(sinks, sink)
	}
	hub := events.NewHub(logger, sinks...)
	m := metrics.New()

	deps := pipeline.Deps{
		Executor: exec,
		Builder: build.NewCommandRunner(build.CommandConfig{
			Command:     cfg.Build.Command,
			Timeout:     cfg.Build.Timeout.Duration,
			UseNixShell: cfg.Build.UseNixShell,
		}, logger),
		Coordinator: coordinator.New(exec, coordinator.Options{
			MaxConcurrent: cfg.General.MaxParallelAgents,
			RatePerSecond: cfg.Executor.RequestsPerSecond,
			MaxRetries:    cfg.General.AgentRetries,
			Policy:        domain.FailurePolicy{MaxFailedFraction: cfg.General.MaxFailedFraction},
			Store:         store,
			Events:        hub,
			Metrics:       m,
			Logger:        logger,
		}),
		// API executors only answer with text, so their patches are applied here
		Healer: healing.NewController(exec,
			healing.WithPatchApply(cfg.Executor.Kind != "cli"),
			healing.WithLogger(logger)),
		Events:   hub,
		Metrics:  m,
		Notifier: newNotifier(cfg.Notifications),
		Logger:   logger,
	}

	workDir := cfg.General.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	manager := pipeline.NewManager(ctx, store, deps, pipeline.Defaults{
		Mode:               domain.ParseExecutionMode(cfg.General.Mode),
		MaxHealingAttempts: cfg.General.MaxHealingAttempts,
		WorkingDir:         workDir,
	})

	return &app{cfg: cfg, store: store, hub: hub, metrics: m, manager: manager, logger: logger}, nil
}

// close waits for controllers to stop, then releases resources
func (a *app) close(ctx context.Context) {
	if err := a.manager.Shutdown(ctx); err != nil {
		a.logger.Warn("runs still active at shutdown", "error", err)
	}
	a.hub.Close()
	a.store.Close()
}
