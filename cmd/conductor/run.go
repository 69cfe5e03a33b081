package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/agent/providers"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/conversation"
	"github.com/haasonsaas/conductor/internal/mcp"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/permission"
	"github.com/haasonsaas/conductor/internal/relay"
	"github.com/haasonsaas/conductor/internal/session"
	"github.com/haasonsaas/conductor/internal/tools"
)

type runOptions struct {
	configPath string
	message    string
	model      string
	provider   string
	sessionID  string
	system     string
	maxTokens  int
	maxRounds  int
	approveAll bool
}

func runTurn(ctx context.Context, opts runOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	applyOverrides(cfg, opts)

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	_, shutdownTracing := observability.NewTracer(observability.TraceConfig{
		ServiceName: cfg.Observability.ServiceName,
		Endpoint:    cfg.Observability.OTLPEndpoint,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	metrics := observability.NewMetrics(nil)
	if cfg.Observability.MetricsAddr != "" {
		go func() {
			if err := observability.ServeMetrics(cfg.Observability.MetricsAddr); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	grantStore, err := openGrantStore(cfg)
	if err != nil {
		return err
	}
	authorizer := permission.NewAuthorizer(grantStore, permission.PolicyInteractive)
	resolver := permission.NewResolver(grantStore, 0)

	sessionStore, err := openSessionStore(cfg)
	if err != nil {
		return err
	}
	directory, err := os.Getwd()
	if err != nil {
		return err
	}
	sess, history, err := resumeOrCreate(ctx, sessionStore, directory, opts.sessionID)
	if err != nil {
		return err
	}

	providerName := cfg.Providers.Default
	provider, err := providers.DefaultRegistry().Build(providerName, cfg.Providers.Settings[providerName])
	if err != nil {
		return fmt.Errorf("build provider %s: %w", providerName, err)
	}

	registry := agent.NewToolRegistry()
	tools.RegisterBuiltins(registry, tools.Config{
		ReadRoot:      cfg.Tools.ReadRoot,
		FetchMaxBytes: cfg.Tools.FetchMaxBytes,
		FetchTimeout:  cfg.Tools.FetchTimeout,
	})

	mcpManager := mcp.NewManager(&cfg.MCP, logger)
	if err := mcpManager.Start(ctx); err != nil {
		logger.Warn("mcp startup failed", "error", err)
	}
	defer func() {
		if err := mcpManager.Stop(); err != nil {
			logger.Warn("mcp shutdown failed", "error", err)
		}
	}()
	mcpManager.RegisterTools(registry)

	console := newConsole(resolver, opts.approveAll)
	sinks := []agent.EventSink{console.Sink(), observability.NewMetricsSink(metrics)}

	if cfg.Relay.Enabled {
		hub := relay.NewHub()
		tokens := relay.NewTokenService(cfg.Relay.JWTSecret, 0)
		relayServer := relay.NewServer(cfg.Relay.Addr, hub, tokens, logger)
		go func() {
			if err := relayServer.ListenAndServe(); err != nil {
				logger.Warn("relay server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := relayServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("relay shutdown failed", "error", err)
			}
		}()
		sinks = append(sinks, hub)
	}

	turnConfig := &agent.TurnConfig{
		Model:         cfg.Engine.Model,
		SystemPrompt:  cfg.Engine.SystemPrompt,
		MaxTokens:     cfg.Engine.MaxTokens,
		Temperature:   cfg.Engine.Temperature,
		MaxToolRounds: cfg.Engine.MaxToolRounds,
		ContextWindow: cfg.Engine.ContextWindow,
		ExecutorConfig: &agent.ExecutorConfig{
			MaxConcurrent:  cfg.Engine.MaxConcurrentTools,
			DefaultTimeout: cfg.Engine.ToolTimeout,
		},
		Authorizer:           authorizer,
		Resolver:             resolver,
		Sink:                 agent.NewMultiSink(sinks...),
		EnableThinking:       cfg.Engine.EnableThinking,
		ThinkingBudgetTokens: cfg.Engine.ThinkingBudgetTokens,
		Logger:               logger,
	}

	turn := agent.NewTurn(provider, registry, history, turnConfig)
	console.Start()
	result, runErr := turn.Run(ctx, opts.message)
	console.Stop()

	// Save whatever the turn produced, even on failure, so a retry can
	// resume from the partial history.
	if err := session.SaveHistory(ctx, sessionStore, nil, sess, history); err != nil {
		logger.Warn("session save failed", "session_id", sess.ID, "error", err)
	}

	if runErr != nil {
		return runErr
	}

	if !console.StreamedText() && result.Text != "" {
		fmt.Println(result.Text)
	}
	fmt.Fprintf(os.Stderr, "\n[session %s | %d model call(s), %d tool call(s), %d in / %d out tokens, %s]\n",
		sess.ID, result.ModelCalls, len(result.ToolCalls),
		result.Usage.InputTokens, result.Usage.OutputTokens,
		result.Duration.Round(time.Millisecond))
	return nil
}

// applyOverrides layers CLI flags over the loaded config.
func applyOverrides(cfg *config.Config, opts runOptions) {
	if opts.model != "" {
		cfg.Engine.Model = opts.model
	}
	if opts.provider != "" {
		cfg.Providers.Default = opts.provider
	}
	if opts.system != "" {
		cfg.Engine.SystemPrompt = opts.system
	}
	if opts.maxTokens > 0 {
		cfg.Engine.MaxTokens = opts.maxTokens
	}
	if opts.maxRounds > 0 {
		cfg.Engine.MaxToolRounds = opts.maxRounds
	}
}

// resumeOrCreate loads the session for (directory, id), creating a fresh one
// when the ID is new or absent.
func resumeOrCreate(ctx context.Context, store session.Store, directory, id string) (*session.Session, *conversation.History, error) {
	if id != "" {
		sess, history, err := session.Resume(ctx, store, nil, directory, id)
		if err == nil {
			return sess, history, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return nil, nil, fmt.Errorf("resume session %s: %w", id, err)
		}
	}
	if id == "" {
		id = uuid.NewString()[:8]
	}
	now := time.Now()
	sess := &session.Session{
		Directory: directory,
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]string{},
	}
	return sess, conversation.NewHistory(), nil
}
