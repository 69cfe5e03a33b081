// handlers.go contains the command handlers and the shared bootstrap
// helpers they wire the engine together with.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/permission"
	"github.com/haasonsaas/conductor/internal/relay"
	"github.com/haasonsaas/conductor/internal/session"
	"github.com/haasonsaas/conductor/pkg/models"
)

// loadConfig loads the config file, falling back to built-in defaults when
// the default config file does not exist. An explicitly requested file that
// is missing is still an error.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == "conductor.yaml" && os.Getenv("CONDUCTOR_CONFIG") == "" {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// openGrantStore builds the permission store selected by the config.
func openGrantStore(cfg *config.Config) (permission.Store, error) {
	switch cfg.Permissions.Store {
	case "sqlite":
		return permission.NewSQLiteStore(cfg.Permissions.Path)
	case "file":
		return permission.NewFileStore(cfg.Permissions.Path), nil
	case "postgres":
		return permission.NewPostgresStore(cfg.Permissions.DSN, nil)
	case "memory":
		return permission.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown permission store %q", cfg.Permissions.Store)
	}
}

// openSessionStore builds the session store selected by the config.
func openSessionStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Sessions.Store {
	case "sqlite":
		return session.NewSQLiteStore(cfg.Sessions.Path)
	case "memory":
		return session.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Sessions.Store)
	}
}

func runGrantsList(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openGrantStore(cfg)
	if err != nil {
		return err
	}

	grants, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("list grants: %w", err)
	}
	if len(grants) == 0 {
		fmt.Println("No grants recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tSCOPE\tSIGNATURE\tCREATED")
	for _, g := range grants {
		sig := g.Signature
		if sig == "" {
			sig = "(all calls)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", g.Tool, g.Scope, sig, g.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runGrantsAdd(ctx context.Context, configPath, tool, signature string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openGrantStore(cfg)
	if err != nil {
		return err
	}

	if signature != "" {
		if err := store.GrantCall(ctx, tool, signature, permission.GrantScopePersistent); err != nil {
			return fmt.Errorf("grant call: %w", err)
		}
		fmt.Printf("Granted %s for signature %s\n", tool, signature)
		return nil
	}
	if err := store.GrantTool(ctx, tool, permission.GrantScopePersistent); err != nil {
		return fmt.Errorf("grant tool: %w", err)
	}
	fmt.Printf("Granted all calls of %s\n", tool)
	return nil
}

func runGrantsRevoke(ctx context.Context, configPath, tool, signature string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openGrantStore(cfg)
	if err != nil {
		return err
	}

	removed, err := store.Revoke(ctx, tool, signature)
	if err != nil {
		return fmt.Errorf("revoke grant: %w", err)
	}
	if !removed {
		fmt.Printf("No grant found for %s\n", tool)
		return nil
	}
	fmt.Printf("Revoked %s\n", tool)
	return nil
}

func runGrantsClear(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openGrantStore(cfg)
	if err != nil {
		return err
	}

	if err := store.Clear(ctx); err != nil {
		return fmt.Errorf("clear grants: %w", err)
	}
	fmt.Println("All grants removed.")
	return nil
}

func runSessionsList(ctx context.Context, configPath, dir string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openSessionStore(cfg)
	if err != nil {
		return err
	}
	if dir == "" {
		dir, err = os.Getwd()
		if err != nil {
			return err
		}
	}

	sessions, err := store.List(ctx, dir)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Printf("No sessions in %s\n", dir)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUPDATED\tCREATED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.UpdatedAt.Format(time.RFC3339), s.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runSessionsShow(ctx context.Context, configPath, dir, id string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openSessionStore(cfg)
	if err != nil {
		return err
	}
	if dir == "" {
		dir, err = os.Getwd()
		if err != nil {
			return err
		}
	}

	sess, err := store.Load(ctx, dir, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return fmt.Errorf("session %s not found in %s", id, dir)
		}
		return fmt.Errorf("load session: %w", err)
	}

	fmt.Printf("Session %s (%d messages, updated %s)\n\n", sess.ID, len(sess.Messages), sess.UpdatedAt.Format(time.RFC3339))
	for _, msg := range sess.Messages {
		printMessage(msg)
	}
	return nil
}

func printMessage(msg models.Message) {
	switch msg.Role {
	case models.RoleUser:
		fmt.Printf("> %s\n\n", msg.Content)
	case models.RoleAssistant:
		if msg.Content != "" {
			fmt.Printf("%s\n\n", msg.Content)
		}
		for _, tc := range msg.ToolCalls {
			fmt.Printf("[tool call] %s %s\n", tc.Name, string(tc.Input))
		}
	case models.RoleTool:
		for _, tr := range msg.ToolResults {
			marker := ""
			if tr.IsError {
				marker = " (error)"
			}
			fmt.Printf("[tool result%s] %s\n\n", marker, tr.Content)
		}
	}
}

func runSessionsPrune(ctx context.Context, configPath string, olderThan time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openSessionStore(cfg)
	if err != nil {
		return err
	}

	pruned, err := store.PruneOlderThan(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return fmt.Errorf("prune sessions: %w", err)
	}
	fmt.Printf("Pruned %d session(s)\n", pruned)
	return nil
}

func runRelay(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Relay.JWTSecret == "" {
		return fmt.Errorf("relay requires relay.jwt_secret in the config")
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	hub := relay.NewHub()
	tokens := relay.NewTokenService(cfg.Relay.JWTSecret, 0)
	server := relay.NewServer(cfg.Relay.Addr, hub, tokens, logger)

	// The relay is the long-lived process, so it also hosts the session
	// retention sweeper when one is configured.
	if cfg.Sessions.Sweep.Enabled {
		store, err := openSessionStore(cfg)
		if err != nil {
			return err
		}
		sweeper, err := session.NewSweeper(store, session.SweeperConfig{
			Schedule:  cfg.Sessions.Sweep.Schedule,
			Retention: cfg.Sessions.Sweep.Retention,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("configure session sweeper: %w", err)
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	logger.Info("relay listening", "addr", cfg.Relay.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runRelayToken(configPath, subject string, expiry time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Relay.JWTSecret == "" {
		return fmt.Errorf("relay requires relay.jwt_secret in the config")
	}

	token, err := relay.NewTokenService(cfg.Relay.JWTSecret, expiry).Issue(subject)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
