package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// SweeperConfig configures the retention sweeper.
type SweeperConfig struct {
	// Schedule is a cron expression for when sweeps run.
	// Defaults to "0 3 * * *" (daily at 03:00).
	Schedule string

	// Retention is how long since last update a session survives.
	// Defaults to 30 days.
	Retention time.Duration

	// Logger for sweep events.
	Logger *slog.Logger
}

// DefaultSweeperConfig returns a SweeperConfig with sensible defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Schedule:  "0 3 * * *",
		Retention: 30 * 24 * time.Hour,
	}
}

// Sweeper prunes stale sessions on a cron schedule.
type Sweeper struct {
	store  Store
	config SweeperConfig
	logger *slog.Logger
	cron   *cron.Cron
}

// NewSweeper creates a sweeper over the store. Start must be called to
// begin scheduling.
func NewSweeper(store Store, config SweeperConfig) (*Sweeper, error) {
	defaults := DefaultSweeperConfig()
	if config.Schedule == "" {
		config.Schedule = defaults.Schedule
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sweeper{
		store:  store,
		config: config,
		logger: logger.With("component", "session-sweeper"),
		cron:   cron.New(),
	}

	if _, err := s.cron.AddFunc(config.Schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", config.Schedule, err)
	}
	return s, nil
}

// Start begins running sweeps on the configured schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("session sweeper started",
		"schedule", s.config.Schedule,
		"retention", s.config.Retention)
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep prunes immediately, outside the schedule.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.config.Retention)
	return s.store.PruneOlderThan(ctx, cutoff)
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pruned, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("session sweep failed", "error", err)
		return
	}
	if pruned > 0 {
		s.logger.Info("pruned stale sessions", "count", pruned)
	}
}
