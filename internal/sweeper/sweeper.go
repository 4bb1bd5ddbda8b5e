// Package sweeper periodically releases reservations whose jobs never
// reported back.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

const defaultTimeout = time.Minute

// Releaser releases reservations pending longer than a cutoff age.
// *minutequota.Manager implements it.
type Releaser interface {
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Config configures a Sweeper.
type Config struct {
	// Schedule is a standard cron expression or descriptor ("@every 5m")
	Schedule string
	// StaleAfter is the age at which a pending reservation is released
	StaleAfter time.Duration
	// Timeout bounds a single sweep. Default one minute.
	Timeout time.Duration
	Logger  minutequota.Logger
}

// Sweeper periodically releases reservations whose jobs never confirmed or
// released them.
type Sweeper struct {
	releaser Releaser
	config   Config
	cron     *cron.Cron
	logger   minutequota.Logger
}

// New schedules sweeps on config.Schedule. Overlapping runs are skipped.
func New(releaser Releaser, config Config) (*Sweeper, error) {
	if releaser == nil {
		return nil, fmt.Errorf("sweeper: releaser is required")
	}
	if config.StaleAfter <= 0 {
		return nil, fmt.Errorf("sweeper: stale age must be positive")
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = &minutequota.NoopLogger{}
	}

	s := &Sweeper{
		releaser: releaser,
		config:   config,
		logger:   logger,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	if _, err := s.cron.AddFunc(config.Schedule, s.run); err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", config.Schedule, err)
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("Stale reservation sweeper started",
		minutequota.F("schedule", s.config.Schedule), minutequota.F("stale_after", s.config.StaleAfter.String()))
}

// Stop stops scheduling and waits for a sweep in progress, or for ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	start := time.Now()
	released, err := s.releaser.ReleaseStale(ctx, s.config.StaleAfter)
	if err != nil {
		s.logger.Error("Stale reservation sweep failed",
			minutequota.F("released", released), minutequota.F("error", err.Error()))
		return released, err
	}
	if released > 0 {
		s.logger.Info("Stale reservation sweep finished",
			minutequota.F("released", released), minutequota.F("duration", time.Since(start).String()))
	}
	return released, nil
}

func (s *Sweeper) run() {
	_, _ = s.RunOnce(context.Background())
}
