// Package schedule runs sync passes on a timer. It owns no sync logic;
// it decides when to call the engine and for which org units.
package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/everybytesystems/dhis2-dataflow-sdk-sub005/internal/models"
)

// Runner is the slice of the sync engine the scheduler drives.
type Runner interface {
	RunSync(ctx context.Context, orgUnit string) (*models.SyncReport, error)
}

// Gate reports whether a sync pass should run right now. The daemon wires
// a connectivity probe here; ticks while the gate is closed are skipped
// without touching the store.
type Gate func() bool

// Scheduler invokes the runner for every configured org unit on each tick.
type Scheduler struct {
	config Config
	runner Runner
	gate   Gate
	logger *slog.Logger

	shutdown chan struct{}
	done     chan struct{}
}

// New creates a scheduler. A nil gate means always run.
func New(config Config, runner Runner, gate Gate, logger *slog.Logger) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if gate == nil {
		gate = func() bool { return true }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		config:   config,
		runner:   runner,
		gate:     gate,
		logger:   logger,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start runs the loop until Shutdown is called or ctx is cancelled. It
// blocks; callers run it on its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.done)

	s.logger.Info("scheduler starting",
		"org_units", s.config.OrgUnits,
		"interval", s.config.Interval,
	)

	if s.config.SyncOnStart {
		s.pass(ctx)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", "reason", ctx.Err())
			return
		case <-s.shutdown:
			s.logger.Info("scheduler stopping", "reason", "shutdown requested")
			return
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

// Shutdown asks the loop to exit after the in-flight pass, if any,
// completes. Safe to call once.
func (s *Scheduler) Shutdown() {
	close(s.shutdown)
}

// Wait blocks until the loop has exited.
func (s *Scheduler) Wait() {
	<-s.done
}

// pass syncs every configured org unit once. Org units fail
// independently: an error on one is logged and the rest still run.
func (s *Scheduler) pass(ctx context.Context) {
	if !s.gate() {
		s.logger.Debug("sync pass skipped", "reason", "network gate closed")
		return
	}

	passCtx, cancel := context.WithTimeout(ctx, s.config.PassTimeout)
	defer cancel()

	for _, orgUnit := range s.config.OrgUnits {
		if passCtx.Err() != nil {
			s.logger.Warn("sync pass cut short", "err", passCtx.Err())
			return
		}
		report, err := s.runner.RunSync(passCtx, orgUnit)
		if err != nil {
			s.logger.Warn("sync pass failed for org unit", "org_unit", orgUnit, "err", err)
			continue
		}
		s.logger.Info("sync pass finished for org unit",
			"org_unit", orgUnit,
			"succeeded", report.Succeeded,
			"failed", report.Failed,
			"skipped", report.Skipped,
			"pulled", report.Pulled,
		)
	}
}
