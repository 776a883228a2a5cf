package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

const schedulerLockKey = "scheduler"

// Scheduler periodically advances deadlines and closes settled markets.
// With a LockManager only one replica ticks at a time.
type Scheduler struct {
	resolution *ResolutionService
	settlement *SettlementService
	locks      domain.LockManager
	interval   time.Duration
	logger     *slog.Logger
}

// NewScheduler creates a Scheduler. locks may be nil.
func NewScheduler(resolution *ResolutionService, settlement *SettlementService, locks domain.LockManager, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{
		resolution: resolution,
		settlement: settlement,
		locks:      locks,
		interval:   interval,
		logger:     logger.With(slog.String("component", "scheduler")),
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started", slog.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := s.Tick(ctx); err != nil && !errors.Is(err, domain.ErrLockHeld) {
			s.logger.WarnContext(ctx, "tick failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one pass. It returns ErrLockHeld when another replica holds the
// scheduler lock.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, schedulerLockKey, 2*s.interval)
		if err != nil {
			return err
		}
		defer unlock()
	}
	trs := s.resolution.Tick(ctx)
	closed := s.settlement.Sweep(ctx)
	if len(trs) > 0 || len(closed) > 0 {
		s.logger.DebugContext(ctx, "tick",
			slog.Int("transitions", len(trs)),
			slog.Int("closed", len(closed)),
		)
	}
	return nil
}
