package recon

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler runs the sweeper on a fixed interval.
type Scheduler struct {
	sweeper  *Sweeper
	interval time.Duration
	log      *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(sweeper *Sweeper, interval time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{sweeper: sweeper, interval: interval, log: log}
}

// Start begins the sweep loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.sweeper == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.sweeper.Run(ctx); err != nil {
				s.log.Error("reconciliation sweep failed", "error", err)
			}
		}
	}
}
