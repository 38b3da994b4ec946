/**
 * @description
 * Cron scheduler for the reconciliation sweep.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the periodic reconciliation job.
type Scheduler struct {
	cron     *cron.Cron
	service  *Service
	logger   *slog.Logger
	schedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(service *Service, logger *slog.Logger, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:     c,
		service:  service,
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the reconciliation job and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		applied := s.service.ReconcilePending(context.Background())
		if applied > 0 {
			s.logger.Info("reconciliation sweep applied outcomes", "count", applied)
		}
	}); err != nil {
		s.logger.Error("failed to schedule reconciliation sweep", "error", err)
		return
	}
	s.logger.Info("scheduled reconciliation sweep", "schedule", s.schedule)
	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
