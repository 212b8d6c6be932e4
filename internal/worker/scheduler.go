package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/jwalitptl/dunning-engine/pkg/logger"
)

// Schedules maps a sweep name to its cron spec
type Schedules map[string]string

// DefaultSchedules runs every sweep each minute except account reconciliation
func DefaultSchedules() Schedules {
	return Schedules{
		SweepPendingAttempts: "@every 1m",
		SweepRetries:         "@every 1m",
		SweepSuspensions:     "@every 5m",
		SweepAccounts:        "@every 10m",
		SweepNotifications:   "@every 30s",
	}
}

// Scheduler fires sweeps and housekeeping jobs on cron schedules
type Scheduler struct {
	cron    *cron.Cron
	sweeper SweeperServicer
	ctx     context.Context
	logger  *logger.Logger
}

func NewScheduler(ctx context.Context, sweeper SweeperServicer, log *logger.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(log)
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))
	return &Scheduler{
		cron:    c,
		sweeper: sweeper,
		ctx:     ctx,
		logger:  log,
	}
}

// Register adds one job per configured sweep. Unknown names and bad specs are errors.
func (s *Scheduler) Register(schedules Schedules) error {
	for sweep, spec := range schedules {
		if !IsSweep(sweep) {
			return fmt.Errorf("unknown sweep %q in schedules", sweep)
		}
		if spec == "" || spec == "-" {
			s.logger.Info("sweep disabled", "sweep", sweep)
			continue
		}
		name := sweep
		if _, err := s.cron.AddFunc(spec, func() { s.runSweep(name) }); err != nil {
			return fmt.Errorf("failed to schedule sweep %s: %w", sweep, err)
		}
		s.logger.Info("scheduled sweep", "sweep", sweep, "schedule", spec)
	}
	return nil
}

// AddJob schedules a housekeeping function
func (s *Scheduler) AddJob(name, spec string, fn func(ctx context.Context)) error {
	if _, err := s.cron.AddFunc(spec, func() { fn(s.ctx) }); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	s.logger.Info("scheduled job", "job", name, "schedule", spec)
	return nil
}

func (s *Scheduler) runSweep(name string) {
	if s.ctx.Err() != nil {
		return
	}
	if _, err := s.sweeper.Run(s.ctx, name); err != nil {
		s.logger.Error(err, "sweep failed", "sweep", name)
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling; the returned context is done once running jobs finish
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
