package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jwalitptl/dunning-engine/internal/service/dunning"
	"github.com/jwalitptl/dunning-engine/internal/service/notification"
	apperrors "github.com/jwalitptl/dunning-engine/pkg/errors"
	"github.com/jwalitptl/dunning-engine/pkg/logger"
	"github.com/jwalitptl/dunning-engine/pkg/metrics"
)

// Sweep names, also used as the scheduler trigger path parameter
const (
	SweepRetries         = "retries"
	SweepSuspensions     = "suspensions"
	SweepPendingAttempts = "pending_attempts"
	SweepAccounts        = "accounts"
	SweepNotifications   = "notifications"
)

// Sweeps lists every known sweep in the order a full pass runs them
var Sweeps = []string{SweepPendingAttempts, SweepRetries, SweepSuspensions, SweepAccounts, SweepNotifications}

// CaseSweeper is the part of the lifecycle controller the sweeps drive
type CaseSweeper interface {
	DueRetries(ctx context.Context, limit int) ([]uuid.UUID, error)
	ProcessRetry(ctx context.Context, caseID uuid.UUID) (*dunning.RetryResult, error)
	DueSuspensions(ctx context.Context, limit int) ([]uuid.UUID, error)
	SuspendDue(ctx context.Context, caseID uuid.UUID) (*dunning.TransitionResult, error)
	DueCancellations(ctx context.Context, limit int) ([]uuid.UUID, error)
	CancelDue(ctx context.Context, caseID uuid.UUID) (*dunning.TransitionResult, error)
	StalePendingAttempts(ctx context.Context, limit int) ([]uuid.UUID, error)
	ReconcileAttempt(ctx context.Context, attemptID uuid.UUID) (bool, error)
	AccountDrift(ctx context.Context, limit int) ([]uuid.UUID, error)
	ReconcileAccount(ctx context.Context, caseID uuid.UUID) (bool, error)
}

type SweeperServicer interface {
	Run(ctx context.Context, sweep string) (*SweepStats, error)
}

type SweepConfig struct {
	BatchSize int `mapstructure:"batch_size"`
	Workers   int `mapstructure:"workers"`
}

type SweepStats struct {
	Sweep     string `json:"sweep"`
	Due       int    `json:"due"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

type Sweeper struct {
	cases      CaseSweeper
	dispatcher notification.DispatcherServicer
	cfg        SweepConfig
	logger     *logger.Logger
	metrics    *metrics.Metrics
}

func NewSweeper(cases CaseSweeper, dispatcher notification.DispatcherServicer, cfg SweepConfig, log *logger.Logger, m *metrics.Metrics) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Sweeper{
		cases:      cases,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     log,
		metrics:    m,
	}
}

// IsSweep reports whether name is a known sweep
func IsSweep(name string) bool {
	for _, s := range Sweeps {
		if s == name {
			return true
		}
	}
	return false
}

// Run executes one batch of the named sweep
func (s *Sweeper) Run(ctx context.Context, sweep string) (*SweepStats, error) {
	start := time.Now()
	defer func() {
		s.metrics.SweepDuration.WithLabelValues(sweep).Observe(time.Since(start).Seconds())
	}()

	stats := &SweepStats{Sweep: sweep}
	var err error
	switch sweep {
	case SweepRetries:
		err = s.sweep(ctx, stats, s.cases.DueRetries, func(ctx context.Context, id uuid.UUID) (bool, error) {
			res, err := s.cases.ProcessRetry(ctx, id)
			if err != nil {
				return false, err
			}
			return res.Processed, nil
		})
	case SweepSuspensions:
		err = s.sweep(ctx, stats, s.cases.DueSuspensions, transitionItem(s.cases.SuspendDue))
		if err == nil {
			err = s.sweep(ctx, stats, s.cases.DueCancellations, transitionItem(s.cases.CancelDue))
		}
	case SweepPendingAttempts:
		err = s.sweep(ctx, stats, s.cases.StalePendingAttempts, s.cases.ReconcileAttempt)
	case SweepAccounts:
		err = s.sweep(ctx, stats, s.cases.AccountDrift, s.cases.ReconcileAccount)
	case SweepNotifications:
		err = s.dispatch(ctx, stats)
	default:
		return nil, apperrors.Validation(fmt.Sprintf("unknown sweep %q", sweep), nil)
	}
	if err != nil {
		return stats, err
	}

	if stats.Due > 0 {
		s.logger.Info("sweep finished",
			"sweep", sweep,
			"due", stats.Due,
			"processed", stats.Processed,
			"skipped", stats.Skipped,
			"failed", stats.Failed,
			"duration", time.Since(start).String(),
		)
	}
	return stats, nil
}

// RunAll executes every sweep once; a failing sweep does not stop the others
func (s *Sweeper) RunAll(ctx context.Context) {
	for _, name := range Sweeps {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Run(ctx, name); err != nil {
			s.logger.Error(err, "sweep failed", "sweep", name)
		}
	}
}

type lister func(ctx context.Context, limit int) ([]uuid.UUID, error)

// item handles one due id and reports whether it changed anything
type item func(ctx context.Context, id uuid.UUID) (bool, error)

func transitionItem(fn func(ctx context.Context, id uuid.UUID) (*dunning.TransitionResult, error)) item {
	return func(ctx context.Context, id uuid.UUID) (bool, error) {
		res, err := fn(ctx, id)
		if err != nil {
			return false, err
		}
		return res.Changed, nil
	}
}

func (s *Sweeper) sweep(ctx context.Context, stats *SweepStats, list lister, handle item) error {
	ids, err := list(ctx, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list due items: %w", err)
	}
	stats.Due += len(ids)

	results := make([]string, len(ids))
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			results[i] = s.runItem(ctx, stats.Sweep, id, handle)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		switch r {
		case "processed":
			stats.Processed++
		case "skipped":
			stats.Skipped++
		default:
			stats.Failed++
		}
		s.metrics.SweepItems.WithLabelValues(stats.Sweep, r).Inc()
	}
	return nil
}

// runItem isolates one case: an error or panic is logged and counted, never propagated
func (s *Sweeper) runItem(ctx context.Context, sweep string, id uuid.UUID, handle item) (result string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(fmt.Errorf("panic: %v", r), "sweep item panicked", "sweep", sweep, "id", id.String())
			result = "failed"
		}
	}()

	if ctx.Err() != nil {
		return "skipped"
	}
	changed, err := handle(ctx, id)
	if err != nil {
		s.logger.Error(err, "sweep item failed", "sweep", sweep, "id", id.String())
		return "failed"
	}
	if !changed {
		return "skipped"
	}
	return "processed"
}

func (s *Sweeper) dispatch(ctx context.Context, stats *SweepStats) error {
	if s.dispatcher == nil {
		return nil
	}
	res, err := s.dispatcher.DispatchPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to dispatch notifications: %w", err)
	}
	stats.Due = res.Claimed
	stats.Processed = res.Sent
	stats.Failed = res.Failed
	s.metrics.SweepItems.WithLabelValues(stats.Sweep, "processed").Add(float64(res.Sent))
	s.metrics.SweepItems.WithLabelValues(stats.Sweep, "failed").Add(float64(res.Failed))
	return nil
}
