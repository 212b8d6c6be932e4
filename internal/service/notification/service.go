// Package notification dispatches queued customer communications.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/dunning-engine/internal/email"
	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/repository"
	"github.com/jwalitptl/dunning-engine/pkg/clock"
	"github.com/jwalitptl/dunning-engine/pkg/logger"
	"github.com/jwalitptl/dunning-engine/pkg/messaging"
	"github.com/jwalitptl/dunning-engine/pkg/metrics"
	"github.com/jwalitptl/dunning-engine/pkg/retry"
)

const (
	smsExchange   = "notifications"
	smsRoutingKey = "sms.send"
)

// StatusRecorder applies delivery outcomes to communications and their case counters
type StatusRecorder interface {
	UpdateCommunicationStatus(ctx context.Context, u model.StatusUpdate) (bool, error)
}

type DispatcherServicer interface {
	DispatchPending(ctx context.Context) (*DispatchStats, error)
}

type Config struct {
	BatchSize int           `mapstructure:"batch_size"`
	Lease     time.Duration `mapstructure:"lease"`
	Retry     retry.Policy  `mapstructure:"retry"`
}

type DispatchStats struct {
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

// SMSMessage is the body published for the SMS provider bridge
type SMSMessage struct {
	CommunicationID uuid.UUID               `json:"communication_id"`
	CaseID          uuid.UUID               `json:"case_id"`
	Type            model.CommunicationType `json:"type"`
	To              string                  `json:"to"`
	Body            string                  `json:"body"`
}

type Service struct {
	comms   repository.CommunicationRepository
	status  StatusRecorder
	email   email.Sender
	sms     messaging.RoutedPublisher
	cfg     Config
	clock   clock.Clock
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewService(comms repository.CommunicationRepository, status StatusRecorder, mail email.Sender, sms messaging.RoutedPublisher, cfg Config, clk clock.Clock, log *logger.Logger, m *metrics.Metrics) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	return &Service{
		comms:   comms,
		status:  status,
		email:   mail,
		sms:     sms,
		cfg:     cfg,
		clock:   clk,
		logger:  log,
		metrics: m,
	}
}

// DispatchPending claims one batch of pending communications and sends each.
// A claim is a lease: a crashed dispatcher's rows become claimable again when it runs out.
func (s *Service) DispatchPending(ctx context.Context) (*DispatchStats, error) {
	claimed, err := s.comms.ClaimPending(ctx, s.clock.Now(), s.cfg.Lease, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to claim communications: %w", err)
	}

	stats := &DispatchStats{Claimed: len(claimed)}
	for _, comm := range claimed {
		if ctx.Err() != nil {
			break
		}
		if s.dispatch(ctx, comm) {
			stats.Sent++
		} else {
			stats.Failed++
		}
	}
	return stats, nil
}

func (s *Service) dispatch(ctx context.Context, comm *model.Communication) bool {
	err := retry.Do(ctx, s.cfg.Retry, func(err error, wait time.Duration) {
		s.logger.Warn("notification send failed, retrying",
			"communication_id", comm.ID.String(),
			"channel", string(comm.Method),
			"retry_in", wait.String(),
			"error", err.Error(),
		)
	}, func() error {
		return s.send(ctx, comm)
	})

	update := model.StatusUpdate{CommunicationID: comm.ID, OccurredAt: s.clock.Now()}
	if err == nil {
		update.Status = model.CommunicationSent
	} else {
		reason := err.Error()
		update.Status = model.CommunicationFailed
		update.FailureReason = &reason
		s.logger.Error(err, "notification send exhausted retries",
			"alert", true,
			"communication_id", comm.ID.String(),
			"case_id", comm.CaseID.String(),
			"channel", string(comm.Method),
		)
	}

	if _, recErr := s.status.UpdateCommunicationStatus(ctx, update); recErr != nil {
		// the lease expires and the row is claimed again
		s.logger.Error(recErr, "failed to record notification status", "communication_id", comm.ID.String())
		return false
	}
	return err == nil
}

func (s *Service) send(ctx context.Context, comm *model.Communication) error {
	switch comm.Method {
	case model.DeliveryEmail:
		return s.email.Send(ctx, comm.Recipient, comm.Subject, comm.Body)
	case model.DeliverySMS:
		if s.sms == nil {
			return retry.Permanent(errors.New("sms transport not configured"))
		}
		return s.sms.Publish(ctx, smsExchange, smsRoutingKey, SMSMessage{
			CommunicationID: comm.ID,
			CaseID:          comm.CaseID,
			Type:            comm.Type,
			To:              comm.Recipient,
			Body:            comm.Body,
		})
	default:
		return retry.Permanent(fmt.Errorf("unsupported delivery method: %s", comm.Method))
	}
}
