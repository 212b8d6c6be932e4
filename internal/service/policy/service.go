package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/repository"
	"github.com/jwalitptl/dunning-engine/pkg/auth"
	"github.com/jwalitptl/dunning-engine/pkg/clock"
	apperrors "github.com/jwalitptl/dunning-engine/pkg/errors"
	"github.com/jwalitptl/dunning-engine/pkg/logger"
	"github.com/jwalitptl/dunning-engine/pkg/messaging"
	"github.com/jwalitptl/dunning-engine/pkg/validator"
)

// DefaultPlan names the policy used when a failure carries no plan
const DefaultPlan = "default"

// InvalidationChannel carries plan names whose cached policy is stale on other replicas
const InvalidationChannel = "dunning.plan_config.invalidated"

type invalidation struct {
	PlanName string `json:"plan_name"`
}

type PolicyServicer interface {
	Lookup(ctx context.Context, planName string) (model.DunningConfig, error)
	Get(ctx context.Context, principal *auth.Principal, planName string) (*model.DunningConfig, error)
	List(ctx context.Context, principal *auth.Principal) ([]*model.DunningConfig, error)
	Upsert(ctx context.Context, principal *auth.Principal, planName string, in model.PlanConfigInput) (*model.DunningConfig, error)
}

type Service struct {
	repo     repository.PlanConfigRepository
	cache    *cache.Cache
	defaults model.DunningConfig
	validate *validator.Validator
	clock    clock.Clock
	logger   *logger.Logger
	// broker is nil when running as a single replica
	broker messaging.Broker
}

// NewService builds the registry. defaults must itself be a valid policy.
func NewService(repo repository.PlanConfigRepository, defaults model.DunningConfig, cacheTTL time.Duration, v *validator.Validator, clk clock.Clock, log *logger.Logger) (*Service, error) {
	if defaults.PlanName == "" {
		defaults.PlanName = DefaultPlan
	}
	if err := v.Struct(defaults); err != nil {
		return nil, fmt.Errorf("invalid default dunning policy: %w", err)
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &Service{
		repo:     repo,
		cache:    cache.New(cacheTTL, 2*cacheTTL),
		defaults: defaults.Clone(),
		validate: v,
		clock:    clk,
		logger:   log,
	}, nil
}

// UseBroker makes Upsert announce changes so other replicas drop their cached copy
func (s *Service) UseBroker(b messaging.Broker) {
	s.broker = b
}

// Invalidate drops the cached policy for planName
func (s *Service) Invalidate(planName string) {
	s.cache.Delete(normalizePlan(planName))
}

// ListenForInvalidations applies invalidations published by other replicas until ctx ends
func (s *Service) ListenForInvalidations(ctx context.Context) error {
	if s.broker == nil {
		return nil
	}
	msgs, err := s.broker.Subscribe(ctx, InvalidationChannel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to plan invalidations: %w", err)
	}
	for raw := range msgs {
		var msg struct {
			Payload invalidation `json:"payload"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Payload.PlanName == "" {
			s.logger.Warn("ignoring malformed plan invalidation", "message", string(raw))
			continue
		}
		s.Invalidate(msg.Payload.PlanName)
		s.logger.Debug("plan policy invalidated", "plan", msg.Payload.PlanName)
	}
	return nil
}

func (s *Service) announce(ctx context.Context, planName string) {
	if s.broker == nil {
		return
	}
	msg := messaging.Message{Type: InvalidationChannel, Payload: invalidation{PlanName: planName}}
	if err := s.broker.Publish(ctx, InvalidationChannel, msg); err != nil {
		// peers still pick the change up once their cache entry expires
		s.logger.Error(err, "failed to announce plan update", "plan", planName)
	}
}

func normalizePlan(planName string) string {
	planName = strings.TrimSpace(planName)
	if planName == "" {
		return DefaultPlan
	}
	return planName
}

// Lookup returns the policy for planName, falling back to the defaults
func (s *Service) Lookup(ctx context.Context, planName string) (model.DunningConfig, error) {
	planName = normalizePlan(planName)
	if v, ok := s.cache.Get(planName); ok {
		return v.(model.DunningConfig).Clone(), nil
	}

	cfg, err := s.repo.Get(ctx, planName)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		out := s.defaults.Clone()
		out.PlanName = planName
		s.cache.SetDefault(planName, out)
		return out.Clone(), nil
	case err != nil:
		return model.DunningConfig{}, apperrors.Dependency("plan config store", err)
	}

	s.cache.SetDefault(planName, cfg.Clone())
	return cfg.Clone(), nil
}

func requireAdmin(principal *auth.Principal) error {
	if principal == nil {
		return apperrors.Unauthenticated("authentication required", nil)
	}
	if !principal.IsAdmin() {
		return apperrors.Forbidden("administrator role required")
	}
	return nil
}

func (s *Service) Get(ctx context.Context, principal *auth.Principal, planName string) (*model.DunningConfig, error) {
	if err := requireAdmin(principal); err != nil {
		return nil, err
	}
	cfg, err := s.Lookup(ctx, planName)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Service) List(ctx context.Context, principal *auth.Principal) ([]*model.DunningConfig, error) {
	if err := requireAdmin(principal); err != nil {
		return nil, err
	}
	cfgs, err := s.repo.List(ctx)
	if err != nil {
		return nil, apperrors.Dependency("plan config store", err)
	}
	return cfgs, nil
}

// Upsert overlays in on the current policy for planName and stores the result.
// Cases already open keep the snapshot they were created with.
func (s *Service) Upsert(ctx context.Context, principal *auth.Principal, planName string, in model.PlanConfigInput) (*model.DunningConfig, error) {
	if err := requireAdmin(principal); err != nil {
		return nil, err
	}
	planName = strings.TrimSpace(planName)
	if planName == "" {
		return nil, apperrors.Validation("plan_name is required", nil)
	}

	base := s.defaults.Clone()
	existing, err := s.repo.Get(ctx, planName)
	switch {
	case err == nil:
		base = existing.Clone()
	case !errors.Is(err, repository.ErrNotFound):
		return nil, apperrors.Dependency("plan config store", err)
	}

	next := in.ApplyTo(base)
	next.PlanName = planName
	if err := s.validate.Struct(next); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now
	next.UpdatedBy = principal.Subject

	if err := s.repo.Upsert(ctx, &next); err != nil {
		return nil, apperrors.Dependency("plan config store", err)
	}
	s.cache.Delete(planName)
	s.announce(ctx, planName)

	s.logger.Info("dunning policy updated",
		"plan", planName,
		"updated_by", principal.Subject,
		"max_retry_attempts", next.MaxRetryAttempts,
		"grace_period_days", next.GracePeriodDays,
	)
	return &next, nil
}
