// Package app builds the service graph shared by the API and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jwalitptl/dunning-engine/internal/config"
	"github.com/jwalitptl/dunning-engine/internal/email"
	stripegw "github.com/jwalitptl/dunning-engine/internal/gateway/stripe"
	"github.com/jwalitptl/dunning-engine/internal/handler/health"
	"github.com/jwalitptl/dunning-engine/internal/repository"
	"github.com/jwalitptl/dunning-engine/internal/repository/memory"
	"github.com/jwalitptl/dunning-engine/internal/repository/postgres"
	redisrepo "github.com/jwalitptl/dunning-engine/internal/repository/redis"
	"github.com/jwalitptl/dunning-engine/internal/service/access"
	"github.com/jwalitptl/dunning-engine/internal/service/dunning"
	"github.com/jwalitptl/dunning-engine/internal/service/event"
	"github.com/jwalitptl/dunning-engine/internal/service/notification"
	"github.com/jwalitptl/dunning-engine/internal/service/policy"
	"github.com/jwalitptl/dunning-engine/internal/service/webhook"
	"github.com/jwalitptl/dunning-engine/internal/worker"
	"github.com/jwalitptl/dunning-engine/pkg/clock"
	"github.com/jwalitptl/dunning-engine/pkg/logger"
	"github.com/jwalitptl/dunning-engine/pkg/messaging"
	redisbroker "github.com/jwalitptl/dunning-engine/pkg/messaging/redis"
	"github.com/jwalitptl/dunning-engine/pkg/messaging/rabbitmq"
	"github.com/jwalitptl/dunning-engine/pkg/metrics"
	"github.com/jwalitptl/dunning-engine/pkg/validator"
)

const metricsNamespace = "dunning"

// App holds every long-lived dependency. Optional transports are nil when not configured.
type App struct {
	Config   *config.Config
	Logger   *logger.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Clock    clock.Clock

	DB     *sqlx.DB
	Redis  *goredis.Client
	Repos  *repository.Repositories
	Broker messaging.Broker
	SMS    messaging.RoutedPublisher

	Policies *policy.Service
	Events   *event.EventService
	Access   *access.Service
	Cases    *dunning.Service
	Ingestor *webhook.Service
	Notifier *notification.Service
	Sweeper  *worker.Sweeper

	closers []func() error
}

// NewLogger builds the process logger from config
func NewLogger(cfg config.LogConfig) *logger.Logger {
	return logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Level),
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
		Console:    cfg.Console,
	})
}

// New connects the configured stores and transports and wires the services
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &App{
		Config:   cfg,
		Logger:   log,
		Registry: reg,
		Metrics:  metrics.New(reg, metricsNamespace),
		Clock:    clock.SystemClock{},
	}

	if err := a.openStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openTransports(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildServices(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStorage(ctx context.Context) error {
	switch a.Config.Storage.Driver {
	case "memory":
		a.Logger.Warn("using in-memory storage; state is lost on restart")
		a.Repos = memory.NewStore(a.Clock).Repositories()
		return nil
	case "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", a.Config.Storage.Driver)
	}

	db, err := postgres.NewDB(a.Config.Database)
	if err != nil {
		return err
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)

	if a.Config.Storage.Migrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		a.Logger.Info("database migrations applied")
	}
	a.Repos = postgres.NewRepositories(db)
	return nil
}

func (a *App) openTransports(ctx context.Context) error {
	if a.Config.Redis.URL != "" {
		client, err := redisbroker.NewClient(ctx, a.Config.Redis.ToBrokerConfig())
		if err != nil {
			return err
		}
		a.Redis = client
		a.Broker = redisbroker.NewRedisBroker(client, a.Logger)
		a.closers = append(a.closers, a.Broker.Close)
	} else {
		a.Logger.Warn("redis not configured; webhook dedupe is per process and outbox events are not published")
	}

	if a.Config.RabbitMQ.URL != "" {
		producer, err := rabbitmq.NewEventProducer(a.Config.RabbitMQ.URL)
		if err != nil {
			return err
		}
		a.SMS = producer
		a.closers = append(a.closers, producer.Close)
	}
	return nil
}

func (a *App) buildServices() error {
	cfg := a.Config

	policies, err := policy.NewService(a.Repos.Plans, cfg.Dunning.DefaultPolicyModel(), cfg.Dunning.PlanCacheTTL, validator.New(), a.Clock, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to build policy service: %w", err)
	}
	if a.Broker != nil {
		policies.UseBroker(a.Broker)
	}
	a.Policies = policies

	a.Events = event.NewEventService(a.Repos.Outbox, a.Clock, a.Logger)
	a.Access = access.NewService(a.Repos.Organizations, a.Events, access.Config{
		Retry:           cfg.Access.Retry,
		BreakerTimeout:  cfg.Access.BreakerTimeout,
		BreakerFailures: cfg.Access.BreakerFailures,
	}, a.Clock, a.Logger, a.Metrics)

	a.Cases = dunning.NewService(a.Repos, a.Policies, stripegw.NewGateway(cfg.Stripe, a.Logger), a.Access, dunning.Config{
		PendingAttemptTimeout: cfg.Dunning.PendingAttemptTimeout,
		PendingAttemptExpiry:  cfg.Dunning.PendingAttemptExpiry,
	}, a.Clock, a.Logger, a.Metrics)

	var processed repository.ProcessedEventStore
	if a.Redis != nil {
		processed = redisrepo.NewProcessedEventStore(a.Redis)
	} else {
		processed = memory.NewProcessedEventStore(cfg.Dunning.EventRetention)
	}
	verifier := stripegw.NewVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.WebhookTolerance)
	a.Ingestor = webhook.NewService(verifier, processed, a.Cases, cfg.Dunning.EventRetention, a.Logger, a.Metrics)

	a.Notifier = notification.NewService(a.Repos.Communications, a.Cases, email.NewSMTPSender(cfg.SMTP), a.SMS, notification.Config{
		BatchSize: cfg.Notifier.BatchSize,
		Lease:     cfg.Notifier.Lease,
		Retry:     cfg.Notifier.Retry,
	}, a.Clock, a.Logger, a.Metrics)

	a.Sweeper = worker.NewSweeper(a.Cases, a.Notifier, worker.SweepConfig{
		BatchSize: cfg.Dunning.Sweep.BatchSize,
		Workers:   cfg.Dunning.Sweep.Workers,
	}, a.Logger, a.Metrics)
	return nil
}

// HealthChecks reports the reachable dependencies for the readiness probe
func (a *App) HealthChecks() []health.Checker {
	var checks []health.Checker
	if a.DB != nil {
		checks = append(checks, health.CheckFunc{Label: "database", Fn: a.DB.PingContext})
	}
	if a.Redis != nil {
		checks = append(checks, health.CheckFunc{Label: "redis", Fn: func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		}})
	}
	return checks
}

// Close releases connections in reverse order of opening
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
