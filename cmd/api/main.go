package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/dunning-engine/internal/app"
	"github.com/jwalitptl/dunning-engine/internal/config"
	"github.com/jwalitptl/dunning-engine/internal/handler/cases"
	"github.com/jwalitptl/dunning-engine/internal/handler/dashboard"
	"github.com/jwalitptl/dunning-engine/internal/handler/health"
	notificationhandler "github.com/jwalitptl/dunning-engine/internal/handler/notification"
	"github.com/jwalitptl/dunning-engine/internal/handler/organization"
	"github.com/jwalitptl/dunning-engine/internal/handler/plans"
	"github.com/jwalitptl/dunning-engine/internal/handler/prometheus"
	schedulerhandler "github.com/jwalitptl/dunning-engine/internal/handler/scheduler"
	webhookhandler "github.com/jwalitptl/dunning-engine/internal/handler/webhook"
	"github.com/jwalitptl/dunning-engine/internal/middleware"
	"github.com/jwalitptl/dunning-engine/internal/router"
	"github.com/jwalitptl/dunning-engine/pkg/auth"
	"github.com/jwalitptl/dunning-engine/pkg/security"
)

func main() {
	// .env is optional outside local development
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := app.NewLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal(err, "failed to initialize application")
	}
	defer a.Close()

	go func() {
		if err := a.Policies.ListenForInvalidations(ctx); err != nil {
			log.Error(err, "plan invalidation listener stopped")
		}
	}()

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)

	corsConfig := middleware.DefaultCORSConfig()
	if len(cfg.Server.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.Server.AllowedOrigins
	}
	sizeLimit := middleware.DefaultSizeLimitConfig()
	if cfg.Server.MaxBodyBytes > 0 {
		sizeLimit.MaxBodySize = cfg.Server.MaxBodyBytes
	}
	var rateLimit *middleware.RateLimiterConfig
	if cfg.RateLimit.Enabled {
		rateLimit = &middleware.RateLimiterConfig{
			Rate:  rate.Limit(cfg.RateLimit.RequestsPerSecond),
			Burst: cfg.RateLimit.Burst,
		}
	}

	metricsHandler := prometheus.New(a.Registry)
	r := router.NewRouter(
		middleware.NewAuthMiddleware(tokens),
		security.NewBcryptHasher(0),
		router.Handlers{
			Health:        health.NewHandler(metricsHandler.Handler(), a.HealthChecks()...),
			Webhooks:      webhookhandler.NewHandler(a.Ingestor),
			Cases:         cases.NewHandler(a.Cases),
			Dashboard:     dashboard.NewHandler(a.Cases),
			Organizations: organization.NewHandler(a.Cases),
			Plans:         plans.NewHandler(a.Policies),
			Notifications: notificationhandler.NewHandler(a.Cases),
			Scheduler:     schedulerhandler.NewHandler(ctx, a.Sweeper, log),
		},
		router.RouterConfig{
			CORS:           corsConfig,
			Security:       middleware.DefaultSecurityConfig(),
			SizeLimit:      sizeLimit,
			RequestTimeout: cfg.Server.RequestTimeout,
			RateLimit:      rateLimit,
			ServiceKeyHash: cfg.Auth.ServiceKeyHash,
			Release:        cfg.IsProduction(),
		},
		log,
		a.Metrics,
	)
	r.Setup()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("starting server", "port", cfg.Server.Port, "storage", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "server forced to shutdown")
	}
	log.Info("server exited")
}
