package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/jwalitptl/dunning-engine/internal/app"
	"github.com/jwalitptl/dunning-engine/internal/config"
	"github.com/jwalitptl/dunning-engine/internal/handler/health"
	"github.com/jwalitptl/dunning-engine/internal/handler/prometheus"
	"github.com/jwalitptl/dunning-engine/internal/worker"
	"github.com/jwalitptl/dunning-engine/pkg/logger"
	pkgworker "github.com/jwalitptl/dunning-engine/pkg/worker"
)

func setupHealthCheck(a *app.App, port int, log *logger.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	health.NewHandler(prometheus.New(a.Registry).Handler(), a.HealthChecks()...).RegisterRoutes(engine.Group(""))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: engine,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "Health check server failed")
		}
	}()
	return srv
}

func main() {
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
		log.Fatal(err, "failed to initialize worker")
	}
	defer a.Close()

	if cfg.Storage.Driver == "memory" {
		log.Warn("worker running on in-memory storage only sees cases created in this process")
	}

	scheduler := worker.NewScheduler(ctx, a.Sweeper, log)
	schedules := worker.DefaultSchedules()
	for name, spec := range cfg.Dunning.Sweep.Schedules {
		schedules[name] = spec
	}
	if err := scheduler.Register(schedules); err != nil {
		log.Fatal(err, "invalid sweep schedule")
	}

	cleanup := worker.NewOutboxCleanupWorker(a.Events, cfg.Outbox.Retention, 0, log)
	if err := scheduler.AddJob("outbox_cleanup", cfg.Dunning.Sweep.CleanupSchedule, func(ctx context.Context) {
		if n := cleanup.RunOnce(ctx); n > 0 {
			log.Info("Cleaned up outbox events", "deleted", n)
		}
	}); err != nil {
		log.Fatal(err, "invalid cleanup schedule")
	}

	var wg sync.WaitGroup
	if a.Broker != nil {
		processor := pkgworker.NewOutboxProcessor(a.Repos.Outbox, a.Broker, cfg.Outbox.ToWorkerConfig(), a.Clock, log, a.Metrics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor.Start(ctx)
		}()
	} else {
		log.Warn("outbox processor disabled; no broker configured")
	}

	var healthSrv *http.Server
	if cfg.Server.WorkerHealthPort > 0 {
		healthSrv = setupHealthCheck(a, cfg.Server.WorkerHealthPort, log)
	}

	// catch up once at startup instead of waiting for the first tick
	a.Sweeper.RunAll(ctx)
	scheduler.Start()
	log.Info("worker started", "storage", cfg.Storage.Driver)

	<-ctx.Done()
	log.Info("shutdown signal received, stopping scheduler")

	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		log.Warn("sweeps still running after 30s; exiting anyway")
	}
	wg.Wait()

	if healthSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = healthSrv.Shutdown(shutdownCtx)
	}
	log.Info("worker stopped")
}
