// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/app"
	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/controller"
	"github.com/unclebandit/campaign-dispatch/internal/dispatch"
	"github.com/unclebandit/campaign-dispatch/internal/handler"
	"github.com/unclebandit/campaign-dispatch/internal/logger"
	"github.com/unclebandit/campaign-dispatch/internal/provider"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/scheduler"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

func main() {
	cfg, err := config.Load(".env")
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped with error")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := app.OpenStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	locker, closeLocker, err := app.NewLocker(ctx, cfg.Redis, log)
	if err != nil {
		return err
	}
	defer closeLocker()

	// With a broker, dispatch runs in cmd/worker and this process only
	// publishes. Otherwise jobs and dispatch tasks stay in-process.
	var (
		q       queue.Queue
		runner  *dispatch.Runner
		stopper service.DispatchStopper
	)
	if cfg.AMQPURL != "" {
		amqpQueue, err := queue.DialAMQP(cfg.AMQPURL, log)
		if err != nil {
			return err
		}
		defer amqpQueue.Close()
		q = amqpQueue
	} else {
		sender := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.Timeout).WithRateLimit(cfg.Provider.MaxPerSecond)
		runner = dispatch.NewRunner(app.NewDispatcher(cfg, st, sender, log), locker, cfg.Dispatch.LeaseTTL, log)
		memQueue := queue.NewInMemoryQueue(log)
		if err := queue.StartDispatchSubscriber(memQueue, runner, log); err != nil {
			return err
		}
		q, stopper = memQueue, runner
	}

	svc := app.NewService(cfg, st, q, locker, stopper, log)

	var sched *scheduler.Scheduler
	if cfg.SchedulerSpec != "" {
		sched = scheduler.New(svc, time.Minute, log)
		if err := sched.Start(cfg.SchedulerSpec); err != nil {
			return err
		}
	}

	// pick up campaigns left running by a previous process
	if _, err := svc.RunDueCampaigns(ctx, time.Now().UTC()); err != nil {
		log.Warn().Err(err).Msg("startup recovery pass failed")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	campaignController := &controller.CampaignController{CampaignService: svc, Logger: log}
	campaignController.Routes(r)

	campaignHandler := &handler.CampaignHandler{
		Ingest:        app.NewIngestor(st, log),
		Trigger:       svc,
		VerifyToken:   cfg.WebhookVerifyToken,
		TriggerSecret: cfg.TriggerSecret,
		AppSecret:     cfg.WebhookAppSecret,
		Logger:        log.With().Str("component", "webhook").Logger(),
	}
	campaignHandler.Routes(r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return err
		}
	}
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	if runner != nil {
		if err := runner.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("dispatch tasks did not stop in time")
		}
	}
	return nil
}
