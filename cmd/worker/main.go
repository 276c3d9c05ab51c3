package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/app"
	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/dispatch"
	"github.com/unclebandit/campaign-dispatch/internal/logger"
	"github.com/unclebandit/campaign-dispatch/internal/provider"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/statusfeed"
)

func main() {
	cfg, err := config.Load(".env")
	log := logger.New(cfg.LogLevel, cfg.LogFormat).With().Str("process", "worker").Logger()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("worker stopped with error")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	if cfg.AMQPURL == "" {
		return errors.New("AMQP_URL is required for the worker")
	}
	if cfg.Storage == "memory" {
		return errors.New("the worker needs shared storage, STORAGE=memory is not supported")
	}

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

	sender := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.Timeout).WithRateLimit(cfg.Provider.MaxPerSecond)
	runner := dispatch.NewRunner(app.NewDispatcher(cfg, st, sender, log), locker, cfg.Dispatch.LeaseTTL, log)

	q, err := queue.DialAMQP(cfg.AMQPURL, log)
	if err != nil {
		return err
	}
	defer q.Close()

	if err := queue.StartDispatchSubscriber(q, runner, log); err != nil {
		return err
	}
	log.Info().Str("topic", queue.TopicCampaignDispatch).Msg("worker running, waiting for jobs")

	var wg sync.WaitGroup
	if consumer := statusConsumer(cfg.Kafka, app.NewIngestor(st, log), log); consumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer consumer.Close()
			if err := consumer.Run(ctx); err != nil {
				log.Error().Err(err).Msg("status feed stopped")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := runner.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("dispatch tasks did not stop in time")
	}
	wg.Wait()
	return nil
}

// statusConsumer returns nil when no brokers are configured.
func statusConsumer(cfg config.Kafka, applier statusfeed.Applier, log zerolog.Logger) *statusfeed.Consumer {
	if len(cfg.Brokers) == 0 || cfg.StatusTopic == "" {
		return nil
	}
	log.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.StatusTopic).Msg("consuming provider status feed")
	return statusfeed.NewConsumer(statusfeed.NewReader(cfg.Brokers, cfg.StatusTopic, cfg.GroupID), applier, log)
}
