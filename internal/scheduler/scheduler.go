// Package scheduler runs the background trigger in-process on a cron spec.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/service"
)

// Trigger is the promotion/recovery pass the scheduler fires.
type Trigger interface {
	RunDueCampaigns(ctx context.Context, now time.Time) (*service.TriggerResult, error)
}

type Scheduler struct {
	trigger Trigger
	timeout time.Duration
	log     zerolog.Logger
	parser  cron.Parser

	mu     sync.Mutex
	c      *cron.Cron
	cancel context.CancelFunc
}

func New(trigger Trigger, timeout time.Duration, logger zerolog.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Scheduler{
		trigger: trigger,
		timeout: timeout,
		log:     logger.With().Str("component", "scheduler").Logger(),
		// both 5-field and 6-field (seconds) specs are accepted
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start registers the trigger under spec and starts firing it. Overlapping
// runs are skipped.
func (s *Scheduler) Start(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := c.AddFunc(strings.TrimSpace(spec), func() { s.RunOnce(ctx) }); err != nil {
		cancel()
		return err
	}

	s.c, s.cancel = c, cancel
	c.Start()
	s.log.Info().Str("spec", spec).Msg("scheduler started")
	return nil
}

// RunOnce fires the trigger a single time.
func (s *Scheduler) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.trigger.RunDueCampaigns(ctx, time.Now().UTC())
	if err != nil {
		s.log.Error().Err(err).Msg("trigger run failed")
		return
	}
	if res.Promoted+res.Resumed+res.Skipped > 0 {
		s.log.Info().Int("promoted", res.Promoted).Int("resumed", res.Resumed).Int("skipped", res.Skipped).Msg("trigger run")
	}
}

// Stop waits for a running trigger to return, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		<-done
	}
	cancel()
	s.log.Info().Msg("scheduler stopped")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
