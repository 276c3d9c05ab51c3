// Package dispatch drains a running campaign's recipient ledger against the
// provider, one paced send at a time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/provider"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/variables"
)

// Outcome is how a dispatch run ended.
type Outcome int

const (
	// Completed: no pending or retryable rows remained and the campaign
	// moved to completed.
	Completed Outcome = iota
	// Stopped: the campaign left running (pause, cancel) or the run's
	// context was cancelled. Pending rows are left for a later run.
	Stopped
	// Failed: an unrecoverable error; the campaign was marked failed.
	Failed
	// Skipped: another dispatcher holds the campaign's lease.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

type Dispatcher struct {
	Campaigns   repository.CampaignRepositoryInterface
	Recipients  repository.RecipientRepositoryInterface
	Credentials repository.CredentialRepositoryInterface
	Logs        repository.CampaignLogRepositoryInterface
	Sender      provider.Sender

	// Defaults fill campaign pacing fields left at zero.
	Defaults     model.Pacing
	StoreTimeout time.Duration
	Logger       zerolog.Logger
}

// Run drives one campaign until it completes, leaves running, fails, or ctx
// is cancelled. Cancellation is observed between sends; a send already
// handed to the provider is always recorded.
func (d *Dispatcher) Run(ctx context.Context, campaignID int) (outcome Outcome, err error) {
	log := d.Logger.With().Int("campaign_id", campaignID).Logger()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panic: %v", r)
			log.Error().Interface("panic", r).Msg("dispatch loop panicked")
			d.fail(ctx, campaignID, err)
			outcome = Failed
		}
	}()

	sctx, cancel := d.storeCtx(ctx)
	c, err := d.Campaigns.GetByID(sctx, campaignID)
	cancel()
	if err != nil {
		if appErrors.IsNotFound(err) {
			return Stopped, err
		}
		return d.fatal(ctx, campaignID, fmt.Errorf("load campaign: %w", err))
	}
	if c.Status != model.CampaignRunning {
		log.Info().Str("status", string(c.Status)).Msg("campaign not running, nothing to dispatch")
		return Stopped, nil
	}

	sctx, cancel = d.storeCtx(ctx)
	cred, err := d.Credentials.GetActive(sctx, c.TenantID)
	cancel()
	if err != nil {
		return d.fatal(ctx, campaignID, fmt.Errorf("load credential: %w", err))
	}
	if cred == nil {
		return d.fatal(ctx, campaignID, appErrors.ErrMissingCredentials)
	}

	pacing := c.Pacing.WithDefaults(d.Defaults)

	d.appendLog(ctx, campaignID, model.LogInfo, fmt.Sprintf("Dispatch started (batch size %d, delay %s, max retries %d)",
		pacing.BatchSize, pacing.Delay(), pacing.MaxRetries))
	log.Info().Int("batch_size", pacing.BatchSize).Dur("delay", pacing.Delay()).Msg("dispatch started")

	for {
		if ctx.Err() != nil {
			return d.stop(ctx, campaignID, "context cancelled")
		}

		sctx, cancel = d.storeCtx(ctx)
		status, err := d.Campaigns.GetStatus(sctx, campaignID)
		cancel()
		if err != nil {
			return d.fatal(ctx, campaignID, fmt.Errorf("read status: %w", err))
		}
		if status != model.CampaignRunning {
			return d.stop(ctx, campaignID, "campaign is "+string(status))
		}

		sctx, cancel = d.storeCtx(ctx)
		batch, err := d.Recipients.ClaimPending(sctx, campaignID, pacing.BatchSize)
		cancel()
		if err != nil {
			return d.fatal(ctx, campaignID, fmt.Errorf("claim batch: %w", err))
		}

		if len(batch) == 0 {
			sctx, cancel = d.storeCtx(ctx)
			requeued, err := d.Recipients.RequeueRetryable(sctx, campaignID, pacing.MaxRetries)
			cancel()
			if err != nil {
				return d.fatal(ctx, campaignID, fmt.Errorf("requeue retryable: %w", err))
			}
			if requeued > 0 {
				log.Info().Int("requeued", requeued).Msg("retryable recipients requeued")
				continue
			}
			return d.finalize(ctx, campaignID)
		}

		for _, rec := range batch {
			if ctx.Err() != nil {
				return d.stop(ctx, campaignID, "context cancelled")
			}
			if err := d.send(ctx, c, *cred, rec, pacing.MaxRetries); err != nil {
				return d.fatal(ctx, campaignID, err)
			}
			if err := pause(ctx, pacing.Delay()); err != nil {
				return d.stop(ctx, campaignID, "context cancelled")
			}
		}

		d.flush(ctx, campaignID)
	}
}

// send performs one attempt and records its outcome. Only storage errors
// are returned; provider failures are recorded on the row.
func (d *Dispatcher) send(ctx context.Context, c *model.Campaign, cred model.Credential, rec *model.Recipient, maxRetries int) error {
	msg := provider.TemplateMessage{
		To:           rec.Phone,
		TemplateName: c.TemplateName,
		Language:     c.TemplateLanguage,
		HeaderParams: variables.Ordered(rec.Variables.Header),
		BodyParams:   variables.Ordered(rec.Variables.Body),
	}

	messageID, sendErr := d.Sender.SendTemplate(context.WithoutCancel(ctx), cred, msg)
	now := time.Now()

	sctx, cancel := d.storeCtx(ctx)
	defer cancel()

	if sendErr == nil {
		if err := d.Recipients.MarkSent(sctx, rec.ID, messageID, now); err != nil {
			return fmt.Errorf("record sent recipient %d: %w", rec.ID, err)
		}
		return nil
	}

	code, message := "send_error", sendErr.Error()
	var perr *provider.Error
	if errors.As(sendErr, &perr) {
		code, message = perr.Code, perr.Message
	}
	status, err := d.Recipients.MarkAttemptFailed(sctx, rec.ID, code, message, maxRetries, now)
	if err != nil {
		return fmt.Errorf("record failed recipient %d: %w", rec.ID, err)
	}
	d.Logger.Warn().
		Int("campaign_id", c.ID).
		Int("recipient_id", rec.ID).
		Str("code", code).
		Str("status", string(status)).
		Msg("send attempt failed")
	return nil
}

func (d *Dispatcher) finalize(ctx context.Context, campaignID int) (Outcome, error) {
	sctx, cancel := d.storeCtx(ctx)
	defer cancel()

	counters, err := d.Recipients.RefreshCounters(sctx, campaignID)
	if err != nil {
		return d.fatal(ctx, campaignID, fmt.Errorf("recompute counters: %w", err))
	}
	ok, err := d.Campaigns.TransitionStatus(sctx, campaignID, []model.CampaignStatus{model.CampaignRunning}, model.CampaignCompleted)
	if err != nil {
		return d.fatal(ctx, campaignID, fmt.Errorf("complete campaign: %w", err))
	}
	if !ok {
		return d.stop(ctx, campaignID, "campaign left running before completion")
	}

	d.appendLog(ctx, campaignID, model.LogSuccess, fmt.Sprintf("Campaign completed: %d sent, %d failed of %d recipients",
		counters.TotalSent, counters.TotalFailed, counters.TotalRecipients))
	d.Logger.Info().
		Int("campaign_id", campaignID).
		Int("sent", counters.TotalSent).
		Int("failed", counters.TotalFailed).
		Msg("campaign completed")
	return Completed, nil
}

func (d *Dispatcher) stop(ctx context.Context, campaignID int, reason string) (Outcome, error) {
	d.flush(ctx, campaignID)
	d.Logger.Info().Int("campaign_id", campaignID).Str("reason", reason).Msg("dispatch stopped")
	return Stopped, nil
}

func (d *Dispatcher) fatal(ctx context.Context, campaignID int, err error) (Outcome, error) {
	d.Logger.Error().Err(err).Int("campaign_id", campaignID).Msg("dispatch failed")
	d.fail(ctx, campaignID, err)
	return Failed, err
}

// fail marks the campaign failed and records why. It uses a detached
// context so a cancelled run can still record the failure.
func (d *Dispatcher) fail(ctx context.Context, campaignID int, cause error) {
	sctx, cancel := d.storeCtx(ctx)
	defer cancel()
	if _, err := d.Recipients.RefreshCounters(sctx, campaignID); err != nil {
		d.Logger.Error().Err(err).Int("campaign_id", campaignID).Msg("counter refresh after failure")
	}
	if _, err := d.Campaigns.TransitionStatus(sctx, campaignID, []model.CampaignStatus{model.CampaignRunning}, model.CampaignFailed); err != nil {
		d.Logger.Error().Err(err).Int("campaign_id", campaignID).Msg("could not mark campaign failed")
	}
	d.appendLog(ctx, campaignID, model.LogError, "Campaign failed: "+cause.Error())
}

func (d *Dispatcher) flush(ctx context.Context, campaignID int) {
	sctx, cancel := d.storeCtx(ctx)
	defer cancel()
	if _, err := d.Recipients.RefreshCounters(sctx, campaignID); err != nil {
		d.Logger.Warn().Err(err).Int("campaign_id", campaignID).Msg("counter flush failed")
	}
}

func (d *Dispatcher) appendLog(ctx context.Context, campaignID int, level model.LogLevel, msg string) {
	sctx, cancel := d.storeCtx(ctx)
	defer cancel()
	entry := &model.CampaignLog{CampaignID: campaignID, Level: level, Message: msg}
	if err := d.Logs.Append(sctx, entry); err != nil {
		d.Logger.Warn().Err(err).Int("campaign_id", campaignID).Msg("campaign log append failed")
	}
}

// pause waits out the pacing delay that follows every attempt, measured
// from when the attempt finished.
func pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// storeCtx bounds a storage call without inheriting the run's cancellation,
// so outcomes of completed sends are always written.
func (d *Dispatcher) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := d.StoreTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
