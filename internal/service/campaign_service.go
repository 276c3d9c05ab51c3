// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/audience"
	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/lease"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/variables"
)

// AudienceResolver turns an audience declaration into recipients.
type AudienceResolver interface {
	Resolve(ctx context.Context, tenantID int, aud model.Audience) ([]model.ResolvedContact, error)
}

// DispatchStopper cancels an in-process dispatch task.
type DispatchStopper interface {
	Stop(campaignID int)
}

type CampaignService struct {
	CampaignRepo   repository.CampaignRepositoryInterface
	RecipientRepo  repository.RecipientRepositoryInterface
	ContactRepo    repository.ContactRepositoryInterface
	CredentialRepo repository.CredentialRepositoryInterface
	LogRepo        repository.CampaignLogRepositoryInterface
	Resolver       AudienceResolver
	Queue          queue.Queue
	Locker         lease.Locker
	Stopper        DispatchStopper

	LeaseTTL  time.Duration
	ChunkSize int
	Logger    zerolog.Logger

	// MaterializeTimeout bounds ledger writes once the campaign is running.
	// Those writes ignore the caller's cancellation.
	MaterializeTimeout time.Duration
}

type CreateCampaignInput struct {
	TenantID         int                    `json:"tenant_id"`
	Name             string                 `json:"name"`
	TemplateName     string                 `json:"template_name"`
	TemplateLanguage string                 `json:"template_language"`
	Audience         model.Audience         `json:"audience"`
	Bindings         model.VariableBindings `json:"bindings"`
	Pacing           model.Pacing           `json:"pacing"`
	ScheduledAt      *string                `json:"scheduled_at,omitempty"`
}

// Result struct for SendCampaign
type SendCampaignResult struct {
	CampaignID int                  `json:"campaign_id"`
	Recipients int                  `json:"recipients"`
	Status     model.CampaignStatus `json:"status"`
}

type CampaignDetails struct {
	*model.Campaign
	Stats map[string]int `json:"stats"`
}

func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*model.Campaign, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", appErrors.ErrValidation)
	}
	if in.Audience.Type != "" {
		switch in.Audience.Type {
		case model.AudienceStatic, model.AudienceTag, model.AudienceList:
		default:
			return nil, fmt.Errorf("%w: unknown type %q", appErrors.ErrInvalidAudience, in.Audience.Type)
		}
	}

	c := &model.Campaign{
		TenantID:         in.TenantID,
		Name:             name,
		TemplateName:     strings.TrimSpace(in.TemplateName),
		TemplateLanguage: in.TemplateLanguage,
		Audience:         in.Audience,
		Bindings:         in.Bindings,
		Pacing:           in.Pacing,
		Status:           model.CampaignDraft,
	}
	if c.TemplateLanguage == "" {
		c.TemplateLanguage = "en"
	}

	if in.ScheduledAt != nil && *in.ScheduledAt != "" {
		// parse scheduledAt string into time.Time
		t, err := time.Parse(time.RFC3339, *in.ScheduledAt)
		if err != nil {
			return nil, fmt.Errorf("%w: scheduled_at must be RFC3339", appErrors.ErrValidation)
		}
		c.ScheduledAt = &t
		c.Status = model.CampaignScheduled
	}

	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	page, pageSize, offset := paginate(page, pageSize)

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}
	return campaigns, pagination(page, pageSize, total), nil
}

func paginate(page, pageSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize, (page - 1) * pageSize
}

func pagination(page, pageSize, total int) map[string]int {
	totalPages := (total + pageSize - 1) / pageSize
	return map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, campaignID int) (*CampaignDetails, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	byStatus, err := s.RecipientRepo.Stats(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	stats := map[string]int{"total": 0}
	for status, n := range byStatus {
		stats[string(status)] = n
		stats["total"] += n
	}

	return &CampaignDetails{Campaign: campaign, Stats: stats}, nil
}

// SendCampaign starts (or resumes) dispatch. Configuration problems are
// reported before any state changes. For a campaign that has never run, the
// recipient ledger is materialized while this call holds the campaign's
// dispatch lease, so no dispatcher sees a partial ledger.
func (s *CampaignService) SendCampaign(ctx context.Context, campaignID int) (*SendCampaignResult, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !campaign.Status.CanTransitionTo(model.CampaignRunning) {
		return nil, appErrors.NewInvalidCampaignState(campaignID, string(campaign.Status), string(model.CampaignRunning))
	}
	if strings.TrimSpace(campaign.TemplateName) == "" {
		return nil, appErrors.ErrMissingTemplate
	}
	cred, err := s.CredentialRepo.GetActive(ctx, campaign.TenantID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, appErrors.ErrMissingCredentials
	}

	log := s.Logger.With().Int("campaign_id", campaignID).Logger()

	if campaign.Status == model.CampaignPaused {
		return s.resume(ctx, campaign)
	}

	contacts, err := s.Resolver.Resolve(ctx, campaign.TenantID, campaign.Audience)
	if err != nil {
		return nil, err
	}

	counters, err := s.startFresh(ctx, campaign, contacts)
	if err != nil {
		return nil, err
	}
	s.appendLog(context.WithoutCancel(ctx), campaignID, model.LogInfo, fmt.Sprintf("Campaign started with %d recipients", counters.TotalRecipients))
	log.Info().Int("recipients", counters.TotalRecipients).Msg("campaign started")

	s.enqueue(campaignID, "send")
	return &SendCampaignResult{CampaignID: campaignID, Recipients: counters.TotalRecipients, Status: model.CampaignRunning}, nil
}

// startFresh moves the campaign to running and writes its ledger under the
// dispatch lease. The lease is released before returning.
func (s *CampaignService) startFresh(ctx context.Context, campaign *model.Campaign, contacts []model.ResolvedContact) (model.Counters, error) {
	campaignID := campaign.ID
	log := s.Logger.With().Int("campaign_id", campaignID).Logger()

	held, err := s.Locker.Acquire(ctx, lease.Key(campaignID), s.leaseTTL())
	if errors.Is(err, lease.ErrNotAcquired) {
		return model.Counters{}, appErrors.NewInvalidCampaignState(campaignID, string(campaign.Status), string(model.CampaignRunning))
	}
	if err != nil {
		return model.Counters{}, fmt.Errorf("acquire dispatch lease: %w", err)
	}
	defer func() {
		if rerr := held.Release(context.WithoutCancel(ctx)); rerr != nil {
			log.Warn().Err(rerr).Msg("lease release failed")
		}
	}()

	ok, err := s.CampaignRepo.TransitionStatus(ctx, campaignID, []model.CampaignStatus{campaign.Status}, model.CampaignRunning)
	if err != nil {
		return model.Counters{}, err
	}
	if !ok {
		return model.Counters{}, s.currentStateError(ctx, campaignID, model.CampaignRunning)
	}

	// past the running CAS the ledger must be completed or the campaign
	// failed, whatever happens to the caller
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.materializeTimeout())
	defer cancel()

	if err := s.materialize(mctx, campaign, contacts, held); err != nil {
		log.Error().Err(err).Msg("recipient materialization failed")
		failCtx := context.WithoutCancel(ctx)
		if _, ferr := s.CampaignRepo.TransitionStatus(failCtx, campaignID, []model.CampaignStatus{model.CampaignRunning}, model.CampaignFailed); ferr != nil {
			log.Error().Err(ferr).Msg("could not mark campaign failed")
		}
		if _, ferr := s.RecipientRepo.RefreshCounters(failCtx, campaignID); ferr != nil {
			log.Error().Err(ferr).Msg("counter refresh after failure")
		}
		s.appendLog(failCtx, campaignID, model.LogError, "Recipient materialization failed: "+err.Error())
		return model.Counters{}, err
	}

	return s.RecipientRepo.RefreshCounters(mctx, campaignID)
}

func (s *CampaignService) resume(ctx context.Context, campaign *model.Campaign) (*SendCampaignResult, error) {
	ok, err := s.CampaignRepo.TransitionStatus(ctx, campaign.ID, []model.CampaignStatus{model.CampaignPaused}, model.CampaignRunning)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.currentStateError(ctx, campaign.ID, model.CampaignRunning)
	}
	s.appendLog(ctx, campaign.ID, model.LogInfo, "Campaign resumed")
	s.enqueue(campaign.ID, "resume")
	return &SendCampaignResult{CampaignID: campaign.ID, Recipients: campaign.TotalRecipients, Status: model.CampaignRunning}, nil
}

// materialize writes the ledger in chunks. Rows are keyed by contact so a
// retried run skips what an earlier one already wrote; a failed chunk stops
// the run and keeps earlier chunks.
func (s *CampaignService) materialize(ctx context.Context, campaign *model.Campaign, contacts []model.ResolvedContact, held lease.Lease) error {
	chunk := s.ChunkSize
	if chunk <= 0 {
		chunk = 500
	}
	now := time.Now()
	for start := 0; start < len(contacts); start += chunk {
		end := min(start+chunk, len(contacts))
		rows := make([]*model.Recipient, 0, end-start)
		for i, c := range contacts[start:end] {
			rows = append(rows, &model.Recipient{
				CampaignID: campaign.ID,
				ContactKey: c.Key,
				Phone:      c.Phone,
				Name:       c.Name,
				Variables:  variables.Resolve(campaign.Bindings, c),
				Status:     model.RecipientPending,
				// keep audience order as FIFO order
				QueuedAt: now.Add(time.Duration(start+i) * time.Microsecond),
			})
		}
		if err := s.RecipientRepo.UpsertBatch(ctx, campaign.ID, rows); err != nil {
			return fmt.Errorf("persist recipients %d-%d of %d: %w", start+1, end, len(contacts), err)
		}
		if err := held.Refresh(ctx); err != nil {
			return fmt.Errorf("dispatch lease: %w", err)
		}
	}
	return nil
}

// ApplyAction runs an operator command. Illegal transitions are rejected
// with ErrInvalidCampaignState and change nothing.
func (s *CampaignService) ApplyAction(ctx context.Context, campaignID int, action model.Action) (*model.Campaign, error) {
	target, ok := action.Target()
	if !ok {
		return nil, fmt.Errorf("%w: unknown action %q", appErrors.ErrValidation, action)
	}

	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	switch action {
	case model.ActionSend:
		if _, err := s.SendCampaign(ctx, campaignID); err != nil {
			return nil, err
		}
		return s.CampaignRepo.GetByID(ctx, campaignID)
	case model.ActionResume:
		if campaign.Status != model.CampaignPaused {
			return nil, appErrors.NewInvalidCampaignState(campaignID, string(campaign.Status), string(target))
		}
		if _, err := s.SendCampaign(ctx, campaignID); err != nil {
			return nil, err
		}
		return s.CampaignRepo.GetByID(ctx, campaignID)
	}

	if !campaign.Status.CanTransitionTo(target) {
		return nil, appErrors.NewInvalidCampaignState(campaignID, string(campaign.Status), string(target))
	}
	ok, err = s.CampaignRepo.TransitionStatus(ctx, campaignID, []model.CampaignStatus{campaign.Status}, target)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.currentStateError(ctx, campaignID, target)
	}

	if campaign.Status == model.CampaignRunning && s.Stopper != nil {
		s.Stopper.Stop(campaignID)
	}
	s.appendLog(ctx, campaignID, model.LogInfo, fmt.Sprintf("Campaign %s (was %s)", target, campaign.Status))
	s.Logger.Info().Int("campaign_id", campaignID).Str("from", string(campaign.Status)).Str("to", string(target)).Msg("campaign status changed")

	return s.CampaignRepo.GetByID(ctx, campaignID)
}

func (s *CampaignService) DeleteCampaign(ctx context.Context, campaignID int) error {
	return s.CampaignRepo.Delete(ctx, campaignID)
}

// Preview is one contact's view of a campaign's template parameters.
type Preview struct {
	CampaignID   int      `json:"campaign_id"`
	ContactID    int      `json:"contact_id"`
	TemplateName string   `json:"template_name"`
	Language     string   `json:"language"`
	HeaderParams []string `json:"header_params"`
	BodyParams   []string `json:"body_params"`
	RenderedBody string   `json:"rendered_body,omitempty"`
}

// RenderPreview resolves the campaign's bindings (or override) against one
// stored contact. When bodyText is given it is rendered with the body
// values.
func (s *CampaignService) RenderPreview(ctx context.Context, campaignID, contactID int, override *model.VariableBindings, bodyText string) (*Preview, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	contact, err := s.ContactRepo.GetByID(ctx, contactID)
	if err != nil {
		return nil, err
	}
	if contact == nil || contact.TenantID != campaign.TenantID {
		return nil, appErrors.ErrContactNotFound
	}

	bindings := campaign.Bindings
	if override != nil {
		bindings = *override
	}
	values := variables.Resolve(bindings, audience.FromContact(*contact))

	p := &Preview{
		CampaignID:   campaignID,
		ContactID:    contactID,
		TemplateName: campaign.TemplateName,
		Language:     campaign.TemplateLanguage,
		HeaderParams: variables.Ordered(values.Header),
		BodyParams:   variables.Ordered(values.Body),
	}
	if strings.TrimSpace(bodyText) != "" {
		p.RenderedBody = RenderTemplate(bodyText, values.Body)
	}
	return p, nil
}

func (s *CampaignService) ListRecipients(ctx context.Context, campaignID int, status string, page, pageSize int) ([]*model.Recipient, map[string]int, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return nil, nil, err
	}
	if status != "" {
		if _, ok := model.ParseRecipientStatus(status); !ok {
			return nil, nil, fmt.Errorf("%w: unknown recipient status %q", appErrors.ErrValidation, status)
		}
	}
	page, pageSize, offset := paginate(page, pageSize)
	rows, total, err := s.RecipientRepo.ListByCampaign(ctx, campaignID, status, offset, pageSize)
	if err != nil {
		return nil, nil, err
	}
	return rows, pagination(page, pageSize, total), nil
}

func (s *CampaignService) ListLogs(ctx context.Context, campaignID, limit int) ([]*model.CampaignLog, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.LogRepo.ListByCampaign(ctx, campaignID, limit)
}

// TriggerResult reports one background trigger pass.
type TriggerResult struct {
	Promoted int `json:"promoted"`
	Skipped  int `json:"skipped"`
	Resumed  int `json:"resumed"`
}

// RunDueCampaigns promotes scheduled campaigns whose time has come and
// re-enqueues running campaigns so stalled dispatch tasks are picked up
// again. A live task elsewhere keeps its lease and the duplicate is skipped.
func (s *CampaignService) RunDueCampaigns(ctx context.Context, now time.Time) (*TriggerResult, error) {
	res := &TriggerResult{}

	due, err := s.CampaignRepo.ListDue(ctx, now, 100)
	if err != nil {
		return nil, fmt.Errorf("list due campaigns: %w", err)
	}
	promoted := map[int]bool{}
	for _, c := range due {
		if _, err := s.SendCampaign(ctx, c.ID); err != nil {
			res.Skipped++
			s.Logger.Warn().Err(err).Int("campaign_id", c.ID).Msg("scheduled campaign not started")
			continue
		}
		promoted[c.ID] = true
		res.Promoted++
	}

	running, err := s.CampaignRepo.ListByStatus(ctx, model.CampaignRunning, 500)
	if err != nil {
		return res, fmt.Errorf("list running campaigns: %w", err)
	}
	for _, c := range running {
		if promoted[c.ID] {
			continue
		}
		if s.enqueue(c.ID, "recover") {
			res.Resumed++
		}
	}
	return res, nil
}

func (s *CampaignService) enqueue(campaignID int, reason string) bool {
	if err := s.Queue.Publish(queue.TopicCampaignDispatch, queue.Job{CampaignID: campaignID, Reason: reason}); err != nil {
		// the background trigger picks running campaigns up again
		s.Logger.Error().Err(err).Int("campaign_id", campaignID).Msg("failed to enqueue dispatch job")
		return false
	}
	return true
}

func (s *CampaignService) currentStateError(ctx context.Context, campaignID int, target model.CampaignStatus) error {
	status, err := s.CampaignRepo.GetStatus(ctx, campaignID)
	if err != nil {
		return err
	}
	return appErrors.NewInvalidCampaignState(campaignID, string(status), string(target))
}

func (s *CampaignService) appendLog(ctx context.Context, campaignID int, level model.LogLevel, msg string) {
	if err := s.LogRepo.Append(ctx, &model.CampaignLog{CampaignID: campaignID, Level: level, Message: msg}); err != nil {
		s.Logger.Warn().Err(err).Int("campaign_id", campaignID).Msg("campaign log append failed")
	}
}

func (s *CampaignService) materializeTimeout() time.Duration {
	if s.MaterializeTimeout <= 0 {
		return 5 * time.Minute
	}
	return s.MaterializeTimeout
}

func (s *CampaignService) leaseTTL() time.Duration {
	if s.LeaseTTL <= 0 {
		return 30 * time.Second
	}
	return s.LeaseTTL
}
