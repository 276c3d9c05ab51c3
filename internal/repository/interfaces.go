package repository

import (
	"context"
	"time"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	GetStatus(ctx context.Context, id int) (model.CampaignStatus, error)
	ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error)
	// ListDue returns scheduled campaigns whose scheduled time is not after now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error)
	ListByStatus(ctx context.Context, status model.CampaignStatus, limit int) ([]*model.Campaign, error)
	// TransitionStatus moves the campaign to `to` only if its current status
	// is one of from. It reports whether the row changed.
	TransitionStatus(ctx context.Context, id int, from []model.CampaignStatus, to model.CampaignStatus) (bool, error)
	// Delete refuses running campaigns with ErrCampaignRunning.
	Delete(ctx context.Context, id int) error
}

// RecipientRepositoryInterface is the recipient ledger.
type RecipientRepositoryInterface interface {
	// UpsertBatch inserts rows keyed by (campaign_id, contact_key); existing
	// rows are left untouched so materialization can be retried.
	UpsertBatch(ctx context.Context, campaignID int, rows []*model.Recipient) error
	ClaimPending(ctx context.Context, campaignID, limit int) ([]*model.Recipient, error)
	// RequeueRetryable resets failed rows that were never accepted by the
	// provider and still have attempts left.
	RequeueRetryable(ctx context.Context, campaignID, maxRetries int) (int, error)
	MarkSent(ctx context.Context, id int, providerMessageID string, at time.Time) error
	// MarkAttemptFailed counts one failed send attempt and returns the row's
	// new status: pending while attempts remain, failed once exhausted.
	MarkAttemptFailed(ctx context.Context, id int, code, message string, maxRetries int, at time.Time) (model.RecipientStatus, error)
	// ApplyStatusEvent refines the row matching ev.ProviderMessageID when the
	// event advances it, and then reconciles the campaign counters.
	ApplyStatusEvent(ctx context.Context, ev model.StatusEvent) (campaignID int, applied bool, err error)
	// RefreshCounters recomputes campaign counters from the ledger and stores them.
	RefreshCounters(ctx context.Context, campaignID int) (model.Counters, error)
	Stats(ctx context.Context, campaignID int) (map[model.RecipientStatus]int, error)
	ListByCampaign(ctx context.Context, campaignID int, status string, offset, limit int) ([]*model.Recipient, int, error)
}

type ContactRepositoryInterface interface {
	GetByID(ctx context.Context, id int) (*model.Contact, error)
	ListByTags(ctx context.Context, tenantID int, tags []string) ([]model.Contact, error)
	ListByListID(ctx context.Context, tenantID, listID int) ([]model.Contact, error)
}

type CredentialRepositoryInterface interface {
	// GetActive returns nil when the tenant has no active credential.
	GetActive(ctx context.Context, tenantID int) (*model.Credential, error)
}

type CampaignLogRepositoryInterface interface {
	Append(ctx context.Context, entry *model.CampaignLog) error
	ListByCampaign(ctx context.Context, campaignID, limit int) ([]*model.CampaignLog, error)
}
