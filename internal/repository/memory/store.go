// Package memory is an in-process implementation of the repository
// interfaces, used for local runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
)

// Store holds all tables behind one mutex so multi-table operations are
// atomic, mirroring the Postgres transactions.
type Store struct {
	mu sync.Mutex

	campaigns   map[int]*model.Campaign
	recipients  map[int]*model.Recipient
	contacts    map[int]*model.Contact
	lists       map[int][]int
	credentials map[int]*model.Credential
	logs        []*model.CampaignLog

	nextCampaign, nextRecipient, nextContact, nextLog int
}

func NewStore() *Store {
	return &Store{
		campaigns:   map[int]*model.Campaign{},
		recipients:  map[int]*model.Recipient{},
		contacts:    map[int]*model.Contact{},
		lists:       map[int][]int{},
		credentials: map[int]*model.Credential{},
	}
}

func (s *Store) Campaigns() *CampaignRepo { return &CampaignRepo{s} }
func (s *Store) Recipients() *RecipientRepo { return &RecipientRepo{s} }
func (s *Store) Contacts() *ContactRepo { return &ContactRepo{s} }
func (s *Store) Credentials() *CredentialRepo { return &CredentialRepo{s} }
func (s *Store) CampaignLogs() *CampaignLogRepo { return &CampaignLogRepo{s} }

// AddContact stores c and returns its id. listIDs adds list memberships.
func (s *Store) AddContact(c model.Contact, listIDs ...int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextContact++
	c.ID = s.nextContact
	s.contacts[c.ID] = &c
	for _, l := range listIDs {
		s.lists[l] = append(s.lists[l], c.ID)
	}
	return c.ID
}

func (s *Store) SetCredential(c model.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[c.TenantID] = &c
}

// ====================== Campaigns ======================

type CampaignRepo struct{ s *Store }

func cloneCampaign(c *model.Campaign) *model.Campaign {
	cp := *c
	return &cp
}

func (r *CampaignRepo) Create(ctx context.Context, c *model.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.nextCampaign++
	c.ID = r.s.nextCampaign
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	r.s.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (r *CampaignRepo) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return cloneCampaign(c), nil
}

func (r *CampaignRepo) GetStatus(ctx context.Context, id int) (model.CampaignStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return "", appErrors.NewCampaignNotFound(id)
	}
	return c.Status, nil
}

// SetStatus forces a status without transition checks; for tests and
// fixtures only.
func (r *CampaignRepo) SetStatus(id int, status model.CampaignStatus) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c, ok := r.s.campaigns[id]; ok {
		c.Status = status
	}
}

func (r *CampaignRepo) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*model.Campaign
	for _, c := range r.s.campaigns {
		if status != "" && string(c.Status) != status {
			continue
		}
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	total := len(all)
	out := []*model.Campaign{}
	for i := offset; i < total && i < offset+limit; i++ {
		out = append(out, cloneCampaign(all[i]))
	}
	return out, total, nil
}

func (r *CampaignRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	return r.filter(limit, func(c *model.Campaign) bool {
		return c.Status == model.CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now)
	}), nil
}

func (r *CampaignRepo) ListByStatus(ctx context.Context, status model.CampaignStatus, limit int) ([]*model.Campaign, error) {
	return r.filter(limit, func(c *model.Campaign) bool { return c.Status == status }), nil
}

func (r *CampaignRepo) filter(limit int, keep func(*model.Campaign) bool) []*model.Campaign {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Campaign
	for _, c := range r.s.campaigns {
		if keep(c) {
			out = append(out, cloneCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *CampaignRepo) TransitionStatus(ctx context.Context, id int, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return false, nil
	}
	match := false
	for _, f := range from {
		if c.Status == f {
			match = true
			break
		}
	}
	if !match {
		return false, nil
	}
	now := time.Now()
	c.Status = to
	c.UpdatedAt = &now
	if to == model.CampaignRunning && c.StartedAt == nil {
		c.StartedAt = &now
	}
	if to.IsTerminal() {
		c.CompletedAt = &now
	}
	return true, nil
}

func (r *CampaignRepo) Delete(ctx context.Context, id int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if c.Status == model.CampaignRunning {
		return appErrors.ErrCampaignRunning
	}
	delete(r.s.campaigns, id)
	for rid, rec := range r.s.recipients {
		if rec.CampaignID == id {
			delete(r.s.recipients, rid)
		}
	}
	kept := r.s.logs[:0]
	for _, l := range r.s.logs {
		if l.CampaignID != id {
			kept = append(kept, l)
		}
	}
	r.s.logs = kept
	return nil
}

// ====================== Recipients ======================

type RecipientRepo struct{ s *Store }

func cloneRecipient(rec *model.Recipient) *model.Recipient {
	cp := *rec
	return &cp
}

func (r *RecipientRepo) UpsertBatch(ctx context.Context, campaignID int, rows []*model.Recipient) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing := map[string]bool{}
	for _, rec := range r.s.recipients {
		if rec.CampaignID == campaignID {
			existing[rec.ContactKey] = true
		}
	}
	now := time.Now()
	for _, in := range rows {
		if existing[in.ContactKey] {
			continue
		}
		r.s.nextRecipient++
		rec := cloneRecipient(in)
		rec.ID = r.s.nextRecipient
		rec.CampaignID = campaignID
		rec.Status = model.RecipientPending
		rec.RetryCount = 0
		if rec.QueuedAt.IsZero() {
			rec.QueuedAt = now
		}
		rec.UpdatedAt = now
		r.s.recipients[rec.ID] = rec
		existing[rec.ContactKey] = true
	}
	return nil
}

func (r *RecipientRepo) ClaimPending(ctx context.Context, campaignID, limit int) ([]*model.Recipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Recipient
	for _, rec := range r.s.recipients {
		if rec.CampaignID == campaignID && rec.Status == model.RecipientPending {
			out = append(out, cloneRecipient(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.Before(out[j].QueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *RecipientRepo) RequeueRetryable(ctx context.Context, campaignID, maxRetries int) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, rec := range r.s.recipients {
		if rec.CampaignID == campaignID && rec.Status == model.RecipientFailed &&
			rec.RetryCount < maxRetries && rec.ProviderMessageID == "" {
			rec.Status = model.RecipientPending
			rec.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (r *RecipientRepo) MarkSent(ctx context.Context, id int, providerMessageID string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.recipients[id]
	if !ok {
		return nil
	}
	rec.Status = model.RecipientSent
	rec.ProviderMessageID = providerMessageID
	rec.SentAt = &at
	rec.ErrorCode = ""
	rec.ErrorMessage = ""
	rec.UpdatedAt = time.Now()
	return nil
}

func (r *RecipientRepo) MarkAttemptFailed(ctx context.Context, id int, code, message string, maxRetries int, at time.Time) (model.RecipientStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.recipients[id]
	if !ok {
		return "", nil
	}
	rec.RetryCount++
	if rec.RetryCount >= maxRetries {
		rec.Status = model.RecipientFailed
	} else {
		rec.Status = model.RecipientPending
	}
	rec.ErrorCode = code
	rec.ErrorMessage = message
	rec.FailedAt = &at
	rec.UpdatedAt = time.Now()
	return rec.Status, nil
}

func (r *RecipientRepo) ApplyStatusEvent(ctx context.Context, ev model.StatusEvent) (int, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if ev.ProviderMessageID == "" {
		return 0, false, nil
	}
	var rec *model.Recipient
	for _, candidate := range r.s.recipients {
		if candidate.ProviderMessageID == ev.ProviderMessageID {
			rec = candidate
			break
		}
	}
	if rec == nil || !ev.Status.AdvancesFrom(rec.Status) {
		return 0, false, nil
	}

	at := ev.OccurredAt
	switch ev.Status {
	case model.RecipientDelivered:
		rec.DeliveredAt = &at
	case model.RecipientRead:
		if rec.DeliveredAt == nil {
			rec.DeliveredAt = &at
		}
		rec.ReadAt = &at
	case model.RecipientFailed:
		rec.FailedAt = &at
		rec.ErrorCode = ev.ErrorCode
		rec.ErrorMessage = ev.ErrorMessage
	}
	rec.Status = ev.Status
	rec.UpdatedAt = time.Now()

	r.refreshLocked(rec.CampaignID)
	return rec.CampaignID, true, nil
}

func (r *RecipientRepo) RefreshCounters(ctx context.Context, campaignID int) (model.Counters, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.refreshLocked(campaignID), nil
}

func (r *RecipientRepo) refreshLocked(campaignID int) model.Counters {
	counters := model.CountersFromStats(r.statsLocked(campaignID))
	if c, ok := r.s.campaigns[campaignID]; ok {
		c.Counters = counters
	}
	return counters
}

func (r *RecipientRepo) statsLocked(campaignID int) map[model.RecipientStatus]int {
	stats := map[model.RecipientStatus]int{
		model.RecipientPending:   0,
		model.RecipientSent:      0,
		model.RecipientDelivered: 0,
		model.RecipientRead:      0,
		model.RecipientFailed:    0,
	}
	for _, rec := range r.s.recipients {
		if rec.CampaignID == campaignID {
			stats[rec.Status]++
		}
	}
	return stats
}

func (r *RecipientRepo) Stats(ctx context.Context, campaignID int) (map[model.RecipientStatus]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.statsLocked(campaignID), nil
}

func (r *RecipientRepo) ListByCampaign(ctx context.Context, campaignID int, status string, offset, limit int) ([]*model.Recipient, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*model.Recipient
	for _, rec := range r.s.recipients {
		if rec.CampaignID != campaignID || (status != "" && string(rec.Status) != status) {
			continue
		}
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	out := []*model.Recipient{}
	for i := offset; i < len(all) && i < offset+limit; i++ {
		out = append(out, cloneRecipient(all[i]))
	}
	return out, len(all), nil
}

// ====================== Contacts / credentials / logs ======================

type ContactRepo struct{ s *Store }

func (r *ContactRepo) GetByID(ctx context.Context, id int) (*model.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *ContactRepo) ListByTags(ctx context.Context, tenantID int, tags []string) ([]model.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	want := map[string]bool{}
	for _, t := range tags {
		want[t] = true
	}
	var out []model.Contact
	for _, id := range r.sortedIDsLocked() {
		c := r.s.contacts[id]
		if c.TenantID != tenantID {
			continue
		}
		for _, t := range c.Tags {
			if want[t] {
				out = append(out, *c)
				break
			}
		}
	}
	return out, nil
}

func (r *ContactRepo) ListByListID(ctx context.Context, tenantID, listID int) ([]model.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Contact
	for _, id := range r.s.lists[listID] {
		if c, ok := r.s.contacts[id]; ok && c.TenantID == tenantID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *ContactRepo) sortedIDsLocked() []int {
	ids := make([]int, 0, len(r.s.contacts))
	for id := range r.s.contacts {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

type CredentialRepo struct{ s *Store }

func (r *CredentialRepo) GetActive(ctx context.Context, tenantID int) (*model.Credential, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.credentials[tenantID]
	if !ok || !c.Active {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

type CampaignLogRepo struct{ s *Store }

func (r *CampaignLogRepo) Append(ctx context.Context, entry *model.CampaignLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.nextLog++
	entry.ID = r.s.nextLog
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	cp := *entry
	r.s.logs = append(r.s.logs, &cp)
	return nil
}

func (r *CampaignLogRepo) ListByCampaign(ctx context.Context, campaignID, limit int) ([]*model.CampaignLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.CampaignLog{}
	for i := len(r.s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if r.s.logs[i].CampaignID == campaignID {
			cp := *r.s.logs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

var (
	_ repository.CampaignRepositoryInterface    = (*CampaignRepo)(nil)
	_ repository.RecipientRepositoryInterface   = (*RecipientRepo)(nil)
	_ repository.ContactRepositoryInterface     = (*ContactRepo)(nil)
	_ repository.CredentialRepositoryInterface  = (*CredentialRepo)(nil)
	_ repository.CampaignLogRepositoryInterface = (*CampaignLogRepo)(nil)
)
