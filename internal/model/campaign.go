// internal/model/campaign.go
package model

import "time"

type Campaign struct {
	ID               int              `db:"id" json:"id"`
	TenantID         int              `db:"tenant_id" json:"tenant_id"`
	Name             string           `db:"name" json:"name"`
	Status           CampaignStatus   `db:"status" json:"status"`
	TemplateName     string           `db:"template_name" json:"template_name"`
	TemplateLanguage string           `db:"template_language" json:"template_language"`
	Audience         Audience         `db:"audience" json:"audience"`
	Bindings         VariableBindings `db:"bindings" json:"bindings"`
	Pacing           Pacing           `db:"pacing" json:"pacing"`
	ScheduledAt      *time.Time       `db:"scheduled_at" json:"scheduled_at,omitempty"`
	Counters

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt   *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// Counters are derived from the recipient ledger; the ledger is authoritative.
type Counters struct {
	TotalRecipients int `db:"total_recipients" json:"total_recipients"`
	TotalSent       int `db:"total_sent" json:"total_sent"`
	TotalDelivered  int `db:"total_delivered" json:"total_delivered"`
	TotalRead       int `db:"total_read" json:"total_read"`
	TotalFailed     int `db:"total_failed" json:"total_failed"`
}

// Pacing holds per-campaign dispatch settings. Zero values fall back to
// the service defaults.
type Pacing struct {
	DelayMillis int `json:"delay_ms,omitempty"`
	BatchSize   int `json:"batch_size,omitempty"`
	MaxRetries  int `json:"max_retries,omitempty"`
}

// WithDefaults fills unset fields from def.
func (p Pacing) WithDefaults(def Pacing) Pacing {
	if p.DelayMillis <= 0 {
		p.DelayMillis = def.DelayMillis
	}
	if p.BatchSize <= 0 {
		p.BatchSize = def.BatchSize
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = def.MaxRetries
	}
	return p
}

func (p Pacing) Delay() time.Duration {
	return time.Duration(p.DelayMillis) * time.Millisecond
}

// CountersFromStats derives campaign counters from ledger counts keyed by
// recipient status.
func CountersFromStats(stats map[RecipientStatus]int) Counters {
	var c Counters
	for status, n := range stats {
		c.TotalRecipients += n
		switch status {
		case RecipientSent:
			c.TotalSent += n
		case RecipientDelivered:
			c.TotalSent += n
			c.TotalDelivered += n
		case RecipientRead:
			c.TotalSent += n
			c.TotalDelivered += n
			c.TotalRead += n
		case RecipientFailed:
			c.TotalFailed += n
		}
	}
	return c
}
