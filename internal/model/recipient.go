// internal/model/recipient.go
package model

import "time"

// Recipient is one ledger row: a campaign x resolved contact.
type Recipient struct {
	ID                int               `db:"id" json:"id"`
	CampaignID        int               `db:"campaign_id" json:"campaign_id"`
	ContactKey        string            `db:"contact_key" json:"contact_key"`
	Phone             string            `db:"phone" json:"phone"`
	Name              string            `db:"name" json:"name,omitempty"`
	Variables         ResolvedVariables `db:"variables" json:"variables"`
	Status            RecipientStatus   `db:"status" json:"status"`
	RetryCount        int               `db:"retry_count" json:"retry_count"`
	ProviderMessageID string            `db:"provider_message_id" json:"provider_message_id,omitempty"`
	ErrorCode         string            `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage      string            `db:"error_message" json:"error_message,omitempty"`
	QueuedAt          time.Time         `db:"queued_at" json:"queued_at"`
	SentAt            *time.Time        `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt       *time.Time        `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt            *time.Time        `db:"read_at" json:"read_at,omitempty"`
	FailedAt          *time.Time        `db:"failed_at" json:"failed_at,omitempty"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// ResolvedVariables are the placeholder values bound for one recipient.
type ResolvedVariables struct {
	Header map[string]string `json:"header,omitempty"`
	Body   map[string]string `json:"body,omitempty"`
}
