package model

import "time"

type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogSuccess LogLevel = "success"
	LogError   LogLevel = "error"
)

// CampaignLog is an append-only audit entry.
type CampaignLog struct {
	ID         int       `db:"id" json:"id"`
	CampaignID int       `db:"campaign_id" json:"campaign_id"`
	Level      LogLevel  `db:"level" json:"level"`
	Message    string    `db:"message" json:"message"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Credential is a tenant's provider access configuration.
type Credential struct {
	TenantID      int    `db:"tenant_id" json:"tenant_id"`
	PhoneNumberID string `db:"phone_number_id" json:"phone_number_id"`
	AccessToken   string `db:"access_token" json:"-"`
	Active        bool   `db:"active" json:"active"`
}

// StatusEvent is a provider delivery-status callback, keyed by the
// provider message id.
type StatusEvent struct {
	ProviderMessageID string          `json:"provider_message_id"`
	Status            RecipientStatus `json:"status"`
	ErrorCode         string          `json:"error_code,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	OccurredAt        time.Time       `json:"occurred_at"`
}
