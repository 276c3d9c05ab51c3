package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// SignatureHeader carries the provider's HMAC of the webhook body.
const SignatureHeader = "X-Hub-Signature-256"

// Sign returns the SignatureHeader value for body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a "sha256=<hex>" header against body.
func VerifySignature(body []byte, header, secret string) bool {
	got, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	sum, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sum, mac.Sum(nil))
}

// WebhookPayload is the provider's delivery-status callback envelope.
type WebhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Statuses []webhookStatus `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors"`
}

// ParseWebhook extracts status events from a webhook body. Statuses the
// engine does not track are dropped.
func ParseWebhook(body []byte) ([]model.StatusEvent, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}

	var events []model.StatusEvent
	for _, e := range p.Entry {
		for _, ch := range e.Changes {
			for _, st := range ch.Value.Statuses {
				status, ok := model.ParseRecipientStatus(st.Status)
				if !ok || st.ID == "" || status == model.RecipientPending {
					continue
				}
				ev := model.StatusEvent{
					ProviderMessageID: st.ID,
					Status:            status,
					OccurredAt:        parseUnix(st.Timestamp),
				}
				if len(st.Errors) > 0 {
					ev.ErrorCode = strconv.Itoa(st.Errors[0].Code)
					ev.ErrorMessage = st.Errors[0].Title
				}
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

func parseUnix(ts string) time.Time {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
