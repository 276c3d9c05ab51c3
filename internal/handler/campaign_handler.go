// internal/handler/campaign_handler.go
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/ingest"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/provider"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

const maxWebhookBody = 1 << 20

type StatusApplier interface {
	Apply(ctx context.Context, events []model.StatusEvent) (ingest.Result, error)
}

type DueCampaignRunner interface {
	RunDueCampaigns(ctx context.Context, now time.Time) (*service.TriggerResult, error)
}

// CampaignHandler serves the provider-facing webhook and the background
// trigger. Neither is part of the operator API.
type CampaignHandler struct {
	Ingest        StatusApplier
	Trigger       DueCampaignRunner
	VerifyToken   string
	TriggerSecret string
	// AppSecret, when set, makes signed webhook bodies mandatory.
	AppSecret string
	Logger    zerolog.Logger
}

func (h *CampaignHandler) Routes(r chi.Router) {
	r.Get("/webhooks/provider", h.VerifyWebhook)
	r.Post("/webhooks/provider", h.ReceiveWebhook)
	r.Post("/internal/trigger", h.RunTrigger)
}

// VerifyWebhook answers the provider's subscription handshake.
func (h *CampaignHandler) VerifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || h.VerifyToken == "" || !equalSecret(q.Get("hub.verify_token"), h.VerifyToken) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// ReceiveWebhook applies delivery-status callbacks. Redelivered payloads
// are harmless. A 5xx asks the provider to retry.
func (h *CampaignHandler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if h.AppSecret != "" && !provider.VerifySignature(body, r.Header.Get(provider.SignatureHeader), h.AppSecret) {
		h.Logger.Warn().Str("remote", r.RemoteAddr).Msg("webhook signature mismatch")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	events, err := provider.ParseWebhook(body)
	if err != nil {
		h.Logger.Warn().Err(err).Msg("rejected webhook payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	res, err := h.Ingest.Apply(r.Context(), events)
	if err != nil {
		h.Logger.Error().Err(err).Int("events", len(events)).Msg("status ingestion failed")
		http.Error(w, "ingestion failed", http.StatusInternalServerError)
		return
	}

	h.Logger.Debug().Int("received", res.Received).Int("applied", res.Applied).Int("ignored", res.Ignored).Msg("webhook processed")
	writeJSON(w, http.StatusOK, res)
}

// RunTrigger promotes due scheduled campaigns and re-enqueues running ones.
// It requires the shared trigger secret as a bearer token.
func (h *CampaignHandler) RunTrigger(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	res, err := h.Trigger.RunDueCampaigns(r.Context(), time.Now().UTC())
	if err != nil {
		h.Logger.Error().Err(err).Msg("trigger run failed")
		http.Error(w, "trigger failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *CampaignHandler) authorized(r *http.Request) bool {
	if h.TriggerSecret == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && equalSecret(strings.TrimSpace(token), h.TriggerSecret)
}

func equalSecret(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
