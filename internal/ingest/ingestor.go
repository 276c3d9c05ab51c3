// Package ingest applies provider delivery-status events to the recipient
// ledger.
package ingest

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
)

// Result summarises one Apply call.
type Result struct {
	Received int `json:"received"`
	Applied  int `json:"applied"`
	Ignored  int `json:"ignored"`
}

type Ingestor struct {
	Recipients repository.RecipientRepositoryInterface
	Logger     zerolog.Logger
}

func NewIngestor(recipients repository.RecipientRepositoryInterface, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		Recipients: recipients,
		Logger:     logger.With().Str("component", "ingest").Logger(),
	}
}

// Apply is safe under redelivery: an event that does not advance its row
// (unknown id, duplicate, late or regressive) is ignored without error.
// It stops at the first storage error so the caller can retry the batch.
func (i *Ingestor) Apply(ctx context.Context, events []model.StatusEvent) (Result, error) {
	res := Result{Received: len(events)}
	for _, ev := range events {
		if ev.ProviderMessageID == "" || len(model.PriorsFor(ev.Status)) == 0 {
			res.Ignored++
			continue
		}
		campaignID, applied, err := i.Recipients.ApplyStatusEvent(ctx, ev)
		if err != nil {
			return res, fmt.Errorf("apply status %s for %s: %w", ev.Status, ev.ProviderMessageID, err)
		}
		if !applied {
			res.Ignored++
			i.Logger.Debug().
				Str("message_id", ev.ProviderMessageID).
				Str("status", string(ev.Status)).
				Msg("status event ignored")
			continue
		}
		res.Applied++
		i.Logger.Debug().
			Int("campaign_id", campaignID).
			Str("message_id", ev.ProviderMessageID).
			Str("status", string(ev.Status)).
			Msg("status event applied")
	}
	return res, nil
}
