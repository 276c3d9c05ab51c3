package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// CampaignLogRepository is append-only; there is no update or delete.
type CampaignLogRepository struct {
	DB *sql.DB
}

func (r *CampaignLogRepository) Append(ctx context.Context, entry *model.CampaignLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	query := `
        INSERT INTO campaign_logs (campaign_id, level, message, created_at)
        VALUES ($1, $2, $3, $4)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query, entry.CampaignID, entry.Level, entry.Message, entry.CreatedAt).Scan(&entry.ID)
}

func (r *CampaignLogRepository) ListByCampaign(ctx context.Context, campaignID, limit int) ([]*model.CampaignLog, error) {
	query := `
        SELECT id, campaign_id, level, message, created_at
        FROM campaign_logs WHERE campaign_id=$1
        ORDER BY id DESC LIMIT $2
    `
	rows, err := r.DB.QueryContext(ctx, query, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []*model.CampaignLog{}
	for rows.Next() {
		var l model.CampaignLog
		if err := rows.Scan(&l.ID, &l.CampaignID, &l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

var _ CampaignLogRepositoryInterface = (*CampaignLogRepository)(nil)
