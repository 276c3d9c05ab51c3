package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

type RecipientRepository struct {
	DB *sql.DB
}

const recipientColumns = `id, campaign_id, contact_key, phone, name, variables, status, retry_count,
    COALESCE(provider_message_id, ''), error_code, error_message,
    queued_at, sent_at, delivered_at, read_at, failed_at, updated_at`

func scanRecipient(row rowScanner) (*model.Recipient, error) {
	var r model.Recipient
	err := row.Scan(
		&r.ID, &r.CampaignID, &r.ContactKey, &r.Phone, &r.Name, &r.Variables, &r.Status, &r.RetryCount,
		&r.ProviderMessageID, &r.ErrorCode, &r.ErrorMessage,
		&r.QueuedAt, &r.SentAt, &r.DeliveredAt, &r.ReadAt, &r.FailedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertBatch writes one multi-row insert per call; callers chunk.
func (r *RecipientRepository) UpsertBatch(ctx context.Context, campaignID int, rows []*model.Recipient) error {
	if len(rows) == 0 {
		return nil
	}
	const cols = 6
	var sb strings.Builder
	sb.WriteString(`INSERT INTO recipients (campaign_id, contact_key, phone, name, variables, queued_at) VALUES `)
	args := make([]any, 0, len(rows)*cols)
	for i, rec := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * cols
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5, base+6)
		queued := rec.QueuedAt
		if queued.IsZero() {
			queued = time.Now()
		}
		args = append(args, campaignID, rec.ContactKey, rec.Phone, rec.Name, rec.Variables, queued)
	}
	sb.WriteString(` ON CONFLICT (campaign_id, contact_key) DO NOTHING`)

	_, err := r.DB.ExecContext(ctx, sb.String(), args...)
	return err
}

func (r *RecipientRepository) ClaimPending(ctx context.Context, campaignID, limit int) ([]*model.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients
        WHERE campaign_id=$1 AND status='pending'
        ORDER BY queued_at, id
        LIMIT $2`
	rows, err := r.DB.QueryContext(ctx, query, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *RecipientRepository) RequeueRetryable(ctx context.Context, campaignID, maxRetries int) (int, error) {
	query := `
        UPDATE recipients SET status='pending', updated_at=NOW()
        WHERE campaign_id=$1 AND status='failed' AND retry_count < $2 AND provider_message_id IS NULL
    `
	res, err := r.DB.ExecContext(ctx, query, campaignID, maxRetries)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *RecipientRepository) MarkSent(ctx context.Context, id int, providerMessageID string, at time.Time) error {
	query := `
        UPDATE recipients
        SET status='sent', provider_message_id=$1, sent_at=$2, error_code='', error_message='', updated_at=NOW()
        WHERE id=$3
    `
	_, err := r.DB.ExecContext(ctx, query, providerMessageID, at, id)
	return err
}

func (r *RecipientRepository) MarkAttemptFailed(ctx context.Context, id int, code, message string, maxRetries int, at time.Time) (model.RecipientStatus, error) {
	query := `
        UPDATE recipients
        SET retry_count = retry_count + 1,
            status = CASE WHEN retry_count + 1 >= $1 THEN 'failed' ELSE 'pending' END,
            error_code=$2, error_message=$3, failed_at=$4, updated_at=NOW()
        WHERE id=$5
        RETURNING status
    `
	var status model.RecipientStatus
	err := r.DB.QueryRowContext(ctx, query, maxRetries, code, message, at, id).Scan(&status)
	return status, err
}

// ApplyStatusEvent runs in one transaction: the guarded row update and the
// counter reconciliation commit together, so a redelivered event changes
// neither.
func (r *RecipientRepository) ApplyStatusEvent(ctx context.Context, ev model.StatusEvent) (int, bool, error) {
	priors := model.PriorsFor(ev.Status)
	if len(priors) == 0 {
		return 0, false, nil
	}
	allowed := make([]string, len(priors))
	for i, p := range priors {
		allowed[i] = string(p)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	query := `
        UPDATE recipients
        SET status=$1,
            delivered_at = CASE WHEN $1 IN ('delivered', 'read') THEN COALESCE(delivered_at, $2) ELSE delivered_at END,
            read_at = CASE WHEN $1 = 'read' THEN $2 ELSE read_at END,
            failed_at = CASE WHEN $1 = 'failed' THEN $2 ELSE failed_at END,
            error_code = CASE WHEN $1 = 'failed' THEN $3 ELSE error_code END,
            error_message = CASE WHEN $1 = 'failed' THEN $4 ELSE error_message END,
            updated_at=NOW()
        WHERE provider_message_id=$5 AND status = ANY($6)
        RETURNING campaign_id
    `
	var campaignID int
	err = tx.QueryRowContext(ctx, query, string(ev.Status), ev.OccurredAt, ev.ErrorCode, ev.ErrorMessage,
		ev.ProviderMessageID, pq.Array(allowed)).Scan(&campaignID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	if _, err := refreshCounters(ctx, tx, campaignID); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return campaignID, true, nil
}

func (r *RecipientRepository) RefreshCounters(ctx context.Context, campaignID int) (model.Counters, error) {
	return refreshCounters(ctx, r.DB, campaignID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func refreshCounters(ctx context.Context, q queryer, campaignID int) (model.Counters, error) {
	query := `
        UPDATE campaigns c SET
            total_recipients = s.total,
            total_sent = s.sent,
            total_delivered = s.delivered,
            total_read = s.read,
            total_failed = s.failed,
            updated_at = NOW()
        FROM (
            SELECT COUNT(*) AS total,
                   COUNT(*) FILTER (WHERE status IN ('sent', 'delivered', 'read')) AS sent,
                   COUNT(*) FILTER (WHERE status IN ('delivered', 'read')) AS delivered,
                   COUNT(*) FILTER (WHERE status = 'read') AS read,
                   COUNT(*) FILTER (WHERE status = 'failed') AS failed
            FROM recipients WHERE campaign_id=$1
        ) s
        WHERE c.id=$1
        RETURNING c.total_recipients, c.total_sent, c.total_delivered, c.total_read, c.total_failed
    `
	var c model.Counters
	err := q.QueryRowContext(ctx, query, campaignID).Scan(&c.TotalRecipients, &c.TotalSent, &c.TotalDelivered, &c.TotalRead, &c.TotalFailed)
	return c, err
}

func (r *RecipientRepository) Stats(ctx context.Context, campaignID int) (map[model.RecipientStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM recipients WHERE campaign_id=$1 GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[model.RecipientStatus]int{
		model.RecipientPending:   0,
		model.RecipientSent:      0,
		model.RecipientDelivered: 0,
		model.RecipientRead:      0,
		model.RecipientFailed:    0,
	}
	for rows.Next() {
		var status model.RecipientStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (r *RecipientRepository) ListByCampaign(ctx context.Context, campaignID int, status string, offset, limit int) ([]*model.Recipient, int, error) {
	where := ` WHERE campaign_id=$1`
	args := []any{campaignID}
	if status != "" {
		where += ` AND status=$2`
		args = append(args, status)
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM recipients`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + recipientColumns + ` FROM recipients` + where +
		fmt.Sprintf(` ORDER BY id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []*model.Recipient{}
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)
