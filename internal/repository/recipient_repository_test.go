package repository_test

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

const counterQuery = `UPDATE campaigns c SET total_recipients = s.total,.*FROM recipients WHERE campaign_id=\$1 \) s WHERE c.id=\$1 RETURNING`

var counterColumns = []string{"total_recipients", "total_sent", "total_delivered", "total_read", "total_failed"}

const applyQuery = `UPDATE recipients SET status=\$1,.*WHERE provider_message_id=\$5 AND status = ANY\(\$6\) RETURNING campaign_id`

func TestApplyStatusEventGuardsAndReconcilesInOneTx(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.RecipientRepository{DB: db}
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(applyQuery).
		WithArgs("delivered", at, "", "", "wamid.1", `{"sent"}`).
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id"}).AddRow(9))
	mock.ExpectQuery(counterQuery).
		WithArgs(9).
		WillReturnRows(sqlmock.NewRows(counterColumns).AddRow(3, 2, 1, 0, 0))
	mock.ExpectCommit()

	campaignID, applied, err := repo.ApplyStatusEvent(context.Background(), model.StatusEvent{
		ProviderMessageID: "wamid.1", Status: model.RecipientDelivered, OccurredAt: at,
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 9, campaignID)
}

func TestApplyStatusEventAllowedPriors(t *testing.T) {
	cases := []struct {
		status model.RecipientStatus
		priors string
	}{
		{model.RecipientDelivered, `{"sent"}`},
		{model.RecipientRead, `{"sent","delivered"}`},
		{model.RecipientFailed, `{"sent","delivered"}`},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			db, mock := newMock(t)
			repo := &repository.RecipientRepository{DB: db}

			mock.ExpectBegin()
			mock.ExpectQuery(applyQuery).
				WithArgs(string(tc.status), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "wamid.2", tc.priors).
				WillReturnRows(sqlmock.NewRows([]string{"campaign_id"}))
			mock.ExpectRollback()

			_, applied, err := repo.ApplyStatusEvent(context.Background(), model.StatusEvent{
				ProviderMessageID: "wamid.2", Status: tc.status, OccurredAt: time.Now(),
			})
			require.NoError(t, err)
			assert.False(t, applied)
		})
	}
}

func TestApplyStatusEventRedeliveryTouchesNothing(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.RecipientRepository{DB: db}

	// the guard matched no row, so counters are not recomputed
	mock.ExpectBegin()
	mock.ExpectQuery(applyQuery).WillReturnRows(sqlmock.NewRows([]string{"campaign_id"}))
	mock.ExpectRollback()

	campaignID, applied, err := repo.ApplyStatusEvent(context.Background(), model.StatusEvent{
		ProviderMessageID: "wamid.1", Status: model.RecipientDelivered, OccurredAt: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Zero(t, campaignID)
}

func TestApplyStatusEventRollsBackWhenCountersFail(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.RecipientRepository{DB: db}

	mock.ExpectBegin()
	mock.ExpectQuery(applyQuery).WillReturnRows(sqlmock.NewRows([]string{"campaign_id"}).AddRow(4))
	mock.ExpectQuery(counterQuery).WithArgs(4).WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, applied, err := repo.ApplyStatusEvent(context.Background(), model.StatusEvent{
		ProviderMessageID: "wamid.9", Status: model.RecipientRead, OccurredAt: time.Now(),
	})
	require.Error(t, err)
	assert.False(t, applied)
}

func TestApplyStatusEventIgnoresUntrackedStatus(t *testing.T) {
	db, _ := newMock(t)
	repo := &repository.RecipientRepository{DB: db}

	_, applied, err := repo.ApplyStatusEvent(context.Background(), model.StatusEvent{
		ProviderMessageID: "wamid.1", Status: model.RecipientPending,
	})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestMarkAttemptFailedBoundsRetries(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.RecipientRepository{DB: db}
	at := time.Now()

	query := regexp.QuoteMeta(`SET retry_count = retry_count + 1, status = CASE WHEN retry_count + 1 >= $1 THEN 'failed' ELSE 'pending' END`) +
		`.*WHERE id=\$5 RETURNING status`

	mock.ExpectQuery(query).
		WithArgs(3, "131026", "Message undeliverable", at, 41).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))
	mock.ExpectQuery(query).
		WithArgs(3, "131026", "Message undeliverable", at, 41).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("failed"))

	status, err := repo.MarkAttemptFailed(context.Background(), 41, "131026", "Message undeliverable", 3, at)
	require.NoError(t, err)
	assert.Equal(t, model.RecipientPending, status)

	status, err = repo.MarkAttemptFailed(context.Background(), 41, "131026", "Message undeliverable", 3, at)
	require.NoError(t, err)
	assert.Equal(t, model.RecipientFailed, status)
}

func TestUpsertBatchKeysOnContact(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.RecipientRepository{DB: db}
	queued := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(
		`INSERT INTO recipients (campaign_id, contact_key, phone, name, variables, queued_at) VALUES ($1, $2, $3, $4, $5, $6), ($7, $8, $9, $10, $11, $12) ON CONFLICT (campaign_id, contact_key) DO NOTHING`)).
		WithArgs(
			5, "contact:1", "254711000001", "Amina", sqlmock.AnyArg(), queued,
			5, "import:254722000111", "254722000111", "", sqlmock.AnyArg(), queued.Add(time.Microsecond),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpsertBatch(context.Background(), 5, []*model.Recipient{
		{ContactKey: "contact:1", Phone: "254711000001", Name: "Amina", QueuedAt: queued},
		{ContactKey: "import:254722000111", Phone: "254722000111", QueuedAt: queued.Add(time.Microsecond)},
	})
	require.NoError(t, err)

	// nothing to write, no statement
	require.NoError(t, repo.UpsertBatch(context.Background(), 5, nil))
}

func TestClaimPendingIsFIFO(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.RecipientRepository{DB: db}
	now := time.Now()

	cols := []string{"id", "campaign_id", "contact_key", "phone", "name", "variables", "status", "retry_count",
		"provider_message_id", "error_code", "error_message",
		"queued_at", "sent_at", "delivered_at", "read_at", "failed_at", "updated_at"}
	mock.ExpectQuery(`FROM recipients WHERE campaign_id=\$1 AND status='pending' ORDER BY queued_at, id LIMIT \$2`).
		WithArgs(5, 2).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(1, 5, "contact:1", "254711000001", "Amina", []byte(`{"body":{"1":"Amina"}}`), "pending", 0, "", "", "", now, nil, nil, nil, nil, now).
			AddRow(2, 5, "contact:2", "254711000002", "Brian", []byte(`{"body":{"1":"Brian"}}`), "pending", 1, "", "131026", "busy", now, nil, nil, nil, now, now))

	rows, err := repo.ClaimPending(context.Background(), 5, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Amina", rows[0].Variables.Body["1"])
	assert.Equal(t, 1, rows[1].RetryCount)
	assert.NotNil(t, rows[1].FailedAt)
	assert.Nil(t, rows[0].SentAt)
}

func TestRequeueRetryableSkipsAcceptedRows(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.RecipientRepository{DB: db}

	mock.ExpectExec(regexp.QuoteMeta(`WHERE campaign_id=$1 AND status='failed' AND retry_count < $2 AND provider_message_id IS NULL`)).
		WithArgs(5, 3).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.RequeueRetryable(context.Background(), 5, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRefreshCounters(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.RecipientRepository{DB: db}

	mock.ExpectQuery(counterQuery).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows(counterColumns).AddRow(10, 7, 5, 2, 3))

	c, err := repo.RefreshCounters(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, model.Counters{TotalRecipients: 10, TotalSent: 7, TotalDelivered: 5, TotalRead: 2, TotalFailed: 3}, c)
}

func TestStatsFillsMissingStatuses(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.RecipientRepository{DB: db}

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM recipients WHERE campaign_id=\$1 GROUP BY status`).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("sent", 4).AddRow("failed", 1))

	stats, err := repo.Stats(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 4, stats[model.RecipientSent])
	assert.Equal(t, 1, stats[model.RecipientFailed])
	assert.Contains(t, stats, model.RecipientPending)
	assert.Zero(t, stats[model.RecipientPending])
}
