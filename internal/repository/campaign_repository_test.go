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

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
)

const transitionQuery = `UPDATE campaigns SET status=\$1,.*WHERE id=\$2 AND status = ANY\(\$3\)`

func TestTransitionStatusIsCompareAndSwap(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.CampaignRepository{DB: db}
	ctx := context.Background()

	mock.ExpectExec(transitionQuery).
		WithArgs("running", 5, `{"draft","scheduled"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(transitionQuery).
		WithArgs("running", 5, `{"draft","scheduled"}`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.TransitionStatus(ctx, 5, []model.CampaignStatus{model.CampaignDraft, model.CampaignScheduled}, model.CampaignRunning)
	require.NoError(t, err)
	assert.True(t, ok)

	// the row already moved on
	ok, err = repo.TransitionStatus(ctx, 5, []model.CampaignStatus{model.CampaignDraft, model.CampaignScheduled}, model.CampaignRunning)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransitionStatusStampsTimes(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.CampaignRepository{DB: db}

	mock.ExpectExec(regexp.QuoteMeta(`started_at = CASE WHEN $1 = 'running' THEN COALESCE(started_at, NOW()) ELSE started_at END, completed_at = CASE WHEN $1 IN ('completed', 'failed', 'cancelled') THEN NOW() ELSE completed_at END`)).
		WithArgs("completed", 8, `{"running"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.TransitionStatus(context.Background(), 8, []model.CampaignStatus{model.CampaignRunning}, model.CampaignCompleted)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTransitionStatusPropagatesErrors(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.CampaignRepository{DB: db}

	mock.ExpectExec(transitionQuery).WillReturnError(errors.New("connection reset"))

	ok, err := repo.TransitionStatus(context.Background(), 5, []model.CampaignStatus{model.CampaignRunning}, model.CampaignPaused)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestGetStatusNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.CampaignRepository{DB: db}

	mock.ExpectQuery(`SELECT status FROM campaigns WHERE id=\$1`).
		WithArgs(404).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetStatus(context.Background(), 404)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestDeleteRefusesRunning(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.CampaignRepository{DB: db}
	ctx := context.Background()
	deleteQuery := regexp.QuoteMeta(`DELETE FROM campaigns WHERE id=$1 AND status <> 'running'`)

	mock.ExpectExec(deleteQuery).WithArgs(3).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Delete(ctx, 3))

	mock.ExpectExec(deleteQuery).WithArgs(4).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM campaigns WHERE id=\$1`).
		WithArgs(4).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))
	assert.ErrorIs(t, repo.Delete(ctx, 4), appErrors.ErrCampaignRunning)

	mock.ExpectExec(deleteQuery).WithArgs(5).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM campaigns WHERE id=\$1`).
		WithArgs(5).
		WillReturnError(sql.ErrNoRows)
	assert.True(t, appErrors.IsNotFound(repo.Delete(ctx, 5)))
}

func TestListDueOrdersBySchedule(t *testing.T) {
	db, mock := newMock(t)
	repo := &repository.CampaignRepository{DB: db}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	scheduled := now.Add(-time.Hour)

	cols := []string{"id", "tenant_id", "name", "status", "template_name", "template_language", "audience", "bindings", "pacing",
		"scheduled_at", "total_recipients", "total_sent", "total_delivered", "total_read", "total_failed",
		"created_at", "started_at", "completed_at", "updated_at"}
	mock.ExpectQuery(`WHERE status=\$1 AND scheduled_at IS NOT NULL AND scheduled_at <= \$2 ORDER BY scheduled_at, id LIMIT \$3`).
		WithArgs("scheduled", now, 100).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			12, 1, "Flash sale", "scheduled", "flash_v1", "en",
			[]byte(`{"type":"tag","tags":["vip"]}`), []byte(`{}`), []byte(`{"delay_ms":250}`),
			scheduled, 0, 0, 0, 0, 0,
			now.Add(-2*time.Hour), nil, nil, now.Add(-2*time.Hour),
		))

	due, err := repo.ListDue(context.Background(), now, 100)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 12, due[0].ID)
	assert.Equal(t, model.CampaignScheduled, due[0].Status)
	assert.Equal(t, model.AudienceTag, due[0].Audience.Type)
	require.NotNil(t, due[0].ScheduledAt)
	assert.True(t, due[0].ScheduledAt.Equal(scheduled))
	assert.Nil(t, due[0].StartedAt)
}
