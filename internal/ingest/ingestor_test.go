package ingest

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository/memory"
)

// sentCampaign returns a campaign whose recipients were all accepted by the
// provider as wamid.1..n.
func sentCampaign(t *testing.T, store *memory.Store, n int) int {
	t.Helper()
	ctx := context.Background()
	c := &model.Campaign{TenantID: 1, Name: "n", TemplateName: "tpl", Status: model.CampaignRunning}
	require.NoError(t, store.Campaigns().Create(ctx, c))

	var rows []*model.Recipient
	for i := 1; i <= n; i++ {
		phone := "2547000000" + strconv.Itoa(10+i)
		rows = append(rows, &model.Recipient{ContactKey: "import:" + phone, Phone: phone})
	}
	require.NoError(t, store.Recipients().UpsertBatch(ctx, c.ID, rows))

	claimed, err := store.Recipients().ClaimPending(ctx, c.ID, n)
	require.NoError(t, err)
	for i, r := range claimed {
		require.NoError(t, store.Recipients().MarkSent(ctx, r.ID, wamid(i+1), time.Now()))
	}
	_, err = store.Recipients().RefreshCounters(ctx, c.ID)
	require.NoError(t, err)
	return c.ID
}

func wamid(i int) string { return "wamid." + strconv.Itoa(i) }

func event(id string, st model.RecipientStatus) model.StatusEvent {
	return model.StatusEvent{ProviderMessageID: id, Status: st, OccurredAt: time.Now()}
}

func TestApplyUnknownMessageIsNoop(t *testing.T) {
	store := memory.NewStore()
	id := sentCampaign(t, store, 1)
	in := NewIngestor(store.Recipients(), zerolog.Nop())

	res, err := in.Apply(context.Background(), []model.StatusEvent{event("wamid.unknown", model.RecipientDelivered)})
	require.NoError(t, err)
	assert.Equal(t, Result{Received: 1, Applied: 0, Ignored: 1}, res)

	c, _ := store.Campaigns().GetByID(context.Background(), id)
	assert.Equal(t, 0, c.TotalDelivered)
	assert.Equal(t, 1, c.TotalSent)
}

func TestApplyIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	id := sentCampaign(t, store, 2)
	in := NewIngestor(store.Recipients(), zerolog.Nop())
	batch := []model.StatusEvent{event(wamid(1), model.RecipientDelivered)}

	res, err := in.Apply(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	res, err = in.Apply(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied)

	c, _ := store.Campaigns().GetByID(context.Background(), id)
	assert.Equal(t, 1, c.TotalDelivered)
	assert.Equal(t, 2, c.TotalSent)
}

func TestApplyIsMonotonic(t *testing.T) {
	store := memory.NewStore()
	id := sentCampaign(t, store, 1)
	in := NewIngestor(store.Recipients(), zerolog.Nop())

	res, err := in.Apply(context.Background(), []model.StatusEvent{
		event(wamid(1), model.RecipientRead),
		event(wamid(1), model.RecipientDelivered),
		event(wamid(1), model.RecipientSent),
		event(wamid(1), model.RecipientFailed),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 3, res.Ignored)

	rows, _, _ := store.Recipients().ListByCampaign(context.Background(), id, "", 0, 10)
	require.Len(t, rows, 1)
	assert.Equal(t, model.RecipientRead, rows[0].Status)
	assert.NotNil(t, rows[0].DeliveredAt)

	c, _ := store.Campaigns().GetByID(context.Background(), id)
	assert.Equal(t, 1, c.TotalRead)
	assert.Equal(t, 1, c.TotalDelivered)
	assert.LessOrEqual(t, c.TotalRead, c.TotalDelivered)
	assert.LessOrEqual(t, c.TotalDelivered, c.TotalSent)
}

func TestApplyProviderFailureIsTerminal(t *testing.T) {
	store := memory.NewStore()
	id := sentCampaign(t, store, 1)
	in := NewIngestor(store.Recipients(), zerolog.Nop())

	ev := event(wamid(1), model.RecipientFailed)
	ev.ErrorCode, ev.ErrorMessage = "131047", "re-engagement window closed"
	_, err := in.Apply(context.Background(), []model.StatusEvent{ev})
	require.NoError(t, err)

	n, _ := store.Recipients().RequeueRetryable(context.Background(), id, 3)
	assert.Zero(t, n, "provider-accepted rows are never requeued")

	c, _ := store.Campaigns().GetByID(context.Background(), id)
	assert.Equal(t, 1, c.TotalFailed)
	assert.Equal(t, 0, c.TotalSent)
}

type failingRecipients struct {
	*memory.RecipientRepo
}

func (failingRecipients) ApplyStatusEvent(context.Context, model.StatusEvent) (int, bool, error) {
	return 0, false, errors.New("connection refused")
}

func TestApplySurfacesStorageErrors(t *testing.T) {
	in := NewIngestor(failingRecipients{memory.NewStore().Recipients()}, zerolog.Nop())
	_, err := in.Apply(context.Background(), []model.StatusEvent{event("wamid.1", model.RecipientDelivered)})
	assert.Error(t, err)
}
