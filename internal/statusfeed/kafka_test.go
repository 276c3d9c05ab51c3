package statusfeed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/unclebandit/campaign-dispatch/internal/ingest"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) offsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeApplier struct {
	mu       sync.Mutex
	failures int
	calls    int
	events   []model.StatusEvent
}

func (a *fakeApplier) Apply(_ context.Context, events []model.StatusEvent) (ingest.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.failures > 0 {
		a.failures--
		return ingest.Result{}, errors.New("db down")
	}
	a.events = append(a.events, events...)
	return ingest.Result{Received: len(events), Applied: len(events)}, nil
}

const deliveredBody = `{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{"statuses":[{"id":"wamid.9","status":"delivered","timestamp":"1700000000"}]}}]}]}`

func runUntil(t *testing.T, c *Consumer, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	require.Eventually(t, done, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
}

func TestConsumerCommitsAfterApply(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{{Offset: 7, Value: []byte(deliveredBody)}}}
	applier := &fakeApplier{}
	c := NewConsumer(reader, applier, zerolog.Nop())

	runUntil(t, c, func() bool { return len(reader.offsets()) == 1 })

	assert.Equal(t, []int64{7}, reader.offsets())
	require.Len(t, applier.events, 1)
	assert.Equal(t, "wamid.9", applier.events[0].ProviderMessageID)
	assert.Equal(t, model.RecipientDelivered, applier.events[0].Status)
}

func TestConsumerRetriesApplyBeforeCommit(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{{Offset: 3, Value: []byte(deliveredBody)}}}
	applier := &fakeApplier{failures: 2}
	c := NewConsumer(reader, applier, zerolog.Nop())
	c.Backoff = time.Millisecond

	runUntil(t, c, func() bool { return len(reader.offsets()) == 1 })

	applier.mu.Lock()
	defer applier.mu.Unlock()
	assert.Equal(t, 3, applier.calls)
}

func TestConsumerSkipsUndecodablePayload(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte("not json")},
		{Offset: 2, Value: []byte(deliveredBody)},
	}}
	applier := &fakeApplier{}
	c := NewConsumer(reader, applier, zerolog.Nop())

	runUntil(t, c, func() bool { return len(reader.offsets()) == 2 })

	assert.Equal(t, []int64{1, 2}, reader.offsets())
	applier.mu.Lock()
	defer applier.mu.Unlock()
	assert.Equal(t, 1, applier.calls)
}
