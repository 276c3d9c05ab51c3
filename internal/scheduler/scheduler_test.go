package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/unclebandit/campaign-dispatch/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingTrigger struct {
	calls atomic.Int32
	err   error
}

func (t *countingTrigger) RunDueCampaigns(ctx context.Context, now time.Time) (*service.TriggerResult, error) {
	t.calls.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("trigger run without deadline")
	}
	if t.err != nil {
		return nil, t.err
	}
	return &service.TriggerResult{Promoted: 1}, nil
}

func TestRunOnce(t *testing.T) {
	trig := &countingTrigger{}
	s := New(trig, time.Second, zerolog.Nop())

	s.RunOnce(context.Background())
	trig.err = errors.New("db down")
	s.RunOnce(context.Background())

	assert.Equal(t, int32(2), trig.calls.Load())
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := New(&countingTrigger{}, 0, zerolog.Nop())
	assert.Error(t, s.Start("every now and then"))
	s.Stop(context.Background())
}

func TestStartFiresTrigger(t *testing.T) {
	trig := &countingTrigger{}
	s := New(trig, time.Second, zerolog.Nop())

	require.NoError(t, s.Start("@every 1s"))
	require.NoError(t, s.Start("@every 1s"), "second start is a no-op")

	require.Eventually(t, func() bool { return trig.calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
