package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/lease"
)

// Runner owns one dispatch goroutine per running campaign in this process
// and guards each with a lease so no other process dispatches it too.
type Runner struct {
	Dispatcher *Dispatcher
	Locker     lease.Locker
	LeaseTTL   time.Duration
	Logger     zerolog.Logger

	mu      sync.Mutex
	active  map[int]*task
	wg      sync.WaitGroup
	base    context.Context
	stopAll context.CancelFunc
}

func NewRunner(d *Dispatcher, locker lease.Locker, leaseTTL time.Duration, logger zerolog.Logger) *Runner {
	base, stopAll := context.WithCancel(context.Background())
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	return &Runner{
		Dispatcher: d,
		Locker:     locker,
		LeaseTTL:   leaseTTL,
		Logger:     logger.With().Str("component", "runner").Logger(),
		active:     map[int]*task{},
		base:       base,
		stopAll:    stopAll,
	}
}

type task struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool
}

// Start launches a dispatch task for the campaign. It returns false when
// this process already runs one for it. A task that is stopping is
// replaced: the new one waits for it to exit first.
func (r *Runner) Start(campaignID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.active[campaignID]
	if ok && !prev.stopping {
		return false
	}
	if r.base.Err() != nil {
		return false
	}
	ctx, cancel := context.WithCancel(r.base)
	t := &task{cancel: cancel, done: make(chan struct{})}
	r.active[campaignID] = t
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			if r.active[campaignID] == t {
				delete(r.active, campaignID)
			}
			r.mu.Unlock()
			cancel()
			close(t.done)
		}()
		if prev != nil {
			<-prev.done
		}
		outcome, err := r.Dispatch(ctx, campaignID)
		ev := r.Logger.Info()
		if err != nil {
			ev = r.Logger.Error().Err(err)
		}
		ev.Int("campaign_id", campaignID).Stringer("outcome", outcome).Msg("dispatch task finished")
	}()
	return true
}

// Stop cancels the campaign's dispatch task, if any. The task finishes the
// send in flight and exits.
func (r *Runner) Stop(campaignID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.active[campaignID]; ok {
		t.stopping = true
		t.cancel()
	}
}

func (r *Runner) Active(campaignID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.active[campaignID]
	return ok && !t.stopping
}

// Dispatch holds the campaign's lease for the duration of one Dispatcher
// run. Losing the lease cancels the run.
func (r *Runner) Dispatch(ctx context.Context, campaignID int) (Outcome, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, r.LeaseTTL)
	held, err := r.Locker.Acquire(acquireCtx, lease.Key(campaignID), r.LeaseTTL)
	cancel()
	if errors.Is(err, lease.ErrNotAcquired) {
		return Skipped, nil
	}
	if err != nil {
		return Skipped, err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		r.heartbeat(runCtx, cancelRun, held, campaignID)
	}()

	defer func() {
		cancelRun()
		<-heartbeatDone
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.LeaseTTL)
		defer cancel()
		if err := held.Release(releaseCtx); err != nil {
			r.Logger.Warn().Err(err).Int("campaign_id", campaignID).Msg("lease release failed")
		}
	}()

	return r.Dispatcher.Run(runCtx, campaignID)
}

func (r *Runner) heartbeat(ctx context.Context, cancelRun context.CancelFunc, held lease.Lease, campaignID int) {
	ticker := time.NewTicker(r.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, r.LeaseTTL/3)
			err := held.Refresh(refreshCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				r.Logger.Error().Err(err).Int("campaign_id", campaignID).Msg("dispatch lease lost, stopping")
				cancelRun()
				return
			}
		}
	}
}

// Shutdown cancels every task and waits for them to exit or ctx to end.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.stopAll()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
