package upto

import (
	"context"
	"sync"
	"time"

	x402 "github.com/x402payments/facilitator"
)

// Reason codes the sweeper attaches to orchestrator invocations.
const (
	ReasonPeriodic            = "periodic"
	ReasonIdle                = "idle"
	ReasonDeadlineApproaching = "deadline_approaching"
)

// UptoSweeper periodically (and on explicit Kick) invokes the orchestrator
// across every open session, closing out any whose deadline has entered the
// buffer window.
type UptoSweeper struct {
	store        *UptoSessionStore
	orchestrator *UptoSettlementOrchestrator
	logger       x402.Logger

	interval          time.Duration
	deadlineBufferSec int64
	nowFn             func() int64

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// SweeperOption configures a UptoSweeper at construction.
type SweeperOption func(*UptoSweeper)

// WithInterval overrides the default periodic sweep cadence.
func WithInterval(d time.Duration) SweeperOption {
	return func(sw *UptoSweeper) { sw.interval = d }
}

// WithDeadlineBuffer overrides the default deadline buffer in seconds.
func WithDeadlineBuffer(sec int64) SweeperOption {
	return func(sw *UptoSweeper) { sw.deadlineBufferSec = sec }
}

// withNow overrides the sweeper's clock; for tests only.
func withNow(fn func() int64) SweeperOption {
	return func(sw *UptoSweeper) { sw.nowFn = fn }
}

// NewUptoSweeper constructs a sweeper bound to store via orchestrator.
func NewUptoSweeper(store *UptoSessionStore, orchestrator *UptoSettlementOrchestrator, logger x402.Logger, opts ...SweeperOption) *UptoSweeper {
	sw := &UptoSweeper{
		store:             store,
		orchestrator:      orchestrator,
		logger:            logger,
		interval:          30 * time.Second,
		deadlineBufferSec: 60,
		nowFn:             func() int64 { return time.Now().Unix() },
		kick:              make(chan struct{}, 1),
		stop:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// Start launches the sweeper's background loop. Call Stop to shut it down.
func (sw *UptoSweeper) Start(ctx context.Context) {
	sw.wg.Add(1)
	go sw.run(ctx)
}

// Stop halts the background loop and waits for it to exit.
func (sw *UptoSweeper) Stop() {
	close(sw.stop)
	sw.wg.Wait()
}

// Kick requests an immediate out-of-band sweep, e.g. right after a session
// hits its cap. Non-blocking: a pending kick is coalesced with any already
// queued.
func (sw *UptoSweeper) Kick() {
	select {
	case sw.kick <- struct{}{}:
	default:
	}
}

func (sw *UptoSweeper) run(ctx context.Context) {
	defer sw.wg.Done()

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sw.sweep(ctx, ReasonPeriodic)
		case <-sw.kick:
			sw.sweep(ctx, ReasonIdle)
		case <-sw.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep runs one pass over every known session, settling sessions near
// their deadline with closeAfter=true and everything else with the given
// reason and closeAfter=false.
func (sw *UptoSweeper) sweep(ctx context.Context, reason string) {
	now := sw.nowFn()
	for _, id := range sw.store.Iterate() {
		session, ok := sw.store.Get(id)
		if !ok || session.Status != StatusOpen {
			continue
		}

		if session.Deadline <= now+sw.deadlineBufferSec {
			sw.orchestrator.SettleUptoSession(ctx, id, ReasonDeadlineApproaching, true, now, sw.deadlineBufferSec)
			continue
		}

		sw.orchestrator.SettleUptoSession(ctx, id, reason, false, now, sw.deadlineBufferSec)
	}
}
