package upto

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	x402 "github.com/x402payments/facilitator"
)

func TestSweeperKickTriggersSettle(t *testing.T) {
	store := NewUptoSessionStore()
	require.NoError(t, store.Create("s1", newTestSession(1_000_000, 1<<40)))
	_, err := store.Accrue("s1", big.NewInt(100_000), 0, 60)
	require.NoError(t, err)

	var mu sync.Mutex
	settleCalls := 0
	client := &mockFacilitatorClient{
		settle: func(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
			mu.Lock()
			settleCalls++
			mu.Unlock()
			return x402.SettleResponse{Success: true, Network: requirements.Network}, nil
		},
	}
	orchestrator := NewUptoSettlementOrchestrator(store, client, discardLogger{})
	sweeper := NewUptoSweeper(store, orchestrator, discardLogger{}, WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sweeper.Start(ctx)
	defer sweeper.Stop()

	sweeper.Kick()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return settleCalls == 1
	}, time.Second, 5*time.Millisecond)

	session, _ := store.Get("s1")
	require.Equal(t, big.NewInt(100_000), session.SettledTotal)
}

func TestSweeperClosesSessionNearDeadline(t *testing.T) {
	store := NewUptoSessionStore()
	require.NoError(t, store.Create("s1", newTestSession(1_000_000, 100)))
	store.Mutate("s1", func(s Session) Session {
		s.PendingSpent = big.NewInt(10_000)
		return s
	})

	client := &mockFacilitatorClient{
		settle: func(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
			return x402.SettleResponse{Success: true, Network: requirements.Network}, nil
		},
	}
	orchestrator := NewUptoSettlementOrchestrator(store, client, discardLogger{})
	sweeper := NewUptoSweeper(store, orchestrator, discardLogger{},
		WithInterval(time.Hour),
		WithDeadlineBuffer(60),
		withNow(func() int64 { return 50 }),
	)

	sweeper.sweep(context.Background(), ReasonPeriodic)

	session, _ := store.Get("s1")
	require.Equal(t, StatusClosed, session.Status)
}

func TestSweeperKickIsNonBlockingWhenAlreadyQueued(t *testing.T) {
	store := NewUptoSessionStore()
	sweeper := NewUptoSweeper(store, nil, discardLogger{})

	sweeper.Kick()
	sweeper.Kick() // must not block even though the buffered slot is full
}
