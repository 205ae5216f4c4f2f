package upto

import (
	"context"
	"math/big"

	x402 "github.com/x402payments/facilitator"
)

// UptoSettlementOrchestrator transitions a session through settling: it
// never throws to its caller, treating every facilitator-side failure as
// non-fatal and leaving pendingSpent intact for the next sweep to retry.
type UptoSettlementOrchestrator struct {
	store  *UptoSessionStore
	client x402.FacilitatorClient
	logger x402.Logger
}

// NewUptoSettlementOrchestrator constructs an orchestrator bound to store
// and the facilitator client it settles against.
func NewUptoSettlementOrchestrator(store *UptoSessionStore, client x402.FacilitatorClient, logger x402.Logger) *UptoSettlementOrchestrator {
	return &UptoSettlementOrchestrator{store: store, client: client, logger: logger}
}

// SettleUptoSession is the entry point spec names settleUptoSession: win the
// open->settling CAS, settle whatever was actually pending at that instant,
// and persist the outcome. deadlineBufferSec defaults to 60 when zero is
// passed by a caller that doesn't care.
func (o *UptoSettlementOrchestrator) SettleUptoSession(ctx context.Context, sessionID string, reason string, closeAfter bool, now int64, deadlineBufferSec int64) {
	if deadlineBufferSec == 0 {
		deadlineBufferSec = 60
	}

	// TransitionAndSnapshot reads PendingSpent atomically with the CAS, so
	// no Accrue landing after this call can be settled on a stale amount or
	// discarded when the settle succeeds (Accrue itself is gated on
	// status==open, which the CAS has already closed off by the time this
	// returns).
	session, transitioned := o.store.TransitionAndSnapshot(sessionID, StatusOpen, StatusSettling)
	if !transitioned {
		// Not open, not found, or another sweeper already won the race.
		return
	}

	if session.PendingSpent.Sign() == 0 {
		if closeAfter {
			o.store.Transition(sessionID, StatusSettling, StatusClosed)
		} else {
			o.store.Transition(sessionID, StatusSettling, StatusOpen)
		}
		return
	}

	settleAmount := new(big.Int).Set(session.PendingSpent)
	overridden := session.PaymentRequirements
	overridden.Amount = settleAmount.String()

	receipt := o.callSettle(ctx, session.PaymentPayload, overridden)

	o.store.Mutate(sessionID, func(s Session) Session {
		if receipt.Success {
			s.SettledTotal = new(big.Int).Add(s.SettledTotal, settleAmount)
			s.PendingSpent = new(big.Int).Sub(s.PendingSpent, settleAmount)
		}
		s.LastSettlement = &LastSettlement{AtMs: now * 1000, Reason: reason, Receipt: receipt}

		if closeAfter || s.SettledTotal.Cmp(s.Cap) >= 0 || s.Deadline <= now+deadlineBufferSec {
			s.Status = StatusClosed
		} else {
			s.Status = StatusOpen
		}
		return s
	})
}

// callSettle invokes the facilitator client, converting any error into the
// settlement_failed receipt shape the orchestrator always produces —
// settle-side throws never escape to the caller.
func (o *UptoSettlementOrchestrator) callSettle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (resp x402.SettleResponse) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("upto: settle panic recovered: %v", r)
			resp = x402.SettleResponse{Success: false, ErrorReason: "settlement_failed", Network: requirements.Network}
		}
	}()

	result, err := o.client.Settle(ctx, payload, requirements)
	if err != nil {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: "settlement_failed",
			Network:     requirements.Network,
		}
	}
	return result
}
