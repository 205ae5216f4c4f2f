// Package upto implements the session engine backing the x402 "upto" payment
// scheme: a concurrent session store, a settlement orchestrator, and a
// sweeper that batches many small metered charges into periodic on-chain
// settlements against a single capped permit.
package upto

import (
	"math/big"

	x402 "github.com/x402payments/facilitator"
)

// Status is a session's position in its open -> settling -> closed lifecycle.
type Status string

const (
	StatusOpen     Status = "open"
	StatusSettling Status = "settling"
	StatusClosed   Status = "closed"
)

// LastSettlement records the most recent settlement attempt for a session,
// successful or not.
type LastSettlement struct {
	AtMs    int64
	Reason  string
	Receipt x402.SettleResponse
}

// Session is one capped-spend permit's accrued state. Cap is fixed at
// creation; settledTotal and pendingSpent move under the store's per-key
// guard only — callers never mutate a Session value obtained from Get
// in place.
type Session struct {
	ID                  string
	PaymentPayload      x402.PaymentPayload
	PaymentRequirements x402.PaymentRequirements

	Cap      *big.Int
	Deadline int64 // unix seconds, from the authorization's validBefore

	SettledTotal *big.Int
	PendingSpent *big.Int

	Status Status

	LastSettlement *LastSettlement
}

// clone returns a deep-enough copy for safe handoff outside the store's
// lock — the big.Int fields are replaced, not shared, so a caller mutating
// its copy can never corrupt store state.
func (s Session) clone() Session {
	out := s
	if s.Cap != nil {
		out.Cap = new(big.Int).Set(s.Cap)
	}
	if s.SettledTotal != nil {
		out.SettledTotal = new(big.Int).Set(s.SettledTotal)
	}
	if s.PendingSpent != nil {
		out.PendingSpent = new(big.Int).Set(s.PendingSpent)
	}
	if s.LastSettlement != nil {
		ls := *s.LastSettlement
		out.LastSettlement = &ls
	}
	return out
}
