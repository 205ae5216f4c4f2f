package upto

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"
)

// entry pairs a session with the lock serializing every read-modify-write
// against it, so mutations of different sessions never contend on one lock.
type entry struct {
	mu      sync.Mutex
	session Session
}

// UptoSessionStore is a keyed concurrent store of upto session state. All
// mutators are serialized per session id; the store's own mutex only
// protects the top-level map, never a session's fields.
type UptoSessionStore struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewUptoSessionStore constructs an empty store.
func NewUptoSessionStore() *UptoSessionStore {
	return &UptoSessionStore{entries: make(map[string]*entry)}
}

func (s *UptoSessionStore) entryFor(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	return e
}

// NewSessionID mints an opaque session identifier for callers that don't
// supply a merchant-chosen one.
func NewSessionID() string {
	return uuid.NewString()
}

// Create inserts a brand-new open session under id, failing if one already
// exists.
func (s *UptoSessionStore) Create(id string, session Session) error {
	e := s.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.ID != "" {
		return fmt.Errorf("upto: session %s already exists", id)
	}
	session.ID = id
	if session.SettledTotal == nil {
		session.SettledTotal = big.NewInt(0)
	}
	if session.PendingSpent == nil {
		session.PendingSpent = big.NewInt(0)
	}
	if session.Status == "" {
		session.Status = StatusOpen
	}
	e.session = session
	return nil
}

// Get returns a snapshot of the session and whether it exists. The returned
// Session is a deep-enough copy that the caller cannot mutate store state
// through it.
func (s *UptoSessionStore) Get(id string) (Session, bool) {
	e := s.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.ID == "" {
		return Session{}, false
	}
	return e.session.clone(), true
}

// Set overwrites the whole record for id under the per-key guard.
func (s *UptoSessionStore) Set(id string, session Session) {
	e := s.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	session.ID = id
	e.session = session
}

// Accrue atomically increments pendingSpent by delta iff the session is
// open, the new total would not exceed cap, and the deadline has not
// entered the buffer window. Returns the rejection reason on failure.
func (s *UptoSessionStore) Accrue(id string, delta *big.Int, now int64, deadlineBufferSec int64) (reason string, err error) {
	e := s.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.ID == "" {
		return "session_not_found", fmt.Errorf("upto: session %s not found", id)
	}
	if e.session.Status != StatusOpen {
		return "session_not_open", nil
	}
	if e.session.Deadline <= now+deadlineBufferSec {
		return "deadline_approaching", nil
	}

	total := new(big.Int).Add(e.session.SettledTotal, e.session.PendingSpent)
	total.Add(total, delta)
	if total.Cmp(e.session.Cap) > 0 {
		return "cap_exceeded", nil
	}

	e.session.PendingSpent = new(big.Int).Add(e.session.PendingSpent, delta)
	return "", nil
}

// Transition performs a CAS on status: it succeeds only if the session's
// current status equals from, atomically moving it to to. This is the
// single-writer lock the settlement orchestrator uses to exclude concurrent
// settle attempts on the same session.
func (s *UptoSessionStore) Transition(id string, from, to Status) bool {
	e := s.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.ID == "" || e.session.Status != from {
		return false
	}
	e.session.Status = to
	return true
}

// TransitionAndSnapshot performs the same CAS as Transition, but returns a
// clone of the session as observed atomically with the transition. Callers
// that need to act on session fields like PendingSpent after winning a CAS
// must read them this way rather than via a separate, earlier Get: a plain
// Get followed later by Transition leaves a window where a concurrent
// Accrue (gated only on status==open, which still holds until Transition
// lands) can slip a delta in between the two, stale to whatever the caller
// read from Get.
func (s *UptoSessionStore) TransitionAndSnapshot(id string, from, to Status) (Session, bool) {
	e := s.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.ID == "" || e.session.Status != from {
		return Session{}, false
	}
	e.session.Status = to
	return e.session.clone(), true
}

// Mutate runs fn against the session under its per-key lock, persisting
// whatever fn leaves behind. fn must not retain the Session it's handed
// beyond the call — the orchestrator is the only other caller of this.
func (s *UptoSessionStore) Mutate(id string, fn func(Session) Session) bool {
	e := s.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.ID == "" {
		return false
	}
	e.session = fn(e.session)
	e.session.ID = id
	return true
}

// Iterate returns a snapshot of every session id currently held, safe to
// range over without holding any store lock — exactly what the sweeper
// needs since it settles sessions one at a time, each under its own
// per-key guard.
func (s *UptoSessionStore) Iterate() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id, e := range s.entries {
		e.mu.Lock()
		if e.session.ID != "" {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	return ids
}

// RecoverSettling logs every session stuck in status=settling without
// forcing a transition — an unattended crash recovery sweep has no way to
// know whether the in-flight settle actually reached the chain, so per
// spec it conservatively leaves these for operator action rather than
// guessing. Returns the affected session ids.
func (s *UptoSessionStore) RecoverSettling(logger interface{ Printf(string, ...interface{}) }) []string {
	var stuck []string
	for _, id := range s.Iterate() {
		session, ok := s.Get(id)
		if ok && session.Status == StatusSettling {
			stuck = append(stuck, id)
			logger.Printf("upto: session %s recovered at status=settling with unknown settlement outcome; leaving for operator action", id)
		}
	}
	return stuck
}
