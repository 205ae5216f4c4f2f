package x402

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// handlerRegistration records one (network, handler) registration in the
// order it happened, so GetSupported can report a deterministic order
// instead of Go's randomized map iteration order.
type handlerRegistration struct {
	network Network
	handler SchemeHandler
}

// FacilitatorDispatcher holds the (network, scheme) -> handler registry and
// runs the lifecycle hook pipeline around every verify/settle call.
type FacilitatorDispatcher struct {
	mu sync.RWMutex

	handlers map[Network]map[string]SchemeHandler

	// order mirrors handlers' contents but preserves registration order —
	// handlers is a map of maps, which Go deliberately iterates in random
	// order, and spec §4.1 requires GetSupported's output order to be
	// deterministic (by family, then insertion order).
	order []handlerRegistration

	hooks *hookPipeline

	// settlements deduplicates concurrent or retried settle calls for the
	// same payload. Nil unless WithSettlementIdempotency is supplied — the
	// upto scheme handles its own idempotency at the session layer, so
	// this mainly protects "exact" one-shot settles from double-submission
	// on client retry.
	settlements *SettlementCache
}

// DispatcherOption configures a FacilitatorDispatcher at construction.
type DispatcherOption func(*FacilitatorDispatcher)

// WithLogger overrides the default stdlib-backed logger.
func WithLogger(logger Logger) DispatcherOption {
	return func(f *FacilitatorDispatcher) {
		f.hooks.logger = logger
	}
}

// WithSettlementIdempotency enables settle deduplication: a retried settle
// for the same payload within ttl returns the cached result instead of
// re-invoking the handler, and concurrent retries for the same payload
// block on the first one's result rather than racing.
func WithSettlementIdempotency(ttl time.Duration) DispatcherOption {
	return func(f *FacilitatorDispatcher) {
		f.settlements = NewSettlementCache(ttl)
	}
}

// NewFacilitatorDispatcher constructs an empty dispatcher. Handlers are
// added with Register; hooks with the On* methods.
func NewFacilitatorDispatcher(opts ...DispatcherOption) *FacilitatorDispatcher {
	f := &FacilitatorDispatcher{
		handlers: make(map[Network]map[string]SchemeHandler),
		hooks:    newHookPipeline(defaultLogger()),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register inserts handler under (network, handler.Scheme()). Overwrite is
// allowed — last write wins, but a re-registration keeps its original slot
// in the insertion order rather than moving to the end.
func (f *FacilitatorDispatcher) Register(network Network, handler SchemeHandler) *FacilitatorDispatcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers[network] == nil {
		f.handlers[network] = make(map[string]SchemeHandler)
	}
	scheme := handler.Scheme()
	_, existed := f.handlers[network][scheme]
	f.handlers[network][scheme] = handler

	if existed {
		for i, reg := range f.order {
			if reg.network == network && reg.handler.Scheme() == scheme {
				f.order[i].handler = handler
				break
			}
		}
	} else {
		f.order = append(f.order, handlerRegistration{network: network, handler: handler})
	}
	return f
}

// ============================================================================
// Hook registration — six slots, registration order, see facilitator_hooks.go
// ============================================================================

func (f *FacilitatorDispatcher) OnBeforeVerify(hook BeforeHook) *FacilitatorDispatcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks.onBeforeVerify = append(f.hooks.onBeforeVerify, hook)
	return f
}

func (f *FacilitatorDispatcher) OnAfterVerify(hook AfterHook) *FacilitatorDispatcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks.onAfterVerify = append(f.hooks.onAfterVerify, hook)
	return f
}

func (f *FacilitatorDispatcher) OnVerifyFailure(hook FailureHook) *FacilitatorDispatcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks.onVerifyFailure = append(f.hooks.onVerifyFailure, hook)
	return f
}

func (f *FacilitatorDispatcher) OnBeforeSettle(hook BeforeHook) *FacilitatorDispatcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks.onBeforeSettle = append(f.hooks.onBeforeSettle, hook)
	return f
}

func (f *FacilitatorDispatcher) OnAfterSettle(hook AfterHook) *FacilitatorDispatcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks.onAfterSettle = append(f.hooks.onAfterSettle, hook)
	return f
}

func (f *FacilitatorDispatcher) OnSettleFailure(hook FailureHook) *FacilitatorDispatcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks.onSettleFailure = append(f.hooks.onSettleFailure, hook)
	return f
}

// ============================================================================
// Verify / Settle
// ============================================================================

// Verify routes payload/requirements to the registered handler, firing the
// verify hook slots around it.
func (f *FacilitatorDispatcher) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error) {
	f.mu.RLock()
	handler := findHandler(f.handlers, requirements.Network, requirements.Scheme)
	f.mu.RUnlock()

	handlerInfo := HookHandlerInfo{Scheme: requirements.Scheme, Network: requirements.Network}
	baseCtx := HookContext{Ctx: ctx, Payload: payload, Requirements: requirements, Phase: PhaseVerify, Handler: handlerInfo}

	if handler == nil {
		resp := VerifyResponse{IsValid: false, InvalidReason: ReasonUnsupportedSchemeNetwork}
		failCtx := baseCtx
		failCtx.Response = &resp
		failCtx.ErrorReason = resp.InvalidReason
		f.hooks.fireFailure(f.hooks.onVerifyFailure, failCtx)
		return resp, nil
	}

	// Hook failure must not block verification — it is logged and
	// swallowed (observability-only).
	f.hooks.fireBefore(f.hooks.onBeforeVerify, baseCtx)

	resp, err := f.callVerify(ctx, handler, payload, requirements)
	if err != nil {
		resp = VerifyResponse{IsValid: false, InvalidReason: ReasonVerificationError}
	}

	resultCtx := baseCtx
	resultCtx.Response = &resp
	if !resp.IsValid {
		resultCtx.ErrorReason = resp.InvalidReason
		f.hooks.fireFailure(f.hooks.onVerifyFailure, resultCtx)
	} else {
		f.hooks.fireAfter(f.hooks.onAfterVerify, resultCtx)
	}

	return resp, nil
}

// callVerify invokes handler.Verify, converting a panic or thrown error into
// a verification_error response instead of letting it cross the dispatcher
// boundary.
func (f *FacilitatorDispatcher) callVerify(ctx context.Context, handler SchemeHandler, payload PaymentPayload, requirements PaymentRequirements) (resp VerifyResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Verify(ctx, payload, requirements)
}

// Settle routes payload/requirements to the registered handler, firing the
// settle hook slots around it. The dispatcher does not re-verify before
// settling — scheme handlers are responsible for idempotency and
// re-checking.
func (f *FacilitatorDispatcher) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error) {
	f.mu.RLock()
	handler := findHandler(f.handlers, requirements.Network, requirements.Scheme)
	f.mu.RUnlock()

	handlerInfo := HookHandlerInfo{Scheme: requirements.Scheme, Network: requirements.Network}
	baseCtx := HookContext{Ctx: ctx, Payload: payload, Requirements: requirements, Phase: PhaseSettle, Handler: handlerInfo}

	if handler == nil {
		resp := SettleResponse{Success: false, ErrorReason: ReasonUnsupportedSchemeNetwork, Network: requirements.Network}
		failCtx := baseCtx
		failCtx.Response = &resp
		failCtx.ErrorReason = resp.ErrorReason
		f.hooks.fireFailure(f.hooks.onSettleFailure, failCtx)
		return resp, nil
	}

	var settlementKey string
	var done chan struct{}
	if f.settlements != nil {
		settlementKey = settlementKeyFor(payload)
		status, cached, waitDone := f.settlements.CheckAndMark(settlementKey)
		switch status {
		case StatusCached:
			return *cached, nil
		case StatusInFlight:
			result, err := f.settlements.WaitForResult(ctx, settlementKey, waitDone)
			if err != nil || result == nil {
				// The in-flight owner failed, or our wait was cancelled.
				// Report failure rather than reusing its (already closed)
				// done channel to attempt our own settle.
				return SettleResponse{Success: false, ErrorReason: ReasonSettlementFailed, Network: requirements.Network}, nil
			}
			return *result, nil
		}
		done = waitDone
	}

	f.hooks.fireBefore(f.hooks.onBeforeSettle, baseCtx)

	resp, err := f.callSettle(ctx, handler, payload, requirements)
	if err != nil {
		resp = SettleResponse{Success: false, ErrorReason: ReasonSettlementFailed, Network: requirements.Network}
	}

	if f.settlements != nil {
		if resp.Success {
			f.settlements.Complete(settlementKey, &resp, done)
		} else {
			f.settlements.Fail(settlementKey, done)
		}
	}

	resultCtx := baseCtx
	resultCtx.Response = &resp
	if !resp.Success {
		resultCtx.ErrorReason = resp.ErrorReason
		f.hooks.fireFailure(f.hooks.onSettleFailure, resultCtx)
	} else {
		f.hooks.fireAfter(f.hooks.onAfterSettle, resultCtx)
	}

	return resp, nil
}

// settlementKeyFor derives a stable dedup key by hashing the whole
// JSON-encoded payload.
func settlementKeyFor(payload PaymentPayload) string {
	b, err := json.Marshal(payload)
	if err != nil {
		return GenerateSettlementKey([]byte(fmt.Sprintf("%v", payload)))
	}
	return GenerateSettlementKey(b)
}

func (f *FacilitatorDispatcher) callSettle(ctx context.Context, handler SchemeHandler, payload PaymentPayload, requirements PaymentRequirements) (resp SettleResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Settle(ctx, payload, requirements)
}

// GetSupported aggregates every registered (network, scheme) into a
// SupportedResponse, grouping signer addresses by CAIP family pattern.
// Iterates f.order rather than the handlers map so Kinds and each family's
// signer list come out in a deterministic, registration order — ranging a
// Go map directly here would randomize both across calls (spec §4.1: "order
// is deterministic, by family, then insertion order").
func (f *FacilitatorDispatcher) GetSupported() SupportedResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var kinds []SupportedKind
	signers := make(map[Network][]string)
	seen := make(map[Network]map[string]bool)

	for _, reg := range f.order {
		network, handler := reg.network, reg.handler
		scheme := handler.Scheme()

		kinds = append(kinds, SupportedKind{
			Network: network,
			Scheme:  scheme,
			Extra:   handler.GetExtra(network),
		})

		family := Network(handler.CaipFamily())
		if seen[family] == nil {
			seen[family] = make(map[string]bool)
		}
		for _, addr := range handler.GetSigners(network) {
			if !seen[family][addr] {
				seen[family][addr] = true
				signers[family] = append(signers[family], addr)
			}
		}
	}

	return SupportedResponse{Kinds: kinds, Signers: signers}
}
