package x402

import "context"

// Phase identifies which operation a hook context belongs to.
type Phase string

const (
	PhaseVerify Phase = "verify"
	PhaseSettle Phase = "settle"
)

// HookHandlerInfo names the handler a hook is firing around.
type HookHandlerInfo struct {
	Scheme  string
	Network Network
}

// HookContext is the record passed to every lifecycle hook. It carries the
// request always, and the response or error once one exists — a beforeVerify
// hook sees neither, an afterVerify hook sees Response, an onVerifyFailure
// hook sees ErrorReason.
type HookContext struct {
	Ctx          context.Context
	Payload      PaymentPayload
	Requirements PaymentRequirements
	Phase        Phase
	Handler      HookHandlerInfo
	Response     interface{} // *VerifyResponse or *SettleResponse, once available
	ErrorReason  string
}

// BeforeHook runs before verify or settle. Hook failure is observability-only:
// it is logged and swallowed, never blocks the operation (spec §4.1 step 2,
// §9 "hook failures are silently swallowed in source").
type BeforeHook func(HookContext)

// AfterHook runs after a successful verify or settle.
type AfterHook func(HookContext)

// FailureHook runs when verify or settle produced a negative/failed result,
// or the handler itself errored.
type FailureHook func(HookContext)

// hookPipeline holds the six lifecycle hook slots and fires them in
// registration order. It has no shared mutable state beyond the slices
// themselves, which are only appended to at registration time.
type hookPipeline struct {
	onBeforeVerify   []BeforeHook
	onAfterVerify    []AfterHook
	onVerifyFailure  []FailureHook
	onBeforeSettle   []BeforeHook
	onAfterSettle    []AfterHook
	onSettleFailure  []FailureHook
	logger           Logger
}

func newHookPipeline(logger Logger) *hookPipeline {
	return &hookPipeline{logger: logger}
}

func (p *hookPipeline) fireBefore(hooks []BeforeHook, ctx HookContext) {
	for _, h := range hooks {
		p.runSafely(func() { h(ctx) })
	}
}

func (p *hookPipeline) fireAfter(hooks []AfterHook, ctx HookContext) {
	for _, h := range hooks {
		p.runSafely(func() { h(ctx) })
	}
}

func (p *hookPipeline) fireFailure(hooks []FailureHook, ctx HookContext) {
	for _, h := range hooks {
		p.runSafely(func() { h(ctx) })
	}
}

// runSafely recovers a panicking hook the same way the dispatcher recovers a
// panicking handler: log it, never let it escape to the caller. Hooks are
// observability-only per spec §4.1/§7 ("Hooks' throws are swallowed with
// log").
func (p *hookPipeline) runSafely(f func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Printf("x402: hook panic recovered: %v", r)
		}
	}()
	f()
}
