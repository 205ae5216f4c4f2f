package x402

import "context"

// SchemeHandler is implemented by a per-scheme, per-network payment
// mechanism. The dispatcher never inspects payload internals itself — it
// routes to the handler registered for (requirements.Network,
// requirements.Scheme) and trusts the handler's verdict.
type SchemeHandler interface {
	// Scheme returns the scheme literal this handler implements ("exact",
	// "upto", ...).
	Scheme() string

	// CaipFamily returns the "family:*" pattern this handler's signers
	// should be grouped under in GetSupported's signer-aggregate view
	// (e.g. "eip155:*", "solana:*").
	CaipFamily() string

	// GetExtra returns scheme metadata advertised to clients for the given
	// network (EIP-712 domain name/version, paymaster endpoints, sponsor
	// addresses). May return nil.
	GetExtra(network Network) map[string]interface{}

	// GetSigners returns the facilitator-side addresses that pay gas or
	// sign on behalf of this handler for the given network.
	GetSigners(network Network) []string

	// Verify checks a payload against requirements without taking any
	// chain action. payer is returned best-effort even on failure.
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error)

	// Settle submits (or otherwise finalizes) the on-chain transfer implied
	// by payload against requirements. requirements.Amount may be an
	// override distinct from what the client originally signed against
	// (the upto session engine overrides it with the accrued spend).
	// transaction is empty when no on-chain action occurred.
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error)
}

// FacilitatorClient is the narrow surface the upto settlement orchestrator
// needs from a facilitator — just enough to trigger a settle call without
// depending on the dispatcher's full registration/hook API.
type FacilitatorClient interface {
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error)
}
