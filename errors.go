package x402

import "fmt"

// PaymentError is a configuration/startup-time error. Runtime verify/settle
// failures never use this — they carry a tagged reason string on the
// response instead (spec §7: "scheme handlers never throw across the
// dispatcher boundary").
type PaymentError struct {
	Code    string
	Message string
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Startup/configuration error codes (spec §7 "Fatal-only conditions").
const (
	ErrCodeMissingSigner       = "missing_signer"
	ErrCodeMalformedNetwork    = "malformed_network"
	ErrCodeDuplicateRegistration = "duplicate_registration"
)

func newPaymentError(code, message string) *PaymentError {
	return &PaymentError{Code: code, Message: message}
}

// Verify-tag reason strings (spec §7). Stable strings, part of the wire
// contract — never renamed once shipped.
const (
	ReasonUnsupportedScheme        = "unsupported_scheme"
	ReasonUnsupportedSchemeNetwork = "unsupported_scheme_network"
	ReasonInvalidUptoEvmPayload    = "invalid_upto_evm_payload"
	ReasonNetworkMismatch          = "network_mismatch"
	ReasonMissingEip712Domain      = "missing_eip712_domain"
	ReasonRecipientMismatch        = "recipient_mismatch"
	ReasonCapTooLow                = "cap_too_low"
	ReasonCapBelowRequiredMax      = "cap_below_required_max"
	ReasonAuthorizationExpired     = "authorization_expired"
	ReasonInvalidChainID           = "invalid_chain_id"
	ReasonInvalidPermitSignature   = "invalid_permit_signature"
	ReasonVerificationError        = "verification_error"
)

// Settle-tag reason strings, additional to the verify tags above (spec §7).
const (
	ReasonTotalExceedsCap          = "total_exceeds_cap"
	ReasonUnsupportedSignatureType = "unsupported_signature_type"
	ReasonInsufficientAllowance    = "insufficient_allowance"
	ReasonPermitFailed             = "permit_failed"
	ReasonInvalidTransactionState  = "invalid_transaction_state"
	ReasonTransactionFailed        = "transaction_failed"
	ReasonSettlementFailed         = "settlement_failed"
)
