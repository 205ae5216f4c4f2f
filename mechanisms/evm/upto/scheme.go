package upto

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	x402 "github.com/x402payments/facilitator"
)

// Error tags. Verify tags are the subset the dispatcher's error vocabulary
// also carries (x402.Reason*); settle-only tags live here since they are
// specific to this scheme's on-chain algorithm.
const (
	ErrUnsupportedSignatureType = x402.ReasonUnsupportedSignatureType
	ErrInsufficientAllowance    = x402.ReasonInsufficientAllowance
	ErrPermitFailed             = x402.ReasonPermitFailed
	ErrInvalidTransactionState  = x402.ReasonInvalidTransactionState
	ErrTransactionFailed        = x402.ReasonTransactionFailed
)

// authorization is the parsed, scheme-specific view of an upto permit.
// "to" doubles as the permit's spender — the facilitator-controlled address
// that will later call transferFrom — not a transfer recipient.
type authorization struct {
	From        string
	To          string
	Value       string
	ValidBefore string
	Nonce       string
}

// UptoSchemeHandler implements SchemeHandler for the EVM flavor of the
// "upto" capped-spend scheme: EIP-2612 permit verification, and a
// permit -> allowance-fallback -> transferFrom settlement algorithm.
type UptoSchemeHandler struct {
	signer SignerPort

	// extra is returned by GetExtra, keyed by network; advertises the
	// EIP-712 domain clients must sign against for a given network's
	// default asset, plus any other scheme metadata.
	extra map[x402.Network]map[string]interface{}

	// signers caches the facilitator-side addresses the signer exposes,
	// fetched once at construction since GetSigners has no error return.
	signers []string
}

// NewUptoSchemeHandler constructs a handler backed by signer. extra is
// advertised verbatim per network via GetExtra.
func NewUptoSchemeHandler(ctx context.Context, signer SignerPort, extra map[x402.Network]map[string]interface{}) (*UptoSchemeHandler, error) {
	addrs, err := signer.GetAddresses(ctx)
	if err != nil {
		return nil, fmt.Errorf("upto: failed to get signer addresses: %w", err)
	}
	return &UptoSchemeHandler{signer: signer, extra: extra, signers: addrs}, nil
}

func (h *UptoSchemeHandler) Scheme() string     { return SchemeUpto }
func (h *UptoSchemeHandler) CaipFamily() string { return "eip155:*" }

func (h *UptoSchemeHandler) GetExtra(network x402.Network) map[string]interface{} {
	return h.extra[network]
}

func (h *UptoSchemeHandler) GetSigners(network x402.Network) []string {
	return h.signers
}

// parseAuthorization extracts the upto authorization and signature from a
// payload's scheme-specific map, per the open-envelope parse-then-validate
// approach (payload.payload stays a generic map at the dispatcher boundary).
func parseAuthorization(payload map[string]interface{}) (authorization, string, bool) {
	authRaw, ok := payload["authorization"].(map[string]interface{})
	if !ok {
		return authorization{}, "", false
	}
	sig, ok := payload["signature"].(string)
	if !ok || sig == "" {
		return authorization{}, "", false
	}

	auth := authorization{}
	auth.From, _ = authRaw["from"].(string)
	auth.To, _ = authRaw["to"].(string)
	auth.Value, _ = authRaw["value"].(string)
	auth.ValidBefore, _ = authRaw["validBefore"].(string)
	auth.Nonce, _ = authRaw["nonce"].(string)

	return auth, sig, true
}

// chainIDFromNetwork parses the numeric chain ID from a CAIP-2
// "eip155:<chainId>" network identifier.
func chainIDFromNetwork(network x402.Network) (*big.Int, error) {
	family, reference, err := network.Parse()
	if err != nil || family != "eip155" {
		return nil, fmt.Errorf("not an eip155 network: %s", network)
	}
	chainID, ok := new(big.Int).SetString(reference, 10)
	if !ok {
		return nil, fmt.Errorf("invalid chain id in network %s", network)
	}
	return chainID, nil
}

// verifyResult bundles the verify outcome with the parsed fields settle
// needs so it doesn't re-parse after re-invoking verify.
type verifyResult struct {
	resp     x402.VerifyResponse
	auth     authorization
	sigBytes []byte
	cap      *big.Int
	deadline int64
	chainID  *big.Int
}

func (h *UptoSchemeHandler) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	result := h.verify(ctx, payload, requirements)
	return result.resp, nil
}

func (h *UptoSchemeHandler) verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) verifyResult {
	invalid := func(reason, payer string) verifyResult {
		return verifyResult{resp: x402.VerifyResponse{IsValid: false, InvalidReason: reason, Payer: payer}}
	}

	if payload.Accepted.Scheme != SchemeUpto || requirements.Scheme != SchemeUpto {
		return invalid(x402.ReasonUnsupportedScheme, "")
	}

	auth, sigHex, ok := parseAuthorization(payload.Payload)
	if !ok {
		return invalid(x402.ReasonInvalidUptoEvmPayload, "")
	}

	to := auth.To
	if to == "" {
		to = requirements.PayTo
	}
	if auth.From == "" || to == "" || auth.Nonce == "" || auth.ValidBefore == "" || auth.Value == "" {
		return invalid(x402.ReasonInvalidUptoEvmPayload, auth.From)
	}
	auth.To = to

	if payload.Accepted.Network != requirements.Network {
		return invalid(x402.ReasonNetworkMismatch, auth.From)
	}

	name, _ := requirements.Extra["name"].(string)
	version, _ := requirements.Extra["version"].(string)
	if name == "" || version == "" {
		return invalid(x402.ReasonMissingEip712Domain, auth.From)
	}

	spender := common.HexToAddress(auth.To).Hex()
	payTo := common.HexToAddress(requirements.PayTo).Hex()
	if spender != payTo {
		return invalid(x402.ReasonRecipientMismatch, auth.From)
	}

	cap := x402.ParseBigIntSaturate(auth.Value)
	requiredAmount := x402.ParseBigIntSaturate(requirements.Amount)
	if cap.Cmp(requiredAmount) < 0 {
		return invalid(x402.ReasonCapTooLow, auth.From)
	}

	maxRequired := extraBigInt(requirements.Extra, "maxAmountRequired", "maxAmount")
	if maxRequired != nil && cap.Cmp(maxRequired) < 0 {
		return invalid(x402.ReasonCapBelowRequiredMax, auth.From)
	}

	deadline := x402.ParseBigIntSaturate(auth.ValidBefore).Int64()
	now := nowUnix()
	if deadline < now+PermitDeadlineBuffer {
		return invalid(x402.ReasonAuthorizationExpired, auth.From)
	}

	chainID, err := chainIDFromNetwork(requirements.Network)
	if err != nil {
		return invalid(x402.ReasonInvalidChainID, auth.From)
	}

	sigBytes, err := hexutil.Decode(sigHex)
	if err != nil {
		return invalid(x402.ReasonInvalidPermitSignature, auth.From)
	}

	domain := TypedDataDomain{Name: name, Version: version, ChainID: chainID, VerifyingContract: requirements.Asset}
	message := map[string]interface{}{
		"owner":    common.HexToAddress(auth.From).Hex(),
		"spender":  spender,
		"value":    cap,
		"nonce":    x402.ParseBigIntSaturate(auth.Nonce),
		"deadline": x402.ParseBigIntSaturate(auth.ValidBefore),
	}

	valid, verr := h.signer.VerifyTypedData(ctx, auth.From, domain, PermitEIP712Types, "Permit", message, sigBytes)
	if verr != nil || !valid {
		return invalid(x402.ReasonInvalidPermitSignature, auth.From)
	}

	return verifyResult{
		resp:     x402.VerifyResponse{IsValid: true, Payer: auth.From},
		auth:     auth,
		sigBytes: sigBytes,
		cap:      cap,
		deadline: deadline,
		chainID:  chainID,
	}
}

// Settle re-verifies, then runs permit -> allowance-fallback -> transferFrom
// for requirements.Amount. It takes no lock across sessions: two sessions
// spending against the same owner's allowance on the same asset can race
// on-chain.
func (h *UptoSchemeHandler) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
	result := h.verify(ctx, payload, requirements)
	if !result.resp.IsValid {
		reason := result.resp.InvalidReason
		if reason == "" {
			reason = x402.ReasonInvalidUptoEvmPayload
		}
		return x402.SettleResponse{Success: false, ErrorReason: reason, Network: requirements.Network, Payer: result.resp.Payer}, nil
	}

	totalSpent := x402.ParseBigIntSaturate(requirements.Amount)
	if totalSpent.Cmp(result.cap) > 0 {
		return x402.SettleResponse{Success: false, ErrorReason: x402.ReasonTotalExceedsCap, Network: requirements.Network, Payer: result.auth.From}, nil
	}

	v, r, s, ok := splitSignature(result.sigBytes)
	if !ok {
		return x402.SettleResponse{Success: false, ErrorReason: ErrUnsupportedSignatureType, Network: requirements.Network, Payer: result.auth.From}, nil
	}

	owner := common.HexToAddress(result.auth.From).Hex()
	spender := common.HexToAddress(result.auth.To).Hex()
	payTo := common.HexToAddress(requirements.PayTo).Hex()

	permitErr := h.submitPermit(ctx, requirements.Asset, owner, spender, result.cap, result.deadline, v, r, s)
	if permitErr != nil {
		allowance, err := h.readAllowance(ctx, requirements.Asset, owner, spender)
		if err != nil {
			return x402.SettleResponse{Success: false, ErrorReason: ErrPermitFailed, Network: requirements.Network, Payer: result.auth.From}, nil
		}
		if allowance.Cmp(totalSpent) < 0 {
			return x402.SettleResponse{Success: false, ErrorReason: ErrInsufficientAllowance, Network: requirements.Network, Payer: result.auth.From}, nil
		}
	}

	txHash, receipt, err := h.submitTransferFrom(ctx, requirements.Asset, owner, payTo, totalSpent)
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: ErrTransactionFailed, Network: requirements.Network, Payer: result.auth.From}, nil
	}
	if receipt.Status != TxStatusSuccess {
		return x402.SettleResponse{Success: false, ErrorReason: ErrInvalidTransactionState, Transaction: txHash, Network: requirements.Network, Payer: result.auth.From}, nil
	}

	return x402.SettleResponse{Success: true, Transaction: txHash, Network: requirements.Network, Payer: result.auth.From}, nil
}

func (h *UptoSchemeHandler) submitPermit(ctx context.Context, asset, owner, spender string, cap *big.Int, deadline int64, v uint8, r, s [32]byte) error {
	txHash, err := h.signer.WriteContract(ctx, asset, PermitABI, "permit", owner, spender, cap, big.NewInt(deadline), v, r, s)
	if err != nil {
		return err
	}
	receipt, err := h.signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return err
	}
	if receipt.Status != TxStatusSuccess {
		return fmt.Errorf("upto: permit reverted")
	}
	return nil
}

func (h *UptoSchemeHandler) readAllowance(ctx context.Context, asset, owner, spender string) (*big.Int, error) {
	result, err := h.signer.ReadContract(ctx, asset, AllowanceABI, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	allowance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("upto: unexpected allowance result type %T", result)
	}
	return allowance, nil
}

func (h *UptoSchemeHandler) submitTransferFrom(ctx context.Context, asset, owner, payTo string, amount *big.Int) (string, *TransactionReceipt, error) {
	txHash, err := h.signer.WriteContract(ctx, asset, TransferFromABI, "transferFrom", owner, payTo, amount)
	if err != nil {
		return "", nil, err
	}
	receipt, err := h.signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return txHash, nil, err
	}
	return txHash, receipt, nil
}

// extraBigInt reads the first present key of keys from extra and parses it
// as a big integer, returning nil if none are present.
func extraBigInt(extra map[string]interface{}, keys ...string) *big.Int {
	for _, key := range keys {
		if v, ok := extra[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return x402.ParseBigIntSaturate(s)
			}
		}
	}
	return nil
}

// splitSignature splits a 65-byte concatenated ECDSA signature into its
// (v, r, s) components. Returns ok=false if the signature is the wrong
// length or a v value permit() cannot accept.
func splitSignature(sig []byte) (v uint8, r, s [32]byte, ok bool) {
	if len(sig) != 65 {
		return 0, r, s, false
	}
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return 0, r, s, false
	}
	return v, r, s, true
}

// nowUnix is overridden in tests for deterministic deadline checks.
var nowUnix = func() int64 { return time.Now().Unix() }
