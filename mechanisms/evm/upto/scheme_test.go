package upto

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	x402 "github.com/x402payments/facilitator"
)

type mockSigner struct {
	addresses []string

	verifyResult bool
	verifyErr    error

	allowance    *big.Int
	allowanceErr error

	permitErr bool // permit call reverts (receipt.Status != success)

	txHash    string
	txSuccess bool
	writeErr  error

	writeCalls []string
}

func (m *mockSigner) GetAddresses(ctx context.Context) ([]string, error) {
	return m.addresses, nil
}

func (m *mockSigner) VerifyTypedData(ctx context.Context, address string, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}, signature []byte) (bool, error) {
	return m.verifyResult, m.verifyErr
}

func (m *mockSigner) ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error) {
	if m.allowanceErr != nil {
		return nil, m.allowanceErr
	}
	return m.allowance, nil
}

func (m *mockSigner) WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error) {
	m.writeCalls = append(m.writeCalls, functionName)
	if m.writeErr != nil {
		return "", m.writeErr
	}
	if functionName == "permit" {
		if m.permitErr {
			return "0xpermittx", nil
		}
		return "0xpermitok", nil
	}
	return m.txHash, nil
}

func (m *mockSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error) {
	switch txHash {
	case "0xpermittx":
		return &TransactionReceipt{Status: TxStatusFailed, TxHash: txHash}, nil
	case "0xpermitok":
		return &TransactionReceipt{Status: TxStatusSuccess, TxHash: txHash}, nil
	}
	status := uint64(TxStatusFailed)
	if m.txSuccess {
		status = TxStatusSuccess
	}
	return &TransactionReceipt{Status: status, TxHash: txHash}, nil
}

const testNetwork = x402.Network("eip155:8453")

func validSignature() string {
	return "0x" + repeatHex(128) + "1b" // 32-byte r, 32-byte s, v=27
}

func repeatHex(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = 'a'
	}
	return string(out)
}

func baseRequirements(amount string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:  SchemeUpto,
		Network: testNetwork,
		Asset:   "0x0000000000000000000000000000000000000a",
		Amount:  amount,
		PayTo:   "0x000000000000000000000000000000000000b0",
		Extra: map[string]interface{}{
			"name":    "Test Token",
			"version": "1",
		},
	}
}

func basePayload(cap, validBefore, nonce string) x402.PaymentPayload {
	accepted := baseRequirements("0")
	return x402.PaymentPayload{
		X402Version: 1,
		Accepted:    accepted,
		Payload: map[string]interface{}{
			"authorization": map[string]interface{}{
				"from":        "0x000000000000000000000000000000000000c0",
				"to":          "0x000000000000000000000000000000000000b0",
				"value":       cap,
				"validBefore": validBefore,
				"nonce":       nonce,
			},
			"signature": validSignature(),
		},
	}
}

func newHandler(t *testing.T, signer SignerPort) *UptoSchemeHandler {
	h, err := NewUptoSchemeHandler(context.Background(), signer, map[x402.Network]map[string]interface{}{
		testNetwork: {"name": "Test Token", "version": "1"},
	})
	require.NoError(t, err)
	return h
}

func TestVerifyRejectsUnsupportedScheme(t *testing.T) {
	h := newHandler(t, &mockSigner{})
	requirements := baseRequirements("1000")
	requirements.Scheme = "exact"
	payload := basePayload("1000", "100", "0")
	payload.Accepted.Scheme = "exact"

	resp, err := h.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	require.Equal(t, x402.ReasonUnsupportedScheme, resp.InvalidReason)
}

func TestVerifyHappyPath(t *testing.T) {
	nowUnix = func() int64 { return 0 }
	h := newHandler(t, &mockSigner{verifyResult: true})
	requirements := baseRequirements("1000")
	payload := basePayload("2000", "100", "0")
	payload.Accepted = requirements

	resp, err := h.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	require.True(t, resp.IsValid)
	require.Equal(t, "0x000000000000000000000000000000000000c0", resp.Payer)
}

func TestVerifyRecipientMismatch(t *testing.T) {
	nowUnix = func() int64 { return 0 }
	h := newHandler(t, &mockSigner{verifyResult: true})
	requirements := baseRequirements("1000")
	payload := basePayload("2000", "100", "0")
	payload.Accepted = requirements
	// The permit's spender ("to") no longer matches what requirements.payTo demands.
	requirements.PayTo = "0x00000000000000000000000000000000000fff"

	resp, err := h.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	require.Equal(t, x402.ReasonRecipientMismatch, resp.InvalidReason)
}

func TestVerifyCapTooLow(t *testing.T) {
	nowUnix = func() int64 { return 0 }
	h := newHandler(t, &mockSigner{verifyResult: true})
	requirements := baseRequirements("1000")
	payload := basePayload("500", "100", "0")
	payload.Accepted = requirements

	resp, err := h.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	require.Equal(t, x402.ReasonCapTooLow, resp.InvalidReason)
}

func TestVerifyCapEqualsAmountPasses(t *testing.T) {
	nowUnix = func() int64 { return 0 }
	h := newHandler(t, &mockSigner{verifyResult: true})
	requirements := baseRequirements("1000")
	payload := basePayload("1000", "100", "0")
	payload.Accepted = requirements

	resp, err := h.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	require.True(t, resp.IsValid)
}

func TestVerifyDeadlineBoundary(t *testing.T) {
	nowUnix = func() int64 { return 0 }
	h := newHandler(t, &mockSigner{verifyResult: true})
	requirements := baseRequirements("1000")

	expired := basePayload("1000", "5", "0") // now(0) + 5 < now + buffer(6)
	expired.Accepted = requirements
	resp, err := h.Verify(context.Background(), expired, requirements)
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	require.Equal(t, x402.ReasonAuthorizationExpired, resp.InvalidReason)

	passes := basePayload("1000", "7", "0") // now(0) + 7 >= now + buffer(6)
	passes.Accepted = requirements
	resp, err = h.Verify(context.Background(), passes, requirements)
	require.NoError(t, err)
	require.True(t, resp.IsValid)
}

func TestVerifyMissingEip712Domain(t *testing.T) {
	nowUnix = func() int64 { return 0 }
	h := newHandler(t, &mockSigner{verifyResult: true})
	requirements := baseRequirements("1000")
	requirements.Extra = nil
	payload := basePayload("1000", "100", "0")
	payload.Accepted = requirements

	resp, err := h.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	require.Equal(t, x402.ReasonMissingEip712Domain, resp.InvalidReason)
}

func TestVerifyInvalidPermitSignature(t *testing.T) {
	nowUnix = func() int64 { return 0 }
	h := newHandler(t, &mockSigner{verifyResult: false})
	requirements := baseRequirements("1000")
	payload := basePayload("1000", "100", "0")
	payload.Accepted = requirements

	resp, err := h.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	require.Equal(t, x402.ReasonInvalidPermitSignature, resp.InvalidReason)
}

func TestSettleHappyPath(t *testing.T) {
	nowUnix = func() int64 { return 0 }
	signer := &mockSigner{verifyResult: true, txHash: "0xabc", txSuccess: true}
	h := newHandler(t, signer)
	requirements := baseRequirements("1000")
	payload := basePayload("2000", "100", "0")
	payload.Accepted = requirements

	resp, err := h.Settle(context.Background(), payload, requirements)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "0xabc", resp.Transaction)
	require.Equal(t, []string{"permit", "transferFrom"}, signer.writeCalls)
}

func TestSettleFallsBackToAllowanceWhenPermitAlreadyConsumed(t *testing.T) {
	nowUnix = func() int64 { return 0 }
	signer := &mockSigner{
		verifyResult: true,
		permitErr:    true,
		allowance:    big.NewInt(1000),
		txHash:       "0xdef",
		txSuccess:    true,
	}
	h := newHandler(t, signer)
	requirements := baseRequirements("1000")
	payload := basePayload("2000", "100", "0")
	payload.Accepted = requirements

	resp, err := h.Settle(context.Background(), payload, requirements)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "0xdef", resp.Transaction)
}

func TestSettleInsufficientAllowanceAfterPermitFailure(t *testing.T) {
	nowUnix = func() int64 { return 0 }
	signer := &mockSigner{
		verifyResult: true,
		permitErr:    true,
		allowance:    big.NewInt(10),
	}
	h := newHandler(t, signer)
	requirements := baseRequirements("1000")
	payload := basePayload("2000", "100", "0")
	payload.Accepted = requirements

	resp, err := h.Settle(context.Background(), payload, requirements)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, ErrInsufficientAllowance, resp.ErrorReason)
}

func TestSettleRejectsOverrideAmountAboveCap(t *testing.T) {
	nowUnix = func() int64 { return 0 }
	h := newHandler(t, &mockSigner{verifyResult: true})
	accepted := baseRequirements("1000") // client originally signed against a 1000 requirement
	payload := basePayload("2000", "100", "0")
	payload.Accepted = accepted

	// The orchestrator overrides the settle amount to more than the permit's cap;
	// re-verify inside Settle catches this before the on-chain algorithm runs.
	requirements := accepted
	requirements.Amount = "5000"

	resp, err := h.Settle(context.Background(), payload, requirements)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, x402.ReasonCapTooLow, resp.ErrorReason)
}

func TestSettlePropagatesVerifyFailure(t *testing.T) {
	nowUnix = func() int64 { return 0 }
	h := newHandler(t, &mockSigner{verifyResult: false})
	requirements := baseRequirements("1000")
	payload := basePayload("1000", "100", "0")
	payload.Accepted = requirements

	resp, err := h.Settle(context.Background(), payload, requirements)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, x402.ReasonInvalidPermitSignature, resp.ErrorReason)
}

func TestSettleInvalidTransactionStateOnFailedReceipt(t *testing.T) {
	nowUnix = func() int64 { return 0 }
	signer := &mockSigner{verifyResult: true, txHash: "0xabc", txSuccess: false}
	h := newHandler(t, signer)
	requirements := baseRequirements("1000")
	payload := basePayload("2000", "100", "0")
	payload.Accepted = requirements

	resp, err := h.Settle(context.Background(), payload, requirements)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, ErrInvalidTransactionState, resp.ErrorReason)
	require.Equal(t, "0xabc", resp.Transaction)
}

func TestGetExtraAndSigners(t *testing.T) {
	h := newHandler(t, &mockSigner{addresses: []string{"0xfacilitator"}})
	require.Equal(t, "Test Token", h.GetExtra(testNetwork)["name"])
	require.Equal(t, []string{"0xfacilitator"}, h.GetSigners(testNetwork))
	require.Equal(t, SchemeUpto, h.Scheme())
	require.Equal(t, "eip155:*", h.CaipFamily())
}
