// Package upto implements the EVM "upto" scheme handler: EIP-2612 permit
// verification plus the permit -> allowance-fallback -> transferFrom
// settlement algorithm.
package upto

import (
	"context"
	"math/big"
)

// TypedDataDomain is an EIP-712 domain separator.
type TypedDataDomain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// TypedDataField is one field in an EIP-712 type definition.
type TypedDataField struct {
	Name string
	Type string
}

// TransactionReceipt is the facilitator-visible outcome of a submitted
// transaction.
type TransactionReceipt struct {
	Status uint64
	TxHash string
}

// Transaction status values a SignerPort receipt may carry.
const (
	TxStatusSuccess = 1
	TxStatusFailed  = 0
)

// SignerPort is the chain-signer abstraction the upto scheme handler
// consumes. It is specified here as an interface only — no concrete
// ethclient-backed implementation belongs in this repo; a real deployment
// wires in its own signer satisfying this contract.
type SignerPort interface {
	// GetAddresses returns every address this signer can act as, for
	// load balancing and key rotation.
	GetAddresses(ctx context.Context) ([]string, error)

	// VerifyTypedData verifies an EIP-712 signature against address.
	VerifyTypedData(ctx context.Context, address string, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}, signature []byte) (bool, error)

	// ReadContract performs a view call.
	ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)

	// WriteContract submits a state-changing call and returns its
	// transaction hash.
	WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error)

	// WaitForTransactionReceipt blocks until txHash is mined or ctx
	// expires.
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)
}
