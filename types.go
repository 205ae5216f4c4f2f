// Package x402 implements the facilitator side of the x402 HTTP-payment
// protocol: a dispatcher that routes verify/settle requests to per-scheme,
// per-network handlers, plus the session engine backing the "upto" scheme.
package x402

import (
	"fmt"
	"strings"
)

// Network is a CAIP-2 chain identifier, "family:reference" (e.g.
// "eip155:8453", "solana:<genesis>", "starknet:mainnet").
type Network string

// Parse splits the network into its CAIP-2 family and reference components.
func (n Network) Parse() (family, reference string, err error) {
	parts := strings.SplitN(string(n), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// Family returns the CAIP-2 family pattern for this network ("eip155:*" for
// "eip155:8453"), or the network unchanged if it does not parse. GetSupported
// does not call it: it groups signers by each handler's CaipFamily().
func (n Network) Family() Network {
	family, _, err := n.Parse()
	if err != nil {
		return n
	}
	return Network(family + ":*")
}

// Match reports whether n satisfies pattern, which may be an exact network
// or a "family:*" wildcard.
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}
	if strings.HasSuffix(string(pattern), ":*") {
		prefix := strings.TrimSuffix(string(pattern), "*")
		return strings.HasPrefix(string(n), prefix)
	}
	return false
}

// PaymentRequirements describes what payment a resource will accept.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Asset             string                 `json:"asset"`
	Amount            string                 `json:"amount"` // decimal string, base units
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// ResourceInfo describes the resource a payment is paying for.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// PaymentPayload is the signed payment authorization presented by a client.
// Payload is scheme-specific and kept as a generic map (parse-then-validate
// at the handler boundary) so the envelope stays open to new schemes without
// a tagged-union rebuild of this type.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Resource    *ResourceInfo          `json:"resource,omitempty"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
	Accepted    PaymentRequirements    `json:"accepted"`
	Payload     map[string]interface{} `json:"payload"`
}

// PaymentRequired is the body of the 402 response sent to clients, base64
// encoded into the PAYMENT-REQUIRED header at the HTTP edge (out of scope
// here; see SignerPort / FacilitatorClient for the boundary this repo owns).
type PaymentRequired struct {
	X402Version int                    `json:"x402Version"`
	Error       string                 `json:"error,omitempty"`
	Resource    *ResourceInfo          `json:"resource,omitempty"`
	Accepts     []PaymentRequirements  `json:"accepts"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// VerifyResponse is the result of a verify call.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the result of a settle call.
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Transaction string  `json:"transaction"`
	Network     Network `json:"network"`
	Payer       string  `json:"payer,omitempty"`
}

// SupportedKind is one (network, scheme) pair a facilitator supports.
type SupportedKind struct {
	Network Network                `json:"network"`
	Scheme  string                 `json:"scheme"`
	Extra   map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse is the facilitator's capability advertisement.
type SupportedResponse struct {
	Kinds   []SupportedKind       `json:"kinds"`
	Signers map[Network][]string `json:"signers"`
}
