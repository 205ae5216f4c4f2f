package upto

// SchemeUpto is the scheme identifier this handler implements.
const SchemeUpto = "upto"

// PermitDeadlineBuffer is the time buffer (seconds) added when checking
// deadline expiration, to account for block propagation time between
// verify and the eventual on-chain submission.
const PermitDeadlineBuffer = 6

// PermitABI is the EIP-2612 permit(owner,spender,value,deadline,v,r,s) ABI.
var PermitABI = []byte(`[
	{
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "deadline", "type": "uint256"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"name": "permit",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`)

// AllowanceABI is the ERC-20 allowance(owner,spender) view ABI, used as the
// fallback read when a permit has already been consumed by a prior settle.
var AllowanceABI = []byte(`[
	{
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"name": "allowance",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`)

// TransferFromABI is the ERC-20 transferFrom(from,to,value) ABI used for
// the actual settlement transfer once the spend is authorized.
var TransferFromABI = []byte(`[
	{
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"}
		],
		"name": "transferFrom",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`)

// PermitEIP712Types defines the EIP-2612 Permit struct's EIP-712 type, used
// alongside the token's own domain (name/version/chainId/verifyingContract)
// to reconstruct the digest the client signed.
var PermitEIP712Types = map[string][]TypedDataField{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Permit": {
		{Name: "owner", Type: "address"},
		{Name: "spender", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}
