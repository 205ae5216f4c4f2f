package x402

import "math/big"

// ParseBigIntSaturate parses a decimal base-unit string, saturating to zero
// on failure instead of erroring. This is the source's lenient policy at the
// verify boundary (spec §4.3, Design Notes "Big integers") — an unparseable
// amount fails the subsequent comparison rather than aborting verification
// with an unrelated error.
func ParseBigIntSaturate(s string) *big.Int {
	if s == "" {
		return big.NewInt(0)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

// findHandler looks up the handler registered for (network, scheme),
// falling back to a "family:*" pattern match if no exact registration
// exists for the network.
func findHandler(registry map[Network]map[string]SchemeHandler, network Network, scheme string) SchemeHandler {
	if schemes, ok := registry[network]; ok {
		if h, ok := schemes[scheme]; ok {
			return h
		}
	}
	for registeredNetwork, schemes := range registry {
		if network.Match(registeredNetwork) {
			if h, ok := schemes[scheme]; ok {
				return h
			}
		}
	}
	return nil
}
