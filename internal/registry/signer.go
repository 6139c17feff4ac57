package registry

import "context"

// Signer is the injected capability that alone holds user credentials. It
// signs and submits one transaction and returns once the governance layer
// confirms it. Implementations wrap a wallet or keystore; the core never
// sees key material.
type Signer interface {
	// Identity returns the on-chain identity transactions are signed as.
	Identity() string
	// Submit signs and submits a transaction against target's method and
	// blocks until confirmation. Implementations must map rejection classes
	// onto errkind kinds: signature rejection -> Permanent, wrong prior
	// state -> Conflict, node failure -> Transient.
	Submit(ctx context.Context, target, method string, args ...any) (*Receipt, error)
}
