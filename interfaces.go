package x402

import "context"

// Scheme is implemented by facilitator-side payment mechanisms.
// A Scheme handles verification and settlement for one (scheme, chain family)
// combination; the registry routes requests to it by (network, scheme name).
type Scheme interface {
	// Scheme returns the scheme identifier ("exact", "upto").
	Scheme() string

	// CaipFamily returns the CAIP family pattern this scheme serves.
	// EVM schemes return "eip155:*", SVM schemes "solana:*".
	// Used to group signer addresses in the supported response.
	CaipFamily() string

	// GetExtra returns scheme-specific extra data for the supported kinds
	// endpoint, or nil. SVM schemes return the fee payer address here.
	GetExtra(network Network) map[string]interface{}

	// GetSigners returns the signer addresses this scheme settles with on the
	// given network. Multiple addresses support key rotation and load
	// balancing.
	GetSigners(network Network) []string

	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error)
}

// FacilitatorClient is the capability the resource-server middleware uses to
// talk to a facilitator, local or remote.
type FacilitatorClient interface {
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error)
	GetSupported(ctx context.Context) (SupportedResponse, error)
}

// SessionStore is a pluggable mapping from session id to Session backing the
// upto scheme. Implementations must provide linearizable Set semantics: once
// Set returns, a subsequent Get on the same id observes the new value.
// Stable iteration order in Entries is not required. The default
// implementation is the process-local MemorySessionStore.
type SessionStore interface {
	Get(ctx context.Context, id string) (*Session, error)
	Set(ctx context.Context, id string, session *Session) error
	Delete(ctx context.Context, id string) error
	Entries(ctx context.Context) ([]*Session, error)
}
