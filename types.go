// Package x402 implements the facilitator side of the x402 payment protocol:
// scheme registry, verification/settlement pipeline with lifecycle hooks, and
// the session machinery backing the upto payment scheme.
package x402

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProtocolVersion is the x402 protocol version spoken by this module.
const ProtocolVersion = 2

// Scheme identifiers understood by the registry.
const (
	SchemeExact = "exact"
	SchemeUpto  = "upto"
)

// Network represents a blockchain network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "eip155:8453" for Base mainnet)
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// Match checks if this network matches a pattern (supports wildcards)
// e.g., "eip155:8453" matches "eip155:*" and "eip155:*" matches "eip155:8453"
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}

	nStr := string(n)
	patternStr := string(pattern)

	if strings.HasSuffix(patternStr, ":*") {
		prefix := strings.TrimSuffix(patternStr, "*")
		return strings.HasPrefix(nStr, prefix)
	}

	if strings.HasSuffix(nStr, ":*") {
		prefix := strings.TrimSuffix(nStr, "*")
		return strings.HasPrefix(patternStr, prefix)
	}

	return false
}

// IsWildcard reports whether the network is a family pattern like "eip155:*".
func (n Network) IsWildcard() bool {
	return strings.HasSuffix(string(n), ":*")
}

// Family returns the CAIP-2 family pattern for this network
// (e.g., "eip155:8453" -> "eip155:*").
func (n Network) Family() string {
	namespace, _, err := n.Parse()
	if err != nil {
		return string(n)
	}
	return namespace + ":*"
}

// PaymentRequirements defines one payment option a resource server accepts.
// Amount is a decimal integer in the asset's base units; values that can
// exceed 2^53 travel as strings on the wire.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Asset             string                 `json:"asset"`
	Amount            string                 `json:"amount"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
	Resource          string                 `json:"resource,omitempty"`
	Description       string                 `json:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty"`
	OutputSchema      json.RawMessage        `json:"outputSchema,omitempty"`
}

// PaymentPayload contains the signed payment authorization from a client.
// Accepted echoes the single PaymentRequirements option the payer chose;
// Payload is scheme-specific (see mechanisms/evm for the EVM shapes).
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Accepted    PaymentRequirements    `json:"accepted"`
	Payload     map[string]interface{} `json:"payload"`
}

// PaymentRequired is the 402 response body sent to clients
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Payer       string                `json:"payer,omitempty"`
}

// VerifyRequest contains the payment to verify
type VerifyRequest struct {
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse contains the verification result
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleRequest contains the payment to settle
type SettleRequest struct {
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// SettleResponse contains the settlement result. Transaction is the chain
// transaction hash of the receipt when Success is true.
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	Transaction string  `json:"transaction"`
	Network     Network `json:"network"`
}

// SupportedKind represents a single supported payment configuration
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse describes what payment kinds a facilitator supports.
// Signers groups the facilitator's signer addresses by CAIP-2 family
// (e.g., "eip155:*" -> facilitator wallet addresses).
type SupportedResponse struct {
	Kinds   []SupportedKind     `json:"kinds"`
	Signers map[string][]string `json:"signers"`
}
