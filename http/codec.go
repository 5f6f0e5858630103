// Package http provides the transport-agnostic payment middleware engine,
// header codecs, an HTTP facilitator client, and the facilitator server.
// Framework bindings live in the gin and chi subpackages.
package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"

	x402 "github.com/x402-foundation/x402-facilitator"
)

// Protocol header names. Values are base64-encoded JSON.
const (
	// HeaderPaymentSignature carries the client's signed payment payload.
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"

	// HeaderPaymentLegacy is the pre-v2 alias for HeaderPaymentSignature,
	// still accepted on ingress.
	HeaderPaymentLegacy = "X-PAYMENT"

	// HeaderPaymentRequired mirrors the 402 response body for clients that
	// prefer header-based negotiation.
	HeaderPaymentRequired = "PAYMENT-REQUIRED"

	// HeaderPaymentResponse carries the settlement receipt on 200 responses.
	HeaderPaymentResponse = "PAYMENT-RESPONSE"

	// HeaderUptoSession reports the upto session id charged by the request.
	HeaderUptoSession = "X-Upto-Session-Id"
)

// base64Pattern rejects obviously malformed header values before decoding.
var base64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)

// EncodePaymentPayload encodes a payment payload for the
// PAYMENT-SIGNATURE header.
func EncodePaymentPayload(payload x402.PaymentPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentPayload decodes a PAYMENT-SIGNATURE header value.
func DecodePaymentPayload(header string) (*x402.PaymentPayload, error) {
	if header == "" {
		return nil, fmt.Errorf("empty payment header")
	}
	if !base64Pattern.MatchString(header) {
		return nil, fmt.Errorf("payment header is not valid base64")
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payment header: %w", err)
	}
	var payload x402.PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment payload: %w", err)
	}
	return &payload, nil
}

// EncodePaymentRequired encodes a 402 negotiation body for the
// PAYMENT-REQUIRED header.
func EncodePaymentRequired(required x402.PaymentRequired) (string, error) {
	raw, err := json.Marshal(required)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment required: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentRequired decodes a PAYMENT-REQUIRED header value.
func DecodePaymentRequired(header string) (*x402.PaymentRequired, error) {
	if !base64Pattern.MatchString(header) {
		return nil, fmt.Errorf("payment required header is not valid base64")
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payment required header: %w", err)
	}
	var required x402.PaymentRequired
	if err := json.Unmarshal(raw, &required); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment required: %w", err)
	}
	return &required, nil
}

// EncodeSettleResponse encodes a settlement receipt for the
// PAYMENT-RESPONSE header.
func EncodeSettleResponse(response x402.SettleResponse) (string, error) {
	raw, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settle response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSettleResponse decodes a PAYMENT-RESPONSE header value.
func DecodeSettleResponse(header string) (*x402.SettleResponse, error) {
	if !base64Pattern.MatchString(header) {
		return nil, fmt.Errorf("payment response header is not valid base64")
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payment response header: %w", err)
	}
	var response x402.SettleResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settle response: %w", err)
	}
	return &response, nil
}
