package x402

import "fmt"

// Verify failure reasons. These are stable wire strings carried in
// VerifyResponse.InvalidReason.
const (
	ReasonUnsupportedScheme      = "unsupported_scheme"
	ReasonUnsupportedNetwork     = "unsupported_network"
	ReasonNetworkMismatch        = "network_mismatch"
	ReasonSchemeMismatch         = "scheme_mismatch"
	ReasonMissingEIP712Domain    = "missing_eip712_domain"
	ReasonInvalidUptoEvmPayload  = "invalid_upto_evm_payload"
	ReasonSpenderNotFacilitator  = "spender_not_facilitator"
	ReasonCapTooLow              = "cap_too_low"
	ReasonCapBelowRequiredMax    = "cap_below_required_max"
	ReasonAuthorizationExpired   = "authorization_expired"
	ReasonInvalidChainID         = "invalid_chain_id"
	ReasonInvalidPermitSignature = "invalid_permit_signature"
	ReasonInvalidSignature       = "invalid_signature"
)

// Settle failure reasons, carried in SettleResponse.ErrorReason.
const (
	ReasonUnsupportedSignatureType = "unsupported_signature_type"
	ReasonPermitFailed             = "permit_failed"
	ReasonInsufficientAllowance    = "insufficient_allowance"
	ReasonTransactionFailed        = "transaction_failed"
	ReasonInvalidTransactionState  = "invalid_transaction_state"
)

// Tracking failure codes returned by the upto session tracker.
const (
	TrackingInvalidPayload     = "invalid_payload"
	TrackingSettlingInProgress = "settling_in_progress"
	TrackingSessionClosed      = "session_closed"
	TrackingCapExhausted       = "cap_exhausted"
)

// TrackingError is returned by the session tracker when a charge cannot be
// accepted. Code is one of the Tracking* constants; SessionID is set when the
// session exists.
type TrackingError struct {
	Code      string
	SessionID string
}

func (e *TrackingError) Error() string {
	if e.SessionID == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: session %s", e.Code, e.SessionID)
}

// HTTPStatus maps the tracking error to the protocol's HTTP status code.
func (e *TrackingError) HTTPStatus() int {
	switch e.Code {
	case TrackingInvalidPayload:
		return 400
	case TrackingSettlingInProgress:
		return 409
	case TrackingSessionClosed, TrackingCapExhausted:
		return 402
	default:
		return 500
	}
}

// PaymentError represents a payment-specific error
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}
