package x402

import (
	"context"
	"time"
)

// ============================================================================
// Hook Context Types
// ============================================================================

// VerifyContext contains information passed to verify hooks. Tracking is a
// shared mutable map scoped to the facilitator; hooks may use it to carry
// state between hook points (the default settlement guard does).
type VerifyContext struct {
	Ctx                 context.Context
	PaymentPayload      PaymentPayload
	PaymentRequirements PaymentRequirements
	Timestamp           time.Time
	Tracking            *TrackingContext
}

// VerifyResultContext contains a verify operation result and its context
type VerifyResultContext struct {
	VerifyContext
	Result   VerifyResponse
	Duration time.Duration
}

// VerifyFailureContext contains a verify operation failure and its context
type VerifyFailureContext struct {
	VerifyContext
	Error    error
	Duration time.Duration
}

// SettleContext contains information passed to settle hooks
type SettleContext struct {
	Ctx                 context.Context
	PaymentPayload      PaymentPayload
	PaymentRequirements PaymentRequirements
	Timestamp           time.Time
	Tracking            *TrackingContext
}

// SettleResultContext contains a settle operation result and its context
type SettleResultContext struct {
	SettleContext
	Result   SettleResponse
	Duration time.Duration
}

// SettleFailureContext contains a settle operation failure and its context
type SettleFailureContext struct {
	SettleContext
	Error    error
	Duration time.Duration
}

// ============================================================================
// Hook Result Types
// ============================================================================

// BeforeHookResult represents the result of a "before" hook.
// If Abort is true, the operation is aborted with the given Reason.
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// VerifyFailureHookResult represents the result of a verify failure hook.
// If Recovered is true, the hook has recovered from the failure and Result
// is returned in place of the error.
type VerifyFailureHookResult struct {
	Recovered bool
	Result    VerifyResponse
}

// SettleFailureHookResult represents the result of a settle failure hook.
type SettleFailureHookResult struct {
	Recovered bool
	Result    SettleResponse
}

// ============================================================================
// Hook Function Types
// ============================================================================

// BeforeVerifyHook is called before payment verification. A returned error or
// an Abort result turns the verification into a failure with the hook's
// message as the invalid reason.
type BeforeVerifyHook func(VerifyContext) (*BeforeHookResult, error)

// AfterVerifyHook is called after successful payment verification.
// Errors are logged and do not affect the verification result.
type AfterVerifyHook func(VerifyResultContext) error

// OnVerifyFailureHook is called when payment verification fails. A Recovered
// result substitutes its VerifyResponse for the failure.
type OnVerifyFailureHook func(VerifyFailureContext) (*VerifyFailureHookResult, error)

// BeforeSettleHook is called before payment settlement. A returned error or
// an Abort result aborts settlement; the hook's message becomes the
// errorReason of the structured failure response.
type BeforeSettleHook func(SettleContext) (*BeforeHookResult, error)

// AfterSettleHook is called after successful payment settlement.
// Errors are logged and do not affect the settlement result.
type AfterSettleHook func(SettleResultContext) error

// OnSettleFailureHook is called when payment settlement fails. A Recovered
// result substitutes its SettleResponse for the failure.
type OnSettleFailureHook func(SettleFailureContext) (*SettleFailureHookResult, error)
