package x402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultTrackingTTL bounds how long a verified payload stays eligible for
// settlement. It must exceed the sweeper's long-idle window so batch
// settlements of quiet sessions still pass the settlement guard.
const DefaultTrackingTTL = 2 * time.Hour

// Facilitator wraps a SchemeRegistry with lifecycle hooks and enforces the
// verified-before-settled invariant via its tracking context.
type Facilitator struct {
	mu       sync.RWMutex
	registry *SchemeRegistry
	tracking *TrackingContext
	logger   *slog.Logger

	beforeVerifyHooks    []BeforeVerifyHook
	afterVerifyHooks     []AfterVerifyHook
	onVerifyFailureHooks []OnVerifyFailureHook
	beforeSettleHooks    []BeforeSettleHook
	afterSettleHooks     []AfterSettleHook
	onSettleFailureHooks []OnSettleFailureHook
}

// FacilitatorOption configures a Facilitator.
type FacilitatorOption func(*Facilitator)

// WithLogger sets the logger used for hook errors and pipeline diagnostics.
func WithLogger(logger *slog.Logger) FacilitatorOption {
	return func(f *Facilitator) {
		f.logger = logger
	}
}

// WithTrackingTTL overrides the settlement guard's retention window.
func WithTrackingTTL(ttl time.Duration) FacilitatorOption {
	return func(f *Facilitator) {
		f.tracking.ttl = ttl
	}
}

// WithoutSettlementGuard disables the default hooks that enforce
// verified-before-settled. Settlement ordering then becomes the caller's
// responsibility.
func WithoutSettlementGuard() FacilitatorOption {
	return func(f *Facilitator) {
		f.tracking.disabled = true
	}
}

// NewFacilitator creates a facilitator with an empty registry and the default
// settlement guard installed.
func NewFacilitator(opts ...FacilitatorOption) *Facilitator {
	f := &Facilitator{
		registry: NewSchemeRegistry(),
		tracking: newTrackingContext(DefaultTrackingTTL),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register registers a scheme for a network. Chainable.
func (f *Facilitator) Register(network Network, scheme Scheme, extra ...map[string]interface{}) *Facilitator {
	f.registry.Register(network, scheme, extra...)
	return f
}

// Registry exposes the underlying scheme registry.
func (f *Facilitator) Registry() *SchemeRegistry {
	return f.registry
}

// ============================================================================
// Hook Registration (chainable)
// ============================================================================

func (f *Facilitator) OnBeforeVerify(hook BeforeVerifyHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeVerifyHooks = append(f.beforeVerifyHooks, hook)
	return f
}

func (f *Facilitator) OnAfterVerify(hook AfterVerifyHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterVerifyHooks = append(f.afterVerifyHooks, hook)
	return f
}

func (f *Facilitator) OnVerifyFailure(hook OnVerifyFailureHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onVerifyFailureHooks = append(f.onVerifyFailureHooks, hook)
	return f
}

func (f *Facilitator) OnBeforeSettle(hook BeforeSettleHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeSettleHooks = append(f.beforeSettleHooks, hook)
	return f
}

func (f *Facilitator) OnAfterSettle(hook AfterSettleHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSettleHooks = append(f.afterSettleHooks, hook)
	return f
}

func (f *Facilitator) OnSettleFailure(hook OnSettleFailureHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSettleFailureHooks = append(f.onSettleFailureHooks, hook)
	return f
}

// ============================================================================
// Pipeline
// ============================================================================

// Verify verifies a payment against requirements, running the registered
// hooks around the scheme call. A before-hook error or abort is reported as a
// verify failure, not an internal error.
func (f *Facilitator) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error) {
	scheme, reason := f.resolve(requirements)
	if scheme == nil {
		return VerifyResponse{IsValid: false, InvalidReason: reason}, nil
	}

	hookCtx := VerifyContext{
		Ctx:                 ctx,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
		Timestamp:           time.Now(),
		Tracking:            f.tracking,
	}

	f.mu.RLock()
	beforeHooks := f.beforeVerifyHooks
	afterHooks := f.afterVerifyHooks
	failureHooks := f.onVerifyFailureHooks
	f.mu.RUnlock()

	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return VerifyResponse{IsValid: false, InvalidReason: err.Error()}, nil
		}
		if result != nil && result.Abort {
			return VerifyResponse{IsValid: false, InvalidReason: result.Reason}, nil
		}
	}

	start := time.Now()
	result, verifyErr := scheme.Verify(ctx, payload, requirements)
	duration := time.Since(start)

	if verifyErr != nil {
		failureCtx := VerifyFailureContext{VerifyContext: hookCtx, Error: verifyErr, Duration: duration}
		for _, hook := range failureHooks {
			recovered, err := hook(failureCtx)
			if err != nil {
				f.logger.Warn("verify failure hook error", "error", err)
			}
			if recovered != nil && recovered.Recovered {
				return recovered.Result, nil
			}
		}
		if result == nil {
			return VerifyResponse{IsValid: false}, verifyErr
		}
		return *result, verifyErr
	}

	if result.IsValid && !f.tracking.disabled {
		f.tracking.RecordVerified(payload, requirements, result.Payer)
	}

	resultCtx := VerifyResultContext{VerifyContext: hookCtx, Result: *result, Duration: duration}
	for _, hook := range afterHooks {
		if err := hook(resultCtx); err != nil {
			f.logger.Warn("after verify hook error", "error", err)
		}
	}

	return *result, nil
}

// Settle settles a verified payment. A before-hook error or abort produces a
// structured failure response with a nil error so the HTTP surface can return
// it with status 200 and the middleware can propagate it cleanly. The default
// settlement guard rejects payloads that never passed Verify.
func (f *Facilitator) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error) {
	scheme, reason := f.resolve(requirements)
	if scheme == nil {
		return SettleResponse{Success: false, ErrorReason: reason, Network: requirements.Network}, nil
	}

	if !f.tracking.disabled && !f.tracking.Verified(payload) {
		return SettleResponse{
			Success:     false,
			ErrorReason: "settlement rejected: payload was not verified",
			Network:     requirements.Network,
		}, nil
	}

	hookCtx := SettleContext{
		Ctx:                 ctx,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
		Timestamp:           time.Now(),
		Tracking:            f.tracking,
	}

	f.mu.RLock()
	beforeHooks := f.beforeSettleHooks
	afterHooks := f.afterSettleHooks
	failureHooks := f.onSettleFailureHooks
	f.mu.RUnlock()

	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return SettleResponse{Success: false, ErrorReason: err.Error(), Network: requirements.Network}, nil
		}
		if result != nil && result.Abort {
			return SettleResponse{Success: false, ErrorReason: result.Reason, Network: requirements.Network}, nil
		}
	}

	start := time.Now()
	result, settleErr := scheme.Settle(ctx, payload, requirements)
	duration := time.Since(start)

	if settleErr != nil || (result != nil && !result.Success) {
		var failure SettleResponse
		if result != nil {
			failure = *result
		} else {
			failure = SettleResponse{Success: false, ErrorReason: ReasonTransactionFailed, Network: requirements.Network}
		}
		failureCtx := SettleFailureContext{SettleContext: hookCtx, Error: settleErr, Duration: duration}
		for _, hook := range failureHooks {
			recovered, err := hook(failureCtx)
			if err != nil {
				f.logger.Warn("settle failure hook error", "error", err)
			}
			if recovered != nil && recovered.Recovered {
				return recovered.Result, nil
			}
		}
		return failure, settleErr
	}

	resultCtx := SettleResultContext{SettleContext: hookCtx, Result: *result, Duration: duration}
	for _, hook := range afterHooks {
		if err := hook(resultCtx); err != nil {
			f.logger.Warn("after settle hook error", "error", err)
		}
	}

	return *result, nil
}

// GetSupported returns the registry's advertisement. Computed per call.
func (f *Facilitator) GetSupported() SupportedResponse {
	return f.registry.GetSupported()
}

// resolve finds the scheme for the requirements, distinguishing unknown
// networks from unknown schemes on a known network.
func (f *Facilitator) resolve(requirements PaymentRequirements) (Scheme, string) {
	if scheme := f.registry.Find(requirements.Network, requirements.Scheme); scheme != nil {
		return scheme, ""
	}
	for _, network := range f.registry.Networks() {
		if requirements.Network.Match(network) {
			return nil, ReasonUnsupportedScheme
		}
	}
	return nil, ReasonUnsupportedNetwork
}

// ============================================================================
// Settlement guard tracking
// ============================================================================

// TrackingContext records which payloads have passed verification so the
// settle path can enforce the verified-before-settled invariant. Hooks
// receive it and may consult or extend the records.
type TrackingContext struct {
	mu       sync.Mutex
	records  map[string]trackingRecord
	ttl      time.Duration
	disabled bool
}

type trackingRecord struct {
	payer      string
	verifiedAt time.Time
}

func newTrackingContext(ttl time.Duration) *TrackingContext {
	return &TrackingContext{
		records: make(map[string]trackingRecord),
		ttl:     ttl,
	}
}

// PayloadKey derives the tracking key for a payload: sha256 over its
// canonical JSON (map keys are emitted sorted, so the encoding is stable).
func PayloadKey(payload PaymentPayload) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("unmarshalable:%v", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// RecordVerified marks a payload as verified.
func (t *TrackingContext) RecordVerified(payload PaymentPayload, _ PaymentRequirements, payer string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for key, record := range t.records {
		if now.Sub(record.verifiedAt) > t.ttl {
			delete(t.records, key)
		}
	}
	t.records[PayloadKey(payload)] = trackingRecord{payer: payer, verifiedAt: now}
}

// Verified reports whether the exact payload passed verification within the
// retention window. The requirements may differ from the verified ones: upto
// batch settlement rewrites the amount to the pending snapshot.
func (t *TrackingContext) Verified(payload PaymentPayload) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.records[PayloadKey(payload)]
	if !ok {
		return false
	}
	return time.Since(record.verifiedAt) <= t.ttl
}
