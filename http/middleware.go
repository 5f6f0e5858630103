package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	x402 "github.com/x402-foundation/x402-facilitator"
)

// defaultMaxTimeoutSeconds bounds how long a client may take to settle when
// the route does not specify its own limit.
const defaultMaxTimeoutSeconds = 60

// PaymentState carries the verified payment through the request so Finalize
// can settle it after the handler produced its response.
type PaymentState struct {
	Payload      x402.PaymentPayload
	Requirements x402.PaymentRequirements

	// Session is set for upto payments; their settlement is deferred to the
	// session machinery instead of Finalize.
	Session *x402.Session
}

// Outcome is the engine's decision for one request. When Continue is true the
// framework binding runs the protected handler and then calls Finalize with
// State; otherwise it writes StatusCode/ContentType/Body and stops. Headers
// apply in both cases.
type Outcome struct {
	Continue    bool
	StatusCode  int
	ContentType string
	Body        []byte
	Headers     map[string]string
	State       *PaymentState
}

// Middleware is the framework-neutral payment gate for resource servers.
type Middleware struct {
	routes  []compiledRoute
	client  x402.FacilitatorClient
	tracker *x402.SessionTracker
	paywall PaywallProvider
	logger  *slog.Logger
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware)

// WithSessionTracker enables upto routes by providing the session tracker
// that accumulates charges. Upto routes without a tracker fail closed.
func WithSessionTracker(tracker *x402.SessionTracker) MiddlewareOption {
	return func(m *Middleware) {
		m.tracker = tracker
	}
}

// WithPaywallProvider overrides the HTML paywall shown to browsers.
func WithPaywallProvider(paywall PaywallProvider) MiddlewareOption {
	return func(m *Middleware) {
		m.paywall = paywall
	}
}

// WithMiddlewareLogger sets the logger.
func WithMiddlewareLogger(logger *slog.Logger) MiddlewareOption {
	return func(m *Middleware) {
		m.logger = logger
	}
}

// NewMiddleware creates the payment middleware engine over a facilitator
// client (local or remote).
func NewMiddleware(routes RoutesConfig, client x402.FacilitatorClient, opts ...MiddlewareOption) (*Middleware, error) {
	compiled, err := compileRoutes(routes)
	if err != nil {
		return nil, err
	}
	m := &Middleware{
		routes:  compiled,
		client:  client,
		paywall: DefaultPaywall(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// HandleRequest runs the payment gate for one request: route lookup, header
// decode, verification, and (for upto) the session charge.
func (m *Middleware) HandleRequest(ctx context.Context, adapter HTTPAdapter) Outcome {
	route := matchRoute(m.routes, adapter.GetMethod(), adapter.GetPath())
	if route == nil {
		return Outcome{Continue: true}
	}

	requirements := m.buildRequirements(route, adapter)

	header := adapter.GetHeader(HeaderPaymentSignature)
	if header == "" {
		header = adapter.GetHeader(HeaderPaymentLegacy)
	}
	if header == "" {
		return m.paymentRequired(adapter, requirements, "payment required")
	}

	payload, err := DecodePaymentPayload(header)
	if err != nil {
		return m.paymentRequired(adapter, requirements, "malformed payment header")
	}
	if payload.Accepted.Scheme != requirements.Scheme {
		return m.paymentRequired(adapter, requirements, x402.ReasonSchemeMismatch)
	}

	verifyResp, err := m.client.Verify(ctx, *payload, requirements)
	if err != nil {
		m.logger.Error("payment verification errored", "error", err)
		return jsonOutcome(http.StatusInternalServerError, map[string]interface{}{
			"x402Version": x402.ProtocolVersion,
			"error":       "verification failed",
		}, nil)
	}
	if !verifyResp.IsValid {
		return m.paymentRequired(adapter, requirements, verifyResp.InvalidReason)
	}

	state := &PaymentState{
		Payload:      *payload,
		Requirements: requirements,
	}

	if requirements.Scheme == x402.SchemeUpto {
		outcome, session := m.trackUpto(ctx, *payload, requirements, adapter)
		if outcome != nil {
			return *outcome
		}
		state.Session = session
		return Outcome{
			Continue: true,
			State:    state,
			Headers:  map[string]string{HeaderUptoSession: session.ID},
		}
	}

	return Outcome{Continue: true, State: state}
}

// trackUpto charges the session and maps tracking failures to their HTTP
// statuses. Returns a terminal outcome or the charged session.
func (m *Middleware) trackUpto(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements, adapter HTTPAdapter) (*Outcome, *x402.Session) {
	if m.tracker == nil {
		m.logger.Error("upto route without a session tracker", "path", adapter.GetPath())
		out := jsonOutcome(http.StatusInternalServerError, map[string]interface{}{
			"x402Version": x402.ProtocolVersion,
			"error":       "upto payments not configured",
		}, nil)
		return &out, nil
	}

	session, err := m.tracker.Track(ctx, payload, requirements)
	if err != nil {
		var trackingErr *x402.TrackingError
		if errors.As(err, &trackingErr) {
			body := map[string]interface{}{
				"x402Version": x402.ProtocolVersion,
				"error":       trackingErr.Code,
			}
			if trackingErr.SessionID != "" {
				body["sessionId"] = trackingErr.SessionID
			}
			out := jsonOutcome(trackingErr.HTTPStatus(), body, nil)
			return &out, nil
		}
		m.logger.Error("session tracking errored", "error", err)
		out := jsonOutcome(http.StatusInternalServerError, map[string]interface{}{
			"x402Version": x402.ProtocolVersion,
			"error":       "session tracking failed",
		}, nil)
		return &out, nil
	}

	return nil, session
}

// Finalize settles an exact payment after the handler ran and returns the
// headers to attach to the response. Upto payments settle out of band, so
// only the session header (already emitted) applies.
func (m *Middleware) Finalize(ctx context.Context, state *PaymentState) (map[string]string, error) {
	if state == nil || state.Requirements.Scheme == x402.SchemeUpto {
		return nil, nil
	}

	settleResp, err := m.client.Settle(ctx, state.Payload, state.Requirements)
	if err != nil {
		return nil, err
	}
	if !settleResp.Success {
		// the content already went out; log the loss and leave the
		// response untouched
		m.logger.Warn("settlement failed after content delivery",
			"reason", settleResp.ErrorReason, "payer", settleResp.Payer)
		return nil, nil
	}

	header, err := EncodeSettleResponse(*settleResp)
	if err != nil {
		return nil, err
	}
	return map[string]string{HeaderPaymentResponse: header}, nil
}

func (m *Middleware) buildRequirements(route *RouteConfig, adapter HTTPAdapter) x402.PaymentRequirements {
	maxTimeout := route.MaxTimeoutSeconds
	if maxTimeout <= 0 {
		maxTimeout = defaultMaxTimeoutSeconds
	}

	extra := route.Extra
	if route.MaxAmountRequired != "" {
		extra = make(map[string]interface{}, len(route.Extra)+1)
		for k, v := range route.Extra {
			extra[k] = v
		}
		extra["maxAmountRequired"] = route.MaxAmountRequired
	}

	return x402.PaymentRequirements{
		Scheme:            route.Scheme,
		Network:           route.Network,
		Asset:             route.Asset,
		Amount:            route.Amount,
		PayTo:             route.PayTo,
		MaxTimeoutSeconds: maxTimeout,
		Extra:             extra,
		Resource:          adapter.GetURL(),
		Description:       route.Description,
		MimeType:          route.MimeType,
		OutputSchema:      route.OutputSchema,
	}
}

// paymentRequired produces the 402 negotiation response: an HTML paywall for
// browsers, JSON plus the PAYMENT-REQUIRED header otherwise.
func (m *Middleware) paymentRequired(adapter HTTPAdapter, requirements x402.PaymentRequirements, reason string) Outcome {
	required := x402.PaymentRequired{
		X402Version: x402.ProtocolVersion,
		Error:       reason,
		Accepts:     []x402.PaymentRequirements{requirements},
	}

	if isWebBrowser(adapter) {
		html, err := m.paywall.Render(required)
		if err == nil {
			return Outcome{
				StatusCode:  http.StatusPaymentRequired,
				ContentType: "text/html; charset=utf-8",
				Body:        []byte(html),
			}
		}
		m.logger.Warn("paywall rendering failed", "error", err)
	}

	headers := map[string]string{}
	if encoded, err := EncodePaymentRequired(required); err == nil {
		headers[HeaderPaymentRequired] = encoded
	}
	return jsonOutcome(http.StatusPaymentRequired, required, headers)
}

func isWebBrowser(adapter HTTPAdapter) bool {
	return strings.Contains(adapter.GetHeader("Accept"), "text/html") &&
		strings.Contains(adapter.GetHeader("User-Agent"), "Mozilla")
}

func jsonOutcome(status int, body interface{}, headers map[string]string) Outcome {
	raw, err := json.Marshal(body)
	if err != nil {
		raw = []byte(`{"error":"internal"}`)
		status = http.StatusInternalServerError
	}
	return Outcome{
		StatusCode:  status,
		ContentType: "application/json",
		Body:        raw,
		Headers:     headers,
	}
}
