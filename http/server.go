package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xeipuuv/gojsonschema"

	x402 "github.com/x402-foundation/x402-facilitator"
)

// verifyRequestSchema validates /verify and /settle bodies before they reach
// the facilitator. Scheme-specific payload contents are validated by the
// mechanisms themselves.
const verifyRequestSchema = `{
	"type": "object",
	"required": ["paymentPayload", "paymentRequirements"],
	"properties": {
		"x402Version": {"type": "integer", "minimum": 1},
		"paymentPayload": {
			"type": "object",
			"required": ["x402Version", "accepted", "payload"],
			"properties": {
				"x402Version": {"type": "integer", "minimum": 1},
				"accepted": {
					"type": "object",
					"required": ["scheme", "network"],
					"properties": {
						"scheme": {"type": "string", "minLength": 1},
						"network": {"type": "string", "minLength": 1}
					}
				},
				"payload": {"type": "object"}
			}
		},
		"paymentRequirements": {
			"type": "object",
			"required": ["scheme", "network", "asset", "amount", "payTo"],
			"properties": {
				"scheme": {"type": "string", "minLength": 1},
				"network": {"type": "string", "minLength": 1},
				"asset": {"type": "string", "minLength": 1},
				"amount": {"type": "string", "pattern": "^[0-9]+$"},
				"payTo": {"type": "string", "minLength": 1}
			}
		}
	}
}`

// closeSessionSchema validates /upto/close bodies.
const closeSessionSchema = `{
	"type": "object",
	"required": ["sessionId"],
	"properties": {
		"sessionId": {"type": "string", "minLength": 1}
	}
}`

// Server exposes a facilitator over HTTP: verification, settlement, and
// capability discovery, plus session close for upto payments when a session
// store is attached.
type Server struct {
	facilitator *x402.Facilitator
	store       x402.SessionStore
	logger      *slog.Logger
	startedAt   time.Time

	paymentSchema *gojsonschema.Schema
	closeSchema   *gojsonschema.Schema
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithSessionStore enables POST /upto/close against the given store.
func WithSessionStore(store x402.SessionStore) ServerOption {
	return func(s *Server) {
		s.store = store
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a facilitator HTTP server.
func NewServer(facilitator *x402.Facilitator, opts ...ServerOption) (*Server, error) {
	paymentSchema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(verifyRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile payment request schema: %w", err)
	}
	closeSchema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(closeSessionSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile close request schema: %w", err)
	}

	s := &Server{
		facilitator:   facilitator,
		logger:        slog.Default(),
		startedAt:     time.Now(),
		paymentSchema: paymentSchema,
		closeSchema:   closeSchema,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Router builds the gin engine with all facilitator routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.GET("/supported", s.handleSupported)
	router.POST("/verify", s.handleVerify)
	router.POST("/settle", s.handleSettle)
	router.POST("/upto/close", s.handleCloseSession)

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"x402Version":   x402.ProtocolVersion,
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, s.facilitator.GetSupported())
}

func (s *Server) handleVerify(c *gin.Context) {
	var req x402.VerifyRequest
	if !s.bindPaymentRequest(c, &req) {
		return
	}

	response, err := s.facilitator.Verify(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.logger.Error("verify errored", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}

	c.JSON(http.StatusOK, response)
}

// handleSettle settles a payment. Structured failures, including before-hook
// aborts, come back as 200 with success=false; 500 is reserved for transport
// and programmer faults.
func (s *Server) handleSettle(c *gin.Context) {
	var req x402.SettleRequest
	if !s.bindPaymentRequest(c, &req) {
		return
	}

	response, err := s.facilitator.Settle(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.logger.Error("settle errored", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement failed"})
		return
	}

	c.JSON(http.StatusOK, response)
}

// handleCloseSession settles any outstanding balance on an upto session and
// closes it.
func (s *Server) handleCloseSession(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "upto sessions not enabled"})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	if reason := s.validate(s.closeSchema, body); reason != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": reason})
		return
	}

	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	session, settleErr := x402.SettleSession(c.Request.Context(), s.store, s.facilitator, req.SessionID, x402.SettleSessionOptions{
		Reason:     "manual_close",
		CloseAfter: true,
	})
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if settleErr != nil {
		s.logger.Error("session close settlement errored", "sessionId", req.SessionID, "error", settleErr)
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId":    session.ID,
		"status":       string(session.Status),
		"settledTotal": session.SettledTotal.String(),
		"pendingSpent": session.PendingSpent.String(),
	})
}

// bindPaymentRequest reads and schema-validates a verify/settle body. On
// failure it writes the 400 response and returns false.
func (s *Server) bindPaymentRequest(c *gin.Context, out interface{}) bool {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return false
	}
	if reason := s.validate(s.paymentSchema, body); reason != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": reason})
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return false
	}
	return true
}

// validate runs a compiled schema over a raw body and returns the first
// failure description, or "" when the body passes.
func (s *Server) validate(schema *gojsonschema.Schema, body []byte) string {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return "request body is not valid JSON"
	}
	if !result.Valid() {
		if errs := result.Errors(); len(errs) > 0 {
			return errs[0].String()
		}
		return "request body failed validation"
	}
	return ""
}
