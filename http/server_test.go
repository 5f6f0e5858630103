package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/x402-facilitator"
)

// serverScheme is a scriptable x402.Scheme for server tests.
type serverScheme struct {
	name   string
	verify func(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (*x402.VerifyResponse, error)
	settle func(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (*x402.SettleResponse, error)
}

func (s *serverScheme) Scheme() string {
	if s.name == "" {
		return x402.SchemeExact
	}
	return s.name
}

func (s *serverScheme) CaipFamily() string { return "eip155:*" }

func (s *serverScheme) GetExtra(_ x402.Network) map[string]interface{} { return nil }

func (s *serverScheme) GetSigners(_ x402.Network) []string { return []string{"0xSigner"} }

func (s *serverScheme) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	if s.verify != nil {
		return s.verify(ctx, payload, requirements)
	}
	return &x402.VerifyResponse{IsValid: true, Payer: "0xPayer"}, nil
}

func (s *serverScheme) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	if s.settle != nil {
		return s.settle(ctx, payload, requirements)
	}
	return &x402.SettleResponse{Success: true, Transaction: "0xtx", Network: requirements.Network}, nil
}

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *x402.Facilitator) {
	t.Helper()
	facilitator := x402.NewFacilitator()
	facilitator.Register("eip155:8453", &serverScheme{})
	server, err := NewServer(facilitator, opts...)
	require.NoError(t, err)
	return server, facilitator
}

func paymentRequestBody(t *testing.T, mutate func(map[string]interface{})) []byte {
	t.Helper()
	requirements := map[string]interface{}{
		"scheme":  x402.SchemeExact,
		"network": "eip155:8453",
		"asset":   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		"amount":  "10000",
		"payTo":   "0xMerchant",
	}
	body := map[string]interface{}{
		"x402Version": x402.ProtocolVersion,
		"paymentPayload": map[string]interface{}{
			"x402Version": x402.ProtocolVersion,
			"accepted":    requirements,
			"payload":     map[string]interface{}{"signature": "0xsig"},
		},
		"paymentRequirements": requirements,
	}
	if mutate != nil {
		mutate(body)
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

func doRequest(server *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	server.Router().ServeHTTP(recorder, req)
	return recorder
}

func TestServerHealth(t *testing.T) {
	server, _ := newTestServer(t)

	recorder := doRequest(server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, x402.ProtocolVersion, body["x402Version"])
}

func TestServerSupported(t *testing.T) {
	server, _ := newTestServer(t)

	recorder := doRequest(server, http.MethodGet, "/supported", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "eip155:8453")
	assert.Contains(t, recorder.Body.String(), "0xSigner")
}

func TestServerVerify(t *testing.T) {
	server, _ := newTestServer(t)

	recorder := doRequest(server, http.MethodPost, "/verify", paymentRequestBody(t, nil))
	assert.Equal(t, http.StatusOK, recorder.Code)

	var resp x402.VerifyResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.True(t, resp.IsValid)
	assert.Equal(t, "0xPayer", resp.Payer)
}

func TestServerVerifyUnknownSchemeIs200(t *testing.T) {
	server, _ := newTestServer(t)

	body := paymentRequestBody(t, func(m map[string]interface{}) {
		m["paymentRequirements"].(map[string]interface{})["scheme"] = "subscription"
		m["paymentPayload"].(map[string]interface{})["accepted"].(map[string]interface{})["scheme"] = "subscription"
	})
	recorder := doRequest(server, http.MethodPost, "/verify", body)
	assert.Equal(t, http.StatusOK, recorder.Code)

	var resp x402.VerifyResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonUnsupportedScheme, resp.InvalidReason)
}

func TestServerVerifySchemaViolations(t *testing.T) {
	server, _ := newTestServer(t)

	tests := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{
			name: "missing payTo",
			mutate: func(m map[string]interface{}) {
				delete(m["paymentRequirements"].(map[string]interface{}), "payTo")
			},
		},
		{
			name: "non-numeric amount",
			mutate: func(m map[string]interface{}) {
				m["paymentRequirements"].(map[string]interface{})["amount"] = "ten"
			},
		},
		{
			name: "missing payment payload",
			mutate: func(m map[string]interface{}) {
				delete(m, "paymentPayload")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := doRequest(server, http.MethodPost, "/verify", paymentRequestBody(t, tt.mutate))
			assert.Equal(t, http.StatusBadRequest, recorder.Code)
		})
	}

	recorder := doRequest(server, http.MethodPost, "/verify", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestServerSettleRequiresVerification(t *testing.T) {
	server, _ := newTestServer(t)
	body := paymentRequestBody(t, nil)

	// settling an unverified payload is a structured failure, not a 400
	recorder := doRequest(server, http.MethodPost, "/settle", body)
	assert.Equal(t, http.StatusOK, recorder.Code)

	var resp x402.SettleResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.False(t, resp.Success)

	// verify first, then settle succeeds
	doRequest(server, http.MethodPost, "/verify", body)
	recorder = doRequest(server, http.MethodPost, "/settle", body)
	assert.Equal(t, http.StatusOK, recorder.Code)
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "0xtx", resp.Transaction)
}

func TestServerCloseSessionWithoutStore(t *testing.T) {
	server, _ := newTestServer(t)

	recorder := doRequest(server, http.MethodPost, "/upto/close", []byte(`{"sessionId":"abc"}`))
	assert.Equal(t, http.StatusNotFound, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "not enabled")
}

func TestServerCloseSession(t *testing.T) {
	store := x402.NewMemorySessionStore()
	facilitator := x402.NewFacilitator(x402.WithoutSettlementGuard())
	facilitator.Register("eip155:84532", &serverScheme{name: x402.SchemeUpto})
	server, err := NewServer(facilitator, WithSessionStore(store))
	require.NoError(t, err)

	// unknown session
	recorder := doRequest(server, http.MethodPost, "/upto/close", []byte(`{"sessionId":"missing"}`))
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	// malformed body
	recorder = doRequest(server, http.MethodPost, "/upto/close", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	// charge a session, then close it
	tracker := x402.NewSessionTracker(store)
	payload := x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Accepted: x402.PaymentRequirements{
			Scheme:  x402.SchemeUpto,
			Network: "eip155:84532",
			Amount:  "100",
		},
		Payload: map[string]interface{}{
			"signature": "0xdeadbeef",
			"authorization": map[string]interface{}{
				"from":        "0xOwner",
				"to":          "0xFacilitator",
				"value":       "1000",
				"nonce":       "1",
				"validBefore": "9999999999",
			},
		},
	}
	requirements := x402.PaymentRequirements{
		Scheme:  x402.SchemeUpto,
		Network: "eip155:84532",
		Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount:  "250",
		PayTo:   "0xMerchant",
	}
	session, err := tracker.Track(context.Background(), payload, requirements)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]string{"sessionId": session.ID})
	require.NoError(t, err)
	recorder = doRequest(server, http.MethodPost, "/upto/close", body)
	assert.Equal(t, http.StatusOK, recorder.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, session.ID, resp["sessionId"])
	assert.Equal(t, string(x402.SessionClosed), resp["status"])
	assert.Equal(t, "250", resp["settledTotal"])
	assert.Equal(t, "0", resp["pendingSpent"])
}
