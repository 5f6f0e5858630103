package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/x402-facilitator"
)

type staticAuth struct{}

func (staticAuth) GetAuthHeaders(_ context.Context) (AuthHeaders, error) {
	return AuthHeaders{
		Verify:    map[string]string{"Authorization": "Bearer verify-token"},
		Settle:    map[string]string{"Authorization": "Bearer settle-token"},
		Supported: map[string]string{"Authorization": "Bearer supported-token"},
	}, nil
}

func TestHTTPFacilitatorClientVerifyAndSettle(t *testing.T) {
	var verifyAuth, settleAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/verify":
			verifyAuth = r.Header.Get("Authorization")
			var req x402.VerifyRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "10000", req.PaymentRequirements.Amount)
			json.NewEncoder(w).Encode(x402.VerifyResponse{IsValid: true, Payer: "0xPayer"})
		case "/settle":
			settleAuth = r.Header.Get("Authorization")
			json.NewEncoder(w).Encode(x402.SettleResponse{Success: true, Transaction: "0xtx"})
		}
	}))
	defer server.Close()

	client, err := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL, AuthProvider: staticAuth{}})
	require.NoError(t, err)

	requirements := x402.PaymentRequirements{Scheme: x402.SchemeExact, Network: "eip155:8453", Amount: "10000"}
	verifyResp, err := client.Verify(context.Background(), x402.PaymentPayload{}, requirements)
	require.NoError(t, err)
	assert.True(t, verifyResp.IsValid)
	assert.Equal(t, "Bearer verify-token", verifyAuth)

	settleResp, err := client.Settle(context.Background(), x402.PaymentPayload{}, requirements)
	require.NoError(t, err)
	assert.True(t, settleResp.Success)
	assert.Equal(t, "Bearer settle-token", settleAuth)
}

func TestHTTPFacilitatorClientErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	client, err := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	require.NoError(t, err)

	_, err = client.Verify(context.Background(), x402.PaymentPayload{}, x402.PaymentRequirements{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestHTTPFacilitatorClientSupportedCache(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		json.NewEncoder(w).Encode(x402.SupportedResponse{
			Kinds: []x402.SupportedKind{{Scheme: x402.SchemeExact, Network: "eip155:8453"}},
		})
	}))
	defer server.Close()

	client, err := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	require.NoError(t, err)

	first, err := client.GetSupported(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Kinds, 1)

	_, err = client.GetSupported(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "the second call is served from cache")
}

func TestHTTPFacilitatorClientRequiresURL(t *testing.T) {
	_, err := NewHTTPFacilitatorClient(nil)
	assert.Error(t, err)

	_, err = NewHTTPFacilitatorClient(&FacilitatorConfig{})
	assert.Error(t, err)
}

func TestLocalFacilitatorClient(t *testing.T) {
	facilitator := x402.NewFacilitator(x402.WithoutSettlementGuard())
	facilitator.Register("eip155:8453", &serverScheme{})
	client := NewLocalFacilitatorClient(facilitator)

	requirements := x402.PaymentRequirements{Scheme: x402.SchemeExact, Network: "eip155:8453", Amount: "100"}
	payload := x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Accepted:    requirements,
		Payload:     map[string]interface{}{"signature": "0xsig"},
	}

	verifyResp, err := client.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.True(t, verifyResp.IsValid)

	settleResp, err := client.Settle(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.True(t, settleResp.Success)

	supported, err := client.GetSupported(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, supported.Kinds)
}
