package http

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/x402-facilitator"
)

func TestPaymentPayloadCodec(t *testing.T) {
	payload := x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Accepted: x402.PaymentRequirements{
			Scheme:  x402.SchemeExact,
			Network: "eip155:8453",
			Asset:   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Amount:  "10000",
			PayTo:   "0xMerchant",
		},
		Payload: map[string]interface{}{"signature": "0xsig"},
	}

	encoded, err := EncodePaymentPayload(payload)
	require.NoError(t, err)

	decoded, err := DecodePaymentPayload(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload.X402Version, decoded.X402Version)
	assert.Equal(t, payload.Accepted, decoded.Accepted)
	assert.Equal(t, "0xsig", decoded.Payload["signature"])
}

func TestDecodePaymentPayloadRejections(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"not base64", "not base64!!"},
		{"base64 but not json", "aGVsbG8="},
		{"url-safe alphabet rejected", "ab_-"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePaymentPayload(tt.header)
			assert.Error(t, err)
		})
	}
}

func TestPaymentRequiredCodec(t *testing.T) {
	required := x402.PaymentRequired{
		X402Version: x402.ProtocolVersion,
		Error:       "payment required",
		Accepts: []x402.PaymentRequirements{{
			Scheme:  x402.SchemeUpto,
			Network: "eip155:84532",
			Amount:  "100",
		}},
	}

	encoded, err := EncodePaymentRequired(required)
	require.NoError(t, err)

	decoded, err := DecodePaymentRequired(encoded)
	require.NoError(t, err)
	assert.Equal(t, required.Error, decoded.Error)
	require.Len(t, decoded.Accepts, 1)
	assert.Equal(t, required.Accepts[0].Scheme, decoded.Accepts[0].Scheme)
}

func TestSettleResponseCodec(t *testing.T) {
	response := x402.SettleResponse{
		Success:     true,
		Transaction: "0xabc",
		Network:     "eip155:8453",
		Payer:       "0xPayer",
	}

	encoded, err := EncodeSettleResponse(response)
	require.NoError(t, err)

	decoded, err := DecodeSettleResponse(encoded)
	require.NoError(t, err)
	assert.Equal(t, response, *decoded)

	_, err = DecodeSettleResponse("!!!")
	assert.Error(t, err)
}
