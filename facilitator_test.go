package x402

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload(nonce string) PaymentPayload {
	return PaymentPayload{
		X402Version: ProtocolVersion,
		Accepted: PaymentRequirements{
			Scheme:  SchemeExact,
			Network: "eip155:8453",
			Asset:   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Amount:  "10000",
			PayTo:   "0xmerchant",
		},
		Payload: map[string]interface{}{
			"signature": "0xsig",
			"authorization": map[string]interface{}{
				"from":        "0xpayer",
				"to":          "0xmerchant",
				"value":       "10000",
				"nonce":       nonce,
				"validBefore": "9999999999",
			},
		},
	}
}

func testRequirements() PaymentRequirements {
	return PaymentRequirements{
		Scheme:  SchemeExact,
		Network: "eip155:8453",
		Asset:   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Amount:  "10000",
		PayTo:   "0xmerchant",
	}
}

func TestFacilitatorVerifyUnknownNetworkAndScheme(t *testing.T) {
	facilitator := NewFacilitator()
	facilitator.Register("eip155:8453", &mockScheme{})

	requirements := testRequirements()
	requirements.Network = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
	resp, err := facilitator.Verify(context.Background(), testPayload("0x01"), requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, ReasonUnsupportedNetwork, resp.InvalidReason)

	requirements = testRequirements()
	requirements.Scheme = SchemeUpto
	resp, err = facilitator.Verify(context.Background(), testPayload("0x01"), requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, ReasonUnsupportedScheme, resp.InvalidReason)
}

func TestFacilitatorBeforeVerifyHookAbort(t *testing.T) {
	facilitator := NewFacilitator()
	facilitator.Register("eip155:8453", &mockScheme{})
	facilitator.OnBeforeVerify(func(ctx VerifyContext) (*BeforeHookResult, error) {
		return &BeforeHookResult{Abort: true, Reason: "blocked_payer"}, nil
	})

	resp, err := facilitator.Verify(context.Background(), testPayload("0x01"), testRequirements())
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, "blocked_payer", resp.InvalidReason)
}

func TestFacilitatorBeforeVerifyHookError(t *testing.T) {
	facilitator := NewFacilitator()
	facilitator.Register("eip155:8453", &mockScheme{})
	facilitator.OnBeforeVerify(func(ctx VerifyContext) (*BeforeHookResult, error) {
		return nil, errors.New("rate limited")
	})

	resp, err := facilitator.Verify(context.Background(), testPayload("0x01"), testRequirements())
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, "rate limited", resp.InvalidReason)
}

func TestFacilitatorVerifyFailureHookRecovers(t *testing.T) {
	facilitator := NewFacilitator()
	facilitator.Register("eip155:8453", &mockScheme{
		verify: func(_ context.Context, _ PaymentPayload, _ PaymentRequirements) (*VerifyResponse, error) {
			return nil, errors.New("rpc timeout")
		},
	})
	facilitator.OnVerifyFailure(func(ctx VerifyFailureContext) (*VerifyFailureHookResult, error) {
		return &VerifyFailureHookResult{
			Recovered: true,
			Result:    VerifyResponse{IsValid: true, Payer: "0xrecovered"},
		}, nil
	})

	resp, err := facilitator.Verify(context.Background(), testPayload("0x01"), testRequirements())
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Equal(t, "0xrecovered", resp.Payer)
}

func TestFacilitatorSettleRequiresVerify(t *testing.T) {
	facilitator := NewFacilitator()
	facilitator.Register("eip155:8453", &mockScheme{})

	payload := testPayload("0x01")

	resp, err := facilitator.Settle(context.Background(), payload, testRequirements())
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.ErrorReason, "not verified")

	// after a successful verify the same payload settles
	verifyResp, err := facilitator.Verify(context.Background(), payload, testRequirements())
	require.NoError(t, err)
	require.True(t, verifyResp.IsValid)

	resp, err = facilitator.Settle(context.Background(), payload, testRequirements())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "0xtx", resp.Transaction)
}

func TestFacilitatorSettleGuardAllowsAmountRewrite(t *testing.T) {
	// batch settlement rewrites the amount; the guard keys on the payload only
	facilitator := NewFacilitator()
	facilitator.Register("eip155:8453", &mockScheme{})

	payload := testPayload("0x01")
	_, err := facilitator.Verify(context.Background(), payload, testRequirements())
	require.NoError(t, err)

	requirements := testRequirements()
	requirements.Amount = "2500"
	resp, err := facilitator.Settle(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestFacilitatorTrackingTTLExpiry(t *testing.T) {
	facilitator := NewFacilitator(WithTrackingTTL(time.Millisecond))
	facilitator.Register("eip155:8453", &mockScheme{})

	payload := testPayload("0x01")
	_, err := facilitator.Verify(context.Background(), payload, testRequirements())
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	resp, err := facilitator.Settle(context.Background(), payload, testRequirements())
	require.NoError(t, err)
	assert.False(t, resp.Success)
}

func TestFacilitatorWithoutSettlementGuard(t *testing.T) {
	facilitator := NewFacilitator(WithoutSettlementGuard())
	facilitator.Register("eip155:8453", &mockScheme{})

	resp, err := facilitator.Settle(context.Background(), testPayload("0x01"), testRequirements())
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestFacilitatorBeforeSettleHookAbort(t *testing.T) {
	facilitator := NewFacilitator(WithoutSettlementGuard())
	facilitator.Register("eip155:8453", &mockScheme{})
	facilitator.OnBeforeSettle(func(ctx SettleContext) (*BeforeHookResult, error) {
		return &BeforeHookResult{Abort: true, Reason: "insufficient_gas_budget"}, nil
	})

	resp, err := facilitator.Settle(context.Background(), testPayload("0x01"), testRequirements())
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "insufficient_gas_budget", resp.ErrorReason)
}

func TestFacilitatorSettleFailureHookRecovers(t *testing.T) {
	facilitator := NewFacilitator(WithoutSettlementGuard())
	facilitator.Register("eip155:8453", &mockScheme{
		settle: func(_ context.Context, _ PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
			return &SettleResponse{Success: false, ErrorReason: ReasonTransactionFailed, Network: requirements.Network}, nil
		},
	})
	facilitator.OnSettleFailure(func(ctx SettleFailureContext) (*SettleFailureHookResult, error) {
		return &SettleFailureHookResult{
			Recovered: true,
			Result:    SettleResponse{Success: true, Transaction: "0xretried", Network: ctx.PaymentRequirements.Network},
		}, nil
	})

	resp, err := facilitator.Settle(context.Background(), testPayload("0x01"), testRequirements())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "0xretried", resp.Transaction)
}

func TestFacilitatorAfterHooksObserve(t *testing.T) {
	var verified, settled bool
	facilitator := NewFacilitator()
	facilitator.Register("eip155:8453", &mockScheme{})
	facilitator.
		OnAfterVerify(func(ctx VerifyResultContext) error {
			verified = ctx.Result.IsValid
			return nil
		}).
		OnAfterSettle(func(ctx SettleResultContext) error {
			settled = ctx.Result.Success
			return errors.New("after hook errors are logged, not propagated")
		})

	payload := testPayload("0x01")
	_, err := facilitator.Verify(context.Background(), payload, testRequirements())
	require.NoError(t, err)
	resp, err := facilitator.Settle(context.Background(), payload, testRequirements())
	require.NoError(t, err)

	assert.True(t, verified)
	assert.True(t, settled)
	assert.True(t, resp.Success)
}

func TestPayloadKeyStable(t *testing.T) {
	a := PayloadKey(testPayload("0x01"))
	b := PayloadKey(testPayload("0x01"))
	c := PayloadKey(testPayload("0x02"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
