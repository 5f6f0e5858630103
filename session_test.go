package x402

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uptoPayload builds an upto payment payload with the given Permit fields.
func uptoPayload(cap, nonce, signature string) PaymentPayload {
	return PaymentPayload{
		X402Version: ProtocolVersion,
		Accepted: PaymentRequirements{
			Scheme:  SchemeUpto,
			Network: "eip155:84532",
			Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Amount:  "100",
			PayTo:   "0xMerchant",
		},
		Payload: map[string]interface{}{
			"signature": signature,
			"authorization": map[string]interface{}{
				"from":        "0xOwner",
				"to":          "0xFacilitator",
				"value":       cap,
				"nonce":       nonce,
				"validBefore": "9999999999",
			},
		},
	}
}

func uptoRequirements(amount string) PaymentRequirements {
	return PaymentRequirements{
		Scheme:  SchemeUpto,
		Network: "eip155:84532",
		Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount:  amount,
		PayTo:   "0xMerchant",
	}
}

// highLowSignaturePair returns two hex encodings of the same logical
// signature, one with high s and one with low s.
func highLowSignaturePair(t *testing.T) (high, low string) {
	t.Helper()

	n := crypto.S256().Params().N

	raw := make([]byte, 65)
	for i := 0; i < 32; i++ {
		raw[i] = 0x11
	}
	sHigh := new(big.Int).Sub(n, big.NewInt(7))
	sHigh.FillBytes(raw[32:64])
	raw[64] = 27
	high = "0x" + hex.EncodeToString(raw)

	big.NewInt(7).FillBytes(raw[32:64])
	raw[64] = 28
	low = "0x" + hex.EncodeToString(raw)
	return high, low
}

func TestDeriveSessionIDStable(t *testing.T) {
	a, err := DeriveSessionID(uptoPayload("1000", "1", "0xdeadbeef"))
	require.NoError(t, err)
	b, err := DeriveSessionID(uptoPayload("1000", "1", "0xDEADBEEF"))
	require.NoError(t, err)
	assert.Equal(t, a, b, "hex case must not change the session id")

	c, err := DeriveSessionID(uptoPayload("1000", "2", "0xdeadbeef"))
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "a new nonce is a new Permit, so a new session")
}

func TestDeriveSessionIDMalleatedSignature(t *testing.T) {
	high, low := highLowSignaturePair(t)

	a, err := DeriveSessionID(uptoPayload("1000", "1", high))
	require.NoError(t, err)
	b, err := DeriveSessionID(uptoPayload("1000", "1", low))
	require.NoError(t, err)
	assert.Equal(t, a, b, "high-s and low-s encodings of one Permit must share a session")
}

func TestDeriveSessionIDMissingFields(t *testing.T) {
	payload := uptoPayload("1000", "1", "0xdeadbeef")
	delete(payload.Payload, "signature")
	_, err := DeriveSessionID(payload)
	assert.Error(t, err)

	payload = uptoPayload("1000", "1", "0xdeadbeef")
	delete(payload.Payload["authorization"].(map[string]interface{}), "nonce")
	_, err = DeriveSessionID(payload)
	assert.Error(t, err)
}

func TestNormalizeSignature(t *testing.T) {
	high, low := highLowSignaturePair(t)
	assert.Equal(t, low, NormalizeSignature(high))
	assert.Equal(t, low, NormalizeSignature(low), "already-low signatures are unchanged")

	// non-65-byte signatures pass through, lowercased
	assert.Equal(t, "0xdeadbeef", NormalizeSignature("0xDEADbeef"))
}

func TestSessionOutstandingAndClone(t *testing.T) {
	session := &Session{
		ID:           "s1",
		Cap:          big.NewInt(1000),
		PendingSpent: big.NewInt(300),
		SettledTotal: big.NewInt(200),
	}
	assert.Equal(t, big.NewInt(500), session.Outstanding())

	clone := session.Clone()
	clone.PendingSpent.SetInt64(0)
	assert.Equal(t, big.NewInt(300), session.PendingSpent, "clone must not alias the original")
}

func TestMemorySessionStoreIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()

	session := &Session{ID: "s1", Cap: big.NewInt(1000), PendingSpent: big.NewInt(0), SettledTotal: big.NewInt(0)}
	require.NoError(t, store.Set(ctx, "s1", session))

	// mutating the stored-in value must not affect the store
	session.PendingSpent.SetInt64(999)

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), got.PendingSpent)

	missing, err := store.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.Delete(ctx, "s1"))
	got, err = store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTrackerCreatesSession(t *testing.T) {
	ctx := context.Background()
	tracker := NewSessionTracker(NewMemorySessionStore())

	session, err := tracker.Track(ctx, uptoPayload("1000", "1", "0xdeadbeef"), uptoRequirements("400"))
	require.NoError(t, err)
	assert.Equal(t, SessionOpen, session.Status)
	assert.Equal(t, big.NewInt(1000), session.Cap)
	assert.Equal(t, big.NewInt(400), session.PendingSpent)
	assert.Equal(t, int64(9999999999), session.Deadline)
}

func TestTrackerCapBoundary(t *testing.T) {
	ctx := context.Background()
	tracker := NewSessionTracker(NewMemorySessionStore())
	payload := uptoPayload("1000", "1", "0xdeadbeef")

	_, err := tracker.Track(ctx, payload, uptoRequirements("400"))
	require.NoError(t, err)

	// a charge landing exactly on the cap is accepted
	session, err := tracker.Track(ctx, payload, uptoRequirements("600"))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1000), session.PendingSpent)

	// one unit more is rejected
	_, err = tracker.Track(ctx, payload, uptoRequirements("1"))
	var trackingErr *TrackingError
	require.ErrorAs(t, err, &trackingErr)
	assert.Equal(t, TrackingCapExhausted, trackingErr.Code)
	assert.NotEmpty(t, trackingErr.SessionID)
}

func TestTrackerFirstChargeOverCap(t *testing.T) {
	ctx := context.Background()
	tracker := NewSessionTracker(NewMemorySessionStore())

	_, err := tracker.Track(ctx, uptoPayload("1000", "1", "0xdeadbeef"), uptoRequirements("1001"))
	var trackingErr *TrackingError
	require.ErrorAs(t, err, &trackingErr)
	assert.Equal(t, TrackingCapExhausted, trackingErr.Code)
}

func TestTrackerRejectsByStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	tracker := NewSessionTracker(store)
	payload := uptoPayload("1000", "1", "0xdeadbeef")

	session, err := tracker.Track(ctx, payload, uptoRequirements("100"))
	require.NoError(t, err)

	session.Status = SessionSettling
	require.NoError(t, store.Set(ctx, session.ID, session))
	_, err = tracker.Track(ctx, payload, uptoRequirements("100"))
	var trackingErr *TrackingError
	require.ErrorAs(t, err, &trackingErr)
	assert.Equal(t, TrackingSettlingInProgress, trackingErr.Code)

	session.Status = SessionClosed
	require.NoError(t, store.Set(ctx, session.ID, session))
	_, err = tracker.Track(ctx, payload, uptoRequirements("100"))
	require.ErrorAs(t, err, &trackingErr)
	assert.Equal(t, TrackingSessionClosed, trackingErr.Code)
}

func TestTrackerInvalidPayloads(t *testing.T) {
	ctx := context.Background()
	tracker := NewSessionTracker(NewMemorySessionStore())

	// no authorization object at all
	_, err := tracker.Track(ctx, PaymentPayload{Payload: map[string]interface{}{}}, uptoRequirements("100"))
	var trackingErr *TrackingError
	require.ErrorAs(t, err, &trackingErr)
	assert.Equal(t, TrackingInvalidPayload, trackingErr.Code)

	// non-numeric amount
	_, err = tracker.Track(ctx, uptoPayload("1000", "1", "0xdeadbeef"), uptoRequirements("not-a-number"))
	require.ErrorAs(t, err, &trackingErr)
	assert.Equal(t, TrackingInvalidPayload, trackingErr.Code)
}

func TestTrackingErrorHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{TrackingInvalidPayload, 400},
		{TrackingSettlingInProgress, 409},
		{TrackingSessionClosed, 402},
		{TrackingCapExhausted, 402},
	}
	for _, tt := range tests {
		err := &TrackingError{Code: tt.code}
		assert.Equal(t, tt.want, err.HTTPStatus(), tt.code)
		assert.True(t, errors.As(error(err), new(*TrackingError)))
	}
}
