package x402

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uptoFacilitator builds a facilitator whose upto scheme records the amounts
// it was asked to settle. succeed controls the settlement outcome.
func uptoFacilitator(succeed *bool, amounts *[]string) *Facilitator {
	var mu sync.Mutex
	facilitator := NewFacilitator(WithoutSettlementGuard())
	facilitator.Register("eip155:84532", &mockScheme{
		name: SchemeUpto,
		settle: func(_ context.Context, _ PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
			mu.Lock()
			if amounts != nil {
				*amounts = append(*amounts, requirements.Amount)
			}
			mu.Unlock()
			if succeed == nil || *succeed {
				return &SettleResponse{Success: true, Transaction: "0xtx", Network: requirements.Network}, nil
			}
			return &SettleResponse{Success: false, ErrorReason: ReasonTransactionFailed, Network: requirements.Network}, nil
		},
	})
	return facilitator
}

func TestSettleSessionSuccess(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	tracker := NewSessionTracker(store)

	created, err := tracker.Track(ctx, uptoPayload("1000", "1", "0xdeadbeef"), uptoRequirements("400"))
	require.NoError(t, err)

	var amounts []string
	session, err := SettleSession(ctx, store, uptoFacilitator(nil, &amounts), created.ID, SettleSessionOptions{Reason: "manual_close"})
	require.NoError(t, err)
	require.NotNil(t, session)

	assert.Equal(t, []string{"400"}, amounts, "the batch settles the pending snapshot, not the per-request amount")
	assert.Equal(t, big.NewInt(400), session.SettledTotal)
	assert.Equal(t, big.NewInt(0), session.PendingSpent)
	assert.Equal(t, SessionOpen, session.Status)
	require.NotNil(t, session.LastSettlement)
	assert.Equal(t, "manual_close", session.LastSettlement.Reason)
	assert.True(t, session.LastSettlement.Receipt.Success)
}

func TestSettleSessionCloseAfter(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	tracker := NewSessionTracker(store)

	created, err := tracker.Track(ctx, uptoPayload("1000", "1", "0xdeadbeef"), uptoRequirements("400"))
	require.NoError(t, err)

	session, err := SettleSession(ctx, store, uptoFacilitator(nil, nil), created.ID, SettleSessionOptions{CloseAfter: true})
	require.NoError(t, err)
	assert.Equal(t, SessionClosed, session.Status)
	assert.Equal(t, big.NewInt(400), session.SettledTotal)
}

func TestSettleSessionClosesAtCap(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	tracker := NewSessionTracker(store)

	created, err := tracker.Track(ctx, uptoPayload("1000", "1", "0xdeadbeef"), uptoRequirements("1000"))
	require.NoError(t, err)

	session, err := SettleSession(ctx, store, uptoFacilitator(nil, nil), created.ID, SettleSessionOptions{})
	require.NoError(t, err)
	assert.Equal(t, SessionClosed, session.Status, "a fully spent cap has no further use")
}

func TestSettleSessionClosesNearDeadline(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	tracker := NewSessionTracker(store)

	created, err := tracker.Track(ctx, uptoPayload("1000", "1", "0xdeadbeef"), uptoRequirements("100"))
	require.NoError(t, err)

	// move the deadline to within the buffer
	session, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	session.Deadline = tracker.Now().Unix() + 30
	require.NoError(t, store.Set(ctx, created.ID, session))

	settled, err := SettleSession(ctx, store, uptoFacilitator(nil, nil), created.ID, SettleSessionOptions{})
	require.NoError(t, err)
	assert.Equal(t, SessionClosed, settled.Status)
}

func TestSettleSessionFailureKeepsAccounting(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	tracker := NewSessionTracker(store)

	created, err := tracker.Track(ctx, uptoPayload("1000", "1", "0xdeadbeef"), uptoRequirements("400"))
	require.NoError(t, err)

	succeed := false
	session, err := SettleSession(ctx, store, uptoFacilitator(&succeed, nil), created.ID, SettleSessionOptions{Reason: SweepReasonIdle})
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(400), session.PendingSpent, "failed settlements retain pending spend for retry")
	assert.Equal(t, big.NewInt(0), session.SettledTotal)
	assert.Equal(t, SessionOpen, session.Status)
	require.NotNil(t, session.LastSettlement)
	assert.False(t, session.LastSettlement.Receipt.Success)

	// a later successful attempt settles the retained amount
	succeed = true
	session, err = SettleSession(ctx, store, uptoFacilitator(&succeed, nil), created.ID, SettleSessionOptions{})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(400), session.SettledTotal)
	assert.Equal(t, big.NewInt(0), session.PendingSpent)
}

func TestSettleSessionFailureWithCloseAfter(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	tracker := NewSessionTracker(store)

	created, err := tracker.Track(ctx, uptoPayload("1000", "1", "0xdeadbeef"), uptoRequirements("400"))
	require.NoError(t, err)

	succeed := false
	session, err := SettleSession(ctx, store, uptoFacilitator(&succeed, nil), created.ID, SettleSessionOptions{CloseAfter: true})
	require.NoError(t, err)

	assert.Equal(t, SessionClosed, session.Status, "closeAfter closes regardless of outcome")
	assert.Equal(t, big.NewInt(400), session.PendingSpent)
}

func TestSettleSessionShortCircuits(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()

	// missing session
	session, err := SettleSession(ctx, store, uptoFacilitator(nil, nil), "missing", SettleSessionOptions{})
	require.NoError(t, err)
	assert.Nil(t, session)

	// nothing pending: no chain call, optional close
	tracker := NewSessionTracker(store)
	created, err := tracker.Track(ctx, uptoPayload("1000", "1", "0xdeadbeef"), uptoRequirements("0"))
	require.NoError(t, err)

	var amounts []string
	session, err = SettleSession(ctx, store, uptoFacilitator(nil, &amounts), created.ID, SettleSessionOptions{CloseAfter: true})
	require.NoError(t, err)
	assert.Empty(t, amounts)
	assert.Equal(t, SessionClosed, session.Status)

	// already settling: another attempt backs off
	created2, err := tracker.Track(ctx, uptoPayload("1000", "2", "0xdeadbeef"), uptoRequirements("100"))
	require.NoError(t, err)
	stored, err := store.Get(ctx, created2.ID)
	require.NoError(t, err)
	stored.Status = SessionSettling
	require.NoError(t, store.Set(ctx, created2.ID, stored))

	session, err = SettleSession(ctx, store, uptoFacilitator(nil, &amounts), created2.ID, SettleSessionOptions{})
	require.NoError(t, err)
	assert.Empty(t, amounts)
	assert.Equal(t, SessionSettling, session.Status)
}

func TestSettleSessionAbsorbsConcurrentCharges(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	tracker := NewSessionTracker(store)

	created, err := tracker.Track(ctx, uptoPayload("1000", "1", "0xdeadbeef"), uptoRequirements("400"))
	require.NoError(t, err)

	// a store that admits charges while settling: simulate by bumping pending
	// behind the lock inside the scheme call
	facilitator := NewFacilitator(WithoutSettlementGuard())
	facilitator.Register("eip155:84532", &mockScheme{
		name: SchemeUpto,
		settle: func(_ context.Context, _ PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
			stored, _ := store.Get(ctx, created.ID)
			stored.PendingSpent.Add(stored.PendingSpent, big.NewInt(50))
			_ = store.Set(ctx, created.ID, stored)
			return &SettleResponse{Success: true, Transaction: "0xtx", Network: requirements.Network}, nil
		},
	})

	session, err := SettleSession(ctx, store, facilitator, created.ID, SettleSessionOptions{})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(400), session.SettledTotal)
	assert.Equal(t, big.NewInt(50), session.PendingSpent, "charges landed during the chain call stay pending")
}
