package x402

import (
	"context"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// DefaultDeadlineBuffer is how close to the Permit deadline a settled session
// is considered unusable for further charges and closed instead of reopened.
const DefaultDeadlineBuffer = 60 * time.Second

// SettleSessionOptions configures one settlement attempt.
type SettleSessionOptions struct {
	// Reason labels the attempt in the session's LastSettlement record
	// ("manual_close", "sweeper_idle", "sweeper_deadline", "sweeper_cap").
	Reason string

	// CloseAfter closes the session once the attempt finishes, regardless of
	// the on-chain outcome. Used for explicit closes and long-idle reclaim.
	CloseAfter bool

	// DeadlineBuffer overrides DefaultDeadlineBuffer when positive.
	DeadlineBuffer time.Duration

	// Now is overridable for tests.
	Now func() time.Time
}

// SettleSession settles a session's accumulated pending spend in one on-chain
// transfer. The session's status field is the settlement lock: the session is
// moved to settling and persisted before the chain call, so concurrent
// attempts and tracker charges observe the transition. The store lock is not
// held during the chain call.
//
// Short-circuits without error when the session is absent, already settling,
// or has nothing pending. Returns the updated session.
func SettleSession(ctx context.Context, store SessionStore, facilitator *Facilitator, sessionID string, opts SettleSessionOptions) (*Session, error) {
	buffer := opts.DeadlineBuffer
	if buffer <= 0 {
		buffer = DefaultDeadlineBuffer
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	mu := lockSession(sessionID)

	session, err := store.Get(ctx, sessionID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if session == nil {
		mu.Unlock()
		return nil, nil
	}
	if session.Status == SessionSettling {
		mu.Unlock()
		return session, nil
	}
	if session.PendingSpent.Sign() == 0 {
		if opts.CloseAfter && session.Status != SessionClosed {
			session.Status = SessionClosed
			if err := store.Set(ctx, sessionID, session); err != nil {
				mu.Unlock()
				return nil, err
			}
		}
		mu.Unlock()
		return session, nil
	}

	settleAmount := new(big.Int).Set(session.PendingSpent)
	prevStatus := session.Status

	session.Status = SessionSettling
	if err := store.Set(ctx, sessionID, session); err != nil {
		mu.Unlock()
		return nil, err
	}

	payload := session.PaymentPayload
	requirements := session.PaymentRequirements
	requirements.Amount = settleAmount.String()

	// charges for this session are excluded while status is settling
	mu.Unlock()

	receipt, settleErr := facilitator.Settle(ctx, payload, requirements)

	mu = lockSession(sessionID)
	defer mu.Unlock()

	// re-read: trackers may have accumulated pending spend during the
	// chain call on stores that admit it
	session, err = store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}

	success := settleErr == nil && receipt.Success

	if success {
		session.SettledTotal.Add(session.SettledTotal, settleAmount)
		session.PendingSpent.Sub(session.PendingSpent, settleAmount)
		if session.PendingSpent.Sign() < 0 {
			session.PendingSpent.SetInt64(0)
		}

		switch {
		case opts.CloseAfter:
			session.Status = SessionClosed
		case session.SettledTotal.Cmp(session.Cap) >= 0:
			session.Status = SessionClosed
		case session.Deadline <= now().Unix()+int64(buffer/time.Second):
			session.Status = SessionClosed
		default:
			session.Status = SessionOpen
		}
	} else {
		// pending spend is retained so a later attempt can retry it
		if opts.CloseAfter {
			session.Status = SessionClosed
		} else {
			session.Status = prevStatus
		}
	}

	session.LastSettlement = &Settlement{
		ID:      uuid.NewString(),
		AtMs:    now().UnixMilli(),
		Reason:  opts.Reason,
		Receipt: receipt,
	}

	if err := store.Set(ctx, sessionID, session); err != nil {
		return nil, err
	}
	return session, settleErr
}
