package x402

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"
)

// Settlement reasons stamped by the sweeper.
const (
	SweepReasonIdle     = "sweeper_idle"
	SweepReasonLongIdle = "sweeper_long_idle"
	SweepReasonDeadline = "sweeper_deadline"
	SweepReasonCap      = "sweeper_cap"
)

// SweeperConfig tunes the background session sweeper. Zero values take the
// defaults noted per field.
type SweeperConfig struct {
	// Interval between sweep passes. Default 30s.
	Interval time.Duration

	// IdleSettle is how long a session with pending spend may sit without
	// activity before it is settled. Default 2m.
	IdleSettle time.Duration

	// LongIdleClose is how long an idle session lives before it is settled
	// and closed, pending or not. Default 30m.
	LongIdleClose time.Duration

	// DeadlineBuffer is how close to the Permit deadline a session is settled
	// and closed so the transfer lands before the Permit expires. Default 60s.
	DeadlineBuffer time.Duration

	// CapThresholdNum/Den set the outstanding/cap ratio that triggers an
	// early settle. Default 9/10.
	CapThresholdNum int64
	CapThresholdDen int64

	// MaxConcurrent bounds parallel settlement attempts per pass. Default 4.
	MaxConcurrent int

	Logger *slog.Logger
}

func (c *SweeperConfig) withDefaults() SweeperConfig {
	cfg := *c
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.IdleSettle <= 0 {
		cfg.IdleSettle = 2 * time.Minute
	}
	if cfg.LongIdleClose <= 0 {
		cfg.LongIdleClose = 30 * time.Minute
	}
	if cfg.DeadlineBuffer <= 0 {
		cfg.DeadlineBuffer = DefaultDeadlineBuffer
	}
	if cfg.CapThresholdNum <= 0 || cfg.CapThresholdDen <= 0 {
		cfg.CapThresholdNum = 9
		cfg.CapThresholdDen = 10
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Sweeper periodically walks the session store and settles or closes sessions
// that clients abandoned without an explicit close. It is the liveness
// backstop for the upto scheme: without it, pending spend would only move
// on-chain when a client asked.
type Sweeper struct {
	store       SessionStore
	facilitator *Facilitator
	cfg         SweeperConfig

	// Now is overridable for tests.
	Now func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper over the given store and facilitator.
func NewSweeper(store SessionStore, facilitator *Facilitator, cfg SweeperConfig) *Sweeper {
	return &Sweeper{
		store:       store,
		facilitator: facilitator,
		cfg:         cfg.withDefaults(),
		Now:         time.Now,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or ctx is cancelled.
// Non-blocking.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop terminates the loop and waits up to 30s for an in-flight pass to
// finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
	case <-time.After(30 * time.Second):
		s.cfg.Logger.Warn("sweeper stop timed out waiting for in-flight pass")
	}
}

// Sweep runs one pass over the store. Exposed for tests and manual triggers.
func (s *Sweeper) Sweep(ctx context.Context) {
	sessions, err := s.store.Entries(ctx)
	if err != nil {
		s.cfg.Logger.Error("sweeper: listing sessions failed", "error", err)
		return
	}

	type action struct {
		id     string
		reason string
		close  bool
	}
	var actions []action

	now := s.Now()
	nowMs := now.UnixMilli()

	for _, session := range sessions {
		switch session.Status {
		case SessionSettling:
			continue
		case SessionClosed:
			// closed sessions with nothing left to move are garbage
			if session.PendingSpent.Sign() == 0 {
				if err := s.store.Delete(ctx, session.ID); err != nil {
					s.cfg.Logger.Error("sweeper: deleting closed session failed", "session", session.ID, "error", err)
				}
			}
			continue
		}

		idle := time.Duration(nowMs-session.LastActivityMs) * time.Millisecond
		hasPending := session.PendingSpent.Sign() > 0

		switch {
		case session.Deadline-now.Unix() <= int64(s.cfg.DeadlineBuffer/time.Second):
			if hasPending {
				actions = append(actions, action{session.ID, SweepReasonDeadline, true})
			} else {
				s.closeAndDelete(ctx, session.ID)
			}
		case idle >= s.cfg.LongIdleClose:
			if hasPending {
				actions = append(actions, action{session.ID, SweepReasonLongIdle, true})
			} else {
				s.closeAndDelete(ctx, session.ID)
			}
		case hasPending && s.overCapThreshold(session):
			// a nearly exhausted cap cannot fund further requests; settle
			// what is owed and retire the permit
			actions = append(actions, action{session.ID, SweepReasonCap, true})
		case hasPending && idle >= s.cfg.IdleSettle:
			actions = append(actions, action{session.ID, SweepReasonIdle, false})
		}
	}

	if len(actions) == 0 {
		return
	}

	sem := make(chan struct{}, s.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, a := range actions {
		wg.Add(1)
		sem <- struct{}{}
		go func(a action) {
			defer wg.Done()
			defer func() { <-sem }()
			_, err := SettleSession(ctx, s.store, s.facilitator, a.id, SettleSessionOptions{
				Reason:         a.reason,
				CloseAfter:     a.close,
				DeadlineBuffer: s.cfg.DeadlineBuffer,
				Now:            s.Now,
			})
			if err != nil {
				s.cfg.Logger.Warn("sweeper: settlement attempt failed",
					"session", a.id, "reason", a.reason, "error", err)
			}
		}(a)
	}
	wg.Wait()
}

func (s *Sweeper) overCapThreshold(session *Session) bool {
	// outstanding * den >= cap * num
	lhs := new(big.Int).Mul(session.Outstanding(), big.NewInt(s.cfg.CapThresholdDen))
	rhs := new(big.Int).Mul(session.Cap, big.NewInt(s.cfg.CapThresholdNum))
	return lhs.Cmp(rhs) >= 0
}

// closeAndDelete retires a session that has nothing pending. The close is
// persisted before the delete so stores that replicate see the terminal state.
func (s *Sweeper) closeAndDelete(ctx context.Context, id string) {
	mu := lockSession(id)
	defer mu.Unlock()

	session, err := s.store.Get(ctx, id)
	if err != nil || session == nil {
		return
	}
	if session.Status == SessionSettling || session.PendingSpent.Sign() > 0 {
		return
	}
	session.Status = SessionClosed
	if err := s.store.Set(ctx, id, session); err != nil {
		s.cfg.Logger.Error("sweeper: closing session failed", "session", id, "error", err)
		return
	}
	if err := s.store.Delete(ctx, id); err != nil {
		s.cfg.Logger.Error("sweeper: deleting session failed", "session", id, "error", err)
	}
}
