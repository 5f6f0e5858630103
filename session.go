package x402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// SessionStatus is the lifecycle state of an upto session. The status field
// doubles as the per-session settlement lock: only open sessions may enter
// settling, and settling excludes any concurrent settlement.
type SessionStatus string

const (
	SessionOpen     SessionStatus = "open"
	SessionSettling SessionStatus = "settling"
	SessionClosed   SessionStatus = "closed"
)

// Settlement records one settlement attempt against a session.
type Settlement struct {
	ID      string         `json:"id"`
	AtMs    int64          `json:"atMs"`
	Reason  string         `json:"reason"`
	Receipt SettleResponse `json:"receipt"`
}

// Session is the server-side record of an active Permit and its accumulated
// debits. Invariant: SettledTotal + PendingSpent <= Cap at every stable point.
type Session struct {
	ID                  string              `json:"id"`
	Cap                 *big.Int            `json:"cap"`
	PendingSpent        *big.Int            `json:"pendingSpent"`
	SettledTotal        *big.Int            `json:"settledTotal"`
	Deadline            int64               `json:"deadline"`
	Status              SessionStatus       `json:"status"`
	LastActivityMs      int64               `json:"lastActivityMs"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
	LastSettlement      *Settlement         `json:"lastSettlement,omitempty"`
}

// Clone returns a deep copy safe to mutate without affecting store state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Cap = new(big.Int).Set(s.Cap)
	clone.PendingSpent = new(big.Int).Set(s.PendingSpent)
	clone.SettledTotal = new(big.Int).Set(s.SettledTotal)
	if s.LastSettlement != nil {
		last := *s.LastSettlement
		clone.LastSettlement = &last
	}
	return &clone
}

// Outstanding returns SettledTotal + PendingSpent.
func (s *Session) Outstanding() *big.Int {
	return new(big.Int).Add(s.SettledTotal, s.PendingSpent)
}

// ============================================================================
// Session id derivation
// ============================================================================

// sessionIDFields is the canonical tuple hashed into a session id. Two
// requests using the same Permit produce the same id; a new Permit (different
// nonce or cap) creates a new session.
type sessionIDFields struct {
	Network   string `json:"network"`
	Asset     string `json:"asset"`
	Owner     string `json:"owner"`
	Spender   string `json:"spender"`
	Cap       string `json:"cap"`
	Nonce     string `json:"nonce"`
	Deadline  string `json:"deadline"`
	Signature string `json:"signature"`
}

// DeriveSessionID computes the session id for an upto payment payload:
// sha256 over the canonical JSON of (network, asset, owner, spender, cap,
// nonce, deadline, signature). The signature is normalized to low-s form
// first so malleated encodings of the same Permit map to one session.
func DeriveSessionID(payload PaymentPayload) (string, error) {
	auth, ok := payload.Payload["authorization"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("payload has no authorization object")
	}
	signature, _ := payload.Payload["signature"].(string)
	if signature == "" {
		return "", fmt.Errorf("payload has no signature")
	}

	field := func(name string) (string, error) {
		v, ok := auth[name].(string)
		if !ok || v == "" {
			return "", fmt.Errorf("authorization missing %s", name)
		}
		return v, nil
	}

	owner, err := field("from")
	if err != nil {
		return "", err
	}
	spender, err := field("to")
	if err != nil {
		return "", err
	}
	cap, err := field("value")
	if err != nil {
		return "", err
	}
	nonce, err := field("nonce")
	if err != nil {
		return "", err
	}
	deadline, err := field("validBefore")
	if err != nil {
		return "", err
	}

	fields := sessionIDFields{
		Network:   string(payload.Accepted.Network),
		Asset:     strings.ToLower(payload.Accepted.Asset),
		Owner:     strings.ToLower(owner),
		Spender:   strings.ToLower(spender),
		Cap:       cap,
		Nonce:     nonce,
		Deadline:  deadline,
		Signature: NormalizeSignature(signature),
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// NormalizeSignature rewrites a 65-byte ECDSA signature to low-s form and
// lowercases the hex encoding. Signatures of any other length (smart wallet
// formats) are returned lowercased as-is.
func NormalizeSignature(signature string) string {
	hexStr := strings.ToLower(strings.TrimPrefix(signature, "0x"))
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != 65 {
		return "0x" + hexStr
	}

	n := crypto.S256().Params().N
	halfN := new(big.Int).Rsh(n, 1)
	s := new(big.Int).SetBytes(raw[32:64])
	if s.Cmp(halfN) > 0 {
		s.Sub(n, s)
		s.FillBytes(raw[32:64])
		// flipping s flips the recovery id
		switch raw[64] {
		case 27:
			raw[64] = 28
		case 28:
			raw[64] = 27
		case 0:
			raw[64] = 1
		case 1:
			raw[64] = 0
		}
	}
	return "0x" + hex.EncodeToString(raw)
}

// ============================================================================
// In-memory store
// ============================================================================

// MemorySessionStore is the default process-local SessionStore. Values are
// cloned on the way in and out so callers never share mutable state with the
// store.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*Session),
	}
}

func (m *MemorySessionStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id].Clone(), nil
}

func (m *MemorySessionStore) Set(_ context.Context, id string, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = session.Clone()
	return nil
}

func (m *MemorySessionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemorySessionStore) Entries(_ context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s.Clone())
	}
	return sessions, nil
}

// ============================================================================
// Per-session logical locks
// ============================================================================

// sessionLocks serializes tracker charges and settlement transitions on the
// same session within this process. Custom stores still rely on the status
// field to exclude settlements across processes.
var sessionLocks sync.Map // session id -> *sync.Mutex

func lockSession(id string) *sync.Mutex {
	mu, _ := sessionLocks.LoadOrStore(id, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m
}

// ============================================================================
// Tracker
// ============================================================================

// SessionTracker applies per-request upto charges to the session store.
// Track is called by the middleware after a successful verify; it only ever
// mutates state for verified payloads, so a request cancelled mid-verify
// leaves the session unchanged.
type SessionTracker struct {
	store SessionStore

	// Now is overridable for tests.
	Now func() time.Time
}

// NewSessionTracker creates a tracker over the given store.
func NewSessionTracker(store SessionStore) *SessionTracker {
	return &SessionTracker{
		store: store,
		Now:   time.Now,
	}
}

// Track charges requirements.Amount against the session identified by the
// payload's Permit, creating the session on first use. Returns the updated
// session, or a *TrackingError describing why the charge was rejected.
func (t *SessionTracker) Track(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*Session, error) {
	id, err := DeriveSessionID(payload)
	if err != nil {
		return nil, &TrackingError{Code: TrackingInvalidPayload}
	}

	amount, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return nil, &TrackingError{Code: TrackingInvalidPayload, SessionID: id}
	}

	auth := payload.Payload["authorization"].(map[string]interface{})
	capStr, _ := auth["value"].(string)
	deadlineStr, _ := auth["validBefore"].(string)
	cap, ok := new(big.Int).SetString(capStr, 10)
	if !ok {
		return nil, &TrackingError{Code: TrackingInvalidPayload, SessionID: id}
	}
	deadline, err := parseInt64(deadlineStr)
	if err != nil {
		return nil, &TrackingError{Code: TrackingInvalidPayload, SessionID: id}
	}

	mu := lockSession(id)
	defer mu.Unlock()

	nowMs := t.Now().UnixMilli()

	session, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if session == nil {
		if amount.Cmp(cap) > 0 {
			return nil, &TrackingError{Code: TrackingCapExhausted, SessionID: id}
		}
		session = &Session{
			ID:                  id,
			Cap:                 cap,
			PendingSpent:        new(big.Int).Set(amount),
			SettledTotal:        new(big.Int),
			Deadline:            deadline,
			Status:              SessionOpen,
			LastActivityMs:      nowMs,
			PaymentPayload:      payload,
			PaymentRequirements: requirements,
		}
		if err := t.store.Set(ctx, id, session); err != nil {
			return nil, err
		}
		return session, nil
	}

	switch session.Status {
	case SessionClosed:
		return nil, &TrackingError{Code: TrackingSessionClosed, SessionID: id}
	case SessionSettling:
		return nil, &TrackingError{Code: TrackingSettlingInProgress, SessionID: id}
	}

	next := new(big.Int).Add(session.Outstanding(), amount)
	if next.Cmp(session.Cap) > 0 {
		return nil, &TrackingError{Code: TrackingCapExhausted, SessionID: id}
	}

	session.PendingSpent.Add(session.PendingSpent, amount)
	session.LastActivityMs = nowMs
	session.PaymentPayload = payload
	session.PaymentRequirements = requirements
	if err := t.store.Set(ctx, id, session); err != nil {
		return nil, err
	}
	return session, nil
}

func parseInt64(s string) (int64, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || !v.IsInt64() {
		return 0, fmt.Errorf("not an int64: %q", s)
	}
	return v.Int64(), nil
}
