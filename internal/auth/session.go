package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Typed resolution failures. Handlers map these onto the gateway's JSON error
// envelope; everything else is a store failure.
var (
	ErrNoSession      = errors.New("no session")
	ErrNoCredential   = errors.New("session carries no upstream credential")
	ErrSessionExpired = errors.New("session expired")
)

// ErrInvalidUserID is returned when attempting to create a session without a user identifier.
var ErrInvalidUserID = errors.New("userID is required")

// Identity is the authenticated caller a session or API token resolves to.
type Identity struct {
	ID    string
	Email string
}

// Principal is the result of resolving an inbound request: who the caller is
// and the bearer credential the gateway may present upstream on their behalf.
type Principal struct {
	Identity   Identity
	Credential string
	ExpiresAt  time.Time
}

// SessionRecord captures a session row retrieved from the backing store. The
// Credential field holds the sealed upstream bearer token, or the empty string
// for sessions that were never exchanged for one.
type SessionRecord struct {
	Token             string
	UserID            string
	Email             string
	Credential        string
	ExpiresAt         time.Time
	AbsoluteExpiresAt time.Time
}

// SessionStore defines the persistence contract for session tokens.
type SessionStore interface {
	Save(record SessionRecord) error
	Get(token string) (SessionRecord, bool, error)
	Delete(token string) error
	PurgeExpired(now time.Time) error
}

// SessionOption configures a SessionManager instance.
type SessionOption func(*SessionManager)

// WithStore injects a custom SessionStore implementation.
func WithStore(store SessionStore) SessionOption {
	return func(m *SessionManager) {
		m.store = store
	}
}

// WithSealer encrypts upstream credentials before they reach the backing store.
func WithSealer(sealer *Sealer) SessionOption {
	return func(m *SessionManager) {
		m.sealer = sealer
	}
}

// WithTokenLength sets the token length used for newly created sessions.
func WithTokenLength(length int) SessionOption {
	return func(m *SessionManager) {
		if length > 0 {
			m.tokenLength = length
		}
	}
}

// WithIdleTimeout enables idle session expiration by specifying the duration a
// session remains valid without activity. When set, Resolve refreshes the
// session expiry up to the absolute TTL.
func WithIdleTimeout(timeout time.Duration) SessionOption {
	return func(m *SessionManager) {
		if timeout > 0 {
			m.idleTimeout = timeout
		}
	}
}

// SessionManager resolves inbound session tokens against a backing store and
// creates sessions during login. Resolution is a pure read apart from the
// idle-expiry refresh; the manager never talks to the resource API.
type SessionManager struct {
	store        SessionStore
	sealer       *Sealer
	absoluteTTL  time.Duration
	idleTimeout  time.Duration
	tokenLength  int
	tokenFactory func(int) (string, error)
}

// NewSessionManager constructs a SessionManager with the provided absolute TTL and options.
// The manager defaults to a 24-hour TTL and an in-memory store for local development when no store is supplied.
func NewSessionManager(ttl time.Duration, opts ...SessionOption) *SessionManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	manager := &SessionManager{
		absoluteTTL:  ttl,
		tokenLength:  32,
		tokenFactory: generateToken,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.store == nil {
		manager.store = NewMemorySessionStore()
	}
	return manager
}

// Create issues a new session token for the provided identity. The credential
// is the upstream bearer token obtained at login; it may be empty for sessions
// established by flows that never exchanged one. When the credential is a JWT
// with an exp claim, the session lifetime is capped so the gateway never holds
// a session outliving its forwardable credential.
func (m *SessionManager) Create(userID, email, credential string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, ErrInvalidUserID
	}
	token, err := m.tokenFactory(m.tokenLength)
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now()
	absoluteExpiresAt := now.Add(m.absoluteTTL)
	if exp, ok := credentialExpiry(credential); ok && exp.Before(absoluteExpiresAt) && exp.After(now) {
		absoluteExpiresAt = exp
	}
	expiresAt := absoluteExpiresAt
	if m.idleTimeout > 0 {
		expiresAt = now.Add(m.idleTimeout)
		if expiresAt.After(absoluteExpiresAt) {
			expiresAt = absoluteExpiresAt
		}
	}
	sealed, err := m.seal(credential)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("seal credential: %w", err)
	}
	record := SessionRecord{
		Token:             token,
		UserID:            userID,
		Email:             email,
		Credential:        sealed,
		ExpiresAt:         expiresAt.UTC(),
		AbsoluteExpiresAt: absoluteExpiresAt.UTC(),
	}
	if err := m.store.Save(record); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Resolve checks the backing store for the provided token and returns the
// authenticated principal when valid. A missing or expired session never
// yields a partial principal; a valid session without a forwardable
// credential returns the identity alongside ErrNoCredential so callers can
// still attribute the rejection.
func (m *SessionManager) Resolve(token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrNoSession
	}
	record, ok, err := m.store.Get(token)
	if err != nil {
		return Principal{}, err
	}
	if !ok {
		return Principal{}, ErrNoSession
	}
	now := time.Now()
	absoluteExpiresAt := record.AbsoluteExpiresAt
	if absoluteExpiresAt.IsZero() {
		absoluteExpiresAt = record.ExpiresAt
	}
	if now.After(record.ExpiresAt) || now.After(absoluteExpiresAt) {
		_ = m.store.Delete(token)
		return Principal{}, ErrSessionExpired
	}
	expiresAt := record.ExpiresAt
	if m.idleTimeout > 0 {
		refreshTo := now.Add(m.idleTimeout)
		if refreshTo.After(absoluteExpiresAt) {
			refreshTo = absoluteExpiresAt
		}
		if refreshTo.After(record.ExpiresAt) {
			refreshed := record
			refreshed.ExpiresAt = refreshTo.UTC()
			if err := m.store.Save(refreshed); err != nil {
				return Principal{}, err
			}
			expiresAt = refreshTo
		}
	}
	principal := Principal{
		Identity:  Identity{ID: record.UserID, Email: record.Email},
		ExpiresAt: expiresAt,
	}
	if record.Credential == "" {
		return principal, ErrNoCredential
	}
	credential, err := m.open(record.Credential)
	if err != nil {
		return Principal{}, fmt.Errorf("unseal credential: %w", err)
	}
	principal.Credential = credential
	return principal, nil
}

// Revoke deletes the session token from the backing store.
func (m *SessionManager) Revoke(token string) error {
	if token == "" {
		return nil
	}
	return m.store.Delete(token)
}

// PurgeExpired removes any expired sessions from the backing store.
func (m *SessionManager) PurgeExpired() error {
	return m.store.PurgeExpired(time.Now())
}

// Ping verifies the underlying session store is reachable when it exposes a ping method.
func (m *SessionManager) Ping(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if pinger, ok := m.store.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func (m *SessionManager) seal(credential string) (string, error) {
	if credential == "" || m.sealer == nil {
		return credential, nil
	}
	return m.sealer.Seal(credential)
}

func (m *SessionManager) open(sealed string) (string, error) {
	if sealed == "" || m.sealer == nil {
		return sealed, nil
	}
	return m.sealer.Open(sealed)
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
