package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSessionLifecycle(t *testing.T) {
	manager := NewSessionManager(time.Minute)
	token, expiresAt, err := manager.Create("user-123", "viewer@example.com", "upstream-bearer")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	if expiresAt.Before(time.Now()) {
		t.Fatal("expected expiry in the future")
	}

	principal, err := manager.Resolve(token)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if principal.Identity.ID != "user-123" {
		t.Fatalf("expected user id user-123, got %s", principal.Identity.ID)
	}
	if principal.Identity.Email != "viewer@example.com" {
		t.Fatalf("unexpected email %s", principal.Identity.Email)
	}
	if principal.Credential != "upstream-bearer" {
		t.Fatalf("expected credential to round-trip, got %q", principal.Credential)
	}

	if err := manager.Revoke(token); err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}
	if _, err := manager.Resolve(token); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession for revoked token, got %v", err)
	}
}

func TestResolveRejectsMissingToken(t *testing.T) {
	manager := NewSessionManager(time.Minute)
	if _, err := manager.Resolve(""); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestSessionExpiration(t *testing.T) {
	store := NewMemorySessionStore()
	manager := NewSessionManager(10*time.Millisecond, WithStore(store))
	token, _, err := manager.Create("user-123", "", "bearer")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := manager.Resolve(token); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if _, ok, err := store.Get(token); err != nil {
		t.Fatalf("Get returned error: %v", err)
	} else if ok {
		t.Fatal("expected expired session to be deleted on resolve")
	}
}

func TestPurgeExpiredRemovesSessions(t *testing.T) {
	store := NewMemorySessionStore()
	manager := NewSessionManager(10*time.Millisecond, WithStore(store))
	token, _, err := manager.Create("user-123", "", "bearer")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if err := manager.PurgeExpired(); err != nil {
		t.Fatalf("PurgeExpired returned error: %v", err)
	}
	if _, ok, err := store.Get(token); err != nil {
		t.Fatalf("Get returned error: %v", err)
	} else if ok {
		t.Fatal("expected expired session to be purged")
	}
}

func TestCreateRequiresUserID(t *testing.T) {
	manager := NewSessionManager(time.Minute)
	if _, _, err := manager.Create("", "", "bearer"); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestResolveWithoutCredential(t *testing.T) {
	manager := NewSessionManager(time.Minute)
	token, _, err := manager.Create("user-123", "viewer@example.com", "")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	principal, err := manager.Resolve(token)
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	if principal.Identity.ID != "user-123" {
		t.Fatalf("expected identity alongside ErrNoCredential, got %+v", principal)
	}
}

func TestSessionPersistsAcrossManagers(t *testing.T) {
	store := NewMemorySessionStore()
	first := NewSessionManager(time.Minute, WithStore(store))
	token, _, err := first.Create("persistent-user", "", "bearer")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	second := NewSessionManager(time.Minute, WithStore(store))
	principal, err := second.Resolve(token)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if principal.Identity.ID != "persistent-user" {
		t.Fatalf("expected user persistent-user, got %s", principal.Identity.ID)
	}
}

func TestConcurrentResolutionAcrossManagers(t *testing.T) {
	store := NewMemorySessionStore()
	primary := NewSessionManager(time.Minute, WithStore(store))
	token, _, err := primary.Create("user-xyz", "", "bearer")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	const workers = 8
	wg := sync.WaitGroup{}
	wg.Add(workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			replica := NewSessionManager(time.Minute, WithStore(store))
			principal, err := replica.Resolve(token)
			if err != nil {
				errs <- err
				return
			}
			if principal.Identity.ID != "user-xyz" {
				errs <- fmt.Errorf("unexpected user id %s", principal.Identity.ID)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("replica resolution error: %v", err)
	}
}

func TestResolveRefreshesIdleTimeout(t *testing.T) {
	store := NewMemorySessionStore()
	manager := NewSessionManager(time.Hour, WithStore(store), WithIdleTimeout(50*time.Millisecond))

	token, initialExpiry, err := manager.Create("user-refresh", "", "bearer")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	principal, err := manager.Resolve(token)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if !principal.ExpiresAt.After(initialExpiry) {
		t.Fatalf("expected refreshed expiry after initial %v, got %v", initialExpiry, principal.ExpiresAt)
	}
	if record, _, _ := store.Get(token); !record.ExpiresAt.Equal(principal.ExpiresAt) {
		t.Fatalf("expected store expiry to refresh to %v, got %v", principal.ExpiresAt, record.ExpiresAt)
	}
}

func TestResolveHonorsAbsoluteTTL(t *testing.T) {
	store := NewMemorySessionStore()
	manager := NewSessionManager(100*time.Millisecond, WithStore(store), WithIdleTimeout(80*time.Millisecond))

	token, _, err := manager.Create("user-absolute", "", "bearer")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	record, ok, err := store.Get(token)
	if err != nil || !ok {
		t.Fatalf("expected session record, got ok=%v err=%v", ok, err)
	}
	absoluteExpiry := record.AbsoluteExpiresAt

	time.Sleep(70 * time.Millisecond)
	principal, err := manager.Resolve(token)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if !principal.ExpiresAt.Equal(absoluteExpiry) {
		t.Fatalf("expected refresh capped at absolute expiry %v, got %v", absoluteExpiry, principal.ExpiresAt)
	}
}

func TestSealedCredentialAtRest(t *testing.T) {
	sealer, err := NewSealer("test-master-secret")
	if err != nil {
		t.Fatalf("NewSealer returned error: %v", err)
	}
	store := NewMemorySessionStore()
	manager := NewSessionManager(time.Minute, WithStore(store), WithSealer(sealer))

	token, _, err := manager.Create("user-sealed", "", "super-secret-bearer")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	record, ok, err := store.Get(token)
	if err != nil || !ok {
		t.Fatalf("expected session record, got ok=%v err=%v", ok, err)
	}
	if record.Credential == "super-secret-bearer" {
		t.Fatal("expected credential to be sealed in the store")
	}
	if strings.Contains(record.Credential, "super-secret") {
		t.Fatal("expected sealed credential to hide the plaintext")
	}

	principal, err := manager.Resolve(token)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if principal.Credential != "super-secret-bearer" {
		t.Fatalf("expected credential to unseal, got %q", principal.Credential)
	}
}

func TestSealerRejectsTamperedEnvelope(t *testing.T) {
	sealer, err := NewSealer("test-master-secret")
	if err != nil {
		t.Fatalf("NewSealer returned error: %v", err)
	}
	sealed, err := sealer.Seal("bearer")
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	tampered := sealed[:len(sealed)-2] + "AA"
	if tampered == sealed {
		tampered = sealed[:len(sealed)-2] + "BB"
	}
	if _, err := sealer.Open(tampered); err == nil {
		t.Fatal("expected tampered envelope to fail")
	}
}

func TestCreateCapsTTLToCredentialExpiry(t *testing.T) {
	exp := time.Now().Add(30 * time.Second)
	credential, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-jwt",
		"exp": exp.Unix(),
	}).SignedString([]byte("upstream-signing-key"))
	if err != nil {
		t.Fatalf("sign credential: %v", err)
	}

	store := NewMemorySessionStore()
	manager := NewSessionManager(24*time.Hour, WithStore(store))
	token, expiresAt, err := manager.Create("user-jwt", "", credential)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if expiresAt.After(exp.Add(time.Second)) {
		t.Fatalf("expected session expiry capped at credential exp %v, got %v", exp, expiresAt)
	}
	record, ok, err := store.Get(token)
	if err != nil || !ok {
		t.Fatalf("expected session record, got ok=%v err=%v", ok, err)
	}
	if record.AbsoluteExpiresAt.After(exp.Add(time.Second)) {
		t.Fatalf("expected absolute expiry capped at credential exp %v, got %v", exp, record.AbsoluteExpiresAt)
	}
}

func TestCreateIgnoresOpaqueCredentialExpiry(t *testing.T) {
	manager := NewSessionManager(time.Hour)
	_, expiresAt, err := manager.Create("user-opaque", "", "not-a-jwt")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if time.Until(expiresAt) < 55*time.Minute {
		t.Fatalf("expected full TTL for opaque credential, got expiry %v", expiresAt)
	}
}
