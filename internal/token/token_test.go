package token

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndAuthenticate(t *testing.T) {
	store := NewMemoryStore()
	issuer := NewIssuer(store)
	registry := NewRegistry(store)

	issued, err := issuer.Issue("user-1", "owner@example.com", "ci deploy", "sealed-credential", nil)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	if len(issued.Secret) != SecretBytes*2 {
		t.Fatalf("expected %d-char secret, got %d", SecretBytes*2, len(issued.Secret))
	}
	if issued.Prefix != issued.Secret[:PrefixLength] {
		t.Fatalf("expected prefix %q, got %q", issued.Secret[:PrefixLength], issued.Prefix)
	}

	record, err := registry.Authenticate(issued.Secret)
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if record.OwnerID != "user-1" {
		t.Fatalf("expected owner user-1, got %s", record.OwnerID)
	}
	if record.Credential != "sealed-credential" {
		t.Fatalf("expected bound credential, got %q", record.Credential)
	}
	if record.LastUsedAt == nil {
		t.Fatal("expected last use to be stamped")
	}

	stored, ok, err := store.GetByID(issued.ID)
	if err != nil || !ok {
		t.Fatalf("expected stored record, got ok=%v err=%v", ok, err)
	}
	if stored.Verifier == issued.Secret || strings.Contains(stored.Verifier, issued.Secret) {
		t.Fatal("expected store to hold a digest, not the secret")
	}
}

func TestAuthenticateRejectsMutatedSecret(t *testing.T) {
	store := NewMemoryStore()
	issued, err := NewIssuer(store).Issue("user-1", "", "laptop", "", nil)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	registry := NewRegistry(store)

	last := issued.Secret[len(issued.Secret)-1]
	flipped := "0"
	if last == '0' {
		flipped = "1"
	}
	mutated := issued.Secret[:len(issued.Secret)-1] + flipped
	if _, err := registry.Authenticate(mutated); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected ErrInvalidSecret for mutated secret, got %v", err)
	}
	if _, err := registry.Authenticate(issued.Secret[:10]); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected ErrInvalidSecret for truncated secret, got %v", err)
	}
}

func TestListReturnsNewestFirstWithoutSecrets(t *testing.T) {
	store := NewMemoryStore()
	issuer := NewIssuer(store)
	times := []time.Time{
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	idx := 0
	issuer.now = func() time.Time {
		now := times[idx]
		idx++
		return now
	}

	if _, err := issuer.Issue("user-1", "", "older", "", nil); err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	newer, err := issuer.Issue("user-1", "", "newer", "", nil)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	listed, err := NewRegistry(store).List("user-1")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(listed))
	}
	if listed[0].ID != newer.ID {
		t.Fatalf("expected newest token first, got %s", listed[0].Name)
	}

	payload, err := json.Marshal(listed)
	if err != nil {
		t.Fatalf("marshal listing: %v", err)
	}
	if strings.Contains(strings.ToLower(string(payload)), "verifier") || strings.Contains(string(payload), "credential") {
		t.Fatalf("expected listing to omit secrets, got %s", payload)
	}
}

func TestRename(t *testing.T) {
	store := NewMemoryStore()
	issued, err := NewIssuer(store).Issue("user-1", "", "old name", "", nil)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	registry := NewRegistry(store)

	renamed, err := registry.Rename("user-1", issued.ID, "  new name  ")
	if err != nil {
		t.Fatalf("Rename returned error: %v", err)
	}
	if renamed.Name != "new name" {
		t.Fatalf("expected trimmed rename, got %q", renamed.Name)
	}

	if _, err := registry.Rename("user-1", issued.ID, ""); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName for empty name, got %v", err)
	}
	if _, err := registry.Rename("user-1", issued.ID, strings.Repeat("x", 101)); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName for oversized name, got %v", err)
	}
	if _, err := registry.Rename("someone-else", issued.ID, "hijack"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound for foreign owner, got %v", err)
	}
	if _, err := registry.Rename("user-1", "missing", "name"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound for unknown id, got %v", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	issued, err := NewIssuer(store).Issue("user-1", "", "short lived", "", nil)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	registry := NewRegistry(store)

	if err := registry.Revoke("user-1", issued.ID); err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}
	if err := registry.Revoke("user-1", issued.ID); err != nil {
		t.Fatalf("expected second revoke to succeed, got %v", err)
	}
	if _, err := registry.Authenticate(issued.Secret); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected revoked secret to be rejected, got %v", err)
	}
}

func TestRevokeForeignTokenLooksLikeMissing(t *testing.T) {
	store := NewMemoryStore()
	issued, err := NewIssuer(store).Issue("user-1", "", "mine", "", nil)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	registry := NewRegistry(store)

	// A caller revoking someone else's id must get the same answer as
	// revoking an id that never existed, with the token left in place.
	if err := registry.Revoke("someone-else", issued.ID); err != nil {
		t.Fatalf("expected foreign revoke to report success, got %v", err)
	}
	if err := registry.Revoke("someone-else", "tok_nonexistent"); err != nil {
		t.Fatalf("expected missing-id revoke to report success, got %v", err)
	}
	if _, ok, _ := store.GetByID(issued.ID); !ok {
		t.Fatal("expected foreign revoke to leave the token intact")
	}
	if _, err := registry.Authenticate(issued.Secret); err != nil {
		t.Fatalf("expected owner's secret to keep working, got %v", err)
	}
}

func TestExpiredTokensRejectedAndPurged(t *testing.T) {
	store := NewMemoryStore()
	expiry := time.Now().Add(-time.Minute)
	issued, err := NewIssuer(store).Issue("user-1", "", "expired", "", &expiry)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	registry := NewRegistry(store)

	if _, err := registry.Authenticate(issued.Secret); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected expired secret to be rejected, got %v", err)
	}
	if err := registry.PurgeExpired(); err != nil {
		t.Fatalf("PurgeExpired returned error: %v", err)
	}
	if _, ok, _ := store.GetByID(issued.ID); ok {
		t.Fatal("expected expired token to be purged")
	}
}

type failingStore struct {
	Store
}

func (failingStore) Insert(Record) error {
	return errors.New("disk full")
}

func TestIssueDiscardsSecretOnStoreFailure(t *testing.T) {
	issuer := NewIssuer(failingStore{Store: NewMemoryStore()})
	issued, err := issuer.Issue("user-1", "", "doomed", "", nil)
	if err == nil {
		t.Fatal("expected store failure to surface")
	}
	if issued.Secret != "" {
		t.Fatal("expected no secret alongside a failed issue")
	}
}

func TestIssueValidatesName(t *testing.T) {
	issuer := NewIssuer(NewMemoryStore())
	if _, err := issuer.Issue("user-1", "", "   ", "", nil); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
	if _, err := issuer.Issue("user-1", "", strings.Repeat("n", 101), "", nil); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName for oversized name, got %v", err)
	}
}
