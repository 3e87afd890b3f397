package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// IssuedToken pairs a token's metadata with the plaintext secret. The secret
// exists only in this value; once the caller drops it there is no way to
// recover it.
type IssuedToken struct {
	Metadata
	Secret string
}

// Issuer mints new API tokens for authenticated owners.
type Issuer struct {
	store        Store
	now          func() time.Time
	secretSource func(int) (string, error)
}

// NewIssuer constructs an Issuer backed by the provided store.
func NewIssuer(store Store) *Issuer {
	return &Issuer{
		store:        store,
		now:          time.Now,
		secretSource: generateSecret,
	}
}

// Issue creates a token named by the owner and returns the plaintext secret
// alongside the stored metadata. The credential is the owner's sealed
// upstream bearer; it travels with the record so token-authenticated calls
// can be forwarded. If persisting fails the secret is discarded with the
// error and nothing is retained.
func (i *Issuer) Issue(ownerID, ownerEmail, name, credential string, expiresAt *time.Time) (IssuedToken, error) {
	if ownerID == "" {
		return IssuedToken{}, fmt.Errorf("owner id is required")
	}
	trimmed, err := validateName(name)
	if err != nil {
		return IssuedToken{}, err
	}
	secret, err := i.secretSource(SecretBytes)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("generate token secret: %w", err)
	}
	id, err := generateTokenID()
	if err != nil {
		return IssuedToken{}, err
	}
	record := Record{
		ID:         id,
		OwnerID:    ownerID,
		OwnerEmail: ownerEmail,
		Name:       trimmed,
		Prefix:     secret[:PrefixLength],
		Verifier:   Verifier(secret),
		Credential: credential,
		CreatedAt:  i.now().UTC(),
		ExpiresAt:  expiresAt,
	}
	if err := i.store.Insert(record); err != nil {
		return IssuedToken{}, fmt.Errorf("persist token: %w", err)
	}
	return IssuedToken{Metadata: MetadataOf(record), Secret: secret}, nil
}

func generateSecret(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func generateTokenID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
