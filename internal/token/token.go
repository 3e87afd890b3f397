// Package token manages opaque API tokens: long-lived credentials a user can
// issue, list, rename and revoke. The plaintext secret is shown exactly once
// at issuance; only a SHA-256 verifier and a short display prefix persist.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

const (
	// SecretBytes is the entropy of a token secret before hex encoding.
	SecretBytes = 32
	// PrefixLength is the number of leading secret characters kept for display.
	PrefixLength = 8

	maxNameLength = 100
)

var (
	ErrInvalidName   = errors.New("token name must be between 1 and 100 characters")
	ErrTokenNotFound = errors.New("token not found")
	ErrInvalidSecret = errors.New("token secret is invalid")
)

// Record is a stored API token. Verifier is the SHA-256 hex digest of the
// plaintext secret; the secret itself is never persisted. Credential carries
// the sealed upstream bearer bound to the token at issuance so token callers
// can be forwarded like session callers.
type Record struct {
	ID         string
	OwnerID    string
	OwnerEmail string
	Name       string
	Prefix     string
	Verifier   string
	Credential string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
}

// Metadata is the caller-visible view of a token. It never includes the
// verifier or the bound credential.
type Metadata struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// MetadataOf projects a record onto its caller-visible view.
func MetadataOf(record Record) Metadata {
	return Metadata{
		ID:         record.ID,
		Name:       record.Name,
		Prefix:     record.Prefix,
		CreatedAt:  record.CreatedAt,
		ExpiresAt:  record.ExpiresAt,
		LastUsedAt: record.LastUsedAt,
	}
}

// Store defines the persistence contract for API tokens.
type Store interface {
	Insert(record Record) error
	Update(record Record) error
	Delete(id string) error
	GetByID(id string) (Record, bool, error)
	GetByVerifier(verifier string) (Record, bool, error)
	ListByOwner(ownerID string) ([]Record, error)
	PurgeExpired(now time.Time) error
}

// Verifier computes the lookup digest for a plaintext secret.
func Verifier(secret string) string {
	digest := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(digest[:])
}

func validateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || len(trimmed) > maxNameLength {
		return "", ErrInvalidName
	}
	return trimmed, nil
}
