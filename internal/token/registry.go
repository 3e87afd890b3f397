package token

import (
	"fmt"
	"sort"
	"time"
)

// Registry answers token management and authentication queries. Ownership
// mismatches answer exactly like missing ids, so the existence of other
// users' tokens never shows through.
type Registry struct {
	store Store
	now   func() time.Time
}

// NewRegistry constructs a Registry backed by the provided store.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

// List returns the metadata of every token owned by the user, newest first.
func (r *Registry) List(ownerID string) ([]Metadata, error) {
	records, err := r.store.ListByOwner(ownerID)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	metadata := make([]Metadata, 0, len(records))
	for _, record := range records {
		metadata = append(metadata, MetadataOf(record))
	}
	return metadata, nil
}

// Rename updates the display name of an owned token.
func (r *Registry) Rename(ownerID, id, name string) (Metadata, error) {
	trimmed, err := validateName(name)
	if err != nil {
		return Metadata{}, err
	}
	record, ok, err := r.store.GetByID(id)
	if err != nil {
		return Metadata{}, err
	}
	if !ok || record.OwnerID != ownerID {
		return Metadata{}, ErrTokenNotFound
	}
	record.Name = trimmed
	if err := r.store.Update(record); err != nil {
		return Metadata{}, fmt.Errorf("persist token rename: %w", err)
	}
	return MetadataOf(record), nil
}

// Revoke deletes an owned token. Revoking a token that is already gone
// succeeds, so retried deletes stay safe. A token owned by someone else is
// treated exactly like a missing one and is left untouched, so the response
// never confirms that a foreign id exists.
func (r *Registry) Revoke(ownerID, id string) error {
	record, ok, err := r.store.GetByID(id)
	if err != nil {
		return err
	}
	if !ok || record.OwnerID != ownerID {
		return nil
	}
	return r.store.Delete(record.ID)
}

// Authenticate resolves a plaintext secret to its token record. Lookup is by
// verifier digest, so a mutated or truncated secret never matches. A
// successful authentication stamps the token's last-use time; failures to
// persist the stamp are returned to the caller but do not revoke the match.
func (r *Registry) Authenticate(secret string) (Record, error) {
	if len(secret) != SecretBytes*2 {
		return Record{}, ErrInvalidSecret
	}
	record, ok, err := r.store.GetByVerifier(Verifier(secret))
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, ErrInvalidSecret
	}
	now := r.now()
	if record.ExpiresAt != nil && now.After(*record.ExpiresAt) {
		return Record{}, ErrInvalidSecret
	}
	touched := now.UTC()
	record.LastUsedAt = &touched
	if err := r.store.Update(record); err != nil {
		return Record{}, fmt.Errorf("stamp token use: %w", err)
	}
	return record, nil
}

// PurgeExpired removes tokens whose expiry has passed.
func (r *Registry) PurgeExpired() error {
	return r.store.PurgeExpired(r.now())
}
