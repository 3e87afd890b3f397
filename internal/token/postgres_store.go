package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists API tokens to a Postgres table so revocation takes
// effect across every gateway replica.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a Postgres-backed token store using the provided DSN
// and ensures the tokens table exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres token dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres token config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres token pool: %w", err)
	}
	store := &PostgresStore{pool: pool}
	if err := store.ensureSchema(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure token schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS api_tokens (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    owner_email TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL,
    prefix TEXT NOT NULL,
    verifier TEXT NOT NULL UNIQUE,
    credential TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ,
    last_used_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS api_tokens_owner_idx ON api_tokens (owner_id)
`)
	return err
}

// Close releases the Postgres connection pool resources.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Insert stores a new token record.
func (s *PostgresStore) Insert(record Record) error {
	if s.pool == nil {
		return fmt.Errorf("postgres token pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `
INSERT INTO api_tokens (id, owner_id, owner_email, name, prefix, verifier, credential, created_at, expires_at, last_used_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`, record.ID, record.OwnerID, record.OwnerEmail, record.Name, record.Prefix, record.Verifier, record.Credential,
		record.CreatedAt.UTC(), record.ExpiresAt, record.LastUsedAt)
	return err
}

// Update replaces a stored token record.
func (s *PostgresStore) Update(record Record) error {
	if s.pool == nil {
		return fmt.Errorf("postgres token pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `
UPDATE api_tokens SET
    owner_id = $2,
    owner_email = $3,
    name = $4,
    prefix = $5,
    verifier = $6,
    credential = $7,
    created_at = $8,
    expires_at = $9,
    last_used_at = $10
WHERE id = $1
`, record.ID, record.OwnerID, record.OwnerEmail, record.Name, record.Prefix, record.Verifier, record.Credential,
		record.CreatedAt.UTC(), record.ExpiresAt, record.LastUsedAt)
	return err
}

// Delete removes a token record by ID.
func (s *PostgresStore) Delete(id string) error {
	if s.pool == nil {
		return fmt.Errorf("postgres token pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `DELETE FROM api_tokens WHERE id = $1`, id)
	return err
}

// GetByID fetches a token record by ID.
func (s *PostgresStore) GetByID(id string) (Record, bool, error) {
	return s.get(`
SELECT id, owner_id, owner_email, name, prefix, verifier, credential, created_at, expires_at, last_used_at
FROM api_tokens WHERE id = $1
`, id)
}

// GetByVerifier fetches a token record by its secret digest.
func (s *PostgresStore) GetByVerifier(verifier string) (Record, bool, error) {
	return s.get(`
SELECT id, owner_id, owner_email, name, prefix, verifier, credential, created_at, expires_at, last_used_at
FROM api_tokens WHERE verifier = $1
`, verifier)
}

func (s *PostgresStore) get(query, arg string) (Record, bool, error) {
	if s.pool == nil {
		return Record{}, false, fmt.Errorf("postgres token pool not configured")
	}
	row := s.pool.QueryRow(context.Background(), query, arg)
	var record Record
	err := row.Scan(&record.ID, &record.OwnerID, &record.OwnerEmail, &record.Name, &record.Prefix,
		&record.Verifier, &record.Credential, &record.CreatedAt, &record.ExpiresAt, &record.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return record, true, nil
}

// ListByOwner returns every token owned by the user.
func (s *PostgresStore) ListByOwner(ownerID string) ([]Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres token pool not configured")
	}
	rows, err := s.pool.Query(context.Background(), `
SELECT id, owner_id, owner_email, name, prefix, verifier, credential, created_at, expires_at, last_used_at
FROM api_tokens WHERE owner_id = $1
ORDER BY created_at DESC
`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var record Record
		if err := rows.Scan(&record.ID, &record.OwnerID, &record.OwnerEmail, &record.Name, &record.Prefix,
			&record.Verifier, &record.Credential, &record.CreatedAt, &record.ExpiresAt, &record.LastUsedAt); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// PurgeExpired removes tokens whose expiry has passed.
func (s *PostgresStore) PurgeExpired(now time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("postgres token pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `DELETE FROM api_tokens WHERE expires_at IS NOT NULL AND expires_at <= $1`, now.UTC())
	return err
}

// Ping verifies connectivity to the Postgres cluster.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres token pool not configured")
	}
	return s.pool.Ping(ctx)
}
