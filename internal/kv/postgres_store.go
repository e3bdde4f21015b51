package kv

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists entries in the kv_entries table. Expired rows
// are treated as absent by every query and overwritten on conflict, so
// no background reaper is needed.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed kv store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.db.QueryRowContext(ctx, `
		SELECT value FROM kv_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`,
		key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (p *PostgresStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = $2, expires_at = $3`,
		key, value, nullDeadline(ttl))
	return err
}

func (p *PostgresStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	// The conditional update only fires when the existing row has
	// expired, which makes the whole statement an atomic set-if-absent.
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = $2, expires_at = $3
		WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= NOW()`,
		key, value, nullDeadline(ttl))
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = $1`, key)
	return err
}

func (p *PostgresStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, '1', $2)
		ON CONFLICT (key) DO UPDATE SET
			value = CASE
				WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= NOW()
				THEN '1'
				ELSE (kv_entries.value::BIGINT + 1)::TEXT
			END,
			expires_at = CASE
				WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= NOW()
				THEN $2
				ELSE kv_entries.expires_at
			END
		RETURNING value::BIGINT`,
		key, nullDeadline(ttl)).Scan(&n)
	return n, err
}

// nullDeadline converts a ttl to a nullable absolute deadline.
func nullDeadline(ttl time.Duration) sql.NullTime {
	if ttl <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: time.Now().Add(ttl), Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
