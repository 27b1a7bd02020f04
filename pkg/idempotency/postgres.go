package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps inbox entries in the inbox table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Get retrieves an inbox entry by key
func (s *PostgresStore) Get(ctx context.Context, key string) (*InboxEntry, error) {
	query := `
		SELECT idempotency_key, handler_name, status, fingerprint, result, created_at, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1
	`

	entry := &InboxEntry{}
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&entry.IdempotencyKey, &entry.HandlerName, &entry.Status, &entry.Fingerprint,
		&entry.Result, &entry.CreatedAt, &entry.UpdatedAt, &entry.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Start creates an entry as STARTED or takes over a RECOVERABLE one
func (s *PostgresStore) Start(ctx context.Context, entry *InboxEntry) error {
	query := `
		INSERT INTO inbox (idempotency_key, handler_name, status, fingerprint, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`

	var returned string
	err := s.pool.QueryRow(ctx, query,
		entry.IdempotencyKey, entry.HandlerName, entry.Status, entry.Fingerprint, entry.ExpiresAt,
	).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateMessage
	}
	return err
}

// SetStatus updates the status and, when given, the stored result
func (s *PostgresStore) SetStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	query := `
		UPDATE inbox
		SET status = $1, result = COALESCE($2, result), updated_at = NOW()
		WHERE idempotency_key = $3
	`
	_, err := s.pool.Exec(ctx, query, status, result, key)
	return err
}

// DeleteExpired removes expired entries
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
