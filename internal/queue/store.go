package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable indicates the DLQ store dependency is not configured.
var ErrStoreUnavailable = errors.New("queue: store unavailable")

// Store provides database accessors for dead-lettered jobs.
type Store interface {
	InsertDLQ(ctx context.Context, entry DLQEntry) (uuid.UUID, error)
	DeleteDLQ(ctx context.Context, id uuid.UUID) error
	GetDLQ(ctx context.Context, id uuid.UUID) (DLQEntry, error)
	ListDLQ(ctx context.Context, kind string, limit, offset int) ([]DLQEntry, error)
	CountDLQ(ctx context.Context, kind string) (int64, error)
}

// DLQEntry is a job that exhausted its attempts.
type DLQEntry struct {
	ID             uuid.UUID
	Kind           string
	CorrelationKey string
	Payload        []byte
	Attempts       int
	CreatedAt      time.Time
}

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

func (s *pgStore) InsertDLQ(ctx context.Context, entry DLQEntry) (uuid.UUID, error) {
	if s == nil || s.pool == nil {
		return uuid.Nil, ErrStoreUnavailable
	}
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `INSERT INTO queue_dlq (kind, correlation_key, payload, attempts)
VALUES ($1, $2, $3, $4) RETURNING id`, entry.Kind, entry.CorrelationKey, entry.Payload, entry.Attempts).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *pgStore) DeleteDLQ(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM queue_dlq WHERE id = $1`, id)
	return err
}

func (s *pgStore) GetDLQ(ctx context.Context, id uuid.UUID) (DLQEntry, error) {
	if s == nil || s.pool == nil {
		return DLQEntry{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT id, kind, correlation_key, payload, attempts, created_at FROM queue_dlq WHERE id = $1`, id)
	var entry DLQEntry
	if err := row.Scan(&entry.ID, &entry.Kind, &entry.CorrelationKey, &entry.Payload, &entry.Attempts, &entry.CreatedAt); err != nil {
		return DLQEntry{}, err
	}
	return entry, nil
}

func (s *pgStore) ListDLQ(ctx context.Context, kind string, limit, offset int) ([]DLQEntry, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	var (
		rows pgx.Rows
		err  error
	)
	if kind != "" {
		rows, err = s.pool.Query(ctx, `SELECT id, kind, correlation_key, payload, attempts, created_at FROM queue_dlq
WHERE kind = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, kind, limit, offset)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT id, kind, correlation_key, payload, attempts, created_at FROM queue_dlq
ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]DLQEntry, 0, limit)
	for rows.Next() {
		var entry DLQEntry
		if err := rows.Scan(&entry.ID, &entry.Kind, &entry.CorrelationKey, &entry.Payload, &entry.Attempts, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *pgStore) CountDLQ(ctx context.Context, kind string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrStoreUnavailable
	}
	var total int64
	if kind == "" {
		if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_dlq`).Scan(&total); err != nil {
			return 0, err
		}
		return total, nil
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_dlq WHERE kind = $1`, kind).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}
