package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

// AuditStore implements domain.AuditStore using PostgreSQL.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a new AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends a new audit entry. The detail map is stored as JSONB.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}

	const query = `INSERT INTO audit_log (event, detail) VALUES ($1, $2)`
	if _, err := s.pool.Exec(ctx, query, event, detailJSON); err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns audit entries newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query, args := appendListOpts(`SELECT id, event, detail, created_at FROM audit_log WHERE 1=1`, nil, "created_at", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list audit entries rows: %w", err)
	}
	return entries, nil
}

// Latest returns the newest entry for event.
func (s *AuditStore) Latest(ctx context.Context, event string) (domain.AuditEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, event, detail, created_at FROM audit_log WHERE event = $1 ORDER BY id DESC LIMIT 1`, event)
	e, err := scanAuditEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AuditEntry{}, fmt.Errorf("postgres: latest %s: %w", event, domain.ErrNotFound)
	}
	return e, err
}

// DeleteBefore purges entries created at or before before.
func (s *AuditStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_log WHERE created_at <= $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete audit entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanAuditEntry(row pgx.Row) (domain.AuditEntry, error) {
	var e domain.AuditEntry
	var detailJSON []byte
	if err := row.Scan(&e.ID, &e.Event, &detailJSON, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("postgres: scan audit entry: %w", err)
	}
	if detailJSON != nil {
		if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
			return e, fmt.Errorf("postgres: unmarshal audit detail: %w", err)
		}
	}
	return e, nil
}
