package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists every position generation, active or closed.
type PositionStore interface {
	Save(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListActive(ctx context.Context) ([]Position, error)
	ListHistory(ctx context.Context, assetID string, opts ListOpts) ([]Position, error)
	ListClosedBefore(ctx context.Context, before time.Time) ([]Position, error)
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log. Rows leave it only through
// the archiver's purge.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	// Latest returns the newest entry for event, or ErrNotFound.
	Latest(ctx context.Context, event string) (AuditEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
