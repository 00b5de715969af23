package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, COALESCE(parent_id, ''), asset_id, entry_price, quantity,
	peak_price, remaining_pct::text, last_exit_price, ladder_progress,
	reentry_count, active, state, opened_at, closed_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p         domain.Position
		remaining string
		ladder    []byte
		state     string
	)
	err := row.Scan(
		&p.ID, &p.ParentID, &p.AssetID, &p.EntryPrice, &p.Quantity,
		&p.PeakPrice, &remaining, &p.LastExitPrice, &ladder,
		&p.ReentryCount, &p.Active, &state, &p.OpenedAt, &p.ClosedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.State = domain.ExitState(state)
	if p.RemainingPct, err = decimal.NewFromString(remaining); err != nil {
		return domain.Position{}, fmt.Errorf("parse remaining_pct %q: %w", remaining, err)
	}
	p.LadderProgress = make(map[string]bool)
	if len(ladder) > 0 {
		if err := json.Unmarshal(ladder, &p.LadderProgress); err != nil {
			return domain.Position{}, fmt.Errorf("parse ladder_progress: %w", err)
		}
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Save upserts a position snapshot. A snapshot older than the stored row is
// ignored so out-of-order writers cannot roll a position back.
func (s *PositionStore) Save(ctx context.Context, p domain.Position) error {
	ladder, err := json.Marshal(p.LadderProgress)
	if err != nil {
		return fmt.Errorf("postgres: marshal ladder progress: %w", err)
	}
	var parent *string
	if p.ParentID != "" {
		parent = &p.ParentID
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	const query = `
		INSERT INTO positions (
			id, parent_id, asset_id, entry_price, quantity,
			peak_price, remaining_pct, last_exit_price, ladder_progress,
			reentry_count, active, state, opened_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7::numeric, $8, $9,
			$10, $11, $12, $13, $14, $15
		)
		ON CONFLICT (id) DO UPDATE SET
			peak_price      = EXCLUDED.peak_price,
			remaining_pct   = EXCLUDED.remaining_pct,
			last_exit_price = EXCLUDED.last_exit_price,
			ladder_progress = EXCLUDED.ladder_progress,
			active          = EXCLUDED.active,
			state           = EXCLUDED.state,
			closed_at       = EXCLUDED.closed_at,
			updated_at      = EXCLUDED.updated_at
		WHERE positions.updated_at <= EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		p.ID, parent, p.AssetID, p.EntryPrice, p.Quantity,
		p.PeakPrice, p.RemainingPct.String(), p.LastExitPrice, ladder,
		p.ReentryCount, p.Active, string(p.State), p.OpenedAt, p.ClosedAt, updated,
	)
	if err != nil {
		return fmt.Errorf("postgres: save position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListActive returns every active position, oldest first.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE active ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active positions: %w", err)
	}
	return positions, nil
}

// ListHistory returns positions newest first. An empty assetID lists all
// assets.
func (s *PositionStore) ListHistory(ctx context.Context, assetID string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE 1=1`
	var args []any
	if assetID != "" {
		args = append(args, assetID)
		query += fmt.Sprintf(" AND asset_id = $%d", len(args))
	}
	query, args = appendListOpts(query, args, "opened_at", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan position history: %w", err)
	}
	return positions, nil
}

// ListClosedBefore returns closed positions whose closed_at precedes before,
// oldest first.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE NOT active AND closed_at < $1
		 ORDER BY closed_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// DeleteClosedBefore purges closed positions whose closed_at precedes before.
func (s *PositionStore) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE NOT active AND closed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed positions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// appendListOpts adds time filters on column, newest-first ordering and
// pagination to query.
func appendListOpts(query string, args []any, column string, opts domain.ListOpts) (string, []any) {
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND %s >= $%d", column, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND %s <= $%d", column, len(args))
	}

	query += fmt.Sprintf(" ORDER BY %s DESC", column)

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}
