package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/basketbot/internal/domain"
)

// FillStore implements domain.FillStore using PostgreSQL.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a new FillStore backed by the given connection pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

const fillSelectCols = `id, basket_id, episode_id, venue, trader, side, asset, asset_in, asset_out,
	qty_in, qty_out, fee, net, price, units_after, executed_at`

func scanFillRows(rows pgx.Rows) ([]domain.FillReceipt, error) {
	var fills []domain.FillReceipt
	for rows.Next() {
		var (
			r     domain.FillReceipt
			units []byte
		)
		if err := rows.Scan(
			&r.ID, &r.BasketID, &r.EpisodeID, &r.Venue, &r.Trader, &r.Side, &r.Asset,
			&r.AssetIn, &r.AssetOut, &r.QtyIn, &r.QtyOut, &r.Fee, &r.Net, &r.Price,
			&units, &r.ExecutedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(units, &r.UnitsAfter); err != nil {
			return nil, fmt.Errorf("decode units_after: %w", err)
		}
		fills = append(fills, r)
	}
	return fills, rows.Err()
}

// Insert records a fill receipt. Replays of the same receipt are ignored.
func (s *FillStore) Insert(ctx context.Context, r domain.FillReceipt) error {
	units, err := json.Marshal(r.UnitsAfter)
	if err != nil {
		return fmt.Errorf("postgres: marshal units_after: %w", err)
	}
	const query = `
		INSERT INTO fills (
			id, basket_id, episode_id, venue, trader, side, asset, asset_in, asset_out,
			qty_in, qty_out, fee, net, price, units_after, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING`
	_, err = s.pool.Exec(ctx, query,
		r.ID, r.BasketID, r.EpisodeID, r.Venue, r.Trader, r.Side, r.Asset, r.AssetIn, r.AssetOut,
		r.QtyIn, r.QtyOut, r.Fee, r.Net, r.Price, units, r.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert fill %s: %w", r.ID, err)
	}
	return nil
}

// ListByBasket returns fills of a basket, newest first, with pagination and
// optional time filtering.
func (s *FillStore) ListByBasket(ctx context.Context, basket domain.BasketID, opts domain.ListOpts) ([]domain.FillReceipt, error) {
	query := `SELECT ` + fillSelectCols + ` FROM fills WHERE basket_id = $1`
	args := []any{basket}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND executed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND executed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY executed_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills %s: %w", basket, err)
	}
	defer rows.Close()

	fills, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills: %w", err)
	}
	return fills, nil
}

// ListBefore returns up to limit fills executed before the cutoff, oldest
// first.
func (s *FillStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.FillReceipt, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+fillSelectCols+` FROM fills
		WHERE executed_at < $1 ORDER BY executed_at ASC LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	fills, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills: %w", err)
	}
	return fills, nil
}

// DeleteBefore removes fills executed before the cutoff.
func (s *FillStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM fills WHERE executed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete fills before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}
