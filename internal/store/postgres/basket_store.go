package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/basketbot/internal/domain"
)

// BasketStore implements domain.BasketStore using PostgreSQL.
type BasketStore struct {
	pool *pgxpool.Pool
}

// NewBasketStore creates a new BasketStore backed by the given connection pool.
func NewBasketStore(pool *pgxpool.Pool) *BasketStore {
	return &BasketStore{pool: pool}
}

const basketSelectCols = `id, quote_asset, components, raw_units, position_multiplier, total_shares, updated_at`

func scanBasket(row pgx.Row) (domain.Basket, error) {
	var (
		b          domain.Basket
		components []byte
		rawUnits   []byte
	)
	if err := row.Scan(&b.ID, &b.QuoteAsset, &components, &rawUnits, &b.Multiplier, &b.TotalShares, &b.UpdatedAt); err != nil {
		return domain.Basket{}, err
	}
	if err := json.Unmarshal(components, &b.Components); err != nil {
		return domain.Basket{}, fmt.Errorf("decode components: %w", err)
	}
	if err := json.Unmarshal(rawUnits, &b.RawUnits); err != nil {
		return domain.Basket{}, fmt.Errorf("decode raw units: %w", err)
	}
	return b, nil
}

// Upsert writes the ledger snapshot of a basket.
func (s *BasketStore) Upsert(ctx context.Context, b domain.Basket) error {
	components, err := json.Marshal(b.Components)
	if err != nil {
		return fmt.Errorf("postgres: marshal components: %w", err)
	}
	rawUnits, err := json.Marshal(b.RawUnits)
	if err != nil {
		return fmt.Errorf("postgres: marshal raw units: %w", err)
	}

	const query = `
		INSERT INTO baskets (id, quote_asset, components, raw_units, position_multiplier, total_shares, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			components = EXCLUDED.components,
			raw_units = EXCLUDED.raw_units,
			position_multiplier = EXCLUDED.position_multiplier,
			total_shares = EXCLUDED.total_shares,
			updated_at = EXCLUDED.updated_at
		WHERE baskets.updated_at <= EXCLUDED.updated_at`
	_, err = s.pool.Exec(ctx, query, b.ID, b.QuoteAsset, components, rawUnits, b.Multiplier, b.TotalShares, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert basket %s: %w", b.ID, err)
	}
	return nil
}

// GetByID returns one basket or domain.ErrNotFound.
func (s *BasketStore) GetByID(ctx context.Context, id domain.BasketID) (domain.Basket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+basketSelectCols+` FROM baskets WHERE id = $1`, id)
	b, err := scanBasket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Basket{}, fmt.Errorf("postgres: basket %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Basket{}, fmt.Errorf("postgres: get basket %s: %w", id, err)
	}
	return b, nil
}

// List returns every basket ordered by id.
func (s *BasketStore) List(ctx context.Context) ([]domain.Basket, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+basketSelectCols+` FROM baskets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list baskets: %w", err)
	}
	defer rows.Close()

	var out []domain.Basket
	for rows.Next() {
		b, err := scanBasket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan basket: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list baskets rows: %w", err)
	}
	return out, nil
}
