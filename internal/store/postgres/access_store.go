package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/basketbot/internal/domain"
)

// AccessStore implements domain.AccessStore and domain.FeeStore using
// PostgreSQL.
type AccessStore struct {
	pool *pgxpool.Pool
}

// NewAccessStore creates a new AccessStore backed by the given pool.
func NewAccessStore(pool *pgxpool.Pool) *AccessStore {
	return &AccessStore{pool: pool}
}

// Upsert writes the access configuration of a basket.
func (s *AccessStore) Upsert(ctx context.Context, cfg domain.AccessConfig) error {
	traders, err := json.Marshal(nonNil(cfg.Traders))
	if err != nil {
		return fmt.Errorf("postgres: marshal traders: %w", err)
	}
	const query = `
		INSERT INTO basket_access (basket_id, manager, policy, traders, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (basket_id) DO UPDATE SET
			manager = EXCLUDED.manager,
			policy = EXCLUDED.policy,
			traders = EXCLUDED.traders,
			updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, cfg.BasketID, cfg.Manager, cfg.Policy, traders); err != nil {
		return fmt.Errorf("postgres: upsert access %s: %w", cfg.BasketID, err)
	}
	return nil
}

// List returns every access configuration.
func (s *AccessStore) List(ctx context.Context) ([]domain.AccessConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT basket_id, manager, policy, traders FROM basket_access ORDER BY basket_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list access: %w", err)
	}
	defer rows.Close()

	var out []domain.AccessConfig
	for rows.Next() {
		var (
			cfg     domain.AccessConfig
			traders []byte
		)
		if err := rows.Scan(&cfg.BasketID, &cfg.Manager, &cfg.Policy, &traders); err != nil {
			return nil, fmt.Errorf("postgres: scan access: %w", err)
		}
		if err := json.Unmarshal(traders, &cfg.Traders); err != nil {
			return nil, fmt.Errorf("postgres: decode traders: %w", err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list access rows: %w", err)
	}
	return out, nil
}

// SetBasketFee records a per-basket fee override.
func (s *AccessStore) SetBasketFee(ctx context.Context, basket domain.BasketID, bps int) error {
	const query = `
		INSERT INTO basket_fees (basket_id, fee_bps, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (basket_id) DO UPDATE SET fee_bps = EXCLUDED.fee_bps, updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, basket, bps); err != nil {
		return fmt.Errorf("postgres: set fee %s: %w", basket, err)
	}
	return nil
}

// ListBasketFees returns every fee override.
func (s *AccessStore) ListBasketFees(ctx context.Context) (map[domain.BasketID]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT basket_id, fee_bps FROM basket_fees`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fees: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.BasketID]int)
	for rows.Next() {
		var (
			id  domain.BasketID
			bps int
		)
		if err := rows.Scan(&id, &bps); err != nil {
			return nil, fmt.Errorf("postgres: scan fee: %w", err)
		}
		out[id] = bps
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list fees rows: %w", err)
	}
	return out, nil
}
