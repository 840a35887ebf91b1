package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/basketbot/internal/domain"
)

// TradeStateStore implements domain.TradeStateStore using PostgreSQL.
type TradeStateStore struct {
	pool *pgxpool.Pool
}

// NewTradeStateStore creates a new TradeStateStore backed by the given pool.
func NewTradeStateStore(pool *pgxpool.Pool) *TradeStateStore {
	return &TradeStateStore{pool: pool}
}

const tradeStateSelectCols = `basket_id, asset, target_unit, last_trade_at, traded_since_reset,
	venue, max_trade_size, cooldown_ms, direction, configured, updated_at`

func scanTradeStates(rows pgx.Rows) ([]domain.AssetTradeState, error) {
	var out []domain.AssetTradeState
	for rows.Next() {
		var (
			st         domain.AssetTradeState
			lastTrade  *time.Time
			cooldownMs int64
		)
		if err := rows.Scan(
			&st.BasketID, &st.Asset, &st.TargetUnit, &lastTrade, &st.TradedSinceReset,
			&st.Venue, &st.MaxTradeSize, &cooldownMs, &st.Direction, &st.Configured, &st.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if lastTrade != nil {
			st.LastTradeAt = *lastTrade
		}
		st.Cooldown = time.Duration(cooldownMs) * time.Millisecond
		out = append(out, st)
	}
	return out, rows.Err()
}

// Upsert writes the state of one (basket, asset) pair. In-flight flags are
// never persisted.
func (s *TradeStateStore) Upsert(ctx context.Context, st domain.AssetTradeState) error {
	var lastTrade *time.Time
	if !st.LastTradeAt.IsZero() {
		lastTrade = &st.LastTradeAt
	}

	const query = `
		INSERT INTO asset_trade_states (
			basket_id, asset, target_unit, last_trade_at, traded_since_reset,
			venue, max_trade_size, cooldown_ms, direction, configured, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (basket_id, asset) DO UPDATE SET
			target_unit = EXCLUDED.target_unit,
			last_trade_at = EXCLUDED.last_trade_at,
			traded_since_reset = EXCLUDED.traded_since_reset,
			venue = EXCLUDED.venue,
			max_trade_size = EXCLUDED.max_trade_size,
			cooldown_ms = EXCLUDED.cooldown_ms,
			direction = EXCLUDED.direction,
			configured = EXCLUDED.configured,
			updated_at = EXCLUDED.updated_at`
	_, err := s.pool.Exec(ctx, query,
		st.BasketID, st.Asset, st.TargetUnit, lastTrade, st.TradedSinceReset,
		st.Venue, st.MaxTradeSize, st.Cooldown.Milliseconds(), st.Direction, st.Configured, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert trade state %s/%s: %w", st.BasketID, st.Asset, err)
	}
	return nil
}

// ListByBasket returns the states of one basket ordered by asset.
func (s *TradeStateStore) ListByBasket(ctx context.Context, basket domain.BasketID) ([]domain.AssetTradeState, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeStateSelectCols+` FROM asset_trade_states
		WHERE basket_id = $1 ORDER BY asset`, basket)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade states %s: %w", basket, err)
	}
	defer rows.Close()

	out, err := scanTradeStates(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trade states: %w", err)
	}
	return out, nil
}

// List returns every persisted state.
func (s *TradeStateStore) List(ctx context.Context) ([]domain.AssetTradeState, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeStateSelectCols+` FROM asset_trade_states ORDER BY basket_id, asset`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade states: %w", err)
	}
	defer rows.Close()

	out, err := scanTradeStates(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trade states: %w", err)
	}
	return out, nil
}
