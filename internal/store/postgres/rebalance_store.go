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

// RebalanceStore implements domain.RebalanceStore using PostgreSQL.
type RebalanceStore struct {
	pool *pgxpool.Pool
}

// NewRebalanceStore creates a new RebalanceStore backed by the given pool.
func NewRebalanceStore(pool *pgxpool.Pool) *RebalanceStore {
	return &RebalanceStore{pool: pool}
}

const episodeSelectCols = `id, basket_id, targets, added, removed, multiplier_snapshot,
	target_scale, raise_percentage, generation, started_by, started_at, updated_at`

func scanEpisode(row pgx.Row) (domain.RebalanceEpisode, error) {
	var (
		ep                      domain.RebalanceEpisode
		targets, added, removed []byte
	)
	if err := row.Scan(
		&ep.ID, &ep.BasketID, &targets, &added, &removed, &ep.MultiplierSnapshot,
		&ep.TargetScale, &ep.RaisePercentage, &ep.Generation, &ep.StartedBy,
		&ep.StartedAt, &ep.UpdatedAt,
	); err != nil {
		return domain.RebalanceEpisode{}, err
	}
	if err := json.Unmarshal(targets, &ep.Targets); err != nil {
		return domain.RebalanceEpisode{}, fmt.Errorf("decode targets: %w", err)
	}
	if err := json.Unmarshal(added, &ep.Added); err != nil {
		return domain.RebalanceEpisode{}, fmt.Errorf("decode added: %w", err)
	}
	if err := json.Unmarshal(removed, &ep.Removed); err != nil {
		return domain.RebalanceEpisode{}, fmt.Errorf("decode removed: %w", err)
	}
	return ep, nil
}

// Upsert inserts an episode or overwrites an older generation of it.
func (s *RebalanceStore) Upsert(ctx context.Context, ep domain.RebalanceEpisode) error {
	targets, err := json.Marshal(ep.Targets)
	if err != nil {
		return fmt.Errorf("postgres: marshal targets: %w", err)
	}
	added, err := json.Marshal(nonNil(ep.Added))
	if err != nil {
		return fmt.Errorf("postgres: marshal added: %w", err)
	}
	removed, err := json.Marshal(nonNil(ep.Removed))
	if err != nil {
		return fmt.Errorf("postgres: marshal removed: %w", err)
	}

	const query = `
		INSERT INTO rebalance_episodes (
			id, basket_id, targets, added, removed, multiplier_snapshot,
			target_scale, raise_percentage, generation, started_by, started_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			targets = EXCLUDED.targets,
			target_scale = EXCLUDED.target_scale,
			raise_percentage = EXCLUDED.raise_percentage,
			generation = EXCLUDED.generation,
			updated_at = EXCLUDED.updated_at
		WHERE rebalance_episodes.updated_at <= EXCLUDED.updated_at`
	_, err = s.pool.Exec(ctx, query,
		ep.ID, ep.BasketID, targets, added, removed, ep.MultiplierSnapshot,
		ep.TargetScale, ep.RaisePercentage, ep.Generation, ep.StartedBy, ep.StartedAt, ep.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert episode %s: %w", ep.ID, err)
	}
	return nil
}

// GetActive returns the most recently started episode of a basket.
func (s *RebalanceStore) GetActive(ctx context.Context, basket domain.BasketID) (domain.RebalanceEpisode, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+episodeSelectCols+` FROM rebalance_episodes
		WHERE basket_id = $1 ORDER BY started_at DESC LIMIT 1`, basket)
	ep, err := scanEpisode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RebalanceEpisode{}, fmt.Errorf("postgres: active episode %s: %w", basket, domain.ErrNotFound)
	}
	if err != nil {
		return domain.RebalanceEpisode{}, fmt.Errorf("postgres: get active episode %s: %w", basket, err)
	}
	return ep, nil
}

// ListActive returns the active episode of every basket that has one.
func (s *RebalanceStore) ListActive(ctx context.Context) ([]domain.RebalanceEpisode, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT ON (basket_id) `+episodeSelectCols+`
		FROM rebalance_episodes ORDER BY basket_id, started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active episodes: %w", err)
	}
	defer rows.Close()

	var out []domain.RebalanceEpisode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan episode: %w", err)
		}
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active episodes rows: %w", err)
	}
	return out, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
