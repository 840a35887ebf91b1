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

// BasketStore persists ledger snapshots.
type BasketStore interface {
	Upsert(ctx context.Context, b Basket) error
	GetByID(ctx context.Context, id BasketID) (Basket, error)
	List(ctx context.Context) ([]Basket, error)
}

// RebalanceStore persists rebalance episodes. The most recently started
// episode of a basket is its active one.
type RebalanceStore interface {
	Upsert(ctx context.Context, ep RebalanceEpisode) error
	GetActive(ctx context.Context, basket BasketID) (RebalanceEpisode, error)
	ListActive(ctx context.Context) ([]RebalanceEpisode, error)
}

// TradeStateStore persists scheduler state.
type TradeStateStore interface {
	Upsert(ctx context.Context, st AssetTradeState) error
	ListByBasket(ctx context.Context, basket BasketID) ([]AssetTradeState, error)
	List(ctx context.Context) ([]AssetTradeState, error)
}

// AccessStore persists basket access configuration.
type AccessStore interface {
	Upsert(ctx context.Context, cfg AccessConfig) error
	List(ctx context.Context) ([]AccessConfig, error)
}

// FeeStore persists per-basket fee overrides.
type FeeStore interface {
	SetBasketFee(ctx context.Context, basket BasketID, bps int) error
	ListBasketFees(ctx context.Context) (map[BasketID]int, error)
}

// FillStore persists fill receipts.
type FillStore interface {
	Insert(ctx context.Context, r FillReceipt) error
	ListByBasket(ctx context.Context, basket BasketID, opts ListOpts) ([]FillReceipt, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]FillReceipt, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
