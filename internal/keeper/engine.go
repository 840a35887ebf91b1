package keeper

import (
	"context"
	"time"

	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/rebalance"
)

// Engine is the surface the keeper trades through.
type Engine interface {
	Baskets(ctx context.Context) ([]domain.Basket, error)
	Basket(ctx context.Context, id domain.BasketID) (domain.Basket, error)
	Episode(ctx context.Context, id domain.BasketID) (domain.RebalanceEpisode, error)
	Components(ctx context.Context, id domain.BasketID) ([]domain.ComponentStatus, error)
	ExecuteTrade(ctx context.Context, id domain.BasketID, order domain.TradeOrder) (domain.FillReceipt, error)
	TradeRemainingQuote(ctx context.Context, id domain.BasketID, order domain.TradeOrder) (domain.FillReceipt, error)
	RaiseTargets(ctx context.Context, id domain.BasketID) (domain.RebalanceEpisode, error)
}

// Local drives an in-process controller as caller.
type Local struct {
	ctrl   *rebalance.Controller
	caller string
	now    func() time.Time
}

func NewLocal(ctrl *rebalance.Controller, caller string) *Local {
	return &Local{ctrl: ctrl, caller: caller, now: time.Now}
}

func (l *Local) Baskets(context.Context) ([]domain.Basket, error) {
	return l.ctrl.Baskets(), nil
}

func (l *Local) Basket(_ context.Context, id domain.BasketID) (domain.Basket, error) {
	return l.ctrl.Basket(id)
}

func (l *Local) Episode(_ context.Context, id domain.BasketID) (domain.RebalanceEpisode, error) {
	return l.ctrl.Episode(id)
}

func (l *Local) Components(_ context.Context, id domain.BasketID) ([]domain.ComponentStatus, error) {
	return l.ctrl.RebalanceComponents(id, l.now().UTC())
}

func (l *Local) ExecuteTrade(ctx context.Context, id domain.BasketID, order domain.TradeOrder) (domain.FillReceipt, error) {
	return l.ctrl.ExecuteTrade(ctx, l.caller, id, order)
}

func (l *Local) TradeRemainingQuote(ctx context.Context, id domain.BasketID, order domain.TradeOrder) (domain.FillReceipt, error) {
	return l.ctrl.TradeRemainingQuote(ctx, l.caller, id, order)
}

func (l *Local) RaiseTargets(ctx context.Context, id domain.BasketID) (domain.RebalanceEpisode, error) {
	return l.ctrl.RaiseTargets(ctx, l.caller, id)
}
