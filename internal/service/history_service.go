package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/notify"
)

const drainTimeout = 10 * time.Second

// Stores are the persistence targets of the history service. Nil stores are
// skipped.
type Stores struct {
	Baskets     domain.BasketStore
	Episodes    domain.RebalanceStore
	TradeStates domain.TradeStateStore
	Access      domain.AccessStore
	Fees        domain.FeeStore
	Fills       domain.FillStore
	Audit       domain.AuditStore
}

// HistoryService records committed engine events. It implements
// domain.EventSink and also listens to the ledger and the scheduler.
// Producers only enqueue; a single worker persists, publishes, audits and
// notifies in commit order, so the latest upsert of any row always wins.
//
// A full queue blocks the producer until the worker catches up.
type HistoryService struct {
	stores   Stores
	bus      domain.SignalBus
	notifier *notify.Notifier
	queue    chan record
	done     chan struct{}
	logger   *slog.Logger
}

type record struct {
	channel string
	at      time.Time
	data    any
	persist func(ctx context.Context) error
	audit   string
	detail  map[string]any
	alert   func() (event, title, message string)
}

// NewHistoryService creates the service. bus and notifier may be nil.
func NewHistoryService(stores Stores, bus domain.SignalBus, notifier *notify.Notifier, buffer int, logger *slog.Logger) *HistoryService {
	if buffer <= 0 {
		buffer = 1024
	}
	return &HistoryService{
		stores:   stores,
		bus:      bus,
		notifier: notifier,
		queue:    make(chan record, buffer),
		done:     make(chan struct{}),
		logger:   logger.With(slog.String("component", "history")),
	}
}

// Run processes records until ctx is cancelled, then drains what is queued.
func (s *HistoryService) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case r := <-s.queue:
			s.handle(ctx, r)
		case <-ctx.Done():
			s.drain(ctx)
			return nil
		}
	}
}

func (s *HistoryService) drain(ctx context.Context) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	for {
		select {
		case r := <-s.queue:
			s.handle(dctx, r)
		default:
			return
		}
	}
}

func (s *HistoryService) enqueue(r record) {
	select {
	case <-s.done:
		s.logger.Warn("history stopped, event dropped", slog.String("channel", r.channel))
		return
	default:
	}
	select {
	case s.queue <- r:
		return
	default:
	}
	s.logger.Warn("history queue full", slog.String("channel", r.channel), slog.Int("capacity", cap(s.queue)))
	select {
	case s.queue <- r:
	case <-s.done:
		s.logger.Warn("history stopped, event dropped", slog.String("channel", r.channel))
	}
}

func (s *HistoryService) handle(ctx context.Context, r record) {
	if r.persist != nil {
		if err := r.persist(ctx); err != nil {
			s.logger.ErrorContext(ctx, "persist event failed",
				slog.String("channel", r.channel),
				slog.String("error", err.Error()),
			)
			s.alert(ctx, notify.EventError, "persistence failed", fmt.Sprintf("%s: %v", r.channel, err))
		}
	}

	if s.bus != nil {
		if payload, err := envelope(r); err != nil {
			s.logger.ErrorContext(ctx, "encode event failed", slog.String("channel", r.channel), slog.String("error", err.Error()))
		} else {
			if err := s.bus.Publish(ctx, r.channel, payload); err != nil {
				s.logger.WarnContext(ctx, "publish event failed", slog.String("channel", r.channel), slog.String("error", err.Error()))
			}
			if err := s.bus.StreamAppend(ctx, domain.HistoryStream, payload); err != nil {
				s.logger.WarnContext(ctx, "append history stream failed", slog.String("error", err.Error()))
			}
		}
	}

	if r.audit != "" && s.stores.Audit != nil {
		if err := s.stores.Audit.Log(ctx, r.audit, r.detail); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("event", r.audit), slog.String("error", err.Error()))
		}
	}

	if r.alert != nil {
		event, title, message := r.alert()
		s.alert(ctx, event, title, message)
	}
}

func (s *HistoryService) alert(ctx context.Context, event, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "notify failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func envelope(r record) ([]byte, error) {
	data, err := json.Marshal(r.data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(domain.Envelope{Channel: r.channel, At: r.at, Data: data})
}

// FillExecuted implements domain.EventSink.
func (s *HistoryService) FillExecuted(_ context.Context, r domain.FillReceipt) {
	rec := record{
		channel: domain.ChannelFills,
		at:      r.ExecutedAt,
		data:    r,
		audit:   "fill_executed",
		detail: map[string]any{
			"fill_id": r.ID,
			"basket":  r.BasketID,
			"episode": r.EpisodeID,
			"asset":   r.Asset,
			"side":    r.Side,
			"qty_in":  r.QtyIn.String(),
			"qty_out": r.QtyOut.String(),
			"fee":     r.Fee.String(),
			"venue":   r.Venue,
			"trader":  r.Trader,
		},
		alert: func() (string, string, string) { return notify.FillMessage(r) },
	}
	if st := s.stores.Fills; st != nil {
		rec.persist = func(ctx context.Context) error { return st.Insert(ctx, r) }
	}
	s.enqueue(rec)
}

// RebalanceChanged implements domain.EventSink.
func (s *HistoryService) RebalanceChanged(_ context.Context, ev domain.RebalanceEvent) {
	ep := ev.Episode.Clone()
	rec := record{
		channel: domain.ChannelRebalances,
		at:      ev.At,
		data:    ev,
		audit:   "rebalance_" + string(ev.Type),
		detail: map[string]any{
			"basket":       ep.BasketID,
			"episode":      ep.ID,
			"generation":   ep.Generation,
			"target_scale": ep.TargetScale.String(),
			"caller":       ev.Caller,
		},
		alert: func() (string, string, string) { return notify.RebalanceMessage(ev) },
	}
	if st := s.stores.Episodes; st != nil {
		rec.persist = func(ctx context.Context) error { return st.Upsert(ctx, ep) }
	}
	s.enqueue(rec)
}

// ParamsChanged implements domain.EventSink. The state itself is persisted
// through TradeStateChanged.
func (s *HistoryService) ParamsChanged(_ context.Context, ev domain.ParamsEvent) {
	s.enqueue(record{
		channel: domain.ChannelParams,
		at:      ev.At,
		data:    ev,
		audit:   "params_changed",
		detail: map[string]any{
			"basket":         ev.BasketID,
			"asset":          ev.Asset,
			"venue":          ev.Params.Venue,
			"max_trade_size": ev.Params.MaxTradeSize.String(),
			"cooldown":       ev.Params.Cooldown.String(),
			"caller":         ev.Caller,
		},
	})
}

// AccessChanged implements domain.EventSink.
func (s *HistoryService) AccessChanged(_ context.Context, ev domain.AccessEvent) {
	cfg := ev.Config
	cfg.Traders = append([]string(nil), ev.Config.Traders...)
	rec := record{
		channel: domain.ChannelAccess,
		at:      ev.At,
		data:    ev,
		audit:   "access_changed",
		detail: map[string]any{
			"basket":  cfg.BasketID,
			"policy":  cfg.Policy,
			"traders": len(cfg.Traders),
			"caller":  ev.Caller,
		},
	}
	if st := s.stores.Access; st != nil {
		rec.persist = func(ctx context.Context) error { return st.Upsert(ctx, cfg) }
	}
	s.enqueue(rec)
}

// FeeChanged implements domain.EventSink.
func (s *HistoryService) FeeChanged(_ context.Context, ev domain.FeeEvent) {
	rec := record{
		channel: domain.ChannelFees,
		at:      ev.At,
		data:    ev,
		audit:   "fee_changed",
		detail:  map[string]any{"basket": ev.BasketID, "bps": ev.Bps},
	}
	if st := s.stores.Fees; st != nil {
		rec.persist = func(ctx context.Context) error { return st.SetBasketFee(ctx, ev.BasketID, ev.Bps) }
	}
	s.enqueue(rec)
}

// BasketChanged is the ledger listener.
func (s *HistoryService) BasketChanged(change domain.PositionChange) {
	b := change.Basket
	rec := record{channel: domain.ChannelBaskets, at: change.At, data: change}
	if change.Reason != "fill" {
		rec.audit = "basket_" + change.Reason
		rec.detail = map[string]any{
			"basket":       b.ID,
			"multiplier":   b.Multiplier.String(),
			"total_shares": b.TotalShares.String(),
		}
	}
	if st := s.stores.Baskets; st != nil {
		rec.persist = func(ctx context.Context) error { return st.Upsert(ctx, b) }
	}
	s.enqueue(rec)
}

// TradeStateChanged is the scheduler listener.
func (s *HistoryService) TradeStateChanged(st domain.AssetTradeState) {
	rec := record{channel: domain.ChannelTradeStates, at: st.UpdatedAt, data: st}
	if store := s.stores.TradeStates; store != nil {
		rec.persist = func(ctx context.Context) error { return store.Upsert(ctx, st) }
	}
	s.enqueue(rec)
}

var _ domain.EventSink = (*HistoryService)(nil)
