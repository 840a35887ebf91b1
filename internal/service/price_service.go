package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/basketbot/internal/domain"
)

// PriceService ingests asset prices into the price cache read by the oracle
// venue and the keeper, and fans them out on the signal bus.
type PriceService struct {
	priceCache domain.PriceCache
	bus        domain.SignalBus
	now        func() time.Time
	logger     *slog.Logger
}

// NewPriceService creates a PriceService. bus may be nil.
func NewPriceService(priceCache domain.PriceCache, bus domain.SignalBus, logger *slog.Logger) *PriceService {
	return &PriceService{
		priceCache: priceCache,
		bus:        bus,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "prices")),
	}
}

// SetPrices validates and stores a batch of quotes. A zero At is stamped
// with the current time. Nothing is written when any quote is invalid.
func (s *PriceService) SetPrices(ctx context.Context, quotes []domain.PriceQuote) error {
	now := s.now().UTC()
	for i := range quotes {
		q := &quotes[i]
		if q.Asset == "" || !q.Price.IsPositive() {
			return fmt.Errorf("price_service: quote %d: %w", i, domain.ErrInvalidParameters)
		}
		if q.At.IsZero() {
			q.At = now
		}
		if q.At.After(now.Add(time.Minute)) {
			return fmt.Errorf("price_service: quote %d for %s is in the future: %w", i, q.Asset, domain.ErrInvalidParameters)
		}
	}

	for _, q := range quotes {
		if err := s.priceCache.SetPrice(ctx, q.Asset, q.Price, q.At); err != nil {
			return fmt.Errorf("price_service: set price for %q: %w", q.Asset, err)
		}
		s.publish(ctx, q)
	}
	s.logger.DebugContext(ctx, "prices updated", slog.Int("count", len(quotes)))
	return nil
}

func (s *PriceService) publish(ctx context.Context, q domain.PriceQuote) {
	if s.bus == nil {
		return
	}
	data, err := json.Marshal(q)
	if err != nil {
		return
	}
	evt, err := json.Marshal(domain.Envelope{Channel: domain.ChannelPrices, At: q.At, Data: data})
	if err != nil {
		return
	}
	if pubErr := s.bus.Publish(ctx, domain.ChannelPrices, evt); pubErr != nil {
		s.logger.WarnContext(ctx, "price_service: publish price event failed",
			slog.String("asset", string(q.Asset)),
			slog.String("error", pubErr.Error()),
		)
	}
}

// GetPrice returns the latest cached quote for a single asset.
func (s *PriceService) GetPrice(ctx context.Context, asset domain.AssetID) (domain.PriceQuote, error) {
	price, ts, err := s.priceCache.GetPrice(ctx, asset)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("price_service: get price for %q: %w", asset, err)
	}
	return domain.PriceQuote{Asset: asset, Price: price, At: ts}, nil
}
