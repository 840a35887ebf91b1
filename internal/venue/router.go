// Package venue dispatches trade quotes to registered venue adapters.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alanyoungcy/basketbot/internal/domain"
	"golang.org/x/time/rate"
)

type entry struct {
	adapter domain.VenueAdapter
	limiter *rate.Limiter
}

// Router is the uniform entry point to every venue. Each venue may carry its
// own quote rate limit.
type Router struct {
	mu     sync.RWMutex
	venues map[string]entry
	logger *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		venues: make(map[string]entry),
		logger: logger.With(slog.String("component", "venue_router")),
	}
}

// Register adds an adapter. A non-positive perSecond disables throttling.
func (r *Router) Register(a domain.VenueAdapter, perSecond float64, burst int) error {
	name := a.Name()
	if name == "" {
		return fmt.Errorf("venue: register: empty name: %w", domain.ErrInvalidVenue)
	}
	e := entry{adapter: a}
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.venues[name]; ok {
		return fmt.Errorf("venue: register %s: %w", name, domain.ErrAlreadyExists)
	}
	r.venues[name] = e
	return nil
}

// Has reports whether a venue is registered.
func (r *Router) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.venues[name]
	return ok
}

// Names lists registered venues.
func (r *Router) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.venues))
	for n := range r.venues {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Quote asks the named venue for a fill descriptor and checks that the
// descriptor answers the request that was asked.
func (r *Router) Quote(ctx context.Context, name string, req domain.TradeRequest) (domain.FillDescriptor, error) {
	r.mu.RLock()
	e, ok := r.venues[name]
	r.mu.RUnlock()
	if !ok {
		return domain.FillDescriptor{}, fmt.Errorf("venue: %s not registered: %w", name, domain.ErrVenueUnavailable)
	}
	if e.limiter != nil && !e.limiter.Allow() {
		return domain.FillDescriptor{}, fmt.Errorf("venue: %s throttled: %w", name, domain.ErrVenueUnavailable)
	}

	desc, err := e.adapter.QuoteAndBuildFill(ctx, req)
	if err != nil {
		r.logger.DebugContext(ctx, "quote rejected",
			slog.String("venue", name),
			slog.String("basket", string(req.BasketID)),
			slog.String("asset_in", string(req.AssetIn)),
			slog.String("asset_out", string(req.AssetOut)),
			slog.String("error", err.Error()),
		)
		return domain.FillDescriptor{}, fmt.Errorf("venue: %s: %w", name, err)
	}

	if desc.Venue == "" {
		desc.Venue = name
	}
	if desc.BasketID == "" {
		desc.BasketID = req.BasketID
	}
	if desc.AssetIn != req.AssetIn || desc.AssetOut != req.AssetOut {
		return domain.FillDescriptor{}, fmt.Errorf("venue: %s quoted %s/%s for %s/%s: %w",
			name, desc.AssetIn, desc.AssetOut, req.AssetIn, req.AssetOut, domain.ErrInvalidAssetPair)
	}
	if desc.QtyIn.IsNegative() || desc.QtyOut.IsNegative() {
		return domain.FillDescriptor{}, fmt.Errorf("venue: %s: negative quantity: %w", name, domain.ErrInvalidFill)
	}
	return desc, nil
}
