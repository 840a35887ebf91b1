package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/server/handler"
	"github.com/alanyoungcy/basketbot/internal/server/middleware"
	"github.com/alanyoungcy/basketbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// AdminAPIKey guards operator routes; empty disables them.
	AdminAPIKey      string
	SignatureMaxSkew time.Duration
	// RateLimit is requests per minute per caller; zero or a nil limiter
	// disables limiting.
	RateLimit int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Baskets   *handler.BasketHandler
	Rebalance *handler.RebalanceHandler
	Trades    *handler.TradeHandler
	Access    *handler.AccessHandler
	// Prices is optional; nil leaves the price routes unregistered.
	Prices *handler.PriceHandler
}

// Server is the HTTP + WebSocket API of the engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain:
// CORS, logging, identity, rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, wsHub, limiter, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler returns the routed and wrapped http.Handler.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	admin := func(fn http.HandlerFunc) http.Handler {
		return middleware.Admin(cfg.AdminAPIKey)(fn)
	}

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Baskets. Registration and ledger hooks are operator-only.
	mux.Handle("POST /api/baskets", admin(handlers.Baskets.Register))
	mux.HandleFunc("GET /api/baskets", handlers.Baskets.List)
	mux.HandleFunc("GET /api/baskets/{id}", handlers.Baskets.Get)
	mux.Handle("PUT /api/baskets/{id}/shares", admin(handlers.Baskets.SetShares))
	mux.Handle("PUT /api/baskets/{id}/multiplier", admin(handlers.Baskets.SetMultiplier))
	mux.Handle("PUT /api/baskets/{id}/fee", admin(handlers.Baskets.SetFee))

	// Rebalance episodes.
	mux.HandleFunc("POST /api/baskets/{id}/rebalance", handlers.Rebalance.Start)
	mux.HandleFunc("GET /api/baskets/{id}/rebalance", handlers.Rebalance.Get)
	mux.HandleFunc("PUT /api/baskets/{id}/rebalance/targets", handlers.Rebalance.EditTargets)
	mux.HandleFunc("PUT /api/baskets/{id}/rebalance/raise-percentage", handlers.Rebalance.SetRaisePercentage)
	mux.HandleFunc("POST /api/baskets/{id}/rebalance/raise", handlers.Rebalance.Raise)
	mux.HandleFunc("GET /api/baskets/{id}/rebalance/components", handlers.Rebalance.Components)

	// Trading.
	mux.HandleFunc("PUT /api/baskets/{id}/assets/{asset}/params", handlers.Trades.SetParams)
	mux.HandleFunc("POST /api/baskets/{id}/trades", handlers.Trades.Execute)
	mux.HandleFunc("POST /api/baskets/{id}/trades/remaining-quote", handlers.Trades.RemainingQuote)
	mux.HandleFunc("GET /api/baskets/{id}/fills", handlers.Trades.ListFills)

	// Access.
	mux.HandleFunc("PUT /api/baskets/{id}/traders", handlers.Access.SetTraders)
	mux.HandleFunc("PUT /api/baskets/{id}/traders/open", handlers.Access.SetOpen)
	mux.HandleFunc("GET /api/baskets/{id}/traders", handlers.Access.Get)

	if handlers.Prices != nil {
		mux.Handle("PUT /api/prices", admin(handlers.Prices.Set))
		mux.HandleFunc("GET /api/prices/{asset}", handlers.Prices.Get)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute, logger)(h)
	}
	h = middleware.Identity(cfg.SignatureMaxSkew, nil)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
