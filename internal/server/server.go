// Package server exposes the market engine over HTTP and websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/duckoracle/internal/domain"
	"github.com/alanyoungcy/duckoracle/internal/server/handler"
	"github.com/alanyoungcy/duckoracle/internal/server/middleware"
	"github.com/alanyoungcy/duckoracle/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	Auth        middleware.AuthConfig
	// RateLimit is requests per RateWindow per client IP. Zero disables
	// rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Markets    *handler.MarketHandler
	Resolution *handler.ResolutionHandler
	Settlement *handler.SettlementHandler
	Agents     *handler.AgentHandler
	Events     *handler.EventsHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain: CORS, logging, rate limiting, then auth. limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, wsHub, limiter, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("POST /api/markets", handlers.Markets.CreateMarket)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/quote", handlers.Markets.Quote)
	mux.HandleFunc("POST /api/markets/{id}/buy", handlers.Markets.Buy)
	mux.HandleFunc("POST /api/markets/{id}/sell", handlers.Markets.Sell)
	mux.HandleFunc("GET /api/markets/{id}/trades", handlers.Markets.ListTrades)
	mux.HandleFunc("GET /api/markets/{id}/positions", handlers.Markets.ListPositions)

	mux.HandleFunc("POST /api/markets/{id}/resolution", handlers.Resolution.RequestResolution)
	mux.HandleFunc("GET /api/markets/{id}/resolution", handlers.Resolution.GetResolution)
	mux.HandleFunc("POST /api/markets/{id}/manual", handlers.Resolution.ResolveManually)
	mux.HandleFunc("POST /api/markets/{id}/predictions", handlers.Resolution.SubmitPrediction)
	mux.HandleFunc("POST /api/markets/{id}/challenges", handlers.Resolution.Challenge)

	mux.HandleFunc("POST /api/markets/{id}/claims", handlers.Settlement.Claim)
	mux.HandleFunc("GET /api/markets/{id}/claims", handlers.Settlement.ListClaims)
	mux.HandleFunc("POST /api/markets/{id}/close", handlers.Settlement.CloseMarket)

	mux.HandleFunc("POST /api/agents", handlers.Agents.RegisterAgent)
	mux.HandleFunc("GET /api/agents", handlers.Agents.ListAgents)
	mux.HandleFunc("GET /api/agents/{id}", handlers.Agents.GetAgent)
	mux.HandleFunc("POST /api/agents/{id}/stake", handlers.Agents.Stake)
	mux.HandleFunc("POST /api/agents/{id}/withdraw", handlers.Agents.Withdraw)
	mux.HandleFunc("POST /api/agents/{id}/deactivate", handlers.Agents.Deactivate)

	if handlers.Events != nil {
		mux.HandleFunc("GET /api/events", handlers.Events.ListEvents)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	authCfg := cfg.Auth
	authCfg.Public = append(append([]string(nil), authCfg.Public...), "/api/health")

	var h http.Handler = mux
	h = middleware.Auth(authCfg)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
