package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/duckoracle/internal/crypto"
	"github.com/alanyoungcy/duckoracle/internal/domain"
	"github.com/alanyoungcy/duckoracle/internal/server"
	"github.com/alanyoungcy/duckoracle/internal/server/handler"
	"github.com/alanyoungcy/duckoracle/internal/server/middleware"
	"github.com/alanyoungcy/duckoracle/internal/server/ws"
	"github.com/alanyoungcy/duckoracle/internal/service"
)

// ServerMode serves the HTTP API and websocket hub and runs the scheduler
// and the oracle runner alongside it.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startScheduler(ctx, g, deps)
	a.startRunner(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// SchedulerMode only advances deadlines: aggregation, dispute expiry and
// claim timeouts. Local analysts still answer retry rounds.
func (a *App) SchedulerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scheduler mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startScheduler(ctx, g, deps)
	a.startRunner(ctx, g, deps)
	return g.Wait()
}

// FullMode runs everything, including closed-market archiving when S3 is
// configured.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.Bool("archive", deps.Checks["s3"] != nil),
	)

	g, ctx := errgroup.WithContext(ctx)
	a.startScheduler(ctx, g, deps)
	a.startRunner(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}
	return g.Wait()
}

func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	sched := service.NewScheduler(deps.Resolution, deps.Settlement, deps.LockManager,
		a.cfg.Market.TickInterval.Duration, a.logger)
	g.Go(func() error {
		return sched.Run(ctx)
	})
}

// startRunner starts the oracle runner and queues a round for every market
// that was already collecting predictions when the process stopped.
func (a *App) startRunner(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if len(deps.Registry.Bound()) == 0 {
		a.logger.InfoContext(ctx, "no operator analysts configured; runner idle")
	}
	for _, l := range deps.Book.List() {
		m := l.Snapshot()
		if m.State == domain.MarketStateAwaitingPredictions && !m.ManualRequired {
			deps.Runner.Enqueue(m.ID)
		}
	}
	g.Go(func() error {
		return deps.Runner.Run(ctx)
	})
}

// startHTTPServer adds the HTTP server and websocket hub to g. The server is
// shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	sc := a.cfg.Server

	hub := ws.NewHub(deps.SignalBus, sc.CORSOrigins, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	auth := middleware.AuthConfig{APIKeys: sc.APIKeys}
	if sc.HMACKey != "" {
		auth.HMAC = &crypto.HMACAuth{Key: sc.HMACKey, Secret: sc.HMACSecret}
	}

	srv := server.NewServer(server.Config{
		Port:        sc.Port,
		CORSOrigins: sc.CORSOrigins,
		Auth:        auth,
		RateLimit:   sc.RateLimit,
		RateWindow:  sc.RateWindow.Duration,
	}, server.Handlers{
		Health:     handler.NewHealthHandler(deps.Checks, a.logger),
		Markets:    handler.NewMarketHandler(deps.Markets, a.logger),
		Resolution: handler.NewResolutionHandler(deps.Resolution, a.logger),
		Settlement: handler.NewSettlementHandler(deps.Settlement, a.logger),
		Agents:     handler.NewAgentHandler(deps.Agents, a.logger),
		Events:     handler.NewEventsHandler(deps.SignalBus, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening", slog.Int("port", sc.Port))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
