package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/duckoracle/internal/agent"
	"github.com/alanyoungcy/duckoracle/internal/analyst"
	s3blob "github.com/alanyoungcy/duckoracle/internal/blob/s3"
	"github.com/alanyoungcy/duckoracle/internal/cache/memory"
	"github.com/alanyoungcy/duckoracle/internal/cache/redis"
	"github.com/alanyoungcy/duckoracle/internal/config"
	"github.com/alanyoungcy/duckoracle/internal/consensus"
	"github.com/alanyoungcy/duckoracle/internal/crypto"
	"github.com/alanyoungcy/duckoracle/internal/domain"
	"github.com/alanyoungcy/duckoracle/internal/ledger"
	"github.com/alanyoungcy/duckoracle/internal/notify"
	"github.com/alanyoungcy/duckoracle/internal/platform/llm"
	"github.com/alanyoungcy/duckoracle/internal/server/handler"
	"github.com/alanyoungcy/duckoracle/internal/service"
	"github.com/alanyoungcy/duckoracle/internal/settlement"
	"github.com/alanyoungcy/duckoracle/internal/store/postgres"
	"github.com/alanyoungcy/duckoracle/internal/store/sqlite"
	"github.com/alanyoungcy/duckoracle/internal/trading"
)

// streamMaxLen bounds the in-memory event journal.
const streamMaxLen = 10_000

// Dependencies bundles everything the operating modes need. It is built by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Stores domain.Stores

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Engines
	Book     *ledger.Book
	Registry *agent.Registry
	Resolver *consensus.Resolver

	// Services
	Markets    *service.MarketService
	Agents     *service.AgentService
	Resolution *service.ResolutionService
	Settlement *service.SettlementService
	Runner     *service.Runner

	Notifier *notify.Notifier
	// Checks feed GET /api/health.
	Checks map[string]handler.Checker
}

// needsS3 reports whether mode archives closed markets.
func needsS3(mode string) bool {
	return mode == "full"
}

// Wire constructs all concrete dependency implementations from cfg, restores
// the in-memory engines from the store and returns a cleanup function that
// releases connections on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: make(map[string]handler.Checker)}

	// --- Store ---
	switch cfg.Store {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.Stores = pgClient.Stores()
		deps.Checks["postgres"] = pgClient.Ping
	default:
		db, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return fail(fmt.Errorf("wire: sqlite: %w", err))
		}
		closers = append(closers, func() { _ = db.Close() })
		deps.Stores = db.Stores()
		deps.Checks["sqlite"] = db.Ping
	}

	// --- Cache, locks and event bus ---
	switch cfg.Cache {
	case "redis":
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	default:
		deps.PriceCache = memory.NewPriceCache()
		deps.RateLimiter = memory.NewRateLimiter()
		deps.LockManager = memory.NewLockManager()
		deps.SignalBus = memory.NewSignalBus(streamMaxLen)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Engines ---
	deps.Book = ledger.NewBook()
	deps.Registry = agent.NewRegistry(agent.Config{MinStake: cfg.Agents.MinStake})
	deps.Resolver = consensus.NewResolver(deps.Book, deps.Registry, consensus.Config{
		Quorum: cfg.Consensus.Quorum,
		Weighting: consensus.Weighting{
			StakeScale: cfg.Consensus.StakeScale,
			MaxShare:   cfg.Consensus.MaxShare,
		},
		MinChallengeStake: cfg.Consensus.MinChallengeStake,
		RetryWindow:       cfg.Consensus.RetryWindow.Duration,
	})
	if cfg.Agents.VerifySignatures {
		deps.Resolver.WithVerifier(crypto.NewVerifier(cfg.Agents.ChainID))
	}

	// --- Services ---
	now := func() time.Time { return time.Now().UTC() }
	journal := service.NewJournal(deps.Stores, deps.SignalBus, deps.PriceCache, logger).WithNotifier(deps.Notifier)

	deps.Markets = service.NewMarketService(deps.Book,
		trading.NewEngine(deps.Book, trading.Config{ShareStep: cfg.Market.ShareStep}),
		journal, service.MarketDefaults{
			B:                cfg.Market.DefaultLiquidity,
			FeeBps:           cfg.Market.FeeBps,
			SubmissionWindow: cfg.Market.SubmissionWindow.Duration,
			DisputeWindow:    cfg.Market.DisputeWindow.Duration,
			ClaimTimeout:     cfg.Market.ClaimTimeout.Duration,
		}, now, logger)
	deps.Agents = service.NewAgentService(deps.Registry, journal, now, logger)
	deps.Settlement = service.NewSettlementService(
		settlement.NewEngine(deps.Book, deps.Resolver, deps.Registry),
		deps.Resolver, deps.Book, journal, now, logger)
	deps.Resolution = service.NewResolutionService(deps.Resolver, deps.Book, deps.Registry, deps.Settlement, journal, now, logger)

	// --- S3 archive of closed markets ---
	if cfg.S3.Enabled && cfg.Market.ArchiveClosed && needsS3(cfg.Mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Prefix:         cfg.S3.Prefix,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		writer := s3blob.NewWriter(s3Client, int64(cfg.S3.PartSizeMB)<<20)
		deps.Settlement.WithArchiver(s3blob.NewArchiver(writer, s3blob.NewReader(s3Client), deps.Stores))
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Restore ---
	stats, err := service.Restore(ctx, deps.Stores, deps.Book, deps.Registry, deps.Resolver, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: restore: %w", err))
	}
	logger.InfoContext(ctx, "state restored",
		slog.Int("agents", stats.Agents),
		slog.Int("markets", stats.Markets),
		slog.Int("predictions", stats.Predictions),
		slog.Int("halted", stats.Halted),
	)

	// --- Operator analysts ---
	runner, err := wireRunner(cfg, deps, logger)
	if err != nil {
		return fail(err)
	}
	deps.Runner = runner
	deps.Resolution.OnAwaitingPredictions(runner.Enqueue)

	return deps, cleanup, nil
}

// wireRunner binds the configured local analysts to their registered agents
// and builds the runner that submits on their behalf.
func wireRunner(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*service.Runner, error) {
	op := cfg.Operator
	var completer analyst.Completer
	stakes := make(map[string]domain.Amount, len(op.Analysts))

	for _, ac := range op.Analysts {
		if _, err := deps.Registry.Get(ac.AgentID); err != nil {
			logger.Warn("operator analyst skipped: agent not registered",
				slog.String("agent_id", ac.AgentID),
				slog.String("persona", ac.Persona),
			)
			continue
		}

		var an agent.Analyst
		if ac.Persona == "market-price" {
			an = analyst.MarketPriceAnalyst{MaxConfidence: 90}
		} else {
			p, err := analyst.PersonaByName(ac.Persona)
			if err != nil {
				return nil, fmt.Errorf("wire: analyst %s: %w", ac.AgentID, err)
			}
			if completer == nil {
				completer = llm.NewClient(op.LLM.BaseURL, op.LLM.APIKey, op.LLM.Model, op.LLM.Temperature)
			}
			an = analyst.NewPersonaAnalyst(p, completer)
		}
		if err := deps.Registry.Bind(ac.AgentID, an); err != nil {
			return nil, fmt.Errorf("wire: bind analyst %s: %w", ac.AgentID, err)
		}
		stakes[ac.AgentID] = ac.Stake
		logger.Info("operator analyst bound",
			slog.String("agent_id", ac.AgentID),
			slog.String("persona", ac.Persona),
		)
	}

	panel := analyst.NewPanel(op.AnalystTimeout.Duration, op.Concurrency, logger)
	runner := service.NewRunner(panel, deps.Registry, deps.Book, deps.Resolution, stakes, logger)

	signer, err := crypto.LoadSigner(crypto.KeyConfig{
		RawPrivateKey:    op.PrivateKey,
		EncryptedKeyPath: op.EncryptedKeyPath,
		KeyPassword:      op.KeyPassword,
	}, cfg.Agents.ChainID)
	switch {
	case errors.Is(err, crypto.ErrNoKey):
	case err != nil:
		return nil, fmt.Errorf("wire: operator key: %w", err)
	default:
		runner.WithSigner(signer)
		logger.Info("operator signing key loaded", slog.String("address", signer.Address()))
	}
	return runner, nil
}
