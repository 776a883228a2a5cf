package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// Load merges the TOML file at path over Defaults, loads .env if present,
// and applies ORACLED_* overrides. An empty path skips the file. The result
// is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// a missing .env is fine
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose ORACLED_* variable is set and
// non-empty, so secrets can be injected at deploy time.
func applyEnvOverrides(cfg *Config) {
	// ── Market ──
	setAmount(&cfg.Market.ShareStep, "ORACLED_MARKET_SHARE_STEP")
	setAmount(&cfg.Market.DefaultLiquidity, "ORACLED_MARKET_DEFAULT_LIQUIDITY")
	setInt(&cfg.Market.FeeBps, "ORACLED_MARKET_FEE_BPS")
	setDuration(&cfg.Market.SubmissionWindow, "ORACLED_MARKET_SUBMISSION_WINDOW")
	setDuration(&cfg.Market.DisputeWindow, "ORACLED_MARKET_DISPUTE_WINDOW")
	setDuration(&cfg.Market.ClaimTimeout, "ORACLED_MARKET_CLAIM_TIMEOUT")
	setDuration(&cfg.Market.TickInterval, "ORACLED_MARKET_TICK_INTERVAL")
	setBool(&cfg.Market.ArchiveClosed, "ORACLED_MARKET_ARCHIVE_CLOSED")

	// ── Agents / consensus ──
	setAmount(&cfg.Agents.MinStake, "ORACLED_AGENTS_MIN_STAKE")
	setBool(&cfg.Agents.VerifySignatures, "ORACLED_AGENTS_VERIFY_SIGNATURES")
	setInt64(&cfg.Agents.ChainID, "ORACLED_AGENTS_CHAIN_ID")
	setInt(&cfg.Consensus.Quorum, "ORACLED_CONSENSUS_QUORUM")
	setFloat64(&cfg.Consensus.MaxShare, "ORACLED_CONSENSUS_MAX_SHARE")
	setAmount(&cfg.Consensus.StakeScale, "ORACLED_CONSENSUS_STAKE_SCALE")
	setAmount(&cfg.Consensus.MinChallengeStake, "ORACLED_CONSENSUS_MIN_CHALLENGE_STAKE")
	setDuration(&cfg.Consensus.RetryWindow, "ORACLED_CONSENSUS_RETRY_WINDOW")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ORACLED_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform convention
	setStr(&cfg.Postgres.Host, "ORACLED_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ORACLED_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ORACLED_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ORACLED_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ORACLED_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ORACLED_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ORACLED_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ORACLED_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ORACLED_POSTGRES_RUN_MIGRATIONS")

	// ── SQLite ──
	setStr(&cfg.SQLite.Path, "ORACLED_SQLITE_PATH")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ORACLED_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ORACLED_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ORACLED_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ORACLED_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ORACLED_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ORACLED_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "ORACLED_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ORACLED_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ORACLED_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ORACLED_S3_REGION")
	setStr(&cfg.S3.Bucket, "ORACLED_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ORACLED_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ORACLED_S3_SECRET_KEY")
	setStr(&cfg.S3.Prefix, "ORACLED_S3_PREFIX")
	setBool(&cfg.S3.UseSSL, "ORACLED_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ORACLED_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ORACLED_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ORACLED_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ORACLED_SERVER_CORS_ORIGINS")
	setStringSlice(&cfg.Server.APIKeys, "ORACLED_SERVER_API_KEYS")
	setStr(&cfg.Server.HMACKey, "ORACLED_SERVER_HMAC_KEY")
	setStr(&cfg.Server.HMACSecret, "ORACLED_SERVER_HMAC_SECRET")
	setInt(&cfg.Server.RateLimit, "ORACLED_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "ORACLED_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ORACLED_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ORACLED_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ORACLED_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ORACLED_NOTIFY_EVENTS")

	// ── Operator ──
	setStr(&cfg.Operator.PrivateKey, "ORACLED_OPERATOR_PRIVATE_KEY")
	setStr(&cfg.Operator.EncryptedKeyPath, "ORACLED_OPERATOR_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Operator.KeyPassword, "ORACLED_OPERATOR_KEY_PASSWORD")
	setDuration(&cfg.Operator.AnalystTimeout, "ORACLED_OPERATOR_ANALYST_TIMEOUT")
	setInt(&cfg.Operator.Concurrency, "ORACLED_OPERATOR_CONCURRENCY")
	setStr(&cfg.Operator.LLM.BaseURL, "ORACLED_OPERATOR_LLM_BASE_URL")
	setStr(&cfg.Operator.LLM.APIKey, "ORACLED_OPERATOR_LLM_API_KEY")
	setStr(&cfg.Operator.LLM.Model, "ORACLED_OPERATOR_LLM_MODEL")

	// ── Top-level ──
	setStr(&cfg.Mode, "ORACLED_MODE")
	setStr(&cfg.Store, "ORACLED_STORE")
	setStr(&cfg.Cache, "ORACLED_CACHE")
	setStr(&cfg.LogLevel, "ORACLED_LOG_LEVEL")
}

// Typed env helpers. Each mutates the target only when the variable is set,
// non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setAmount(dst *domain.Amount, key string) {
	if v := os.Getenv(key); v != "" {
		if a, err := domain.ParseAmount(v); err == nil {
			*dst = a
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
