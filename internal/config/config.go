// Package config defines the oracled configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by ORACLED_* environment variables.
type Config struct {
	Market    MarketConfig    `toml:"market"`
	Agents    AgentsConfig    `toml:"agents"`
	Consensus ConsensusConfig `toml:"consensus"`
	Postgres  PostgresConfig  `toml:"postgres"`
	SQLite    SQLiteConfig    `toml:"sqlite"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Operator  OperatorConfig  `toml:"operator"`
	Mode      string          `toml:"mode"`
	// Store selects the persistence backend: "postgres" or "sqlite".
	Store string `toml:"store"`
	// Cache selects the lock, bus and price cache backend: "redis" or "memory".
	Cache    string `toml:"cache"`
	LogLevel string `toml:"log_level"`
}

// MarketConfig holds market defaults and the scheduler cadence.
type MarketConfig struct {
	ShareStep        domain.Amount `toml:"share_step"`
	DefaultLiquidity domain.Amount `toml:"default_liquidity"`
	FeeBps           int           `toml:"fee_bps"`
	SubmissionWindow duration      `toml:"submission_window"`
	DisputeWindow    duration      `toml:"dispute_window"`
	ClaimTimeout     duration      `toml:"claim_timeout"`
	TickInterval     duration      `toml:"tick_interval"`
	// ArchiveClosed uploads closed markets to S3 when s3 is enabled.
	ArchiveClosed bool `toml:"archive_closed"`
}

// AgentsConfig holds agent registry settings.
type AgentsConfig struct {
	MinStake domain.Amount `toml:"min_stake"`
	// VerifySignatures requires EIP-712 signatures from agents with an address.
	VerifySignatures bool  `toml:"verify_signatures"`
	ChainID          int64 `toml:"chain_id"`
}

// ConsensusConfig holds aggregation and dispute parameters.
type ConsensusConfig struct {
	Quorum            int           `toml:"quorum"`
	MaxShare          float64       `toml:"max_share"`
	StakeScale        domain.Amount `toml:"stake_scale"`
	MinChallengeStake domain.Amount `toml:"min_challenge_stake"`
	RetryWindow       duration      `toml:"retry_window"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// SQLiteConfig holds the single-node database location.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	Prefix         string `toml:"prefix"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	PartSizeMB     int    `toml:"part_size_mb"`
}

// duration wraps time.Duration for TOML strings such as "5m" or "30s".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKeys guard mutating routes. Empty disables key auth.
	APIKeys    []string `toml:"api_keys"`
	HMACKey    string   `toml:"hmac_key"`
	HMACSecret string   `toml:"hmac_secret"`
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// OperatorConfig configures the analyst agents this node runs itself.
type OperatorConfig struct {
	PrivateKey       string          `toml:"private_key"`
	EncryptedKeyPath string          `toml:"encrypted_key_path"`
	KeyPassword      string          `toml:"key_password"`
	AnalystTimeout   duration        `toml:"analyst_timeout"`
	Concurrency      int             `toml:"concurrency"`
	Analysts         []AnalystConfig `toml:"analysts"`
	LLM              LLMConfig       `toml:"llm"`
}

// AnalystConfig binds a registered agent to a local analyst. Persona is one
// of technical, sentiment, historical, news or market-price.
type AnalystConfig struct {
	AgentID string        `toml:"agent_id"`
	Persona string        `toml:"persona"`
	Stake   domain.Amount `toml:"stake"`
}

// LLMConfig points persona analysts at a chat completion endpoint.
type LLMConfig struct {
	BaseURL     string  `toml:"base_url"`
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
}

// Defaults returns a Config populated with the values in
// config.example.toml.
func Defaults() Config {
	return Config{
		Market: MarketConfig{
			ShareStep:        domain.MustAmount("0.01"),
			DefaultLiquidity: domain.Units(100),
			FeeBps:           0,
			SubmissionWindow: duration{time.Hour},
			DisputeWindow:    duration{24 * time.Hour},
			ClaimTimeout:     duration{30 * 24 * time.Hour},
			TickInterval:     duration{5 * time.Second},
		},
		Agents: AgentsConfig{
			MinStake: domain.Units(10),
			ChainID:  1,
		},
		Consensus: ConsensusConfig{
			Quorum:            0,
			MaxShare:          0.4,
			StakeScale:        domain.Units(100),
			MinChallengeStake: domain.Units(50),
			RetryWindow:       duration{30 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "oracled",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{Path: "data/oracled.db"},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "oracled:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "oracled-archive",
			ForcePathStyle: true,
			PartSizeMB:     5,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"finalized", "manual_required", "halted", "overturned"},
		},
		Operator: OperatorConfig{
			AnalystTimeout: duration{30 * time.Second},
			Concurrency:    4,
			LLM: LLMConfig{
				BaseURL:     "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				Temperature: 0.2,
			},
		},
		Mode:     "full",
		Store:    "sqlite",
		Cache:    "memory",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"server":    true,
	"scheduler": true,
	"full":      true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validPersonas = map[string]bool{
	"technical":    true,
	"sentiment":    true,
	"historical":   true,
	"news":         true,
	"market-price": true,
}

// Validate checks every section and returns one error listing all problems.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: server, scheduler, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Market
	if c.Market.ShareStep <= 0 {
		add("market: share_step must be > 0")
	}
	if c.Market.DefaultLiquidity <= 0 {
		add("market: default_liquidity must be > 0")
	}
	if c.Market.FeeBps < 0 || c.Market.FeeBps >= 10_000 {
		add("market: fee_bps must be in [0, 10000), got %d", c.Market.FeeBps)
	}
	if c.Market.SubmissionWindow.Duration <= 0 {
		add("market: submission_window must be > 0")
	}
	if c.Market.DisputeWindow.Duration <= 0 {
		add("market: dispute_window must be > 0")
	}
	if c.Market.ClaimTimeout.Duration < 0 {
		add("market: claim_timeout must be >= 0")
	}
	if c.Market.TickInterval.Duration <= 0 {
		add("market: tick_interval must be > 0")
	}

	// Agents and consensus
	if c.Agents.MinStake < 0 {
		add("agents: min_stake must be >= 0")
	}
	if c.Agents.VerifySignatures && c.Agents.ChainID <= 0 {
		add("agents: chain_id must be positive when verify_signatures is set")
	}
	if c.Consensus.Quorum < 0 {
		add("consensus: quorum must be >= 0")
	}
	if c.Consensus.MaxShare <= 0 || c.Consensus.MaxShare > 1 {
		add("consensus: max_share must be in (0, 1], got %v", c.Consensus.MaxShare)
	}
	if c.Consensus.StakeScale <= 0 {
		add("consensus: stake_scale must be > 0")
	}
	if c.Consensus.MinChallengeStake < 0 {
		add("consensus: min_challenge_stake must be >= 0")
	}
	if c.Consensus.RetryWindow.Duration < 0 {
		add("consensus: retry_window must be >= 0")
	}

	// Store
	switch c.Store {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be in [0, pool_max_conns]")
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			add("sqlite: path must not be empty")
		}
	default:
		add("unknown store %q (valid: postgres, sqlite)", c.Store)
	}

	// Cache
	switch c.Cache {
	case "redis":
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	case "memory":
	default:
		add("unknown cache %q (valid: redis, memory)", c.Cache)
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if (c.Server.HMACKey == "") != (c.Server.HMACSecret == "") {
			add("server: hmac_key and hmac_secret must be set together")
		}
		if c.Server.RateLimit < 0 {
			add("server: rate_limit must be >= 0")
		}
	}

	// Operator
	if c.Operator.EncryptedKeyPath != "" && c.Operator.KeyPassword == "" {
		add("operator: key_password is required when encrypted_key_path is set")
	}
	seen := map[string]bool{}
	needsLLM := false
	for i, a := range c.Operator.Analysts {
		if a.AgentID == "" {
			add("operator: analysts[%d]: agent_id must not be empty", i)
		}
		if seen[a.AgentID] {
			add("operator: analysts[%d]: duplicate agent_id %q", i, a.AgentID)
		}
		seen[a.AgentID] = true
		if !validPersonas[a.Persona] {
			add("operator: analysts[%d]: unknown persona %q", i, a.Persona)
		}
		if a.Stake < 0 {
			add("operator: analysts[%d]: stake must be >= 0", i)
		}
		needsLLM = needsLLM || (a.Persona != "market-price" && validPersonas[a.Persona])
	}
	if needsLLM && (c.Operator.LLM.BaseURL == "" || c.Operator.LLM.Model == "") {
		add("operator: llm.base_url and llm.model are required for persona analysts")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
