package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestExampleMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.toml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), *cfg)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oracled.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "scheduler"
store = "postgres"

[market]
share_step = "0.5"
dispute_window = "2h"

[consensus]
quorum = 3
stake_scale = "250"

[postgres]
dsn = "postgres://u:p@db/oracled"

[[operator.analysts]]
agent_id = "a1"
persona = "market-price"
stake = "12.5"
`), 0o600))

	t.Setenv("ORACLED_CONSENSUS_MAX_SHARE", "0.25")
	t.Setenv("ORACLED_AGENTS_MIN_STAKE", "1.000001")
	t.Setenv("ORACLED_SERVER_API_KEYS", " k1, ,k2 ")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "scheduler", cfg.Mode)
	assert.Equal(t, domain.MustAmount("0.5"), cfg.Market.ShareStep)
	assert.Equal(t, 2*time.Hour, cfg.Market.DisputeWindow.Duration)
	assert.Equal(t, time.Hour, cfg.Market.SubmissionWindow.Duration, "default kept")
	assert.Equal(t, 3, cfg.Consensus.Quorum)
	assert.Equal(t, domain.Units(250), cfg.Consensus.StakeScale)
	assert.InDelta(t, 0.25, cfg.Consensus.MaxShare, 1e-12)
	assert.Equal(t, domain.Amount(1_000_001), cfg.Agents.MinStake)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Server.APIKeys)
	require.Len(t, cfg.Operator.Analysts, 1)
	assert.Equal(t, domain.MustAmount("12.5"), cfg.Operator.Analysts[0].Stake)
}

func TestLoadRejectsBadAmount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[market]\nshare_step = \"0.0000001\"\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Store = "mysql"
	cfg.Consensus.MaxShare = 0
	cfg.Server.HMACKey = "k"
	cfg.Operator.Analysts = []AnalystConfig{
		{AgentID: "a", Persona: "oracle"},
		{AgentID: "a", Persona: "news"},
	}
	cfg.Operator.LLM.Model = ""

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		`unknown store "mysql"`,
		"max_share",
		"hmac_key and hmac_secret",
		`unknown persona "oracle"`,
		`duplicate agent_id "a"`,
		"llm.base_url and llm.model",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pw"
	cfg.Operator.PrivateKey = "0xabc"
	cfg.Server.APIKeys = []string{"secret-key"}

	r := RedactedConfig(&cfg)
	assert.Equal(t, "***", r.Postgres.Password)
	assert.Equal(t, "***", r.Operator.PrivateKey)
	assert.Equal(t, []string{"***"}, r.Server.APIKeys)
	assert.Equal(t, "", r.Redis.Password, "empty stays empty")
	assert.Equal(t, "secret-key", cfg.Server.APIKeys[0], "original untouched")
}
