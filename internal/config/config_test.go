package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	ec, err := cfg.ExitEngine()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, ec.PollInterval)
	assert.Equal(t, 15.0, ec.TrailingPct())
	assert.Len(t, ec.Ladder.Rungs, 3)
	assert.Equal(t, 10*time.Minute, ec.Reentry.Window)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "scalp"
	cfg.Exit.Ladder = "2x:80,4x:80"
	cfg.Trading.AmountUSD = 0
	cfg.Telegram.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "scalp"`)
	assert.Contains(t, msg, "exit: ladder")
	assert.Contains(t, msg, "amount_usd")
	assert.Contains(t, msg, "telegram: token")
}

func TestValidateLiveTradingNeedsWallet(t *testing.T) {
	cfg := Defaults()
	cfg.Trading.DryRun = false
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet")

	cfg.Wallet.PrivateKey = "key"
	assert.NoError(t, cfg.Validate())
}

func TestValidateArchiveMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "archive"
	require.Error(t, cfg.Validate())

	cfg.S3.Enabled = true
	cfg.Supabase.Enabled = true
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "full"

[exit]
poll_interval = "250ms"
ladder = "3x:50,rest:trail20"

[reentry]
window = "5m"

[telegram]
channels = ["@calls"]
`), 0o600))

	t.Setenv("EXITPILOT_EXIT_STOP_LOSS_PCT", "-25")
	t.Setenv("EXITPILOT_TELEGRAM_ALLOWED_USERS", "11, 22")
	t.Setenv("EXITPILOT_TRADING_DRY_RUN", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "full", cfg.Mode)
	assert.Equal(t, 250*time.Millisecond, cfg.Exit.PollInterval.Duration)
	assert.Equal(t, -25.0, cfg.Exit.StopLossPct)
	assert.Equal(t, 5*time.Minute, cfg.Reentry.Window.Duration)
	assert.Equal(t, []string{"@calls"}, cfg.Telegram.Channels)
	assert.Equal(t, []int64{11, 22}, cfg.Telegram.AllowedUsers)

	ec, err := cfg.ExitEngine()
	require.NoError(t, err)
	assert.Equal(t, 20.0, ec.TrailingPct())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "trade", cfg.Mode)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "secret"
	cfg.Telegram.Token = "token"
	cfg.Telegram.Channels = []string{"@calls"}

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Wallet.PrivateKey)
	assert.Equal(t, "***", red.Telegram.Token)
	assert.Equal(t, "secret", cfg.Wallet.PrivateKey)

	red.Telegram.Channels[0] = "@other"
	assert.Equal(t, "@calls", cfg.Telegram.Channels[0])
}
