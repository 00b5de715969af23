package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies EXITPILOT_* environment variable overrides, and
// returns the final Config. A missing file is not an error: defaults plus
// environment are then the whole configuration. The returned Config has NOT
// been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known EXITPILOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "EXITPILOT_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "EXITPILOT_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "EXITPILOT_WALLET_KEY_PASSWORD")

	// ── Solana ──
	setStr(&cfg.Solana.RPCURL, "EXITPILOT_SOLANA_RPC_URL")
	setStr(&cfg.Solana.WSURL, "EXITPILOT_SOLANA_WS_URL")
	setStr(&cfg.Solana.Commitment, "EXITPILOT_SOLANA_COMMITMENT")
	setBool(&cfg.Solana.HeartbeatEnabled, "EXITPILOT_SOLANA_HEARTBEAT_ENABLED")
	setDuration(&cfg.Solana.RequestTimeout, "EXITPILOT_SOLANA_REQUEST_TIMEOUT")
	setInt(&cfg.Solana.SendMaxRetries, "EXITPILOT_SOLANA_SEND_MAX_RETRIES")
	setBool(&cfg.Solana.SkipPreflight, "EXITPILOT_SOLANA_SKIP_PREFLIGHT")

	// ── Jupiter ──
	setStr(&cfg.Jupiter.PriceURL, "EXITPILOT_JUPITER_PRICE_URL")
	setStr(&cfg.Jupiter.QuoteURL, "EXITPILOT_JUPITER_QUOTE_URL")
	setStr(&cfg.Jupiter.SwapURL, "EXITPILOT_JUPITER_SWAP_URL")
	setDuration(&cfg.Jupiter.PriceTimeout, "EXITPILOT_JUPITER_PRICE_TIMEOUT")
	setInt(&cfg.Jupiter.SlippageBps, "EXITPILOT_JUPITER_SLIPPAGE_BPS")
	setInt64(&cfg.Jupiter.PriorityFeeMicroLamports, "EXITPILOT_JUPITER_PRIORITY_FEE_MICRO_LAMPORTS")
	setInt(&cfg.Jupiter.PriceRateLimit, "EXITPILOT_JUPITER_PRICE_RATE_LIMIT")

	// ── Exit ──
	setDuration(&cfg.Exit.PollInterval, "EXITPILOT_EXIT_POLL_INTERVAL")
	setFloat64(&cfg.Exit.StopLossPct, "EXITPILOT_EXIT_STOP_LOSS_PCT")
	setFloat64(&cfg.Exit.TrailPct, "EXITPILOT_EXIT_TRAIL_PCT")
	setStr(&cfg.Exit.Ladder, "EXITPILOT_EXIT_LADDER")
	setDuration(&cfg.Exit.NotifyTimeout, "EXITPILOT_EXIT_NOTIFY_TIMEOUT")

	// ── Reentry ──
	setBool(&cfg.Reentry.Enabled, "EXITPILOT_REENTRY_ENABLED")
	setFloat64(&cfg.Reentry.ConfirmPct, "EXITPILOT_REENTRY_CONFIRM_PCT")
	setInt(&cfg.Reentry.MaxPerAsset, "EXITPILOT_REENTRY_MAX_PER_ASSET")
	setDuration(&cfg.Reentry.Window, "EXITPILOT_REENTRY_WINDOW")

	// ── Trading ──
	setBool(&cfg.Trading.DryRun, "EXITPILOT_TRADING_DRY_RUN")
	setFloat64(&cfg.Trading.AmountUSD, "EXITPILOT_TRADING_AMOUNT_USD")
	setFloat64(&cfg.Trading.Percentage, "EXITPILOT_TRADING_PERCENTAGE")
	setBool(&cfg.Trading.UsePercentage, "EXITPILOT_TRADING_USE_PERCENTAGE")
	setDuration(&cfg.Trading.DedupTTL, "EXITPILOT_TRADING_DEDUP_TTL")
	setDuration(&cfg.Trading.OpenLockTTL, "EXITPILOT_TRADING_OPEN_LOCK_TTL")

	// ── Telegram ──
	setBool(&cfg.Telegram.Enabled, "EXITPILOT_TELEGRAM_ENABLED")
	setStr(&cfg.Telegram.Token, "EXITPILOT_TELEGRAM_TOKEN")
	setInt64Slice(&cfg.Telegram.AllowedUsers, "EXITPILOT_TELEGRAM_ALLOWED_USERS")
	setStringSlice(&cfg.Telegram.Channels, "EXITPILOT_TELEGRAM_CHANNELS")
	setStringSlice(&cfg.Telegram.SignalKeywords, "EXITPILOT_TELEGRAM_SIGNAL_KEYWORDS")
	setBool(&cfg.Telegram.AutoBuy, "EXITPILOT_TELEGRAM_AUTO_BUY")

	// ── Supabase ──
	setBool(&cfg.Supabase.Enabled, "EXITPILOT_SUPABASE_ENABLED")
	setStr(&cfg.Supabase.DSN, "EXITPILOT_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "EXITPILOT_SUPABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "EXITPILOT_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "EXITPILOT_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "EXITPILOT_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "EXITPILOT_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "EXITPILOT_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "EXITPILOT_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "EXITPILOT_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "EXITPILOT_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "EXITPILOT_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "EXITPILOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "EXITPILOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "EXITPILOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "EXITPILOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "EXITPILOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "EXITPILOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "EXITPILOT_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.PriceTTL, "EXITPILOT_REDIS_PRICE_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "EXITPILOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "EXITPILOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "EXITPILOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "EXITPILOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "EXITPILOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "EXITPILOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "EXITPILOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "EXITPILOT_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setDuration(&cfg.Archive.Interval, "EXITPILOT_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "EXITPILOT_ARCHIVE_RETENTION_DAYS")
	setBool(&cfg.Archive.PurgeAfter, "EXITPILOT_ARCHIVE_PURGE_AFTER")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "EXITPILOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "EXITPILOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "EXITPILOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "EXITPILOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "EXITPILOT_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "EXITPILOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "EXITPILOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "EXITPILOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "EXITPILOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "EXITPILOT_MODE")
	setStr(&cfg.LogLevel, "EXITPILOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return cleaned
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		if cleaned := splitList(v); len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

func setInt64Slice(dst *[]int64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []int64
	for _, p := range splitList(v) {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return
		}
		out = append(out, n)
	}
	if len(out) > 0 {
		*dst = out
	}
}
