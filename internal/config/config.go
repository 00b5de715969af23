// Package config defines the top-level configuration for exitpilot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/exitpilot/internal/exit"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by EXITPILOT_* environment variables.
type Config struct {
	Wallet   WalletConfig   `toml:"wallet"`
	Solana   SolanaConfig   `toml:"solana"`
	Jupiter  JupiterConfig  `toml:"jupiter"`
	Exit     ExitConfig     `toml:"exit"`
	Reentry  ReentryConfig  `toml:"reentry"`
	Trading  TradingConfig  `toml:"trading"`
	Telegram TelegramConfig `toml:"telegram"`
	Supabase SupabaseConfig `toml:"supabase"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// WalletConfig holds the Solana signing key. The key is either given
// directly as base58 or read from a password-encrypted file.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// SolanaConfig holds RPC endpoints.
type SolanaConfig struct {
	RPCURL           string   `toml:"rpc_url"`
	WSURL            string   `toml:"ws_url"`
	Commitment       string   `toml:"commitment"`
	HeartbeatEnabled bool     `toml:"heartbeat_enabled"`
	RequestTimeout   duration `toml:"request_timeout"`
	SendMaxRetries   int      `toml:"send_max_retries"`
	SkipPreflight    bool     `toml:"skip_preflight"`
}

// JupiterConfig holds aggregator endpoints and swap parameters.
type JupiterConfig struct {
	PriceURL                 string   `toml:"price_url"`
	QuoteURL                 string   `toml:"quote_url"`
	SwapURL                  string   `toml:"swap_url"`
	PriceTimeout             duration `toml:"price_timeout"`
	QuoteTimeout             duration `toml:"quote_timeout"`
	SwapTimeout              duration `toml:"swap_timeout"`
	SlippageBps              int      `toml:"slippage_bps"`
	PriorityFeeMicroLamports int64    `toml:"priority_fee_micro_lamports"`
	// PriceRateLimit caps upstream price lookups per second across all
	// replicas when Redis is enabled. 0 disables the throttle.
	PriceRateLimit           int      `toml:"price_rate_limit"`
}

// ExitConfig holds the exit engine's thresholds.
type ExitConfig struct {
	PollInterval  duration `toml:"poll_interval"`
	StopLossPct   float64  `toml:"stop_loss_pct"`
	TrailPct      float64  `toml:"trail_pct"`
	Ladder        string   `toml:"ladder"`
	NotifyTimeout duration `toml:"notify_timeout"`
}

// ReentryConfig controls the buy-back window after an exit.
type ReentryConfig struct {
	Enabled     bool     `toml:"enabled"`
	ConfirmPct  float64  `toml:"confirm_pct"`
	MaxPerAsset int      `toml:"max_per_asset"`
	Window      duration `toml:"window"`
}

// TradingConfig holds trade sizing and execution safety parameters.
type TradingConfig struct {
	DryRun           bool     `toml:"dry_run"`
	AmountUSD        float64  `toml:"amount_usd"`
	Percentage       float64  `toml:"percentage"`
	UsePercentage    bool     `toml:"use_percentage"`
	DedupTTL         duration `toml:"dedup_ttl"`
	OpenLockTTL      duration `toml:"open_lock_ttl"`
	DryRunBalanceSOL float64  `toml:"dry_run_balance_sol"`
}

// TelegramConfig holds the command bot and signal channel parameters.
type TelegramConfig struct {
	Enabled        bool     `toml:"enabled"`
	Token          string   `toml:"token"`
	AllowedUsers   []int64  `toml:"allowed_users"`
	Channels       []string `toml:"channels"`
	SignalKeywords []string `toml:"signal_keywords"`
	AutoBuy        bool     `toml:"auto_buy"`
	PollTimeout    int      `toml:"poll_timeout"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	PriceTTL   duration `toml:"price_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls moving closed positions to cold storage.
type ArchiveConfig struct {
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
	PurgeAfter    bool     `toml:"purge_after"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Solana: SolanaConfig{
			RPCURL:           "https://api.mainnet-beta.solana.com",
			WSURL:            "wss://api.mainnet-beta.solana.com",
			Commitment:       "confirmed",
			HeartbeatEnabled: true,
			RequestTimeout:   duration{10 * time.Second},
			SendMaxRetries:   3,
		},
		Jupiter: JupiterConfig{
			PriceURL:                 "https://price.jup.ag/v6/price",
			QuoteURL:                 "https://quote-api.jup.ag/v6/quote",
			SwapURL:                  "https://quote-api.jup.ag/v6/swap",
			PriceTimeout:             duration{1400 * time.Millisecond},
			QuoteTimeout:             duration{10 * time.Second},
			SwapTimeout:              duration{15 * time.Second},
			SlippageBps:              300,
			PriorityFeeMicroLamports: 20000,
			PriceRateLimit:           10,
		},
		Exit: ExitConfig{
			PollInterval:  duration{500 * time.Millisecond},
			StopLossPct:   -30,
			TrailPct:      15,
			Ladder:        exit.DefaultLadder,
			NotifyTimeout: duration{5 * time.Second},
		},
		Reentry: ReentryConfig{
			Enabled:     true,
			ConfirmPct:  7,
			MaxPerAsset: 1,
			Window:      duration{10 * time.Minute},
		},
		Trading: TradingConfig{
			DryRun:           true,
			AmountUSD:        10,
			Percentage:       5,
			UsePercentage:    true,
			DedupTTL:         duration{2 * time.Minute},
			OpenLockTTL:      duration{30 * time.Second},
			DryRunBalanceSOL: 10,
		},
		Telegram: TelegramConfig{
			Enabled:        false,
			SignalKeywords: []string{"launch", "gem", "mint", "token"},
			AutoBuy:        true,
			PollTimeout:    30,
		},
		Supabase: SupabaseConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
			PriceTTL:   duration{5 * time.Second},
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "exitpilot-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Interval:      duration{24 * time.Hour},
			RetentionDays: 30,
			PurgeAfter:    false,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       120,
			RateLimitWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "partial_exit", "position_closed", "sell_failed", "buy_failed", "reentry_executed"},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// ExitEngine builds the exit engine configuration. The ladder text is
// parsed here, so an invalid ladder surfaces as an error.
func (c *Config) ExitEngine() (exit.Config, error) {
	ladder, err := exit.ParseLadder(c.Exit.Ladder)
	if err != nil {
		return exit.Config{}, err
	}
	return exit.Config{
		PollInterval:  c.Exit.PollInterval.Duration,
		StopLossPct:   c.Exit.StopLossPct,
		TrailPct:      c.Exit.TrailPct,
		Ladder:        ladder,
		NotifyTimeout: c.Exit.NotifyTimeout.Duration,
		Reentry: exit.ReentryConfig{
			Enabled:     c.Reentry.Enabled,
			ConfirmPct:  c.Reentry.ConfirmPct,
			MaxPerAsset: c.Reentry.MaxPerAsset,
			Window:      c.Reentry.Window.Duration,
		},
	}, nil
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// NeedsWallet reports whether the mode submits live transactions.
func (c *Config) NeedsWallet() bool {
	m := strings.ToLower(c.Mode)
	return (m == "trade" || m == "full") && !c.Trading.DryRun
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, archive, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet: live trading needs a key.
	if c.NeedsWallet() {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set when dry_run is off")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	// Solana
	if c.Solana.RPCURL == "" {
		errs = append(errs, "solana: rpc_url must not be empty")
	}
	if c.Solana.HeartbeatEnabled && c.Solana.WSURL == "" {
		errs = append(errs, "solana: ws_url must not be empty when heartbeat_enabled")
	}

	// Jupiter
	if c.Jupiter.PriceURL == "" {
		errs = append(errs, "jupiter: price_url must not be empty")
	}
	if c.Jupiter.QuoteURL == "" || c.Jupiter.SwapURL == "" {
		errs = append(errs, "jupiter: quote_url and swap_url must not be empty")
	}
	if c.Jupiter.SlippageBps <= 0 || c.Jupiter.SlippageBps > 10000 {
		errs = append(errs, fmt.Sprintf("jupiter: slippage_bps must be 1-10000, got %d", c.Jupiter.SlippageBps))
	}
	if c.Jupiter.PriceTimeout.Duration <= 0 {
		errs = append(errs, "jupiter: price_timeout must be positive")
	}

	// Exit engine: the same checks the engine applies at construction.
	if ec, err := c.ExitEngine(); err != nil {
		errs = append(errs, "exit: "+err.Error())
	} else if err := ec.Validate(); err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			errs = append(errs, "exit: "+line)
		}
	}

	// Trading
	if c.Trading.AmountUSD <= 0 {
		errs = append(errs, "trading: amount_usd must be > 0")
	}
	if c.Trading.UsePercentage && (c.Trading.Percentage <= 0 || c.Trading.Percentage > 100) {
		errs = append(errs, fmt.Sprintf("trading: percentage must be in (0, 100], got %v", c.Trading.Percentage))
	}

	// Telegram
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		errs = append(errs, "telegram: token is required when enabled")
	}

	// Supabase
	if c.Supabase.Enabled {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 {
			errs = append(errs, "supabase: pool_min_conns must be >= 0")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3 and the archive job
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}
	if m := strings.ToLower(c.Mode); m == "archive" || m == "full" {
		if m == "archive" && (!c.S3.Enabled || !c.Supabase.Enabled) {
			errs = append(errs, "archive: mode archive needs both supabase and s3 enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be positive")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
