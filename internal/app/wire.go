package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	s3blob "github.com/alanyoungcy/exitpilot/internal/blob/s3"
	"github.com/alanyoungcy/exitpilot/internal/cache/redis"
	"github.com/alanyoungcy/exitpilot/internal/config"
	"github.com/alanyoungcy/exitpilot/internal/crypto"
	"github.com/alanyoungcy/exitpilot/internal/domain"
	"github.com/alanyoungcy/exitpilot/internal/metrics"
	"github.com/alanyoungcy/exitpilot/internal/notify"
	"github.com/alanyoungcy/exitpilot/internal/platform/jupiter"
	"github.com/alanyoungcy/exitpilot/internal/platform/solana"
	"github.com/alanyoungcy/exitpilot/internal/server/handler"
	"github.com/alanyoungcy/exitpilot/internal/store/postgres"
)

// Dependencies bundles every infrastructure dependency the modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
// Optional backends are nil when disabled in config.
type Dependencies struct {
	Metrics *metrics.Metrics

	// Stores
	PositionStore domain.PositionStore
	AuditStore    domain.AuditStore

	// Caches
	PriceCache    domain.PriceCache
	RateLimiter   domain.RateLimiter
	PriceThrottle domain.RateLimiter
	LockManager   domain.LockManager
	SignalBus     domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Chain and aggregator
	Solana    *solana.Client
	Jupiter   *jupiter.Client
	Wallet    *solana.Wallet // nil in dry run without a key
	Heartbeat *solana.Heartbeat

	// Chat
	TelegramAPI *tgbotapi.BotAPI
	Notifier    *notify.Notifier

	// Health probes by dependency name, for /api/health.
	Checks map[string]handler.Check
}

// needsPostgres reports whether the mode cannot run without a database.
func needsPostgres(mode string) bool {
	return mode == "archive"
}

// needsS3 reports whether the mode archives to object storage.
func needsS3(mode string) bool {
	switch mode {
	case "archive", "full":
		return true
	default:
		return false
	}
}

// needsChain reports whether the mode trades.
func needsChain(mode string) bool {
	return mode == "trade" || mode == "full"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
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

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  make(map[string]handler.Check),
	}

	// --- PostgreSQL ---
	if cfg.Supabase.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Supabase.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.PositionStore = pgClient.PositionStore()
		deps.AuditStore = pgClient.AuditStore()
		deps.Checks["postgres"] = pgClient.Ping
	} else if needsPostgres(mode) {
		return fail(fmt.Errorf("wire: mode %q requires supabase.enabled", mode))
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.PriceTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.Server.RateLimit, cfg.Server.RateLimitWindow.Duration)
		if cfg.Jupiter.PriceRateLimit > 0 {
			deps.PriceThrottle = redis.NewRateLimiter(redisClient, cfg.Jupiter.PriceRateLimit, time.Second)
		}
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled && needsS3(mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		writer := s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.BlobWriter = writer
		deps.BlobReader = reader
		deps.Checks["s3"] = s3Client.Health

		if deps.PositionStore != nil && deps.AuditStore != nil {
			deps.Archiver = s3blob.NewArchiver(writer, reader,
				deps.PositionStore, deps.AuditStore, cfg.Archive.PurgeAfter, logger)
		}
	}
	if mode == "archive" && deps.Archiver == nil {
		return fail(errors.New("wire: archive mode requires s3.enabled"))
	}

	// --- Solana RPC, Jupiter and the wallet ---
	if needsChain(mode) {
		deps.Solana = solana.NewClient(solana.RPCConfig{
			URL:            cfg.Solana.RPCURL,
			Commitment:     cfg.Solana.Commitment,
			Timeout:        cfg.Solana.RequestTimeout.Duration,
			SendMaxRetries: cfg.Solana.SendMaxRetries,
			SkipPreflight:  cfg.Solana.SkipPreflight,
		})
		deps.Jupiter = jupiter.NewClient(jupiter.Config{
			PriceURL:                 cfg.Jupiter.PriceURL,
			QuoteURL:                 cfg.Jupiter.QuoteURL,
			SwapURL:                  cfg.Jupiter.SwapURL,
			PriceTimeout:             cfg.Jupiter.PriceTimeout.Duration,
			QuoteTimeout:             cfg.Jupiter.QuoteTimeout.Duration,
			SwapTimeout:              cfg.Jupiter.SwapTimeout.Duration,
			SlippageBps:              cfg.Jupiter.SlippageBps,
			PriorityFeeMicroLamports: cfg.Jupiter.PriorityFeeMicroLamports,
		})

		wallet, err := loadWallet(cfg)
		if err != nil {
			return fail(fmt.Errorf("wire: wallet: %w", err))
		}
		deps.Wallet = wallet

		if cfg.Solana.HeartbeatEnabled && cfg.Solana.WSURL != "" {
			hb := solana.NewHeartbeat(cfg.Solana.WSURL, logger)
			deps.Heartbeat = hb
			deps.Checks["solana_ws"] = func(context.Context) error {
				if !hb.Healthy() {
					return errors.New("no recent slot notification")
				}
				return nil
			}
		}

		if cfg.Telegram.Enabled {
			api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
			if err != nil {
				return fail(fmt.Errorf("wire: telegram: %w", err))
			}
			deps.TelegramAPI = api
		}
	}

	// --- Notifications ---
	deps.Notifier = notify.NewNotifier(buildSenders(cfg, deps.TelegramAPI, logger), cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// loadWallet decrypts or decodes the configured key. It returns nil without
// error when no key is configured and the mode does not need one.
func loadWallet(cfg *config.Config) (*solana.Wallet, error) {
	if cfg.Wallet.PrivateKey == "" && cfg.Wallet.EncryptedKeyPath == "" {
		if cfg.NeedsWallet() {
			return nil, errors.New("live trading requires wallet.private_key or wallet.encrypted_key_path")
		}
		return nil, nil
	}
	raw, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, err
	}
	priv, err := solana.ParsePrivateKey(raw)
	if err != nil {
		return nil, err
	}
	return solana.NewWallet(priv), nil
}

// buildSenders returns the configured notification channels. The Telegram
// sender reuses the command bot's client when the tokens match.
func buildSenders(cfg *config.Config, botAPI *tgbotapi.BotAPI, logger *slog.Logger) []notify.Sender {
	var senders []notify.Sender
	if chatID := cfg.Notify.TelegramChatID; chatID != "" {
		var (
			s   *notify.TelegramSender
			err error
		)
		token := cfg.Notify.TelegramToken
		switch {
		case botAPI != nil && (token == "" || token == cfg.Telegram.Token):
			s, err = notify.NewTelegramSender(botAPI, chatID)
		case token != "":
			s, err = notify.NewTelegramBotSender(token, chatID)
		default:
			err = errors.New("notify.telegram_token is empty and the command bot is disabled")
		}
		if err != nil {
			logger.Warn("telegram notifications disabled", slog.String("error", err.Error()))
		} else {
			senders = append(senders, s)
		}
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	return senders
}
