// Command exitpilot is the entry point for the exit-strategy engine. It loads
// configuration, validates it, wires dependencies, sets up signal handling,
// and starts the application in the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/exitpilot/internal/app"
	"github.com/alanyoungcy/exitpilot/internal/config"
	"github.com/alanyoungcy/exitpilot/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	encryptOut := flag.String("encrypt-key", "", "encrypt wallet.private_key with wallet.key_password into this file and exit")
	tail := flag.Int("tail", -1, "print position events from redis (value is the backlog size) instead of running")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	if *encryptOut != "" {
		if err := encryptKey(cfg, *encryptOut); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("encrypted key written to %s\n", *encryptOut)
		return
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	out := os.Stdout
	if *tail >= 0 {
		// Keep stdout for the event lines.
		out = os.Stderr
	}
	logger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *tail >= 0 {
		if err := application.Tail(ctx, os.Stdout, *tail); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "tail: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("exitpilot starting",
		slog.String("mode", cfg.Mode),
		slog.Bool("dry_run", cfg.Trading.DryRun),
		slog.String("config", *configPath),
	)

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			application.Close()
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("exitpilot stopped")
}

// encryptKey writes the configured private key as an encrypted key file.
// The password comes from wallet.key_password or EXITPILOT_WALLET_KEY_PASSWORD.
func encryptKey(cfg *config.Config, path string) error {
	if cfg.Wallet.PrivateKey == "" {
		return errors.New("wallet.private_key is empty")
	}
	if cfg.Wallet.KeyPassword == "" {
		return errors.New("wallet.key_password is empty")
	}
	data, err := crypto.EncryptKey(cfg.Wallet.PrivateKey, cfg.Wallet.KeyPassword)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
