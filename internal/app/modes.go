package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/exitpilot/internal/config"
	"github.com/alanyoungcy/exitpilot/internal/domain"
	"github.com/alanyoungcy/exitpilot/internal/executor"
	"github.com/alanyoungcy/exitpilot/internal/exit"
	"github.com/alanyoungcy/exitpilot/internal/platform/jupiter"
	"github.com/alanyoungcy/exitpilot/internal/server"
	"github.com/alanyoungcy/exitpilot/internal/server/handler"
	"github.com/alanyoungcy/exitpilot/internal/service"
	"github.com/alanyoungcy/exitpilot/internal/telegram"
)

// trading is the running exit engine and the services around it.
type trading struct {
	manager   *exit.Manager
	executor  *executor.Executor
	positions *service.PositionService
	sizer     *service.TradeSizer
	summary   string
}

// TradeMode runs the exit engine with its intake surfaces: the Telegram bot
// and the HTTP API.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startTrading(ctx, g, deps); err != nil {
		return err
	}
	return g.Wait()
}

// ArchiveMode archives closed history once and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	return a.archiveOnce(ctx, deps.Archiver)
}

// FullMode runs trade mode plus a periodic archive loop.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startTrading(ctx, g, deps); err != nil {
		return err
	}
	if deps.Archiver != nil && a.cfg.Archive.Interval.Duration > 0 {
		g.Go(func() error {
			return a.archiveLoop(ctx, deps.Archiver, a.cfg.Archive.Interval.Duration)
		})
	} else {
		a.logger.InfoContext(ctx, "archiving disabled (needs supabase, s3 and archive.interval)")
	}
	return g.Wait()
}

func (a *App) startTrading(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	t, err := a.buildTrading(deps)
	if err != nil {
		return err
	}

	// The manager must be bound to ctx before positions are resumed or opened.
	t.manager.Start(ctx)
	g.Go(func() error {
		<-ctx.Done()
		t.manager.Wait()
		a.logger.Info("exit engine stopped")
		return nil
	})
	g.Go(func() error { return t.executor.Run(ctx) })

	n, err := t.positions.Resume(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "resume failed", slog.String("error", err.Error()))
	} else if n > 0 {
		a.logger.InfoContext(ctx, "resumed positions", slog.Int("count", n))
	}

	if deps.Heartbeat != nil {
		g.Go(func() error { return deps.Heartbeat.Run(ctx) })
	}

	if deps.TelegramAPI != nil {
		bot := telegram.New(deps.TelegramAPI, t.positions, t.sizer, telegram.Config{
			AllowedUsers: a.cfg.Telegram.AllowedUsers,
			Channels:     a.cfg.Telegram.Channels,
			Keywords:     a.cfg.Telegram.SignalKeywords,
			AutoBuy:      a.cfg.Telegram.AutoBuy,
			PollTimeout:  a.cfg.Telegram.PollTimeout,
			Summary:      t.summary,
		}, deps.Metrics, a.logger)
		g.Go(func() error { return bot.Run(ctx) })
	}

	if a.cfg.Server.Enabled {
		srv := a.newServer(deps, t)
		g.Go(func() error { return srv.Run(ctx) })
	}

	_ = deps.Notifier.NotifyAll(ctx, "exitpilot online", t.summary)
	return nil
}

func (a *App) buildTrading(deps *Dependencies) (*trading, error) {
	engineCfg, err := a.cfg.ExitEngine()
	if err != nil {
		return nil, fmt.Errorf("app: exit config: %w", err)
	}

	var (
		venue  executor.Venue
		wallet string
	)
	if deps.Wallet != nil {
		venue = executor.NewSwapVenue(deps.Jupiter, deps.Solana, deps.Wallet, a.logger)
		wallet = deps.Wallet.PublicKey()
	}
	exec, err := executor.NewExecutor(venue, executor.Config{
		DryRun:   a.cfg.Trading.DryRun,
		DedupTTL: a.cfg.Trading.DedupTTL.Duration,
		Retries:  2,
	}, deps.Metrics, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: executor: %w", err)
	}

	prices := service.NewPriceService(deps.Jupiter, deps.PriceCache, a.cfg.Redis.PriceTTL.Duration, deps.Metrics, a.logger)
	if deps.PriceThrottle != nil {
		prices.SetThrottle(deps.PriceThrottle)
	}
	sizer := service.NewTradeSizer(service.SizerConfig{
		AmountUSD:        a.cfg.Trading.AmountUSD,
		Percentage:       a.cfg.Trading.Percentage,
		UsePercentage:    a.cfg.Trading.UsePercentage,
		DryRun:           a.cfg.Trading.DryRun,
		DryRunBalanceSOL: a.cfg.Trading.DryRunBalanceSOL,
		Wallet:           wallet,
	}, deps.Solana, deps.Jupiter, a.logger)

	journal := service.NewJournal(deps.PositionStore, deps.AuditStore, deps.SignalBus, deps.Metrics, a.logger)
	manager, err := exit.NewManager(engineCfg, exit.Deps{
		Oracle:   prices,
		Executor: exec,
		Sizer:    sizer,
		Notifier: deps.Notifier,
		Journal:  journal,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: exit engine: %w", err)
	}

	positions := service.NewPositionService(service.PositionDeps{
		Engine:   manager,
		Oracle:   prices,
		Executor: exec,
		Sizer:    sizer,
		Locks:    deps.LockManager,
		Store:    deps.PositionStore,
		Audit:    deps.AuditStore,
		Prices:   prices,
		Warmer:   deps.Jupiter,
		Metrics:  deps.Metrics,
	}, a.cfg.Trading.OpenLockTTL.Duration, a.cfg.Trading.DryRun, a.logger)

	return &trading{
		manager:   manager,
		executor:  exec,
		positions: positions,
		sizer:     sizer,
		summary:   rulesSummary(a.cfg, engineCfg),
	}, nil
}

func (a *App) newServer(deps *Dependencies, t *trading) *server.Server {
	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.Checks, a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, t.summary, t.positions),
		Positions: handler.NewPositionHandler(t.positions, a.logger),
	}
	if deps.BlobReader != nil {
		handlers.Archives = handler.NewArchiveHandler(deps.BlobReader, a.logger)
	}
	if deps.SignalBus != nil {
		handlers.Events = handler.NewEventsHandler(deps.SignalBus, service.PositionsStream, a.logger)
	}
	return server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, handlers, deps.RateLimiter, deps.Metrics, a.logger)
}

func (a *App) archiveLoop(ctx context.Context, archiver domain.Archiver, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.archiveOnce(ctx, archiver); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *App) archiveOnce(ctx context.Context, archiver domain.Archiver) error {
	if archiver == nil {
		return errors.New("app: archiver not configured")
	}
	cutoff := archiveCutoff(time.Now().UTC(), a.cfg.Archive.RetentionDays)

	positions, perr := archiver.ArchivePositions(ctx, cutoff)
	audit, aerr := archiver.ArchiveAudit(ctx, cutoff)
	a.logger.InfoContext(ctx, "archive run",
		slog.Time("cutoff", cutoff),
		slog.Int64("positions", positions),
		slog.Int64("audit", audit),
	)
	return errors.Join(perr, aerr)
}

func archiveCutoff(now time.Time, retentionDays int) time.Time {
	return now.AddDate(0, 0, -max(retentionDays, 0))
}

// rulesSummary renders the exit rules on one line for /start and /api/status.
func rulesSummary(cfg *config.Config, ec exit.Config) string {
	sizing := fmt.Sprintf("$%.2f fixed", cfg.Trading.AmountUSD)
	if cfg.Trading.UsePercentage {
		sizing = fmt.Sprintf("%.4g%% of wallet", cfg.Trading.Percentage)
	}
	return fmt.Sprintf("Trading: %s | SL %.4g%% | Trail %.4g%% | Ladder %s | Re-entry %t (%d max, +%.4g%% confirm)",
		sizing, ec.StopLossPct, ec.TrailingPct(), ec.Ladder.String(),
		ec.Reentry.Enabled, ec.Reentry.MaxPerAsset, ec.Reentry.ConfirmPct)
}

// Tail prints position events one per line: first the newest backlog entries of
// the durable stream, then live events from pub/sub until ctx is cancelled.
func (a *App) Tail(ctx context.Context, w io.Writer, backlog int) error {
	if !a.cfg.Redis.Enabled {
		return errors.New("app: tail requires redis.enabled")
	}
	deps, err := a.wire(ctx)
	if err != nil {
		return err
	}
	return tail(ctx, w, deps.SignalBus, backlog)
}

func tail(ctx context.Context, w io.Writer, bus domain.SignalBus, backlog int) error {
	live, err := bus.Subscribe(ctx, service.PositionsChannel)
	if err != nil {
		return fmt.Errorf("app: tail: %w", err)
	}

	if backlog > 0 {
		msgs, err := bus.StreamLatest(ctx, service.PositionsStream, backlog)
		if err != nil {
			return fmt.Errorf("app: tail backlog: %w", err)
		}
		for _, m := range msgs {
			if err := writeEvent(w, m.Payload); err != nil {
				return err
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-live:
			if !ok {
				return nil
			}
			if err := writeEvent(w, payload); err != nil {
				return err
			}
		}
	}
}

func writeEvent(w io.Writer, payload []byte) error {
	var evt domain.PositionEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil
	}
	_, err := fmt.Fprintf(w, "%s %-17s %s %s\n",
		evt.At.Format(time.RFC3339), evt.Type, evt.Position.AssetID, evt.Reason)
	return err
}

// Compile-time checks that the concrete adapters satisfy the engine ports.
var (
	_ exit.PriceOracle  = (*jupiter.Client)(nil)
	_ service.Prewarmer = (*jupiter.Client)(nil)
)
