// Package executor submits buys and sells to the swap venue on behalf of
// the exit engine, adding dry-run simulation, leg deduplication and a
// bounded retry.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/exitpilot/internal/domain"
	"github.com/alanyoungcy/exitpilot/internal/metrics"
)

// Venue performs a swap and returns the transaction reference.
type Venue interface {
	Buy(ctx context.Context, req domain.BuyRequest) (string, error)
	Sell(ctx context.Context, req domain.SellRequest) (string, error)
}

// DryRunPrefix marks settlement references that never touched the chain.
const DryRunPrefix = "[DRY]"

// Config tunes the executor.
type Config struct {
	DryRun          bool
	DedupTTL        time.Duration
	Retries         int
	RetryDelay      time.Duration
	CleanupInterval time.Duration
}

// Executor implements the exit engine's execution port.
type Executor struct {
	venue   Venue
	cfg     Config
	dedup   *Dedup
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewExecutor creates an Executor. venue may be nil in dry-run mode.
func NewExecutor(venue Venue, cfg Config, m *metrics.Metrics, logger *slog.Logger) (*Executor, error) {
	if venue == nil && !cfg.DryRun {
		return nil, errors.New("executor: live mode requires a venue")
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	return &Executor{
		venue:   venue,
		cfg:     cfg,
		dedup:   NewDedup(cfg.DedupTTL),
		metrics: m,
		logger:  logger.With(slog.String("component", "executor")),
		now:     time.Now,
	}, nil
}

// DryRun reports whether trades are simulated.
func (e *Executor) DryRun() bool { return e.cfg.DryRun }

// Run garbage-collects the dedup map until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.dedup.Cleanup()
		}
	}
}

// Buy acquires req.Amount worth of req.AssetID.
func (e *Executor) Buy(ctx context.Context, req domain.BuyRequest) (domain.Settlement, error) {
	log := e.logger.With(
		slog.String("side", "buy"),
		slog.String("asset", req.AssetID),
		slog.Float64("amount", req.Amount),
		slog.String("reason", req.Reason),
	)
	if req.Amount <= 0 {
		return domain.Settlement{}, fmt.Errorf("executor: buy %s: %w: non-positive amount", req.AssetID, domain.ErrExecutionFailed)
	}
	if e.cfg.DryRun {
		return e.simulate("buy", log), nil
	}
	return e.submit(ctx, "buy", log, func(ctx context.Context) (string, error) {
		return e.venue.Buy(ctx, req)
	})
}

// Sell disposes of req.Percent of the original position. A leg that already
// settled within the dedup window returns its earlier settlement.
func (e *Executor) Sell(ctx context.Context, req domain.SellRequest) (domain.Settlement, error) {
	log := e.logger.With(
		slog.String("side", "sell"),
		slog.String("asset", req.AssetID),
		slog.String("position_id", req.PositionID),
		slog.String("leg", req.LegKey),
		slog.Float64("pct", req.Percent),
	)
	if req.Percent <= 0 || req.RemainingPct <= 0 {
		return domain.Settlement{}, fmt.Errorf("executor: sell %s: %w: nothing to sell", req.AssetID, domain.ErrExecutionFailed)
	}

	key := req.PositionID + ":" + req.LegKey
	if st, ok := e.dedup.Seen(key); ok {
		log.Warn("leg already settled, returning previous settlement", slog.String("ref", st.Ref))
		e.metrics.Execution("sell", "duplicate", 0)
		return st, nil
	}

	var (
		st  domain.Settlement
		err error
	)
	if e.cfg.DryRun {
		st = e.simulate("sell", log)
	} else {
		st, err = e.submit(ctx, "sell", log, func(ctx context.Context) (string, error) {
			return e.venue.Sell(ctx, req)
		})
		if err != nil {
			return st, err
		}
	}
	e.dedup.Mark(key, st)
	return st, nil
}

func (e *Executor) simulate(side string, log *slog.Logger) domain.Settlement {
	st := domain.Settlement{
		Ref:    DryRunPrefix + " " + uuid.NewString(),
		DryRun: true,
		At:     e.now().UTC(),
	}
	log.Info("dry run trade", slog.String("ref", st.Ref))
	e.metrics.Execution(side, "dry_run", 0)
	return st
}

// submit calls the venue, retrying up to cfg.Retries times after a short
// pause. Context cancellation aborts immediately.
func (e *Executor) submit(ctx context.Context, side string, log *slog.Logger, call func(context.Context) (string, error)) (domain.Settlement, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.Settlement{}, fmt.Errorf("executor: %s: %w: %w", side, domain.ErrExecutionFailed, ctx.Err())
			case <-time.After(e.cfg.RetryDelay):
			}
			log.Warn("retrying trade", slog.Int("attempt", attempt+1))
		}

		start := e.now()
		ref, err := call(ctx)
		took := e.now().Sub(start)
		if err == nil {
			e.metrics.Execution(side, "ok", took)
			log.Info("trade settled", slog.String("ref", ref), slog.Duration("took", took))
			return domain.Settlement{Ref: ref, At: e.now().UTC()}, nil
		}

		lastErr = err
		e.metrics.Execution(side, "error", took)
		log.Error("trade failed", slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
		if ctx.Err() != nil {
			break
		}
	}
	return domain.Settlement{}, fmt.Errorf("executor: %s: %w: %w", side, domain.ErrExecutionFailed, lastErr)
}
