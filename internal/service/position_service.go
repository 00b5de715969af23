package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/alanyoungcy/exitpilot/internal/domain"
	"github.com/alanyoungcy/exitpilot/internal/exit"
	"github.com/alanyoungcy/exitpilot/internal/metrics"
)

// Engine is the part of the exit manager the service drives.
type Engine interface {
	Open(ctx context.Context, req exit.OpenRequest) (domain.Position, error)
	Adopt(ctx context.Context, pos domain.Position) error
	Close(ctx context.Context, assetID string) (exit.CloseResult, error)
	CloseAll(ctx context.Context) []exit.CloseResult
	HasActive(assetID string) bool
	Active() []domain.Position
	Positions() []domain.Position
	History(assetID string) []domain.Position
	PendingReentries() []string
}

// Prewarmer primes the swap route for a mint ahead of a buy.
type Prewarmer interface {
	Prewarm(ctx context.Context, mint string)
}

// LastPricer returns recently observed prices for a batch of assets.
type LastPricer interface {
	LastPrices(ctx context.Context, assetIDs []string) map[string]float64
}

// PositionDeps are the PositionService's collaborators. Locks, Store, Audit,
// Prices, Warmer and Metrics are optional.
type PositionDeps struct {
	Engine   Engine
	Oracle   exit.PriceOracle
	Executor exit.Executor
	Sizer    exit.Sizer
	Locks    domain.LockManager
	Store    domain.PositionStore
	Audit    domain.AuditStore
	Prices   LastPricer
	Warmer   Prewarmer
	Metrics  *metrics.Metrics
}

// PositionView is a position with its last observed price.
type PositionView struct {
	domain.Position
	LastPrice float64 `json:"last_price,omitempty"`
	ChangePct float64 `json:"change_pct,omitempty"`
}

// Status summarises the engine for operators.
type Status struct {
	Active           int      `json:"active"`
	Tracked          int      `json:"tracked"`
	PendingReentries []string `json:"pending_reentries"`
	DryRun           bool     `json:"dry_run"`
}

// PositionService turns buy signals into watched positions and exposes the
// engine's state to the API and chat commands.
type PositionService struct {
	deps    PositionDeps
	lockTTL time.Duration
	dryRun  bool
	logger  *slog.Logger
}

// NewPositionService creates a PositionService.
func NewPositionService(deps PositionDeps, lockTTL time.Duration, dryRun bool, logger *slog.Logger) *PositionService {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &PositionService{
		deps:    deps,
		lockTTL: lockTTL,
		dryRun:  dryRun,
		logger:  logger.With(slog.String("component", "position_service")),
	}
}

// Buy validates the mint, buys the configured trade amount and starts
// watching the new position. source names the intake path for logs and
// metrics (api, command, channel).
func (s *PositionService) Buy(ctx context.Context, assetID, source string) (domain.Position, error) {
	if err := domain.ValidateMint(assetID); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: buy: %w", err)
	}
	if s.deps.Engine.HasActive(assetID) {
		return domain.Position{}, fmt.Errorf("position_service: buy %s: %w", assetID, domain.ErrPositionActive)
	}

	if s.deps.Locks != nil {
		unlock, err := s.deps.Locks.Acquire(ctx, "open:"+assetID, s.lockTTL)
		if err != nil {
			return domain.Position{}, fmt.Errorf("position_service: buy %s: %w", assetID, err)
		}
		defer unlock()
		if s.deps.Engine.HasActive(assetID) {
			return domain.Position{}, fmt.Errorf("position_service: buy %s: %w", assetID, domain.ErrPositionActive)
		}
	}

	log := s.logger.With(slog.String("asset", assetID), slog.String("source", source))
	s.deps.Metrics.Signal(source)

	if s.deps.Warmer != nil {
		s.deps.Warmer.Prewarm(ctx, assetID)
	}
	price, err := s.deps.Oracle.Price(ctx, assetID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: buy %s: %w", assetID, err)
	}
	amount := s.deps.Sizer.TradeAmount(ctx)
	if !(amount > 0) {
		return domain.Position{}, fmt.Errorf("position_service: buy %s: %w: trade amount is zero", assetID, domain.ErrExecutionFailed)
	}

	st, err := s.deps.Executor.Buy(ctx, domain.BuyRequest{AssetID: assetID, Amount: amount, Reason: source})
	if err != nil {
		s.audit(ctx, "buy_failed", map[string]any{"asset_id": assetID, "source": source, "error": err.Error()})
		return domain.Position{}, fmt.Errorf("position_service: buy %s: %w", assetID, err)
	}

	pos, err := s.deps.Engine.Open(ctx, exit.OpenRequest{AssetID: assetID, EntryPrice: price, Quantity: amount})
	if err != nil {
		log.ErrorContext(ctx, "bought but could not open position",
			slog.String("ref", st.Ref),
			slog.String("error", err.Error()),
		)
		return domain.Position{}, fmt.Errorf("position_service: open %s: %w", assetID, err)
	}

	s.audit(ctx, "buy", map[string]any{
		"asset_id":    assetID,
		"position_id": pos.ID,
		"source":      source,
		"amount":      amount,
		"price":       price,
		"ref":         st.Ref,
		"dry_run":     st.DryRun,
	})
	log.InfoContext(ctx, "bought",
		slog.String("position_id", pos.ID),
		slog.Float64("price", price),
		slog.Float64("amount", amount),
		slog.String("ref", st.Ref),
	)
	return pos, nil
}

// Close sells what remains of one asset.
func (s *PositionService) Close(ctx context.Context, assetID string) (exit.CloseResult, error) {
	res, err := s.deps.Engine.Close(ctx, assetID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.audit(ctx, "close_failed", map[string]any{"asset_id": assetID, "error": err.Error()})
	}
	return res, err
}

// CloseAll sells every active position.
func (s *PositionService) CloseAll(ctx context.Context) []exit.CloseResult {
	results := s.deps.Engine.CloseAll(ctx)
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	s.audit(ctx, "close_all", map[string]any{"positions": len(results), "failed": failed})
	return results
}

// Positions returns the latest generation of every tracked asset with its
// last known price.
func (s *PositionService) Positions(ctx context.Context) []PositionView {
	ps := s.deps.Engine.Positions()
	var prices map[string]float64
	if s.deps.Prices != nil && len(ps) > 0 {
		ids := make([]string, len(ps))
		for i, p := range ps {
			ids[i] = p.AssetID
		}
		prices = s.deps.Prices.LastPrices(ctx, ids)
	}

	out := make([]PositionView, 0, len(ps))
	for _, p := range ps {
		v := PositionView{Position: p}
		if price, ok := prices[p.AssetID]; ok {
			v.LastPrice = price
			v.ChangePct = p.ChangeFromEntry(price)
		}
		out = append(out, v)
	}
	return out
}

// History returns past generations, newest first. With a store configured
// it reads persisted history; otherwise the in-memory book.
func (s *PositionService) History(ctx context.Context, assetID string, opts domain.ListOpts) ([]domain.Position, error) {
	if s.deps.Store != nil {
		ps, err := s.deps.Store.ListHistory(ctx, assetID, opts)
		if err != nil {
			return nil, fmt.Errorf("position_service: history: %w", err)
		}
		return ps, nil
	}

	var ps []domain.Position
	if assetID != "" {
		ps = s.deps.Engine.History(assetID)
	} else {
		for _, cur := range s.deps.Engine.Positions() {
			ps = append(ps, s.deps.Engine.History(cur.AssetID)...)
		}
	}
	slices.SortFunc(ps, func(a, b domain.Position) int {
		if c := b.OpenedAt.Compare(a.OpenedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return paginate(ps, opts), nil
}

// Resume adopts positions that were active when the process last stopped.
func (s *PositionService) Resume(ctx context.Context) (int, error) {
	if s.deps.Store == nil {
		return 0, nil
	}
	active, err := s.deps.Store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("position_service: resume: %w", err)
	}
	n := 0
	for _, pos := range active {
		if err := s.deps.Engine.Adopt(ctx, pos); err != nil {
			s.logger.WarnContext(ctx, "position_service: resume failed",
				slog.String("position_id", pos.ID),
				slog.String("asset", pos.AssetID),
				slog.String("error", err.Error()),
			)
			continue
		}
		n++
	}
	s.deps.Metrics.SetActive(len(s.deps.Engine.Active()))
	return n, nil
}

// Status summarises the engine.
func (s *PositionService) Status() Status {
	pending := s.deps.Engine.PendingReentries()
	slices.Sort(pending)
	return Status{
		Active:           len(s.deps.Engine.Active()),
		Tracked:          len(s.deps.Engine.Positions()),
		PendingReentries: pending,
		DryRun:           s.dryRun,
	}
}

func (s *PositionService) audit(ctx context.Context, event string, detail map[string]any) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "position_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func paginate(ps []domain.Position, opts domain.ListOpts) []domain.Position {
	if opts.Offset > 0 {
		if opts.Offset >= len(ps) {
			return nil
		}
		ps = ps[opts.Offset:]
	}
	if opts.Limit > 0 && len(ps) > opts.Limit {
		ps = ps[:opts.Limit]
	}
	return ps
}
