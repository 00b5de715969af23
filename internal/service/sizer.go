package service

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/exitpilot/internal/platform/jupiter"
	"github.com/alanyoungcy/exitpilot/internal/platform/solana"
)

// BalanceReader returns a wallet's SOL balance in lamports.
type BalanceReader interface {
	GetBalance(ctx context.Context, pubkey string) (uint64, error)
}

// QuotePricer prices one mint in another.
type QuotePricer interface {
	PriceIn(ctx context.Context, mint, vsToken string) (float64, error)
}

// SizerConfig controls trade sizing.
type SizerConfig struct {
	AmountUSD        float64
	Percentage       float64
	UsePercentage    bool
	DryRun           bool
	DryRunBalanceSOL float64
	Wallet           string
}

// TradeSizer decides how many USD each entry spends: a fixed amount, or a
// percentage of the wallet's SOL balance valued in USD. Any lookup failure
// falls back to the fixed amount.
type TradeSizer struct {
	cfg     SizerConfig
	balance BalanceReader
	pricer  QuotePricer
	logger  *slog.Logger
}

// NewTradeSizer creates a TradeSizer. balance may be nil in dry-run mode.
func NewTradeSizer(cfg SizerConfig, balance BalanceReader, pricer QuotePricer, logger *slog.Logger) *TradeSizer {
	return &TradeSizer{
		cfg:     cfg,
		balance: balance,
		pricer:  pricer,
		logger:  logger.With(slog.String("component", "sizer")),
	}
}

// TradeAmount implements exit.Sizer.
func (s *TradeSizer) TradeAmount(ctx context.Context) float64 {
	if !s.cfg.UsePercentage || s.cfg.Percentage <= 0 {
		return s.cfg.AmountUSD
	}

	sol, err := s.BalanceSOL(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "balance lookup failed, using fixed amount", slog.String("error", err.Error()))
		return s.cfg.AmountUSD
	}
	solUSD, err := s.pricer.PriceIn(ctx, jupiter.SOLMint, jupiter.USDCMint)
	if err != nil {
		s.logger.WarnContext(ctx, "sol price lookup failed, using fixed amount", slog.String("error", err.Error()))
		return s.cfg.AmountUSD
	}

	usd := sol * solUSD * s.cfg.Percentage / 100
	if !(usd > 0) {
		return s.cfg.AmountUSD
	}
	return usd
}

// BalanceSOL returns the wallet balance in SOL; dry-run mode reports the
// configured simulated balance.
func (s *TradeSizer) BalanceSOL(ctx context.Context) (float64, error) {
	if s.cfg.DryRun || s.balance == nil {
		return s.cfg.DryRunBalanceSOL, nil
	}
	lamports, err := s.balance.GetBalance(ctx, s.cfg.Wallet)
	if err != nil {
		return 0, err
	}
	return float64(lamports) / solana.LamportsPerSOL, nil
}
