package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/alanyoungcy/exitpilot/internal/domain"
	"github.com/alanyoungcy/exitpilot/internal/platform/jupiter"
	"github.com/alanyoungcy/exitpilot/internal/platform/solana"
)

// Router builds swap transactions.
type Router interface {
	PriceIn(ctx context.Context, mint, vsToken string) (float64, error)
	Quote(ctx context.Context, inputMint, outputMint string, amount uint64) (jupiter.Quote, error)
	SwapTransaction(ctx context.Context, q jupiter.Quote, userPublicKey string) (string, error)
}

// Chain reads balances and broadcasts transactions.
type Chain interface {
	GetTokenBalance(ctx context.Context, owner, mint string) (solana.TokenBalance, error)
	SendTransaction(ctx context.Context, txBase64 string) (string, error)
}

// Signer signs serialized transactions.
type Signer interface {
	PublicKey() string
	SignBase64(txBase64 string) (string, error)
}

// SwapVenue trades SOL against tokens through the aggregator. Buy amounts
// are in USD; sells dispose of a fraction of the wallet's current balance.
type SwapVenue struct {
	router Router
	chain  Chain
	signer Signer
	logger *slog.Logger
}

// NewSwapVenue creates a SwapVenue.
func NewSwapVenue(router Router, chain Chain, signer Signer, logger *slog.Logger) *SwapVenue {
	return &SwapVenue{
		router: router,
		chain:  chain,
		signer: signer,
		logger: logger.With(slog.String("component", "swap_venue")),
	}
}

// Buy swaps req.Amount USD worth of SOL into req.AssetID.
func (v *SwapVenue) Buy(ctx context.Context, req domain.BuyRequest) (string, error) {
	solUSD, err := v.router.PriceIn(ctx, jupiter.SOLMint, jupiter.USDCMint)
	if err != nil {
		return "", fmt.Errorf("swap: sol price: %w", err)
	}
	lamports := uint64(math.Floor(req.Amount / solUSD * solana.LamportsPerSOL))
	if lamports == 0 {
		return "", errors.New("swap: buy amount rounds to zero lamports")
	}
	v.logger.Debug("buy sized",
		slog.String("asset", req.AssetID),
		slog.Float64("usd", req.Amount),
		slog.Float64("sol_usd", solUSD),
		slog.Uint64("lamports", lamports),
	)
	return v.swap(ctx, jupiter.SOLMint, req.AssetID, lamports)
}

// Sell swaps the requested share of the token balance back into SOL.
func (v *SwapVenue) Sell(ctx context.Context, req domain.SellRequest) (string, error) {
	bal, err := v.chain.GetTokenBalance(ctx, v.signer.PublicKey(), req.AssetID)
	if err != nil {
		return "", fmt.Errorf("swap: token balance: %w", err)
	}
	frac := req.FractionOfHolding()
	amount := bal.Amount
	if frac < 1 {
		amount = uint64(math.Floor(float64(bal.Amount) * frac))
	}
	if amount == 0 {
		return "", fmt.Errorf("swap: no %s balance to sell", req.AssetID)
	}
	v.logger.Debug("sell sized",
		slog.String("asset", req.AssetID),
		slog.Uint64("balance", bal.Amount),
		slog.Float64("fraction", frac),
		slog.Uint64("amount", amount),
	)
	return v.swap(ctx, req.AssetID, jupiter.SOLMint, amount)
}

func (v *SwapVenue) swap(ctx context.Context, in, out string, amount uint64) (string, error) {
	q, err := v.router.Quote(ctx, in, out, amount)
	if err != nil {
		return "", err
	}
	tx, err := v.router.SwapTransaction(ctx, q, v.signer.PublicKey())
	if err != nil {
		return "", err
	}
	signed, err := v.signer.SignBase64(tx)
	if err != nil {
		return "", err
	}
	sig, err := v.chain.SendTransaction(ctx, signed)
	if err != nil {
		return "", err
	}
	return sig, nil
}
