package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeBalance struct {
	lamports uint64
	err      error
}

func (f fakeBalance) GetBalance(context.Context, string) (uint64, error) { return f.lamports, f.err }

type fakePricer struct {
	price float64
	err   error
}

func (f fakePricer) PriceIn(context.Context, string, string) (float64, error) { return f.price, f.err }

func TestFixedAmount(t *testing.T) {
	s := NewTradeSizer(SizerConfig{AmountUSD: 10}, nil, fakePricer{}, quietLogger())
	assert.Equal(t, 10.0, s.TradeAmount(context.Background()))
}

func TestPercentageOfDryRunBalance(t *testing.T) {
	s := NewTradeSizer(SizerConfig{
		AmountUSD:        10,
		Percentage:       10,
		UsePercentage:    true,
		DryRun:           true,
		DryRunBalanceSOL: 2,
	}, nil, fakePricer{price: 150}, quietLogger())
	assert.InDelta(t, 30.0, s.TradeAmount(context.Background()), 1e-9)
}

func TestPercentageOfWalletBalance(t *testing.T) {
	s := NewTradeSizer(SizerConfig{AmountUSD: 10, Percentage: 50, UsePercentage: true, Wallet: "w"},
		fakeBalance{lamports: 500_000_000}, fakePricer{price: 100}, quietLogger())
	assert.InDelta(t, 25.0, s.TradeAmount(context.Background()), 1e-9)
}

func TestSizerFallsBackToFixedAmount(t *testing.T) {
	cfg := SizerConfig{AmountUSD: 10, Percentage: 50, UsePercentage: true, Wallet: "w"}

	s := NewTradeSizer(cfg, fakeBalance{err: errors.New("rpc down")}, fakePricer{price: 100}, quietLogger())
	assert.Equal(t, 10.0, s.TradeAmount(context.Background()))

	s = NewTradeSizer(cfg, fakeBalance{lamports: 1}, fakePricer{err: errors.New("no price")}, quietLogger())
	assert.Equal(t, 10.0, s.TradeAmount(context.Background()))

	s = NewTradeSizer(cfg, fakeBalance{lamports: 0}, fakePricer{price: 100}, quietLogger())
	assert.Equal(t, 10.0, s.TradeAmount(context.Background()))
}
