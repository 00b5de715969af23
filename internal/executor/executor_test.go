package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/exitpilot/internal/domain"
	"github.com/alanyoungcy/exitpilot/internal/metrics"
)

type mockVenue struct {
	mock.Mock
}

func (m *mockVenue) Buy(ctx context.Context, req domain.BuyRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockVenue) Sell(ctx context.Context, req domain.SellRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sellReq(leg string) domain.SellRequest {
	return domain.SellRequest{
		PositionID:   "pos-1",
		AssetID:      "Mint111",
		LegKey:       leg,
		Percent:      25,
		RemainingPct: 100,
		Reason:       domain.ReasonLadder,
	}
}

func TestDryRunNeedsNoVenue(t *testing.T) {
	ex, err := NewExecutor(nil, Config{DryRun: true}, metrics.New(), quietLogger())
	require.NoError(t, err)
	assert.True(t, ex.DryRun())

	st, err := ex.Buy(context.Background(), domain.BuyRequest{AssetID: "Mint111", Amount: 10})
	require.NoError(t, err)
	assert.True(t, st.DryRun)
	assert.True(t, strings.HasPrefix(st.Ref, DryRunPrefix))

	st, err = ex.Sell(context.Background(), sellReq("2x"))
	require.NoError(t, err)
	assert.True(t, st.DryRun)
}

func TestLiveModeRequiresVenue(t *testing.T) {
	_, err := NewExecutor(nil, Config{}, nil, quietLogger())
	assert.Error(t, err)
}

func TestSellRetriesThenSettles(t *testing.T) {
	venue := &mockVenue{}
	req := sellReq("2x")
	venue.On("Sell", mock.Anything, req).Return("", errors.New("blockhash expired")).Once()
	venue.On("Sell", mock.Anything, req).Return("sig-1", nil).Once()

	ex, err := NewExecutor(venue, Config{Retries: 1, RetryDelay: time.Millisecond}, nil, quietLogger())
	require.NoError(t, err)

	st, err := ex.Sell(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "sig-1", st.Ref)
	assert.False(t, st.DryRun)
	venue.AssertNumberOfCalls(t, "Sell", 2)
}

func TestSellFailureWrapsExecutionFailed(t *testing.T) {
	venue := &mockVenue{}
	venue.On("Sell", mock.Anything, mock.Anything).Return("", errors.New("rpc down"))

	ex, err := NewExecutor(venue, Config{Retries: 2, RetryDelay: time.Millisecond}, nil, quietLogger())
	require.NoError(t, err)

	_, err = ex.Sell(context.Background(), sellReq("2x"))
	assert.ErrorIs(t, err, domain.ErrExecutionFailed)
	assert.Contains(t, err.Error(), "rpc down")
	venue.AssertNumberOfCalls(t, "Sell", 3)

	// A failed leg is not remembered, so the next attempt reaches the venue.
	_, _ = ex.Sell(context.Background(), sellReq("2x"))
	venue.AssertNumberOfCalls(t, "Sell", 6)
}

func TestSettledLegIsNotResubmitted(t *testing.T) {
	venue := &mockVenue{}
	venue.On("Sell", mock.Anything, mock.Anything).Return("sig-1", nil)

	ex, err := NewExecutor(venue, Config{}, nil, quietLogger())
	require.NoError(t, err)

	first, err := ex.Sell(context.Background(), sellReq("2x"))
	require.NoError(t, err)
	again, err := ex.Sell(context.Background(), sellReq("2x"))
	require.NoError(t, err)
	assert.Equal(t, first, again)
	venue.AssertNumberOfCalls(t, "Sell", 1)

	_, err = ex.Sell(context.Background(), sellReq("4x"))
	require.NoError(t, err)
	venue.AssertNumberOfCalls(t, "Sell", 2)
}

func TestRejectsEmptyTrades(t *testing.T) {
	ex, err := NewExecutor(nil, Config{DryRun: true}, nil, quietLogger())
	require.NoError(t, err)

	_, err = ex.Buy(context.Background(), domain.BuyRequest{AssetID: "Mint111"})
	assert.ErrorIs(t, err, domain.ErrExecutionFailed)

	req := sellReq("stop_loss")
	req.RemainingPct = 0
	_, err = ex.Sell(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrExecutionFailed)
}

func TestRetryStopsOnCancel(t *testing.T) {
	venue := &mockVenue{}
	venue.On("Buy", mock.Anything, mock.Anything).Return("", errors.New("timeout"))

	ex, err := NewExecutor(venue, Config{Retries: 5, RetryDelay: time.Hour}, nil, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = ex.Buy(ctx, domain.BuyRequest{AssetID: "Mint111", Amount: 5})
	assert.ErrorIs(t, err, domain.ErrExecutionFailed)
	assert.ErrorIs(t, err, context.Canceled)
	venue.AssertNumberOfCalls(t, "Buy", 1)
}

func TestDedupExpiry(t *testing.T) {
	d := NewDedup(20 * time.Millisecond)
	d.Mark("a", domain.Settlement{Ref: "x"})

	st, ok := d.Seen("a")
	require.True(t, ok)
	assert.Equal(t, "x", st.Ref)

	time.Sleep(30 * time.Millisecond)
	_, ok = d.Seen("a")
	assert.False(t, ok)
	d.Cleanup()
	assert.Zero(t, d.Len())
}
