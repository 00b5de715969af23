package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPosition(t *testing.T) {
	pos, err := NewPosition("MintA", 1.5, 10, 0, "")
	require.NoError(t, err)
	assert.NotEmpty(t, pos.ID)
	assert.Equal(t, 1.5, pos.PeakPrice)
	assert.True(t, pos.RemainingPct.Equal(FullPct))
	assert.True(t, pos.Active)
	assert.Equal(t, StateWatching, pos.State)
	assert.Nil(t, pos.LastExitPrice)
	assert.Empty(t, pos.LadderProgress)

	for _, tc := range []struct {
		name  string
		asset string
		entry float64
		qty   float64
	}{
		{"empty asset", "", 1, 1},
		{"zero entry", "A", 0, 1},
		{"negative entry", "A", -1, 1},
		{"zero quantity", "A", 1, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPosition(tc.asset, tc.entry, tc.qty, 0, "")
			assert.True(t, errors.Is(err, ErrInvalidPosition))
		})
	}
}

func TestPositionReduceSaturates(t *testing.T) {
	pos, err := NewPosition("A", 1, 1, 0, "")
	require.NoError(t, err)

	removed := pos.Reduce(decimal.NewFromInt(70))
	assert.True(t, removed.Equal(decimal.NewFromInt(70)))
	assert.Equal(t, "30", pos.RemainingPct.String())

	removed = pos.Reduce(decimal.NewFromInt(45))
	assert.Equal(t, "30", removed.String())
	assert.True(t, pos.RemainingPct.IsZero())
	assert.True(t, pos.FullyExited())

	removed = pos.Reduce(decimal.NewFromInt(-5))
	assert.True(t, removed.IsZero())
	assert.True(t, pos.RemainingPct.IsZero())
}

func TestPositionCloneIsDeep(t *testing.T) {
	pos, err := NewPosition("A", 1, 1, 0, "")
	require.NoError(t, err)
	pos.LadderProgress["2x"] = true
	pos.RecordExit(2)

	c := pos.Clone()
	c.LadderProgress["4x"] = true
	*c.LastExitPrice = 9
	c.Close(StateExitedManual, time.Now())

	assert.Len(t, pos.LadderProgress, 1)
	assert.Equal(t, 2.0, *pos.LastExitPrice)
	assert.True(t, pos.Active)
	assert.Nil(t, pos.ClosedAt)
}

func TestPositionPercentages(t *testing.T) {
	pos, err := NewPosition("A", 2, 10, 0, "")
	require.NoError(t, err)
	pos.Observe(4)
	pos.Observe(3)
	assert.Equal(t, 4.0, pos.PeakPrice)
	assert.InDelta(t, 50.0, pos.ChangeFromEntry(3), 1e-9)
	assert.InDelta(t, -25.0, pos.DropFromPeak(3), 1e-9)
	pos.Reduce(decimal.NewFromInt(25))
	assert.InDelta(t, 7.5, pos.RemainingQuantity(), 1e-9)
}

func TestSellRequestFractionOfHolding(t *testing.T) {
	assert.InDelta(t, 0.25, SellRequest{Percent: 25, RemainingPct: 100}.FractionOfHolding(), 1e-9)
	assert.InDelta(t, 1.0/3, SellRequest{Percent: 25, RemainingPct: 75}.FractionOfHolding(), 1e-9)
	assert.Equal(t, 1.0, SellRequest{Percent: 50, RemainingPct: 30}.FractionOfHolding())
	assert.Equal(t, 0.0, SellRequest{Percent: 50}.FractionOfHolding())
}

func TestValidateMint(t *testing.T) {
	assert.NoError(t, ValidateMint("So11111111111111111111111111111111111111112"))
	assert.ErrorIs(t, ValidateMint("short"), ErrInvalidMint)
	assert.ErrorIs(t, ValidateMint("0OIl1111111111111111111111111111111111111"), ErrInvalidMint)
	assert.ErrorIs(t, ValidateMint(""), ErrInvalidMint)
}
