package exit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

func TestParseLadderDefault(t *testing.T) {
	l, err := ParseLadder(DefaultLadder)
	require.NoError(t, err)
	require.Len(t, l.Rungs, 3)
	assert.Equal(t, []string{"2x", "4x", "10x"}, []string{l.Rungs[0].Key, l.Rungs[1].Key, l.Rungs[2].Key})
	assert.Equal(t, "30", l.Rungs[2].SellPct.String())
	assert.Equal(t, 15.0, l.RestTrailPct)
	assert.Equal(t, DefaultLadder, l.String())
}

func TestParseLadderSortsAndNormalises(t *testing.T) {
	l, err := ParseLadder(" 5X:10% , 2.5x:20 ,rest:TRAIL12.5 ")
	require.NoError(t, err)
	require.Len(t, l.Rungs, 2)
	assert.Equal(t, "2.5x", l.Rungs[0].Key)
	assert.Equal(t, "5x", l.Rungs[1].Key)
	assert.Equal(t, 12.5, l.RestTrailPct)
}

func TestParseLadderRejects(t *testing.T) {
	for _, text := range []string{
		"",
		"2x",
		"2:25",
		"1x:25",
		"0.5x:25",
		"2x:0",
		"2x:-5",
		"2x:101",
		"2x:60,4x:50",
		"2x:25,2x:25",
		"rest:15",
		"rest:trail0",
		"rest:trail100",
		"abcx:10",
	} {
		t.Run(text, func(t *testing.T) {
			_, err := ParseLadder(text)
			assert.Error(t, err)
		})
	}
}

func TestLadderEvaluate(t *testing.T) {
	l, err := ParseLadder(DefaultLadder)
	require.NoError(t, err)
	pos, err := domain.NewPosition("A", 1.0, 100, 0, "")
	require.NoError(t, err)

	assert.Empty(t, l.Evaluate(pos, 1.99))

	got := l.Evaluate(pos, 4.5)
	require.Len(t, got, 2)
	assert.Equal(t, "2x", got[0].Key)
	assert.Equal(t, "4x", got[1].Key)

	pos.LadderProgress["2x"] = true
	got = l.Evaluate(pos, 4.5)
	require.Len(t, got, 1)
	assert.Equal(t, "4x", got[0].Key)

	got = l.Evaluate(pos, 10)
	require.Len(t, got, 2)
	assert.Equal(t, "10x", got[1].Key)
	assert.False(t, pos.LadderProgress["4x"], "evaluate must not mark progress")
}

func TestConfigTrailingPct(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 15.0, cfg.TrailingPct())

	cfg.Ladder.RestTrailPct = 0
	cfg.TrailPct = 20
	assert.Equal(t, 20.0, cfg.TrailingPct())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.PollInterval = 0
	cfg.StopLossPct = 10
	cfg.Reentry.Window = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll interval")
	assert.Contains(t, err.Error(), "stop loss")
	assert.Contains(t, err.Error(), "reentry window")
}
