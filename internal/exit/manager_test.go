package exit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

const (
	assetA = "MintAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	assetB = "MintBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
	assetC = "MintCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC"
)

func legs(sells []domain.SellRequest) []string {
	out := make([]string, 0, len(sells))
	for _, s := range sells {
		out = append(out, s.LegKey)
	}
	return out
}

func TestLadderThenTrailingExit(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, assetA, 1.0)

	h.oracle.Set(assetA, 2.1)
	eventually(t, func() bool { return h.position(assetA).LadderProgress["2x"] }, "2x rung")
	assert.Equal(t, "75", h.position(assetA).RemainingPct.String())

	h.oracle.Set(assetA, 4.2)
	eventually(t, func() bool { return h.position(assetA).LadderProgress["4x"] }, "4x rung")
	assert.Equal(t, "50", h.position(assetA).RemainingPct.String())

	h.oracle.Set(assetA, 3.5)
	eventually(t, func() bool { return !h.position(assetA).Active }, "trailing exit")

	pos := h.position(assetA)
	assert.Equal(t, domain.StateExitedTrailing, pos.State)
	assert.True(t, pos.RemainingPct.IsZero())
	require.NotNil(t, pos.LastExitPrice)
	assert.Equal(t, 3.5, *pos.LastExitPrice)
	assert.Equal(t, 4.2, pos.PeakPrice)

	sells := h.exec.Sells()
	assert.Equal(t, []string{"2x", "4x", "trailing_stop"}, legs(sells))
	assert.Equal(t, 25.0, sells[0].Percent)
	assert.Equal(t, 25.0, sells[0].Amount)
	assert.Equal(t, 75.0, sells[1].RemainingPct)
	assert.Equal(t, 50.0, sells[2].Percent)
	assert.Equal(t, domain.ReasonTrailing, sells[2].Reason)
}

func TestStopLossExit(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, assetA, 1.0)

	h.oracle.Set(assetA, 0.69)
	eventually(t, func() bool { return !h.position(assetA).Active }, "stop loss")

	pos := h.position(assetA)
	assert.Equal(t, domain.StateExitedStopLoss, pos.State)
	sells := h.exec.Sells()
	require.Len(t, sells, 1)
	assert.Equal(t, domain.ReasonStopLoss, sells[0].Reason)
	assert.Equal(t, 100.0, sells[0].Percent)
	assert.Equal(t, 100.0, sells[0].Amount)
}

func TestTrailingStopBelowFirstRung(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, assetA, 1.0)

	h.oracle.Set(assetA, 1.5)
	eventually(t, func() bool { return h.position(assetA).PeakPrice == 1.5 }, "peak")
	h.oracle.Set(assetA, 1.27)
	eventually(t, func() bool { return !h.position(assetA).Active }, "trailing exit")

	assert.Equal(t, domain.StateExitedTrailing, h.position(assetA).State)
	assert.Equal(t, []string{"trailing_stop"}, legs(h.exec.Sells()))
}

func TestTrailingNeedsPeakAboveEntry(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, assetA, 1.0)

	// -20% from entry is past the trailing distance but above the stop loss.
	h.oracle.Set(assetA, 0.8)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, h.position(assetA).Active)
	assert.Empty(t, h.exec.Sells())
}

func TestStopLossWinsOverTrailing(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		l, err := ParseLadder("10x:50,rest:trail15")
		require.NoError(t, err)
		c.Ladder = l
	})
	h.open(t, assetA, 1.0)

	h.oracle.Set(assetA, 2.0)
	eventually(t, func() bool { return h.position(assetA).PeakPrice == 2.0 }, "peak")
	h.oracle.Set(assetA, 0.6)
	eventually(t, func() bool { return !h.position(assetA).Active }, "exit")

	assert.Equal(t, domain.StateExitedStopLoss, h.position(assetA).State)
	assert.Equal(t, []string{"stop_loss"}, legs(h.exec.Sells()))
}

func TestGapUpFiresRungsInOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, assetA, 1.0)

	h.oracle.Set(assetA, 4.5)
	eventually(t, func() bool { return h.position(assetA).LadderProgress["4x"] }, "rungs")

	assert.Equal(t, []string{"2x", "4x"}, legs(h.exec.Sells()))
	assert.Equal(t, "50", h.position(assetA).RemainingPct.String())
	assert.True(t, h.position(assetA).Active)
}

func TestLadderCanExitCompletely(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		l, err := ParseLadder("2x:50,3x:50")
		require.NoError(t, err)
		c.Ladder = l
	})
	h.open(t, assetA, 1.0)

	h.oracle.Set(assetA, 3.2)
	eventually(t, func() bool { return !h.position(assetA).Active }, "ladder exit")

	pos := h.position(assetA)
	assert.Equal(t, domain.StateExitedLadder, pos.State)
	assert.True(t, pos.FullyExited())
	assert.Equal(t, []string{"2x", "3x"}, legs(h.exec.Sells()))
	assert.True(t, h.journal.Has(domain.EventClosed))
}

func TestFailedSellDoesNotConsumeRung(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.FailSells(1)
	h.open(t, assetA, 1.0)

	h.oracle.Set(assetA, 2.1)
	eventually(t, func() bool { return h.position(assetA).LadderProgress["2x"] }, "retried rung")

	assert.Equal(t, []string{"2x"}, legs(h.exec.Sells()))
	assert.Equal(t, "75", h.position(assetA).RemainingPct.String())

	types := h.journal.Types()
	assert.Contains(t, types, domain.EventSellFailed)
	assert.Contains(t, types, domain.EventPartialExit)
}

func TestFailedStopLossKeepsPositionActive(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.FailSells(1_000_000)
	h.open(t, assetA, 1.0)

	h.oracle.Set(assetA, 0.5)
	eventually(t, func() bool { return h.journal.Has(domain.EventSellFailed) }, "failure reported")

	pos := h.position(assetA)
	assert.True(t, pos.Active)
	assert.Equal(t, domain.StateWatching, pos.State)
	assert.Equal(t, "100", pos.RemainingPct.String())

	h.exec.FailSells(0)
	eventually(t, func() bool { return !h.position(assetA).Active }, "retried exit")
	assert.Equal(t, domain.StateExitedStopLoss, h.position(assetA).State)
}

func TestMissingPriceKeepsWatching(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.m.Open(h.ctx, OpenRequest{AssetID: assetA, EntryPrice: 1, Quantity: 1})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.True(t, h.position(assetA).Active)
	assert.Empty(t, h.exec.Sells())
}

func TestOpenIsExclusivePerAsset(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, assetA, 1.0)

	_, err := h.m.Open(h.ctx, OpenRequest{AssetID: assetA, EntryPrice: 1, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrPositionActive)

	_, err = h.m.Open(h.ctx, OpenRequest{AssetID: assetB, EntryPrice: 1, Quantity: 1})
	assert.NoError(t, err)
	assert.Len(t, h.m.Active(), 2)
}

func TestConcurrentOpenSameAsset(t *testing.T) {
	h := newHarness(t, nil)
	h.oracle.Set(assetA, 1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	opened := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.m.Open(h.ctx, OpenRequest{AssetID: assetA, EntryPrice: 1, Quantity: 1}); err == nil {
				mu.Lock()
				opened++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, opened)
}

func TestOpenRequiresRunningEngine(t *testing.T) {
	m, err := NewManager(testConfig(), Deps{Oracle: newFakeOracle(), Executor: &fakeExec{}}, quietLogger())
	require.NoError(t, err)
	_, err = m.Open(context.Background(), OpenRequest{AssetID: assetA, EntryPrice: 1, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrClosed)
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.StopLossPct = 5
	_, err := NewManager(cfg, Deps{Oracle: newFakeOracle(), Executor: &fakeExec{}}, quietLogger())
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Reentry.Enabled = true
	_, err = NewManager(cfg, Deps{Oracle: newFakeOracle(), Executor: &fakeExec{}}, quietLogger())
	assert.Error(t, err)
}

func TestReentryAfterTrailingExit(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Reentry.Enabled = true
		c.Reentry.Window = 5 * time.Second
	})
	first := h.open(t, assetA, 1.0)

	h.oracle.Set(assetA, 2.0)
	eventually(t, func() bool { return h.position(assetA).LadderProgress["2x"] }, "2x rung")
	h.oracle.Set(assetA, 1.6)
	eventually(t, func() bool { return !h.position(assetA).Active }, "trailing exit")
	eventually(t, func() bool { return len(h.m.PendingReentries()) == 1 }, "window armed")

	// 1.6 * 1.07 = 1.712 confirms.
	h.oracle.Set(assetA, 1.70)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, h.exec.Buys())

	h.oracle.Set(assetA, 1.75)
	eventually(t, func() bool {
		p := h.position(assetA)
		return p.Active && p.ReentryCount == 1
	}, "re-entered")

	next := h.position(assetA)
	assert.Equal(t, 1.75, next.EntryPrice)
	assert.Equal(t, 1.75, next.PeakPrice)
	assert.Equal(t, first.ID, next.ParentID)
	assert.Equal(t, "100", next.RemainingPct.String())
	require.Len(t, h.exec.Buys(), 1)
	assert.Equal(t, 10.0, h.exec.Buys()[0].Amount)
	assert.Len(t, h.m.History(assetA), 2)

	// Second generation stops out and may not re-enter again.
	h.oracle.Set(assetA, 1.2)
	eventually(t, func() bool { return !h.position(assetA).Active }, "second exit")
	assert.Equal(t, domain.StateExitedStopLoss, h.position(assetA).State)

	h.oracle.Set(assetA, 5)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.m.PendingReentries())
	assert.Len(t, h.exec.Buys(), 1)
}

func TestReentryWindowExpires(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Reentry.Enabled = true
		c.Reentry.Window = 20 * time.Millisecond
	})
	h.open(t, assetA, 1.0)

	// Stop-loss exit at 0.65; the price then holds between the exit price
	// and the 0.6955 trigger for the whole window.
	h.oracle.Set(assetA, 0.65)
	eventually(t, func() bool { return !h.position(assetA).Active }, "stop-loss exit")
	exitPrice := *h.position(assetA).LastExitPrice
	h.oracle.Set(assetA, exitPrice*1.05)
	eventually(t, func() bool { return h.journal.Has(domain.EventReentryExpired) }, "expired")

	eventually(t, func() bool { return len(h.m.PendingReentries()) == 0 }, "window released")
	assert.Empty(t, h.exec.Buys())
	assert.False(t, h.m.HasActive(assetA))
}

func TestReentryBuyFailureKeepsPolling(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Reentry.Enabled = true
		c.Reentry.Window = 5 * time.Second
	})
	h.exec.failBuys = 1
	h.open(t, assetA, 1.0)

	h.oracle.Set(assetA, 0.6)
	eventually(t, func() bool { return len(h.m.PendingReentries()) == 1 }, "window armed")
	h.oracle.Set(assetA, 0.7)

	eventually(t, func() bool { return h.m.HasActive(assetA) }, "re-entered after retry")
	assert.True(t, h.journal.Has(domain.EventBuyFailed))
	assert.Len(t, h.exec.Buys(), 1)
}

func TestCloseAll(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Reentry.Enabled = true
		c.Reentry.Window = 5 * time.Second
	})
	h.open(t, assetA, 1.0)
	h.open(t, assetB, 2.0)

	// C has already stopped out and has an armed re-entry window.
	h.open(t, assetC, 1.0)
	h.oracle.Set(assetC, 0.5)
	eventually(t, func() bool { return len(h.m.PendingReentries()) == 1 }, "window armed")

	results := h.m.CloseAll(context.Background())
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.NotNil(t, r.Settlement)
		assert.False(t, r.Position.Active)
		assert.Equal(t, domain.StateExitedManual, r.Position.State)
	}
	assert.Equal(t, assetA, results[0].AssetID)
	assert.Empty(t, h.m.Active())
	assert.Empty(t, h.m.PendingReentries())

	manual := 0
	for _, s := range h.exec.Sells() {
		if s.Reason == domain.ReasonManual {
			manual++
			assert.Equal(t, 100.0, s.Percent)
		}
	}
	assert.Equal(t, 2, manual)

	// Nothing re-enters, not even the asset whose window was cancelled.
	h.oracle.Set(assetC, 10)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.exec.Buys())

	assert.Empty(t, h.m.CloseAll(context.Background()))
	assert.Len(t, h.exec.Sells(), 3)

	_, err := h.m.Open(h.ctx, OpenRequest{AssetID: assetA, EntryPrice: 1, Quantity: 1})
	assert.NoError(t, err)
	assert.Len(t, h.m.History(assetA), 2)
}

func TestCloseAllWaitsForInFlightReentry(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Reentry.Enabled = true
		c.Reentry.Window = 5 * time.Second
	})
	h.exec.buyStarted = make(chan struct{}, 1)
	h.exec.buyGate = make(chan struct{})
	h.open(t, assetA, 1.0)

	h.oracle.Set(assetA, 0.5)
	eventually(t, func() bool { return len(h.m.PendingReentries()) == 1 }, "window armed")
	h.oracle.Set(assetA, 0.6)
	select {
	case <-h.exec.buyStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("re-entry buy never started")
	}

	done := make(chan []CloseResult, 1)
	go func() { done <- h.m.CloseAll(context.Background()) }()

	select {
	case <-done:
		t.Fatal("close-all returned while a re-entry buy was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(h.exec.buyGate)

	var results []CloseResult
	select {
	case results = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close-all did not return")
	}
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 1, results[0].Position.ReentryCount)
	assert.Equal(t, domain.StateExitedManual, results[0].Position.State)
	assert.False(t, h.m.HasActive(assetA))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, h.m.HasActive(assetA))
	assert.Empty(t, h.m.PendingReentries())
	assert.Len(t, h.exec.Buys(), 1)
}

func TestCloseWaitsForInFlightReentry(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Reentry.Enabled = true
		c.Reentry.Window = 5 * time.Second
	})
	h.exec.buyStarted = make(chan struct{}, 1)
	h.exec.buyGate = make(chan struct{})
	h.open(t, assetA, 1.0)

	h.oracle.Set(assetA, 0.5)
	eventually(t, func() bool { return len(h.m.PendingReentries()) == 1 }, "window armed")
	h.oracle.Set(assetA, 0.6)
	<-h.exec.buyStarted

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(h.exec.buyGate)
	}()
	res, err := h.m.Close(context.Background(), assetA)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Position.ReentryCount)
	assert.False(t, h.m.HasActive(assetA))
}

func TestCloseAllFailedSellStaysActive(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, assetA, 1.0)
	eventually(t, func() bool { return len(h.journal.Types()) > 0 }, "opened")

	h.exec.FailSells(1)
	results := h.m.CloseAll(context.Background())
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, domain.ErrExecutionFailed)
	assert.True(t, h.position(assetA).Active)

	results = h.m.CloseAll(context.Background())
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.False(t, h.position(assetA).Active)
}

func TestCloseSingleAsset(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, assetA, 1.0)
	h.open(t, assetB, 1.0)

	res, err := h.m.Close(context.Background(), assetA)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExitedManual, res.Position.State)
	assert.True(t, h.m.HasActive(assetB))

	_, err = h.m.Close(context.Background(), assetC)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAdoptResumesWatching(t *testing.T) {
	h := newHarness(t, nil)
	pos, err := domain.NewPosition(assetA, 1.0, 100, 0, "")
	require.NoError(t, err)
	pos.LadderProgress["2x"] = true
	pos.Reduce(decimal.NewFromInt(25))
	h.oracle.Set(assetA, 4.2)
	require.NoError(t, h.m.Adopt(h.ctx, pos))

	eventually(t, func() bool { return h.position(assetA).LadderProgress["4x"] }, "resumed ladder")
	assert.Equal(t, []string{"4x"}, legs(h.exec.Sells()))
	assert.False(t, h.journal.Has(domain.EventOpened))

	closed := pos.Clone()
	closed.Active = false
	assert.ErrorIs(t, h.m.Adopt(h.ctx, closed), domain.ErrClosed)
}
