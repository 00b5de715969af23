package exit

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

func mustPosition(t *testing.T, asset string) domain.Position {
	t.Helper()
	pos, err := domain.NewPosition(asset, 1, 10, 0, "")
	require.NoError(t, err)
	return pos
}

func TestBookCreateIsExclusive(t *testing.T) {
	b := NewBook()
	require.NoError(t, b.Create(mustPosition(t, "A")))
	assert.ErrorIs(t, b.Create(mustPosition(t, "A")), domain.ErrPositionActive)
	assert.NoError(t, b.Create(mustPosition(t, "B")))
	assert.Len(t, b.Active(), 2)
}

func TestBookConcurrentCreate(t *testing.T) {
	b := NewBook()
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pos, err := domain.NewPosition("A", 1, 1, 0, "")
			if err != nil {
				return
			}
			if b.Create(pos) == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
}

func TestBookReturnsCopies(t *testing.T) {
	b := NewBook()
	pos := mustPosition(t, "A")
	require.NoError(t, b.Create(pos))

	got, ok := b.Get("A")
	require.True(t, ok)
	got.LadderProgress["2x"] = true
	got.PeakPrice = 99

	again, _ := b.Get("A")
	assert.Empty(t, again.LadderProgress)
	assert.Equal(t, 1.0, again.PeakPrice)
}

func TestBookCommit(t *testing.T) {
	b := NewBook()
	pos := mustPosition(t, "A")
	require.NoError(t, b.Create(pos))

	pos.Reduce(decimal.NewFromInt(25))
	require.NoError(t, b.Commit(pos))

	grown := pos.Clone()
	grown.RemainingPct = decimal.NewFromInt(90)
	assert.ErrorIs(t, b.Commit(grown), domain.ErrInvalidPosition)

	pos.Close(domain.StateExitedManual, time.Now())
	require.NoError(t, b.Commit(pos))

	revived := pos.Clone()
	revived.Active = true
	assert.ErrorIs(t, b.Commit(revived), domain.ErrClosed)

	stranger := mustPosition(t, "A")
	assert.ErrorIs(t, b.Commit(stranger), domain.ErrNotFound)
}

func TestBookReplaceAndHistory(t *testing.T) {
	b := NewBook()
	first := mustPosition(t, "A")
	require.NoError(t, b.Create(first))

	next, err := domain.NewPosition("A", 2, 10, 1, first.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, b.Replace(first.ID, next), domain.ErrPositionActive)

	first.Close(domain.StateExitedTrailing, time.Now())
	require.NoError(t, b.Commit(first))
	assert.ErrorIs(t, b.Replace("other", next), domain.ErrNotFound)
	require.NoError(t, b.Replace(first.ID, next))

	hist := b.History("A")
	require.Len(t, hist, 2)
	assert.Equal(t, first.ID, hist[0].ID)
	assert.False(t, hist[0].Active)
	assert.Equal(t, next.ID, hist[1].ID)
	assert.Equal(t, first.ID, hist[1].ParentID)
	assert.True(t, b.HasActive("A"))
}
