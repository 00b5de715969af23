package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

func TestKeyNamespacing(t *testing.T) {
	c := wrap(nil, "")
	assert.Equal(t, "exitpilot:price:Mint111", c.Key("price", "Mint111"))

	c = wrap(nil, "staging:")
	assert.Equal(t, "staging:lock:open:Mint111", c.Key("lock", "open:Mint111"))
}

func TestParsePrice(t *testing.T) {
	ts := time.Unix(0, 1_700_000_000_000_000_000)
	p, got, ok, err := parsePrice(map[string]string{"price": "0.0025", "ts": "1700000000000000000"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0.0025, p)
	assert.True(t, ts.Equal(got))

	_, _, ok, err = parsePrice(map[string]string{"price": "1"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, _, err = parsePrice(map[string]string{"price": "x", "ts": "1"})
	assert.Error(t, err)
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	assert.Contains(t, slidingWindowLua, "ZREMRANGEBYSCORE")
}

// liveClient connects to the instance named by EXITPILOT_TEST_REDIS_ADDR.
func liveClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("EXITPILOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("EXITPILOT_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), ClientConfig{Addr: addr, Prefix: "exitpilot-test-" + time.Now().Format("150405.000000")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLiveLock(t *testing.T) {
	c := liveClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "open:Mint111", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "open:Mint111", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	again, err := lm.Acquire(ctx, "open:Mint111", time.Minute)
	require.NoError(t, err)
	again()
}

func TestLivePriceCache(t *testing.T) {
	c := liveClient(t)
	pc := NewPriceCache(c, time.Minute)
	ctx := context.Background()

	_, _, err := pc.GetPrice(ctx, "Mint111")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	now := time.Now()
	require.NoError(t, pc.SetPrice(ctx, "Mint111", 0.5, now))
	p, ts, err := pc.GetPrice(ctx, "Mint111")
	require.NoError(t, err)
	assert.Equal(t, 0.5, p)
	assert.Equal(t, now.UnixNano(), ts.UnixNano())

	ttl, err := c.Underlying().TTL(ctx, c.Key("price", "Mint111")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	prices, err := pc.GetPrices(ctx, []string{"Mint111", "Missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"Mint111": 0.5}, prices)
}

func TestLiveSignalBus(t *testing.T) {
	c := liveClient(t)
	bus := NewSignalBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx, "positions")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "positions", []byte("hello")))
	select {
	case msg := <-sub:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}

	require.NoError(t, bus.StreamAppend(ctx, "positions:events", []byte("one")))
	msgs, err := bus.StreamRead(ctx, "positions:events", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "one", string(msgs[0].Payload))

	msgs, err = bus.StreamRead(ctx, "positions:events", msgs[0].ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, bus.StreamAppend(ctx, "positions:events", []byte("two")))
	require.NoError(t, bus.StreamAppend(ctx, "positions:events", []byte("three")))
	msgs, err = bus.StreamLatest(ctx, "positions:events", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", string(msgs[0].Payload))
	assert.Equal(t, "three", string(msgs[1].Payload))

	_ = c.Underlying().Del(ctx, c.Key("positions:events")).Err()
}

func TestLiveRateLimiter(t *testing.T) {
	c := liveClient(t)
	rl := NewRateLimiter(c, 1, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "client", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "client", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}
