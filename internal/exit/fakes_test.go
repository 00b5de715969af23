package exit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

type fakeOracle struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{prices: make(map[string]float64)}
}

func (o *fakeOracle) Set(assetID string, price float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[assetID] = price
}

func (o *fakeOracle) Price(_ context.Context, assetID string) (float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.prices[assetID]
	if !ok {
		return 0, domain.ErrPriceUnavailable
	}
	return p, nil
}

type fakeExec struct {
	mu        sync.Mutex
	sells     []domain.SellRequest
	buys      []domain.BuyRequest
	failSells int
	failBuys  int

	// When set, Buy signals buyStarted and blocks until buyGate is closed,
	// ignoring ctx like a venue call that is already in flight.
	buyStarted chan struct{}
	buyGate    chan struct{}
}

func (e *fakeExec) Buy(_ context.Context, req domain.BuyRequest) (domain.Settlement, error) {
	if e.buyGate != nil {
		e.buyStarted <- struct{}{}
		<-e.buyGate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failBuys > 0 {
		e.failBuys--
		return domain.Settlement{}, fmt.Errorf("venue down: %w", domain.ErrExecutionFailed)
	}
	e.buys = append(e.buys, req)
	return domain.Settlement{Ref: fmt.Sprintf("buy-%d", len(e.buys)), At: time.Now()}, nil
}

func (e *fakeExec) Sell(_ context.Context, req domain.SellRequest) (domain.Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failSells > 0 {
		e.failSells--
		return domain.Settlement{}, fmt.Errorf("venue down: %w", domain.ErrExecutionFailed)
	}
	e.sells = append(e.sells, req)
	return domain.Settlement{Ref: fmt.Sprintf("sell-%d", len(e.sells)), At: time.Now()}, nil
}

func (e *fakeExec) Sells() []domain.SellRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.SellRequest(nil), e.sells...)
}

func (e *fakeExec) Buys() []domain.BuyRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.BuyRequest(nil), e.buys...)
}

func (e *fakeExec) FailSells(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failSells = n
}

type fakeJournal struct {
	mu     sync.Mutex
	events []domain.PositionEvent
}

func (j *fakeJournal) Record(_ context.Context, evt domain.PositionEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, evt)
}

func (j *fakeJournal) Types() []domain.EventType {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]domain.EventType, 0, len(j.events))
	for _, e := range j.events {
		out = append(out, e.Type)
	}
	return out
}

func (j *fakeJournal) Has(t domain.EventType) bool {
	for _, got := range j.Types() {
		if got == t {
			return true
		}
	}
	return false
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (n *fakeNotifier) Notify(_ context.Context, _, title, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, title+": "+message)
	return n.err
}

type fixedSizer float64

func (s fixedSizer) TradeAmount(context.Context) float64 { return float64(s) }

type harness struct {
	m       *Manager
	oracle  *fakeOracle
	exec    *fakeExec
	journal *fakeJournal
	ctx     context.Context
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.NotifyTimeout = 100 * time.Millisecond
	cfg.Reentry.Enabled = false
	return cfg
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		oracle:  newFakeOracle(),
		exec:    &fakeExec{},
		journal: &fakeJournal{},
	}
	m, err := NewManager(cfg, Deps{
		Oracle:   h.oracle,
		Executor: h.exec,
		Sizer:    fixedSizer(10),
		Notifier: &fakeNotifier{err: errors.New("chat unreachable")},
		Journal:  h.journal,
	}, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		cancel()
		m.Wait()
	})
	h.m = m
	h.ctx = ctx
	return h
}

func (h *harness) open(t *testing.T, assetID string, entry float64) domain.Position {
	t.Helper()
	h.oracle.Set(assetID, entry)
	pos, err := h.m.Open(h.ctx, OpenRequest{AssetID: assetID, EntryPrice: entry, Quantity: 100})
	require.NoError(t, err)
	return pos
}

func (h *harness) position(assetID string) domain.Position {
	p, _ := h.m.Get(assetID)
	return p
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond, msg)
}
