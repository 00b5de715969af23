package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/exitpilot/internal/domain"
	"github.com/alanyoungcy/exitpilot/internal/exit"
)

const (
	mintA = "So11111111111111111111111111111111111111112"
	mintB = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEngine struct {
	mu       sync.Mutex
	active   map[string]domain.Position
	history  map[string][]domain.Position
	opened   []exit.OpenRequest
	adopted  []string
	openErr  error
	closeAll []exit.CloseResult
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{active: map[string]domain.Position{}, history: map[string][]domain.Position{}}
}

func (f *fakeEngine) Open(_ context.Context, req exit.OpenRequest) (domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return domain.Position{}, f.openErr
	}
	pos, err := domain.NewPosition(req.AssetID, req.EntryPrice, req.Quantity, 0, "")
	if err != nil {
		return domain.Position{}, err
	}
	f.opened = append(f.opened, req)
	f.active[req.AssetID] = pos
	f.history[req.AssetID] = append(f.history[req.AssetID], pos)
	return pos, nil
}

func (f *fakeEngine) Adopt(_ context.Context, pos domain.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.active[pos.AssetID]; ok {
		return domain.ErrPositionActive
	}
	f.active[pos.AssetID] = pos
	f.adopted = append(f.adopted, pos.ID)
	return nil
}

func (f *fakeEngine) Close(_ context.Context, assetID string) (exit.CloseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.active[assetID]; !ok {
		return exit.CloseResult{}, domain.ErrNotFound
	}
	delete(f.active, assetID)
	return exit.CloseResult{AssetID: assetID}, nil
}

func (f *fakeEngine) CloseAll(context.Context) []exit.CloseResult { return f.closeAll }

func (f *fakeEngine) HasActive(assetID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.active[assetID]
	return ok
}

func (f *fakeEngine) Active() []domain.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Position, 0, len(f.active))
	for _, p := range f.active {
		out = append(out, p)
	}
	return out
}

func (f *fakeEngine) Positions() []domain.Position { return f.Active() }

func (f *fakeEngine) History(assetID string) []domain.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Position(nil), f.history[assetID]...)
}

func (f *fakeEngine) PendingReentries() []string { return []string{"b", "a"} }

type fakeOracle struct {
	price float64
	err   error
	calls int
}

func (f *fakeOracle) Price(context.Context, string) (float64, error) {
	f.calls++
	return f.price, f.err
}

type fakeExec struct {
	buys []domain.BuyRequest
	err  error
}

func (f *fakeExec) Buy(_ context.Context, req domain.BuyRequest) (domain.Settlement, error) {
	if f.err != nil {
		return domain.Settlement{}, f.err
	}
	f.buys = append(f.buys, req)
	return domain.Settlement{Ref: "sig-1"}, nil
}

func (f *fakeExec) Sell(context.Context, domain.SellRequest) (domain.Settlement, error) {
	return domain.Settlement{}, errors.New("not used")
}

type fixedSizer float64

func (s fixedSizer) TradeAmount(context.Context) float64 { return float64(s) }

type fakeLocks struct {
	held     map[string]bool
	released []string
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	return func() { f.released = append(f.released, key) }, nil
}

type auditRow struct {
	event  string
	detail map[string]any
}

type fakeAudit struct {
	mu   sync.Mutex
	rows []auditRow
}

func (f *fakeAudit) Log(_ context.Context, event string, detail map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, auditRow{event, detail})
	return nil
}

func (f *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (f *fakeAudit) Latest(context.Context, string) (domain.AuditEntry, error) {
	return domain.AuditEntry{}, domain.ErrNotFound
}

func (f *fakeAudit) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (f *fakeAudit) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.rows))
	for i, r := range f.rows {
		out[i] = r.event
	}
	return out
}

type fakeStore struct {
	saved   []domain.Position
	active  []domain.Position
	history []domain.Position
	err     error
}

func (f *fakeStore) Save(_ context.Context, pos domain.Position) error {
	f.saved = append(f.saved, pos)
	return f.err
}

func (f *fakeStore) GetByID(context.Context, string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}

func (f *fakeStore) ListActive(context.Context) ([]domain.Position, error) { return f.active, f.err }

func (f *fakeStore) ListHistory(context.Context, string, domain.ListOpts) ([]domain.Position, error) {
	return f.history, f.err
}

func (f *fakeStore) ListClosedBefore(context.Context, time.Time) ([]domain.Position, error) {
	return nil, nil
}

func (f *fakeStore) DeleteClosedBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type fakeCache struct {
	prices map[string]float64
	times  map[string]time.Time
}

func newFakeCache() *fakeCache {
	return &fakeCache{prices: map[string]float64{}, times: map[string]time.Time{}}
}

func (f *fakeCache) SetPrice(_ context.Context, id string, p float64, ts time.Time) error {
	f.prices[id], f.times[id] = p, ts
	return nil
}

func (f *fakeCache) GetPrice(_ context.Context, id string) (float64, time.Time, error) {
	p, ok := f.prices[id]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, f.times[id], nil
}

func (f *fakeCache) GetPrices(_ context.Context, ids []string) (map[string]float64, error) {
	out := make(map[string]float64, len(ids))
	for _, id := range ids {
		if p, ok := f.prices[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type fakeBus struct {
	published map[string]int
	streamed  map[string]int
}

func (f *fakeBus) Publish(_ context.Context, ch string, _ []byte) error {
	f.published[ch]++
	return nil
}

func (f *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (f *fakeBus) StreamAppend(_ context.Context, s string, _ []byte) error {
	f.streamed[s]++
	return nil
}

func (f *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (f *fakeBus) StreamLatest(context.Context, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}
