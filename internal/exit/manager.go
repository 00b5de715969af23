package exit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

// Deps are the Manager's collaborators. Notifier and Journal are optional.
type Deps struct {
	Oracle   PriceOracle
	Executor Executor
	Sizer    Sizer
	Notifier Notifier
	Journal  Journal
}

// OpenRequest describes a freshly bought position.
type OpenRequest struct {
	AssetID    string
	EntryPrice float64
	Quantity   float64
}

// window is an armed re-entry. done is closed once the window has returned
// and any position it bought has a registered watcher.
type window struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the Book, the watcher goroutines and the re-entry windows.
type Manager struct {
	cfg     Config
	book    *Book
	oracle  PriceOracle
	exec    Executor
	events  *emitter
	reentry *Reentry
	logger  *slog.Logger

	mu       sync.Mutex
	runCtx   context.Context
	watchers map[string]*Watcher
	windows  map[string]*window
	epoch    uint64 // bumped by CloseAll; exits from older epochs never re-enter
	wg       sync.WaitGroup
}

// NewManager validates cfg and builds a Manager. Start must be called before
// positions can be opened.
func NewManager(cfg Config, deps Deps, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("exit: invalid config: %w", err)
	}
	if deps.Oracle == nil || deps.Executor == nil {
		return nil, errors.New("exit: price oracle and executor are required")
	}
	if cfg.Reentry.Enabled && deps.Sizer == nil {
		return nil, errors.New("exit: re-entry needs a trade sizer")
	}

	logger = logger.With(slog.String("component", "exit"))
	book := NewBook()
	events := &emitter{
		notifier: deps.Notifier,
		journal:  deps.Journal,
		timeout:  cfg.NotifyTimeout,
		logger:   logger,
	}
	return &Manager{
		cfg:    cfg,
		book:   book,
		oracle: deps.Oracle,
		exec:   deps.Executor,
		events: events,
		reentry: &Reentry{
			cfg:    cfg.Reentry,
			poll:   cfg.PollInterval,
			oracle: deps.Oracle,
			exec:   deps.Executor,
			sizer:  deps.Sizer,
			book:   book,
			events: events,
			logger: logger.With(slog.String("stage", "reentry")),
		},
		logger:   logger,
		watchers: make(map[string]*Watcher),
		windows:  make(map[string]*window),
	}, nil
}

// Start binds the lifetime of every watcher and re-entry window to ctx.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runCtx = ctx
	m.logger.Info("exit engine started",
		slog.String("ladder", m.cfg.Ladder.String()),
		slog.Float64("stop_loss_pct", m.cfg.StopLossPct),
		slog.Float64("trail_pct", m.cfg.TrailingPct()),
		slog.Bool("reentry", m.cfg.Reentry.Enabled),
	)
}

// Wait blocks until all watchers and re-entry windows have returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Open records a new position and starts its watcher.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (domain.Position, error) {
	pos, err := domain.NewPosition(req.AssetID, req.EntryPrice, req.Quantity, 0, "")
	if err != nil {
		return domain.Position{}, fmt.Errorf("exit: open: %w", err)
	}
	if err := m.install(pos, true); err != nil {
		return domain.Position{}, fmt.Errorf("exit: open: %w", err)
	}
	m.logger.InfoContext(ctx, "position opened",
		slog.String("asset", pos.AssetID),
		slog.String("position_id", pos.ID),
		slog.Float64("entry", pos.EntryPrice),
		slog.Float64("quantity", pos.Quantity),
	)
	return pos.Clone(), nil
}

// Adopt resumes watching a position that was active before a restart.
func (m *Manager) Adopt(ctx context.Context, pos domain.Position) error {
	if !pos.Active {
		return fmt.Errorf("exit: adopt %s: %w", pos.ID, domain.ErrClosed)
	}
	if err := m.install(pos.Clone(), false); err != nil {
		return fmt.Errorf("exit: adopt: %w", err)
	}
	m.logger.InfoContext(ctx, "position resumed",
		slog.String("asset", pos.AssetID),
		slog.String("position_id", pos.ID),
		slog.String("remaining_pct", pos.RemainingPct.String()),
	)
	return nil
}

func (m *Manager) install(pos domain.Position, announce bool) error {
	m.mu.Lock()
	runCtx, epoch := m.runCtx, m.epoch
	m.mu.Unlock()
	if runCtx == nil || runCtx.Err() != nil {
		return fmt.Errorf("engine not running: %w", domain.ErrClosed)
	}
	if err := m.book.Create(pos); err != nil {
		return err
	}
	var evt *domain.PositionEvent
	if announce {
		evt = &domain.PositionEvent{Type: domain.EventOpened, Position: pos.Clone(), Price: pos.EntryPrice}
	}
	m.spawn(runCtx, pos, epoch, evt)
	return nil
}

func (m *Manager) spawn(ctx context.Context, pos domain.Position, epoch uint64, announce *domain.PositionEvent) {
	w := newWatcher(pos, m.cfg, m.oracle, m.exec, m.book, m.events, m.logger)
	m.mu.Lock()
	m.watchers[pos.AssetID] = w
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if announce != nil {
			m.events.emit(ctx, *announce)
		}
		final := w.Run(ctx)

		m.mu.Lock()
		if m.watchers[pos.AssetID] == w {
			delete(m.watchers, pos.AssetID)
		}
		m.mu.Unlock()

		m.afterExit(ctx, final, epoch)
	}()
}

// afterExit runs the re-entry window, if any, in the finished watcher's
// goroutine and hands a confirmed re-entry to a fresh watcher.
func (m *Manager) afterExit(ctx context.Context, final domain.Position, epoch uint64) {
	if final.Active || !m.reentry.Eligible(final) {
		return
	}

	m.mu.Lock()
	if m.epoch != epoch || ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	win := &window{cancel: cancel, done: make(chan struct{})}
	m.windows[final.AssetID] = win
	m.mu.Unlock()
	defer close(win.done)
	defer cancel()

	next, ok := m.reentry.Watch(wctx, final)

	m.mu.Lock()
	if m.windows[final.AssetID] == win {
		delete(m.windows, final.AssetID)
	}
	cur := m.epoch
	m.mu.Unlock()

	if !ok {
		return
	}
	// A buy that settled after the window was cancelled still gets a
	// watcher; Close and CloseAll wait on done and then close it.
	m.spawn(ctx, next, cur, nil)
}

// drain cancels the given windows and waits until each has returned.
func drain(ctx context.Context, wins []*window) {
	for _, win := range wins {
		win.cancel()
	}
	for _, win := range wins {
		select {
		case <-win.done:
		case <-ctx.Done():
			return
		}
	}
}

// Close manually exits a single asset.
func (m *Manager) Close(ctx context.Context, assetID string) (CloseResult, error) {
	m.mu.Lock()
	win, armed := m.windows[assetID]
	if armed {
		delete(m.windows, assetID)
	}
	m.mu.Unlock()
	if armed {
		drain(ctx, []*window{win})
	}

	m.mu.Lock()
	w, ok := m.watchers[assetID]
	m.mu.Unlock()
	if !ok {
		return CloseResult{}, fmt.Errorf("exit: close %s: %w", assetID, domain.ErrNotFound)
	}
	res := w.requestClose(ctx)
	return res, res.Err
}

// CloseAll cancels every armed re-entry window, waits for buys already in
// flight, and asks each watcher to sell what remains. At most one sell is
// issued per asset; positions whose sell fails stay active and are reported
// with Err set.
func (m *Manager) CloseAll(ctx context.Context) []CloseResult {
	m.mu.Lock()
	m.epoch++
	wins := make([]*window, 0, len(m.windows))
	for asset, win := range m.windows {
		wins = append(wins, win)
		delete(m.windows, asset)
	}
	m.mu.Unlock()
	drain(ctx, wins)

	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	results := make([]CloseResult, len(watchers))
	var g errgroup.Group
	for i, w := range watchers {
		g.Go(func() error {
			results[i] = w.requestClose(ctx)
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(results, func(a, b CloseResult) int { return strings.Compare(a.AssetID, b.AssetID) })

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	m.logger.InfoContext(ctx, "close all finished",
		slog.Int("positions", len(results)),
		slog.Int("failed", failed),
	)
	return results
}

// Get returns a copy of the asset's current position.
func (m *Manager) Get(assetID string) (domain.Position, bool) {
	return m.book.Get(assetID)
}

// HasActive reports whether the asset has an active position.
func (m *Manager) HasActive(assetID string) bool {
	return m.book.HasActive(assetID)
}

// Active returns copies of all active positions.
func (m *Manager) Active() []domain.Position {
	return m.book.Active()
}

// Positions returns the latest generation of every asset.
func (m *Manager) Positions() []domain.Position {
	return m.book.Current()
}

// History returns all generations for one asset, oldest first.
func (m *Manager) History(assetID string) []domain.Position {
	return m.book.History(assetID)
}

// PendingReentries lists assets with an armed re-entry window.
func (m *Manager) PendingReentries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.windows))
	for asset := range m.windows {
		out = append(out, asset)
	}
	slices.Sort(out)
	return out
}
