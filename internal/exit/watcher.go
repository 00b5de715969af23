package exit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

// CloseResult reports the outcome of a manual close for one asset.
type CloseResult struct {
	AssetID       string             `json:"asset_id"`
	PositionID    string             `json:"position_id"`
	Position      domain.Position    `json:"position"`
	Settlement    *domain.Settlement `json:"settlement,omitempty"`
	AlreadyClosed bool               `json:"already_closed,omitempty"`
	Err           error              `json:"-"`
}

type closeRequest struct {
	ctx   context.Context
	reply chan CloseResult
}

// Watcher owns one active position. It is the only writer of that position
// while it runs; manual closes are handed to it over a channel and handled
// between price ticks.
type Watcher struct {
	pos    domain.Position
	cfg    Config
	trail  float64
	oracle PriceOracle
	exec   Executor
	book   *Book
	events *emitter
	logger *slog.Logger

	closeCh chan closeRequest
	done    chan struct{}
	final   domain.Position
}

func newWatcher(pos domain.Position, cfg Config, oracle PriceOracle, exec Executor, book *Book, events *emitter, logger *slog.Logger) *Watcher {
	return &Watcher{
		pos:    pos.Clone(),
		cfg:    cfg,
		trail:  cfg.TrailingPct(),
		oracle: oracle,
		exec:   exec,
		book:   book,
		events: events,
		logger: logger.With(
			slog.String("asset", pos.AssetID),
			slog.String("position_id", pos.ID),
		),
		closeCh: make(chan closeRequest),
		done:    make(chan struct{}),
	}
}

// Run polls until the position reaches a terminal state or ctx is
// cancelled, and returns the last state of the position. A cancelled
// watcher leaves its position active.
func (w *Watcher) Run(ctx context.Context) domain.Position {
	defer close(w.done)
	w.logger.Debug("watcher started",
		slog.Float64("entry", w.pos.EntryPrice),
		slog.Float64("trail_pct", w.trail),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.final = w.pos.Clone()
			w.logger.Debug("watcher cancelled")
			return w.final
		case req := <-w.closeCh:
			req.reply <- w.closeManual(req.ctx)
		case <-timer.C:
			w.tick(ctx)
			if w.pos.Active {
				timer.Reset(w.cfg.PollInterval)
			}
		}
		if !w.pos.Active {
			w.final = w.pos.Clone()
			w.logger.Info("watcher finished", slog.String("state", string(w.pos.State)))
			return w.final
		}
	}
}

// requestClose asks the watcher to sell everything and waits for the answer.
func (w *Watcher) requestClose(ctx context.Context) CloseResult {
	req := closeRequest{ctx: ctx, reply: make(chan CloseResult, 1)}
	select {
	case w.closeCh <- req:
	case <-w.done:
		return w.stoppedResult()
	case <-ctx.Done():
		return CloseResult{AssetID: w.pos.AssetID, PositionID: w.pos.ID, Err: ctx.Err()}
	}
	select {
	case res := <-req.reply:
		return res
	case <-ctx.Done():
		return CloseResult{AssetID: w.pos.AssetID, PositionID: w.pos.ID, Err: ctx.Err()}
	}
}

// stoppedResult must only be called after done is closed.
func (w *Watcher) stoppedResult() CloseResult {
	res := CloseResult{
		AssetID:       w.final.AssetID,
		PositionID:    w.final.ID,
		Position:      w.final,
		AlreadyClosed: !w.final.Active,
	}
	if w.final.Active {
		res.Err = fmt.Errorf("exit: watcher for %s stopped: %w", w.final.AssetID, domain.ErrClosed)
	}
	return res
}

func (w *Watcher) tick(ctx context.Context) {
	price, err := w.oracle.Price(ctx, w.pos.AssetID)
	if err != nil || !(price > 0) {
		if err == nil {
			err = domain.ErrPriceUnavailable
		}
		w.logger.Debug("no price this tick", slog.String("error", err.Error()))
		return
	}

	w.pos.Observe(price)

	switch {
	case w.pos.ChangeFromEntry(price) <= w.cfg.StopLossPct:
		w.exitAll(ctx, price, domain.ReasonStopLoss)
	case w.pos.PeakPrice > w.pos.EntryPrice && w.pos.DropFromPeak(price) <= -w.trail:
		w.exitAll(ctx, price, domain.ReasonTrailing)
	default:
		w.runLadder(ctx, price)
	}

	if w.pos.Active {
		w.commit()
	}
}

// exitAll sells whatever remains. On failure the position stays active and
// the trigger is evaluated again on the next tick.
func (w *Watcher) exitAll(ctx context.Context, price float64, reason domain.ExitReason) (domain.Settlement, error) {
	remaining := w.pos.Remaining()
	req := domain.SellRequest{
		PositionID:   w.pos.ID,
		AssetID:      w.pos.AssetID,
		LegKey:       string(reason),
		Percent:      remaining,
		RemainingPct: remaining,
		Amount:       w.pos.RemainingQuantity(),
		Reason:       reason,
	}
	st, err := w.exec.Sell(ctx, req)
	if err != nil {
		w.sellFailed(ctx, price, req, err)
		return domain.Settlement{}, err
	}

	w.pos.RecordExit(price)
	w.pos.Reduce(w.pos.RemainingPct)
	w.pos.Close(reason.StateFor(), time.Now())
	w.commit()

	w.logger.Info("position exited",
		slog.String("reason", string(reason)),
		slog.Float64("price", price),
		slog.Float64("change_pct", w.pos.ChangeFromEntry(price)),
		slog.String("ref", st.Ref),
	)
	w.events.emit(ctx, domain.PositionEvent{
		Type:       domain.EventClosed,
		Position:   w.pos.Clone(),
		Reason:     reason,
		LegKey:     req.LegKey,
		Price:      price,
		SoldPct:    remaining,
		Settlement: &st,
	})
	return st, nil
}

// runLadder fires every crossed rung in ascending order. A failed sell stops
// the pass and leaves that rung unfired.
func (w *Watcher) runLadder(ctx context.Context, price float64) {
	for _, in := range w.cfg.Ladder.Evaluate(w.pos, price) {
		sellPct := decimal.Min(in.SellPct, w.pos.RemainingPct)
		if !sellPct.IsPositive() {
			w.pos.LadderProgress[in.Key] = true
			continue
		}
		pct := sellPct.InexactFloat64()
		req := domain.SellRequest{
			PositionID:   w.pos.ID,
			AssetID:      w.pos.AssetID,
			LegKey:       in.Key,
			Percent:      pct,
			RemainingPct: w.pos.Remaining(),
			Amount:       w.pos.Quantity * pct / 100,
			Reason:       domain.ReasonLadder,
		}
		st, err := w.exec.Sell(ctx, req)
		if err != nil {
			w.sellFailed(ctx, price, req, err)
			return
		}

		w.pos.Reduce(sellPct)
		w.pos.LadderProgress[in.Key] = true
		w.pos.RecordExit(price)

		evt := domain.PositionEvent{
			Type:       domain.EventPartialExit,
			Reason:     domain.ReasonLadder,
			LegKey:     in.Key,
			Price:      price,
			SoldPct:    pct,
			Settlement: &st,
		}
		if w.pos.FullyExited() {
			w.pos.Close(domain.StateExitedLadder, time.Now())
			evt.Type = domain.EventClosed
		}
		w.commit()
		evt.Position = w.pos.Clone()

		w.logger.Info("ladder rung filled",
			slog.String("rung", in.Key),
			slog.Float64("price", price),
			slog.String("remaining_pct", w.pos.RemainingPct.String()),
			slog.String("ref", st.Ref),
		)
		w.events.emit(ctx, evt)

		if !w.pos.Active {
			return
		}
	}
}

func (w *Watcher) closeManual(ctx context.Context) CloseResult {
	res := CloseResult{AssetID: w.pos.AssetID, PositionID: w.pos.ID}
	price := w.pos.PeakPrice
	if p, err := w.oracle.Price(ctx, w.pos.AssetID); err == nil && p > 0 {
		price = p
		w.pos.Observe(p)
	}
	st, err := w.exitAll(ctx, price, domain.ReasonManual)
	res.Position = w.pos.Clone()
	if err != nil {
		res.Err = err
		return res
	}
	res.Settlement = &st
	return res
}

func (w *Watcher) sellFailed(ctx context.Context, price float64, req domain.SellRequest, err error) {
	w.logger.Error("sell failed",
		slog.String("leg", req.LegKey),
		slog.Float64("price", price),
		slog.Float64("pct", req.Percent),
		slog.String("error", err.Error()),
	)
	w.events.emit(ctx, domain.PositionEvent{
		Type:     domain.EventSellFailed,
		Position: w.pos.Clone(),
		Reason:   req.Reason,
		LegKey:   req.LegKey,
		Price:    price,
		SoldPct:  req.Percent,
		Error:    err.Error(),
	})
}

func (w *Watcher) commit() {
	if err := w.book.Commit(w.pos); err != nil {
		w.logger.Error("commit position failed", slog.String("error", err.Error()))
	}
}
