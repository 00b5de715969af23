package exit

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

// Reentry runs the buy-back window that follows a stop or ladder exit.
type Reentry struct {
	cfg    ReentryConfig
	poll   time.Duration
	oracle PriceOracle
	exec   Executor
	sizer  Sizer
	book   *Book
	events *emitter
	logger *slog.Logger
}

// Eligible reports whether a closed position may arm a re-entry window.
// Manual exits never do.
func (r *Reentry) Eligible(pos domain.Position) bool {
	return r.cfg.Enabled &&
		!pos.Active &&
		pos.State.Terminal() &&
		pos.State != domain.StateExitedManual &&
		pos.ReentryCount < r.cfg.MaxPerAsset &&
		pos.LastExitPrice != nil
}

// Trigger is the price that confirms a re-entry.
func (r *Reentry) Trigger(pos domain.Position) float64 {
	return *pos.LastExitPrice * (1 + r.cfg.ConfirmPct/100)
}

// Watch polls until the price confirms, the window elapses or ctx is
// cancelled. It returns the new generation and true once a buy succeeded
// and the new position was installed in the book.
func (r *Reentry) Watch(ctx context.Context, prev domain.Position) (domain.Position, bool) {
	log := r.logger.With(slog.String("asset", prev.AssetID), slog.String("prev_position_id", prev.ID))
	trigger := r.Trigger(prev)
	log.Info("re-entry armed",
		slog.Float64("trigger", trigger),
		slog.Duration("window", r.cfg.Window),
	)
	r.events.emit(ctx, domain.PositionEvent{Type: domain.EventReentryArmed, Position: prev, Price: trigger})

	deadline := time.NewTimer(r.cfg.Window)
	defer deadline.Stop()
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("re-entry window cancelled")
			return domain.Position{}, false
		case <-deadline.C:
			log.Info("re-entry window expired")
			r.events.emit(ctx, domain.PositionEvent{Type: domain.EventReentryExpired, Position: prev})
			return domain.Position{}, false
		case <-ticker.C:
		}

		price, err := r.oracle.Price(ctx, prev.AssetID)
		if err != nil || price < trigger {
			continue
		}
		if r.book.HasActive(prev.AssetID) {
			log.Info("asset reopened elsewhere, abandoning re-entry window")
			return domain.Position{}, false
		}
		next, done := r.enter(ctx, prev, price, log)
		if done {
			return next, next.ID != ""
		}
	}
}

// enter buys and installs the next generation. done=false means the buy
// failed and the window should keep polling.
func (r *Reentry) enter(ctx context.Context, prev domain.Position, price float64, log *slog.Logger) (next domain.Position, done bool) {
	amount := r.sizer.TradeAmount(ctx)
	if !(amount > 0) {
		log.Warn("re-entry skipped: trade amount is zero")
		return domain.Position{}, false
	}

	st, err := r.exec.Buy(ctx, domain.BuyRequest{AssetID: prev.AssetID, Amount: amount, Reason: "reentry"})
	if err != nil {
		log.Error("re-entry buy failed", slog.Float64("price", price), slog.String("error", err.Error()))
		r.events.emit(ctx, domain.PositionEvent{
			Type:     domain.EventBuyFailed,
			Position: prev,
			Price:    price,
			Error:    err.Error(),
		})
		return domain.Position{}, false
	}

	next, err = domain.NewPosition(prev.AssetID, price, amount, prev.ReentryCount+1, prev.ID)
	if err != nil {
		log.Error("re-entry position rejected", slog.String("error", err.Error()))
		return domain.Position{}, true
	}
	if err := r.book.Replace(prev.ID, next); err != nil {
		log.Error("re-entry bought but slot is taken", slog.String("ref", st.Ref), slog.String("error", err.Error()))
		r.events.emit(ctx, domain.PositionEvent{
			Type:       domain.EventBuyFailed,
			Position:   prev,
			Price:      price,
			Settlement: &st,
			Error:      err.Error(),
		})
		return domain.Position{}, true
	}

	log.Info("re-entered",
		slog.String("position_id", next.ID),
		slog.Float64("price", price),
		slog.Int("reentry_count", next.ReentryCount),
		slog.String("ref", st.Ref),
	)
	r.events.emit(ctx, domain.PositionEvent{
		Type:       domain.EventReentryExecuted,
		Position:   next.Clone(),
		Price:      price,
		Settlement: &st,
	})
	return next, true
}
