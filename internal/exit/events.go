package exit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

// emitter fans lifecycle events out to the journal and notifier, each under
// its own timeout so a slow sink cannot stall a watcher.
type emitter struct {
	notifier Notifier
	journal  Journal
	timeout  time.Duration
	logger   *slog.Logger
}

func (e *emitter) emit(ctx context.Context, evt domain.PositionEvent) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	ctx = context.WithoutCancel(ctx)

	if e.journal != nil {
		jctx, cancel := context.WithTimeout(ctx, e.timeout)
		e.journal.Record(jctx, evt)
		cancel()
	}

	if e.notifier == nil {
		return
	}
	title, msg := describe(evt)
	nctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.notifier.Notify(nctx, string(evt.Type), title, msg); err != nil {
		e.logger.Warn("notify failed",
			slog.String("event", string(evt.Type)),
			slog.String("asset", evt.Position.AssetID),
			slog.String("error", err.Error()),
		)
	}
}

func describe(evt domain.PositionEvent) (title, msg string) {
	p := evt.Position
	ref := ""
	if evt.Settlement != nil {
		ref = " | ref " + evt.Settlement.Ref
	}
	switch evt.Type {
	case domain.EventOpened:
		gen := ""
		if p.ReentryCount > 0 {
			gen = fmt.Sprintf(" (re-entry %d)", p.ReentryCount)
		}
		return "Position opened", fmt.Sprintf("%s entry %.10g qty %.6g%s", short(p.AssetID), p.EntryPrice, p.Quantity, gen)
	case domain.EventPartialExit:
		return "Take profit", fmt.Sprintf("%s %s hit at %.10g, sold %.4g%%, remaining %s%%%s",
			short(p.AssetID), evt.LegKey, evt.Price, evt.SoldPct, p.RemainingPct.StringFixed(1), ref)
	case domain.EventClosed:
		return "Position closed", fmt.Sprintf("%s %s at %.10g (%+.1f%% from entry)%s",
			short(p.AssetID), strings.ReplaceAll(string(evt.Reason), "_", " "), evt.Price, p.ChangeFromEntry(evt.Price), ref)
	case domain.EventSellFailed:
		return "Sell failed", fmt.Sprintf("%s %s: %s", short(p.AssetID), evt.LegKey, evt.Error)
	case domain.EventReentryArmed:
		return "Re-entry armed", fmt.Sprintf("%s buy back at or above %.10g", short(p.AssetID), evt.Price)
	case domain.EventReentryExecuted:
		return "Re-entry", fmt.Sprintf("%s re-entered at %.10g%s", short(p.AssetID), evt.Price, ref)
	case domain.EventReentryExpired:
		return "Re-entry expired", fmt.Sprintf("%s window closed without confirmation", short(p.AssetID))
	case domain.EventBuyFailed:
		return "Buy failed", fmt.Sprintf("%s: %s", short(p.AssetID), evt.Error)
	}
	return string(evt.Type), short(p.AssetID)
}

func short(assetID string) string {
	if len(assetID) <= 12 {
		return assetID
	}
	return assetID[:6] + ".." + assetID[len(assetID)-4:]
}
