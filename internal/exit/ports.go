// Package exit runs the per-position exit engine: a take-profit ladder, a
// hard stop-loss, a trailing stop from peak and a single re-entry window,
// with one watcher goroutine per active position.
package exit

import (
	"context"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

// PriceOracle returns the current reference price for an asset. Any error is
// treated as "no data this tick".
type PriceOracle interface {
	Price(ctx context.Context, assetID string) (float64, error)
}

// Executor submits trades to the settlement venue.
type Executor interface {
	Buy(ctx context.Context, req domain.BuyRequest) (domain.Settlement, error)
	Sell(ctx context.Context, req domain.SellRequest) (domain.Settlement, error)
}

// Notifier delivers human-readable status messages. event is the lifecycle
// event type so implementations can filter.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Sizer decides how much reference currency a fresh entry spends.
type Sizer interface {
	TradeAmount(ctx context.Context) float64
}

// Journal records lifecycle events outside the engine (database, event bus,
// metrics). Implementations must not block for long.
type Journal interface {
	Record(ctx context.Context, evt domain.PositionEvent)
}
