package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/exitpilot/internal/domain"
	"github.com/alanyoungcy/exitpilot/internal/metrics"
)

const (
	// PositionsChannel carries live position events over pub/sub.
	PositionsChannel = "positions"
	// PositionsStream is the durable copy of PositionsChannel.
	PositionsStream = "positions:events"
)

// Journal persists position events and fans them out. It implements
// exit.Journal; every dependency is optional and failures are only logged.
type Journal struct {
	positions domain.PositionStore
	audit     domain.AuditStore
	bus       domain.SignalBus
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewJournal creates a Journal.
func NewJournal(
	positions domain.PositionStore,
	audit domain.AuditStore,
	bus domain.SignalBus,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Journal {
	return &Journal{
		positions: positions,
		audit:     audit,
		bus:       bus,
		metrics:   m,
		logger:    logger.With(slog.String("component", "journal")),
	}
}

// Record handles one lifecycle event.
func (j *Journal) Record(ctx context.Context, evt domain.PositionEvent) {
	log := j.logger.With(
		slog.String("event", string(evt.Type)),
		slog.String("position_id", evt.Position.ID),
	)

	if j.positions != nil && evt.Position.ID != "" {
		if err := j.positions.Save(ctx, evt.Position); err != nil {
			log.WarnContext(ctx, "journal: save position failed", slog.String("error", err.Error()))
		}
	}

	if j.audit != nil {
		if err := j.audit.Log(ctx, string(evt.Type), auditDetail(evt)); err != nil {
			log.WarnContext(ctx, "journal: audit log failed", slog.String("error", err.Error()))
		}
	}

	if j.bus != nil {
		payload, err := json.Marshal(evt)
		if err != nil {
			log.WarnContext(ctx, "journal: encode event failed", slog.String("error", err.Error()))
		} else {
			if err := j.bus.Publish(ctx, PositionsChannel, payload); err != nil {
				log.WarnContext(ctx, "journal: publish failed", slog.String("error", err.Error()))
			}
			if err := j.bus.StreamAppend(ctx, PositionsStream, payload); err != nil {
				log.WarnContext(ctx, "journal: stream append failed", slog.String("error", err.Error()))
			}
		}
	}

	j.count(evt)
}

func (j *Journal) count(evt domain.PositionEvent) {
	switch evt.Type {
	case domain.EventOpened:
		j.metrics.PositionOpened("signal")
	case domain.EventReentryExecuted:
		j.metrics.PositionOpened("reentry")
		j.metrics.Reentry("executed")
	case domain.EventPartialExit:
		j.metrics.PartialExit(string(evt.Reason))
	case domain.EventClosed:
		j.metrics.PositionClosed(string(evt.Reason))
	case domain.EventReentryArmed:
		j.metrics.Reentry("armed")
	case domain.EventReentryExpired:
		j.metrics.Reentry("expired")
	}
}

func auditDetail(evt domain.PositionEvent) map[string]any {
	d := map[string]any{
		"position_id":   evt.Position.ID,
		"asset_id":      evt.Position.AssetID,
		"remaining_pct": evt.Position.RemainingPct.String(),
		"state":         string(evt.Position.State),
	}
	if evt.Reason != "" {
		d["reason"] = string(evt.Reason)
	}
	if evt.LegKey != "" {
		d["leg"] = evt.LegKey
	}
	if evt.Price > 0 {
		d["price"] = evt.Price
	}
	if evt.SoldPct > 0 {
		d["sold_pct"] = evt.SoldPct
	}
	if evt.Settlement != nil {
		d["ref"] = evt.Settlement.Ref
		d["dry_run"] = evt.Settlement.DryRun
	}
	if evt.Error != "" {
		d["error"] = evt.Error
	}
	return d
}
