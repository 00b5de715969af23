package domain

import "time"

// EventType classifies position lifecycle events.
type EventType string

const (
	EventOpened          EventType = "position_opened"
	EventPartialExit     EventType = "partial_exit"
	EventClosed          EventType = "position_closed"
	EventSellFailed      EventType = "sell_failed"
	EventReentryArmed    EventType = "reentry_armed"
	EventReentryExecuted EventType = "reentry_executed"
	EventReentryExpired  EventType = "reentry_expired"
	EventBuyFailed       EventType = "buy_failed"
)

// PositionEvent is emitted on every lifecycle transition. Position is a
// snapshot taken after the transition.
type PositionEvent struct {
	Type       EventType   `json:"type"`
	Position   Position    `json:"position"`
	Reason     ExitReason  `json:"reason,omitempty"`
	LegKey     string      `json:"leg_key,omitempty"`
	Price      float64     `json:"price,omitempty"`
	SoldPct    float64     `json:"sold_pct,omitempty"`
	Settlement *Settlement `json:"settlement,omitempty"`
	Error      string      `json:"error,omitempty"`
	At         time.Time   `json:"at"`
}
