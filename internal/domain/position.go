package domain

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ExitState is the lifecycle state of a single position instance.
type ExitState string

const (
	StateWatching       ExitState = "watching"
	StateExitedStopLoss ExitState = "exited_stop_loss"
	StateExitedTrailing ExitState = "exited_trailing"
	StateExitedLadder   ExitState = "exited_ladder"
	StateExitedManual   ExitState = "exited_manual"
)

// Terminal reports whether the state ends the instance.
func (s ExitState) Terminal() bool {
	switch s {
	case StateExitedStopLoss, StateExitedTrailing, StateExitedLadder, StateExitedManual:
		return true
	}
	return false
}

var (
	// FullPct is the remaining percentage of a freshly opened position.
	FullPct = decimal.NewFromInt(100)
	// DustPct is the remaining percentage at or below which a position
	// counts as fully exited.
	DustPct = decimal.RequireFromString("0.1")
)

// Position is one generation of exposure to an asset. A re-entry creates a
// new Position linked to its predecessor through ParentID.
type Position struct {
	ID             string          `json:"id"`
	ParentID       string          `json:"parent_id,omitempty"`
	AssetID        string          `json:"asset_id"`
	EntryPrice     float64         `json:"entry_price"`
	Quantity       float64         `json:"quantity"`
	PeakPrice      float64         `json:"peak_price"`
	RemainingPct   decimal.Decimal `json:"remaining_pct"`
	LastExitPrice  *float64        `json:"last_exit_price,omitempty"`
	LadderProgress map[string]bool `json:"ladder_progress"`
	ReentryCount   int             `json:"reentry_count"`
	Active         bool            `json:"active"`
	State          ExitState       `json:"state"`
	OpenedAt       time.Time       `json:"opened_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewPosition builds an active position at the given entry.
func NewPosition(assetID string, entryPrice, quantity float64, reentryCount int, parentID string) (Position, error) {
	if assetID == "" {
		return Position{}, fmt.Errorf("%w: empty asset id", ErrInvalidPosition)
	}
	if !(entryPrice > 0) {
		return Position{}, fmt.Errorf("%w: entry price must be positive, got %v", ErrInvalidPosition, entryPrice)
	}
	if !(quantity > 0) {
		return Position{}, fmt.Errorf("%w: quantity must be positive, got %v", ErrInvalidPosition, quantity)
	}
	if reentryCount < 0 {
		return Position{}, fmt.Errorf("%w: negative re-entry count", ErrInvalidPosition)
	}
	now := time.Now().UTC()
	return Position{
		ID:             uuid.NewString(),
		ParentID:       parentID,
		AssetID:        assetID,
		EntryPrice:     entryPrice,
		Quantity:       quantity,
		PeakPrice:      entryPrice,
		RemainingPct:   FullPct,
		LadderProgress: make(map[string]bool),
		ReentryCount:   reentryCount,
		Active:         true,
		State:          StateWatching,
		OpenedAt:       now,
		UpdatedAt:      now,
	}, nil
}

// Clone returns a deep copy that shares no mutable state with p.
func (p Position) Clone() Position {
	c := p
	c.LadderProgress = maps.Clone(p.LadderProgress)
	if c.LadderProgress == nil {
		c.LadderProgress = make(map[string]bool)
	}
	if p.LastExitPrice != nil {
		v := *p.LastExitPrice
		c.LastExitPrice = &v
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	return c
}

// Observe raises the peak if price exceeds it.
func (p *Position) Observe(price float64) {
	if price > p.PeakPrice {
		p.PeakPrice = price
	}
}

// ChangeFromEntry is the percentage move of price relative to entry.
func (p Position) ChangeFromEntry(price float64) float64 {
	return (price/p.EntryPrice - 1) * 100
}

// DropFromPeak is the percentage move of price relative to the peak. It is
// zero or negative whenever the peak has been observed.
func (p Position) DropFromPeak(price float64) float64 {
	if p.PeakPrice <= 0 {
		return 0
	}
	return (price/p.PeakPrice - 1) * 100
}

// Remaining returns RemainingPct as a float for adapters and display.
func (p Position) Remaining() float64 {
	return p.RemainingPct.InexactFloat64()
}

// RemainingQuantity is the unsold part of the original quantity.
func (p Position) RemainingQuantity() float64 {
	return p.Quantity * p.Remaining() / 100
}

// FullyExited reports whether only dust is left.
func (p Position) FullyExited() bool {
	return p.RemainingPct.LessThanOrEqual(DustPct)
}

// Reduce subtracts pct from the remaining percentage, saturating at zero,
// and returns the amount actually removed.
func (p *Position) Reduce(pct decimal.Decimal) decimal.Decimal {
	if pct.IsNegative() {
		return decimal.Zero
	}
	if pct.GreaterThan(p.RemainingPct) {
		pct = p.RemainingPct
	}
	p.RemainingPct = p.RemainingPct.Sub(pct)
	return pct
}

// RecordExit stores the price of the most recent sell.
func (p *Position) RecordExit(price float64) {
	v := price
	p.LastExitPrice = &v
}

// Close ends the instance in the given terminal state.
func (p *Position) Close(state ExitState, at time.Time) {
	p.Active = false
	p.State = state
	t := at.UTC()
	p.ClosedAt = &t
	p.UpdatedAt = t
}
