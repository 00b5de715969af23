package domain

import "time"

// ExitReason names what caused a sell.
type ExitReason string

const (
	ReasonStopLoss ExitReason = "stop_loss"
	ReasonTrailing ExitReason = "trailing_stop"
	ReasonLadder   ExitReason = "ladder"
	ReasonManual   ExitReason = "manual"
)

// StateFor maps a full-exit reason to the terminal state it produces.
func (r ExitReason) StateFor() ExitState {
	switch r {
	case ReasonStopLoss:
		return StateExitedStopLoss
	case ReasonTrailing:
		return StateExitedTrailing
	case ReasonLadder:
		return StateExitedLadder
	default:
		return StateExitedManual
	}
}

// BuyRequest asks the execution venue to acquire an asset for Amount units
// of the reference currency.
type BuyRequest struct {
	AssetID string
	Amount  float64
	Reason  string
}

// SellRequest asks the execution venue to dispose of part of a position.
// Percent is measured against the original quantity; RemainingPct is what
// the position held before this sell, so venues that only see the current
// wallet balance can convert Percent into a fraction of what is left.
type SellRequest struct {
	PositionID   string
	AssetID      string
	LegKey       string
	Percent      float64
	RemainingPct float64
	Amount       float64
	Reason       ExitReason
}

// FractionOfHolding is the share of the current holding this sell disposes of.
func (r SellRequest) FractionOfHolding() float64 {
	if r.RemainingPct <= 0 {
		return 0
	}
	f := r.Percent / r.RemainingPct
	if f > 1 {
		return 1
	}
	return f
}

// Settlement is the venue's acknowledgement of an executed trade.
type Settlement struct {
	Ref    string    `json:"ref"`
	DryRun bool      `json:"dry_run"`
	At     time.Time `json:"at"`
}
