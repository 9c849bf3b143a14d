package models

import "time"

// StopLossKind selects how the stop-loss trigger price is computed.
type StopLossKind string

const (
	StopLossFixed      StopLossKind = "FIXED"
	StopLossPercentage StopLossKind = "PERCENTAGE"
	StopLossPoints     StopLossKind = "POINTS"
)

// StopLossSpec describes the stop-loss condition of a position.
// A negative TrailingAdjustment re-anchors the trailing base downward when price
// falls below base+TrailingAdjustment.
type StopLossSpec struct {
	Kind               StopLossKind `json:"kind"`
	Value              float64      `json:"value"`
	TrailingAdjustment float64      `json:"trailing_adjustment"`
}

// SellKind selects how the independent sell/exit threshold is computed.
type SellKind string

const (
	SellFixed      SellKind = "FIXED"
	SellPercentage SellKind = "PERCENTAGE"
)

// SellSpec is an absolute exit condition evaluated alongside the stop-loss.
type SellSpec struct {
	Kind           SellKind `json:"kind"`
	Threshold      float64  `json:"threshold"`
	ReferenceClose float64  `json:"reference_close,omitempty"` // PERCENTAGE only
}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionActive    PositionStatus = "ACTIVE"
	PositionClaimed   PositionStatus = "CLAIMED" // exit order in flight
	PositionClosed    PositionStatus = "CLOSED"
	PositionCancelled PositionStatus = "CANCELLED"
)

// Position is a monitored open position with its exit conditions and trailing state.
type Position struct {
	ID              string
	Owner           string
	Symbol          string
	Exchange        Exchange
	InstrumentToken string
	Side            OrderSide
	Product         ProductType
	Quantity        int
	EntryPrice      float64
	StopLoss        StopLossSpec
	Sell            *SellSpec

	HighestPrice float64
	BasePrice    float64

	Status PositionStatus
	// ExitPrice is zero when the exit filled at a price the broker never reported.
	ExitPrice   float64
	ExitReason  string
	ExitOrderID string

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// ExitPriceKnown reports whether the exit fill price was recorded.
func (p *Position) ExitPriceKnown() bool {
	return p.ExitPrice > 0
}

// IsActive reports whether the position has not been exited or cancelled.
// A claimed position is still active: its exit order has not been committed.
func (p *Position) IsActive() bool {
	return p.Status == PositionActive || p.Status == PositionClaimed
}

// Instrument returns the instrument the position is held in.
func (p *Position) Instrument() Instrument {
	return Instrument{Exchange: p.Exchange, Symbol: p.Symbol, Token: p.InstrumentToken}
}
