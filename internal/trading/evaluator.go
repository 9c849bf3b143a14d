// Package trading evaluates exit conditions on ticks and places the exit
// and entry orders for monitored positions.
package trading

import (
	"math"

	"autoexit-trader/internal/models"
)

// Exit reasons recorded on closed positions.
const (
	ReasonStopLoss   = "stop_loss"
	ReasonSellTarget = "sell_target"
	ReasonManual     = "manual"
)

// Evaluation is the outcome of checking one tick against a long position.
type Evaluation struct {
	HighestPrice float64
	BasePrice    float64
	StopTrigger  float64
	SellTrigger  float64 // zero without a sell spec
	Exit         bool
	Reason       string
}

// Changed reports whether the trailing state differs from p's.
func (e Evaluation) Changed(p *models.Position) bool {
	return e.HighestPrice != p.HighestPrice || e.BasePrice != p.BasePrice
}

// TriggerPrice returns the trigger that fired, or the stop trigger when none did.
func (e Evaluation) TriggerPrice() float64 {
	if e.Reason == ReasonSellTarget {
		return e.SellTrigger
	}
	return e.StopTrigger
}

// Evaluate computes the new trailing state and the exit decision for p at
// price. It has no side effects.
func Evaluate(p *models.Position, price float64) Evaluation {
	ev := Evaluation{
		HighestPrice: math.Max(price, p.HighestPrice),
		BasePrice:    p.BasePrice,
	}

	// Re-anchor compares against the current base, not the high.
	if adj := p.StopLoss.TrailingAdjustment; adj < 0 && price < p.BasePrice+adj {
		ev.BasePrice = price
	}

	ev.StopTrigger = StopLossTrigger(p.StopLoss, p.EntryPrice, ev.HighestPrice, ev.BasePrice)
	if p.Sell != nil {
		ev.SellTrigger = SellTrigger(*p.Sell)
	}

	switch {
	case price <= ev.StopTrigger:
		ev.Exit = true
		ev.Reason = ReasonStopLoss
	case p.Sell != nil && price <= ev.SellTrigger:
		ev.Exit = true
		ev.Reason = ReasonSellTarget
	}
	return ev
}

// StopLossTrigger returns the stop-loss trigger price.
func StopLossTrigger(spec models.StopLossSpec, entry, highest, base float64) float64 {
	switch spec.Kind {
	case models.StopLossPercentage:
		profit := highest - base
		return base + profit*(1-spec.Value/100)
	case models.StopLossPoints:
		return highest - spec.Value
	default:
		return entry - spec.Value
	}
}

// SellTrigger returns the independent sell trigger price.
func SellTrigger(spec models.SellSpec) float64 {
	if spec.Kind == models.SellPercentage {
		return spec.ReferenceClose * (1 - spec.Threshold/100)
	}
	return spec.Threshold
}
