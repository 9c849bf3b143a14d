package broker

import (
	"math"

	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/models"
)

// segmentRules holds per-exchange order constraints.
type segmentRules struct {
	TickSize  float64
	AllowsCNC bool
}

var segments = map[models.Exchange]segmentRules{
	models.NSE: {TickSize: 0.05, AllowsCNC: true},
	models.BSE: {TickSize: 0.05, AllowsCNC: true},
	models.NFO: {TickSize: 0.05},
	models.CDS: {TickSize: 0.0025},
	models.MCX: {TickSize: 1},
}

// ValidateOrderSpec checks an order against segment rules before it reaches
// a broker.
func ValidateOrderSpec(order models.OrderSpec) error {
	rules, ok := segments[order.Exchange]
	if !ok {
		return apperrors.NewValidationError("exchange", order.Exchange, "unsupported exchange")
	}
	if order.Symbol == "" {
		return apperrors.NewValidationError("symbol", order.Symbol, "required")
	}
	if order.Side != models.OrderSideBuy && order.Side != models.OrderSideSell {
		return apperrors.NewValidationError("side", order.Side, "must be BUY or SELL")
	}
	if order.Quantity <= 0 {
		return apperrors.NewValidationError("quantity", order.Quantity, "must be positive")
	}

	switch order.Type {
	case models.OrderTypeMarket:
	case models.OrderTypeLimit:
		if order.Price <= 0 {
			return apperrors.NewValidationError("price", order.Price, "limit orders need a positive price")
		}
	default:
		return apperrors.NewValidationError("type", order.Type, "must be MARKET or LIMIT")
	}

	if order.Product == models.ProductCNC && !rules.AllowsCNC {
		return apperrors.NewValidationError("product", order.Product, "CNC not allowed on "+string(order.Exchange))
	}
	return nil
}

// RoundToTick rounds price to the nearest valid tick for the exchange.
func RoundToTick(exchange models.Exchange, price float64) float64 {
	rules, ok := segments[exchange]
	if !ok || rules.TickSize <= 0 {
		return price
	}
	ticks := math.Round(price / rules.TickSize)
	// Trim float noise such as 101.85000000000001.
	return math.Round(ticks*rules.TickSize*10000) / 10000
}
