package models

import "time"

// OrderSpec is the canonical, broker-neutral description of an order. Each broker
// adapter translates it into its own wire shape.
type OrderSpec struct {
	Side     OrderSide
	Exchange Exchange
	Symbol   string
	Token    string
	Quantity int
	Type     OrderType
	Product  ProductType
	Price    float64 // LIMIT only
	Tag      string
}

// Instrument returns the instrument the order targets.
func (o OrderSpec) Instrument() Instrument {
	return Instrument{Exchange: o.Exchange, Symbol: o.Symbol, Token: o.Token}
}

// OrderResult represents the result of an order placement.
type OrderResult struct {
	OrderID      string
	Status       string
	AveragePrice float64
	PlacedAt     time.Time
}
