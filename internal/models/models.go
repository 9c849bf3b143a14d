// Package models provides domain models for the trading application.
package models

import (
	"time"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // F&O
	CDS Exchange = "CDS" // Currency
	MCX Exchange = "MCX" // Commodity
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the side that closes a position opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideSell {
		return OrderSideBuy
	}
	return OrderSideSell
}

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// ProductType represents the product type of an order.
type ProductType string

const (
	ProductMIS  ProductType = "MIS"  // Intraday
	ProductCNC  ProductType = "CNC"  // Delivery
	ProductNRML ProductType = "NRML" // F&O Normal
)

// Tick is a normalized real-time market data event.
type Tick struct {
	Symbol          string
	InstrumentToken string
	LTP             float64
	OpenInterest    int64
	Volume          int64
	Timestamp       time.Time
}

// Instrument identifies a tradable instrument on an exchange.
type Instrument struct {
	Exchange Exchange
	Symbol   string
	Token    string
}

// Key returns the exchange-qualified symbol, e.g. "NSE:INFY".
func (i Instrument) Key() string {
	return string(i.Exchange) + ":" + i.Symbol
}
