package utils

import (
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// MarketSession is the NSE/BSE cash-market session at a point in time.
type MarketSession string

const (
	SessionClosed    MarketSession = "CLOSED"
	SessionPreOpen   MarketSession = "PRE_OPEN"
	SessionOpen      MarketSession = "OPEN"
	SessionSquareOff MarketSession = "MIS_SQUARE_OFF" // intraday positions are auto-squared by the broker
)

// Session boundaries in minutes after midnight IST.
const (
	preOpenStart      = 9 * 60
	marketOpenMinute  = 9*60 + 15
	squareOffMinute   = 15*60 + 15
	marketCloseMinute = 15*60 + 30
)

// MarketSessionAt returns the session in effect at t. Exchange holidays are
// not modelled.
func MarketSessionAt(t time.Time) MarketSession {
	now := t.In(IndiaLocation)
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return SessionClosed
	}

	minutes := now.Hour()*60 + now.Minute()
	switch {
	case minutes >= preOpenStart && minutes < marketOpenMinute:
		return SessionPreOpen
	case minutes >= marketOpenMinute && minutes < squareOffMinute:
		return SessionOpen
	case minutes >= squareOffMinute && minutes < marketCloseMinute:
		return SessionSquareOff
	default:
		return SessionClosed
	}
}

// IsMarketOpen reports whether ticks are expected at t.
func IsMarketOpen(t time.Time) bool {
	s := MarketSessionAt(t)
	return s == SessionOpen || s == SessionSquareOff
}

// NextMarketOpen returns the next market opening time after t.
func NextMarketOpen(t time.Time) time.Time {
	now := t.In(IndiaLocation)
	next := time.Date(now.Year(), now.Month(), now.Day(), 9, 15, 0, 0, IndiaLocation)
	if !now.Before(next) {
		next = next.AddDate(0, 0, 1)
	}
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
