// Package execution defines the simulated order and fill types the bridge
// controller uses when converting strategy signals into portfolio mutations.
package execution

import (
	"fmt"
	"time"

	"bridgebot-go/internal/signal"
)

// Side enumerates order directions.
type Side string

const (
	// Buy increases the position (opens/extends long, covers short).
	Buy Side = "BUY"
	// Sell decreases the position (opens/extends short, closes long).
	Sell Side = "SELL"
)

// Order represents a simulated placement derived from a signal.
type Order struct {
	Symbol string
	Side   Side
	Qty    float64
	Price  float64
}

// Fill records a simulated execution.
type Fill struct {
	Symbol string    `json:"symbol"`
	Side   Side      `json:"side"`
	Qty    float64   `json:"qty"`
	Price  float64   `json:"price"`
	Ts     time.Time `json:"ts"`
	BotID  string    `json:"botId,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// BuildOrder converts a LONG/SHORT signal into an order. CLOSE_POSITION needs
// the caller's current position and is handled upstream.
func BuildOrder(sig signal.Signal, markPrice, defaultQty float64) (Order, error) {
	qty := sig.PositionSize
	if qty <= 0 {
		qty = defaultQty
	}
	if qty <= 0 {
		return Order{}, fmt.Errorf("signal has no usable position size")
	}
	price := sig.EntryPrice
	if price <= 0 {
		price = markPrice
	}
	if price <= 0 {
		return Order{}, fmt.Errorf("signal has no usable price")
	}

	switch sig.Direction {
	case signal.DirectionLong:
		return Order{Symbol: sig.Instrument, Side: Buy, Qty: qty, Price: price}, nil
	case signal.DirectionShort:
		return Order{Symbol: sig.Instrument, Side: Sell, Qty: qty, Price: price}, nil
	default:
		return Order{}, fmt.Errorf("unsupported signal direction %q", sig.Direction)
	}
}
