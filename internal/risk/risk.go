// Package risk applies guard-rail checks to orders before they touch the
// simulated portfolio.
package risk

import (
	"fmt"
	"math"

	"bridgebot-go/internal/execution"
)

// Limits holds the configured guard-rails. Zero values disable a check.
type Limits struct {
	MaxNotionalPerTrade  float64
	MaxPositionPerSymbol float64
}

// Check validates an order against the limits given the current signed
// position in the order's symbol. A nil error means the order may proceed.
func (l Limits) Check(order execution.Order, currentPosition float64) error {
	if l.MaxNotionalPerTrade > 0 {
		notional := order.Qty * order.Price
		if notional > l.MaxNotionalPerTrade {
			return fmt.Errorf("order notional %.2f exceeds per-trade limit %.2f", notional, l.MaxNotionalPerTrade)
		}
	}
	if l.MaxPositionPerSymbol > 0 {
		delta := order.Qty
		if order.Side == execution.Sell {
			delta = -order.Qty
		}
		if after := math.Abs(currentPosition + delta); after > l.MaxPositionPerSymbol {
			return fmt.Errorf("resulting position %.2f in %s exceeds limit %.2f", after, order.Symbol, l.MaxPositionPerSymbol)
		}
	}
	return nil
}
