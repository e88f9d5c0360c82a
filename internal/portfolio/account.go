// Package portfolio tracks the simulated account the bridge controller trades
// against. The controller is the single writer; strategies only ever see a
// mirrored read-only copy pushed over the bus.
package portfolio

import (
	"errors"
	"math"
	"sync"

	"bridgebot-go/internal/execution"
	"bridgebot-go/internal/signal"
)

// FillRecorder captures simulated fills for later inspection.
type FillRecorder interface {
	Record(execution.Fill)
}

const epsilon = 1e-9

// positionState holds a signed quantity: positive long, negative short.
type positionState struct {
	Qty     float64
	AvgCost float64
}

// Account tracks virtual cash, realized PnL, and per-symbol signed positions.
type Account struct {
	mu                   sync.Mutex
	startingCash         float64
	cash                 float64
	realizedPnL          float64
	maxPositionPerSymbol float64
	positions            map[string]positionState
}

// PositionSnapshot exposes a read-only view of a single symbol position.
type PositionSnapshot struct {
	Qty         float64
	AvgCost     float64
	MarketValue float64
	Unrealized  float64
}

// Snapshot represents a thread-safe view of the account state, optionally marked to market using provided prices.
type Snapshot struct {
	Cash        float64
	RealizedPnL float64
	Equity      float64
	Positions   map[string]PositionSnapshot
}

// NewAccount constructs an account populated with starting cash and optional per-symbol size cap.
func NewAccount(startingCash, maxPositionPerSymbol float64) *Account {
	return &Account{
		startingCash:         startingCash,
		cash:                 startingCash,
		maxPositionPerSymbol: maxPositionPerSymbol,
		positions:            make(map[string]positionState),
	}
}

// StartingCash returns the initial bankroll used to compute drawdown.
func (a *Account) StartingCash() float64 { return a.startingCash }

// MarketFill executes a simulated market order at the provided price,
// mutating balances. Sells against a long close it; selling past flat opens a
// short, and vice versa for buys against a short.
func (a *Account) MarketFill(symbol string, side execution.Side, qty, price float64) error {
	if qty <= 0 {
		return errors.New("quantity must be positive")
	}
	if price <= 0 {
		return errors.New("price must be positive")
	}
	delta := qty
	if side == execution.Sell {
		delta = -qty
	} else if side != execution.Buy {
		return errors.New("unknown order side")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.positions[symbol]
	newQty := st.Qty + delta
	if a.maxPositionPerSymbol > 0 && math.Abs(newQty) > a.maxPositionPerSymbol+epsilon {
		return errors.New("position limit exceeded")
	}

	switch {
	case st.Qty == 0 || sameSign(st.Qty, delta):
		// Opening or extending; cash is only a hard constraint for longs.
		if delta > 0 && qty*price > a.cash+epsilon {
			return errors.New("insufficient cash for buy")
		}
		newAvg := price
		if math.Abs(newQty) > epsilon {
			newAvg = (st.AvgCost*math.Abs(st.Qty) + price*qty) / math.Abs(newQty)
		}
		a.positions[symbol] = positionState{Qty: newQty, AvgCost: newAvg}

	default:
		// Reducing, closing, or flipping through flat.
		closeQty := math.Min(qty, math.Abs(st.Qty))
		direction := 1.0
		if st.Qty < 0 {
			direction = -1.0
		}
		a.realizedPnL += (price - st.AvgCost) * direction * closeQty

		if math.Abs(newQty) <= epsilon {
			delete(a.positions, symbol)
		} else if qty > closeQty+epsilon {
			// Flipped: the remainder is a fresh position at the fill price.
			a.positions[symbol] = positionState{Qty: newQty, AvgCost: price}
		} else {
			a.positions[symbol] = positionState{Qty: newQty, AvgCost: st.AvgCost}
		}
	}

	a.cash -= delta * price
	return nil
}

// Flatten closes any open position in symbol at price. Returns the quantity
// closed (zero when already flat).
func (a *Account) Flatten(symbol string, price float64) (float64, error) {
	a.mu.Lock()
	qty := a.positions[symbol].Qty
	a.mu.Unlock()
	if math.Abs(qty) <= epsilon {
		return 0, nil
	}
	side := execution.Sell
	if qty < 0 {
		side = execution.Buy
	}
	if err := a.MarketFill(symbol, side, math.Abs(qty), price); err != nil {
		return 0, err
	}
	return math.Abs(qty), nil
}

// Snapshot returns a copy of balances, optionally marked using the supplied prices map.
func (a *Account) Snapshot(prices map[string]float64) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	positions := make(map[string]PositionSnapshot, len(a.positions))
	equity := a.cash
	for sym, pos := range a.positions {
		mark := prices[sym]
		marketValue := pos.Qty * mark
		unrealized := (mark - pos.AvgCost) * pos.Qty
		if mark == 0 {
			marketValue = 0
			unrealized = 0
		}
		positions[sym] = PositionSnapshot{
			Qty:         pos.Qty,
			AvgCost:     pos.AvgCost,
			MarketValue: marketValue,
			Unrealized:  unrealized,
		}
		equity += marketValue
	}

	return Snapshot{
		Cash:        a.cash,
		RealizedPnL: a.realizedPnL,
		Equity:      equity,
		Positions:   positions,
	}
}

// Positions returns the wire-ready mirror pushed to strategy processes.
func (a *Account) Positions(prices map[string]float64) []signal.Position {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]signal.Position, 0, len(a.positions))
	for sym, pos := range a.positions {
		side := "LONG"
		if pos.Qty < 0 {
			side = "SHORT"
		}
		mark := prices[sym]
		unrealized := 0.0
		if mark != 0 {
			unrealized = (mark - pos.AvgCost) * pos.Qty
		}
		out = append(out, signal.Position{
			Instrument:    sym,
			Side:          side,
			Size:          math.Abs(pos.Qty),
			EntryPrice:    pos.AvgCost,
			UnrealizedPnL: unrealized,
		})
	}
	return out
}

// Position returns the current signed position size for the supplied symbol.
func (a *Account) Position(symbol string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.positions[symbol].Qty
}

// AvailableCash reports free cash that can be deployed into new longs.
func (a *Account) AvailableCash() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cash
}

// RealizedPnL returns total closed-trade profit and loss.
func (a *Account) RealizedPnL() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.realizedPnL
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
