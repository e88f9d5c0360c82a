// Package strategy holds the in-process trading strategies run by the host.
// A strategy consumes bars one at a time and occasionally emits a signal; it
// never talks to the bus directly.
package strategy

import (
	"fmt"

	"bridgebot-go/internal/config"
	"bridgebot-go/internal/market"
	"bridgebot-go/internal/signal"
)

// Strategy is the contract the host adapter drives.
type Strategy interface {
	// Name identifies the strategy on emitted signals.
	Name() string
	// Version tags emitted signals for later analysis.
	Version() string
	// ProcessBar ingests one bar and returns a signal or nil.
	ProcessBar(bar market.Bar) *signal.Signal
	// IsReady reports whether enough bars have been seen to trade.
	IsReady() bool
	// Reset clears all accumulated state.
	Reset()
}

// HistorySeeder is implemented by strategies that can warm up from
// bootstrapped historical bars instead of waiting out live ones.
type HistorySeeder interface {
	SeedHistory(bars []market.Bar)
}

// Build constructs the strategy named by mode for the given symbol.
func Build(mode, symbol string, params config.StrategyParams) (Strategy, error) {
	switch mode {
	case "momentum", "":
		return NewMomentum(symbol, params), nil
	default:
		return nil, fmt.Errorf("unknown strategy mode %q", mode)
	}
}
