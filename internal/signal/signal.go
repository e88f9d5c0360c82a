// Package signal standardizes payloads shared between the bridge, the
// channel forwarder, and strategy layers.
package signal

import (
	"fmt"
	"time"

	"bridgebot-go/internal/market"
)

// Direction enumerates the trade intents a strategy can express.
type Direction string

const (
	// DirectionLong opens or adds to a long position.
	DirectionLong Direction = "LONG"
	// DirectionShort opens or adds to a short position.
	DirectionShort Direction = "SHORT"
	// DirectionClose flattens the current position.
	DirectionClose Direction = "CLOSE_POSITION"
)

// Valid reports whether the direction is one of the supported intents.
func (d Direction) Valid() bool {
	switch d {
	case DirectionLong, DirectionShort, DirectionClose:
		return true
	default:
		return false
	}
}

// Signal expresses a trading intent produced by a strategy implementation.
// Consumed at most once by the bridge controller per emission.
type Signal struct {
	Direction       Direction `json:"direction"`
	Confidence      float64   `json:"confidence"`
	EntryPrice      float64   `json:"entryPrice"`
	StopLoss        float64   `json:"stopLoss,omitempty"`
	TakeProfit      float64   `json:"takeProfit,omitempty"`
	Instrument      string    `json:"instrument"`
	PositionSize    float64   `json:"positionSize"`
	Timestamp       time.Time `json:"timestamp"`
	Reason          string    `json:"reason,omitempty"`
	StrategyName    string    `json:"strategyName,omitempty"`
	StrategyVersion string    `json:"strategyVersion,omitempty"`
	BotID           string    `json:"botId,omitempty"`
}

// Position is the read-only view of one open position mirrored to strategies.
// The bridge controller owns the source of truth.
type Position struct {
	Instrument    string  `json:"instrument"`
	Side          string  `json:"side"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entryPrice"`
	UnrealizedPnL float64 `json:"unrealizedPnl"`
}

// HistoricalDataRequest asks the bootstrap service for warm-up bars. Consumed
// exactly once; discarded after response or timeout.
type HistoricalDataRequest struct {
	RequestID       string `json:"requestId"`
	Symbol          string `json:"symbol"`
	BarsBack        int    `json:"barsBack"`
	Timeframe       string `json:"timeframe,omitempty"`
	SessionTemplate string `json:"sessionTemplate,omitempty"`
	BotID           string `json:"botId,omitempty"`
}

// Validate checks the request is well formed before it is served.
func (r HistoricalDataRequest) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("historical data request missing requestId")
	}
	if r.Symbol == "" {
		return fmt.Errorf("historical data request missing symbol")
	}
	if r.BarsBack <= 0 {
		return fmt.Errorf("historical data request barsBack must be positive, got %d", r.BarsBack)
	}
	return nil
}

// HistoricalDataPayload carries the served bars, oldest first.
type HistoricalDataPayload struct {
	Bars         []market.WireBar `json:"bars"`
	DataSource   string           `json:"dataSource"`
	Symbol       string           `json:"symbol"`
	BarsReturned int              `json:"barsReturned"`
}

// HistoricalDataResponse echoes the request's id; on failure Data is absent
// and Error explains why.
type HistoricalDataResponse struct {
	RequestID string                 `json:"requestId"`
	Success   bool                   `json:"success"`
	Data      *HistoricalDataPayload `json:"data,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// MarketData is one bar streamed to a strategy session.
type MarketData struct {
	Symbol string         `json:"symbol"`
	Seq    uint64         `json:"seq"`
	Bar    market.WireBar `json:"bar"`
}

// BarAck reports per-bar processing completion back to the controller so the
// next bar can be released without waiting out the signal timeout.
type BarAck struct {
	Seq           uint64 `json:"seq"`
	SignalEmitted bool   `json:"signalEmitted"`
}

// PositionUpdate refreshes the strategy-side position mirror.
type PositionUpdate struct {
	Positions []Position `json:"positions"`
	Timestamp time.Time  `json:"timestamp"`
}

// Ready announces the strategy host finished wiring and warm-up.
type Ready struct {
	BotID    string `json:"botId"`
	Strategy string `json:"strategy,omitempty"`
}

// Stop instructs the strategy host to shut down cleanly.
type Stop struct {
	Reason string `json:"reason,omitempty"`
}

// StdoutReadyPrefix marks the host's readiness line on standard output. The
// bus publication is the authoritative readiness signal; stdout is a
// best-effort secondary because output buffering has proven fragile.
const StdoutReadyPrefix = "BRIDGE_HOST_READY"
