package strategy

import (
	"fmt"

	"bridgebot-go/internal/config"
	"bridgebot-go/internal/market"
	"bridgebot-go/internal/signal"
)

const (
	momentumVersion     = "1.0.0"
	defaultMomentumBars = 3
	defaultPositionSize = 1
)

// Momentum goes long after a run of strictly rising closes and exits after a
// run of strictly falling ones. One position at a time.
type Momentum struct {
	symbol       string
	lookback     int
	warmup       int
	positionSize float64
	stopLossPct  float64
	takeProfit   float64

	closes     []float64
	seen       int
	inPosition bool
	entryPrice float64
}

// NewMomentum builds a momentum strategy from config params, applying
// defaults for anything unset.
func NewMomentum(symbol string, params config.StrategyParams) *Momentum {
	lookback := params.MomentumBars
	if lookback < 2 {
		lookback = defaultMomentumBars
	}
	warmup := params.WarmupBars
	if warmup < lookback {
		warmup = lookback
	}
	size := params.PositionSize
	if size <= 0 {
		size = defaultPositionSize
	}
	return &Momentum{
		symbol:       symbol,
		lookback:     lookback,
		warmup:       warmup,
		positionSize: size,
		stopLossPct:  params.StopLossPct,
		takeProfit:   params.TakeProfitPct,
	}
}

func (m *Momentum) Name() string    { return "momentum" }
func (m *Momentum) Version() string { return momentumVersion }

// IsReady reports whether the warm-up window has filled.
func (m *Momentum) IsReady() bool { return m.seen >= m.warmup }

// Reset clears history and any open-position state.
func (m *Momentum) Reset() {
	m.closes = m.closes[:0]
	m.seen = 0
	m.inPosition = false
	m.entryPrice = 0
}

// SeedHistory pre-fills the close window from bootstrapped bars so the
// strategy is ready before the first live bar.
func (m *Momentum) SeedHistory(bars []market.Bar) {
	for _, bar := range bars {
		m.push(bar.Close)
	}
}

// ProcessBar ingests one bar and returns a LONG entry, a CLOSE_POSITION exit,
// or nil.
func (m *Momentum) ProcessBar(bar market.Bar) *signal.Signal {
	m.push(bar.Close)
	if !m.IsReady() || len(m.closes) < m.lookback {
		return nil
	}

	switch {
	case !m.inPosition && m.rising():
		m.inPosition = true
		m.entryPrice = bar.Close
		sig := &signal.Signal{
			Direction:       signal.DirectionLong,
			Confidence:      0.8,
			EntryPrice:      bar.Close,
			Instrument:      m.symbol,
			PositionSize:    m.positionSize,
			Timestamp:       bar.Timestamp,
			Reason:          fmt.Sprintf("%d consecutive rising closes", m.lookback),
			StrategyName:    m.Name(),
			StrategyVersion: m.Version(),
		}
		if m.stopLossPct > 0 {
			sig.StopLoss = bar.Close * (1 - m.stopLossPct/100)
		}
		if m.takeProfit > 0 {
			sig.TakeProfit = bar.Close * (1 + m.takeProfit/100)
		}
		return sig

	case m.inPosition && m.exitTriggered(bar.Close):
		m.inPosition = false
		entry := m.entryPrice
		m.entryPrice = 0
		return &signal.Signal{
			Direction:       signal.DirectionClose,
			Confidence:      1,
			EntryPrice:      entry,
			Instrument:      m.symbol,
			PositionSize:    m.positionSize,
			Timestamp:       bar.Timestamp,
			Reason:          m.exitReason(bar.Close, entry),
			StrategyName:    m.Name(),
			StrategyVersion: m.Version(),
		}
	}
	return nil
}

func (m *Momentum) push(close float64) {
	m.closes = append(m.closes, close)
	if len(m.closes) > m.lookback {
		m.closes = m.closes[len(m.closes)-m.lookback:]
	}
	m.seen++
}

// rising reports strictly increasing closes over the full lookback window.
func (m *Momentum) rising() bool {
	for i := 1; i < len(m.closes); i++ {
		if m.closes[i] <= m.closes[i-1] {
			return false
		}
	}
	return true
}

// falling reports strictly decreasing closes over the full lookback window.
func (m *Momentum) falling() bool {
	for i := 1; i < len(m.closes); i++ {
		if m.closes[i] >= m.closes[i-1] {
			return false
		}
	}
	return true
}

func (m *Momentum) exitTriggered(close float64) bool {
	if m.falling() {
		return true
	}
	if m.stopLossPct > 0 && close <= m.entryPrice*(1-m.stopLossPct/100) {
		return true
	}
	if m.takeProfit > 0 && close >= m.entryPrice*(1+m.takeProfit/100) {
		return true
	}
	return false
}

func (m *Momentum) exitReason(close, entry float64) string {
	if m.falling() {
		return fmt.Sprintf("%d consecutive falling closes", m.lookback)
	}
	if m.stopLossPct > 0 && close <= entry*(1-m.stopLossPct/100) {
		return "stop loss hit"
	}
	return "take profit hit"
}
