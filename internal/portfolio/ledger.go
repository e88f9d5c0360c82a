package portfolio

import (
	"sync"

	"bridgebot-go/internal/execution"
)

// Ledger keeps every simulated fill in memory so the run summary can be
// computed after the session finishes.
type Ledger struct {
	mu    sync.Mutex
	fills []execution.Fill
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Record appends a fill. Implements FillRecorder.
func (l *Ledger) Record(fill execution.Fill) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fills = append(l.fills, fill)
}

// Fills returns a copy of all recorded fills in arrival order.
func (l *Ledger) Fills() []execution.Fill {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]execution.Fill, len(l.fills))
	copy(out, l.fills)
	return out
}

// Summary aggregates counts and traded notional per symbol.
type LedgerSummary struct {
	Fills    int
	Buys     int
	Sells    int
	Notional map[string]float64
}

// Summarize computes aggregate stats over the recorded fills.
func (l *Ledger) Summarize() LedgerSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := LedgerSummary{Notional: make(map[string]float64)}
	for _, f := range l.fills {
		s.Fills++
		if f.Side == execution.Buy {
			s.Buys++
		} else {
			s.Sells++
		}
		s.Notional[f.Symbol] += f.Qty * f.Price
	}
	return s
}

// Tee fans each fill out to every recorder in order.
func Tee(recorders ...FillRecorder) FillRecorder {
	return teeRecorder(recorders)
}

type teeRecorder []FillRecorder

func (t teeRecorder) Record(fill execution.Fill) {
	for _, r := range t {
		r.Record(fill)
	}
}
