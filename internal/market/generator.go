package market

import "time"

// Generator emits deterministic synthetic bars with a steadily rising close,
// useful for tests and offline runs without a CSV archive.
type Generator struct {
	symbol   string
	start    time.Time
	interval time.Duration
	base     float64
	step     float64
}

// NewGenerator builds a generator starting at base price, advancing step per bar.
func NewGenerator(symbol string, start time.Time, interval time.Duration, base, step float64) *Generator {
	if interval <= 0 {
		interval = time.Minute
	}
	if base <= 0 {
		base = 100
	}
	return &Generator{symbol: symbol, start: start.UTC(), interval: interval, base: base, step: step}
}

// Symbol returns the instrument the generator stands in for.
func (g *Generator) Symbol() string { return g.symbol }

// Bars produces n sequential bars, oldest first.
func (g *Generator) Bars(n int) []Bar {
	out := make([]Bar, 0, n)
	px := g.base
	ts := g.start
	for i := 0; i < n; i++ {
		open := px
		close := px + g.step
		high := close
		low := open
		if g.step < 0 {
			high, low = open, close
		}
		out = append(out, Bar{
			Timestamp: ts,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    100 + int64(i%7)*10,
		})
		px = close
		ts = ts.Add(g.interval)
	}
	return out
}
