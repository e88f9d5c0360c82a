// Package market standardizes OHLCV bar types shared between the bar store,
// the bootstrap service, and strategy layers.
package market

import (
	"fmt"
	"math"
	"time"
)

// WirePrecision is the number of decimal places preserved by the wire format.
const WirePrecision = 5

// Bar is one OHLCV sample for a fixed time interval. Immutable once read from storage.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Validate enforces the OHLCV invariants: high >= max(open, close),
// low <= min(open, close), volume >= 0.
func (b Bar) Validate() error {
	if b.Timestamp.IsZero() {
		return fmt.Errorf("bar has zero timestamp")
	}
	if b.High < math.Max(b.Open, b.Close) {
		return fmt.Errorf("bar high %.5f below open/close", b.High)
	}
	if b.Low > math.Min(b.Open, b.Close) {
		return fmt.Errorf("bar low %.5f above open/close", b.Low)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar volume %d negative", b.Volume)
	}
	return nil
}

// WireBar is the serialized bar representation crossing the process boundary.
type WireBar struct {
	T string  `json:"t"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V int64   `json:"v"`
}

// Wire converts a bar to wire format: ISO-8601 UTC timestamp and
// fixed-precision numeric fields.
func (b Bar) Wire() WireBar {
	return WireBar{
		T: b.Timestamp.UTC().Format(time.RFC3339),
		O: roundWire(b.Open),
		H: roundWire(b.High),
		L: roundWire(b.Low),
		C: roundWire(b.Close),
		V: b.Volume,
	}
}

// Bar parses a wire bar back into the native representation.
func (w WireBar) Bar() (Bar, error) {
	ts, err := time.Parse(time.RFC3339, w.T)
	if err != nil {
		return Bar{}, fmt.Errorf("parse wire timestamp %q: %w", w.T, err)
	}
	return Bar{
		Timestamp: ts.UTC(),
		Open:      w.O,
		High:      w.H,
		Low:       w.L,
		Close:     w.C,
		Volume:    w.V,
	}, nil
}

func roundWire(v float64) float64 {
	shift := math.Pow10(WirePrecision)
	return math.Round(v*shift) / shift
}

// ToWire converts a slice of bars, oldest first, preserving order.
func ToWire(bars []Bar) []WireBar {
	out := make([]WireBar, len(bars))
	for i, b := range bars {
		out[i] = b.Wire()
	}
	return out
}

// FromWire converts wire bars back, failing on the first malformed entry.
func FromWire(wire []WireBar) ([]Bar, error) {
	out := make([]Bar, len(wire))
	for i, w := range wire {
		b, err := w.Bar()
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}
