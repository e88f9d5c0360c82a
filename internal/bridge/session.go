// Package bridge contains the controller side of a backtest session: it
// launches the strategy host process, feeds it bars one at a time over the
// bus, and turns the signals that come back into simulated fills.
package bridge

import (
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of one strategy session.
type Status string

const (
	StatusStarting Status = "STARTING"
	StatusReady    Status = "READY"
	StatusRunning  Status = "RUNNING"
	StatusStopping Status = "STOPPING"
	StatusStopped  Status = "STOPPED"
	StatusFailed   Status = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool { return s == StatusStopped || s == StatusFailed }

// legalTransitions holds the forward edges of the lifecycle. FAILED is
// reachable from every non-terminal state and handled separately.
var legalTransitions = map[Status][]Status{
	StatusStarting: {StatusReady, StatusStopping},
	StatusReady:    {StatusRunning, StatusStopping},
	StatusRunning:  {StatusStopping},
	StatusStopping: {StatusStopped},
}

// Stats counts per-session traffic for the end-of-run report.
type Stats struct {
	BarsSent         uint64
	AcksReceived     uint64
	SignalsReceived  uint64
	SignalsDiscarded uint64
	SignalTimeouts   uint64
}

// Session tracks the state of one bot run. All mutation goes through the
// controller; callers only read.
type Session struct {
	BotID  string
	Symbol string

	mu          sync.Mutex
	status      Status
	stats       Stats
	lastBarTime time.Time
	failReason  string
}

// NewSession starts in STARTING.
func NewSession(botID, symbol string) *Session {
	return &Session{BotID: botID, Symbol: symbol, status: StatusStarting}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Stats returns a copy of the traffic counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// LastBarTime is the timestamp of the last bar successfully processed, kept
// for diagnosing failed runs without replaying them.
func (s *Session) LastBarTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBarTime
}

// FailReason explains a FAILED status; empty otherwise.
func (s *Session) FailReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failReason
}

// transition moves to the requested state, rejecting edges the lifecycle
// does not allow.
func (s *Session) transition(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to == StatusFailed {
		if s.status.Terminal() {
			return fmt.Errorf("session %s: cannot fail from terminal state %s", s.BotID, s.status)
		}
		s.status = StatusFailed
		return nil
	}
	for _, next := range legalTransitions[s.status] {
		if next == to {
			s.status = to
			return nil
		}
	}
	return fmt.Errorf("session %s: illegal transition %s -> %s", s.BotID, s.status, to)
}

// fail transitions to FAILED and records why.
func (s *Session) fail(reason string) error {
	if err := s.transition(StatusFailed); err != nil {
		return err
	}
	s.mu.Lock()
	s.failReason = reason
	s.mu.Unlock()
	return nil
}

func (s *Session) recordBar(ts time.Time) {
	s.mu.Lock()
	s.stats.BarsSent++
	s.lastBarTime = ts
	s.mu.Unlock()
}

func (s *Session) recordAck() {
	s.mu.Lock()
	s.stats.AcksReceived++
	s.mu.Unlock()
}

func (s *Session) recordSignal() {
	s.mu.Lock()
	s.stats.SignalsReceived++
	s.mu.Unlock()
}

func (s *Session) recordDiscard() {
	s.mu.Lock()
	s.stats.SignalsDiscarded++
	s.mu.Unlock()
}

func (s *Session) recordTimeout() {
	s.mu.Lock()
	s.stats.SignalTimeouts++
	s.mu.Unlock()
}
