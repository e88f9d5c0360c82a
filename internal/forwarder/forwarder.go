// Package forwarder bridges the strategy's internal bus namespace to the
// backtest driver's external namespace. It runs inside the host process and
// doubles as the "trading bot" capability surface the strategy talks to:
// position queries, signal publishing, historical data requests, and config
// access all go through it.
package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bridgebot-go/internal/bus"
	"bridgebot-go/internal/metrics"
	"bridgebot-go/internal/signal"
)

// ErrRequestTimeout is returned when no historical data response arrives in
// time. The caller proceeds as if no data exists; this is not fatal.
var ErrRequestTimeout = errors.New("historical data request timed out")

// Bus is the subset of the bus client the forwarder needs. Satisfied by
// *bus.Client.
type Bus interface {
	Subscribe(pattern string, h bus.Handler)
	Publish(topic string, payload []byte) error
	PublishAs(topic, botID string, payload []byte) error
	PublishJSON(topic string, v any) error
	IsConnected() bool
}

// Forwarder relays messages between namespaces and mirrors position and
// signal state for synchronous strategy queries.
type Forwarder struct {
	bus   Bus
	botID string
	cfg   map[string]string
	log   zerolog.Logger

	mu         sync.Mutex
	positions  []signal.Position
	lastSignal *signal.Signal
	pending    map[string]chan signal.HistoricalDataResponse
	stopped    bool
}

// New builds a forwarder for one bot session. cfg holds the key/value pairs
// exposed to the strategy through ConfigValue; nil is fine.
func New(b Bus, botID string, cfg map[string]string, log zerolog.Logger) *Forwarder {
	return &Forwarder{
		bus:     b,
		botID:   botID,
		cfg:     cfg,
		log:     log.With().Str("component", "forwarder").Str("bot", botID).Logger(),
		pending: make(map[string]chan signal.HistoricalDataResponse),
	}
}

// Run installs the relay subscriptions. Outward topics are the ones the
// strategy side publishes; inward topics are the driver side's. The two sets
// are disjoint, so a relayed message can never re-enter the relay.
func (f *Forwarder) Run() {
	// Outward: internal publications fan back to us off the broker, then get
	// re-published on the bot-scoped external topic with the payload intact.
	f.bus.Subscribe(bus.InternalSignal, f.outward(bus.ExternalSignal(f.botID)))
	f.bus.Subscribe(bus.InternalBarAck, f.outward(bus.ExternalBarAck(f.botID)))
	f.bus.Subscribe(bus.InternalHistRequest, f.outward(bus.ExternalHistRequest))
	f.bus.Subscribe(bus.InternalReady, f.outward(bus.ExternalReady(f.botID)))

	// Inward.
	f.bus.Subscribe(bus.ExternalMarketData, f.inward(bus.InternalMarketData, nil))
	f.bus.Subscribe(bus.ExternalHistResponse(f.botID), f.inward(bus.InternalHistResponse, f.resolvePending))
	f.bus.Subscribe(bus.ExternalPosition(f.botID), f.inward(bus.InternalPosition, f.refreshMirror))
	f.bus.Subscribe(bus.ExternalStop(f.botID), f.inward(bus.InternalStop, nil))
}

// outward returns a handler that republishes the payload verbatim on the
// external topic, tagging the envelope with the session's botId.
func (f *Forwarder) outward(externalTopic string) bus.Handler {
	return func(m bus.Message) {
		if err := f.bus.PublishAs(externalTopic, f.botID, m.Payload); err != nil {
			f.log.Warn().Err(err).Str("topic", externalTopic).Msg("outward relay failed")
			return
		}
		metrics.RelayedMessagesTotal.WithLabelValues("outward").Inc()
	}
}

// inward returns a handler that republishes the payload verbatim on the
// internal topic. inspect, when set, gets a look at the payload first so the
// mirror and pending map stay current; a payload inspect cannot parse is
// still relayed.
func (f *Forwarder) inward(internalTopic string, inspect func([]byte)) bus.Handler {
	return func(m bus.Message) {
		if inspect != nil {
			inspect(m.Payload)
		}
		if err := f.bus.Publish(internalTopic, m.Payload); err != nil {
			f.log.Warn().Err(err).Str("topic", internalTopic).Msg("inward relay failed")
			return
		}
		metrics.RelayedMessagesTotal.WithLabelValues("inward").Inc()
	}
}

func (f *Forwarder) resolvePending(payload []byte) {
	var resp signal.HistoricalDataResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		f.log.Warn().Err(err).Msg("unparseable historical data response, relaying anyway")
		return
	}
	f.mu.Lock()
	ch, ok := f.pending[resp.RequestID]
	if ok {
		delete(f.pending, resp.RequestID)
	}
	f.mu.Unlock()
	if ok {
		ch <- resp
	} else {
		f.log.Debug().Str("requestId", resp.RequestID).Msg("response for unknown or abandoned request")
	}
}

func (f *Forwarder) refreshMirror(payload []byte) {
	var update signal.PositionUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		f.log.Warn().Err(err).Msg("unparseable position update, relaying anyway")
		return
	}
	f.mu.Lock()
	f.positions = update.Positions
	f.mu.Unlock()
}

// IsConnected reports bus health. False means the forwarder is degraded:
// local queries still work, publishes fail fast.
func (f *Forwarder) IsConnected() bool { return f.bus.IsConnected() }

// Positions returns the mirrored position set. The mirror may lag the
// controller by one round trip and must be treated as read-only.
func (f *Forwarder) Positions() []signal.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]signal.Position, len(f.positions))
	copy(out, f.positions)
	return out
}

// Position returns the mirrored position for one instrument, or nil.
func (f *Forwarder) Position(instrument string) *signal.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.positions {
		if f.positions[i].Instrument == instrument {
			p := f.positions[i]
			return &p
		}
	}
	return nil
}

// LatestSignal returns the most recent signal published through this
// forwarder, or nil if none has been.
func (f *Forwarder) LatestSignal() *signal.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastSignal == nil {
		return nil
	}
	s := *f.lastSignal
	return &s
}

// ConfigValue looks up a configuration value exposed to the strategy.
func (f *Forwarder) ConfigValue(key string) (string, bool) {
	v, ok := f.cfg[key]
	return v, ok
}

// PublishSignal stamps the signal with the session's botId, updates the
// mirror, and publishes it on the internal signal topic.
func (f *Forwarder) PublishSignal(sig signal.Signal) error {
	sig.BotID = f.botID
	if err := f.bus.PublishJSON(bus.InternalSignal, sig); err != nil {
		return err
	}
	f.mu.Lock()
	f.lastSignal = &sig
	f.mu.Unlock()
	return nil
}

// PublishBarAck reports bar completion on the internal ack topic.
func (f *Forwarder) PublishBarAck(ack signal.BarAck) error {
	return f.bus.PublishJSON(bus.InternalBarAck, ack)
}

// PublishReady announces host readiness on the internal ready topic.
func (f *Forwarder) PublishReady(strategyName string) error {
	return f.bus.PublishJSON(bus.InternalReady, signal.Ready{BotID: f.botID, Strategy: strategyName})
}

// RequestHistoricalData asks the bootstrap service for warm-up bars and
// blocks until a response, context cancellation, or timeout. Correlation is
// by generated requestId, so concurrent requests interleave safely.
func (f *Forwarder) RequestHistoricalData(ctx context.Context, req signal.HistoricalDataRequest) (*signal.HistoricalDataPayload, error) {
	req.RequestID = uuid.NewString()
	req.BotID = f.botID

	ch := make(chan signal.HistoricalDataResponse, 1)
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil, errors.New("forwarder stopped")
	}
	f.pending[req.RequestID] = ch
	f.mu.Unlock()

	if err := f.bus.PublishJSON(bus.InternalHistRequest, req); err != nil {
		f.mu.Lock()
		delete(f.pending, req.RequestID)
		f.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if !resp.Success {
			return nil, errors.New(resp.Error)
		}
		return resp.Data, nil
	case <-ctx.Done():
		f.mu.Lock()
		delete(f.pending, req.RequestID)
		f.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrRequestTimeout
		}
		return nil, ctx.Err()
	}
}

// AbandonPending drops all in-flight historical data requests. Called on
// session stop; no response is awaited afterwards.
func (f *Forwarder) AbandonPending() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	for id := range f.pending {
		delete(f.pending, id)
	}
}
