// Package host implements the strategy host adapter: the thin shim that runs
// inside the strategy process, feeds bars from the bus into the strategy, and
// reports signals and acks back through the forwarder. The strategy never
// learns it is sandboxed behind a bus.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bridgebot-go/internal/bus"
	"bridgebot-go/internal/forwarder"
	"bridgebot-go/internal/market"
	"bridgebot-go/internal/signal"
	"bridgebot-go/internal/strategy"
)

// Options configures an adapter.
type Options struct {
	BotID           string
	Symbol          string
	Timeframe       string
	SessionTemplate string
	// WarmupBars requests this many historical bars before declaring ready.
	// Zero skips the bootstrap round trip.
	WarmupBars int
	// WarmupTimeout bounds the bootstrap request. A timeout is non-fatal;
	// the strategy just starts cold.
	WarmupTimeout time.Duration
	// Stdout receives the readiness marker line. Defaults to os.Stdout.
	Stdout io.Writer
}

// Adapter wires a strategy to the forwarder and drives its lifecycle.
type Adapter struct {
	fwd   *forwarder.Forwarder
	bus   forwarder.Bus
	strat strategy.Strategy
	opts  Options
	log   zerolog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

// New builds an adapter. The forwarder must be built on the same bus client.
func New(b forwarder.Bus, fwd *forwarder.Forwarder, strat strategy.Strategy, opts Options, log zerolog.Logger) *Adapter {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.WarmupTimeout <= 0 {
		opts.WarmupTimeout = 5 * time.Second
	}
	return &Adapter{
		fwd:     fwd,
		bus:     b,
		strat:   strat,
		opts:    opts,
		log:     log.With().Str("component", "host").Str("bot", opts.BotID).Logger(),
		stopped: make(chan struct{}),
	}
}

// Run executes the host lifecycle: relay wiring, warm-up, readiness, then bar
// processing until a stop instruction or context cancellation.
func (a *Adapter) Run(ctx context.Context) error {
	a.fwd.Run()
	a.bus.Subscribe(bus.InternalMarketData, a.onMarketData)
	a.bus.Subscribe(bus.InternalStop, a.onStop)

	a.warmup(ctx)

	if err := a.fwd.PublishReady(a.strat.Name()); err != nil {
		return fmt.Errorf("publish readiness: %w", err)
	}
	// Secondary readiness channel for drivers that watch the pipe. The bus
	// publication above is authoritative.
	fmt.Fprintf(a.opts.Stdout, "%s %s\n", signal.StdoutReadyPrefix, a.opts.BotID)
	a.log.Info().Str("strategy", a.strat.Name()).Msg("host ready")

	select {
	case <-ctx.Done():
		a.shutdown("context cancelled")
		return ctx.Err()
	case <-a.stopped:
		return nil
	}
}

// warmup seeds the strategy from the bootstrap service when it supports it.
func (a *Adapter) warmup(ctx context.Context) {
	seeder, ok := a.strat.(strategy.HistorySeeder)
	if !ok || a.opts.WarmupBars <= 0 {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.opts.WarmupTimeout)
	defer cancel()
	payload, err := a.fwd.RequestHistoricalData(reqCtx, signal.HistoricalDataRequest{
		Symbol:          a.opts.Symbol,
		BarsBack:        a.opts.WarmupBars,
		Timeframe:       a.opts.Timeframe,
		SessionTemplate: a.opts.SessionTemplate,
	})
	if err != nil {
		a.log.Warn().Err(err).Msg("warm-up bootstrap failed, starting cold")
		return
	}

	bars, err := market.FromWire(payload.Bars)
	if err != nil {
		a.log.Warn().Err(err).Msg("warm-up bars invalid, starting cold")
		return
	}
	seeder.SeedHistory(bars)
	a.log.Info().Int("bars", len(bars)).Str("source", payload.DataSource).Msg("strategy warmed up")
}

// onMarketData feeds one bar through the strategy. The signal, when one is
// emitted, is published before the ack so the controller always sees it
// first.
func (a *Adapter) onMarketData(m bus.Message) {
	var md signal.MarketData
	if err := json.Unmarshal(m.Payload, &md); err != nil {
		a.log.Warn().Err(err).Msg("unparseable market data, no ack possible")
		return
	}
	bar, err := md.Bar.Bar()
	if err != nil {
		a.log.Warn().Err(err).Uint64("seq", md.Seq).Msg("invalid bar, acking without processing")
		a.ack(md.Seq, false)
		return
	}

	sig := a.strat.ProcessBar(bar)
	if sig != nil {
		if err := a.fwd.PublishSignal(*sig); err != nil {
			a.log.Error().Err(err).Uint64("seq", md.Seq).Msg("failed to publish signal")
			sig = nil
		}
	}
	a.ack(md.Seq, sig != nil)
}

func (a *Adapter) ack(seq uint64, emitted bool) {
	if err := a.fwd.PublishBarAck(signal.BarAck{Seq: seq, SignalEmitted: emitted}); err != nil {
		a.log.Error().Err(err).Uint64("seq", seq).Msg("failed to publish bar ack")
	}
}

func (a *Adapter) onStop(m bus.Message) {
	var stop signal.Stop
	_ = json.Unmarshal(m.Payload, &stop)
	a.shutdown(stop.Reason)
}

func (a *Adapter) shutdown(reason string) {
	a.stopOnce.Do(func() {
		if reason == "" {
			reason = "stop requested"
		}
		a.log.Info().Str("reason", reason).Msg("host shutting down")
		a.fwd.AbandonPending()
		close(a.stopped)
	})
}
