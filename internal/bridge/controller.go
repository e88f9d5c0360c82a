package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"bridgebot-go/internal/bus"
	"bridgebot-go/internal/config"
	"bridgebot-go/internal/execution"
	"bridgebot-go/internal/market"
	"bridgebot-go/internal/metrics"
	"bridgebot-go/internal/portfolio"
	"bridgebot-go/internal/risk"
	"bridgebot-go/internal/signal"
)

// Bus is the subset of the bus client the controller needs.
type Bus interface {
	Subscribe(pattern string, h bus.Handler)
	PublishJSON(topic string, v any) error
	IsConnected() bool
}

// Deps wires a controller. All fields are required unless noted.
type Deps struct {
	Bus      Bus
	BusURL   string
	Launcher Launcher
	Clock    *SimClock
	Account  *portfolio.Account
	// Recorder receives simulated fills. Optional.
	Recorder portfolio.FillRecorder
	Limits   risk.Limits
	Bridge   config.Bridge
	Session  config.Session
	Strategy config.Strategy
	Log      zerolog.Logger
}

// Controller owns one strategy session: it is the single writer of the
// position set and the only component that feeds bars.
type Controller struct {
	deps    Deps
	session *Session
	log     zerolog.Logger

	seq  uint64
	proc Process

	readyCh  chan signal.Ready
	signalCh chan signal.Signal
	ackCh    chan signal.BarAck
}

// NewController builds a controller for the configured session.
func NewController(deps Deps) *Controller {
	if deps.Recorder == nil {
		deps.Recorder = portfolio.NopRecorder{}
	}
	botID := deps.Session.BotID
	return &Controller{
		deps:    deps,
		session: NewSession(botID, deps.Session.Symbol),
		log:     deps.Log.With().Str("component", "bridge").Str("bot", botID).Logger(),
		readyCh: make(chan signal.Ready, 1),
		// Buffered so a burst of signals for one bar never blocks the bus
		// client's dispatch goroutine.
		signalCh: make(chan signal.Signal, 16),
		ackCh:    make(chan signal.BarAck, 16),
	}
}

// Session exposes the lifecycle state and counters.
func (c *Controller) Session() *Session { return c.session }

// Start subscribes the session topics, launches the strategy host, and waits
// for readiness. On return with nil error the session is READY.
func (c *Controller) Start(ctx context.Context) error {
	botID := c.session.BotID

	c.deps.Bus.Subscribe(bus.ExternalReady(botID), c.onReady)
	c.deps.Bus.Subscribe(bus.ExternalSignal(botID), c.onSignal)
	c.deps.Bus.Subscribe(bus.ExternalBarAck(botID), c.onAck)

	proc, err := c.deps.Launcher.Launch(ctx, LaunchSpec{
		HostPath:  c.deps.Bridge.HostPath,
		BusURL:    c.deps.BusURL,
		BotID:     botID,
		Symbol:    c.session.Symbol,
		Timeframe: c.deps.Session.Timeframe,
		Strategy:  c.deps.Strategy.Mode,
		ExtraArgs: hostParamArgs(c.deps.Strategy.Params),
	})
	if err != nil {
		_ = c.session.fail(fmt.Sprintf("launch failed: %v", err))
		return err
	}
	c.proc = proc

	select {
	case ready := <-c.readyCh:
		c.log.Info().Str("strategy", ready.Strategy).Msg("host ready")
	case <-proc.ReadyFromStdout():
		// Bus readiness never arrived but the stdout marker did. Accept it;
		// the bus message may simply have raced the subscription.
		c.log.Info().Msg("host ready (stdout marker)")
	case <-proc.Done():
		reason := fmt.Sprintf("host exited before ready: %v", proc.Err())
		_ = c.session.fail(reason)
		return fmt.Errorf("%s", reason)
	case <-time.After(c.deps.Bridge.ReadyTimeout()):
		_ = c.session.fail("host readiness timeout")
		_ = proc.Stop(c.deps.Bridge.StopGrace())
		return fmt.Errorf("session %s: host readiness timeout", botID)
	case <-ctx.Done():
		_ = c.session.fail("cancelled during startup")
		_ = proc.Stop(c.deps.Bridge.StopGrace())
		return ctx.Err()
	}

	return c.session.transition(StatusReady)
}

// FeedBar publishes one bar to the strategy and blocks until the bar is
// acknowledged, the signal timeout elapses, or the host dies. It returns the
// signal applied for this bar, or nil when the bar produced none. A timeout
// is not an error; a dead host is.
func (c *Controller) FeedBar(ctx context.Context, bar market.Bar) (*signal.Signal, error) {
	switch c.session.Status() {
	case StatusReady:
		if err := c.session.transition(StatusRunning); err != nil {
			return nil, err
		}
	case StatusRunning:
	default:
		return nil, fmt.Errorf("session %s: cannot feed bars in state %s", c.session.BotID, c.session.Status())
	}

	// Late signals from a previous bar are stale by definition.
	c.discardPendingSignals("late signal from previous bar")

	// Simulated time moves first so any bootstrap request made while this
	// bar is processed sees it.
	c.deps.Clock.SetNow(bar.Timestamp)
	c.seq++

	md := signal.MarketData{Symbol: c.session.Symbol, Seq: c.seq, Bar: bar.Wire()}
	if err := c.deps.Bus.PublishJSON(bus.ExternalMarketData, md); err != nil {
		return nil, fmt.Errorf("publish bar %d: %w", c.seq, err)
	}
	c.session.recordBar(bar.Timestamp)
	metrics.BarsFedTotal.WithLabelValues(c.session.Symbol).Inc()

	timeout := time.NewTimer(c.deps.Bridge.SignalTimeout())
	defer timeout.Stop()

	for {
		select {
		case ack := <-c.ackCh:
			if ack.Seq != c.seq {
				// An ack from a timed-out bar. Per-connection FIFO means its
				// signal, if any, is already buffered ahead of anything for
				// the current bar, so drain now or it would be misattributed.
				c.log.Debug().Uint64("seq", ack.Seq).Uint64("want", c.seq).Msg("stale ack")
				c.discardPendingSignals("late signal from timed-out bar")
				continue
			}
			c.session.recordAck()
			if !ack.SignalEmitted {
				// The host says this bar produced nothing; whatever is
				// buffered is a stray from an earlier bar.
				c.discardPendingSignals("buffered signal for a bar acked without one")
				return nil, nil
			}
			sig := c.takeFirstSignal()
			if sig == nil {
				c.log.Warn().Uint64("seq", c.seq).Msg("ack claims a signal that never arrived")
				return nil, nil
			}
			c.applySignal(sig, bar)
			return sig, nil

		case <-timeout.C:
			// No signal for this bar. Anything that trickles in later
			// belongs to nobody.
			c.session.recordTimeout()
			c.log.Warn().Uint64("seq", c.seq).Time("bar", bar.Timestamp).Msg("bar timed out, treating as no signal")
			return nil, nil

		case <-c.proc.Done():
			reason := fmt.Sprintf("host crashed at bar %s: %v", bar.Timestamp.Format(time.RFC3339), c.proc.Err())
			_ = c.session.fail(reason)
			return nil, fmt.Errorf("%s", reason)

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Stop terminates the session: a stop instruction over the bus, a grace
// period, then a kill. Safe to call from any non-terminal state.
func (c *Controller) Stop(reason string) error {
	if c.session.Status().Terminal() {
		return nil
	}
	if err := c.session.transition(StatusStopping); err != nil {
		return err
	}
	c.log.Info().Str("reason", reason).Msg("stopping session")

	if err := c.deps.Bus.PublishJSON(bus.ExternalStop(c.session.BotID), signal.Stop{Reason: reason}); err != nil {
		c.log.Warn().Err(err).Msg("could not publish stop, killing directly")
	}
	if c.proc != nil {
		if err := c.proc.Stop(c.deps.Bridge.StopGrace()); err != nil {
			c.log.Warn().Err(err).Msg("host stop")
		}
	}
	return c.session.transition(StatusStopped)
}

func (c *Controller) onReady(m bus.Message) {
	var ready signal.Ready
	if err := json.Unmarshal(m.Payload, &ready); err != nil {
		c.log.Warn().Err(err).Msg("unparseable ready message")
		return
	}
	select {
	case c.readyCh <- ready:
	default:
	}
}

func (c *Controller) onSignal(m bus.Message) {
	var sig signal.Signal
	if err := json.Unmarshal(m.Payload, &sig); err != nil {
		c.log.Warn().Err(err).Msg("unparseable signal discarded")
		c.session.recordDiscard()
		metrics.SignalsDiscardedTotal.WithLabelValues(c.session.Symbol).Inc()
		return
	}
	select {
	case c.signalCh <- sig:
	default:
		c.log.Warn().Msg("signal buffer full, discarding")
		c.session.recordDiscard()
		metrics.SignalsDiscardedTotal.WithLabelValues(c.session.Symbol).Inc()
	}
}

func (c *Controller) onAck(m bus.Message) {
	var ack signal.BarAck
	if err := json.Unmarshal(m.Payload, &ack); err != nil {
		c.log.Warn().Err(err).Msg("unparseable bar ack")
		return
	}
	select {
	case c.ackCh <- ack:
	default:
	}
}

// takeFirstSignal pops the first buffered signal; any others for the same bar
// lose the race and are discarded.
func (c *Controller) takeFirstSignal() *signal.Signal {
	var first *signal.Signal
	for {
		select {
		case sig := <-c.signalCh:
			if first == nil {
				s := sig
				first = &s
				continue
			}
			c.session.recordDiscard()
			metrics.SignalsDiscardedTotal.WithLabelValues(c.session.Symbol).Inc()
			c.log.Warn().Str("direction", string(sig.Direction)).Msg("extra signal for bar discarded, first wins")
		default:
			return first
		}
	}
}

func (c *Controller) discardPendingSignals(why string) {
	for {
		select {
		case sig := <-c.signalCh:
			c.session.recordDiscard()
			metrics.SignalsDiscardedTotal.WithLabelValues(c.session.Symbol).Inc()
			c.log.Warn().Str("direction", string(sig.Direction)).Msg(why)
		default:
			return
		}
	}
}

// applySignal runs the signal through risk checks and the simulated
// portfolio, then pushes the refreshed position mirror to the host.
func (c *Controller) applySignal(sig *signal.Signal, bar market.Bar) {
	c.session.recordSignal()
	metrics.SignalsTotal.WithLabelValues(c.session.Symbol, string(sig.Direction)).Inc()

	if !sig.Direction.Valid() {
		c.log.Warn().Str("direction", string(sig.Direction)).Msg("signal with unknown direction ignored")
		c.session.recordDiscard()
		return
	}

	symbol := sig.Instrument
	if symbol == "" {
		symbol = c.session.Symbol
	}
	// Keep the order path on the same resolved symbol so a later close
	// can actually flatten the position it opened.
	sig.Instrument = symbol

	if sig.Direction == signal.DirectionClose {
		prior := c.deps.Account.Position(symbol)
		closed, err := c.deps.Account.Flatten(symbol, bar.Close)
		if err != nil {
			c.log.Error().Err(err).Msg("flatten failed")
			return
		}
		if closed > 0 {
			side := execution.Sell
			if prior < 0 {
				side = execution.Buy
			}
			c.deps.Recorder.Record(execution.Fill{
				Symbol: symbol,
				Side:   side,
				Qty:    closed,
				Price:  bar.Close,
				Ts:     c.deps.Clock.Now(),
				BotID:  c.session.BotID,
				Reason: sig.Reason,
			})
		}
		c.pushPositions(bar)
		return
	}

	order, err := execution.BuildOrder(*sig, bar.Close, c.deps.Strategy.Params.PositionSize)
	if err != nil {
		c.log.Warn().Err(err).Msg("signal did not produce an order")
		c.session.recordDiscard()
		return
	}
	if err := c.deps.Limits.Check(order, c.deps.Account.Position(order.Symbol)); err != nil {
		c.log.Warn().Err(err).Msg("order rejected by risk limits")
		c.session.recordDiscard()
		metrics.SignalsDiscardedTotal.WithLabelValues(c.session.Symbol).Inc()
		return
	}
	if err := c.deps.Account.MarketFill(order.Symbol, order.Side, order.Qty, order.Price); err != nil {
		c.log.Warn().Err(err).Msg("fill rejected by account")
		c.session.recordDiscard()
		return
	}
	c.deps.Recorder.Record(execution.Fill{
		Symbol: order.Symbol,
		Side:   order.Side,
		Qty:    order.Qty,
		Price:  order.Price,
		Ts:     c.deps.Clock.Now(),
		BotID:  c.session.BotID,
		Reason: sig.Reason,
	})
	c.pushPositions(bar)
}

// pushPositions refreshes the host-side read-only mirror.
func (c *Controller) pushPositions(bar market.Bar) {
	marks := map[string]float64{c.session.Symbol: bar.Close}
	update := signal.PositionUpdate{
		Positions: c.deps.Account.Positions(marks),
		Timestamp: c.deps.Clock.Now(),
	}
	if err := c.deps.Bus.PublishJSON(bus.ExternalPosition(c.session.BotID), update); err != nil {
		c.log.Warn().Err(err).Msg("position mirror push failed")
	}
}

// hostParamArgs flattens strategy params into host flags.
func hostParamArgs(p config.StrategyParams) []string {
	var args []string
	if p.MomentumBars > 0 {
		args = append(args, "-momentum-bars", strconv.Itoa(p.MomentumBars))
	}
	if p.WarmupBars > 0 {
		args = append(args, "-warmup-bars", strconv.Itoa(p.WarmupBars))
	}
	if p.PositionSize > 0 {
		args = append(args, "-position-size", strconv.FormatFloat(p.PositionSize, 'f', -1, 64))
	}
	if p.StopLossPct > 0 {
		args = append(args, "-stop-loss-pct", strconv.FormatFloat(p.StopLossPct, 'f', -1, 64))
	}
	if p.TakeProfitPct > 0 {
		args = append(args, "-take-profit-pct", strconv.FormatFloat(p.TakeProfitPct, 'f', -1, 64))
	}
	return args
}
