package main

import (
	"context"
	"errors"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bridgebot-go/internal/bus"
	"bridgebot-go/internal/config"
	"bridgebot-go/internal/forwarder"
	"bridgebot-go/internal/host"
	"bridgebot-go/internal/strategy"
	"bridgebot-go/internal/util"
)

func main() {
	_ = godotenv.Load() // best-effort

	var (
		busURL        = flag.String("bus", envOr("BRIDGE_BUS_URL", "ws://127.0.0.1:7450/bus"), "bus websocket URL")
		botID         = flag.String("bot", envOr("BRIDGE_BOT_ID", ""), "bot session id")
		symbol        = flag.String("symbol", "", "instrument symbol")
		timeframe     = flag.String("timeframe", "1m", "bar timeframe")
		mode          = flag.String("strategy", "momentum", "strategy mode")
		momentumBars  = flag.Int("momentum-bars", 0, "closes in the momentum window")
		warmupBars    = flag.Int("warmup-bars", 0, "bars to bootstrap before trading")
		positionSize  = flag.Float64("position-size", 0, "contracts per entry")
		stopLossPct   = flag.Float64("stop-loss-pct", 0, "stop loss percent, 0 disables")
		takeProfitPct = flag.Float64("take-profit-pct", 0, "take profit percent, 0 disables")
		logLevel      = flag.String("log-level", envOr("BRIDGE_LOG_LEVEL", "info"), "log level")
	)
	flag.Parse()

	// Logs go to stderr: stdout is reserved for the readiness marker the
	// bridge watches.
	log := util.NewLoggerTo(os.Stderr, *logLevel)
	if *botID == "" || *symbol == "" {
		log.Fatal().Msg("-bot and -symbol are required")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := bus.Dial(ctx, *busURL, log)
	if err != nil {
		log.Fatal().Err(err).Str("url", *busURL).Msg("dial bus")
	}
	defer client.Close()

	params := config.StrategyParams{
		MomentumBars:  *momentumBars,
		WarmupBars:    *warmupBars,
		PositionSize:  *positionSize,
		StopLossPct:   *stopLossPct,
		TakeProfitPct: *takeProfitPct,
	}
	strat, err := strategy.Build(*mode, *symbol, params)
	if err != nil {
		log.Fatal().Err(err).Msg("build strategy")
	}

	fwd := forwarder.New(client, *botID, map[string]string{
		"symbol":    *symbol,
		"timeframe": *timeframe,
		"strategy":  *mode,
	}, log)

	adapter := host.New(client, fwd, strat, host.Options{
		BotID:         *botID,
		Symbol:        *symbol,
		Timeframe:     *timeframe,
		WarmupBars:    *warmupBars,
		WarmupTimeout: 5 * time.Second,
	}, log)

	if err := adapter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("host run")
	}
	log.Info().Str("bot", *botID).Msg("host exited cleanly")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
