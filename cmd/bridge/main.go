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
	"github.com/rs/zerolog"

	"bridgebot-go/internal/barstore"
	"bridgebot-go/internal/bootstrap"
	"bridgebot-go/internal/bridge"
	"bridgebot-go/internal/bus"
	"bridgebot-go/internal/config"
	"bridgebot-go/internal/market"
	"bridgebot-go/internal/metrics"
	"bridgebot-go/internal/portfolio"
	"bridgebot-go/internal/risk"
	"bridgebot-go/internal/util"
)

func main() {
	_ = godotenv.Load() // best-effort

	configPath := flag.String("config", "internal/config/config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallbackLog := util.NewLogger("info")
		fallbackLog.Fatal().Err(err).Msg("load config")
	}
	log := util.NewLogger(cfg.App.LogLevel)

	if cfg.App.MetricsAddr != "" {
		_ = metrics.Serve(cfg.App.MetricsAddr)
		log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Bus: either host our own broker or join an existing one.
	busURL := cfg.Bus.URL
	if cfg.Bus.ListenAddr != "" {
		broker := bus.NewBroker(log)
		if err := broker.Start(cfg.Bus.ListenAddr); err != nil {
			log.Fatal().Err(err).Msg("start broker")
		}
		defer broker.Close()
		busURL = broker.URL()
		log.Info().Str("url", busURL).Msg("broker up")
	}
	client, err := bus.Dial(ctx, busURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("dial bus")
	}
	defer client.Close()

	start, end, err := cfg.Session.DateRange()
	if err != nil {
		log.Fatal().Err(err).Msg("session date range")
	}

	store := barstore.New(cfg.Data.Dir, cfg.Data.CacheMonths, log)
	clock := bridge.NewSimClock(start)
	bootstrap.NewService(client, store, clock, cfg.Data.Symbols, log).Run()

	account := portfolio.NewAccount(cfg.Portfolio.StartingCash, cfg.Risk.MaxPositionPerSymbol)
	ledger := portfolio.NewLedger()
	recorder := portfolio.FillRecorder(ledger)
	if cfg.Portfolio.FillsPath != "" {
		jsonl, err := portfolio.NewJSONLRecorder(cfg.Portfolio.FillsPath, log)
		if err != nil {
			log.Fatal().Err(err).Msg("open fills file")
		}
		defer jsonl.Close()
		recorder = portfolio.Tee(ledger, jsonl)
	}

	ctrl := bridge.NewController(bridge.Deps{
		Bus:      client,
		BusURL:   busURL,
		Launcher: bridge.NewExecLauncher(log),
		Clock:    clock,
		Account:  account,
		Recorder: recorder,
		Limits: risk.Limits{
			MaxNotionalPerTrade:  cfg.Risk.MaxNotionalPerTrade,
			MaxPositionPerSymbol: cfg.Risk.MaxPositionPerSymbol,
		},
		Bridge:   cfg.Bridge,
		Session:  cfg.Session,
		Strategy: cfg.Strategy,
		Log:      log,
	})

	bars := loadBars(cfg, store, start, end, log)
	if len(bars) == 0 {
		log.Fatal().Str("symbol", cfg.Session.Symbol).Msg("no bars to feed")
	}

	if err := ctrl.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("session start")
	}
	log.Info().
		Str("bot", cfg.Session.BotID).
		Str("symbol", cfg.Session.Symbol).
		Int("bars", len(bars)).
		Msg("session ready, feeding bars")

	for i, bar := range bars {
		if ctx.Err() != nil {
			log.Warn().Msg("interrupted")
			break
		}
		sig, err := ctrl.FeedBar(ctx, bar)
		if err != nil {
			sess := ctrl.Session()
			log.Error().Err(err).
				Str("bot", sess.BotID).
				Str("symbol", sess.Symbol).
				Time("lastBar", sess.LastBarTime()).
				Int("barIndex", i).
				Msg("session failed")
			break
		}
		if sig != nil {
			log.Info().
				Str("direction", string(sig.Direction)).
				Float64("entry", sig.EntryPrice).
				Time("bar", bar.Timestamp).
				Str("reason", sig.Reason).
				Msg("signal applied")
		}
	}

	if err := ctrl.Stop("backtest complete"); err != nil {
		log.Warn().Err(err).Msg("stop session")
	}

	summarize(log, cfg, ctrl, account, ledger, bars)
}

// loadBars pulls the session window from the CSV archive, falling back to a
// synthetic series when the symbol has no archive.
func loadBars(cfg *config.Config, store *barstore.Store, start, end time.Time, log zerolog.Logger) []market.Bar {
	bars, err := store.Load(cfg.Session.Symbol, start, end)
	if err == nil {
		return bars
	}
	if !errors.Is(err, barstore.ErrSymbolNotAvailable) {
		log.Fatal().Err(err).Msg("load bars")
	}

	tf, tfErr := market.ParseTimeframe(cfg.Session.Timeframe)
	if tfErr != nil {
		tf = time.Minute
	}
	n := int(end.Sub(start)/tf) + 1
	if n > 500 {
		n = 500
	}
	log.Warn().
		Str("symbol", cfg.Session.Symbol).
		Int("bars", n).
		Msg("no archive for symbol, using synthetic bars")
	return market.NewGenerator(cfg.Session.Symbol, start, tf, 70.0, 0.05).Bars(n)
}

func summarize(log zerolog.Logger, cfg *config.Config, ctrl *bridge.Controller, account *portfolio.Account, ledger *portfolio.Ledger, bars []market.Bar) {
	marks := map[string]float64{}
	if len(bars) > 0 {
		marks[cfg.Session.Symbol] = bars[len(bars)-1].Close
	}
	snap := account.Snapshot(marks)
	stats := ctrl.Session().Stats()
	trades := ledger.Summarize()

	log.Info().
		Str("status", string(ctrl.Session().Status())).
		Uint64("barsSent", stats.BarsSent).
		Uint64("signals", stats.SignalsReceived).
		Uint64("discarded", stats.SignalsDiscarded).
		Uint64("timeouts", stats.SignalTimeouts).
		Int("fills", trades.Fills).
		Float64("cash", snap.Cash).
		Float64("equity", snap.Equity).
		Float64("realizedPnl", snap.RealizedPnL).
		Float64("return", snap.Equity-account.StartingCash()).
		Msg("backtest summary")
}
