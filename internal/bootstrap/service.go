// Package bootstrap serves historical warm-up bars to strategies over the bus.
package bootstrap

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bridgebot-go/internal/barstore"
	"bridgebot-go/internal/bus"
	"bridgebot-go/internal/market"
	"bridgebot-go/internal/metrics"
	"bridgebot-go/internal/signal"
)

// DataSource tags every successful response with where the bars came from.
const DataSource = "csv-archive"

// Bus is the slice of the bus client the service needs.
type Bus interface {
	Subscribe(pattern string, h bus.Handler)
	PublishJSON(topic string, v any) error
}

// Clock supplies the simulated "current" point in the backtest timeline.
// Wall-clock time must never leak into served history.
type Clock interface {
	Now() time.Time
}

// Stats are the service's live counters.
type Stats struct {
	Received   uint64
	Served     uint64
	Failed     uint64
	BarsServed uint64
	PerSymbol  map[string]uint64
}

// Service listens for historical-data requests and answers each exactly once
// with bars sliced strictly before the simulated clock.
type Service struct {
	bus     Bus
	store   *barstore.Store
	clock   Clock
	log     zerolog.Logger
	symbols map[string]struct{}

	mu    sync.Mutex
	stats Stats
}

// NewService wires the service; call Run to bind the request subscription.
func NewService(b Bus, store *barstore.Store, clock Clock, symbols []string, log zerolog.Logger) *Service {
	supported := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		supported[s] = struct{}{}
	}
	return &Service{
		bus:     b,
		store:   store,
		clock:   clock,
		log:     log,
		symbols: supported,
		stats:   Stats{PerSymbol: make(map[string]uint64)},
	}
}

// Run subscribes to the external request topic. Handlers run one at a time on
// the bus read goroutine; only the counters need locking because Stats is
// also read from other goroutines.
func (s *Service) Run() {
	s.bus.Subscribe(bus.ExternalHistRequest, s.handle)
	s.log.Info().Int("symbols", len(s.symbols)).Msg("historical bootstrap service listening")
}

// Stats returns a copy of the live counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.PerSymbol = make(map[string]uint64, len(s.stats.PerSymbol))
	for k, v := range s.stats.PerSymbol {
		out.PerSymbol[k] = v
	}
	return out
}

func (s *Service) handle(msg bus.Message) {
	var req signal.HistoricalDataRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		s.log.Warn().Err(err).Msg("undecodable historical data request")
		s.countFailed()
		return
	}
	if req.BotID == "" {
		req.BotID = msg.BotID
	}
	s.countReceived(req.Symbol)

	if err := req.Validate(); err != nil {
		s.reply(req, signal.HistoricalDataResponse{RequestID: req.RequestID, Success: false, Error: err.Error()})
		return
	}

	if _, ok := s.symbols[req.Symbol]; !ok {
		// Never substitute another instrument's data.
		s.reply(req, signal.HistoricalDataResponse{
			RequestID: req.RequestID,
			Success:   false,
			Error:     fmt.Sprintf("symbol not available: %s", req.Symbol),
		})
		return
	}

	now := s.clock.Now()
	bars, err := s.store.LastN(req.Symbol, now, req.BarsBack)
	if err != nil {
		if errors.Is(err, barstore.ErrSymbolNotAvailable) {
			s.reply(req, signal.HistoricalDataResponse{
				RequestID: req.RequestID,
				Success:   false,
				Error:     fmt.Sprintf("symbol not available: %s", req.Symbol),
			})
			return
		}
		s.log.Error().Err(err).Str("symbol", req.Symbol).Msg("bar store query failed")
		s.reply(req, signal.HistoricalDataResponse{RequestID: req.RequestID, Success: false, Error: "bar store query failed"})
		return
	}

	// An empty slice is a successful answer: the strategy proceeds not-ready
	// instead of blocking on data that does not exist.
	s.replyServed(req, signal.HistoricalDataResponse{
		RequestID: req.RequestID,
		Success:   true,
		Data: &signal.HistoricalDataPayload{
			Bars:         market.ToWire(bars),
			DataSource:   DataSource,
			Symbol:       req.Symbol,
			BarsReturned: len(bars),
		},
	})
}

func (s *Service) reply(req signal.HistoricalDataRequest, resp signal.HistoricalDataResponse) {
	s.countFailed()
	metrics.BootstrapRequestsTotal.WithLabelValues(labelSymbol(req.Symbol), "failed").Inc()
	s.publish(req.BotID, resp)
}

func (s *Service) replyServed(req signal.HistoricalDataRequest, resp signal.HistoricalDataResponse) {
	served := 0
	if resp.Data != nil {
		served = resp.Data.BarsReturned
	}
	s.countServed(served)
	metrics.BootstrapRequestsTotal.WithLabelValues(labelSymbol(req.Symbol), "served").Inc()
	metrics.BootstrapBarsServedTotal.WithLabelValues(labelSymbol(req.Symbol)).Add(float64(served))
	s.publish(req.BotID, resp)
}

func (s *Service) publish(botID string, resp signal.HistoricalDataResponse) {
	topic := bus.ExternalHistResponse(botID)
	if err := s.bus.PublishJSON(topic, resp); err != nil {
		s.log.Error().Err(err).Str("topic", topic).Str("requestId", resp.RequestID).Msg("failed to publish bootstrap response")
	}
}

func (s *Service) countReceived(symbol string) {
	s.mu.Lock()
	s.stats.Received++
	if symbol != "" {
		s.stats.PerSymbol[symbol]++
	}
	s.mu.Unlock()
}

func (s *Service) countServed(bars int) {
	s.mu.Lock()
	s.stats.Served++
	s.stats.BarsServed += uint64(bars)
	s.mu.Unlock()
}

func (s *Service) countFailed() {
	s.mu.Lock()
	s.stats.Failed++
	s.mu.Unlock()
}

func labelSymbol(symbol string) string {
	if symbol == "" {
		return "unknown"
	}
	return symbol
}
