package bootstrap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bridgebot-go/internal/barstore"
	"bridgebot-go/internal/bus"
	"bridgebot-go/internal/signal"
)

// fakeBus loops published messages straight back into local subscriptions.
type fakeBus struct {
	mu   sync.Mutex
	subs map[string][]bus.Handler
	sent []bus.Message
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string][]bus.Handler)}
}

func (f *fakeBus) Subscribe(pattern string, h bus.Handler) {
	f.mu.Lock()
	f.subs[pattern] = append(f.subs[pattern], h)
	f.mu.Unlock()
}

func (f *fakeBus) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.deliver(bus.Message{Topic: topic, Payload: data})
	return nil
}

func (f *fakeBus) deliver(m bus.Message) {
	f.mu.Lock()
	f.sent = append(f.sent, m)
	var handlers []bus.Handler
	for pattern, hs := range f.subs {
		if bus.MatchTopic(pattern, m.Topic) {
			handlers = append(handlers, hs...)
		}
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(m)
	}
}

func (f *fakeBus) replies(topic string) []signal.HistoricalDataResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signal.HistoricalDataResponse
	for _, m := range f.sent {
		if m.Topic != topic {
			continue
		}
		var resp signal.HistoricalDataResponse
		if err := json.Unmarshal(m.Payload, &resp); err == nil {
			out = append(out, resp)
		}
	}
	return out
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func writeMonth(t *testing.T, dir, symbol, month string, rows []string) {
	t.Helper()
	symDir := filepath.Join(dir, symbol)
	if err := os.MkdirAll(symDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := strings.Join(rows, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(symDir, month+".csv"), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func newTestService(t *testing.T, clock Clock) (*Service, *fakeBus) {
	t.Helper()
	dir := t.TempDir()
	rows := make([]string, 0, 60)
	ts := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	px := 71.00
	for i := 0; i < 60; i++ {
		rows = append(rows, ts.Format("02/01/2006;15:04")+";"+
			formatRow(px, px+0.10, px-0.05, px+0.05, 100+int64(i)))
		ts = ts.Add(time.Minute)
		px += 0.05
	}
	writeMonth(t, dir, "MCL", "2024-01", rows)

	store := barstore.New(dir, 4, zerolog.Nop())
	fb := newFakeBus()
	svc := NewService(fb, store, clock, []string{"MCL"}, zerolog.Nop())
	svc.Run()
	return svc, fb
}

func formatRow(o, h, l, c float64, v int64) string {
	return fmt.Sprintf("%.2f;%.2f;%.2f;%.2f;%d", o, h, l, c, v)
}

func request(fb *fakeBus, req signal.HistoricalDataRequest) {
	data, _ := json.Marshal(req)
	fb.deliver(bus.Message{Topic: bus.ExternalHistRequest, BotID: req.BotID, Payload: data})
}

func TestServeBarsBeforeSimulatedTime(t *testing.T) {
	cutoff := time.Date(2024, 1, 2, 9, 50, 0, 0, time.UTC)
	_, fb := newTestService(t, fixedClock{t: cutoff})

	request(fb, signal.HistoricalDataRequest{RequestID: "req-1", Symbol: "MCL", BarsBack: 50, Timeframe: "1m", BotID: "bot-1"})

	replies := fb.replies(bus.ExternalHistResponse("bot-1"))
	if len(replies) != 1 {
		t.Fatalf("expected exactly one response, got %d", len(replies))
	}
	resp := replies[0]
	if !resp.Success || resp.RequestID != "req-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Data == nil || resp.Data.BarsReturned != 50 || len(resp.Data.Bars) != 50 {
		t.Fatalf("expected 50 bars, got %+v", resp.Data)
	}
	if resp.Data.Symbol != "MCL" || resp.Data.DataSource != DataSource {
		t.Fatalf("unexpected data tags: %+v", resp.Data)
	}
	prev := ""
	for i, wb := range resp.Data.Bars {
		ts, err := time.Parse(time.RFC3339, wb.T)
		if err != nil {
			t.Fatalf("bar %d timestamp unparsable: %v", i, err)
		}
		if !ts.Before(cutoff) {
			t.Fatalf("bar %d not strictly before simulated time: %s", i, wb.T)
		}
		if wb.T <= prev {
			t.Fatalf("bars not ascending at %d", i)
		}
		prev = wb.T
	}
}

func TestUnknownSymbolNeverSubstituted(t *testing.T) {
	_, fb := newTestService(t, fixedClock{t: time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)})

	request(fb, signal.HistoricalDataRequest{RequestID: "req-zzz", Symbol: "ZZZ", BarsBack: 10, BotID: "bot-1"})

	replies := fb.replies(bus.ExternalHistResponse("bot-1"))
	if len(replies) != 1 {
		t.Fatalf("expected one response, got %d", len(replies))
	}
	resp := replies[0]
	if resp.Success {
		t.Fatalf("expected failure for unknown symbol")
	}
	if resp.RequestID != "req-zzz" {
		t.Fatalf("correlation broken: %q", resp.RequestID)
	}
	if resp.Data != nil && len(resp.Data.Bars) > 0 {
		t.Fatalf("bars must be absent on failure, got %d", len(resp.Data.Bars))
	}
	if !strings.Contains(resp.Error, "ZZZ") {
		t.Fatalf("error should name the symbol: %q", resp.Error)
	}
}

func TestEmptyWindowSucceedsWithNoBars(t *testing.T) {
	// Simulated time before the archive starts: nothing precedes it.
	_, fb := newTestService(t, fixedClock{t: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)})

	request(fb, signal.HistoricalDataRequest{RequestID: "req-2", Symbol: "MCL", BarsBack: 20, BotID: "bot-1"})

	replies := fb.replies(bus.ExternalHistResponse("bot-1"))
	if len(replies) != 1 {
		t.Fatalf("expected one response, got %d", len(replies))
	}
	resp := replies[0]
	if !resp.Success {
		t.Fatalf("empty window must still succeed: %+v", resp)
	}
	if resp.Data == nil || resp.Data.BarsReturned != 0 {
		t.Fatalf("expected zero bars, got %+v", resp.Data)
	}
}

func TestInvalidRequestRejected(t *testing.T) {
	_, fb := newTestService(t, fixedClock{t: time.Now()})

	request(fb, signal.HistoricalDataRequest{RequestID: "req-3", Symbol: "MCL", BarsBack: 0, BotID: "bot-1"})

	replies := fb.replies(bus.ExternalHistResponse("bot-1"))
	if len(replies) != 1 || replies[0].Success {
		t.Fatalf("expected validation failure, got %+v", replies)
	}
}

func TestCorrelationUnderInterleavedRequests(t *testing.T) {
	cutoff := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	_, fb := newTestService(t, fixedClock{t: cutoff})

	request(fb, signal.HistoricalDataRequest{RequestID: "req-a", Symbol: "MCL", BarsBack: 5, BotID: "bot-a"})
	request(fb, signal.HistoricalDataRequest{RequestID: "req-b", Symbol: "MCL", BarsBack: 7, BotID: "bot-b"})

	repliesA := fb.replies(bus.ExternalHistResponse("bot-a"))
	repliesB := fb.replies(bus.ExternalHistResponse("bot-b"))
	if len(repliesA) != 1 || repliesA[0].RequestID != "req-a" || repliesA[0].Data.BarsReturned != 5 {
		t.Fatalf("bot-a response wrong: %+v", repliesA)
	}
	if len(repliesB) != 1 || repliesB[0].RequestID != "req-b" || repliesB[0].Data.BarsReturned != 7 {
		t.Fatalf("bot-b response wrong: %+v", repliesB)
	}
}

func TestIdempotentRepeatRequest(t *testing.T) {
	cutoff := time.Date(2024, 1, 2, 9, 45, 0, 0, time.UTC)
	_, fb := newTestService(t, fixedClock{t: cutoff})

	request(fb, signal.HistoricalDataRequest{RequestID: "r1", Symbol: "MCL", BarsBack: 10, BotID: "bot-1"})
	request(fb, signal.HistoricalDataRequest{RequestID: "r2", Symbol: "MCL", BarsBack: 10, BotID: "bot-1"})

	replies := fb.replies(bus.ExternalHistResponse("bot-1"))
	if len(replies) != 2 {
		t.Fatalf("expected two responses, got %d", len(replies))
	}
	if len(replies[0].Data.Bars) != len(replies[1].Data.Bars) {
		t.Fatalf("bar counts differ between identical queries")
	}
	for i := range replies[0].Data.Bars {
		if replies[0].Data.Bars[i] != replies[1].Data.Bars[i] {
			t.Fatalf("bar %d differs between identical queries", i)
		}
	}
}

func TestStatsCounters(t *testing.T) {
	cutoff := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	svc, fb := newTestService(t, fixedClock{t: cutoff})

	request(fb, signal.HistoricalDataRequest{RequestID: "s1", Symbol: "MCL", BarsBack: 5, BotID: "bot-1"})
	request(fb, signal.HistoricalDataRequest{RequestID: "s2", Symbol: "ZZZ", BarsBack: 5, BotID: "bot-1"})

	stats := svc.Stats()
	if stats.Received != 2 {
		t.Fatalf("expected 2 received, got %d", stats.Received)
	}
	if stats.Served != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected served/failed: %d/%d", stats.Served, stats.Failed)
	}
	if stats.BarsServed != 5 {
		t.Fatalf("expected 5 bars served, got %d", stats.BarsServed)
	}
	if stats.PerSymbol["MCL"] != 1 || stats.PerSymbol["ZZZ"] != 1 {
		t.Fatalf("per-symbol counts wrong: %+v", stats.PerSymbol)
	}
}
