// Package barstore reads OHLCV bars from monthly, per-symbol CSV archives.
//
// Layout: <dir>/<SYMBOL>/<YYYY>-<MM>.csv, rows `date;time;open;high;low;close;volume`
// with DD/MM/YYYY dates. Rows are usually chronological but are validated,
// never assumed. Malformed rows are logged and skipped; the load continues.
package barstore

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bridgebot-go/internal/market"
	"bridgebot-go/internal/metrics"
)

// ErrSymbolNotAvailable means the archive holds no files at all for a symbol.
// Distinct from a valid symbol whose requested range is simply empty.
var ErrSymbolNotAvailable = errors.New("symbol not available in bar archive")

const partitionExt = ".csv"

// Store serves date-range and last-N queries over the archive with an LRU
// cache of recently parsed months. Safe for concurrent readers.
type Store struct {
	dir string
	log zerolog.Logger

	mu    sync.Mutex
	cache *lruCache
}

// New builds a store over dir, keeping up to cacheMonths parsed partitions.
func New(dir string, cacheMonths int, log zerolog.Logger) *Store {
	return &Store{dir: dir, log: log, cache: newLRUCache(cacheMonths)}
}

// Symbols lists the instruments present in the archive.
func (s *Store) Symbols() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read archive dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// HasSymbol reports whether the archive holds at least one partition for symbol.
func (s *Store) HasSymbol(symbol string) bool {
	keys, err := s.months(symbol)
	return err == nil && len(keys) > 0
}

// Load returns bars for symbol within [start, end], ascending by timestamp.
// An empty range on a known symbol returns an empty slice and no error.
func (s *Store) Load(symbol string, start, end time.Time) ([]market.Bar, error) {
	keys, err := s.months(symbol)
	if err != nil {
		return nil, err
	}

	lo := yearMonth(start)
	hi := yearMonth(end)
	out := []market.Bar{}
	for _, key := range keys {
		ym := key.year*12 + key.month
		if ym < lo || ym > hi {
			continue
		}
		bars, err := s.loadMonth(key)
		if err != nil {
			return nil, err
		}
		for _, b := range bars {
			if b.Timestamp.Before(start) || b.Timestamp.After(end) {
				continue
			}
			out = append(out, b)
		}
	}
	ensureAscending(out)
	return out, nil
}

// LastN returns up to n bars strictly before the cutoff, oldest first.
func (s *Store) LastN(symbol string, before time.Time, n int) ([]market.Bar, error) {
	if n <= 0 {
		return []market.Bar{}, nil
	}
	keys, err := s.months(symbol)
	if err != nil {
		return nil, err
	}

	cutoffMonth := yearMonth(before)
	collected := make([]market.Bar, 0, n)
	for i := len(keys) - 1; i >= 0 && len(collected) < n; i-- {
		key := keys[i]
		if key.year*12+key.month > cutoffMonth {
			continue
		}
		bars, err := s.loadMonth(key)
		if err != nil {
			return nil, err
		}
		for j := len(bars) - 1; j >= 0 && len(collected) < n; j-- {
			if bars[j].Timestamp.Before(before) {
				collected = append(collected, bars[j])
			}
		}
	}

	// collected is newest-first; flip to oldest-first
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return collected, nil
}

func (s *Store) months(symbol string) ([]monthKey, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, symbol))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSymbolNotAvailable, symbol)
		}
		return nil, fmt.Errorf("read symbol dir %s: %w", symbol, err)
	}

	var keys []monthKey
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), partitionExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), partitionExt)
		ts, err := time.Parse("2006-01", name)
		if err != nil {
			s.log.Warn().Str("symbol", symbol).Str("file", e.Name()).Msg("ignoring unrecognized partition filename")
			continue
		}
		keys = append(keys, monthKey{symbol: symbol, year: ts.Year(), month: int(ts.Month())})
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotAvailable, symbol)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].year*12+keys[i].month < keys[j].year*12+keys[j].month
	})
	return keys, nil
}

func (s *Store) loadMonth(key monthKey) ([]market.Bar, error) {
	s.mu.Lock()
	if bars, ok := s.cache.get(key); ok {
		s.mu.Unlock()
		return bars, nil
	}
	s.mu.Unlock()

	path := filepath.Join(s.dir, key.symbol, fmt.Sprintf("%04d-%02d%s", key.year, key.month, partitionExt))
	bars, err := s.parseFile(path, key.symbol)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache.add(key, bars)
	s.mu.Unlock()
	return bars, nil
}

func (s *Store) parseFile(path, symbol string) ([]market.Bar, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open partition: %w", err)
	}
	defer file.Close()

	var bars []market.Bar
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		bar, err := parseRow(line)
		if err != nil {
			metrics.MalformedRowsTotal.WithLabelValues(symbol).Inc()
			s.log.Warn().Err(err).Str("symbol", symbol).Str("file", filepath.Base(path)).Int("line", lineNo).Msg("skipping malformed row")
			continue
		}
		bars = append(bars, bar)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan partition %s: %w", path, err)
	}

	ensureAscending(bars)
	return bars, nil
}

// parseRow decodes `DD/MM/YYYY;HH:MM[:SS];O;H;L;C;V`.
func parseRow(line string) (market.Bar, error) {
	fields := strings.Split(line, ";")
	if len(fields) != 7 {
		return market.Bar{}, fmt.Errorf("expected 7 fields, got %d", len(fields))
	}

	stamp := strings.TrimSpace(fields[0]) + " " + strings.TrimSpace(fields[1])
	ts, err := time.ParseInLocation("02/01/2006 15:04:05", stamp, time.UTC)
	if err != nil {
		ts, err = time.ParseInLocation("02/01/2006 15:04", stamp, time.UTC)
		if err != nil {
			return market.Bar{}, fmt.Errorf("parse timestamp %q: %w", stamp, err)
		}
	}

	var prices [4]float64
	for i := 0; i < 4; i++ {
		prices[i], err = strconv.ParseFloat(strings.TrimSpace(fields[2+i]), 64)
		if err != nil {
			return market.Bar{}, fmt.Errorf("parse price field %d: %w", i+2, err)
		}
	}
	volume, err := strconv.ParseInt(strings.TrimSpace(fields[6]), 10, 64)
	if err != nil {
		return market.Bar{}, fmt.Errorf("parse volume: %w", err)
	}

	bar := market.Bar{
		Timestamp: ts,
		Open:      prices[0],
		High:      prices[1],
		Low:       prices[2],
		Close:     prices[3],
		Volume:    volume,
	}
	if err := bar.Validate(); err != nil {
		return market.Bar{}, err
	}
	return bar, nil
}

func ensureAscending(bars []market.Bar) {
	if sort.SliceIsSorted(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) }) {
		return
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
}

func yearMonth(t time.Time) int {
	return t.Year()*12 + int(t.Month())
}
