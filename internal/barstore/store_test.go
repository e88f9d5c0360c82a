package barstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeArchive(t *testing.T, dir, symbol, month, content string) {
	t.Helper()
	symDir := filepath.Join(dir, symbol)
	if err := os.MkdirAll(symDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(symDir, month+".csv"), []byte(content), 0o644); err != nil {
		t.Fatalf("write partition: %v", err)
	}
}

// twoMonthArchive writes January and February 2024 minute bars for MCL.
func twoMonthArchive(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	jan := "" +
		"02/01/2024;09:00;71.00;71.10;70.95;71.05;120\n" +
		"02/01/2024;09:01;71.05;71.20;71.00;71.15;130\n" +
		"03/01/2024;09:00;71.15;71.30;71.10;71.25;90\n"
	feb := "" +
		"01/02/2024;09:00;72.00;72.10;71.95;72.05;100\n" +
		"01/02/2024;09:01;72.05;72.25;72.00;72.20;110\n"
	writeArchive(t, dir, "MCL", "2024-01", jan)
	writeArchive(t, dir, "MCL", "2024-02", feb)
	return dir
}

func TestLoadSpansMonthsAscending(t *testing.T) {
	store := New(twoMonthArchive(t), 4, zerolog.Nop())

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 28, 23, 59, 0, 0, time.UTC)
	bars, err := store.Load("MCL", start, end)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(bars) != 5 {
		t.Fatalf("expected 5 bars, got %d", len(bars))
	}
	for i, b := range bars {
		if err := b.Validate(); err != nil {
			t.Fatalf("bar %d invalid: %v", i, err)
		}
		if i > 0 && !bars[i-1].Timestamp.Before(b.Timestamp) {
			t.Fatalf("bars not strictly ascending at %d", i)
		}
	}
	if bars[0].Open != 71.00 || bars[4].Close != 72.20 {
		t.Fatalf("unexpected boundary bars: %+v / %+v", bars[0], bars[4])
	}
}

func TestLoadWindowFiltersWithinMonth(t *testing.T) {
	store := New(twoMonthArchive(t), 4, zerolog.Nop())

	start := time.Date(2024, 1, 2, 9, 1, 0, 0, time.UTC)
	end := time.Date(2024, 1, 2, 9, 1, 0, 0, time.UTC)
	bars, err := store.Load("MCL", start, end)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(bars) != 1 || bars[0].Close != 71.15 {
		t.Fatalf("expected the 09:01 bar, got %+v", bars)
	}
}

func TestUnknownSymbolDistinctFromEmptyRange(t *testing.T) {
	store := New(twoMonthArchive(t), 4, zerolog.Nop())

	if _, err := store.Load("ZZZ", time.Now().Add(-time.Hour), time.Now()); !errors.Is(err, ErrSymbolNotAvailable) {
		t.Fatalf("expected ErrSymbolNotAvailable, got %v", err)
	}

	// Known symbol, empty window: no error, empty slice.
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 6, 30, 0, 0, 0, 0, time.UTC)
	bars, err := store.Load("MCL", start, end)
	if err != nil {
		t.Fatalf("empty range should not error: %v", err)
	}
	if len(bars) != 0 {
		t.Fatalf("expected no bars, got %d", len(bars))
	}
}

func TestMalformedRowsSkippedNotFatal(t *testing.T) {
	dir := t.TempDir()
	content := "" +
		"02/01/2024;09:00;71.00;71.10;70.95;71.05;120\n" +
		"garbage row without delimiters\n" +
		"02/01/2024;09:01;bad;71.20;71.00;71.15;130\n" +
		"02/01/2024;09:02;71.15;71.00;71.10;71.25;90\n" + // high < close: invariant violation
		"02/01/2024;09:03;71.15;71.30;71.10;71.25;90\n"
	writeArchive(t, dir, "MCL", "2024-01", content)

	store := New(dir, 4, zerolog.Nop())
	bars, err := store.Load("MCL", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 surviving bars, got %d", len(bars))
	}
}

func TestOutOfOrderRowsAreSorted(t *testing.T) {
	dir := t.TempDir()
	content := "" +
		"02/01/2024;09:02;71.15;71.30;71.10;71.25;90\n" +
		"02/01/2024;09:00;71.00;71.10;70.95;71.05;120\n" +
		"02/01/2024;09:01;71.05;71.20;71.00;71.15;130\n"
	writeArchive(t, dir, "MCL", "2024-01", content)

	store := New(dir, 4, zerolog.Nop())
	bars, err := store.Load("MCL", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i-1].Timestamp.Before(bars[i].Timestamp) {
			t.Fatalf("bars not ascending after sort at %d", i)
		}
	}
}

func TestLastNStrictlyBeforeCutoff(t *testing.T) {
	store := New(twoMonthArchive(t), 4, zerolog.Nop())

	cutoff := time.Date(2024, 2, 1, 9, 1, 0, 0, time.UTC)
	bars, err := store.LastN("MCL", cutoff, 3)
	if err != nil {
		t.Fatalf("LastN returned error: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("expected 3 bars, got %d", len(bars))
	}
	for i, b := range bars {
		if !b.Timestamp.Before(cutoff) {
			t.Fatalf("bar %d not strictly before cutoff: %s", i, b.Timestamp)
		}
		if i > 0 && !bars[i-1].Timestamp.Before(b.Timestamp) {
			t.Fatalf("bars not oldest-first at %d", i)
		}
	}
	// The 09:00 February bar precedes the cutoff and must be the newest returned.
	if bars[2].Close != 72.05 {
		t.Fatalf("expected newest bar to be the 09:00 February bar, got %+v", bars[2])
	}
}

func TestLastNFewerAvailableThanRequested(t *testing.T) {
	store := New(twoMonthArchive(t), 4, zerolog.Nop())

	bars, err := store.LastN("MCL", time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), 50)
	if err != nil {
		t.Fatalf("LastN returned error: %v", err)
	}
	if len(bars) != 5 {
		t.Fatalf("expected all 5 archived bars, got %d", len(bars))
	}
}

func TestLastNIdempotent(t *testing.T) {
	store := New(twoMonthArchive(t), 4, zerolog.Nop())
	cutoff := time.Date(2024, 2, 1, 9, 1, 0, 0, time.UTC)

	first, err := store.LastN("MCL", cutoff, 4)
	if err != nil {
		t.Fatalf("first LastN: %v", err)
	}
	second, err := store.LastN("MCL", cutoff, 4)
	if err != nil {
		t.Fatalf("second LastN: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("bar %d differs between identical queries", i)
		}
	}
}

func TestSymbolsAndHasSymbol(t *testing.T) {
	dir := twoMonthArchive(t)
	writeArchive(t, dir, "MES", "2024-01", "02/01/2024;09:00;4700.0;4701.0;4699.5;4700.5;300\n")

	store := New(dir, 4, zerolog.Nop())
	syms, err := store.Symbols()
	if err != nil {
		t.Fatalf("Symbols returned error: %v", err)
	}
	if len(syms) != 2 || syms[0] != "MCL" || syms[1] != "MES" {
		t.Fatalf("unexpected symbols: %+v", syms)
	}
	if !store.HasSymbol("MES") || store.HasSymbol("ZZZ") {
		t.Fatalf("HasSymbol misreported")
	}
}

func TestSecondsTimestampFormat(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "MCL", "2024-01", "02/01/2024;09:00:30;71.00;71.10;70.95;71.05;120\n")

	store := New(dir, 4, zerolog.Nop())
	bars, err := store.Load("MCL", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(bars) != 1 || bars[0].Timestamp.Second() != 30 {
		t.Fatalf("expected seconds to parse, got %+v", bars)
	}
}

func TestCacheAvoidsReparsing(t *testing.T) {
	dir := twoMonthArchive(t)
	store := New(dir, 4, zerolog.Nop())

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	if _, err := store.Load("MCL", start, end); err != nil {
		t.Fatalf("warm load failed: %v", err)
	}

	// Corrupt the partition on disk; the cached copy must still serve.
	path := filepath.Join(dir, "MCL", "2024-01.csv")
	if err := os.WriteFile(path, []byte("corrupted\n"), 0o644); err != nil {
		t.Fatalf("overwrite partition: %v", err)
	}
	bars, err := store.Load("MCL", start, end)
	if err != nil {
		t.Fatalf("cached load failed: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("expected cached bars, got %d", len(bars))
	}
}

func TestLRUCacheEvicts(t *testing.T) {
	cache := newLRUCache(2)
	keys := []monthKey{
		{symbol: "MCL", year: 2024, month: 1},
		{symbol: "MCL", year: 2024, month: 2},
		{symbol: "MCL", year: 2024, month: 3},
	}
	for _, k := range keys {
		cache.add(k, nil)
	}
	if cache.len() != 2 {
		t.Fatalf("expected capacity 2, got %d", cache.len())
	}
	if _, ok := cache.get(keys[0]); ok {
		t.Fatalf("oldest entry should be evicted")
	}
	if _, ok := cache.get(keys[2]); !ok {
		t.Fatalf("newest entry missing")
	}

	// Touch month 2, add month 1 again: month 3 becomes oldest and is evicted.
	if _, ok := cache.get(keys[1]); !ok {
		t.Fatalf("month 2 missing")
	}
	cache.add(keys[0], nil)
	if _, ok := cache.get(keys[2]); ok {
		t.Fatalf("expected month 3 evicted after LRU touch")
	}
}

func TestMissingArchiveDir(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "nope"), 4, zerolog.Nop())
	if _, err := store.Symbols(); err == nil {
		t.Fatalf("expected error for missing archive dir")
	}
	if _, err := store.Load("MCL", time.Now(), time.Now()); !errors.Is(err, ErrSymbolNotAvailable) {
		t.Fatalf("expected ErrSymbolNotAvailable, got %v", err)
	}
}

func BenchmarkLoadCachedMonth(b *testing.B) {
	dir := b.TempDir()
	var content string
	ts := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 1000; i++ {
		content += fmt.Sprintf("%s;71.00;71.10;70.95;71.05;120\n", ts.Format("02/01/2006;15:04"))
		ts = ts.Add(time.Minute)
	}
	symDir := filepath.Join(dir, "MCL")
	_ = os.MkdirAll(symDir, 0o755)
	_ = os.WriteFile(filepath.Join(symDir, "2024-01.csv"), []byte(content), 0o644)

	store := New(dir, 4, zerolog.Nop())
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.Load("MCL", start, end); err != nil {
			b.Fatal(err)
		}
	}
}
