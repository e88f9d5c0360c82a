package portfolio

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"bridgebot-go/internal/execution"
)

// JSONLRecorder appends each simulated fill as one JSON object per line.
type JSONLRecorder struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
	log zerolog.Logger
}

// NewJSONLRecorder opens (or creates) path for appending fill records.
func NewJSONLRecorder(path string, log zerolog.Logger) (*JSONLRecorder, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLRecorder{f: f, enc: json.NewEncoder(f), log: log}, nil
}

// Record writes the fill to disk. Write failures are logged, not fatal; a
// backtest should not abort because the fills file hit a full disk.
func (r *JSONLRecorder) Record(fill execution.Fill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(fill); err != nil {
		r.log.Error().Err(err).Str("symbol", fill.Symbol).Msg("failed to record fill")
	}
}

// Close flushes and closes the underlying file.
func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

// NopRecorder discards fills. Used when no fills path is configured.
type NopRecorder struct{}

func (NopRecorder) Record(execution.Fill) {}
