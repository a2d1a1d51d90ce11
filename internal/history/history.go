// Package history appends run-history records to a JSONL file and reads
// them back. One JSON object per line; the reader returns the newest N
// records and silently skips lines that fail to parse.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridmm/pkg/types"
)

// Totals aggregates the per-symbol snapshots of one record.
type Totals struct {
	Profit           decimal.Decimal `json:"profit"`
	Volume           decimal.Decimal `json:"volume"`
	TradeCount       int             `json:"trade_count"`
	PositionNotional decimal.Decimal `json:"position_notional"`
	OpenOrders       int             `json:"open_orders"`
	ReduceSymbols    []string        `json:"reduce_symbols"`
	Running          int             `json:"running"`
}

// Record is one run-history entry, written when a bot session ends.
type Record struct {
	CreatedAt  time.Time                       `json:"created_at"`
	Exchange   string                          `json:"exchange"`
	Reason     string                          `json:"reason"`
	StopReason string                          `json:"stop_reason,omitempty"`
	Totals     Totals                          `json:"totals"`
	Symbols    map[string]types.SymbolSnapshot `json:"symbols"`
}

// Sum fills in Totals from the record's symbol snapshots.
func (r *Record) Sum() {
	t := Totals{ReduceSymbols: []string{}}
	for symbol, s := range r.Symbols {
		t.Profit = t.Profit.Add(s.Profit)
		t.Volume = t.Volume.Add(s.Volume)
		t.TradeCount += s.TradeCount
		t.PositionNotional = t.PositionNotional.Add(s.PositionNotional)
		t.OpenOrders += s.OpenOrders
		if s.ReduceMode {
			t.ReduceSymbols = append(t.ReduceSymbols, symbol)
		}
		if s.Running {
			t.Running++
		}
	}
	r.Totals = t
}

// Store is an append-only JSONL file. Concurrent appends serialize on a
// file-local mutex.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open binds the store to dir/history.jsonl.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &Store{path: filepath.Join(dir, "history.jsonl")}, nil
}

// Append writes one record as a single line.
func (s *Store) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal history record: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ReadLast returns up to limit records, newest first. Unparseable lines
// are skipped.
func (s *Store) ReadLast(limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}

	// newest first
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}
