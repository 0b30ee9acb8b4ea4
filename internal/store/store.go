// Package store provides crash-safe trade-state persistence using a JSON
// snapshot file.
//
// The lifecycle manager serializes every trade after each tick; the store
// throttles disk hits to one per save interval and writes atomically
// (write to .tmp, then rename) to prevent corruption from partial writes
// or crashes mid-save. On startup the snapshot is loaded for inspection so
// an operator can reconcile trades that were live when the process died.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coincall-trader/pkg/types"
)

// LegRecord is the persisted form of one leg.
type LegRecord struct {
	Symbol       string          `json:"symbol"`
	Qty          decimal.Decimal `json:"qty"`
	Side         types.Side      `json:"side"`
	OrderID      string          `json:"order_id,omitempty"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
}

// TradeRecord is the persisted form of one trade.
type TradeRecord struct {
	ID         string              `json:"id"`
	StrategyID string              `json:"strategy_id"`
	State      types.TradeState    `json:"state"`
	Mode       types.ExecutionMode `json:"mode"`
	OpenLegs   []LegRecord         `json:"open_legs"`
	CloseLegs  []LegRecord         `json:"close_legs,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	OpenedAt   *time.Time          `json:"opened_at,omitempty"`
	ClosedAt   *time.Time          `json:"closed_at,omitempty"`
	Error      string              `json:"error,omitempty"`
	Metadata   map[string]string   `json:"metadata,omitempty"`
}

// Snapshot is the whole persisted state.
type Snapshot struct {
	SavedAt time.Time     `json:"saved_at"`
	Trades  []TradeRecord `json:"trades"`
}

// Store persists trade snapshots to a single JSON file. All operations are
// mutex-protected; saves are throttled to at most one disk write per
// interval.
type Store struct {
	path     string
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastSave time.Time
}

// Open creates a store backed by the given file, creating the parent
// directory if needed.
func Open(path string, saveInterval time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{path: path, interval: saveInterval, now: time.Now}, nil
}

// Save persists the snapshot if the save interval has elapsed since the
// last write. Returns true when a write actually happened.
func (s *Store) Save(trades []TradeRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.now().Sub(s.lastSave) < s.interval {
		return false, nil
	}
	if err := s.writeLocked(trades); err != nil {
		return false, err
	}
	return true, nil
}

// Flush persists immediately regardless of the throttle. Used on shutdown.
func (s *Store) Flush(trades []TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(trades)
}

// writeLocked writes to a .tmp file first, then renames over the target so
// the file is never left in a partial state. Called with mu held.
func (s *Store) writeLocked(trades []TradeRecord) error {
	snap := Snapshot{SavedAt: s.now(), Trades: trades}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	s.lastSave = s.now()
	return nil
}

// Load restores the last snapshot from disk. Returns nil, nil if no
// snapshot exists.
func (s *Store) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Clear removes the snapshot file.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}
