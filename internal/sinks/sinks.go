// Package sinks implements the three pluggable, pure-sink record streams
// spec.md §6 names: a trade log (one record per local fill), a reward
// snapshot (periodic, per open order), and a position snapshot (periodic).
// None of them feed back into the trading core's decisions; they are
// write-only observability, so the interface is narrow and a test can
// substitute an in-memory Writer for the default JSON-Lines file sink.
package sinks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Writer appends one structured record. Implementations must be safe for
// concurrent use — the user-stream handler calls TradeLog for each trade
// event and the Periodic Control Loop calls the snapshot sinks from a
// single scheduler goroutine, but both can run at once.
type Writer interface {
	Write(record any) error
}

// TradeLogRecord is one fill reported by the user stream, written when the
// stream handler applies the trade event to the Position & Order Store.
type TradeLogRecord struct {
	Timestamp   time.Time       `json:"timestamp"`
	ConditionID string          `json:"condition_id"`
	Token       string          `json:"token"`
	Side        string          `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Size        decimal.Decimal `json:"size"`
	TradeID     string          `json:"trade_id"`
}

// RewardSnapshotRecord is one open order's state at a periodic snapshot
// tick, used downstream for maker-rewards accounting.
type RewardSnapshotRecord struct {
	Timestamp   time.Time       `json:"timestamp"`
	ConditionID string          `json:"condition_id"`
	Token       string          `json:"token"`
	Side        string          `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Size        decimal.Decimal `json:"size"`
}

// PositionSnapshotRecord is one token's position at a periodic snapshot
// tick.
type PositionSnapshotRecord struct {
	Timestamp   time.Time       `json:"timestamp"`
	ConditionID string          `json:"condition_id"`
	Token       string          `json:"token"`
	Size        decimal.Decimal `json:"size"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
}

// Sinks bundles the three record streams the core produces. Each is
// independently pluggable; the zero value with nil Writers silently drops
// records, which is convenient in tests that don't care about sinks.
type Sinks struct {
	TradeLog        Writer
	RewardSnapshot  Writer
	PositionSnapshot Writer
}

// WriteTrade appends a trade log record, if a sink is configured.
func (s Sinks) WriteTrade(r TradeLogRecord) {
	if s.TradeLog == nil {
		return
	}
	s.TradeLog.Write(r)
}

// WriteReward appends a reward snapshot record, if a sink is configured.
func (s Sinks) WriteReward(r RewardSnapshotRecord) {
	if s.RewardSnapshot == nil {
		return
	}
	s.RewardSnapshot.Write(r)
}

// WritePosition appends a position snapshot record, if a sink is
// configured.
func (s Sinks) WritePosition(r PositionSnapshotRecord) {
	if s.PositionSnapshot == nil {
		return
	}
	s.PositionSnapshot.Write(r)
}

// FileWriter appends JSON-Lines records to a single file, one JSON object
// per line, flushing after every write so a crash doesn't lose a record
// that was already accepted.
type FileWriter struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileWriter opens (creating if necessary) name for append.
func NewFileWriter(name string) (*FileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, fmt.Errorf("create sink dir: %w", err)
	}
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open sink file %s: %w", name, err)
	}
	return &FileWriter{file: f}, nil
}

// Write marshals record as one JSON line and appends it.
func (w *FileWriter) Write(record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal sink record: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("write sink record: %w", err)
	}
	return w.file.Sync()
}

// Close closes the underlying file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Open builds the default file-backed Sinks rooted at dir, one file per
// record kind.
func Open(dir string) (Sinks, func() error, error) {
	trade, err := NewFileWriter(filepath.Join(dir, "trades.jsonl"))
	if err != nil {
		return Sinks{}, nil, err
	}
	reward, err := NewFileWriter(filepath.Join(dir, "rewards.jsonl"))
	if err != nil {
		trade.Close()
		return Sinks{}, nil, err
	}
	position, err := NewFileWriter(filepath.Join(dir, "positions.jsonl"))
	if err != nil {
		trade.Close()
		reward.Close()
		return Sinks{}, nil, err
	}

	closeAll := func() error {
		err1 := trade.Close()
		err2 := reward.Close()
		err3 := position.Close()
		if err1 != nil {
			return err1
		}
		if err2 != nil {
			return err2
		}
		return err3
	}

	return Sinks{TradeLog: trade, RewardSnapshot: reward, PositionSnapshot: position}, closeAll, nil
}
