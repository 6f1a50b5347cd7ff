package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"poly-sniper/internal/trade"
)

// Audit appends one JSON line per trade record to a file per UTC day. The
// files are the replay source for position reconstruction.
type Audit struct {
	dir string

	mu   sync.Mutex
	day  string
	file *os.File

	now func() time.Time
}

func NewAudit(dir string) (*Audit, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &Audit{dir: dir, now: time.Now}, nil
}

func (a *Audit) RecordTrade(ctx context.Context, rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := a.fileForDay(a.now().UTC())
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// RecordPositions is a no-op: positions are derivable from the trade lines.
func (a *Audit) RecordPositions(ctx context.Context, positions []trade.Position) error {
	return nil
}

// fileForDay rotates the open file at UTC midnight. Caller holds the lock.
func (a *Audit) fileForDay(t time.Time) (*os.File, error) {
	day := t.Format("2006-01-02")
	if a.file != nil && a.day == day {
		return a.file, nil
	}
	if a.file != nil {
		_ = a.file.Close()
	}
	path := filepath.Join(a.dir, "trades-"+day+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	a.day = day
	a.file = f
	return f, nil
}

func (a *Audit) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// ReadRecords loads every record from one audit file in append order.
func ReadRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []Record
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return records, fmt.Errorf("decode audit line %d: %w", len(records)+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
