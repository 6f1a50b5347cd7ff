// Package sqlite is the embedded store for trades, position snapshots, and
// key-value state such as the idempotency cache.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"poly-sniper/internal/persist"
	"poly-sniper/internal/trade"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS trades (
			order_id TEXT PRIMARY KEY,
			recorded_at TEXT NOT NULL,
			token_id TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity TEXT NOT NULL,
			limit_price TEXT,
			reason TEXT,
			status TEXT NOT NULL,
			filled_quantity TEXT,
			filled_price TEXT,
			fees TEXT,
			error_detail TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			token_id TEXT PRIMARY KEY,
			side TEXT NOT NULL,
			quantity TEXT NOT NULL,
			avg_entry_price TEXT NOT NULL,
			current_price TEXT NOT NULL,
			opened_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *Store) RecordTrade(ctx context.Context, rec persist.Record) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO trades
		(order_id, recorded_at, token_id, side, quantity, limit_price, reason, status, filled_quantity, filled_price, fees, error_detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			status = excluded.status,
			filled_quantity = excluded.filled_quantity,
			filled_price = excluded.filled_price,
			fees = excluded.fees,
			error_detail = excluded.error_detail`,
		rec.OrderID, rec.RecordedAt.Format(time.RFC3339Nano), rec.TokenID, rec.Side,
		rec.Quantity, rec.LimitPrice, rec.Reason, rec.Status,
		rec.FilledQuantity, rec.FilledPrice, rec.Fees, rec.ErrorDetail)
	return err
}

// RecordPositions replaces the stored snapshot with the current open set.
func (s *Store) RecordPositions(ctx context.Context, positions []trade.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM positions`); err != nil {
		return err
	}
	for _, p := range positions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO positions
			(token_id, side, quantity, avg_entry_price, current_price, opened_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.TokenID, string(p.Side), p.Quantity.String(), p.AvgEntryPrice.String(),
			p.CurrentPrice.String(), p.OpenedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadPositions restores the last persisted snapshot, used to seed the
// ledger on startup.
func (s *Store) LoadPositions(ctx context.Context) ([]trade.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token_id, side, quantity, avg_entry_price, current_price, opened_at FROM positions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var positions []trade.Position
	for rows.Next() {
		var p trade.Position
		var side, qty, entry, current, opened string
		if err := rows.Scan(&p.TokenID, &side, &qty, &entry, &current, &opened); err != nil {
			return nil, err
		}
		p.Side = trade.PositionSide(side)
		if p.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if p.AvgEntryPrice, err = decimal.NewFromString(entry); err != nil {
			return nil, err
		}
		if p.CurrentPrice, err = decimal.NewFromString(current); err != nil {
			return nil, err
		}
		if p.OpenedAt, err = time.Parse(time.RFC3339Nano, opened); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
