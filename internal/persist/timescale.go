package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"poly-sniper/internal/config"
	"poly-sniper/internal/trade"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const timescaleWriteTimeout = 3 * time.Second

// Timescale ships trade records and position snapshots to TimescaleDB off
// the trading path. Writes go through bounded channels; when a queue is
// full the row is dropped and counted rather than blocking the engine.
type Timescale struct {
	db     *sql.DB
	log    *zap.Logger
	schema string

	trades    chan Record
	positions chan []trade.Position
	started   atomic.Bool
	dropTrade atomic.Uint64
	dropPos   atomic.Uint64
}

func NewTimescale(cfg config.TimescaleConfig, log *zap.Logger) (*Timescale, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	w := &Timescale{
		db:        db,
		log:       log,
		schema:    schema,
		trades:    make(chan Record, queueSize),
		positions: make(chan []trade.Position, queueSize),
	}
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Timescale) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Timescale) RecordTrade(ctx context.Context, rec Record) error {
	if w == nil {
		return nil
	}
	select {
	case w.trades <- rec:
	default:
		if w.dropTrade.Add(1) == 1 {
			w.log.Warn("timescale trade queue full")
		}
	}
	return nil
}

func (w *Timescale) RecordPositions(ctx context.Context, positions []trade.Position) error {
	if w == nil {
		return nil
	}
	select {
	case w.positions <- positions:
	default:
		if w.dropPos.Add(1) == 1 {
			w.log.Warn("timescale position queue full")
		}
	}
	return nil
}

func (w *Timescale) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-w.trades:
			w.writeTrade(ctx, rec)
		case positions := <-w.positions:
			w.writePositions(ctx, positions)
		}
	}
}

func (w *Timescale) writeTrade(ctx context.Context, rec Record) {
	ctx, cancel := context.WithTimeout(ctx, timescaleWriteTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s
		(ts, order_id, token_id, side, quantity, limit_price, reason, status, filled_quantity, filled_price, fees, error_detail)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), $12)
		ON CONFLICT (ts, order_id) DO NOTHING`, w.table("trades")),
		rec.RecordedAt, rec.OrderID, rec.TokenID, rec.Side, rec.Quantity,
		rec.LimitPrice, rec.Reason, rec.Status, rec.FilledQuantity, rec.FilledPrice,
		rec.Fees, rec.ErrorDetail)
	if err != nil {
		w.log.Warn("timescale trade write failed", zap.Error(err))
	}
}

func (w *Timescale) writePositions(ctx context.Context, positions []trade.Position) {
	ctx, cancel := context.WithTimeout(ctx, timescaleWriteTimeout)
	defer cancel()
	now := time.Now().UTC()
	for _, p := range positions {
		_, err := w.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s
			(ts, token_id, side, quantity, avg_entry_price, current_price, unrealized_pnl)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`, w.table("position_snapshots")),
			now, p.TokenID, string(p.Side), p.Quantity.String(), p.AvgEntryPrice.String(),
			p.CurrentPrice.String(), p.UnrealizedPnL().String())
		if err != nil {
			w.log.Warn("timescale position write failed", zap.Error(err))
			return
		}
	}
}

func (w *Timescale) ensureSchema(ctx context.Context) error {
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		order_id TEXT NOT NULL,
		token_id TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity NUMERIC NOT NULL,
		limit_price NUMERIC,
		reason TEXT,
		status TEXT NOT NULL,
		filled_quantity NUMERIC,
		filled_price NUMERIC,
		fees NUMERIC,
		error_detail TEXT,
		PRIMARY KEY (ts, order_id)
	)`, w.table("trades"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		token_id TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity NUMERIC NOT NULL,
		avg_entry_price NUMERIC NOT NULL,
		current_price NUMERIC NOT NULL,
		unrealized_pnl NUMERIC NOT NULL
	)`, w.table("position_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
	} else {
		for _, table := range []string{"trades", "position_snapshots"} {
			if err := w.exec(ctx, fmt.Sprintf(
				"SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(table))); err != nil {
				w.log.Warn("hypertable ensure failed", zap.String("table", table), zap.Error(err))
			}
		}
	}
	return nil
}

func (w *Timescale) table(name string) string {
	return w.schema + "." + name
}

func (w *Timescale) exec(ctx context.Context, stmt string) error {
	_, err := w.db.ExecContext(ctx, stmt)
	return err
}

func (w *Timescale) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}
