// Command verify replays the audit trail and recomputes positions and cash
// flow, optionally cross-checking the sqlite position snapshot. A non-zero
// exit means the store and the audit trail disagree.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"poly-sniper/internal/persist"
	"poly-sniper/internal/persist/sqlite"
	"poly-sniper/internal/trade"

	"github.com/shopspring/decimal"
)

type replayPosition struct {
	quantity decimal.Decimal
	cost     decimal.Decimal
}

func main() {
	auditDir := flag.String("audit", "data/audit", "audit directory to replay")
	dbPath := flag.String("db", "", "optional sqlite store to cross-check")
	flag.Parse()

	records, err := loadAll(*auditDir)
	if err != nil {
		fatal(err)
	}
	positions, cashFlow, fills, rejects := replay(records)

	fmt.Printf("records: %d (fills %d, rejects %d)\n", len(records), fills, rejects)
	fmt.Printf("net cash flow: %s\n", cashFlow)
	tokens := make([]string, 0, len(positions))
	for token := range positions {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	for _, token := range tokens {
		pos := positions[token]
		avg := decimal.Zero
		if pos.quantity.IsPositive() {
			avg = pos.cost.Div(pos.quantity)
		}
		fmt.Printf("  %s: qty %s avg %s\n", token, pos.quantity, avg.Round(6))
	}

	if *dbPath == "" {
		return
	}
	if err := crossCheck(*dbPath, positions); err != nil {
		fatal(err)
	}
	fmt.Println("sqlite snapshot matches audit replay")
}

func loadAll(dir string) ([]persist.Record, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "trades-*.jsonl"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no audit files under %s", dir)
	}
	sort.Strings(paths)
	var records []persist.Record
	for _, path := range paths {
		batch, err := persist.ReadRecords(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		records = append(records, batch...)
	}
	return records, nil
}

// replay folds filled records into per-token quantity and cost basis,
// mirroring the ledger's volume-weighted accounting.
func replay(records []persist.Record) (map[string]*replayPosition, decimal.Decimal, int, int) {
	positions := make(map[string]*replayPosition)
	cashFlow := decimal.Zero
	fills, rejects := 0, 0
	for _, rec := range records {
		if rec.Status != string(trade.StatusFilled) && rec.Status != string(trade.StatusPartiallyFilled) {
			rejects++
			continue
		}
		qty, err := decimal.NewFromString(rec.FilledQuantity)
		if err != nil {
			continue
		}
		price, err := decimal.NewFromString(rec.FilledPrice)
		if err != nil {
			continue
		}
		fills++
		notional := qty.Mul(price)
		pos := positions[rec.TokenID]
		if pos == nil {
			pos = &replayPosition{}
			positions[rec.TokenID] = pos
		}
		if rec.Side == string(trade.Buy) {
			cashFlow = cashFlow.Sub(notional)
			pos.quantity = pos.quantity.Add(qty)
			pos.cost = pos.cost.Add(notional)
		} else {
			cashFlow = cashFlow.Add(notional)
			if pos.quantity.IsPositive() {
				// Reduce cost basis proportionally to the quantity sold.
				pos.cost = pos.cost.Sub(pos.cost.Mul(qty).Div(pos.quantity))
			}
			pos.quantity = pos.quantity.Sub(qty)
		}
		if pos.quantity.LessThanOrEqual(decimal.Zero) {
			delete(positions, rec.TokenID)
		}
	}
	return positions, cashFlow, fills, rejects
}

func crossCheck(dbPath string, replayed map[string]*replayPosition) error {
	store, err := sqlite.New(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stored, err := store.LoadPositions(ctx)
	if err != nil {
		return err
	}
	if len(stored) != len(replayed) {
		return fmt.Errorf("position count mismatch: store %d, replay %d", len(stored), len(replayed))
	}
	for _, p := range stored {
		rp, ok := replayed[p.TokenID]
		if !ok {
			return fmt.Errorf("token %s in store but not in replay", p.TokenID)
		}
		if !rp.quantity.Equal(p.Quantity) {
			return fmt.Errorf("token %s quantity mismatch: store %s, replay %s", p.TokenID, p.Quantity, rp.quantity)
		}
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "verify:", err)
	os.Exit(1)
}
