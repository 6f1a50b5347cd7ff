package persist

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const strategySnapshotKey = "strategy:cooldowns"

// KV is the key-value surface of the sqlite store.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// StrategySnapshot carries rule cooldown clocks across restarts so a
// restart does not re-fire rules that just traded.
type StrategySnapshot struct {
	SavedAt   time.Time                       `msgpack:"saved_at"`
	Cooldowns map[string]map[string]time.Time `msgpack:"cooldowns"`
}

func LoadStrategySnapshot(ctx context.Context, kv KV) (StrategySnapshot, bool, error) {
	if kv == nil {
		return StrategySnapshot{}, false, nil
	}
	raw, ok, err := kv.Get(ctx, strategySnapshotKey)
	if err != nil || !ok {
		return StrategySnapshot{}, false, err
	}
	payload, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return StrategySnapshot{}, false, err
	}
	var snapshot StrategySnapshot
	if err := msgpack.Unmarshal(payload, &snapshot); err != nil {
		return StrategySnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveStrategySnapshot(ctx context.Context, kv KV, snapshot StrategySnapshot) error {
	if kv == nil {
		return nil
	}
	payload, err := msgpack.Marshal(snapshot)
	if err != nil {
		return err
	}
	return kv.Set(ctx, strategySnapshotKey, base64.StdEncoding.EncodeToString(payload))
}
