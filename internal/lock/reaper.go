package lock

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.olrik.dev/wrangler/internal/store"
)

// StartReaper sweeps abandoned lock records for the lifetime of ctx.
// A crashed holder never clears its record; the sweep reclaims it once the
// deadline has elapsed. Malformed records are dropped as well.
func (l *Locker) StartReaper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(ReapInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			reaped, err := l.ReapOnce()
			if err != nil {
				slog.Warn("Lock sweep failed", "error", err)
				continue
			}
			if reaped > 0 {
				slog.Info("Reclaimed abandoned locks", "count", reaped)
			}
		}
	}()
}

// ReapOnce scans all lock-namespaced keys and clears expired or malformed
// records. Expired records are removed with a conditional delete against the
// exact bytes read, so a lock re-acquired between read and delete survives.
func (l *Locker) ReapOnce() (int, error) {
	keys, err := l.store.Keys(store.LockPrefix)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, key := range keys {
		raw, exists, err := l.store.Get(key)
		if err != nil || !exists {
			continue
		}

		var rec store.LockRecord
		if err := json.Unmarshal(raw, &rec); err != nil || rec.HolderToken == "" {
			if err := l.store.Delete(key); err == nil {
				slog.Debug("Dropped malformed lock record", "key", key)
				reaped++
			}
			continue
		}

		if rec.Expired(time.Now()) {
			deleted, err := l.store.CompareAndDelete(key, raw)
			if err == nil && deleted {
				slog.Debug("Reaped expired lock", "key", key, "holder", rec.HolderToken)
				reaped++
			}
		}
	}
	return reaped, nil
}
