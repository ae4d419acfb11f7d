// Package ledger provides crash-safe persistence of the order state
// machine's records, so duplicate/recent-fill suppression (§4.4) survives a
// gateway restart instead of starting blind.
//
// The whole record set is stored as a single JSON file. Writes use atomic
// file replacement (write to .tmp, then rename) to prevent corruption from a
// crash mid-save.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gateway/internal/osm"
	"gateway/pkg/types"
)

// Ledger persists OSM records to a single JSON file.
type Ledger struct {
	path string
	mu   sync.Mutex
}

// Open creates a ledger backed by the given file path, creating its parent
// directory if necessary.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	return &Ledger{path: path}, nil
}

// Save atomically writes the full record set.
func (l *Ledger) Save(records []types.OrderRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return os.Rename(tmp, l.path)
}

// Load restores the record set from disk. Returns nil, nil if no ledger
// file exists yet (fresh start).
func (l *Ledger) Load() ([]types.OrderRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	var records []types.OrderRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal ledger: %w", err)
	}
	return records, nil
}

// RunFlusher periodically snapshots the machine's records to disk until ctx
// is cancelled, and performs one final flush on exit so the most recent
// state is never more than one interval stale.
func RunFlusher(ctx context.Context, l *Ledger, machine *osm.Machine, interval time.Duration, onError func(error)) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := l.Save(machine.All()); err != nil && onError != nil {
				onError(err)
			}
			return
		case <-ticker.C:
			if err := l.Save(machine.All()); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
