// Package poscache is the Position Cache (C2): the authoritative in-memory
// map of current net positions, updated from exchange snapshots and
// incremental account-update events.
//
// Two write paths exist (§4.2):
//   - Refresh clears the cache and repopulates it from a full snapshot —
//     the only trusted baseline for planning — then signals snapshot_cv.
//   - Upsert applies an incremental account/position update.
//
// Refresh can additionally seed zero-quantity rows for the symbols its caller
// passes as wanted. cmd/gateway's snapshot callback passes none, so a target
// symbol absent from the snapshot has no row; Get still reports it as a
// zero position, so the planner can diff it against a non-zero target.
package poscache

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gateway/pkg/types"
)

// Cache is the symbol→Position map, guarded by a single RWMutex (short
// critical sections per §5).
type Cache struct {
	mu       sync.RWMutex
	cond     *sync.Cond
	positions map[types.Symbol]types.Position
	ready    bool // snapshot_ready
}

// New creates an empty position cache.
func New() *Cache {
	c := &Cache{positions: make(map[types.Symbol]types.Position)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Get returns the position for a symbol, or a zero-position if absent.
func (c *Cache) Get(symbol types.Symbol) types.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.positions[symbol]; ok {
		return p
	}
	return types.Position{Symbol: symbol, NetQuantity: decimal.Zero}
}

// All returns a copy of every tracked position.
func (c *Cache) All() []types.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	return out
}

// ClearReady resets snapshot_ready before requesting a fresh snapshot, per
// the controller's "clear, request, wait" protocol (§4.2, §4.7).
func (c *Cache) ClearReady() {
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()
}

// Refresh replaces the entire cache with a snapshot's position list,
// treating positionSide == "BOTH" rows as signed net quantities. It also
// seeds zero rows for wantedSymbols not present in the snapshot. On
// completion it sets snapshot_ready and wakes any waiter.
func (c *Cache) Refresh(positions []types.AccountPosition, wantedSymbols []types.Symbol, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.positions = make(map[types.Symbol]types.Position, len(positions)+len(wantedSymbols))
	for _, ap := range positions {
		c.positions[ap.Symbol] = types.Position{
			Symbol:         ap.Symbol,
			NetQuantity:    ap.PositionAmount,
			EntryPrice:     ap.EntryPrice,
			UnrealizedPnL:  ap.UnrealizedPnL,
			LastUpdateTime: now,
		}
	}
	for _, sym := range wantedSymbols {
		if _, ok := c.positions[sym]; !ok {
			c.positions[sym] = types.Position{Symbol: sym, NetQuantity: decimal.Zero, LastUpdateTime: now}
		}
	}

	c.ready = true
	c.cond.Broadcast()
}

// Upsert applies an incremental account/position update (§4.2 path 2):
// overwrite net_quantity/entry_price/unrealized_pnl for each reported row.
func (c *Cache) Upsert(positions []types.AccountPosition, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ap := range positions {
		c.positions[ap.Symbol] = types.Position{
			Symbol:         ap.Symbol,
			NetQuantity:    ap.PositionAmount,
			EntryPrice:     ap.EntryPrice,
			UnrealizedPnL:  ap.UnrealizedPnL,
			LastUpdateTime: now,
		}
	}
}

// WaitReady blocks until snapshot_ready is set or timeout elapses. Returns
// true if the snapshot arrived in time. Re-checks the predicate on every
// wakeup to guard against spurious wakeups (§4.7).
func (c *Cache) WaitReady(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	c.mu.Lock()
	defer c.mu.Unlock()

	for !c.ready {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		waitOnCondWithTimeout(c.cond, remaining)
	}
	return true
}

// waitOnCondWithTimeout wakes the waiting goroutine after d even if no
// Broadcast occurs, by racing a timer goroutine against cond.Wait. sync.Cond
// has no native timeout, so this is the idiomatic Go rendering of a
// bounded condition-variable wait (§5 "no other component may block
// indefinitely").
func waitOnCondWithTimeout(cond *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
}
