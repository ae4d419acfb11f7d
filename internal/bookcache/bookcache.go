// Package bookcache is the Top-of-Book Cache (C3): a per-symbol best
// bid/ask/volume map updated from the exchange driver's depth stream, plus
// the subscription-set diffing the controller uses to keep C3 limited to
// symbols the planner actually uses (§4.3, §4.7 "subscription maintenance").
package bookcache

import (
	"sync"
	"time"

	"gateway/pkg/types"
)

// Cache is the symbol→TopOfBook map, guarded by one mutex (§5).
type Cache struct {
	mu   sync.RWMutex
	tobs map[types.Symbol]types.TopOfBook

	subMu      sync.Mutex
	subscribed map[types.Symbol]bool
}

// New creates an empty top-of-book cache.
func New() *Cache {
	return &Cache{
		tobs:       make(map[types.Symbol]types.TopOfBook),
		subscribed: make(map[types.Symbol]bool),
	}
}

// Update applies a depth-update event, keeping only level 0 (§4.3).
func (c *Cache) Update(evt types.DepthUpdateEvent, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tobs[evt.Symbol] = types.TopOfBook{
		Symbol:    evt.Symbol,
		BidPrice:  evt.BidPrice,
		AskPrice:  evt.AskPrice,
		BidVolume: evt.BidVolume,
		AskVolume: evt.AskVolume,
		Timestamp: now,
	}
}

// Get returns the cached top-of-book for a symbol and whether it is present.
func (c *Cache) Get(symbol types.Symbol) (types.TopOfBook, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tob, ok := c.tobs[symbol]
	return tob, ok
}

// IsStale reports whether the cached entry (if any) is older than maxAge.
// A missing entry is always stale.
func (c *Cache) IsStale(symbol types.Symbol, maxAge time.Duration, now time.Time) bool {
	tob, ok := c.Get(symbol)
	if !ok {
		return true
	}
	return now.Sub(tob.Timestamp) > maxAge
}

// Reconcile diffs `desired` against the currently-subscribed set and returns
// the symbols to subscribe and unsubscribe. The caller issues the actual
// subscribe/unsubscribe calls through the exchange driver and then must call
// Commit to record the new subscribed set.
func (c *Cache) Reconcile(desired []types.Symbol) (toSubscribe, toUnsubscribe []types.Symbol) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	wanted := make(map[types.Symbol]bool, len(desired))
	for _, s := range desired {
		wanted[s] = true
		if !c.subscribed[s] {
			toSubscribe = append(toSubscribe, s)
		}
	}
	for s := range c.subscribed {
		if !wanted[s] {
			toUnsubscribe = append(toUnsubscribe, s)
		}
	}
	return toSubscribe, toUnsubscribe
}

// Commit records the new subscribed set after the caller has issued the
// subscribe/unsubscribe calls returned by Reconcile.
func (c *Cache) Commit(desired []types.Symbol) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribed = make(map[types.Symbol]bool, len(desired))
	for _, s := range desired {
		c.subscribed[s] = true
	}
}
