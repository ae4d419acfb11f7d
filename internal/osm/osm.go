// Package osm implements the Order State Machine (C4): the lifecycle of
// every submitted order, duplicate/recent-fill suppression, timeout
// detection, and fill accounting.
//
// The orders map is guarded by a single mutex (§4.4, §5). Transition checks
// read state inside that lock; listener callbacks are always invoked after
// the lock is released, so a subscriber can safely call back into the OSM
// (e.g. to read the just-updated record) without deadlocking.
package osm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"gateway/pkg/types"
)

// ErrInvalidTransition is returned when an event is not legal from the
// record's current state (§4.4 transition table).
var ErrInvalidTransition = errors.New("osm: invalid transition")

// ErrNotFound is returned when an order_id is unknown.
var ErrNotFound = errors.New("osm: order not found")

// transitions maps each state to the set of states it may legally enter
// (§4.4). Terminal states have no outgoing edges.
var transitions = map[types.OrderState]map[types.OrderState]bool{
	types.Created: {
		types.PendingSubmit: true,
		types.Error:         true,
	},
	types.PendingSubmit: {
		types.Submitted: true,
		types.Rejected:  true,
		types.Expired:   true,
		types.Error:     true,
	},
	types.Submitted: {
		types.Acknowledged:    true,
		types.PartiallyFilled: true,
		types.Filled:          true,
		types.PendingCancel:   true,
		types.Cancelled:       true,
		types.Rejected:        true,
		types.Expired:         true,
		types.Error:           true,
	},
	types.Acknowledged: {
		types.PartiallyFilled: true,
		types.Filled:          true,
		types.PendingCancel:   true,
		types.Cancelled:       true,
		types.Expired:         true,
		types.Error:           true,
	},
	types.PartiallyFilled: {
		types.Filled:        true,
		types.PendingCancel: true,
		types.Cancelled:     true,
		types.Expired:       true,
		types.Error:         true,
	},
	types.PendingCancel: {
		types.Cancelled: true,
		types.Filled:    true,
		types.Error:     true,
	},
}

// Listener is invoked on every successful state change. A failure (panic)
// inside the listener must not abort the transition; Machine recovers it.
type Listener func(record types.OrderRecord, old, new types.OrderState)

// Config tunes timeout supervision and suppression (§4.4).
type Config struct {
	DefaultSubmitTimeout time.Duration
	DefaultCancelTimeout time.Duration
	CleanupInterval      time.Duration
	Retention            time.Duration
	DuplicateTolerance   decimal.Decimal
	RecentFillWindow     time.Duration
}

// Machine is the order state machine.
type Machine struct {
	cfg Config

	mu      sync.Mutex
	records map[string]*types.OrderRecord

	listenersMu sync.Mutex
	listeners   []Listener

	nextID uint64
}

// New creates an order state machine.
func New(cfg Config) *Machine {
	return &Machine{
		cfg:     cfg,
		records: make(map[string]*types.OrderRecord),
	}
}

// Subscribe registers a listener invoked on every transition.
func (m *Machine) Subscribe(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Create allocates a new OrderRecord in state Created and returns its id.
func (m *Machine) Create(symbol types.Symbol, side types.Side, qty, price decimal.Decimal, reduceOnly bool, strategyTag string) *types.OrderRecord {
	seq := atomic.AddUint64(&m.nextID, 1)
	id := "o-" + strconv.FormatUint(seq, 36) + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	now := time.Now()
	rec := &types.OrderRecord{
		OrderID:         id,
		ClientOrderID:   id,
		Symbol:          symbol,
		Side:            side,
		Quantity:        qty,
		Price:           price,
		FilledQuantity:  decimal.Zero,
		State:           types.Created,
		CreateTime:      now,
		StateChangeTime: now,
		LastUpdateTime:  now,
		SubmitTimeout:   m.cfg.DefaultSubmitTimeout,
		CancelTimeout:   m.cfg.DefaultCancelTimeout,
		StrategyTag:     strategyTag,
		ReduceOnly:      reduceOnly,
	}

	m.mu.Lock()
	m.records[id] = rec
	m.mu.Unlock()

	return rec
}

// Get returns a copy of the record for order_id.
func (m *Machine) Get(orderID string) (types.OrderRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[orderID]
	if !ok {
		return types.OrderRecord{}, false
	}
	return rec.Clone(), true
}

// GetByClientOrderID looks up a record by the id the venue sees (== OrderID
// in this system, but kept distinct for clarity at call sites that only
// have the client_order_id from a callback).
func (m *Machine) GetByClientOrderID(clientOrderID string) (types.OrderRecord, bool) {
	return m.Get(clientOrderID)
}

// Restore loads records recovered from the crash-recovery ledger directly
// into the machine, bypassing transition validation — the records already
// reached their current state before the restart. Existing records with the
// same order id are overwritten. Order ids embed a timestamp component, so
// restored records never collide with ids this process will generate.
func (m *Machine) Restore(records []types.OrderRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range records {
		rec := records[i]
		m.records[rec.OrderID] = &rec
	}
}

// All returns a copy of every record, for the ledger, the status endpoint and
// the controller's error lookup.
func (m *Machine) All() []types.OrderRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.OrderRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	return out
}

// ActiveForSymbol returns every active-state record for a symbol (§4.6 step 5).
func (m *Machine) ActiveForSymbol(symbol types.Symbol) []types.OrderRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.OrderRecord
	for _, r := range m.records {
		if r.Symbol == symbol && r.State.IsActive() {
			out = append(out, r.Clone())
		}
	}
	return out
}

// ProcessEvent applies the event→transition mapping (§4.4) to order_id. On
// Acknowledge, exchangeOrderID is stored. Returns the updated record.
func (m *Machine) ProcessEvent(orderID string, event types.OrderEvent, exchangeOrderID string) (types.OrderRecord, error) {
	target, err := targetStateFor(event)
	if err != nil {
		return types.OrderRecord{}, err
	}

	m.mu.Lock()
	rec, ok := m.records[orderID]
	if !ok {
		m.mu.Unlock()
		return types.OrderRecord{}, ErrNotFound
	}

	old := rec.State
	if !m.canTransition(old, target, event) {
		m.mu.Unlock()
		return types.OrderRecord{}, fmt.Errorf("%w: %s -[%s]-> %s", ErrInvalidTransition, old, event, target)
	}

	now := time.Now()
	rec.PreviousState = old
	rec.State = target
	rec.StateChangeTime = now
	rec.LastUpdateTime = now
	rec.StateChangeCount++
	if event == types.EventAcknowledge && exchangeOrderID != "" {
		rec.ExchangeOrderID = exchangeOrderID
	}
	snapshot := rec.Clone()
	m.mu.Unlock()

	m.dispatch(snapshot, old, target)
	return snapshot, nil
}

// canTransition resolves the event-specific "from any active/non-terminal"
// rules (§4.4 event→transition mapping) on top of the plain table.
func (m *Machine) canTransition(old, target types.OrderState, event types.OrderEvent) bool {
	switch event {
	case types.EventPartialFill:
		if old != types.Submitted && old != types.Acknowledged && old != types.PartiallyFilled {
			return false
		}
	case types.EventFill, types.EventCancelRequest:
		if !old.IsActive() {
			return false
		}
	case types.EventReject, types.EventError:
		if old.IsTerminal() {
			return false
		}
	case types.EventExpire:
		if !old.IsActive() {
			return false
		}
	}
	allowed, ok := transitions[old]
	if !ok {
		return false
	}
	return allowed[target]
}

func targetStateFor(event types.OrderEvent) (types.OrderState, error) {
	switch event {
	case types.EventSubmit:
		return types.PendingSubmit, nil
	case types.EventAcknowledge:
		return types.Submitted, nil
	case types.EventPartialFill:
		return types.PartiallyFilled, nil
	case types.EventFill:
		return types.Filled, nil
	case types.EventCancelRequest:
		return types.PendingCancel, nil
	case types.EventCancelConfirm:
		return types.Cancelled, nil
	case types.EventReject:
		return types.Rejected, nil
	case types.EventExpire:
		return types.Expired, nil
	case types.EventError:
		return types.Error, nil
	default:
		return "", fmt.Errorf("osm: unknown event %q", event)
	}
}

// UpdateFill records filled_quantity/average_price and emits Fill or
// PartialFill depending on whether the order is now fully filled (§4.4).
func (m *Machine) UpdateFill(orderID string, filledQty, avgPrice decimal.Decimal) (types.OrderRecord, error) {
	m.mu.Lock()
	rec, ok := m.records[orderID]
	if !ok {
		m.mu.Unlock()
		return types.OrderRecord{}, ErrNotFound
	}
	rec.FilledQuantity = filledQty
	rec.AveragePrice = avgPrice
	full := filledQty.GreaterThanOrEqual(rec.Quantity)
	m.mu.Unlock()

	event := types.EventPartialFill
	if full {
		event = types.EventFill
	}
	return m.ProcessEvent(orderID, event, "")
}

// RecordError sets last_error_message without necessarily transitioning
// state (used for OrderRejected-with-message bookkeeping before the Reject
// event is applied).
func (m *Machine) RecordError(orderID, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[orderID]; ok {
		rec.LastErrorMessage = message
	}
}

// HasPendingOrder reports whether any active-state record matches on
// (symbol, side, qty, price) within tol (§4.4).
func (m *Machine) HasPendingOrder(symbol types.Symbol, side types.Side, qty, price, tol decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if !r.State.IsActive() {
			continue
		}
		if matches(r, symbol, side, qty, price, tol) {
			return true
		}
	}
	return false
}

// HasRecentExecutedOrder reports whether any {Filled, PartiallyFilled}
// record matches on (symbol, side, qty, price) within tol and its
// state_change_time is within window of now (§4.4).
func (m *Machine) HasRecentExecutedOrder(symbol types.Symbol, side types.Side, qty, price, tol decimal.Decimal, window time.Duration, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.State != types.Filled && r.State != types.PartiallyFilled {
			continue
		}
		if now.Sub(r.StateChangeTime) > window {
			continue
		}
		if matches(r, symbol, side, qty, price, tol) {
			return true
		}
	}
	return false
}

func matches(r *types.OrderRecord, symbol types.Symbol, side types.Side, qty, price, tol decimal.Decimal) bool {
	if r.Symbol != symbol || r.Side != side {
		return false
	}
	if r.Quantity.Sub(qty).Abs().GreaterThan(tol) {
		return false
	}
	if r.Price.Sub(price).Abs().GreaterThan(tol) {
		return false
	}
	return true
}

// RunJanitor starts the periodic timeout/retention sweep (§4.4, §5). Blocks
// until ctx is cancelled.
func (m *Machine) RunJanitor(ctx context.Context) {
	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// Sweep runs one timeout/retention pass immediately. Exported so tests can
// force a sweep without waiting on the ticker.
func (m *Machine) Sweep(now time.Time) {
	m.sweep(now)
}

func (m *Machine) sweep(now time.Time) {
	var toExpire, toError, toReap []string

	m.mu.Lock()
	for id, r := range m.records {
		switch r.State {
		case types.PendingSubmit:
			timeout := r.SubmitTimeout
			if timeout == 0 {
				timeout = m.cfg.DefaultSubmitTimeout
			}
			if now.Sub(r.StateChangeTime) > timeout {
				toExpire = append(toExpire, id)
			}
		case types.PendingCancel:
			timeout := r.CancelTimeout
			if timeout == 0 {
				timeout = m.cfg.DefaultCancelTimeout
			}
			if now.Sub(r.StateChangeTime) > timeout {
				toError = append(toError, id)
			}
		}
		if r.State.IsTerminal() && now.Sub(r.StateChangeTime) > m.cfg.Retention {
			toReap = append(toReap, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toExpire {
		_, _ = m.ProcessEvent(id, types.EventExpire, "")
	}
	for _, id := range toError {
		m.RecordError(id, "cancel timeout")
		_, _ = m.ProcessEvent(id, types.EventError, "")
	}
	if len(toReap) > 0 {
		m.mu.Lock()
		for _, id := range toReap {
			delete(m.records, id)
		}
		m.mu.Unlock()
	}
}

func (m *Machine) dispatch(rec types.OrderRecord, old, new types.OrderState) {
	m.listenersMu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.listenersMu.Unlock()

	for _, l := range listeners {
		safeInvoke(l, rec, old, new)
	}
}

func safeInvoke(l Listener, rec types.OrderRecord, old, new types.OrderState) {
	defer func() {
		_ = recover()
	}()
	l(rec, old, new)
}
