// Package twap implements the TWAP Executor (C5): splits a net position
// adjustment into time-spaced market-order slices, carries unfilled
// quantity forward into the next slice, and guarantees the execution
// finishes via a forced final slice plus watchdog (§4.5).
package twap

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gateway/internal/osm"
	"gateway/internal/ruletable"
	"gateway/pkg/types"
)

// ErrAlreadyActive is returned by Start when a symbol already has a running
// execution (§4.6 step 6: the planner must skip symbols with an active TWAP).
var ErrAlreadyActive = errors.New("twap: execution already active for symbol")

// Submitter places a slice order with the exchange driver. Implemented by
// internal/exchange's Client.
type Submitter interface {
	SubmitOrder(ctx context.Context, req types.SubmitOrderRequest) (types.OrderResponseEvent, error)
}

// PriceSource supplies a fresh top-of-book for slice pricing.
type PriceSource interface {
	Get(symbol types.Symbol) (types.TopOfBook, bool)
}

// Config tunes slice sizing, the per-slice fallback timer and the final-slice
// watchdog (§4.5). SliceInterval is copied onto each execution but does not
// delay slices: the next slice is submitted as soon as the previous one
// resolves, or when FallbackTimeout fires.
type Config struct {
	MinSliceSize    decimal.Decimal
	SliceInterval   time.Duration
	FallbackTimeout time.Duration
	FinalWatchdog   time.Duration
}

// Executor runs one TwapExecution per symbol at a time.
type Executor struct {
	cfg       Config
	osm       *osm.Machine
	rules     *ruletable.Table
	submitter Submitter
	prices    PriceSource
	logger    *slog.Logger

	mu         sync.Mutex
	executions map[types.Symbol]*types.TwapExecution
	nominal    map[string]decimal.Decimal // order_id -> slice nominal, for shortfall accounting
	fallback   map[types.Symbol]*time.Timer
	watchdog   map[types.Symbol]*time.Timer
}

// New creates a TWAP executor and subscribes to OSM transitions so it can
// react to slice fills/rejects/cancels without the OSM knowing about TWAP.
func New(cfg Config, machine *osm.Machine, rules *ruletable.Table, submitter Submitter, prices PriceSource, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		cfg:        cfg,
		osm:        machine,
		rules:      rules,
		submitter:  submitter,
		prices:     prices,
		logger:     logger.With("component", "twap"),
		executions: make(map[types.Symbol]*types.TwapExecution),
		nominal:    make(map[string]decimal.Decimal),
		fallback:   make(map[types.Symbol]*time.Timer),
		watchdog:   make(map[types.Symbol]*time.Timer),
	}
	machine.Subscribe(e.onOrderEvent)
	return e
}

// IsActive reports whether symbol has a running execution.
func (e *Executor) IsActive(symbol types.Symbol) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.executions[symbol]
	return ok && exec.IsActive
}

// Get returns a copy of the active execution for a symbol.
func (e *Executor) Get(symbol types.Symbol) (types.TwapExecution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.executions[symbol]
	if !ok {
		return types.TwapExecution{}, false
	}
	return *exec, true
}

// All returns a copy of every tracked execution, active or not, for status
// reporting.
func (e *Executor) All() []types.TwapExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.TwapExecution, 0, len(e.executions))
	for _, exec := range e.executions {
		out = append(out, *exec)
	}
	return out
}

// Start begins slicing a signed net adjustment for symbol (§4.5). Positive
// signedDelta buys, negative sells. tob supplies the initial slice price.
func (e *Executor) Start(ctx context.Context, symbol types.Symbol, signedDelta decimal.Decimal, tob types.TopOfBook) (*types.TwapExecution, error) {
	if e.IsActive(symbol) {
		return nil, ErrAlreadyActive
	}

	total := signedDelta.Abs()
	if total.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("twap: total quantity must be positive")
	}

	side := types.Buy
	price := tob.AskPrice
	if signedDelta.LessThan(decimal.Zero) {
		side = types.Sell
		price = tob.BidPrice
	}

	ceiling := total.Mul(decimal.NewFromFloat(0.4))
	baseSlice := e.cfg.MinSliceSize
	if ceiling.LessThan(baseSlice) {
		baseSlice = ceiling
	}
	if baseSlice.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("twap: computed base_slice is non-positive")
	}

	sliceCount := ceilDiv(total, baseSlice)

	now := time.Now()
	exec := &types.TwapExecution{
		Symbol:            symbol,
		Side:              side,
		TotalQuantity:     total,
		RemainingQuantity: total,
		UnfilledPool:      decimal.Zero,
		SliceCount:        sliceCount,
		CurrentSliceIndex: 0,
		SliceInterval:     e.cfg.SliceInterval,
		TargetPriceHint:   price,
		PendingOrderIDs:   make(map[string]bool),
		IsActive:          true,
		IsFinalSlice:      false,
		BaseSlice:         baseSlice,
		LastSliceTime:     now,
		CreatedAt:         now,
	}

	e.mu.Lock()
	e.executions[symbol] = exec
	e.mu.Unlock()

	e.logger.Info("twap execution started", "symbol", symbol, "side", side, "total", total.String(),
		"base_slice", baseSlice.String(), "slice_count", sliceCount)

	first := baseSlice
	if first.GreaterThan(total) {
		first = total
	}

	e.mu.Lock()
	exec.RemainingQuantity = exec.RemainingQuantity.Sub(first)
	exec.CurrentSliceIndex = 1
	e.mu.Unlock()

	e.submitSlice(ctx, exec, first, false)
	e.armFallback(ctx, symbol)

	return exec, nil
}

// ceilDiv computes ceil(total/unit) as an int, matching §4.5's slice_count.
func ceilDiv(total, unit decimal.Decimal) int {
	if unit.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	q := total.Div(unit)
	n := int(q.IntPart())
	if q.Sub(decimal.NewFromInt(int64(n))).GreaterThan(decimal.Zero) {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

// submitSlice creates an OSM record and places a market order for qty. The
// nominal is tracked so shortfall can be folded into unfilled_pool when the
// order resolves.
func (e *Executor) submitSlice(ctx context.Context, exec *types.TwapExecution, qty decimal.Decimal, final bool) {
	price := e.refreshPrice(exec)
	formattedQty := qty
	if e.rules != nil {
		formattedQty = e.rules.FormatQuantity(exec.Symbol, qty)
	}

	rec := e.osm.Create(exec.Symbol, exec.Side, formattedQty, price, false, "twap")

	e.mu.Lock()
	exec.PendingOrderIDs[rec.OrderID] = true
	exec.LastSliceTime = time.Now()
	exec.IsFinalSlice = final
	e.nominal[rec.OrderID] = formattedQty
	e.mu.Unlock()

	if _, err := e.osm.ProcessEvent(rec.OrderID, types.EventSubmit, ""); err != nil {
		e.logger.Error("twap slice submit transition failed", "order_id", rec.OrderID, "err", err)
	}

	req := types.SubmitOrderRequest{
		ClientOrderID: rec.OrderID,
		Symbol:        exec.Symbol,
		Side:          exec.Side,
		Type:          "MARKET",
		Quantity:      formattedQty,
		PositionSide:  "BOTH",
		TimeInForce:   "",
	}

	resp, err := e.submitter.SubmitOrder(ctx, req)
	if err != nil || resp.IsEmpty() {
		e.logger.Warn("twap slice submission failed, treating as rejected", "order_id", rec.OrderID, "err", err)
		e.osm.RecordError(rec.OrderID, "submission failure")
		_, _ = e.osm.ProcessEvent(rec.OrderID, types.EventReject, "")
		return
	}

	if _, err := e.osm.ProcessEvent(rec.OrderID, types.EventAcknowledge, resp.ExchangeOrderID); err != nil {
		e.logger.Error("twap slice acknowledge transition failed", "order_id", rec.OrderID, "err", err)
	}
}

func (e *Executor) refreshPrice(exec *types.TwapExecution) decimal.Decimal {
	if e.prices == nil {
		return exec.TargetPriceHint
	}
	tob, ok := e.prices.Get(exec.Symbol)
	if !ok {
		return exec.TargetPriceHint
	}
	if exec.Side == types.Buy {
		return tob.AskPrice
	}
	return tob.BidPrice
}

// onOrderEvent is the OSM listener. It looks for terminal transitions on
// orders this executor submitted and folds any shortfall into unfilled_pool
// before advancing to the next slice (§4.5).
func (e *Executor) onOrderEvent(rec types.OrderRecord, old, new types.OrderState) {
	if !new.IsTerminal() {
		return
	}

	e.mu.Lock()
	exec, ok := e.executions[rec.Symbol]
	if !ok || !exec.IsActive || !exec.PendingOrderIDs[rec.OrderID] {
		e.mu.Unlock()
		return
	}
	nominal, known := e.nominal[rec.OrderID]
	if !known {
		nominal = rec.Quantity
	}
	delete(exec.PendingOrderIDs, rec.OrderID)
	delete(e.nominal, rec.OrderID)

	shortfall := nominal.Sub(rec.FilledQuantity)
	if shortfall.GreaterThan(decimal.Zero) {
		exec.UnfilledPool = exec.UnfilledPool.Add(shortfall)
	}
	if new == types.Rejected || new == types.Error || new == types.Expired {
		e.logger.Warn("twap slice resolved unfavourably", "symbol", rec.Symbol, "order_id", rec.OrderID, "state", new, "last_error", rec.LastErrorMessage)
	}

	// The final slice's outcome is terminal regardless of fill quality: a
	// rejected or partially-filled last slice must not spawn another
	// "final" attempt (§4.5).
	wasFinal := exec.IsFinalSlice
	if wasFinal {
		exec.IsActive = false
	}
	e.mu.Unlock()

	e.cancelFallback(rec.Symbol)
	if wasFinal {
		e.cancelWatchdog(rec.Symbol)
		e.logger.Info("twap execution ended on final slice resolution", "symbol", rec.Symbol, "state", new)
		return
	}
	e.advance(context.Background(), rec.Symbol)
}

// advance computes and submits the next slice, per the compensation and
// final-slice-guarantee rules of §4.5.
func (e *Executor) advance(ctx context.Context, symbol types.Symbol) {
	e.mu.Lock()
	exec, ok := e.executions[symbol]
	if !ok || !exec.IsActive {
		e.mu.Unlock()
		return
	}

	if exec.RemainingQuantity.LessThanOrEqual(decimal.Zero) && exec.UnfilledPool.LessThanOrEqual(decimal.Zero) {
		exec.IsActive = false
		e.mu.Unlock()
		e.logger.Info("twap execution complete", "symbol", symbol)
		e.cancelWatchdog(symbol)
		return
	}

	isFinal := exec.CurrentSliceIndex+1 >= exec.SliceCount || exec.RemainingQuantity.LessThanOrEqual(exec.BaseSlice)

	var qty decimal.Decimal
	if isFinal {
		qty = exec.RemainingQuantity.Add(exec.UnfilledPool)
		exec.RemainingQuantity = decimal.Zero
		exec.UnfilledPool = decimal.Zero
		exec.IsFinalSlice = true
	} else {
		qty = exec.BaseSlice.Add(exec.UnfilledPool)
		if qty.GreaterThan(exec.RemainingQuantity) {
			qty = exec.RemainingQuantity
		}
		exec.RemainingQuantity = exec.RemainingQuantity.Sub(qty)
		exec.UnfilledPool = decimal.Zero
		exec.CurrentSliceIndex++
	}
	e.mu.Unlock()

	if qty.LessThanOrEqual(decimal.Zero) {
		e.logger.Warn("twap advance computed non-positive slice, stopping", "symbol", symbol)
		e.mu.Lock()
		exec.IsActive = false
		e.mu.Unlock()
		return
	}

	if isFinal {
		e.logger.Info("twap final slice", "symbol", symbol, "qty", qty.String())
		e.submitSlice(ctx, exec, qty, true)
		e.armWatchdog(symbol)
		return
	}

	e.submitSlice(ctx, exec, qty, false)
	e.armFallback(ctx, symbol)
}

// armFallback starts (or restarts) the per-slice fallback timer: if no order
// event arrives within FallbackTimeout, force-advance as if a timeout event
// had fired, so the alignment loop never stalls on a lost callback (§4.5,
// mirroring the "timeout forcing TWAP continuation" recovery path).
func (e *Executor) armFallback(ctx context.Context, symbol types.Symbol) {
	if e.cfg.FallbackTimeout <= 0 {
		return
	}
	e.cancelFallback(symbol)
	t := time.AfterFunc(e.cfg.FallbackTimeout, func() {
		e.logger.Warn("twap fallback timeout, forcing slice continuation", "symbol", symbol)
		e.advance(ctx, symbol)
	})
	e.mu.Lock()
	e.fallback[symbol] = t
	e.mu.Unlock()
}

func (e *Executor) cancelFallback(symbol types.Symbol) {
	e.mu.Lock()
	t := e.fallback[symbol]
	delete(e.fallback, symbol)
	e.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// armWatchdog starts the final-slice watchdog: regardless of the final
// slice's outcome, the execution is force-marked inactive after
// FinalWatchdog elapses (§4.5).
func (e *Executor) armWatchdog(symbol types.Symbol) {
	if e.cfg.FinalWatchdog <= 0 {
		return
	}
	t := time.AfterFunc(e.cfg.FinalWatchdog, func() {
		e.mu.Lock()
		exec, ok := e.executions[symbol]
		if ok && exec.IsActive {
			exec.IsActive = false
			e.logger.Warn("twap final-slice watchdog fired, forcing completion", "symbol", symbol)
		}
		e.mu.Unlock()
	})
	e.mu.Lock()
	e.watchdog[symbol] = t
	e.mu.Unlock()
}

func (e *Executor) cancelWatchdog(symbol types.Symbol) {
	e.mu.Lock()
	t := e.watchdog[symbol]
	delete(e.watchdog, symbol)
	e.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// ForceProgress forces the executor to advance symbol's execution as though
// a slice's callback had timed out (§4.7's order_completion_cv timeout path:
// "for TWAP, force-progress").
func (e *Executor) ForceProgress(ctx context.Context, symbol types.Symbol) {
	if !e.IsActive(symbol) {
		return
	}
	e.advance(ctx, symbol)
}
