// Package controller implements the Alignment Controller (C7): it watches
// the target file, and on every pending cycle drives a full
// snapshot → reconcile → wait-for-completion → re-snapshot → alignment-check
// loop, writing a feedback report and flipping the file to "done" once every
// target is within tolerance (§4.7).
package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"gateway/internal/bookcache"
	"gateway/internal/osm"
	"gateway/internal/planner"
	"gateway/internal/poscache"
	"gateway/internal/twap"
	"gateway/pkg/types"
)

// ExchangeClient is the subset of the exchange driver the controller drives
// directly: account snapshots and depth subscriptions. Order submission
// flows through C4/C5/C6, not through the controller.
type ExchangeClient interface {
	RequestAccountInfo(ctx context.Context) error
	SubscribeDepth(ctx context.Context, symbol types.Symbol) error
	UnsubscribeDepth(ctx context.Context, symbol types.Symbol) error
}

// Config tunes the controller's poll cadence and wait budgets (§4.7).
type Config struct {
	TargetFilePath         string
	PollInterval           time.Duration
	FeedbackDir            string
	SnapshotTimeout        time.Duration // account_update_timeout, default 10s
	OrderCompletionTimeout time.Duration // default 15s
	PositionCheckDelay     time.Duration // lost-ACK detection delay
	Planner                planner.Config
}

// Controller is C7.
type Controller struct {
	cfg Config

	positions  *poscache.Cache
	books      *bookcache.Cache
	machine    *osm.Machine
	twapExec   *twap.Executor
	plannerObj *planner.Planner
	exchange   ExchangeClient
	logger     *slog.Logger

	orderCV  *condSignal
	lastPoll atomic.Value // time.Time
}

// New wires a controller from its collaborators. It subscribes to OSM
// transitions immediately, so order_completion_cv is live before Run starts.
func New(cfg Config, positions *poscache.Cache, books *bookcache.Cache, machine *osm.Machine, twapExec *twap.Executor, plannerObj *planner.Planner, exchange ExchangeClient, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		cfg:        cfg,
		positions:  positions,
		books:      books,
		machine:    machine,
		twapExec:   twapExec,
		plannerObj: plannerObj,
		exchange:   exchange,
		logger:     logger.With("component", "controller"),
		orderCV:    newCondSignal(),
	}
	machine.Subscribe(c.onOrderEvent)
	return c
}

// Run polls the target file until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

// poll reads the target file once and, if it is pending, drives one full
// alignment cycle. Parse failures are logged and retried on the next tick
// (§5: the target file may transiently be mid-write).
func (c *Controller) poll(ctx context.Context) {
	c.lastPoll.Store(time.Now())

	elems, err := readTargetFile(c.cfg.TargetFilePath)
	if err != nil {
		c.logger.Debug("target file unreadable, will retry", "err", err)
		return
	}

	meta, metaIdx, found := extractMeta(elems)
	if found && meta.IsFinished != types.FilePending {
		return
	}

	targets := extractTargets(elems)
	if len(targets) == 0 && len(elems) > 0 && !found {
		c.logger.Error("target file has no recognisable position elements", "path", c.cfg.TargetFilePath)
		now := time.Now()
		if err := writeTargetFileState(c.cfg.TargetFilePath, elems, metaIdx, types.FileError, "no valid position elements in target file", now.UnixMilli()); err != nil {
			c.logger.Error("failed to mark target file as errored", "err", err)
		}
		return
	}

	c.runCycle(ctx, elems, metaIdx, meta, targets)
}

// runCycle is the one-alignment-cycle procedure of §4.7.
func (c *Controller) runCycle(ctx context.Context, elems []json.RawMessage, metaIdx int, meta types.TargetFileMeta, targets []types.TargetPosition) {
	symbols := symbolsOf(targets)
	c.maintainSubscriptions(ctx, symbols)

	if !c.snapshot(ctx) {
		c.logger.Warn("account snapshot timed out, retrying next poll")
		return
	}

	baseline := make(map[types.Symbol]decimal.Decimal, len(targets))
	for _, t := range targets {
		baseline[t.Symbol] = c.positions.Get(t.Symbol).NetQuantity
	}

	c.plannerObj.Reconcile(ctx, targets)

	if !c.waitOrderCompletion(symbols) {
		c.logger.Warn("order completion wait timed out, forcing TWAP progress", "symbols", symbols)
		for _, sym := range symbols {
			c.twapExec.ForceProgress(ctx, sym)
		}
	}

	if !c.snapshot(ctx) {
		c.logger.Warn("post-cycle snapshot timed out, retrying next poll")
		return
	}

	aligned, rows, errorTotal := c.checkAlignment(targets, baseline)
	if !aligned {
		c.logger.Debug("alignment cycle incomplete, resuming on next poll", "error_total", errorTotal)
		return
	}

	now := time.Now()
	summary := feedbackSummary{
		IsFinished:      int(types.FileDone),
		ErrorTotal:      errorTotal,
		TargetValue:     meta.TargetValue,
		LongTarget:      meta.LongTarget,
		ShortTarget:     meta.ShortTarget,
		UpdateTimestamp: now.UnixMilli(),
	}
	if err := writeFeedbackReport(c.cfg.FeedbackDir, rows, summary, now); err != nil {
		c.logger.Error("failed to write feedback report", "err", err)
		return
	}
	if err := writeTargetFileState(c.cfg.TargetFilePath, elems, metaIdx, types.FileDone, "", now.UnixMilli()); err != nil {
		c.logger.Error("failed to flip target file to done", "err", err)
	}
}

// snapshot clears snapshot_ready, requests a fresh account snapshot, and
// waits up to SnapshotTimeout for C2 to refresh (§4.2, §4.7 step 1/5).
func (c *Controller) snapshot(ctx context.Context) bool {
	c.positions.ClearReady()
	if err := c.exchange.RequestAccountInfo(ctx); err != nil {
		c.logger.Error("account snapshot request failed", "err", err)
		return false
	}
	return c.positions.WaitReady(c.cfg.SnapshotTimeout)
}

// waitOrderCompletion blocks until every targeted symbol has no active OSM
// record and no active TWAP execution, or OrderCompletionTimeout elapses
// (§4.7 step 4).
func (c *Controller) waitOrderCompletion(symbols []types.Symbol) bool {
	predicate := func() bool {
		for _, s := range symbols {
			if len(c.machine.ActiveForSymbol(s)) > 0 {
				return false
			}
			if c.twapExec.IsActive(s) {
				return false
			}
		}
		return true
	}
	return c.orderCV.waitUntil(c.cfg.OrderCompletionTimeout, predicate)
}

// maintainSubscriptions keeps C3's depth subscriptions limited to the
// symbols the current target batch actually needs (§4.7 "subscription
// maintenance").
func (c *Controller) maintainSubscriptions(ctx context.Context, symbols []types.Symbol) {
	toSub, toUnsub := c.books.Reconcile(symbols)
	for _, s := range toSub {
		if err := c.exchange.SubscribeDepth(ctx, s); err != nil {
			c.logger.Error("depth subscribe failed", "symbol", s, "err", err)
		}
	}
	for _, s := range toUnsub {
		if err := c.exchange.UnsubscribeDepth(ctx, s); err != nil {
			c.logger.Error("depth unsubscribe failed", "symbol", s, "err", err)
		}
	}
	c.books.Commit(symbols)
}

// checkAlignment runs §4.7 step 6 and assembles the feedback rows in the
// same pass.
func (c *Controller) checkAlignment(targets []types.TargetPosition, baseline map[types.Symbol]decimal.Decimal) (aligned bool, rows []feedbackRow, errorTotal int) {
	aligned = true
	for _, t := range targets {
		current := c.positions.Get(t.Symbol).NetQuantity
		tolerance := planner.DynamicTolerance(c.cfg.Planner, t.Quantity)
		if current.Sub(t.Quantity).Abs().GreaterThan(tolerance) {
			aligned = false
		}

		errMsg := c.latestError(t.Symbol)
		if errMsg != "" {
			errorTotal++
		}

		rows = append(rows, feedbackRow{
			ID:              t.ID,
			Symbol:          t.Symbol,
			CurrentQuantity: qtyString(current),
			ChangeQuantity:  qtyString(current.Sub(baseline[t.Symbol])),
			ErrorMessage:    errMsg,
		})
	}
	return aligned, rows, errorTotal
}

// latestError returns the most recent non-empty last_error_message among
// symbol's orders, for the feedback row's error_message field.
func (c *Controller) latestError(symbol types.Symbol) string {
	var latest types.OrderRecord
	found := false
	for _, r := range c.machine.All() {
		if r.Symbol != symbol || r.LastErrorMessage == "" {
			continue
		}
		if !found || r.StateChangeTime.After(latest.StateChangeTime) {
			latest = r
			found = true
		}
	}
	if !found {
		return ""
	}
	return latest.LastErrorMessage
}

// onOrderEvent is the OSM listener. Every terminal transition wakes
// order_completion_cv; every Acknowledge (which moves the record into
// Submitted) arms a lost-ACK position-change check (§4.7's
// "callback-driven progress" note, S5 recovery scenario).
func (c *Controller) onOrderEvent(rec types.OrderRecord, old, new types.OrderState) {
	if new.IsTerminal() {
		c.orderCV.broadcast()
	}
	if new != types.Submitted || c.cfg.PositionCheckDelay <= 0 {
		return
	}

	baseline := c.positions.Get(rec.Symbol).NetQuantity
	orderID, symbol, side, qty, price := rec.OrderID, rec.Symbol, rec.Side, rec.Quantity, rec.Price
	time.AfterFunc(c.cfg.PositionCheckDelay, func() {
		c.checkLostCallback(orderID, symbol, side, qty, price, baseline)
	})
}

// checkLostCallback compares the position's movement since baseline against
// what this order should have produced if it filled without the venue ever
// calling back. A match synthesises a Fill so the OSM record resolves and
// the cycle doesn't stall on a dropped callback.
func (c *Controller) checkLostCallback(orderID string, symbol types.Symbol, side types.Side, qty, price, baseline decimal.Decimal) {
	rec, ok := c.machine.Get(orderID)
	if !ok || rec.State.IsTerminal() {
		return
	}

	expectedDelta := qty
	if side == types.Sell {
		expectedDelta = qty.Neg()
	}
	actualDelta := c.positions.Get(symbol).NetQuantity.Sub(baseline)

	tolerance := qty.Abs().Mul(decimal.NewFromFloat(0.01))
	floor := decimal.NewFromFloat(1e-8)
	if tolerance.LessThan(floor) {
		tolerance = floor
	}
	if actualDelta.Sub(expectedDelta).Abs().GreaterThan(tolerance) {
		return
	}

	c.logger.Warn("position moved without an order callback, synthesising fill", "order_id", orderID, "symbol", symbol)
	if _, err := c.machine.UpdateFill(orderID, qty, price); err != nil {
		c.logger.Error("failed to synthesise lost-callback fill", "order_id", orderID, "err", err)
	}
}

func symbolsOf(targets []types.TargetPosition) []types.Symbol {
	seen := make(map[types.Symbol]bool, len(targets))
	out := make([]types.Symbol, 0, len(targets))
	for _, t := range targets {
		if !seen[t.Symbol] {
			seen[t.Symbol] = true
			out = append(out, t.Symbol)
		}
	}
	return out
}

// condSignal is a broadcast-only condition variable with a bounded wait,
// the same sync.Cond + time.AfterFunc rendering poscache.Cache uses for
// snapshot_cv (§5). order_completion_cv re-checks its predicate on every
// wakeup rather than tracking a single boolean, since completion depends on
// the joint state of every targeted symbol's OSM/TWAP records.
type condSignal struct {
	mu   sync.Mutex
	cond *sync.Cond
}

func newCondSignal() *condSignal {
	s := &condSignal{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *condSignal) broadcast() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *condSignal) waitUntil(timeout time.Duration, predicate func() bool) bool {
	deadline := time.Now().Add(timeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	for !predicate() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		waitOnCondWithTimeout(s.cond, remaining)
	}
	return true
}

func waitOnCondWithTimeout(cond *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
}

// LastPollTime returns the time of the most recently started poll, for
// status reporting. Zero if Run has not yet polled.
func (c *Controller) LastPollTime() time.Time {
	v := c.lastPoll.Load()
	if v == nil {
		return time.Time{}
	}
	return v.(time.Time)
}
