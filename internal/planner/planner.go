// Package planner implements the Reconciliation Planner (C6): given a
// target position, the cached current position, top-of-book, and trading
// rules, it decides whether the symbol is already aligned, needs a TWAP
// execution, or needs a single direct order, and carries that decision out
// through C4/C5 (§4.6).
package planner

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"gateway/internal/bookcache"
	"gateway/internal/osm"
	"gateway/internal/poscache"
	"gateway/internal/ruletable"
	"gateway/internal/twap"
	"gateway/pkg/types"
)

// Submitter places a direct (non-sliced) market order.
type Submitter interface {
	SubmitOrder(ctx context.Context, req types.SubmitOrderRequest) (types.OrderResponseEvent, error)
}

// Config tunes tolerance and the TWAP-vs-direct threshold (§4.6).
type Config struct {
	AbsoluteTolerance  decimal.Decimal
	RelativeTolerance  decimal.Decimal // e.g. 0.05 for a 5% floor
	TwapMinSliceSize   decimal.Decimal
	DuplicateTolerance decimal.Decimal
	RecentFillWindow   time.Duration
	DustThreshold      decimal.Decimal // current/target below this magnitude are treated as zero
	MaxPriceDeviationBps int64         // guard against a stale top-of-book between decision and submission
}

// clampDust zeroes out a quantity whose magnitude falls below the configured
// dust threshold, so residue left behind by fee rounding or a partial fill
// doesn't flip decideDirectOrder's sign-based branches.
func clampDust(threshold, v decimal.Decimal) decimal.Decimal {
	if threshold.GreaterThan(decimal.Zero) && v.Abs().LessThan(threshold) {
		return decimal.Zero
	}
	return v
}

// Planner is C6: stateless beyond its collaborators, so one instance can be
// reused across alignment cycles.
type Planner struct {
	cfg       Config
	positions *poscache.Cache
	books     *bookcache.Cache
	rules     *ruletable.Table
	osm       *osm.Machine
	twapExec  *twap.Executor
	submitter Submitter
	logger    *slog.Logger
}

// New builds a Planner from its collaborators.
func New(cfg Config, positions *poscache.Cache, books *bookcache.Cache, rules *ruletable.Table, machine *osm.Machine, twapExec *twap.Executor, submitter Submitter, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		cfg:       cfg,
		positions: positions,
		books:     books,
		rules:     rules,
		osm:       machine,
		twapExec:  twapExec,
		submitter: submitter,
		logger:    logger.With("component", "planner"),
	}
}

// Reconcile runs the per-target decision procedure (§4.6) for every target
// in the batch, in order, submitting orders or starting TWAP executions as
// decided. A failure on one symbol does not abort the rest of the batch.
func (p *Planner) Reconcile(ctx context.Context, targets []types.TargetPosition) {
	for _, tgt := range targets {
		p.planOne(ctx, tgt)
	}
}

// DynamicTolerance implements §4.6's per-target tolerance: the greater of
// the configured absolute tolerance and a relative band around the target
// quantity. The controller's post-cycle alignment check (§4.7) reuses this
// so a symbol is judged aligned by the same yardstick the planner used to
// decide it needed no more work.
func DynamicTolerance(cfg Config, target decimal.Decimal) decimal.Decimal {
	tolerance := cfg.AbsoluteTolerance
	relative := target.Abs().Mul(cfg.RelativeTolerance)
	if relative.GreaterThan(tolerance) {
		tolerance = relative
	}
	return tolerance
}

func (p *Planner) planOne(ctx context.Context, tgt types.TargetPosition) {
	symbol := tgt.Symbol
	current := clampDust(p.cfg.DustThreshold, p.positions.Get(symbol).NetQuantity)
	target := clampDust(p.cfg.DustThreshold, tgt.Quantity)
	delta := target.Sub(current)

	tolerance := DynamicTolerance(p.cfg, target)
	if delta.Abs().LessThanOrEqual(tolerance) {
		return
	}

	tob, ok := p.books.Get(symbol)
	if !ok {
		p.logger.Warn("skipping target, no top-of-book cached", "symbol", symbol)
		return
	}

	if len(p.osm.ActiveForSymbol(symbol)) > 0 {
		p.logger.Debug("skipping target, active order in flight", "symbol", symbol)
		return
	}
	if p.twapExec.IsActive(symbol) {
		p.logger.Debug("skipping target, active TWAP execution in flight", "symbol", symbol)
		return
	}

	if delta.Abs().GreaterThan(p.cfg.TwapMinSliceSize) {
		if _, err := p.twapExec.Start(ctx, symbol, delta, tob); err != nil {
			p.logger.Error("failed to start twap execution", "symbol", symbol, "err", err)
		}
		return
	}

	side, qty, reduceOnly, ok := decideDirectOrder(current, target)
	if !ok || qty.LessThanOrEqual(decimal.Zero) {
		return
	}

	price := tob.AskPrice
	if side == types.Sell {
		price = tob.BidPrice
	}
	p.submitDirect(ctx, symbol, side, qty, price, reduceOnly)
}

// decideDirectOrder implements §4.6's direct-order decision matrix for a
// single-position-mode venue. ok is false only when current and target are
// both zero, which planOne's tolerance check already filters out.
func decideDirectOrder(current, target decimal.Decimal) (side types.Side, qty decimal.Decimal, reduceOnly, ok bool) {
	zero := decimal.Zero
	switch {
	case current.Equal(zero) && target.GreaterThan(zero):
		return types.Buy, target, false, true
	case current.Equal(zero) && target.LessThan(zero):
		return types.Sell, target.Abs(), false, true
	case current.GreaterThan(zero) && target.GreaterThan(zero):
		if target.GreaterThan(current) {
			return types.Buy, target.Sub(current), false, true
		}
		return types.Sell, current.Sub(target), true, true
	case current.LessThan(zero) && target.LessThan(zero):
		if target.Abs().GreaterThan(current.Abs()) {
			return types.Sell, target.Abs().Sub(current.Abs()), false, true
		}
		return types.Buy, current.Abs().Sub(target.Abs()), true, true
	case current.GreaterThan(zero) && target.LessThan(zero):
		return types.Sell, current.Add(target.Abs()), false, true
	case current.LessThan(zero) && target.GreaterThan(zero):
		return types.Buy, current.Abs().Add(target), false, true
	case !current.Equal(zero) && target.Equal(zero):
		if current.GreaterThan(zero) {
			return types.Sell, current, true, true
		}
		return types.Buy, current.Abs(), true, true
	default:
		return "", zero, false, false
	}
}

// submitDirect formats and validates the order through C1, applies OSM
// duplicate/recent-fill suppression, then submits it as a single market
// order (§4.6 last paragraph).
func (p *Planner) submitDirect(ctx context.Context, symbol types.Symbol, side types.Side, qty, price decimal.Decimal, reduceOnly bool) {
	formattedQty := qty
	formattedPrice := price
	if p.rules != nil {
		formattedQty = p.rules.FormatQuantity(symbol, qty)
		formattedPrice = p.rules.FormatPrice(symbol, price)
		if err := p.rules.Validate(symbol, formattedQty, formattedPrice); err != nil {
			p.logger.Warn("direct order failed validation, skipping", "symbol", symbol, "err", err)
			return
		}
	}

	if !p.priceStillSane(symbol, side, formattedPrice) {
		p.logger.Warn("direct order skipped, top-of-book moved beyond deviation guard since decision", "symbol", symbol)
		return
	}

	if p.osm.HasPendingOrder(symbol, side, formattedQty, formattedPrice, p.cfg.DuplicateTolerance) {
		p.logger.Debug("direct order suppressed, duplicate pending order exists", "symbol", symbol)
		return
	}
	if p.osm.HasRecentExecutedOrder(symbol, side, formattedQty, formattedPrice, p.cfg.DuplicateTolerance, p.cfg.RecentFillWindow, time.Now()) {
		p.logger.Debug("direct order suppressed, recently executed match exists", "symbol", symbol)
		return
	}

	rec := p.osm.Create(symbol, side, formattedQty, formattedPrice, reduceOnly, "direct")
	if _, err := p.osm.ProcessEvent(rec.OrderID, types.EventSubmit, ""); err != nil {
		p.logger.Error("direct order submit transition failed", "order_id", rec.OrderID, "err", err)
		return
	}

	req := types.SubmitOrderRequest{
		ClientOrderID: rec.OrderID,
		Symbol:        symbol,
		Side:          side,
		Type:          "MARKET",
		Quantity:      formattedQty,
		ReduceOnly:    reduceOnly,
		PositionSide:  "BOTH",
		TimeInForce:   "",
	}

	resp, err := p.submitter.SubmitOrder(ctx, req)
	if err != nil || resp.IsEmpty() {
		p.logger.Warn("direct order submission failed, treating as rejected", "order_id", rec.OrderID, "err", err)
		p.osm.RecordError(rec.OrderID, "submission failure")
		_, _ = p.osm.ProcessEvent(rec.OrderID, types.EventReject, "")
		return
	}

	if _, err := p.osm.ProcessEvent(rec.OrderID, types.EventAcknowledge, resp.ExchangeOrderID); err != nil {
		p.logger.Error("direct order acknowledge transition failed", "order_id", rec.OrderID, "err", err)
	}
}

// priceStillSane re-reads the current top-of-book and guards against
// submitting a market order whose min-notional check was computed against a
// decision-time price that has since drifted more than MaxPriceDeviationBps
// from the live market — the order itself carries no price (it's a market
// order), but a stale notional estimate could let a too-small order through
// validation or reject one that would actually clear it.
func (p *Planner) priceStillSane(symbol types.Symbol, side types.Side, decisionPrice decimal.Decimal) bool {
	if p.cfg.MaxPriceDeviationBps <= 0 || decisionPrice.IsZero() {
		return true
	}
	tob, ok := p.books.Get(symbol)
	if !ok {
		return true
	}
	live := tob.AskPrice
	if side == types.Sell {
		live = tob.BidPrice
	}
	if live.IsZero() {
		return true
	}

	deviationBps := live.Sub(decisionPrice).Abs().Div(decisionPrice).Mul(decimal.NewFromInt(10000))
	return deviationBps.LessThanOrEqual(decimal.NewFromInt(p.cfg.MaxPriceDeviationBps))
}

