// Package ruletable is the Trading-Rule Table (C1): a read-only, per-symbol
// map of quantity/price precision, step sizes, and notional floors. It is
// populated once at startup from an exchange-info snapshot and never mutated
// afterwards, so reads need no locking beyond safe publication.
package ruletable

import (
	"fmt"

	"github.com/shopspring/decimal"

	"gateway/pkg/types"
)

// Table is the immutable-after-load trading rule lookup.
type Table struct {
	rules map[types.Symbol]types.TradingRule
}

// New builds a Table from a slice of trading rules, e.g. parsed from an
// exchange-info JSON blob by an external collaborator (out of scope, §1).
func New(rules []types.TradingRule) (*Table, error) {
	m := make(map[types.Symbol]types.TradingRule, len(rules))
	for _, r := range rules {
		if r.StepSize.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("ruletable: %s step_size must be > 0", r.Symbol)
		}
		if r.TickSize.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("ruletable: %s tick_size must be > 0", r.Symbol)
		}
		m[r.Symbol] = r
	}
	return &Table{rules: m}, nil
}

// Get returns the trading rule for a symbol, if loaded.
func (t *Table) Get(symbol types.Symbol) (types.TradingRule, bool) {
	r, ok := t.rules[symbol]
	return r, ok
}

// FormatQuantity floors q to the nearest step_size multiple, then rounds to
// quantity_precision. Idempotent: FormatQuantity(FormatQuantity(q)) == FormatQuantity(q).
func (t *Table) FormatQuantity(symbol types.Symbol, q decimal.Decimal) decimal.Decimal {
	r, ok := t.rules[symbol]
	if !ok {
		return q
	}
	steps := q.Div(r.StepSize).Floor()
	formatted := steps.Mul(r.StepSize)
	return formatted.Round(r.QuantityPrecision)
}

// FormatPrice rounds p to the nearest tick_size multiple, then rounds to
// price_precision.
func (t *Table) FormatPrice(symbol types.Symbol, p decimal.Decimal) decimal.Decimal {
	r, ok := t.rules[symbol]
	if !ok {
		return p
	}
	ticks := p.Div(r.TickSize).Round(0)
	formatted := ticks.Mul(r.TickSize)
	return formatted.Round(r.PricePrecision)
}

// Validate checks quantity and price against min/max qty and min notional.
func (t *Table) Validate(symbol types.Symbol, q, p decimal.Decimal) error {
	r, ok := t.rules[symbol]
	if !ok {
		return fmt.Errorf("ruletable: no trading rule for %s", symbol)
	}
	if q.LessThan(r.MinQty) || q.GreaterThan(r.MaxQty) {
		return fmt.Errorf("ruletable: %s quantity %s outside [%s, %s]", symbol, q, r.MinQty, r.MaxQty)
	}
	notional := q.Mul(p)
	if notional.LessThan(r.MinNotional) {
		return fmt.Errorf("ruletable: %s notional %s below min_notional %s", symbol, notional, r.MinNotional)
	}
	return nil
}
