package controller

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateway/internal/bookcache"
	"gateway/internal/osm"
	"gateway/internal/planner"
	"gateway/internal/poscache"
	"gateway/internal/ruletable"
	"gateway/internal/twap"
	"gateway/pkg/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// ---- target file parsing ----

func TestExtractMetaFirstOccurrenceWins(t *testing.T) {
	raw := []json.RawMessage{
		json.RawMessage(`{"id":1,"symbol":"BTCUSDT","quantity":"10"}`),
		json.RawMessage(`{"isFinished":0,"targetvalue":100.5}`),
		json.RawMessage(`{"isFinished":2,"errorstring":"should not win"}`),
	}
	meta, idx, found := extractMeta(raw)
	require.True(t, found)
	assert.Equal(t, 1, idx)
	assert.Equal(t, types.FilePending, meta.IsFinished)
	assert.Equal(t, 100.5, meta.TargetValue)
}

func TestExtractTargetsSkipsNonPositionElements(t *testing.T) {
	raw := []json.RawMessage{
		json.RawMessage(`{"id":1,"symbol":"BTCUSDT","quantity":"10"}`),
		json.RawMessage(`{"isFinished":0}`),
		json.RawMessage(`{"id":2,"symbol":"ETHUSDT","quantity":"-5"}`),
	}
	targets := extractTargets(raw)
	require.Len(t, targets, 2)
	assert.Equal(t, "BTCUSDT", targets[0].Symbol)
	assert.True(t, targets[0].Quantity.Equal(d(10)))
	assert.Equal(t, "ETHUSDT", targets[1].Symbol)
	assert.True(t, targets[1].Quantity.Equal(d(-5)))
}

func TestWriteTargetFileStatePreservesOtherFieldsAndElements(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "targets.json")
	original := `[{"id":1,"symbol":"BTCUSDT","quantity":"10"},{"isFinished":0,"targetvalue":42.5,"longtarget":1,"shorttarget":2}]`
	require.NoError(t, os.WriteFile(path, []byte(original), 0o644))

	elems, err := readTargetFile(path)
	require.NoError(t, err)
	_, idx, found := extractMeta(elems)
	require.True(t, found)

	require.NoError(t, writeTargetFileState(path, elems, idx, types.FileDone, "", 1234))

	rewritten, err := readTargetFile(path)
	require.NoError(t, err)
	require.Len(t, rewritten, 2)

	positions := extractTargets(rewritten)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTCUSDT", positions[0].Symbol)

	meta, _, found := extractMeta(rewritten)
	require.True(t, found)
	assert.Equal(t, types.FileDone, meta.IsFinished)
	assert.Equal(t, 42.5, meta.TargetValue)
	assert.Equal(t, float64(1), meta.LongTarget)
	assert.Equal(t, int64(1234), meta.UpdateTimestamp)
}

// ---- full-controller harness ----

type fakeExchange struct {
	mu        sync.Mutex
	positions []types.AccountPosition
	subbed    map[types.Symbol]bool
	cache     *poscache.Cache

	submitCalls int
}

// RequestAccountInfo delivers a snapshot synchronously, as the real driver's
// snapshot callback does: it re-publishes the cache's current positions so
// the controller's snapshot wait completes.
func (f *fakeExchange) RequestAccountInfo(ctx context.Context) error {
	if f.cache == nil {
		return nil
	}
	var rows []types.AccountPosition
	for _, p := range f.cache.All() {
		rows = append(rows, types.AccountPosition{Symbol: p.Symbol, PositionAmount: p.NetQuantity, EntryPrice: p.EntryPrice, UnrealizedPnL: p.UnrealizedPnL})
	}
	f.cache.Refresh(rows, nil, time.Now())
	return nil
}

func (f *fakeExchange) SubscribeDepth(ctx context.Context, symbol types.Symbol) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subbed == nil {
		f.subbed = make(map[types.Symbol]bool)
	}
	f.subbed[symbol] = true
	return nil
}

func (f *fakeExchange) UnsubscribeDepth(ctx context.Context, symbol types.Symbol) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subbed, symbol)
	return nil
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSubmitter) SubmitOrder(ctx context.Context, req types.SubmitOrderRequest) (types.OrderResponseEvent, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return types.OrderResponseEvent{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: "EX-" + req.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Status:          types.StatusFilled,
		ExecutedQty:     req.Quantity,
	}, nil
}

type harness struct {
	controller *Controller
	positions  *poscache.Cache
	books      *bookcache.Cache
	machine    *osm.Machine
	submitter  *fakeSubmitter
	exchange   *fakeExchange
}

func newHarness(t *testing.T, feedbackDir, targetPath string) *harness {
	t.Helper()
	positions := poscache.New()
	books := bookcache.New()
	machine := osm.New(osm.Config{
		DefaultSubmitTimeout: time.Second,
		DefaultCancelTimeout: time.Second,
		CleanupInterval:      time.Hour,
		Retention:            time.Hour,
	})
	rules, err := ruletable.New([]types.TradingRule{
		{Symbol: "BTCUSDT", QuantityPrecision: 3, PricePrecision: 2,
			MinQty: d(0.001), MaxQty: d(1000), StepSize: d(0.001), TickSize: d(0.01), MinNotional: d(5)},
	})
	require.NoError(t, err)

	submitter := &fakeSubmitter{}
	twapExec := twap.New(twap.Config{MinSliceSize: d(100), SliceInterval: time.Millisecond}, machine, rules, submitter, books, nil)

	plannerCfg := planner.Config{
		AbsoluteTolerance:  d(1e-6),
		RelativeTolerance:  d(0.05),
		TwapMinSliceSize:   d(1000),
		DuplicateTolerance: d(1e-8),
		RecentFillWindow:   time.Minute,
	}
	plannerObj := planner.New(plannerCfg, positions, books, rules, machine, twapExec, submitter, nil)

	exchange := &fakeExchange{cache: positions}

	cfg := Config{
		TargetFilePath:         targetPath,
		PollInterval:           time.Millisecond,
		FeedbackDir:            feedbackDir,
		SnapshotTimeout:        time.Second,
		OrderCompletionTimeout: 30 * time.Millisecond,
		Planner:                plannerCfg,
	}
	c := New(cfg, positions, books, machine, twapExec, plannerObj, exchange, nil)
	return &harness{controller: c, positions: positions, books: books, machine: machine, submitter: submitter, exchange: exchange}
}

func writeTargets(t *testing.T, path string, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestPollTrivialHoldWritesFeedbackAndFinishes(t *testing.T) {
	dir := t.TempDir()
	targetPath := filepath.Join(dir, "targets.json")
	feedbackDir := filepath.Join(dir, "results")
	h := newHarness(t, feedbackDir, targetPath)

	h.positions.Refresh([]types.AccountPosition{{Symbol: "BTCUSDT", PositionAmount: d(2.5)}}, nil, time.Now())
	h.books.Update(types.DepthUpdateEvent{Symbol: "BTCUSDT", BidPrice: d(100), AskPrice: d(100.1)}, time.Now())

	writeTargets(t, targetPath, `[{"id":1,"symbol":"BTCUSDT","quantity":"2.5"},{"isFinished":0}]`)

	h.controller.poll(context.Background())

	elems, err := readTargetFile(targetPath)
	require.NoError(t, err)
	meta, _, found := extractMeta(elems)
	require.True(t, found)
	assert.Equal(t, types.FileDone, meta.IsFinished)
	assert.Equal(t, 0, h.submitter.calls, "no orders for a position already within tolerance")

	entries, err := os.ReadDir(feedbackDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPollSubmitsOrderAndLeavesFileOpenUntilAligned(t *testing.T) {
	dir := t.TempDir()
	targetPath := filepath.Join(dir, "targets.json")
	feedbackDir := filepath.Join(dir, "results")
	h := newHarness(t, feedbackDir, targetPath)

	h.positions.Refresh([]types.AccountPosition{{Symbol: "BTCUSDT", PositionAmount: d(0)}}, nil, time.Now())
	h.books.Update(types.DepthUpdateEvent{Symbol: "BTCUSDT", BidPrice: d(100), AskPrice: d(100.1)}, time.Now())

	writeTargets(t, targetPath, `[{"id":1,"symbol":"BTCUSDT","quantity":"10"},{"isFinished":0}]`)

	// The fake exchange does not itself update the position cache on fill,
	// so this poll submits the order but cannot observe alignment yet: the
	// file must remain pending.
	h.controller.poll(context.Background())

	elems, err := readTargetFile(targetPath)
	require.NoError(t, err)
	meta, _, found := extractMeta(elems)
	require.True(t, found)
	assert.Equal(t, types.FilePending, meta.IsFinished)
	assert.Equal(t, 1, h.submitter.calls)
}

func TestPollMalformedTargetFileMarksError(t *testing.T) {
	dir := t.TempDir()
	targetPath := filepath.Join(dir, "targets.json")
	feedbackDir := filepath.Join(dir, "results")
	h := newHarness(t, feedbackDir, targetPath)

	writeTargets(t, targetPath, `[{"foo":"bar"}]`)
	h.controller.poll(context.Background())

	elems, err := readTargetFile(targetPath)
	require.NoError(t, err)
	meta, _, found := extractMeta(elems)
	require.True(t, found)
	assert.Equal(t, types.FileError, meta.IsFinished)
	assert.NotEmpty(t, meta.ErrorString)
}

func TestPollSkipsAlreadyFinishedFile(t *testing.T) {
	dir := t.TempDir()
	targetPath := filepath.Join(dir, "targets.json")
	feedbackDir := filepath.Join(dir, "results")
	h := newHarness(t, feedbackDir, targetPath)

	writeTargets(t, targetPath, `[{"id":1,"symbol":"BTCUSDT","quantity":"10"},{"isFinished":1}]`)
	h.controller.poll(context.Background())

	assert.Equal(t, 0, h.submitter.calls, "a file already marked finished must not be reconciled again")
}

func TestCheckAlignmentReportsChangeQuantityAgainstBaseline(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir, filepath.Join(dir, "targets.json"))
	h.positions.Refresh([]types.AccountPosition{{Symbol: "BTCUSDT", PositionAmount: d(7)}}, nil, time.Now())

	baseline := map[types.Symbol]decimal.Decimal{"BTCUSDT": d(5)}
	aligned, rows, errTotal := h.controller.checkAlignment([]types.TargetPosition{{ID: 1, Symbol: "BTCUSDT", Quantity: d(7)}}, baseline)

	assert.True(t, aligned)
	assert.Equal(t, 0, errTotal)
	require.Len(t, rows, 1)
	assert.Equal(t, "2", rows[0].ChangeQuantity)
	assert.Equal(t, "7", rows[0].CurrentQuantity)
}

func TestLostCallbackSynthesisesFillWhenPositionMovesWithoutCallback(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir, filepath.Join(dir, "targets.json"))
	h.controller.cfg.PositionCheckDelay = 0 // invoked synchronously below, bypassing the timer

	h.positions.Refresh([]types.AccountPosition{{Symbol: "BTCUSDT", PositionAmount: d(0)}}, nil, time.Now())
	rec := h.machine.Create("BTCUSDT", types.Buy, d(10), d(100), false, "manual")
	_, err := h.machine.ProcessEvent(rec.OrderID, types.EventSubmit, "")
	require.NoError(t, err)
	_, err = h.machine.ProcessEvent(rec.OrderID, types.EventAcknowledge, "EX-1")
	require.NoError(t, err)

	// Position moved by the order's full quantity, but no fill callback
	// ever arrived.
	h.positions.Upsert([]types.AccountPosition{{Symbol: "BTCUSDT", PositionAmount: d(10)}}, time.Now())

	h.controller.checkLostCallback(rec.OrderID, "BTCUSDT", types.Buy, d(10), d(100), d(0))

	updated, ok := h.machine.Get(rec.OrderID)
	require.True(t, ok)
	assert.Equal(t, types.Filled, updated.State)
}
