// Package types defines shared data structures used across all packages.
//
// This is the common vocabulary for the alignment gateway — symbols, trading
// rules, positions, orders, TWAP executions, and the exchange driver's event
// payloads. It has no dependency on any internal package so it can be imported
// by every layer, including the exchange driver.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Symbol identifies a tradeable instrument, e.g. "BTCUSDT". It is the
// identity key for every cache in the system.
type Symbol = string

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderState enumerates the lifecycle states of an OrderRecord.
type OrderState string

const (
	Created         OrderState = "CREATED"
	PendingSubmit   OrderState = "PENDING_SUBMIT"
	Submitted       OrderState = "SUBMITTED"
	Acknowledged    OrderState = "ACKNOWLEDGED"
	PartiallyFilled OrderState = "PARTIALLY_FILLED"
	Filled          OrderState = "FILLED"
	PendingCancel   OrderState = "PENDING_CANCEL"
	Cancelled       OrderState = "CANCELLED"
	Rejected        OrderState = "REJECTED"
	Expired         OrderState = "EXPIRED"
	Error           OrderState = "ERROR"
)

// activeStates is the set of OrderState values considered "in flight".
var activeStates = map[OrderState]bool{
	PendingSubmit:   true,
	Submitted:       true,
	Acknowledged:    true,
	PartiallyFilled: true,
	PendingCancel:   true,
}

// terminalStates is the set of OrderState values that never transition again.
var terminalStates = map[OrderState]bool{
	Filled:    true,
	Cancelled: true,
	Rejected:  true,
	Expired:   true,
	Error:     true,
}

// IsActive reports whether the state is in the active set (§4.4).
func (s OrderState) IsActive() bool { return activeStates[s] }

// IsTerminal reports whether the state is in the terminal set (§4.4).
func (s OrderState) IsTerminal() bool { return terminalStates[s] }

// OrderEvent is the input to the order state machine's process_event.
type OrderEvent string

const (
	EventSubmit        OrderEvent = "SUBMIT"
	EventAcknowledge   OrderEvent = "ACKNOWLEDGE"
	EventPartialFill   OrderEvent = "PARTIAL_FILL"
	EventFill          OrderEvent = "FILL"
	EventCancelRequest OrderEvent = "CANCEL_REQUEST"
	EventCancelConfirm OrderEvent = "CANCEL_CONFIRM"
	EventReject        OrderEvent = "REJECT"
	EventExpire        OrderEvent = "EXPIRE"
	EventError         OrderEvent = "ERROR_OCCURRED"
)

// FileState is the `is_finished` field of the target file (§4.7 / §6).
type FileState int

const (
	FilePending FileState = 0
	FileDone    FileState = 1
	FileError   FileState = 2
)

// ————————————————————————————————————————————————————————————————————————
// Data model (§3)
// ————————————————————————————————————————————————————————————————————————

// TradingRule holds the per-symbol precision and validity bounds used to
// round and validate orders. Immutable after load.
type TradingRule struct {
	Symbol            Symbol
	QuantityPrecision int32
	PricePrecision    int32
	MinQty            decimal.Decimal
	MaxQty            decimal.Decimal
	StepSize          decimal.Decimal
	TickSize          decimal.Decimal
	MinNotional       decimal.Decimal
}

// Position is the authoritative, exchange-acknowledged net position for one
// symbol. Created lazily, never deleted — a zero-quantity row is retained so
// the planner can still diff it against a non-zero target.
type Position struct {
	Symbol         Symbol
	NetQuantity    decimal.Decimal // signed: long positive, short negative
	EntryPrice     decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	LastUpdateTime time.Time
}

// TopOfBook is the best bid/ask/volume for one symbol, fed by the depth
// stream. Staleness is judged by the caller against Timestamp.
type TopOfBook struct {
	Symbol    Symbol
	BidPrice  decimal.Decimal
	AskPrice  decimal.Decimal
	BidVolume decimal.Decimal
	AskVolume decimal.Decimal
	Timestamp time.Time
}

// TargetPosition is one position element parsed from the target file.
type TargetPosition struct {
	ID       int
	Symbol   Symbol
	Quantity decimal.Decimal
}

// TargetFileMeta is the at-most-one metadata element of the target file.
type TargetFileMeta struct {
	IsFinished      FileState
	BookSize        float64
	TargetValue     float64
	LongTarget      float64
	ShortTarget     float64
	UpdateTimestamp int64
	ErrorString     string
}

// OrderRecord is the OSM's record of one submitted order.
type OrderRecord struct {
	OrderID           string
	ClientOrderID     string // what the venue sees; == OrderID
	ExchangeOrderID   string // filled in on Acknowledge
	Symbol            Symbol
	Side              Side
	Quantity          decimal.Decimal
	Price             decimal.Decimal
	FilledQuantity    decimal.Decimal
	AveragePrice      decimal.Decimal
	State             OrderState
	PreviousState     OrderState
	CreateTime        time.Time
	StateChangeTime   time.Time
	LastUpdateTime    time.Time
	SubmitTimeout     time.Duration
	CancelTimeout     time.Duration
	RetryCount        int
	StateChangeCount  int
	LastErrorMessage  string
	StrategyTag       string
	ReduceOnly        bool
}

// Clone returns a deep-enough copy safe to hand to callers outside the OSM lock.
func (r OrderRecord) Clone() OrderRecord {
	return r
}

// TwapExecution is one active TWAP slicing job for a symbol.
type TwapExecution struct {
	Symbol             Symbol
	Side               Side
	TotalQuantity      decimal.Decimal
	RemainingQuantity  decimal.Decimal
	UnfilledPool       decimal.Decimal
	SliceCount         int
	CurrentSliceIndex  int
	SliceInterval      time.Duration
	TargetPriceHint    decimal.Decimal
	PendingOrderIDs    map[string]bool
	IsActive           bool
	IsFinalSlice       bool
	BaseSlice          decimal.Decimal
	LastSliceTime      time.Time
	CreatedAt          time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Exchange driver payloads (§6)
// ————————————————————————————————————————————————————————————————————————

// SubmitOrderRequest is the outbound order-placement call.
type SubmitOrderRequest struct {
	ClientOrderID string
	Symbol        Symbol
	Side          Side
	Type          string // "MARKET"
	Quantity      decimal.Decimal
	Price         decimal.Decimal // zero for market orders
	ReduceOnly    bool
	PositionSide  string // "BOTH" — single-position mode
	TimeInForce   string // omitted ("") for Market orders, per spec.md §9
}

// CancelOrderRequest cancels by client or exchange order id.
type CancelOrderRequest struct {
	ClientOrderID   string
	ExchangeOrderID string
}

// AccountPosition is one row of an account-info snapshot or account-update.
type AccountPosition struct {
	Symbol          Symbol
	PositionSide    string // "BOTH" in single-position mode
	PositionAmount  decimal.Decimal
	EntryPrice      decimal.Decimal
	UnrealizedPnL   decimal.Decimal
}

// AccountInfoEvent is the full-snapshot callback payload.
type AccountInfoEvent struct {
	Positions []AccountPosition
}

// AccountUpdateEvent is the incremental callback payload.
type AccountUpdateEvent struct {
	Positions []AccountPosition
}

// PositionUpdateEvent is a single-symbol incremental update.
type PositionUpdateEvent struct {
	Position AccountPosition
}

// DepthUpdateEvent carries level-0 bid/ask for one symbol.
type DepthUpdateEvent struct {
	Symbol    Symbol
	BidPrice  decimal.Decimal
	AskPrice  decimal.Decimal
	BidVolume decimal.Decimal
	AskVolume decimal.Decimal
}

// OrderResponseStatus mirrors the venue's order-response status field.
type OrderResponseStatus string

const (
	StatusNew             OrderResponseStatus = "NEW"
	StatusPartiallyFilled OrderResponseStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderResponseStatus = "FILLED"
	StatusCanceled        OrderResponseStatus = "CANCELED"
	StatusRejected        OrderResponseStatus = "REJECTED"
)

// OrderResponseEvent is the order-lifecycle callback payload.
type OrderResponseEvent struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          Symbol
	Side            Side
	OrigQty         decimal.Decimal
	ExecutedQty     decimal.Decimal
	AvgPrice        decimal.Decimal
	Status          OrderResponseStatus
	ErrorCode       string
	ErrorMessage    string
}

// IsEmpty reports whether every material field is blank — the venue's
// "submission failure" signal (§6 order-response row).
func (e OrderResponseEvent) IsEmpty() bool {
	return e.ClientOrderID == "" && e.ExchangeOrderID == "" && e.Symbol == "" &&
		e.Status == "" && e.ErrorMessage == ""
}
