// Package exchange implements the venue-facing driver: a resty REST client
// for order submission/cancellation/account snapshots, a gorilla/websocket
// feed for depth and user-data streams, HMAC request signing, and per-category
// rate limiting. It is the single adapter between the alignment core
// (ruletable/poscache/bookcache/osm/twap/planner/controller) and the outside
// world.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"gateway/pkg/types"
)

// Config configures the REST/WS driver.
type Config struct {
	RESTBaseURL          string
	WSBaseURL            string
	APIKey               string
	APISecret            string
	RequestTimeout       time.Duration
	AccountUpdateTimeout time.Duration
	RecvWindow           time.Duration
	DryRun               bool
}

// AccountSnapshotHandler receives a full account snapshot fetched by
// RequestAccountInfo.
type AccountSnapshotHandler func(types.AccountInfoEvent)

// Client is the REST driver. It satisfies twap.Submitter, planner.Submitter
// and controller.ExchangeClient.
type Client struct {
	cfg    Config
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	feed   *Feed
	onSnap AccountSnapshotHandler
	logger *slog.Logger
}

// NewClient builds a REST driver. Client.SubscribeDepth and UnsubscribeDepth
// forward to feed; feed may be nil, in which case they do nothing.
func NewClient(cfg Config, feed *Feed, onSnapshot AccountSnapshotHandler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	h := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &Client{
		cfg:    cfg,
		http:   h,
		auth:   NewAuth(cfg.APIKey, cfg.APISecret),
		rl:     NewRateLimiter(),
		feed:   feed,
		onSnap: onSnapshot,
		logger: logger.With("component", "exchange"),
	}
}

// signedQuery builds the base signed query string common to every private
// endpoint: params plus timestamp/recvWindow plus the HMAC signature.
func (c *Client) signedQuery(extra url.Values) string {
	v := extra
	if v == nil {
		v = url.Values{}
	}
	recvWindow := c.cfg.RecvWindow
	if recvWindow <= 0 {
		recvWindow = 5 * time.Second
	}
	v.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	v.Set("recvWindow", strconv.FormatInt(recvWindow.Milliseconds(), 10))
	return c.auth.SignValues(v)
}

type orderResponseDTO struct {
	ClientOrderID string `json:"clientOrderId"`
	OrderID       int64  `json:"orderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Status        string `json:"status"`
	Code          int    `json:"code"`
	Msg           string `json:"msg"`
}

// SubmitOrder places an order. In dry-run mode it synthesises an immediate
// FILLED response without touching the network, mirroring the teacher's
// paper-trading shortcut.
func (c *Client) SubmitOrder(ctx context.Context, req types.SubmitOrderRequest) (types.OrderResponseEvent, error) {
	if c.cfg.DryRun {
		return types.OrderResponseEvent{
			ClientOrderID:   req.ClientOrderID,
			ExchangeOrderID: req.ClientOrderID,
			Symbol:          req.Symbol,
			Side:            req.Side,
			OrigQty:         req.Quantity,
			ExecutedQty:     req.Quantity,
			AvgPrice:        req.Price,
			Status:          types.StatusFilled,
		}, nil
	}

	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.OrderResponseEvent{}, fmt.Errorf("rate limit wait: %w", err)
	}

	v := url.Values{}
	v.Set("symbol", string(req.Symbol))
	v.Set("side", string(req.Side))
	v.Set("type", req.Type)
	v.Set("quantity", req.Quantity.String())
	v.Set("newClientOrderId", req.ClientOrderID)
	v.Set("positionSide", req.PositionSide)
	if req.ReduceOnly {
		v.Set("reduceOnly", "true")
	}
	if req.TimeInForce != "" {
		v.Set("timeInForce", req.TimeInForce)
	}
	if req.Type != "MARKET" && !req.Price.IsZero() {
		v.Set("price", req.Price.String())
	}

	var dto orderResponseDTO
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.auth.APIKey()).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(c.signedQuery(v)).
		SetResult(&dto).
		Post("/fapi/v1/order")
	if err != nil {
		return types.OrderResponseEvent{}, fmt.Errorf("submit order: %w", err)
	}
	if resp.IsError() || dto.Code < 0 {
		return types.OrderResponseEvent{
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			ErrorCode:     strconv.Itoa(dto.Code),
			ErrorMessage:  dto.Msg,
		}, nil
	}

	return dtoToEvent(dto), nil
}

// CancelOrder cancels a resting order by client or exchange order id.
func (c *Client) CancelOrder(ctx context.Context, req types.CancelOrderRequest) (types.OrderResponseEvent, error) {
	if c.cfg.DryRun {
		return types.OrderResponseEvent{
			ClientOrderID:   req.ClientOrderID,
			ExchangeOrderID: req.ExchangeOrderID,
			Status:          types.StatusCanceled,
		}, nil
	}

	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return types.OrderResponseEvent{}, fmt.Errorf("rate limit wait: %w", err)
	}

	v := url.Values{}
	if req.ClientOrderID != "" {
		v.Set("origClientOrderId", req.ClientOrderID)
	}
	if req.ExchangeOrderID != "" {
		v.Set("orderId", req.ExchangeOrderID)
	}

	var dto orderResponseDTO
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.auth.APIKey()).
		SetQueryString(c.signedQuery(v)).
		SetResult(&dto).
		Delete("/fapi/v1/order")
	if err != nil {
		return types.OrderResponseEvent{}, fmt.Errorf("cancel order: %w", err)
	}
	if resp.IsError() || dto.Code < 0 {
		return types.OrderResponseEvent{
			ClientOrderID: req.ClientOrderID,
			ErrorCode:     strconv.Itoa(dto.Code),
			ErrorMessage:  dto.Msg,
		}, nil
	}
	return dtoToEvent(dto), nil
}

type accountPositionDTO struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	UnrealizedProfit string `json:"unrealizedProfit"`
}

type accountInfoDTO struct {
	Positions []accountPositionDTO `json:"positions"`
}

// RequestAccountInfo fetches a full account snapshot and hands it to the
// registered callback, which funnels it into poscache via an
// AccountInfoEvent (§4.2's "snapshot" half of position tracking).
func (c *Client) RequestAccountInfo(ctx context.Context) error {
	if c.cfg.DryRun {
		if c.onSnap != nil {
			c.onSnap(types.AccountInfoEvent{})
		}
		return nil
	}

	if err := c.rl.Account.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var dto accountInfoDTO
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.auth.APIKey()).
		SetQueryString(c.signedQuery(nil)).
		SetResult(&dto).
		Get("/fapi/v2/account")
	if err != nil {
		return fmt.Errorf("request account info: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("request account info: status %d", resp.StatusCode())
	}

	evt := types.AccountInfoEvent{Positions: make([]types.AccountPosition, 0, len(dto.Positions))}
	for _, p := range dto.Positions {
		evt.Positions = append(evt.Positions, accountPositionFromDTO(p))
	}
	if c.onSnap != nil {
		c.onSnap(evt)
	}
	return nil
}

// SubscribeDepth forwards to the WS feed, if one is attached.
func (c *Client) SubscribeDepth(ctx context.Context, symbol types.Symbol) error {
	if c.feed == nil {
		return nil
	}
	if err := c.rl.Depth.Wait(ctx); err != nil {
		return err
	}
	return c.feed.SubscribeDepth(symbol)
}

// UnsubscribeDepth forwards to the WS feed, if one is attached.
func (c *Client) UnsubscribeDepth(ctx context.Context, symbol types.Symbol) error {
	if c.feed == nil {
		return nil
	}
	if err := c.rl.Depth.Wait(ctx); err != nil {
		return err
	}
	return c.feed.UnsubscribeDepth(symbol)
}

type exchangeFilterDTO struct {
	FilterType string `json:"filterType"`
	StepSize   string `json:"stepSize"`
	TickSize   string `json:"tickSize"`
	MinQty     string `json:"minQty"`
	MaxQty     string `json:"maxQty"`
	Notional   string `json:"notional"`
}

type exchangeSymbolDTO struct {
	Symbol            string              `json:"symbol"`
	QuantityPrecision int32               `json:"quantityPrecision"`
	PricePrecision    int32               `json:"pricePrecision"`
	Filters           []exchangeFilterDTO `json:"filters"`
}

type exchangeInfoDTO struct {
	Symbols []exchangeSymbolDTO `json:"symbols"`
}

// FetchTradingRules fetches the venue's exchange-info blob and converts it
// into the ruletable's input shape (§4.1: "loaded once at startup from an
// exchange-info blob" — this is the one external collaborator that fetches
// it, kept in the REST driver since nothing else in the gateway talks to the
// venue's public endpoints).
func (c *Client) FetchTradingRules(ctx context.Context) ([]types.TradingRule, error) {
	var dto exchangeInfoDTO
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&dto).
		Get("/fapi/v1/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("fetch exchange info: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch exchange info: status %d", resp.StatusCode())
	}

	rules := make([]types.TradingRule, 0, len(dto.Symbols))
	for _, s := range dto.Symbols {
		rule := types.TradingRule{
			Symbol:            types.Symbol(s.Symbol),
			QuantityPrecision: s.QuantityPrecision,
			PricePrecision:    s.PricePrecision,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				rule.StepSize = parseDecimalOrZero(f.StepSize)
				rule.MinQty = parseDecimalOrZero(f.MinQty)
				rule.MaxQty = parseDecimalOrZero(f.MaxQty)
			case "PRICE_FILTER":
				rule.TickSize = parseDecimalOrZero(f.TickSize)
			case "MIN_NOTIONAL":
				rule.MinNotional = parseDecimalOrZero(f.Notional)
			}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func dtoToEvent(dto orderResponseDTO) types.OrderResponseEvent {
	return types.OrderResponseEvent{
		ClientOrderID:   dto.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(dto.OrderID, 10),
		Symbol:          types.Symbol(dto.Symbol),
		Side:            types.Side(dto.Side),
		OrigQty:         parseDecimalOrZero(dto.OrigQty),
		ExecutedQty:     parseDecimalOrZero(dto.ExecutedQty),
		AvgPrice:        parseDecimalOrZero(dto.AvgPrice),
		Status:          types.OrderResponseStatus(dto.Status),
	}
}

func accountPositionFromDTO(p accountPositionDTO) types.AccountPosition {
	return types.AccountPosition{
		Symbol:         types.Symbol(p.Symbol),
		PositionSide:   p.PositionSide,
		PositionAmount: parseDecimalOrZero(p.PositionAmt),
		EntryPrice:     parseDecimalOrZero(p.EntryPrice),
		UnrealizedPnL:  parseDecimalOrZero(p.UnrealizedProfit),
	}
}

// parseDecimalOrZero parses a venue-supplied numeric string, treating a
// parse failure the same as "absent" rather than propagating an error
// through every DTO conversion.
func parseDecimalOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
