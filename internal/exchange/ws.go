// ws.go implements the venue's real-time feed: a single combined stream
// carrying both public depth updates and private user-data events (account
// and order updates). It auto-reconnects with exponential backoff (1s → 30s
// max) and re-subscribes depth streams on reconnect. A 90s read deadline
// catches a silently-dead connection within ~2 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gateway/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// DepthHandler receives level-0 depth updates, destined for bookcache.Update.
type DepthHandler func(types.DepthUpdateEvent)

// AccountUpdateHandler receives incremental account/position pushes,
// destined for poscache.Upsert.
type AccountUpdateHandler func(types.AccountUpdateEvent)

// OrderUpdateHandler receives order lifecycle events, destined for
// osm.Machine.ProcessEvent/UpdateFill via the caller's own glue (the feed
// itself knows nothing about OSM's state machine).
type OrderUpdateHandler func(types.OrderResponseEvent)

// Feed manages the combined depth + user-data WebSocket connection. Unlike
// the teacher's channel-based feeds, Feed invokes caller-supplied callbacks
// directly from its read loop, matching the rest of the gateway's
// listener-driven design (osm.Listener, bookcache/poscache's synchronous
// update methods).
type Feed struct {
	url    string
	auth   *Auth
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu sync.RWMutex
	subs  map[types.Symbol]bool

	onDepth   DepthHandler
	onAccount AccountUpdateHandler
	onOrder   OrderUpdateHandler
}

// NewFeed builds a combined depth/user-data feed. Any handler may be nil to
// ignore that event category.
func NewFeed(wsURL string, auth *Auth, onDepth DepthHandler, onAccount AccountUpdateHandler, onOrder OrderUpdateHandler, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		url:       wsURL,
		auth:      auth,
		subs:      make(map[types.Symbol]bool),
		onDepth:   onDepth,
		onAccount: onAccount,
		onOrder:   onOrder,
		logger:    logger.With("component", "ws_feed"),
	}
}

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// SubscribeDepth adds a symbol to the tracked depth subscriptions and, if
// connected, sends the subscribe control message immediately.
func (f *Feed) SubscribeDepth(symbol types.Symbol) error {
	f.subMu.Lock()
	f.subs[symbol] = true
	f.subMu.Unlock()
	return f.sendSubscription("SUBSCRIBE", []types.Symbol{symbol})
}

// UnsubscribeDepth removes a symbol from the tracked depth subscriptions.
func (f *Feed) UnsubscribeDepth(symbol types.Symbol) error {
	f.subMu.Lock()
	delete(f.subs, symbol)
	f.subMu.Unlock()
	return f.sendSubscription("UNSUBSCRIBE", []types.Symbol{symbol})
}

// Close closes the underlying connection, if any.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribeAll(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

func (f *Feed) resubscribeAll() error {
	f.subMu.RLock()
	symbols := make([]types.Symbol, 0, len(f.subs))
	for s := range f.subs {
		symbols = append(symbols, s)
	}
	f.subMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return f.sendSubscription("SUBSCRIBE", symbols)
}

type subscribeMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (f *Feed) sendSubscription(method string, symbols []types.Symbol) error {
	params := make([]string, 0, len(symbols))
	for _, s := range symbols {
		params = append(params, fmt.Sprintf("%s@depth5", symbolLower(s)))
	}
	return f.writeJSON(subscribeMsg{Method: method, Params: params, ID: time.Now().UnixNano()})
}

// envelope message shapes for the event categories this gateway consumes.
type depthDTO struct {
	Symbol string      `json:"s"`
	Bids   [][2]string `json:"b"`
	Asks   [][2]string `json:"a"`
}

type accountUpdateDTO struct {
	EventType string `json:"e"`
	Account   struct {
		Positions []accountPositionDTO `json:"P"`
	} `json:"a"`
}

type orderUpdateDTO struct {
	EventType string `json:"e"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		OrigQty       string `json:"q"`
		ExecutedQty   string `json:"z"`
		AvgPrice      string `json:"ap"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
	} `json:"o"`
}

func (f *Feed) dispatch(data []byte) {
	var envelope struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		// depth updates from the combined-stream envelope have no "e" field;
		// treat unmarshal failure of the envelope as a (possible) depth update.
		f.tryDispatchDepth(data)
		return
	}

	switch envelope.EventType {
	case "ACCOUNT_UPDATE":
		f.tryDispatchAccount(data)
	case "ORDER_TRADE_UPDATE":
		f.tryDispatchOrder(data)
	default:
		f.tryDispatchDepth(data)
	}
}

func (f *Feed) tryDispatchDepth(data []byte) {
	if f.onDepth == nil {
		return
	}
	var dto depthDTO
	if err := json.Unmarshal(data, &dto); err != nil || dto.Symbol == "" {
		return
	}
	evt := types.DepthUpdateEvent{Symbol: types.Symbol(dto.Symbol)}
	if len(dto.Bids) > 0 {
		evt.BidPrice = parseDecimalOrZero(dto.Bids[0][0])
		evt.BidVolume = parseDecimalOrZero(dto.Bids[0][1])
	}
	if len(dto.Asks) > 0 {
		evt.AskPrice = parseDecimalOrZero(dto.Asks[0][0])
		evt.AskVolume = parseDecimalOrZero(dto.Asks[0][1])
	}
	f.onDepth(evt)
}

func (f *Feed) tryDispatchAccount(data []byte) {
	if f.onAccount == nil {
		return
	}
	var dto accountUpdateDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		f.logger.Warn("malformed account update", "err", err)
		return
	}
	evt := types.AccountUpdateEvent{Positions: make([]types.AccountPosition, 0, len(dto.Account.Positions))}
	for _, p := range dto.Account.Positions {
		evt.Positions = append(evt.Positions, accountPositionFromDTO(p))
	}
	f.onAccount(evt)
}

func (f *Feed) tryDispatchOrder(data []byte) {
	if f.onOrder == nil {
		return
	}
	var dto orderUpdateDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		f.logger.Warn("malformed order update", "err", err)
		return
	}
	o := dto.Order
	f.onOrder(types.OrderResponseEvent{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		Symbol:          types.Symbol(o.Symbol),
		Side:            types.Side(o.Side),
		OrigQty:         parseDecimalOrZero(o.OrigQty),
		ExecutedQty:     parseDecimalOrZero(o.ExecutedQty),
		AvgPrice:        parseDecimalOrZero(o.AvgPrice),
		Status:          types.OrderResponseStatus(o.Status),
	})
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn := f.conn
			f.connMu.Unlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Debug("ping failed", "err", err)
			}
		}
	}
}

func (f *Feed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return nil
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func symbolLower(s types.Symbol) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
