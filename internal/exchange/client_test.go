package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"gateway/pkg/types"
)

func TestDryRunSubmitOrderSynthesisesFill(t *testing.T) {
	t.Parallel()
	c := NewClient(Config{DryRun: true}, nil, nil, nil)

	resp, err := c.SubmitOrder(context.Background(), types.SubmitOrderRequest{
		ClientOrderID: "coid-1",
		Symbol:        "BTCUSDT",
		Side:          types.Buy,
		Type:          "MARKET",
		Quantity:      decimal.NewFromFloat(1),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if resp.Status != types.StatusFilled {
		t.Errorf("Status = %q, want FILLED", resp.Status)
	}
	if !resp.ExecutedQty.Equal(decimal.NewFromFloat(1)) {
		t.Errorf("ExecutedQty = %v, want 1", resp.ExecutedQty)
	}
}

func TestDryRunRequestAccountInfoInvokesCallback(t *testing.T) {
	t.Parallel()
	called := false
	c := NewClient(Config{DryRun: true}, nil, func(types.AccountInfoEvent) { called = true }, nil)

	if err := c.RequestAccountInfo(context.Background()); err != nil {
		t.Fatalf("RequestAccountInfo: %v", err)
	}
	if !called {
		t.Fatal("expected snapshot callback to be invoked")
	}
}

func TestSubmitOrderAgainstLiveServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") != "test-key" {
			t.Errorf("missing or wrong API key header: %q", r.Header.Get("X-MBX-APIKEY"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"clientOrderId": "coid-2",
			"orderId":       12345,
			"symbol":        "BTCUSDT",
			"side":          "BUY",
			"origQty":       "2",
			"executedQty":   "2",
			"avgPrice":      "50000",
			"status":        "FILLED",
		})
	}))
	defer srv.Close()

	c := NewClient(Config{RESTBaseURL: srv.URL, APIKey: "test-key", APISecret: "test-secret"}, nil, nil, nil)

	resp, err := c.SubmitOrder(context.Background(), types.SubmitOrderRequest{
		ClientOrderID: "coid-2",
		Symbol:        "BTCUSDT",
		Side:          types.Buy,
		Type:          "MARKET",
		Quantity:      decimal.NewFromFloat(2),
		PositionSide:  "BOTH",
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if resp.ExchangeOrderID != "12345" {
		t.Errorf("ExchangeOrderID = %q, want 12345", resp.ExchangeOrderID)
	}
	if resp.Status != types.StatusFilled {
		t.Errorf("Status = %q, want FILLED", resp.Status)
	}
}

func TestSubmitOrderPropagatesVenueError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": -2010,
			"msg":  "insufficient margin",
		})
	}))
	defer srv.Close()

	c := NewClient(Config{RESTBaseURL: srv.URL, APIKey: "test-key", APISecret: "test-secret"}, nil, nil, nil)

	resp, err := c.SubmitOrder(context.Background(), types.SubmitOrderRequest{
		ClientOrderID: "coid-3",
		Symbol:        "BTCUSDT",
		Side:          types.Buy,
		Type:          "MARKET",
		Quantity:      decimal.NewFromFloat(2),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if resp.ErrorMessage != "insufficient margin" {
		t.Errorf("ErrorMessage = %q, want 'insufficient margin'", resp.ErrorMessage)
	}
	if resp.IsEmpty() {
		t.Errorf("expected ClientOrderID/ErrorMessage to be populated, got %+v", resp)
	}
}

func TestFetchTradingRulesParsesFilters(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"symbols": []map[string]interface{}{
				{
					"symbol":            "BTCUSDT",
					"quantityPrecision": 3,
					"pricePrecision":    2,
					"filters": []map[string]interface{}{
						{"filterType": "LOT_SIZE", "stepSize": "0.001", "minQty": "0.001", "maxQty": "1000"},
						{"filterType": "PRICE_FILTER", "tickSize": "0.01"},
						{"filterType": "MIN_NOTIONAL", "notional": "5"},
					},
				},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{RESTBaseURL: srv.URL}, nil, nil, nil)

	rules, err := c.FetchTradingRules(context.Background())
	if err != nil {
		t.Fatalf("FetchTradingRules: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	r := rules[0]
	if r.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q, want BTCUSDT", r.Symbol)
	}
	if !r.StepSize.Equal(decimal.NewFromFloat(0.001)) {
		t.Errorf("StepSize = %v, want 0.001", r.StepSize)
	}
	if !r.TickSize.Equal(decimal.NewFromFloat(0.01)) {
		t.Errorf("TickSize = %v, want 0.01", r.TickSize)
	}
	if !r.MinNotional.Equal(decimal.NewFromFloat(5)) {
		t.Errorf("MinNotional = %v, want 5", r.MinNotional)
	}
}

func TestParseDecimalOrZeroHandlesGarbage(t *testing.T) {
	t.Parallel()
	if !parseDecimalOrZero("not-a-number").IsZero() {
		t.Fatal("expected garbage input to parse as zero")
	}
	if !parseDecimalOrZero("").IsZero() {
		t.Fatal("expected empty input to parse as zero")
	}
}
