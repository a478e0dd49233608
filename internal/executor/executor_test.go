package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"consensus-trader/internal/api"
	"consensus-trader/internal/model"
	"consensus-trader/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status string
		want   model.OrderState
	}{
		{"new", model.OrderAccepted},
		{"accepted", model.OrderAccepted},
		{"pending_new", model.OrderSubmitted},
		{"partially_filled", model.OrderPartiallyFilled},
		{"filled", model.OrderFilled},
		{"canceled", model.OrderCancelled},
		{"expired", model.OrderCancelled},
		{"rejected", model.OrderRejected},
		{"done_for_day", model.OrderAccepted},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.status, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, MapStatus(tt.status))
		})
	}
}

func TestAlpacaBrokerOrders(t *testing.T) {
	t.Parallel()

	var submitted api.OrderRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&submitted))
		_, _ = w.Write([]byte(`{"id":"b-1","client_order_id":"c-1","symbol":"AAPL","status":"accepted","qty":"1","filled_qty":"0"}`))
	})
	mux.HandleFunc("/v2/orders/b-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write([]byte(`{"id":"b-1","client_order_id":"c-1","symbol":"AAPL","status":"partially_filled","qty":"2","filled_qty":"1","filled_avg_price":"180.05"}`))
	})
	mux.HandleFunc("/v2/positions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"symbol":"AAPL","qty":"3","avg_entry_price":"170","cost_basis":"510"},{"symbol":"MSFT","qty":"0","avg_entry_price":"0"}]`))
	})
	mux.HandleFunc("/v2/account", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"acct","status":"ACTIVE","cash":"9982.00","buying_power":"19964","equity":"10492"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewAlpacaBroker(api.NewRESTClient(srv.URL, api.Credentials{KeyID: "k", SecretKey: "s"}, 0))
	ctx := context.Background()

	st, err := b.SubmitOrder(ctx, OrderRequest{ClientOrderID: "c-1", Symbol: "AAPL", Category: model.CategoryStocks, Side: model.SideBuy, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, "b-1", st.BrokerOrderID)
	assert.Equal(t, model.OrderAccepted, st.State)
	assert.Equal(t, "1", submitted.Qty)
	assert.Equal(t, "market", submitted.Type)
	assert.Equal(t, "day", submitted.TimeInForce)
	assert.Equal(t, "c-1", submitted.ClientOrderID)

	st, err = b.GetOrder(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderPartiallyFilled, st.State)
	assert.Equal(t, 1.0, st.FilledQty)
	assert.Equal(t, 180.05, st.FilledAvgPrice)

	require.NoError(t, b.CancelOrder(ctx, "b-1"))

	positions, err := b.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, model.Position{Symbol: "AAPL", Quantity: 3, AvgPrice: 170, CostBasis: 510}, positions[0])

	acct, err := b.GetAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9982.0, acct.Cash)
	assert.Equal(t, 10492.0, acct.Equity)
}

func TestAlpacaBrokerRejection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":40310000,"message":"insufficient buying power"}`))
	}))
	defer srv.Close()

	b := NewAlpacaBroker(api.NewRESTClient(srv.URL, api.Credentials{KeyID: "k", SecretKey: "s"}, 0))
	_, err := b.SubmitOrder(context.Background(), OrderRequest{ClientOrderID: "c", Symbol: "BTC/USD", Category: model.CategoryCrypto, Side: model.SideBuy, Quantity: 0.5})
	var rej *service.BrokerRejectionError
	require.True(t, errors.As(err, &rej), "got %v", err)
	assert.Equal(t, "insufficient buying power", rej.Reason)
	assert.False(t, service.IsRetryable(err))
}

func fixedPrices(prices map[string]float64) PriceSource {
	return PriceFunc(func(symbol string) (float64, bool) {
		p, ok := prices[symbol]
		return p, ok
	})
}

func TestSimulatorFillsAtLatestPrice(t *testing.T) {
	t.Parallel()

	sim := NewSimulatorExecutor(SimulatorConfig{InitialCapital: 1000}, fixedPrices(map[string]float64{"AAPL": 180}))
	ctx := context.Background()

	st, err := sim.SubmitOrder(ctx, OrderRequest{ClientOrderID: "c1", Symbol: "AAPL", Side: model.SideBuy, Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, st.State)
	assert.Equal(t, 180.0, st.FilledAvgPrice)

	got, err := sim.GetOrder(ctx, st.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, st.ClientOrderID, got.ClientOrderID)

	acct, err := sim.GetAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 640.0, acct.Cash)
	assert.Equal(t, 1000.0, acct.Equity)

	_, err = sim.SubmitOrder(ctx, OrderRequest{ClientOrderID: "c2", Symbol: "AAPL", Side: model.SideBuy, Quantity: 4})
	var rej *service.BrokerRejectionError
	require.True(t, errors.As(err, &rej))
	assert.Contains(t, rej.Reason, "buying power")

	_, err = sim.SubmitOrder(ctx, OrderRequest{ClientOrderID: "c3", Symbol: "AAPL", Side: model.SideSell, Quantity: 3})
	require.True(t, errors.As(err, &rej))

	_, err = sim.SubmitOrder(ctx, OrderRequest{ClientOrderID: "c4", Symbol: "AAPL", Side: model.SideSell, Quantity: 2})
	require.NoError(t, err)
	positions, err := sim.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.Len(t, sim.GetTradeHistory(), 2)
	assert.Equal(t, 1000.0, sim.GetMaxEquity())

	assert.Error(t, sim.CancelOrder(ctx, st.BrokerOrderID), "filled orders cannot be cancelled")
}

func TestSimulatorRejectsUnknownSymbol(t *testing.T) {
	t.Parallel()

	sim := NewSimulatorExecutor(SimulatorConfig{InitialCapital: 1000}, fixedPrices(nil))
	_, err := sim.SubmitOrder(context.Background(), OrderRequest{Symbol: "ZZZZ", Side: model.SideBuy, Quantity: 1})
	var rej *service.BrokerRejectionError
	assert.True(t, errors.As(err, &rej))
}
