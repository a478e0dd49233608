package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"consensus-trader/internal/model"
	"consensus-trader/internal/service"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarketDialectDecode(t *testing.T) {
	t.Parallel()

	d := MarketDialect{Category: model.CategoryStocks}
	raw := `[
		{"T":"success","msg":"authenticated"},
		{"T":"t","S":"AAPL","i":96921,"x":"D","p":180.25,"s":100,"t":"2025-03-03T15:00:01.123Z","c":["@","I"],"z":"C"},
		{"T":"q","S":"AAPL","bp":180.2,"bs":3,"ap":180.3,"as":2,"t":"2025-03-03T15:00:01.2Z","c":["R"]},
		{"T":"b","S":"AAPL","o":180,"h":181,"l":179.5,"c":180.7,"v":12000,"vw":180.4,"n":90,"t":"2025-03-03T15:00:00Z"}
	]`
	msgs, ctrls, err := d.Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, ctrls, 1)
	assert.True(t, ctrls[0].IsAuthOK())
	require.Len(t, msgs, 3)

	assert.Equal(t, model.KindTrade, msgs[0].Kind)
	assert.Equal(t, uint64(96921), msgs[0].Seq)
	assert.Equal(t, 180.25, msgs[0].Trade.Price)
	assert.Equal(t, 100.0, msgs[0].Trade.Size)

	assert.Equal(t, model.KindQuote, msgs[1].Kind)
	assert.Equal(t, 180.3, msgs[1].Quote.AskPrice)

	require.NotNil(t, msgs[2].Bar)
	assert.Equal(t, 180.7, msgs[2].Bar.Close)
	assert.Equal(t, 180.4, msgs[2].Bar.VWAP)
	assert.Equal(t, time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC), msgs[2].Bar.StartTime)
}

func TestMarketDialectNewsSplitsPerSymbol(t *testing.T) {
	t.Parallel()

	d := MarketDialect{Category: model.CategoryNews}
	raw := `[{"T":"n","id":24918784,"headline":"Apple and Microsoft rally","summary":"","source":"benzinga",
		"symbols":["AAPL","MSFT"],"created_at":"2025-03-03T15:00:00Z"}]`
	msgs, _, err := d.Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "AAPL", msgs[0].Symbol)
	assert.Equal(t, "MSFT", msgs[1].Symbol)
	assert.Equal(t, uint64(24918784), msgs[1].Seq)
	assert.Equal(t, "Apple and Microsoft rally", msgs[1].News.Headline)

	frame := d.SubscribeFrame(nil).(map[string]interface{})
	assert.Equal(t, []string{"*"}, frame["news"])
}

func TestMarketDialectBadFrame(t *testing.T) {
	t.Parallel()

	d := MarketDialect{Category: model.CategoryStocks}
	_, _, err := d.Decode([]byte(`not json`))
	var ve *service.ValidationError
	require.ErrorAs(t, err, &ve)

	_, _, err = d.Decode([]byte(`[{"T":"b","S":"AAPL","c":"oops","t":"2025-03-03T15:00:00Z"}]`))
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "bar.c", ve.Field)

	// 坏帧不影响同一批次的其他帧
	msgs, _, err := d.Decode([]byte(`[
		{"T":"b","S":"AAPL","c":"oops","t":"2025-03-03T15:00:00Z"},
		{"T":"t","S":"MSFT","p":401.5,"s":10,"i":7,"t":"2025-03-03T15:00:01Z"},
		{"T":"b","S":"NVDA","o":1,"h":2,"l":1,"c":1.5,"v":100,"t":"2025-03-03T15:00:00Z"}
	]`))
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "bar.c", ve.Field)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.KindTrade, msgs[0].Kind)
	assert.Equal(t, "MSFT", msgs[0].Symbol)
	assert.Equal(t, 401.5, msgs[0].Trade.Price)
	assert.Equal(t, model.KindBar, msgs[1].Kind)
	assert.Equal(t, 1.5, msgs[1].Bar.Close)
}

func TestControlAuthFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ctrl Control
		fail bool
		ok   bool
	}{
		{"authenticated", Control{Kind: "success", Msg: "authenticated"}, false, true},
		{"connected", Control{Kind: "success", Msg: "connected"}, false, false},
		{"auth failed", Control{Kind: "error", Code: 402, Msg: "auth failed"}, true, false},
		{"connection limit", Control{Kind: "error", Code: 406, Msg: "connection limit exceeded"}, true, false},
		{"invalid syntax", Control{Kind: "error", Code: 400, Msg: "invalid syntax"}, false, false},
		{"unauthorized stream", Control{Kind: "authorization", Msg: "unauthorized"}, true, false},
		{"authorized stream", Control{Kind: "authorization", Msg: "authorized"}, false, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.fail, tt.ctrl.IsAuthFailure())
			assert.Equal(t, tt.ok, tt.ctrl.IsAuthOK())
		})
	}
}

func TestTradingDialectDecode(t *testing.T) {
	t.Parallel()

	d := TradingDialect{Streams: []model.Category{model.CategoryTradeUpdates}}
	_, ctrls, err := d.Decode([]byte(`{"stream":"authorization","data":{"status":"authorized","action":"authenticate"}}`))
	require.NoError(t, err)
	require.Len(t, ctrls, 1)
	assert.True(t, ctrls[0].IsAuthOK())

	raw := `{"stream":"trade_updates","data":{"event":"fill","timestamp":"2025-03-03T15:00:02Z","price":"180.1","qty":"5",
		"order":{"id":"b-1","client_order_id":"c-1","symbol":"AAPL","qty":"5","filled_qty":"5","filled_avg_price":"180.1"}}}`
	msgs, _, err := d.Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	upd := msgs[0].TradeUpdate
	require.NotNil(t, upd)
	assert.Equal(t, "fill", upd.Event)
	assert.Equal(t, "c-1", upd.ClientOrderID)
	assert.Equal(t, 5.0, upd.FilledQty)
	assert.Equal(t, 180.1, upd.FilledAvgPrice)
	assert.Equal(t, model.CategoryTradeUpdates, msgs[0].Category)
}

func TestRESTClassifiesStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		path   string
		check  func(t *testing.T, err error)
	}{
		{"unauthorized", http.StatusUnauthorized, "/v2/account", func(t *testing.T, err error) {
			var ae *service.AuthError
			assert.ErrorAs(t, err, &ae)
		}},
		{"forbidden account", http.StatusForbidden, "/v2/account", func(t *testing.T, err error) {
			var ae *service.AuthError
			assert.ErrorAs(t, err, &ae)
		}},
		{"forbidden order", http.StatusForbidden, "/v2/orders", func(t *testing.T, err error) {
			var re *service.BrokerRejectionError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, "insufficient buying power", re.Reason)
		}},
		{"rate limited", http.StatusTooManyRequests, "/v2/account", func(t *testing.T, err error) {
			assert.True(t, service.IsRetryable(err))
		}},
		{"server error", http.StatusBadGateway, "/v2/orders", func(t *testing.T, err error) {
			assert.True(t, service.IsRetryable(err))
		}},
		{"unprocessable", http.StatusUnprocessableEntity, "/v2/orders", func(t *testing.T, err error) {
			var re *service.BrokerRejectionError
			assert.ErrorAs(t, err, &re)
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"code":40310000,"message":"insufficient buying power"}`))
			}))
			defer srv.Close()

			c := NewRESTClient(srv.URL, Credentials{KeyID: "k", SecretKey: "s"}, time.Second)
			var err error
			if tt.path == "/v2/orders" {
				_, err = c.SubmitOrder(context.Background(), OrderRequest{Symbol: "AAPL", Qty: "1", Side: "buy"})
			} else {
				_, err = c.GetAccount(context.Background())
			}
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestRESTSendsCredentialsAndDecodes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
		_, _ = w.Write([]byte(`{"id":"acc-1","status":"ACTIVE","crypto_status":"ACTIVE","cash":"9982.00",
			"buying_power":"19964","equity":"10000","multiplier":"2","options_approved_level":2,"options_trading_level":2}`))
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL+"/", Credentials{}, time.Second)
	acct, err := c.FetchAccount(context.Background(), Credentials{KeyID: "key", SecretKey: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "acc-1", acct.ID)
	assert.Equal(t, "9982.00", acct.Cash)
	require.NotNil(t, acct.OptionsApprovedLevel)
	assert.Equal(t, 2, *acct.OptionsApprovedLevel)
}

// fakeStream 模拟券商行情端点：认证、订阅确认、推送一笔成交后断开
type fakeStream struct {
	mu         sync.Mutex
	subscribed [][]string
	authOK     bool
	conns      int
}

func (f *fakeStream) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		f.mu.Lock()
		f.conns++
		f.mu.Unlock()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`[{"T":"success","msg":"connected"}]`))
		var auth map[string]string
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		if auth["secret"] != "good" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`[{"T":"error","code":402,"msg":"auth failed"}]`))
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`[{"T":"success","msg":"authenticated"}]`))

		var sub struct {
			Trades []string `json:"trades"`
		}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		f.mu.Lock()
		f.subscribed = append(f.subscribed, sub.Trades)
		f.mu.Unlock()

		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`[{"T":"t","S":"AAPL","i":1,"p":180,"s":1,"t":"2025-03-03T15:00:01Z"}]`))
		// 立即断开，迫使客户端重连
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectorResubscribesAfterReconnect(t *testing.T) {
	t.Parallel()

	fake := &fakeStream{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	var mu sync.Mutex
	var received []model.StreamMessage
	var states []model.ConnectionState
	reconnected := false

	c := NewConnector(ConnectorConfig{
		Name:    "stocks",
		URL:     wsURL(srv),
		Creds:   Credentials{KeyID: "k", SecretKey: "good"},
		Dialect: MarketDialect{Category: model.CategoryStocks},
		Backoff: service.Backoff{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2},
	}, func(msgs []model.StreamMessage) {
		mu.Lock()
		received = append(received, msgs...)
		mu.Unlock()
	}, func(state model.ConnectionState, re bool) {
		mu.Lock()
		states = append(states, state)
		if re && state == model.StateSubscribed {
			reconnected = true
		}
		mu.Unlock()
	})
	require.NoError(t, c.Subscribe("AAPL", "MSFT"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reconnected && len(received) >= 2
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.GreaterOrEqual(t, len(fake.subscribed), 2)
	for _, syms := range fake.subscribed {
		assert.Equal(t, []string{"AAPL", "MSFT"}, syms)
	}
	assert.Contains(t, states, model.StateSubscribed)
}

func TestConnectorAuthFailureIsFatal(t *testing.T) {
	t.Parallel()

	fake := &fakeStream{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	c := NewConnector(ConnectorConfig{
		Name:    "stocks",
		URL:     wsURL(srv),
		Creds:   Credentials{KeyID: "k", SecretKey: "bad"},
		Dialect: MarketDialect{Category: model.CategoryStocks},
		Backoff: service.Backoff{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2},
	}, func([]model.StreamMessage) {}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := c.Run(ctx)
	var ae *service.AuthError
	require.True(t, errors.As(err, &ae))
	assert.True(t, service.IsFatal(err))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 1, fake.conns)
}
