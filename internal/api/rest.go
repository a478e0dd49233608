package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"consensus-trader/internal/service"

	"go.uber.org/zap"
)

// Credentials 券商 API key
type Credentials struct {
	KeyID     string
	SecretKey string
}

// Valid key 与 secret 均非空
func (c Credentials) Valid() bool {
	return strings.TrimSpace(c.KeyID) != "" && strings.TrimSpace(c.SecretKey) != ""
}

// Account 账户接口返回 (金额字段为字符串)
type Account struct {
	ID                   string `json:"id"`
	AccountNumber        string `json:"account_number"`
	Status               string `json:"status"`
	CryptoStatus         string `json:"crypto_status"`
	Currency             string `json:"currency"`
	Cash                 string `json:"cash"`
	BuyingPower          string `json:"buying_power"`
	Equity               string `json:"equity"`
	PortfolioValue       string `json:"portfolio_value"`
	PatternDayTrader     bool   `json:"pattern_day_trader"`
	TradingBlocked       bool   `json:"trading_blocked"`
	AccountBlocked       bool   `json:"account_blocked"`
	TradeSuspendedByUser bool   `json:"trade_suspended_by_user"`
	Multiplier           string `json:"multiplier"`
	ShortingEnabled      bool   `json:"shorting_enabled"`
	OptionsApprovedLevel *int   `json:"options_approved_level"`
	OptionsTradingLevel  *int   `json:"options_trading_level"`
	AccountType          string `json:"account_type,omitempty"`
}

// PositionDTO 持仓接口返回
type PositionDTO struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CostBasis     string `json:"cost_basis"`
	AssetClass    string `json:"asset_class"`
}

// OrderRequest 下单参数
type OrderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	ClientOrderID string `json:"client_order_id"`
}

// OrderDTO 订单接口返回
type OrderDTO struct {
	ID             string `json:"id"`
	ClientOrderID  string `json:"client_order_id"`
	Symbol         string `json:"symbol"`
	Status         string `json:"status"`
	Side           string `json:"side"`
	Qty            string `json:"qty"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
	SubmittedAt    string `json:"submitted_at"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RESTClient 券商 REST 客户端
type RESTClient struct {
	baseURL string
	creds   Credentials
	client  *http.Client
	logger  *zap.Logger
}

// NewRESTClient timeout <= 0 时不设超时，由 context 控制
func NewRESTClient(baseURL string, creds Credentials, timeout time.Duration) *RESTClient {
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		client:  &http.Client{Transport: transport, Timeout: timeout},
		logger:  service.Named("rest"),
	}
}

// FetchAccount 用指定凭证查询账户 (Capability Gate 使用)
func (c *RESTClient) FetchAccount(ctx context.Context, creds Credentials) (*Account, error) {
	var acct Account
	if err := c.do(ctx, creds, http.MethodGet, "/v2/account", nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// GetAccount 使用客户端自身凭证
func (c *RESTClient) GetAccount(ctx context.Context) (*Account, error) {
	return c.FetchAccount(ctx, c.creds)
}

func (c *RESTClient) ListPositions(ctx context.Context) ([]PositionDTO, error) {
	var positions []PositionDTO
	if err := c.do(ctx, c.creds, http.MethodGet, "/v2/positions", nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

func (c *RESTClient) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderDTO, error) {
	var order OrderDTO
	if err := c.do(ctx, c.creds, http.MethodPost, "/v2/orders", req, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *RESTClient) GetOrder(ctx context.Context, id string) (*OrderDTO, error) {
	var order OrderDTO
	if err := c.do(ctx, c.creds, http.MethodGet, "/v2/orders/"+id, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *RESTClient) CancelOrder(ctx context.Context, id string) error {
	return c.do(ctx, c.creds, http.MethodDelete, "/v2/orders/"+id, nil, nil)
}

// do 发送请求并把 HTTP 状态映射到错误分类
func (c *RESTClient) do(ctx context.Context, creds Credentials, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", creds.KeyID)
	req.Header.Set("APCA-API-SECRET-KEY", creds.SecretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return &service.NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		c.logger.Debug("Broker request failed",
			zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))
		return classifyStatus(method+" "+path, resp.StatusCode, raw)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &service.NetworkError{Op: "decode " + path, Err: err}
	}
	return nil
}

func classifyStatus(op string, status int, raw []byte) error {
	var ae apiError
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &ae) == nil && ae.Message != "" {
		msg = ae.Message
	}

	switch {
	case status == http.StatusUnauthorized:
		return &service.AuthError{Op: op, Err: fmt.Errorf("%d: %s", status, msg)}
	case status == http.StatusForbidden && !strings.Contains(op, "/v2/orders"):
		return &service.AuthError{Op: op, Err: fmt.Errorf("%d: %s", status, msg)}
	case status == http.StatusTooManyRequests || status >= 500:
		return &service.NetworkError{Op: op, Err: fmt.Errorf("%d: %s", status, msg)}
	default:
		return &service.BrokerRejectionError{Code: status, Reason: msg}
	}
}
