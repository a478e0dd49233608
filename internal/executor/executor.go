package executor

import (
	"context"
	"strings"
	"time"

	"consensus-trader/internal/model"
)

// Broker 是交易执行器的通用接口，负责与券商通信
type Broker interface {
	// 提交订单，返回券商确认后的状态
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderStatus, error)

	// 查询订单最新状态
	GetOrder(ctx context.Context, brokerOrderID string) (*OrderStatus, error)

	// 撤单
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// 获取账户资金
	GetAccount(ctx context.Context) (*AccountInfo, error)

	// 查询当前持仓，启动时用于初始化账本
	GetPositions(ctx context.Context) ([]model.Position, error)

	Name() string
}

// OrderRequest 提交给券商的订单
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Category      model.Category
	Side          model.Side
	Quantity      float64
	LimitPrice    float64 // 0 为市价单
}

// OrderStatus 券商返回的订单状态
type OrderStatus struct {
	BrokerOrderID  string
	ClientOrderID  string
	Symbol         string
	Status         string // 券商原始状态
	State          model.OrderState
	FilledQty      float64
	FilledAvgPrice float64
	UpdatedAt      time.Time
}

// AccountInfo 账户资金
type AccountInfo struct {
	Cash        float64
	BuyingPower float64
	Equity      float64
}

// MapStatus 券商订单状态到内部状态。未知状态视为仍在券商处挂单
func MapStatus(status string) model.OrderState {
	switch strings.ToLower(status) {
	case "filled":
		return model.OrderFilled
	case "partially_filled":
		return model.OrderPartiallyFilled
	case "canceled", "cancelled", "expired":
		return model.OrderCancelled
	case "rejected":
		return model.OrderRejected
	case "pending_new":
		return model.OrderSubmitted
	default:
		// new / accepted / pending_cancel / replaced / done_for_day ...
		return model.OrderAccepted
	}
}
