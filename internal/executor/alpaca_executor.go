package executor

import (
	"context"
	"strconv"
	"strings"
	"time"

	"consensus-trader/internal/api"
	"consensus-trader/internal/model"
	"consensus-trader/internal/service"

	"go.uber.org/zap"
)

// tradingAPI REST 客户端中执行器用到的部分
type tradingAPI interface {
	GetAccount(ctx context.Context) (*api.Account, error)
	ListPositions(ctx context.Context) ([]api.PositionDTO, error)
	SubmitOrder(ctx context.Context, req api.OrderRequest) (*api.OrderDTO, error)
	GetOrder(ctx context.Context, id string) (*api.OrderDTO, error)
	CancelOrder(ctx context.Context, id string) error
}

// AlpacaBroker 通过 /v2 REST 接口下单
type AlpacaBroker struct {
	client tradingAPI
	logger *zap.SugaredLogger
}

func NewAlpacaBroker(client tradingAPI) *AlpacaBroker {
	return &AlpacaBroker{client: client, logger: service.Logger.Sugar().With("component", "alpaca")}
}

func (b *AlpacaBroker) Name() string { return "alpaca" }

func (b *AlpacaBroker) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderStatus, error) {
	body := api.OrderRequest{
		Symbol:        req.Symbol,
		Qty:           strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		Side:          string(req.Side),
		Type:          "market",
		TimeInForce:   "day",
		ClientOrderID: req.ClientOrderID,
	}
	if req.Category == model.CategoryCrypto {
		// 加密货币不支持 day
		body.TimeInForce = "gtc"
	}
	if req.LimitPrice > 0 {
		body.Type = "limit"
		body.LimitPrice = strconv.FormatFloat(req.LimitPrice, 'f', -1, 64)
	}

	dto, err := b.client.SubmitOrder(ctx, body)
	if err != nil {
		return nil, err
	}
	b.logger.Infof("ORDER SUBMITTED: %s %s %s, broker id %s, status %s", body.Side, body.Qty, body.Symbol, dto.ID, dto.Status)
	return statusFromDTO(dto), nil
}

func (b *AlpacaBroker) GetOrder(ctx context.Context, brokerOrderID string) (*OrderStatus, error) {
	dto, err := b.client.GetOrder(ctx, brokerOrderID)
	if err != nil {
		return nil, err
	}
	return statusFromDTO(dto), nil
}

func (b *AlpacaBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := b.client.CancelOrder(ctx, brokerOrderID); err != nil {
		return err
	}
	b.logger.Infof("ORDER CANCEL REQUESTED: %s", brokerOrderID)
	return nil
}

func (b *AlpacaBroker) GetAccount(ctx context.Context) (*AccountInfo, error) {
	acct, err := b.client.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	return &AccountInfo{
		Cash:        service.StringToFloatOr(acct.Cash, 0),
		BuyingPower: service.StringToFloatOr(acct.BuyingPower, 0),
		Equity:      service.StringToFloatOr(acct.Equity, 0),
	}, nil
}

func (b *AlpacaBroker) GetPositions(ctx context.Context) ([]model.Position, error) {
	dtos, err := b.client.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	positions := make([]model.Position, 0, len(dtos))
	for _, p := range dtos {
		qty := service.StringToFloatOr(p.Qty, 0)
		if qty == 0 {
			continue
		}
		pos := model.Position{
			Symbol:    p.Symbol,
			Quantity:  qty,
			AvgPrice:  service.StringToFloatOr(p.AvgEntryPrice, 0),
			CostBasis: service.StringToFloatOr(p.CostBasis, 0),
		}
		if pos.CostBasis == 0 {
			pos.CostBasis = pos.AvgPrice * qty
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func statusFromDTO(dto *api.OrderDTO) *OrderStatus {
	s := &OrderStatus{
		BrokerOrderID:  dto.ID,
		ClientOrderID:  dto.ClientOrderID,
		Symbol:         dto.Symbol,
		Status:         dto.Status,
		State:          MapStatus(dto.Status),
		FilledQty:      service.StringToFloatOr(dto.FilledQty, 0),
		FilledAvgPrice: service.StringToFloatOr(dto.FilledAvgPrice, 0),
		UpdatedAt:      time.Now(),
	}
	if strings.TrimSpace(dto.Status) == "" {
		s.State = model.OrderSubmitted
	}
	return s
}
