package execution

import (
	"errors"
	"fmt"
	"time"

	"consensus-trader/internal/model"
)

var ErrInvalidTransition = errors.New("invalid order state transition")

// 允许的直接迁移。Pending -> Rejected 用于提交失败
var transitions = map[model.OrderState][]model.OrderState{
	model.OrderPending:         {model.OrderSubmitted, model.OrderRejected},
	model.OrderSubmitted:       {model.OrderAccepted, model.OrderRejected},
	model.OrderAccepted:        {model.OrderPartiallyFilled, model.OrderFilled, model.OrderCancelled},
	model.OrderPartiallyFilled: {model.OrderPartiallyFilled, model.OrderAccepted, model.OrderFilled, model.OrderCancelled},
}

func canTransition(from, to model.OrderState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transitionPath from 到 to 需要经过的状态。Submitted 时收到成交等回报会先经过 Accepted
func transitionPath(from, to model.OrderState) ([]model.OrderState, error) {
	if from == to && from != model.OrderPartiallyFilled {
		return nil, nil
	}
	if canTransition(from, to) {
		return []model.OrderState{to}, nil
	}
	if from == model.OrderPending && to != model.OrderSubmitted {
		if rest, err := transitionPath(model.OrderSubmitted, to); err == nil {
			return append([]model.OrderState{model.OrderSubmitted}, rest...), nil
		}
	}
	if from == model.OrderSubmitted && canTransition(model.OrderAccepted, to) {
		return []model.OrderState{model.OrderAccepted, to}, nil
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// advance 推进订单状态，终态订单不再变化
func advance(o *model.OrderRecord, to model.OrderState, at time.Time) ([]model.OrderState, error) {
	if o.State.IsTerminal() {
		if o.State == to {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, o.State)
	}
	path, err := transitionPath(o.State, to)
	if err != nil {
		return nil, err
	}
	if len(path) > 0 {
		o.State = path[len(path)-1]
		o.UpdatedAt = at
	}
	return path, nil
}
