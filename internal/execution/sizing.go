package execution

import (
	"math"

	"consensus-trader/internal/model"
	"consensus-trader/internal/service"
)

// SizingInput 买单仓位计算输入，cash 必须是账本的实时可用现金
type SizingInput struct {
	Symbol          string
	Category        model.Category
	KellyFraction   float64
	Confidence      float64
	Price           float64
	AvailableCash   float64
	Equity          float64
	CurrentExposure float64
	MaxExposure     float64
}

// SizingResult Clamp 非空表示数量被截断
type SizingResult struct {
	Quantity float64
	Notional float64
	Clamp    *service.OversizedOrderError
}

// SizeBuy quantity = floor(kelly × cash × confidence / price)，
// 名义金额不超过 min(cash × max_exposure, equity × max_exposure − 当前敞口)
func SizeBuy(in SizingInput) SizingResult {
	if in.Price <= 0 || in.AvailableCash <= 0 || in.KellyFraction <= 0 {
		return SizingResult{}
	}
	conf := service.Clamp(in.Confidence, 0, 1)
	qty := floorQty(in.KellyFraction*in.AvailableCash*conf/in.Price, in.Category)

	allowed := math.Min(in.AvailableCash*in.MaxExposure, in.Equity*in.MaxExposure-in.CurrentExposure)
	if allowed < 0 {
		allowed = 0
	}

	res := SizingResult{Quantity: qty, Notional: qty * in.Price}
	if res.Notional > allowed {
		res.Clamp = &service.OversizedOrderError{Symbol: in.Symbol, Requested: res.Notional, Allowed: allowed}
		res.Quantity = floorQty(allowed/in.Price, in.Category)
		res.Notional = res.Quantity * in.Price
	}
	return res
}

// SizeSell 高置信度全部平仓，否则按比例减仓，至少 1 股且不超过持仓
func SizeSell(held, confidence, fullExit, fraction float64, cat model.Category) (float64, model.SizingMethod) {
	if held <= 0 {
		return 0, model.SizingLiquidation
	}
	if confidence >= fullExit {
		return held, model.SizingLiquidation
	}
	qty := floorQty(held*fraction, cat)
	if cat != model.CategoryCrypto && qty < 1 {
		qty = 1
	}
	if qty <= 0 || qty >= held {
		return held, model.SizingLiquidation
	}
	return qty, model.SizingScaleOut
}

// floorQty 股票取整股，加密货币保留 4 位小数
func floorQty(q float64, cat model.Category) float64 {
	if q <= 0 || math.IsNaN(q) || math.IsInf(q, 0) {
		return 0
	}
	if cat == model.CategoryCrypto {
		return math.Floor(q*1e4) / 1e4
	}
	return math.Floor(q)
}
