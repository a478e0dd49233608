package consensus

import (
	"consensus-trader/internal/model"
	"consensus-trader/internal/strategy"
)

// Vote AI 投票结果
type Vote struct {
	Action      model.Action
	Agreement   float64 // 胜出动作的权重占比
	Contributed bool    // 至少一个成功且权重为正的意见
	Totals      map[model.Action]float64
}

// Aggregate 加权投票：weight = role_weight × confidence × succeeded。平票取 HOLD。
// 只依赖输入，相同意见得到相同结果
func Aggregate(opinions []model.ModelOpinion, p *Policy) Vote {
	v := Vote{Action: model.ActionHold, Totals: make(map[model.Action]float64, len(model.Actions))}

	total := 0.0
	for _, o := range opinions {
		if !o.Succeeded {
			continue
		}
		w := p.weight(o.Role) * o.Confidence
		if w <= 0 {
			continue
		}
		v.Totals[o.Action] += w
		total += w
	}
	if total <= 0 {
		return v
	}
	v.Contributed = true

	best := model.ActionHold
	bestW := v.Totals[model.ActionHold]
	for _, a := range model.Actions {
		if a == model.ActionHold {
			continue
		}
		w := v.Totals[a]
		if w > bestW {
			best, bestW = a, w
		} else if w == bestW && best != model.ActionHold {
			// BUY 与 SELL 平票，双方都不占优
			best = model.ActionHold
		}
	}
	v.Action = best
	v.Agreement = bestW / total
	if best == model.ActionHold {
		v.Agreement = v.Totals[model.ActionHold] / total
	}
	return v
}

// Outcome 融合数学基线与 AI 投票后的结果
type Outcome struct {
	Action     model.Action
	Source     model.DecisionSource
	Confidence float64
	Degraded   bool
}

// Combine 一致度达到阈值时 AI 覆盖基线，否则基线胜出。
// 没有任何成功意见时置信度等于基线置信度；attempted 表示本周期调用过模型
func Combine(math strategy.MathSignal, vote Vote, p *Policy, attempted bool) Outcome {
	if !vote.Contributed {
		return Outcome{
			Action:     math.Action,
			Source:     model.SourceMath,
			Confidence: math.Confidence,
			Degraded:   attempted,
		}
	}

	out := Outcome{
		Action:     math.Action,
		Source:     model.SourceMath,
		Confidence: (1-p.AIWeight)*math.Confidence + p.AIWeight*vote.Agreement,
	}
	if vote.Agreement >= p.Threshold {
		out.Action = vote.Action
		out.Source = model.SourceAI
	}
	return out
}
