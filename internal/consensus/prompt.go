package consensus

import (
	"fmt"
	"strings"

	"consensus-trader/internal/llm"
	"consensus-trader/internal/model"
	"consensus-trader/internal/strategy"
)

const systemPrompt = "You are one analyst in a panel that decides trades for a US equity and crypto portfolio. " +
	"Base your answer only on the data provided. Do not invent news or prices."

const answerFormat = "Answer with exactly these lines:\n" +
	"DECISION: BUY, SELL or HOLD\n" +
	"CONFIDENCE: a number between 0.0 and 1.0\n" +
	"REASONING: one sentence"

var roleInstructions = map[model.ModelRole]string{
	model.RoleTechnicalAnalysis: "You are a technical analysis expert. Judge the indicators, price structure and trend.",
	model.RoleSentimentAnalysis: "You are a market sentiment analyst. Weigh the latest headline and market mood.",
	model.RoleRiskManagement:    "You are a risk manager. Focus on downside, position size and volatility. Prefer HOLD when unsure.",
	model.RoleMarketRegime:      "You are a market regime analyst. Decide whether the market is trending or ranging and act accordingly.",
	model.RoleMomentum:          "You are a momentum analyst. Focus on price momentum, volume and trend strength.",
	model.RoleGeneral:           "You are a general trading analyst. Give a balanced decision considering all factors.",
}

// Input 单个 symbol 的决策输入
type Input struct {
	Snapshot     *model.MarketSnapshot
	Holding      strategy.Holding
	SessionPhase string
}

// marketContext 所有角色共用的数据段
func marketContext(in Input, math strategy.MathSignal) string {
	s := in.Snapshot
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s (%s)\n", s.Symbol, s.Category)
	fmt.Fprintf(&b, "Price: %.4f  Bid: %.4f  Ask: %.4f  Day volume: %.0f\n", s.Price(), s.Quote.BidPrice, s.Quote.AskPrice, s.Volume)
	if s.Bar != nil {
		fmt.Fprintf(&b, "Last bar: O %.4f H %.4f L %.4f C %.4f V %.0f\n", s.Bar.Open, s.Bar.High, s.Bar.Low, s.Bar.Close, s.Bar.Volume)
	}

	ind := s.Indicators
	var parts []string
	if ind.RSI != nil {
		parts = append(parts, fmt.Sprintf("RSI14 %.1f", *ind.RSI))
	}
	if ind.MACD != nil {
		parts = append(parts, fmt.Sprintf("MACD %.4f/%.4f hist %.4f", ind.MACD.Line, ind.MACD.Signal, ind.MACD.Hist))
	}
	if ind.SMA != nil {
		parts = append(parts, fmt.Sprintf("SMA20 %.4f", *ind.SMA))
	}
	if ind.VWAP != nil {
		parts = append(parts, fmt.Sprintf("VWAP %.4f", *ind.VWAP))
	}
	if ind.ATR != nil {
		parts = append(parts, fmt.Sprintf("ATR14 %.4f", *ind.ATR))
	}
	if ind.Ichimoku != nil {
		parts = append(parts, fmt.Sprintf("Ichimoku tenkan %.4f kijun %.4f cloud %.4f-%.4f",
			ind.Ichimoku.Tenkan, ind.Ichimoku.Kijun, ind.Ichimoku.SpanA, ind.Ichimoku.SpanB))
	}
	if ind.POC != nil {
		parts = append(parts, fmt.Sprintf("Volume POC %.4f", *ind.POC))
	}
	if len(parts) == 0 {
		b.WriteString("Indicators: not enough history yet\n")
	} else {
		b.WriteString("Indicators: " + strings.Join(parts, "; ") + "\n")
	}
	if ind.Returns != nil {
		fmt.Fprintf(&b, "Returns: mean %.5f vol %.5f win rate %.2f payoff %.2f over %d bars\n",
			ind.Returns.MeanReturn, ind.Returns.Volatility, ind.Returns.WinRate, ind.Returns.PayoffRatio, ind.Returns.Samples)
	}
	if s.Headline != "" {
		fmt.Fprintf(&b, "Latest headline: %s\n", s.Headline)
	}

	fmt.Fprintf(&b, "Position: %.4f shares, portfolio equity %.2f\n", in.Holding.Quantity, in.Holding.Equity)
	fmt.Fprintf(&b, "Session: %s  Regime: %s\n", in.SessionPhase, math.Regime)
	fmt.Fprintf(&b, "Quant model: %s score %.3f confidence %.2f\n", math.Action, math.Score, math.Confidence)
	return b.String()
}

// BuildMessages 第一轮的完整对话
func BuildMessages(role model.ModelRole, in Input, math strategy.MathSignal) []llm.Message {
	instr, ok := roleInstructions[role]
	if !ok {
		instr = roleInstructions[model.RoleGeneral]
	}
	return []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: instr + "\n\n" + marketContext(in, math) + "\n" + answerFormat},
	}
}

// FollowUp 后续轮次：附上上一轮所有分析师的回答，要求给出最终意见
func FollowUp(round int, prior []model.ModelOpinion, texts map[string]string) llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Round %d. The panel answered:\n", round-1)
	for _, o := range prior {
		if !o.Succeeded {
			fmt.Fprintf(&b, "- %s (%s): no answer\n", o.ModelID, o.Role)
			continue
		}
		fmt.Fprintf(&b, "- %s (%s): %s %.2f", o.ModelID, o.Role, o.Action, o.Confidence)
		if t := strings.TrimSpace(texts[o.ModelID]); t != "" {
			fmt.Fprintf(&b, " | %s", strings.ReplaceAll(t, "\n", " "))
		}
		b.WriteString("\n")
	}
	b.WriteString("\nConsider the other analysts and give your final view.\n" + answerFormat)
	return llm.Message{Role: "user", Content: b.String()}
}
