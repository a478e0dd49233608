package consensus

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"consensus-trader/internal/model"
	"consensus-trader/internal/service"
)

var ErrUnparseable = errors.New("no decision found in model response")

// Parsed 模型回复解析结果
type Parsed struct {
	Action     model.Action
	Confidence float64
	Reasoning  string
}

type jsonReply struct {
	Decision   string      `json:"decision"`
	Action     string      `json:"action"`
	Confidence json.Number `json:"confidence"`
	Reasoning  string      `json:"reasoning"`
}

// ParseResponse 先尝试 JSON 对象，再按 DECISION:/CONFIDENCE: 行解析。缺少置信度时按 0.5
func ParseResponse(text string) (Parsed, error) {
	if p, ok := parseJSON(text); ok {
		return p, nil
	}
	return parseLines(text)
}

func parseJSON(text string) (Parsed, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Parsed{}, false
	}
	var r jsonReply
	if err := json.Unmarshal([]byte(text[start:end+1]), &r); err != nil {
		return Parsed{}, false
	}
	raw := r.Decision
	if raw == "" {
		raw = r.Action
	}
	action, ok := actionFrom(raw)
	if !ok {
		return Parsed{}, false
	}
	conf := 0.5
	if r.Confidence != "" {
		if v, err := r.Confidence.Float64(); err == nil {
			conf = normalizeConfidence(v)
		}
	}
	return Parsed{Action: action, Confidence: conf, Reasoning: r.Reasoning}, true
}

func parseLines(text string) (Parsed, error) {
	p := Parsed{Confidence: 0.5}
	found := false
	var reasoning []string

	for _, line := range strings.Split(text, "\n") {
		clean := strings.TrimSpace(strings.Trim(strings.TrimSpace(line), "*#-"))
		key, value, hasColon := strings.Cut(clean, ":")
		if !hasColon {
			continue
		}
		value = strings.TrimSpace(strings.Trim(strings.TrimSpace(value), "*"))
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "decision", "action":
			if a, ok := actionFrom(value); ok && !found {
				p.Action = a
				found = true
			}
		case "confidence":
			if v, ok := parseNumber(value); ok {
				p.Confidence = normalizeConfidence(v)
			}
		case "reasoning", "reason":
			reasoning = append(reasoning, value)
		}
	}
	if !found {
		return Parsed{}, ErrUnparseable
	}
	p.Reasoning = strings.Join(reasoning, " ")
	return p, nil
}

// actionFrom 取第一个单词判断，"BUY (strong)" 也可识别
func actionFrom(s string) (model.Action, bool) {
	fields := strings.Fields(strings.ToUpper(s))
	if len(fields) == 0 {
		return "", false
	}
	word := strings.Trim(fields[0], ".,;!\"'`*")
	switch model.Action(word) {
	case model.ActionBuy, model.ActionSell, model.ActionHold:
		return model.Action(word), true
	}
	return "", false
}

func parseNumber(s string) (float64, bool) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, false
	}
	raw := strings.TrimRight(fields[0], ".,;")
	percent := strings.HasSuffix(raw, "%")
	v, err := strconv.ParseFloat(strings.TrimSuffix(raw, "%"), 64)
	if err != nil {
		return 0, false
	}
	if percent {
		v /= 100
	}
	return v, true
}

// normalizeConfidence 兼容 0-100 的写法
func normalizeConfidence(v float64) float64 {
	if v > 1 && v <= 100 {
		v /= 100
	}
	return service.Clamp(v, 0, 1)
}
