package service

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// StringToFloat 券商 REST 的金额字段均为字符串
func StringToFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// StringToFloatOr 解析失败时返回 fallback
func StringToFloatOr(s string, fallback float64) float64 {
	v, err := StringToFloat(s)
	if err != nil {
		return fallback
	}
	return v
}

// 将 time.Duration 格式化为简短周期字符串，如 "1m", "30s", "1h"
func FormatInterval(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		return fmt.Sprintf("%dh", d/time.Hour)
	}
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%dm", d/time.Minute)
	}
	if d >= time.Second && d%time.Second == 0 {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	if d >= time.Millisecond && d%time.Millisecond == 0 {
		return fmt.Sprintf("%dms", d/time.Millisecond)
	}
	return d.String()
}

// ParseTimestamp 解析 RFC3339 (纳秒精度) 时间戳
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Clamp 将 v 限制在 [lo, hi]
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
