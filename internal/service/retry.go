package service

import (
	"context"
	"math/rand"
	"time"
)

// Backoff 指数退避参数
type Backoff struct {
	Min    time.Duration `mapstructure:"min" yaml:"min" default:"1s"`
	Max    time.Duration `mapstructure:"max" yaml:"max" default:"30s"`
	Factor float64       `mapstructure:"factor" yaml:"factor" default:"2"`
	Jitter float64       `mapstructure:"jitter" yaml:"jitter" default:"0.2"`
}

// ReconnectBackoff 流重连: 1s -> 2s -> 4s ... 上限 30s
func ReconnectBackoff() Backoff {
	return Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: 0.2}
}

// Next returns the wait before the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	min := b.Min
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2
	}

	wait := min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > max {
			wait = max
			break
		}
		wait = next
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// Retry 执行 fn，遇到可重试错误时按 backoff 等待，最多 attempts 次
func Retry(ctx context.Context, attempts int, b Backoff, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == attempts {
			return err
		}
		timer := time.NewTimer(b.Next(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
