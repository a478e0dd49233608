package service

import (
	"errors"
	"fmt"
)

// AuthError 凭证无效或被拒绝。启动阶段为致命错误。
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failed (%s): %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// AccountBlockedError 账户被券商冻结，停止一切交易
type AccountBlockedError struct {
	AccountID string
	Reason    string
}

func (e *AccountBlockedError) Error() string {
	return fmt.Sprintf("account %s blocked: %s", e.AccountID, e.Reason)
}

// NetworkError 可重试的传输层错误
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error (%s): %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError 单条消息校验失败，跳过后继续
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// ModelTimeoutError 单个 AI 模型超时，降级处理
type ModelTimeoutError struct {
	ModelID string
	Err     error
}

func (e *ModelTimeoutError) Error() string {
	return fmt.Sprintf("model %s timed out: %v", e.ModelID, e.Err)
}

func (e *ModelTimeoutError) Unwrap() error { return e.Err }

// BrokerRejectionError 券商拒单 (资金不足 / wash trade / 无效代码)
type BrokerRejectionError struct {
	Code   int
	Reason string
}

func (e *BrokerRejectionError) Error() string {
	return fmt.Sprintf("broker rejected order (%d): %s", e.Code, e.Reason)
}

// OversizedOrderError 在提交前被拦截的超额订单
type OversizedOrderError struct {
	Symbol    string
	Requested float64
	Allowed   float64
}

func (e *OversizedOrderError) Error() string {
	return fmt.Sprintf("order for %s oversized: requested notional %.2f, allowed %.2f", e.Symbol, e.Requested, e.Allowed)
}

// ErrConfig 配置错误，进程直接退出
var ErrConfig = errors.New("invalid configuration")

// StageError 给非致命错误附加上下文 (symbol, cycle, stage)，方便事后还原
type StageError struct {
	Symbol  string
	CycleID string
	Stage   string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("[%s] cycle=%s symbol=%s: %v", e.Stage, e.CycleID, e.Symbol, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// WrapStage 包装错误；err 为 nil 时返回 nil
func WrapStage(stage, cycleID, symbol string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Symbol: symbol, CycleID: cycleID, Stage: stage, Err: err}
}

// IsRetryable 仅网络错误可重试
func IsRetryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsFatal 认证失败、账户冻结、配置错误会停止进程
func IsFatal(err error) bool {
	var ae *AuthError
	var be *AccountBlockedError
	return errors.As(err, &ae) || errors.As(err, &be) || errors.Is(err, ErrConfig)
}
