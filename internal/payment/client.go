package payment

import (
	"context"
	"errors"
	"fmt"
)

// ErrPaymentDeclined 处理器拒绝授权，对本次借款请求是终态，不重试
var ErrPaymentDeclined = errors.New("payment declined")

// ProcessorError 处理器瞬态错误（网络/5xx），可带退避重试
type ProcessorError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processor %s (http %d): %v", e.Op, e.StatusCode, e.Err)
}

func (e *ProcessorError) Unwrap() error {
	return e.Err
}

// HoldReference 预授权引用
// AuthorizedCents 为处理器实际授权金额，可能因取整与请求值不同
type HoldReference struct {
	IntentID        string
	AuthorizedCents int64
	Status          string
}

// Client 支付处理器客户端
// CreateHold 只授权不扣款（capture 延迟）
type Client interface {
	CreateHold(ctx context.Context, amountCents int64, currency, customerID, paymentMethodID string) (*HoldReference, error)
	CaptureHold(ctx context.Context, intentID string) error
	ReleaseHold(ctx context.Context, intentID string) error
}
