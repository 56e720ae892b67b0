package oracle

import (
	"context"
	"fmt"
)

// Client 价格源客户端
// GetPrice 返回 1e8 刻度的定点整数字符串
type Client interface {
	GetPrice(ctx context.Context, asset string) (string, error)
}

// OracleError 价格读取失败（瞬态，由下一轮刷新重试）
type OracleError struct {
	Asset string
	Err   error
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("oracle %s: %v", e.Asset, e.Err)
}

func (e *OracleError) Unwrap() error {
	return e.Err
}
