package chain

import "context"

// Client 借贷金库合约客户端
// GetPosition 返回 nil 表示该钱包没有仓位
type Client interface {
	GetPosition(ctx context.Context, wallet string) (*RawPosition, error)
	ClosePosition(ctx context.Context, wallet string) (*TxReceipt, error)
}
