package chain

import "fmt"

// RawPosition 链上仓位原始字段
// 数量字段为定点整数字符串: collateral/supplied 1e18, borrowed 1e6, entry_price 1e8
type RawPosition struct {
	Collateral     string `json:"collateral"`
	Supplied       string `json:"supplied"`
	Borrowed       string `json:"borrowed"`
	EntryPrice     string `json:"entry_price"`
	PreAuthExpiry  int64  `json:"pre_auth_expiry"` // Unix 秒
	Active         bool   `json:"active"`
	PreAuthCharged bool   `json:"pre_auth_charged"`

	// 支付处理器引用
	PaymentIntentID string `json:"payment_intent_id"`
	CustomerID      string `json:"customer_id"`
	PaymentMethodID string `json:"payment_method_id"`
}

// TxReceipt 平仓交易回执
type TxReceipt struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
}

// ChainError 链读写失败（瞬态，由下一轮刷新重试）
type ChainError struct {
	Op  string
	Err error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain %s: %v", e.Op, e.Err)
}

func (e *ChainError) Unwrap() error {
	return e.Err
}
