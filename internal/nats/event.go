package nats

import (
	"encoding/json"

	"github.com/cardlev/cardlev-loan-engine/pkg/logger"
)

const TopicLoanLifecycle = "loan_lifecycle"

// 生命周期事件类型
const (
	EventLoanClosed       = "loan_closed"
	EventLoanLiquidated   = "loan_liquidated"
	EventResolutionFailed = "resolution_failed"
)

// LoanLifecycleEvent 借款生命周期事件消息
type LoanLifecycleEvent struct {
	Event           string `json:"event"`             // loan_closed/loan_liquidated/resolution_failed
	LoanID          uint64 `json:"loan_id"`           // 借款记录ID
	Wallet          string `json:"wallet"`            // 钱包地址
	Asset           string `json:"asset"`             // 抵押资产
	BorrowedUSD     string `json:"borrowed_usd"`      // 借款金额
	HoldAction      string `json:"hold_action"`       // capture/release
	PaymentIntentID string `json:"payment_intent_id"` // 预授权引用
	Timestamp       int64  `json:"timestamp"`         // 时间戳
}

// Marshal 序列化事件
func (e *LoanLifecycleEvent) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		logger.Error().Err(err).Msg("marshal lifecycle event failed")
		return nil, err
	}
	return data, nil
}
