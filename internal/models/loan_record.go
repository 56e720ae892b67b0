package models

import (
	"time"
)

// 贷款生命周期状态，单向迁移: active → closed/liquidated/failed
const (
	LoanStatusActive     = "active"
	LoanStatusClosed     = "closed"
	LoanStatusLiquidated = "liquidated"
	LoanStatusFailed     = "failed"
)

// 预授权资金占用状态
// held → capture_pending → captured
// held → release_pending → released
const (
	HoldStateHeld           = "held"
	HoldStateCapturePending = "capture_pending"
	HoldStateReleasePending = "release_pending"
	HoldStateCaptured       = "captured"
	HoldStateReleased       = "released"
)

// LoanRecord 贷款记录表
type LoanRecord struct {
	ID     uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Wallet string `gorm:"type:varchar(42);not null;index:idx_wallet;comment:链上地址" json:"wallet"`
	Asset  string `gorm:"type:varchar(16);not null;comment:杠杆标的" json:"asset"`

	// 借款与预授权参数
	BorrowedUSD       string `gorm:"type:varchar(32);not null;default:'0';comment:借款金额USD" json:"borrowed_usd"`
	EntryPrice        string `gorm:"type:varchar(32);not null;default:'0';comment:开仓价格" json:"entry_price"`
	RequiredHoldCents int64  `gorm:"not null;default:0;comment:预授权金额(美分)" json:"required_hold_cents"`
	HoldDurationSecs  int64  `gorm:"not null;default:0;comment:预授权时长(秒)" json:"hold_duration_secs"`
	HoldExpiresAt     int64  `gorm:"not null;default:0;index:idx_hold_expiry;comment:预授权到期时间(Unix秒)" json:"hold_expires_at"`

	// 生命周期
	Status    string `gorm:"type:varchar(16);not null;default:'active';index:idx_status;comment:贷款状态" json:"status"`
	HoldState string `gorm:"type:varchar(24);not null;default:'held';index:idx_hold_state;comment:预授权状态" json:"hold_state"`

	// 对账控制
	ResolveAttempts int  `gorm:"not null;default:0;comment:资金结算重试次数" json:"resolve_attempts"`
	NeedsAttention  bool `gorm:"type:tinyint(1);not null;default:0;comment:重试耗尽需人工介入" json:"needs_attention"`

	// 外部引用
	TxHash          string `gorm:"type:varchar(66);default:'';comment:链上交易哈希" json:"tx_hash"`
	PaymentIntentID string `gorm:"type:varchar(64);default:'';comment:支付意向ID" json:"payment_intent_id"`
	CustomerID      string `gorm:"type:varchar(64);default:'';comment:支付客户ID" json:"customer_id"`
	PaymentMethodID string `gorm:"type:varchar(64);default:'';comment:支付方式ID" json:"payment_method_id"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (LoanRecord) TableName() string {
	return "loan_records"
}

// HoldResolved 判断预授权是否已终态
func (r *LoanRecord) HoldResolved() bool {
	return r.HoldState == HoldStateCaptured || r.HoldState == HoldStateReleased
}

// StatusTerminal 判断贷款是否已终态
func (r *LoanRecord) StatusTerminal() bool {
	return r.Status != LoanStatusActive
}
