package models

import (
	"time"
)

// LoanRiskSnapshot 风险快照缓存表
// 每个钱包只保留最新一条（按 seq 取胜），供查询层读取，避免触碰监控器内存
type LoanRiskSnapshot struct {
	ID     uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Wallet string `gorm:"type:varchar(42);not null;uniqueIndex:uidx_wallet;comment:链上地址" json:"wallet"`
	Seq    uint64 `gorm:"not null;default:0;comment:产生该快照的刷新序号" json:"seq"`

	CollateralValueNow     string `gorm:"type:varchar(32);not null;default:'0';comment:当前抵押价值" json:"collateral_value_now"`
	CollateralValueAtEntry string `gorm:"type:varchar(32);not null;default:'0';comment:开仓抵押价值" json:"collateral_value_at_entry"`
	TotalExposureNow       string `gorm:"type:varchar(32);not null;default:'0';comment:当前总敞口" json:"total_exposure_now"`
	TotalExposureAtEntry   string `gorm:"type:varchar(32);not null;default:'0';comment:开仓总敞口" json:"total_exposure_at_entry"`
	UnrealizedPnL          string `gorm:"column:unrealized_pnl;type:varchar(32);not null;default:'0';comment:未实现盈亏" json:"unrealized_pnl"`
	UnrealizedPnLPercent   string `gorm:"column:unrealized_pnl_percent;type:varchar(32);not null;default:'0';comment:未实现盈亏百分比" json:"unrealized_pnl_percent"`
	HealthFactor           string `gorm:"type:varchar(32);not null;default:'0';comment:健康因子" json:"health_factor"`
	LiquidationPrice       string `gorm:"type:varchar(32);not null;default:'0';comment:清算价格" json:"liquidation_price"`
	CurrentLTV             string `gorm:"column:current_ltv;type:varchar(32);not null;default:'0';comment:当前LTV百分比" json:"current_ltv"`

	SecondsRemaining int64 `gorm:"not null;default:0;comment:预授权剩余秒数" json:"seconds_remaining"`
	AtRisk           bool  `gorm:"type:tinyint(1);not null;default:0;comment:是否触发风险预警" json:"at_risk"`

	UpdatedAt time.Time `gorm:"not null;index:idx_updated;comment:更新时间" json:"updated_at"`
}

func (LoanRiskSnapshot) TableName() string {
	return "loan_risk_snapshots"
}
