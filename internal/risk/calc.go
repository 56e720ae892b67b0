package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardlev/cardlev-loan-engine/internal/fixedpoint"
)

var (
	// LiquidationThreshold 清算阈值，作用于敞口
	LiquidationThreshold = decimal.RequireFromString("0.85")
	// AtRiskCutoff 风险预警线，比清算线更保守
	AtRiskCutoff = decimal.RequireFromString("1.10")

	hundred = decimal.NewFromInt(100)
)

// Snapshot 风险快照，刷新时整体重算，不做原地修改
type Snapshot struct {
	CollateralValueNow     decimal.Decimal
	CollateralValueAtEntry decimal.Decimal
	TotalExposureNow       decimal.Decimal
	TotalExposureAtEntry   decimal.Decimal
	UnrealizedPnL          decimal.Decimal
	UnrealizedPnLPercent   decimal.Decimal
	HealthFactor           decimal.Decimal
	LiquidationPrice       decimal.Decimal
	CurrentLTV             decimal.Decimal

	SecondsRemaining int64 // 可为负，展示层截断到 0
	AtRisk           bool
}

// Compute 计算风险快照
// 纯函数: 所有除法对零分母返回 0，不会 panic
// currentPrice <= 0 视为价格源不可用: 当前值与健康度字段归零且 AtRisk=true
func Compute(p fixedpoint.DecodedPosition, currentPrice decimal.Decimal, now time.Time) Snapshot {
	snap := Snapshot{
		SecondsRemaining: p.PreAuthExpiry - now.Unix(),
	}

	snap.CollateralValueAtEntry = p.Collateral.Mul(p.EntryPrice)
	snap.TotalExposureAtEntry = p.Supplied.Mul(p.EntryPrice)

	// 清算价只依赖借款与供给量，价格源异常时仍然有效
	if !p.Supplied.IsZero() {
		snap.LiquidationPrice = p.Borrowed.Div(p.Supplied.Mul(LiquidationThreshold))
	}

	if currentPrice.Sign() <= 0 {
		snap.AtRisk = true
		return snap
	}

	snap.CollateralValueNow = p.Collateral.Mul(currentPrice)
	snap.TotalExposureNow = p.Supplied.Mul(currentPrice)
	snap.UnrealizedPnL = snap.TotalExposureNow.Sub(snap.TotalExposureAtEntry)

	if !snap.CollateralValueAtEntry.IsZero() {
		snap.UnrealizedPnLPercent = snap.UnrealizedPnL.Div(snap.CollateralValueAtEntry).Mul(hundred)
	}

	if !p.Borrowed.IsZero() {
		snap.HealthFactor = snap.TotalExposureNow.Mul(LiquidationThreshold).Div(p.Borrowed)
	}

	if !snap.TotalExposureNow.IsZero() {
		snap.CurrentLTV = p.Borrowed.Div(snap.TotalExposureNow).Mul(hundred)
	}

	snap.AtRisk = snap.HealthFactor.LessThan(AtRiskCutoff)

	return snap
}
