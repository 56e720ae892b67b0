package dao

import (
	"errors"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cardlev/cardlev-loan-engine/internal/models"
)

type SnapshotDAO struct {
	db *gorm.DB
}

var (
	_snapshot     *SnapshotDAO
	_snapshotOnce sync.Once
)

// InitSnapshotDAO 初始化 SnapshotDAO
func InitSnapshotDAO(db *gorm.DB) {
	_snapshotOnce.Do(func() {
		_snapshot = &SnapshotDAO{db: db}
	})
}

// Snapshot 获取 SnapshotDAO 单例
func Snapshot() *SnapshotDAO {
	return _snapshot
}

// Upsert 写入单条快照，旧序号不覆盖新序号
func (d *SnapshotDAO) Upsert(snap *models.LoanRiskSnapshot) error {
	// 先尝试按序号条件更新，再兜底插入
	res := d.db.Model(&models.LoanRiskSnapshot{}).
		Where("wallet = ? AND seq <= ?", snap.Wallet, snap.Seq).
		Updates(map[string]any{
			"seq":                       snap.Seq,
			"collateral_value_now":      snap.CollateralValueNow,
			"collateral_value_at_entry": snap.CollateralValueAtEntry,
			"total_exposure_now":        snap.TotalExposureNow,
			"total_exposure_at_entry":   snap.TotalExposureAtEntry,
			"unrealized_pnl":            snap.UnrealizedPnL,
			"unrealized_pnl_percent":    snap.UnrealizedPnLPercent,
			"health_factor":             snap.HealthFactor,
			"liquidation_price":         snap.LiquidationPrice,
			"current_ltv":               snap.CurrentLTV,
			"seconds_remaining":         snap.SecondsRemaining,
			"at_risk":                   snap.AtRisk,
			"updated_at":                snap.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// 无行可更新: 要么钱包不存在（插入），要么已有更新的序号（丢弃）
	err := d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet"}},
		DoNothing: true,
	}).Create(snap).Error
	return err
}

// BatchUpsert 批量写入快照
func (d *SnapshotDAO) BatchUpsert(snaps []*models.LoanRiskSnapshot) error {
	var firstErr error
	for _, snap := range snaps {
		if err := d.Upsert(snap); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetByWallet 查询指定钱包的最新快照
func (d *SnapshotDAO) GetByWallet(wallet string) (*models.LoanRiskSnapshot, error) {
	var snap models.LoanRiskSnapshot
	err := d.db.Where("wallet = ?", wallet).First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// DeleteByWallets 删除指定钱包的快照（贷款终态后的清理）
func (d *SnapshotDAO) DeleteByWallets(wallets []string) (int64, error) {
	if len(wallets) == 0 {
		return 0, nil
	}
	res := d.db.Where("wallet IN ?", wallets).Delete(&models.LoanRiskSnapshot{})
	return res.RowsAffected, res.Error
}
