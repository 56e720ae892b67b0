package dao

import (
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/cardlev/cardlev-loan-engine/internal/models"
)

type LoanDAO struct {
	db *gorm.DB
}

var (
	_loan     *LoanDAO
	_loanOnce sync.Once
)

// InitLoanDAO 初始化 LoanDAO
func InitLoanDAO(db *gorm.DB) {
	_loanOnce.Do(func() {
		_loan = &LoanDAO{db: db}
	})
}

// Loan 获取 LoanDAO 单例
func Loan() *LoanDAO {
	return _loan
}

// Create 创建贷款记录
func (d *LoanDAO) Create(record *models.LoanRecord) error {
	return d.db.Create(record).Error
}

// GetByID 按 ID 查询
func (d *LoanDAO) GetByID(id uint) (*models.LoanRecord, error) {
	var record models.LoanRecord
	err := d.db.Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetByWallet 查询指定钱包的全部贷款记录
func (d *LoanDAO) GetByWallet(wallet string) ([]*models.LoanRecord, error) {
	var records []*models.LoanRecord
	err := d.db.Where("wallet = ?", wallet).Order("id DESC").Find(&records).Error
	return records, err
}

// GetActiveByWallet 查询指定钱包的活跃贷款
func (d *LoanDAO) GetActiveByWallet(wallet string) (*models.LoanRecord, error) {
	var record models.LoanRecord
	err := d.db.Where("wallet = ? AND status = ?", wallet, models.LoanStatusActive).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListActive 查询全部活跃贷款（监控钱包同步用）
func (d *LoanDAO) ListActive() ([]*models.LoanRecord, error) {
	var records []*models.LoanRecord
	err := d.db.Where("status = ?", models.LoanStatusActive).Find(&records).Error
	return records, err
}

// UpdateStatus 原子状态迁移（CAS）
// 状态不匹配返回 ErrConflict，记录不存在返回 ErrNotFound
func (d *LoanDAO) UpdateStatus(id uint, from, to string) error {
	res := d.db.Model(&models.LoanRecord{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := d.db.Model(&models.LoanRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

// CASHoldState 原子预授权状态迁移（CAS）
func (d *LoanDAO) CASHoldState(id uint, from, to string) error {
	res := d.db.Model(&models.LoanRecord{}).
		Where("id = ? AND hold_state = ?", id, from).
		Update("hold_state", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := d.db.Model(&models.LoanRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

// SetTxHash 写入平仓交易哈希
func (d *LoanDAO) SetTxHash(id uint, txHash string) error {
	return d.db.Model(&models.LoanRecord{}).
		Where("id = ?", id).
		Update("tx_hash", txHash).Error
}

// IncResolveAttempts 累加结算重试次数
func (d *LoanDAO) IncResolveAttempts(id uint) error {
	return d.db.Model(&models.LoanRecord{}).
		Where("id = ?", id).
		Update("resolve_attempts", gorm.Expr("resolve_attempts + 1")).Error
}

// MarkNeedsAttention 标记需人工介入
func (d *LoanDAO) MarkNeedsAttention(id uint) error {
	return d.db.Model(&models.LoanRecord{}).
		Where("id = ?", id).
		Update("needs_attention", true).Error
}

// ListExpiredActive 查询预授权已到期但仍活跃的贷款
func (d *LoanDAO) ListExpiredActive(now int64) ([]*models.LoanRecord, error) {
	var records []*models.LoanRecord
	err := d.db.
		Where("status = ? AND hold_expires_at > 0 AND hold_expires_at <= ?", models.LoanStatusActive, now).
		Find(&records).Error
	return records, err
}

// ListPendingResolution 查询待结算（capture_pending/release_pending）且未放弃的贷款
func (d *LoanDAO) ListPendingResolution(maxAttempts int) ([]*models.LoanRecord, error) {
	var records []*models.LoanRecord
	err := d.db.
		Where("hold_state IN ? AND needs_attention = ? AND resolve_attempts < ?",
			[]string{models.HoldStateCapturePending, models.HoldStateReleasePending},
			false, maxAttempts).
		Find(&records).Error
	return records, err
}

// TerminalWalletsBefore 查询指定时间之前进入终态的贷款钱包（供快照清理）
func (d *LoanDAO) TerminalWalletsBefore(cutoff time.Time) ([]string, error) {
	var wallets []string
	err := d.db.Model(&models.LoanRecord{}).
		Where("status <> ? AND updated_at < ?", models.LoanStatusActive, cutoff).
		Distinct("wallet").
		Pluck("wallet", &wallets).Error
	return wallets, err
}
