package dao

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/cardlev/cardlev-loan-engine/internal/models"
)

func setupTestDB(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.LoanRecord{}, &models.LoanRiskSnapshot{}))
	InitDAO(db)
}

func newLoan(t *testing.T, wallet string) *models.LoanRecord {
	record := &models.LoanRecord{
		Wallet:      wallet,
		Asset:       "LINK",
		BorrowedUSD: "800",
		Status:      models.LoanStatusActive,
		HoldState:   models.HoldStateHeld,
	}
	require.NoError(t, Loan().Create(record))
	return record
}

func TestLoanDAO_UpdateStatusCAS(t *testing.T) {
	setupTestDB(t)
	record := newLoan(t, "0xcas")

	require.NoError(t, Loan().UpdateStatus(record.ID, models.LoanStatusActive, models.LoanStatusClosed))

	// 状态已迁移: 相同迁移再执行一次是冲突
	err := Loan().UpdateStatus(record.ID, models.LoanStatusActive, models.LoanStatusLiquidated)
	assert.ErrorIs(t, err, ErrConflict)

	// 记录不存在
	err = Loan().UpdateStatus(999999, models.LoanStatusActive, models.LoanStatusClosed)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := Loan().GetByID(record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusClosed, got.Status)
}

func TestLoanDAO_CASHoldState(t *testing.T) {
	setupTestDB(t)
	record := newLoan(t, "0xhold")

	require.NoError(t, Loan().CASHoldState(record.ID, models.HoldStateHeld, models.HoldStateCapturePending))

	// 竞争方向: held 已不存在
	err := Loan().CASHoldState(record.ID, models.HoldStateHeld, models.HoldStateReleasePending)
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, Loan().CASHoldState(record.ID, models.HoldStateCapturePending, models.HoldStateCaptured))

	got, _ := Loan().GetByID(record.ID)
	assert.Equal(t, models.HoldStateCaptured, got.HoldState)
	assert.True(t, got.HoldResolved())
}

func TestLoanDAO_ResolveAttempts(t *testing.T) {
	setupTestDB(t)
	record := newLoan(t, "0xattempts")

	require.NoError(t, Loan().IncResolveAttempts(record.ID))
	require.NoError(t, Loan().IncResolveAttempts(record.ID))

	got, _ := Loan().GetByID(record.ID)
	assert.Equal(t, 2, got.ResolveAttempts)

	require.NoError(t, Loan().MarkNeedsAttention(record.ID))
	got, _ = Loan().GetByID(record.ID)
	assert.True(t, got.NeedsAttention)
}

func TestLoanDAO_ListExpiredActive(t *testing.T) {
	setupTestDB(t)
	now := time.Now().Unix()

	expired := newLoan(t, "0xexpired")
	require.NoError(t, Loan().db.Model(expired).Update("hold_expires_at", now-10).Error)

	alive := newLoan(t, "0xalive")
	require.NoError(t, Loan().db.Model(alive).Update("hold_expires_at", now+3600).Error)

	loans, err := Loan().ListExpiredActive(now)
	require.NoError(t, err)

	ids := make([]uint, 0, len(loans))
	for _, l := range loans {
		ids = append(ids, l.ID)
	}
	assert.Contains(t, ids, expired.ID)
	assert.NotContains(t, ids, alive.ID)
}

func TestSnapshotDAO_SeqGuard(t *testing.T) {
	setupTestDB(t)

	require.NoError(t, Snapshot().Upsert(&models.LoanRiskSnapshot{
		Wallet:       "0xseq",
		Seq:          5,
		HealthFactor: "1.2",
		UpdatedAt:    time.Now(),
	}))

	// 旧序号不覆盖新序号
	require.NoError(t, Snapshot().Upsert(&models.LoanRiskSnapshot{
		Wallet:       "0xseq",
		Seq:          3,
		HealthFactor: "0.9",
		UpdatedAt:    time.Now(),
	}))

	got, err := Snapshot().GetByWallet("0xseq")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Seq)
	assert.Equal(t, "1.2", got.HealthFactor)

	// 新序号正常覆盖
	require.NoError(t, Snapshot().Upsert(&models.LoanRiskSnapshot{
		Wallet:       "0xseq",
		Seq:          7,
		HealthFactor: "1.5",
		UpdatedAt:    time.Now(),
	}))
	got, _ = Snapshot().GetByWallet("0xseq")
	assert.Equal(t, uint64(7), got.Seq)

	// 每个钱包只保留一行
	var count int64
	require.NoError(t, Loan().db.Model(&models.LoanRiskSnapshot{}).Where("wallet = ?", "0xseq").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSnapshotDAO_DeleteByWallets(t *testing.T) {
	setupTestDB(t)

	require.NoError(t, Snapshot().Upsert(&models.LoanRiskSnapshot{Wallet: "0xgone", Seq: 1, UpdatedAt: time.Now()}))

	deleted, err := Snapshot().DeleteByWallets([]string{"0xgone"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = Snapshot().GetByWallet("0xgone")
	assert.ErrorIs(t, err, ErrNotFound)
}
