package preauth

import (
	"time"

	"github.com/cardlev/cardlev-loan-engine/internal/models"
	natsmsg "github.com/cardlev/cardlev-loan-engine/internal/nats"
)

// LoanStore 贷款记录持久层接口，dao.LoanDAO 为生产实现
// 状态迁移必须原子: CAS 不匹配返回 dao.ErrConflict，记录缺失返回 dao.ErrNotFound
type LoanStore interface {
	Create(record *models.LoanRecord) error
	GetByID(id uint) (*models.LoanRecord, error)
	GetByWallet(wallet string) ([]*models.LoanRecord, error)
	GetActiveByWallet(wallet string) (*models.LoanRecord, error)
	UpdateStatus(id uint, from, to string) error
	CASHoldState(id uint, from, to string) error
	SetTxHash(id uint, txHash string) error
	IncResolveAttempts(id uint) error
	MarkNeedsAttention(id uint) error
	ListExpiredActive(now int64) ([]*models.LoanRecord, error)
	ListPendingResolution(maxAttempts int) ([]*models.LoanRecord, error)
	TerminalWalletsBefore(cutoff time.Time) ([]string, error)
}

// SnapshotStore 快照清理接口，dao.SnapshotDAO 为生产实现
type SnapshotStore interface {
	DeleteByWallets(wallets []string) (int64, error)
}

// EventPublisher 生命周期事件发布接口
type EventPublisher interface {
	PublishLifecycleEvent(event *natsmsg.LoanLifecycleEvent) error
}
