package preauth

import (
	"context"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/cardlev/cardlev-loan-engine/internal/models"
	"github.com/cardlev/cardlev-loan-engine/internal/monitor"
	natsmsg "github.com/cardlev/cardlev-loan-engine/internal/nats"
	"github.com/cardlev/cardlev-loan-engine/pkg/logger"
)

// Reconciler 后台对账器，定时执行三类任务:
// 1. 扫描已到期的预授权并触发清算
// 2. 重试卡在 pending 的资金结算，重试耗尽标记人工介入
// 3. 清理终态贷款的残留风险快照
type Reconciler struct {
	orch      *Orchestrator
	store     LoanStore
	snapshots SnapshotStore
	pool      *ants.Pool

	scanInterval time.Duration
	retention    time.Duration
	maxAttempts  int
	done         chan struct{}
}

// NewReconciler 创建对账器
func NewReconciler(orch *Orchestrator, store LoanStore, snapshots SnapshotStore, scanInterval, retention time.Duration, maxAttempts int) (*Reconciler, error) {
	pool, err := ants.NewPool(8, ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}

	if scanInterval <= 0 {
		scanInterval = 30 * time.Second
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	return &Reconciler{
		orch:         orch,
		store:        store,
		snapshots:    snapshots,
		pool:         pool,
		scanInterval: scanInterval,
		retention:    retention,
		maxAttempts:  maxAttempts,
		done:         make(chan struct{}),
	}, nil
}

// Start 启动对账循环
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.scanInterval)
		defer ticker.Stop()

		logger.Info().Dur("interval", r.scanInterval).Msg("reconciler started")

		// 启动时立即执行一次
		r.runOnce(ctx)

		for {
			select {
			case <-ticker.C:
				r.runOnce(ctx)
			case <-r.done:
				logger.Info().Msg("reconciler stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop 停止对账器
func (r *Reconciler) Stop() {
	close(r.done)
	r.pool.Release()
}

func (r *Reconciler) runOnce(ctx context.Context) {
	r.scanExpired(ctx)
	r.retryPending(ctx)
	r.cleanSnapshots()
}

// scanExpired 扫描到期未平仓的贷款，提交清算任务
func (r *Reconciler) scanExpired(ctx context.Context) {
	loans, err := r.store.ListExpiredActive(time.Now().Unix())
	if err != nil {
		logger.Error().Err(err).Msg("list expired loans failed")
		return
	}

	for _, loan := range loans {
		loan := loan
		if err = r.pool.Submit(func() {
			if expErr := r.orch.OnExpiry(ctx, loan); expErr != nil {
				logger.Error().Err(expErr).Uint("loan_id", loan.ID).Msg("expiry liquidation failed")
			}
		}); err != nil {
			logger.Error().Err(err).Msg("submit expiry task failed")
		}
	}
}

// retryPending 重试卡在 pending 的结算
// 链上已终结的平仓不允许留下未对账的资金状态
func (r *Reconciler) retryPending(ctx context.Context) {
	loans, err := r.store.ListPendingResolution(r.maxAttempts)
	if err != nil {
		logger.Error().Err(err).Msg("list pending resolutions failed")
		return
	}

	for _, loan := range loans {
		loan := loan
		if err = r.pool.Submit(func() {
			r.retryOne(ctx, loan)
		}); err != nil {
			logger.Error().Err(err).Msg("submit retry task failed")
		}
	}
}

func (r *Reconciler) retryOne(ctx context.Context, loan *models.LoanRecord) {
	monitor.GetMetrics().IncReconcilerRetries()

	// 结算方向由 pending 状态决定
	outcome := OutcomeReleased
	status := models.LoanStatusClosed
	event := natsmsg.EventLoanClosed
	action := "release"
	if loan.HoldState == models.HoldStateCapturePending {
		outcome = OutcomeCaptured
		status = models.LoanStatusLiquidated
		event = natsmsg.EventLoanLiquidated
		action = "capture"
	}

	if err := r.orch.ResolveHold(ctx, loan.ID, outcome); err != nil {
		logger.Warn().Err(err).Uint("loan_id", loan.ID).Int("attempts", loan.ResolveAttempts+1).Msg("resolution retry failed")

		if loan.ResolveAttempts+1 >= r.maxAttempts {
			r.exhaust(loan)
		}
		return
	}

	r.orch.finalize(loan, status, event, action)
	logger.Info().Uint("loan_id", loan.ID).Str("outcome", string(outcome)).Msg("pending resolution reconciled")
}

// exhaust 重试耗尽: 标记人工介入并发事件告警
func (r *Reconciler) exhaust(loan *models.LoanRecord) {
	if err := r.store.MarkNeedsAttention(loan.ID); err != nil {
		logger.Error().Err(err).Uint("loan_id", loan.ID).Msg("mark needs attention failed")
		return
	}

	monitor.GetMetrics().IncReconcilerExhausted()
	logger.Error().
		Uint("loan_id", loan.ID).
		Str("wallet", loan.Wallet).
		Str("hold_state", loan.HoldState).
		Int("attempts", loan.ResolveAttempts+1).
		Msg("resolution retries exhausted, operator attention required")

	r.orch.publish(&natsmsg.LoanLifecycleEvent{
		Event:           natsmsg.EventResolutionFailed,
		LoanID:          uint64(loan.ID),
		Wallet:          loan.Wallet,
		Asset:           loan.Asset,
		BorrowedUSD:     loan.BorrowedUSD,
		PaymentIntentID: loan.PaymentIntentID,
		Timestamp:       time.Now().Unix(),
	})
}

// cleanSnapshots 清理终态贷款过保留期的快照行
func (r *Reconciler) cleanSnapshots() {
	if r.snapshots == nil {
		return
	}

	cutoff := time.Now().Add(-r.retention)
	wallets, err := r.store.TerminalWalletsBefore(cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("list terminal wallets failed")
		return
	}
	if len(wallets) == 0 {
		return
	}

	deleted, err := r.snapshots.DeleteByWallets(wallets)
	if err != nil {
		logger.Error().Err(err).Msg("clean stale snapshots failed")
		return
	}
	if deleted > 0 {
		logger.Info().Int64("deleted", deleted).Int("wallets", len(wallets)).Msg("cleaned stale risk snapshots")
	}
}
