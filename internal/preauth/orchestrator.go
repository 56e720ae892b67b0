package preauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/cardlev/cardlev-loan-engine/internal/dao"
	"github.com/cardlev/cardlev-loan-engine/internal/models"
	"github.com/cardlev/cardlev-loan-engine/internal/monitor"
	natsmsg "github.com/cardlev/cardlev-loan-engine/internal/nats"
	"github.com/cardlev/cardlev-loan-engine/internal/payment"
	"github.com/cardlev/cardlev-loan-engine/internal/risk"
	"github.com/cardlev/cardlev-loan-engine/pkg/concurrent"
	"github.com/cardlev/cardlev-loan-engine/pkg/goplus"
	"github.com/cardlev/cardlev-loan-engine/pkg/logger"
)

// Outcome 结算方向
type Outcome string

const (
	OutcomeCaptured Outcome = "captured"
	OutcomeReleased Outcome = "released"
)

var hundred = decimal.NewFromInt(100)

// CreateHoldRequest 借款请求参数
type CreateHoldRequest struct {
	Wallet           string
	Asset            string
	BorrowAmountUSD  decimal.Decimal
	LTVPercent       decimal.Decimal
	EntryPrice       decimal.Decimal // 开仓价格USD
	HoldDurationSecs int64
	CustomerID       string
	PaymentMethodID  string
	OverrideCents    int64 // >0 时跳过 LTV 公式，直接使用该金额
}

// HoldResult 预授权创建结果
// AuthorizedCents 为处理器实际授权金额，取整可能与请求值不同
type HoldResult struct {
	LoanID          uint
	IntentID        string
	RequiredCents   int64
	AuthorizedCents int64
}

// Orchestrator 预授权编排器
// 每笔贷款的资金结算恰好执行一次: 进程内互斥 + 数据库 hold_state CAS 双保险
type Orchestrator struct {
	store     LoanStore
	payment   payment.Client
	publisher EventPublisher

	locks    concurrent.Map[uint, *sync.Mutex]
	triggers *gocache.Cache // 到期触发去重

	maxRetry   int
	retryDelay time.Duration
	nowFn      func() time.Time
}

// NewOrchestrator 创建编排器
func NewOrchestrator(store LoanStore, paymentClient payment.Client, publisher EventPublisher, maxRetry int, retryDelay time.Duration) *Orchestrator {
	if maxRetry <= 0 {
		maxRetry = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &Orchestrator{
		store:      store,
		payment:    paymentClient,
		publisher:  publisher,
		triggers:   gocache.New(5*time.Minute, 10*time.Minute),
		maxRetry:   maxRetry,
		retryDelay: retryDelay,
		nowFn:      time.Now,
	}
}

// RequiredHoldCents 按借款金额和 LTV 计算预授权金额，向上取整到美分
func RequiredHoldCents(borrowUSD, ltvPercent decimal.Decimal) (int64, error) {
	if ltvPercent.Sign() <= 0 {
		return 0, fmt.Errorf("ltv percent must be positive, got %s", ltvPercent)
	}
	hold := borrowUSD.Div(ltvPercent.Div(hundred))
	return hold.Mul(hundred).Ceil().IntPart(), nil
}

// CreateHold 创建预授权并落贷款记录
// 处理器拒绝是终态错误；瞬态处理器错误带退避重试至上限
func (o *Orchestrator) CreateHold(ctx context.Context, req CreateHoldRequest) (*HoldResult, error) {
	requiredCents := req.OverrideCents
	if requiredCents <= 0 {
		var err error
		if requiredCents, err = RequiredHoldCents(req.BorrowAmountUSD, req.LTVPercent); err != nil {
			return nil, err
		}
	}

	var ref *payment.HoldReference
	err := o.withRetry(ctx, "create_hold", func() error {
		var holdErr error
		ref, holdErr = o.payment.CreateHold(ctx, requiredCents, "", req.CustomerID, req.PaymentMethodID)
		return holdErr
	})
	if err != nil {
		if errors.Is(err, payment.ErrPaymentDeclined) {
			monitor.GetMetrics().IncHoldCreated("declined")
		} else {
			monitor.GetMetrics().IncHoldCreated("error")
		}
		return nil, err
	}

	now := o.nowFn()
	record := &models.LoanRecord{
		Wallet:            req.Wallet,
		Asset:             req.Asset,
		BorrowedUSD:       req.BorrowAmountUSD.String(),
		EntryPrice:        req.EntryPrice.String(),
		RequiredHoldCents: requiredCents,
		HoldDurationSecs:  req.HoldDurationSecs,
		HoldExpiresAt:     now.Unix() + req.HoldDurationSecs,
		Status:            models.LoanStatusActive,
		HoldState:         models.HoldStateHeld,
		PaymentIntentID:   ref.IntentID,
		CustomerID:        req.CustomerID,
		PaymentMethodID:   req.PaymentMethodID,
	}
	if err = o.store.Create(record); err != nil {
		// 记录落库失败但额度已冻结: 立即释放，避免悬挂占用
		logger.Error().Err(err).Str("intent", ref.IntentID).Msg("loan record create failed, releasing hold")
		if releaseErr := o.payment.ReleaseHold(ctx, ref.IntentID); releaseErr != nil {
			logger.Error().Err(releaseErr).Str("intent", ref.IntentID).Msg("orphan hold release failed, operator attention required")
		}
		monitor.GetMetrics().IncHoldCreated("error")
		return nil, err
	}

	monitor.GetMetrics().IncHoldCreated("created")
	logger.Info().
		Uint("loan_id", record.ID).
		Str("wallet", req.Wallet).
		Int64("required_cents", requiredCents).
		Int64("authorized_cents", ref.AuthorizedCents).
		Msg("hold created")

	return &HoldResult{
		LoanID:          record.ID,
		IntentID:        ref.IntentID,
		RequiredCents:   requiredCents,
		AuthorizedCents: ref.AuthorizedCents,
	}, nil
}

// ResolveHold 结算预授权（capture 或 release），幂等
// 已结算的贷款直接返回成功；到期触发与用户平仓竞争时先到者生效
func (o *Orchestrator) ResolveHold(ctx context.Context, loanID uint, outcome Outcome) error {
	mu, _ := o.locks.LoadOrStore(loanID, &sync.Mutex{})
	mu.Lock()
	defer mu.Unlock()

	record, err := o.store.GetByID(loanID)
	if err != nil {
		return err
	}

	if record.HoldResolved() {
		return nil
	}

	pendingState, resolvedState, action := resolutionStates(outcome)

	switch record.HoldState {
	case models.HoldStateHeld:
		if err = o.store.CASHoldState(loanID, models.HoldStateHeld, pendingState); err != nil {
			if errors.Is(err, dao.ErrConflict) {
				// 另一个结算方向抢先进入 pending: 视为成功，不回滚
				monitor.GetMetrics().IncHoldResolution(action, "conflict")
				logger.Warn().Uint("loan_id", loanID).Str("outcome", string(outcome)).Msg("hold resolution raced, yielding")
				return nil
			}
			return err
		}
	case pendingState:
		// 上次尝试失败后的续作
	case models.HoldStateCapturePending, models.HoldStateReleasePending:
		// 相反方向已在结算中: 按成功处理
		monitor.GetMetrics().IncHoldResolution(action, "conflict")
		return nil
	default:
		return nil
	}

	if err = o.resolveAtProcessor(ctx, record.PaymentIntentID, outcome); err != nil {
		// 留在 pending 状态（待结算标记），由后台对账重试
		if incErr := o.store.IncResolveAttempts(loanID); incErr != nil {
			logger.Error().Err(incErr).Uint("loan_id", loanID).Msg("bump resolve attempts failed")
		}
		monitor.GetMetrics().IncHoldResolution(action, "error")
		return fmt.Errorf("resolve hold: %w", err)
	}

	if err = o.store.CASHoldState(loanID, pendingState, resolvedState); err != nil {
		if errors.Is(err, dao.ErrConflict) {
			monitor.GetMetrics().IncHoldResolution(action, "conflict")
			return nil
		}
		return err
	}

	monitor.GetMetrics().IncHoldResolution(action, "success")
	logger.Info().Uint("loan_id", loanID).Str("outcome", string(outcome)).Msg("hold resolved")
	return nil
}

// resolveAtProcessor 调用处理器执行结算，单次尝试（退避重试由调用方/对账器控制）
func (o *Orchestrator) resolveAtProcessor(ctx context.Context, intentID string, outcome Outcome) error {
	if outcome == OutcomeCaptured {
		return o.payment.CaptureHold(ctx, intentID)
	}
	return o.payment.ReleaseHold(ctx, intentID)
}

func resolutionStates(outcome Outcome) (pending, resolved, action string) {
	if outcome == OutcomeCaptured {
		return models.HoldStateCapturePending, models.HoldStateCaptured, "capture"
	}
	return models.HoldStateReleasePending, models.HoldStateReleased, "release"
}

// HandleClosed 平仓确认回调（由仓位监控器触发）
// 结算不可取消，异步跑完整流程
func (o *Orchestrator) HandleClosed(wallet, txHash string, final *risk.Snapshot) {
	goplus.Go(func() {
		o.handleClosed(wallet, txHash, final)
	})
}

func (o *Orchestrator) handleClosed(wallet, txHash string, final *risk.Snapshot) {
	ctx := context.Background()

	record, err := o.store.GetActiveByWallet(wallet)
	if err != nil {
		if errors.Is(err, dao.ErrNotFound) {
			logger.Warn().Str("wallet", wallet).Msg("close confirmed but no active loan")
			return
		}
		logger.Error().Err(err).Str("wallet", wallet).Msg("load loan after close failed")
		return
	}

	if txHash != "" {
		if err = o.store.SetTxHash(record.ID, txHash); err != nil {
			logger.Error().Err(err).Uint("loan_id", record.ID).Msg("set tx hash failed")
		}
	}

	// 普通自愿平仓释放冻结额度；亏损超过冻结额度的平仓扣款
	outcome := OutcomeReleased
	status := models.LoanStatusClosed
	event := natsmsg.EventLoanClosed
	action := "release"
	if lossExceedsHold(final, record.RequiredHoldCents) {
		outcome = OutcomeCaptured
		status = models.LoanStatusLiquidated
		event = natsmsg.EventLoanLiquidated
		action = "capture"
		logger.Warn().
			Uint("loan_id", record.ID).
			Str("wallet", wallet).
			Str("unrealized_pnl", final.UnrealizedPnL.String()).
			Int64("held_cents", record.RequiredHoldCents).
			Msg("close realized loss beyond held amount, capturing hold")
	}

	if err = o.ResolveHold(ctx, record.ID, outcome); err != nil {
		// 链上已终结而结算失败: 贷款保持 active + pending 标记，对账器接手
		logger.Error().Err(err).Uint("loan_id", record.ID).Str("outcome", string(outcome)).Msg("hold resolution after close failed, reconciler will retry")
		return
	}

	if outcome == OutcomeCaptured {
		monitor.GetMetrics().IncLiquidations()
	}
	o.finalize(record, status, event, action)
}

// lossExceedsHold 平仓已实现亏损是否超过冻结额度
func lossExceedsHold(final *risk.Snapshot, heldCents int64) bool {
	if final == nil || heldCents <= 0 {
		return false
	}
	if final.UnrealizedPnL.Sign() >= 0 {
		return false
	}
	lossCents := final.UnrealizedPnL.Neg().Mul(hundred).Ceil().IntPart()
	return lossCents > heldCents
}

// OnExpiry 预授权到期且未自愿平仓: 视为清算，扣款并落 liquidated
func (o *Orchestrator) OnExpiry(ctx context.Context, loan *models.LoanRecord) error {
	// 扫描周期内的重复触发去重
	key := fmt.Sprintf("expiry:%d", loan.ID)
	if _, dup := o.triggers.Get(key); dup {
		return nil
	}
	o.triggers.Set(key, struct{}{}, gocache.DefaultExpiration)

	logger.Warn().
		Uint("loan_id", loan.ID).
		Str("wallet", loan.Wallet).
		Int64("expired_at", loan.HoldExpiresAt).
		Msg("hold expired without voluntary close, liquidating")

	if err := o.ResolveHold(ctx, loan.ID, OutcomeCaptured); err != nil {
		return err
	}

	monitor.GetMetrics().IncLiquidations()
	o.finalize(loan, models.LoanStatusLiquidated, natsmsg.EventLoanLiquidated, "capture")
	return nil
}

// finalize 贷款状态落终态并发布事件；状态竞争视为已被并发方完成
func (o *Orchestrator) finalize(loan *models.LoanRecord, status, event, holdAction string) {
	if err := o.store.UpdateStatus(loan.ID, models.LoanStatusActive, status); err != nil {
		if !errors.Is(err, dao.ErrConflict) {
			logger.Error().Err(err).Uint("loan_id", loan.ID).Str("status", status).Msg("loan status transition failed")
			return
		}
	}

	o.publish(&natsmsg.LoanLifecycleEvent{
		Event:           event,
		LoanID:          uint64(loan.ID),
		Wallet:          loan.Wallet,
		Asset:           loan.Asset,
		BorrowedUSD:     loan.BorrowedUSD,
		HoldAction:      holdAction,
		PaymentIntentID: loan.PaymentIntentID,
		Timestamp:       o.nowFn().Unix(),
	})
}

func (o *Orchestrator) publish(event *natsmsg.LoanLifecycleEvent) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.PublishLifecycleEvent(event); err != nil {
		logger.Error().Err(err).Str("event", event.Event).Uint64("loan_id", event.LoanID).Msg("publish event failed")
	}
}

// withRetry 对瞬态处理器错误做有界退避重试
// 终态错误（拒绝授权）立即返回
func (o *Orchestrator) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < o.maxRetry; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.retryDelay * time.Duration(attempt)):
			}
		}

		if err = fn(); err == nil {
			return nil
		}

		var perr *payment.ProcessorError
		if !errors.As(err, &perr) {
			return err
		}

		logger.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("transient processor error, retrying")
	}
	return err
}
