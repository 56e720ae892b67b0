package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cardlev/cardlev-loan-engine/internal/chain"
	"github.com/cardlev/cardlev-loan-engine/internal/fixedpoint"
	"github.com/cardlev/cardlev-loan-engine/internal/models"
	"github.com/cardlev/cardlev-loan-engine/internal/monitor"
	"github.com/cardlev/cardlev-loan-engine/internal/oracle"
	"github.com/cardlev/cardlev-loan-engine/internal/processor"
	"github.com/cardlev/cardlev-loan-engine/internal/risk"
	"github.com/cardlev/cardlev-loan-engine/pkg/concurrent"
	"github.com/cardlev/cardlev-loan-engine/pkg/goplus"
	"github.com/cardlev/cardlev-loan-engine/pkg/logger"
)

// State 钱包监控状态
type State string

const (
	StateIdle     State = "idle"
	StateLoading  State = "loading"
	StateActive   State = "active"
	StateClosing  State = "closing"
	StateInactive State = "inactive"
)

var (
	// ErrNotWatched 钱包未纳入监控
	ErrNotWatched = errors.New("wallet not watched")
	// ErrNotActive 当前没有活跃仓位可平
	ErrNotActive = errors.New("no active position")
	// ErrCloseInFlight 平仓请求已在进行中
	ErrCloseInFlight = errors.New("close already in flight")
)

// View 钱包监控只读视图，数据为拷贝，读方不触碰监控器内部状态
type View struct {
	Wallet    string
	Asset     string
	State     State
	Position  *fixedpoint.DecodedPosition
	Risk      *risk.Snapshot
	Countdown int64 // 展示值，截断到 0
	Seq       uint64
}

// SnapshotSink 快照写入队列接口
type SnapshotSink interface {
	Enqueue(msg processor.Message) error
}

// entry 单钱包监控状态，mu 串行化所有状态迁移
type entry struct {
	mu    sync.Mutex
	asset string
	state State

	position  *fixedpoint.DecodedPosition
	snapshot  *risk.Snapshot
	countdown int64 // 刷新写入权威值，tick 只做本地递减

	nextSeq    uint64
	appliedSeq uint64
	closing    bool
}

// Monitor 仓位生命周期监控器
// 每个钱包的仓位视图只由 Refresh/RequestClose/Tick 修改，读方拿不可变拷贝
type Monitor struct {
	chain  chain.Client
	oracle oracle.Client
	sink   SnapshotSink

	entries concurrent.Map[string, *entry]

	onClosed func(wallet, txHash string, final *risk.Snapshot)
	nowFn    func() time.Time
}

// NewMonitor 创建监控器
func NewMonitor(chainClient chain.Client, oracleClient oracle.Client, sink SnapshotSink) *Monitor {
	return &Monitor{
		chain:  chainClient,
		oracle: oracleClient,
		sink:   sink,
		nowFn:  time.Now,
	}
}

// OnClosed 注册平仓确认回调（供预授权编排器触发资金结算）
// final 为平仓前最后一次刷新得到的风险快照，结算方向依赖其中的已实现盈亏
func (m *Monitor) OnClosed(fn func(wallet, txHash string, final *risk.Snapshot)) {
	m.onClosed = fn
}

// Watch 将钱包纳入监控
func (m *Monitor) Watch(wallet, asset string) {
	_, loaded := m.entries.LoadOrStore(wallet, &entry{
		asset: asset,
		state: StateIdle,
	})
	if !loaded {
		logger.Info().Str("wallet", wallet).Str("asset", asset).Msg("wallet watched")
		monitor.GetMetrics().SetWalletsMonitored(m.WalletCount())
	}
}

// Unwatch 移除监控，进行中的刷新结果被丢弃
func (m *Monitor) Unwatch(wallet string) {
	m.entries.Delete(wallet)
	logger.Info().Str("wallet", wallet).Msg("wallet unwatched")
	monitor.GetMetrics().SetWalletsMonitored(m.WalletCount())
}

// Refresh 拉取链上仓位和价格并重算风险快照
// 并发拉取两个外部源；结果按单调序号应用，旧响应直接丢弃
// 瞬态读失败保留上一个状态，仓位确认缺失时价格错误被抑制
func (m *Monitor) Refresh(ctx context.Context, wallet string) error {
	e, ok := m.entries.Load(wallet)
	if !ok {
		return ErrNotWatched
	}

	e.mu.Lock()
	if e.state == StateIdle {
		e.state = StateLoading
	}
	e.nextSeq++
	seq := e.nextSeq
	asset := e.asset
	e.mu.Unlock()

	start := m.nowFn()

	var (
		raw      *chain.RawPosition
		rawErr   error
		priceRaw string
		priceErr error
	)

	wg := goplus.NewWaitGroup()
	wg.Go(func() {
		raw, rawErr = m.chain.GetPosition(ctx, wallet)
	})
	wg.Go(func() {
		priceRaw, priceErr = m.oracle.GetPrice(ctx, asset)
	})
	wg.Wait()

	monitor.GetMetrics().ObserveRefreshDuration(time.Since(start).Seconds())

	err := m.apply(e, wallet, seq, raw, rawErr, priceRaw, priceErr)
	m.recountAtRisk()
	return err
}

// apply 在序号检查下应用一次刷新结果
func (m *Monitor) apply(e *entry, wallet string, seq uint64, raw *chain.RawPosition, rawErr error, priceRaw string, priceErr error) error {
	mtr := monitor.GetMetrics()

	e.mu.Lock()
	defer e.mu.Unlock()

	// 旧请求的响应晚到: 丢弃
	if seq <= e.appliedSeq {
		mtr.IncRefresh("stale")
		return nil
	}
	e.appliedSeq = seq

	// 链读失败: 保留上一个状态，下一轮刷新重试
	if rawErr != nil {
		if e.state == StateLoading {
			e.state = StateIdle
		}
		mtr.IncRefresh("error")
		return fmt.Errorf("position read: %w", rawErr)
	}

	// 仓位确认缺失或已关闭: 进入 Inactive，价格错误被抑制
	if raw == nil || !raw.Active {
		m.clearLocked(e, wallet, seq)
		mtr.IncRefresh("success")
		return nil
	}

	if priceErr != nil {
		if e.state == StateLoading {
			e.state = StateIdle
		}
		mtr.IncRefresh("error")
		return fmt.Errorf("price read: %w", priceErr)
	}

	decoded, err := fixedpoint.Decode(raw)
	if err != nil {
		// 坏数据只影响本次计算，不污染已有视图
		mtr.IncRefresh("error")
		return err
	}

	price, err := fixedpoint.ParseAmount(priceRaw, fixedpoint.ScalePrice)
	if err != nil {
		mtr.IncRefresh("error")
		return fmt.Errorf("price: %w", err)
	}

	snap := risk.Compute(decoded, price, m.nowFn())

	e.position = &decoded
	e.snapshot = &snap
	e.countdown = snap.SecondsRemaining
	if !e.closing {
		e.state = StateActive
	}
	mtr.IncRefresh("success")

	m.enqueueSnapshot(wallet, seq, &snap)

	return nil
}

// clearLocked 原子清空仓位视图: 仓位、快照与倒计时一起清
func (m *Monitor) clearLocked(e *entry, wallet string, seq uint64) {
	e.state = StateInactive
	e.position = nil
	e.snapshot = nil
	e.countdown = 0

	m.enqueueSnapshot(wallet, seq, nil)
}

// Tick 本地倒计时前进一秒，截断到 0
// 只动本地值，不覆盖刷新得到的权威到期时间
func (m *Monitor) Tick() {
	m.entries.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		if e.state == StateActive && e.countdown > 0 {
			e.countdown--
		}
		e.mu.Unlock()
		return true
	})
}

// RequestClose 请求平仓
// Active → Closing → Inactive；链上失败回退 Active 并上抛错误，不做无限重试
func (m *Monitor) RequestClose(ctx context.Context, wallet string) error {
	e, ok := m.entries.Load(wallet)
	if !ok {
		return ErrNotWatched
	}

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		monitor.GetMetrics().IncClose("rejected")
		return ErrCloseInFlight
	}
	if e.state != StateActive {
		e.mu.Unlock()
		monitor.GetMetrics().IncClose("rejected")
		return ErrNotActive
	}
	e.closing = true
	e.state = StateClosing
	// 平仓前最后的风险快照，清空后仍要用于资金结算方向判断
	var final *risk.Snapshot
	if e.snapshot != nil {
		s := *e.snapshot
		final = &s
	}
	e.mu.Unlock()

	receipt, err := m.chain.ClosePosition(ctx, wallet)
	if err != nil {
		e.mu.Lock()
		e.state = StateActive
		e.closing = false
		e.mu.Unlock()

		monitor.GetMetrics().IncClose("reverted")
		logger.Error().Err(err).Str("wallet", wallet).Msg("close position failed, reverting to active")
		return fmt.Errorf("close position: %w", err)
	}

	// 回执已确认，再刷新一次对齐链上状态；此时仓位缺失是预期而非错误
	if refreshErr := m.Refresh(ctx, wallet); refreshErr != nil {
		logger.Warn().Err(refreshErr).Str("wallet", wallet).Msg("post-close refresh failed")
	}

	e.mu.Lock()
	seq := e.appliedSeq
	m.clearLocked(e, wallet, seq)
	e.closing = false
	e.mu.Unlock()

	m.recountAtRisk()
	monitor.GetMetrics().IncClose("confirmed")
	logger.Info().Str("wallet", wallet).Str("tx", receipt.TxHash).Msg("position closed")

	if m.onClosed != nil {
		m.onClosed(wallet, receipt.TxHash, final)
	}

	return nil
}

// GetView 获取钱包监控视图
func (m *Monitor) GetView(wallet string) (*View, error) {
	e, ok := m.entries.Load(wallet)
	if !ok {
		return nil, ErrNotWatched
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	v := &View{
		Wallet: wallet,
		Asset:  e.asset,
		State:  e.state,
		Seq:    e.appliedSeq,
	}
	if e.position != nil {
		p := *e.position
		v.Position = &p
	}
	if e.snapshot != nil {
		s := *e.snapshot
		v.Risk = &s
	}
	if e.countdown > 0 {
		v.Countdown = e.countdown
	}

	return v, nil
}

// WalletCount 返回监控钱包数量
func (m *Monitor) WalletCount() int {
	return int(m.entries.Len())
}

// GetStats 返回监控统计
func (m *Monitor) GetStats() map[string]any {
	states := make(map[State]int)
	atRisk := 0
	m.entries.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		states[e.state]++
		if e.snapshot != nil && e.snapshot.AtRisk {
			atRisk++
		}
		e.mu.Unlock()
		return true
	})

	return map[string]any{
		"wallets":  m.WalletCount(),
		"at_risk":  atRisk,
		"idle":     states[StateIdle],
		"loading":  states[StateLoading],
		"active":   states[StateActive],
		"closing":  states[StateClosing],
		"inactive": states[StateInactive],
	}
}

// recountAtRisk 重算风险钱包数量指标，调用方不得持有任何 entry 锁
func (m *Monitor) recountAtRisk() {
	atRisk := 0
	m.entries.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		if e.snapshot != nil && e.snapshot.AtRisk {
			atRisk++
		}
		e.mu.Unlock()
		return true
	})
	monitor.GetMetrics().SetWalletsAtRisk(atRisk)
}

// enqueueSnapshot 把快照送入异步写入队列；nil 快照写零值行（清空）
func (m *Monitor) enqueueSnapshot(wallet string, seq uint64, snap *risk.Snapshot) {
	if m.sink == nil {
		return
	}

	row := &models.LoanRiskSnapshot{
		Wallet:                 wallet,
		Seq:                    seq,
		CollateralValueNow:     "0",
		CollateralValueAtEntry: "0",
		TotalExposureNow:       "0",
		TotalExposureAtEntry:   "0",
		UnrealizedPnL:          "0",
		UnrealizedPnLPercent:   "0",
		HealthFactor:           "0",
		LiquidationPrice:       "0",
		CurrentLTV:             "0",
		UpdatedAt:              m.nowFn(),
	}
	if snap != nil {
		row.CollateralValueNow = snap.CollateralValueNow.String()
		row.CollateralValueAtEntry = snap.CollateralValueAtEntry.String()
		row.TotalExposureNow = snap.TotalExposureNow.String()
		row.TotalExposureAtEntry = snap.TotalExposureAtEntry.String()
		row.UnrealizedPnL = snap.UnrealizedPnL.String()
		row.UnrealizedPnLPercent = snap.UnrealizedPnLPercent.String()
		row.HealthFactor = snap.HealthFactor.String()
		row.LiquidationPrice = snap.LiquidationPrice.String()
		row.CurrentLTV = snap.CurrentLTV.String()
		row.SecondsRemaining = snap.SecondsRemaining
		row.AtRisk = snap.AtRisk
	}

	if err := m.sink.Enqueue(processor.NewSnapshotMessage(wallet, row)); err != nil {
		logger.Error().Err(err).Str("wallet", wallet).Msg("enqueue risk snapshot failed")
	}
}
