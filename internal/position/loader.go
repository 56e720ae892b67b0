package position

import (
	"time"

	"github.com/cardlev/cardlev-loan-engine/internal/models"
	"github.com/cardlev/cardlev-loan-engine/pkg/logger"
)

// ActiveLoanLister 活跃贷款清单接口，dao.LoanDAO 为生产实现
type ActiveLoanLister interface {
	ListActive() ([]*models.LoanRecord, error)
}

// Loader 监控钱包加载器
// 周期性用活跃贷款清单对齐监控集合: 新贷款纳入监控，终态贷款的钱包移除
type Loader struct {
	store    ActiveLoanLister
	monitor  *Monitor
	interval time.Duration
	done     chan struct{}
}

// NewLoader 创建加载器
func NewLoader(store ActiveLoanLister, m *Monitor, interval time.Duration) *Loader {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Loader{
		store:    store,
		monitor:  m,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start 启动同步循环
func (l *Loader) Start() {
	go func() {
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		logger.Info().Dur("interval", l.interval).Msg("wallet loader started")

		// 启动时立即同步一次
		l.sync()

		for {
			select {
			case <-ticker.C:
				l.sync()
			case <-l.done:
				logger.Info().Msg("wallet loader stopped")
				return
			}
		}
	}()
}

// Stop 停止加载器
func (l *Loader) Stop() {
	close(l.done)
}

// sync 对齐监控集合与活跃贷款
func (l *Loader) sync() {
	loans, err := l.store.ListActive()
	if err != nil {
		logger.Error().Err(err).Msg("list active loans failed")
		return
	}

	wanted := make(map[string]string, len(loans))
	for _, loan := range loans {
		wanted[loan.Wallet] = loan.Asset
	}

	for wallet, asset := range wanted {
		l.monitor.Watch(wallet, asset)
	}

	var stale []string
	l.monitor.entries.Range(func(wallet string, _ *entry) bool {
		if _, ok := wanted[wallet]; !ok {
			stale = append(stale, wallet)
		}
		return true
	})
	for _, wallet := range stale {
		l.monitor.Unwatch(wallet)
	}
}
