package position

import (
	"context"
	"time"

	"github.com/cardlev/cardlev-loan-engine/pkg/goplus"
	"github.com/cardlev/cardlev-loan-engine/pkg/logger"
)

// Loop 监控驱动器: 周期刷新 + 每秒本地倒计时
// 两个定时器相互独立，刷新慢不影响倒计时平滑
type Loop struct {
	monitor         *Monitor
	refreshInterval time.Duration
	tickInterval    time.Duration
	done            chan struct{}
}

// NewLoop 创建监控驱动器
func NewLoop(m *Monitor, refreshInterval, tickInterval time.Duration) *Loop {
	if refreshInterval <= 0 {
		refreshInterval = 10 * time.Second
	}
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	return &Loop{
		monitor:         m,
		refreshInterval: refreshInterval,
		tickInterval:    tickInterval,
		done:            make(chan struct{}),
	}
}

// Start 启动刷新与倒计时协程
func (l *Loop) Start(ctx context.Context) {
	goplus.Go(func() {
		l.refreshLoop(ctx)
	})
	goplus.Go(func() {
		l.tickLoop(ctx)
	})
	logger.Info().
		Dur("refresh_interval", l.refreshInterval).
		Dur("tick_interval", l.tickInterval).
		Msg("position loop started")
}

func (l *Loop) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(l.refreshInterval)
	defer ticker.Stop()

	// 启动时立即刷新一轮
	l.refreshAll(ctx)

	for {
		select {
		case <-ticker.C:
			l.refreshAll(ctx)
		case <-l.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(l.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.monitor.Tick()
		case <-l.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// refreshAll 刷新所有监控钱包，瞬态错误记日志后由下一轮重试
func (l *Loop) refreshAll(ctx context.Context) {
	l.monitor.entries.Range(func(wallet string, _ *entry) bool {
		if err := l.monitor.Refresh(ctx, wallet); err != nil {
			logger.Warn().Err(err).Str("wallet", wallet).Msg("refresh failed")
		}
		return true
	})
}

// Stop 停止驱动器
func (l *Loop) Stop() {
	close(l.done)
	logger.Info().Msg("position loop stopped")
}
