package nats

import (
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/cardlev/cardlev-loan-engine/internal/monitor"
	"github.com/cardlev/cardlev-loan-engine/pkg/logger"
)

// Publisher NATS 发布器
type Publisher struct {
	*nats.Conn
	mu     sync.RWMutex
	closed bool
}

// NewPublisher 创建 NATS 发布器
func NewPublisher(url string) (*Publisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}

	p := &Publisher{
		Conn: conn,
	}

	// 更新指标
	monitor.GetMetrics().SetNATSConnected(true)

	return p, nil
}

// PublishLifecycleEvent 发布生命周期事件
func (p *Publisher) PublishLifecycleEvent(event *LoanLifecycleEvent) error {
	data, err := event.Marshal()
	if err != nil {
		monitor.GetMetrics().IncEventErrors("marshal")
		return err
	}

	if err = p.Publish(TopicLoanLifecycle, data); err != nil {
		monitor.GetMetrics().IncEventErrors("publish")
		logger.Error().Err(err).Str("event", event.Event).Uint64("loan_id", event.LoanID).Msg("publish lifecycle event failed")
		return err
	}

	monitor.GetMetrics().IncEventsPublished(event.Event)
	return nil
}

// IsConnected 检查发布器是否已连接
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed && p.Conn != nil && !p.Conn.IsClosed()
}

// Close 关闭连接
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true

	// 更新指标
	monitor.GetMetrics().SetNATSConnected(false)

	if p.Conn != nil {
		p.Conn.Close()
	}
	return nil
}
