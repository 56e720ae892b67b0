package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cardlev/cardlev-loan-engine/pkg/goplus"
	"github.com/cardlev/cardlev-loan-engine/pkg/logger"
)

// HealthServer HTTP 健康检查和指标服务器
type HealthServer struct {
	addr         string
	positions    PositionMonitorRef
	stream       StreamRef
	publisher    PublisherRef
	server       *http.Server
	mu           sync.RWMutex
	healthy      bool
	healthySince time.Time
	startTime    time.Time
	metrics      *Metrics
}

// StreamRef 价格流引用接口
type StreamRef interface {
	IsConnected() bool
}

// PublisherRef NATS发布器引用接口
type PublisherRef interface {
	IsConnected() bool
}

// PositionMonitorRef 仓位监控器引用接口
type PositionMonitorRef interface {
	WalletCount() int
	GetStats() map[string]any
}

// NewHealthServer 创建健康检查服务器
func NewHealthServer(addr string, positions PositionMonitorRef, stream StreamRef, publisher PublisherRef) *HealthServer {
	return &HealthServer{
		addr:         addr,
		positions:    positions,
		stream:       stream,
		publisher:    publisher,
		healthy:      true,
		healthySince: time.Now(),
		startTime:    time.Now(),
		metrics:      GetMetrics(),
	}
}

// Start 启动HTTP服务器
func (h *HealthServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("/health", h.healthHandler)
	mux.HandleFunc("/health/ready", h.readyHandler)
	mux.HandleFunc("/health/live", h.liveHandler)

	// Prometheus指标端点
	mux.Handle("/metrics", promhttp.Handler())

	// 服务状态端点
	mux.HandleFunc("/status", h.statusHandler)

	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info().Str("addr", h.addr).Msg("health server starting")

	goplus.Go(func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health server error")
		}
	})

	logger.Info().Str("addr", h.addr).Msg("health server started")

	return nil
}

// Stop 停止服务器
func (h *HealthServer) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.healthy = false
	h.mu.Unlock()

	return h.server.Shutdown(ctx)
}

// healthHandler 健康检查处理器
func (h *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := h.getHealthStatus()
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// readyHandler 就绪检查处理器
func (h *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if !h.isReady() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// liveHandler 存活检查处理器
func (h *HealthServer) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// statusHandler 服务状态处理器
func (h *HealthServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := h.getHealthStatus()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// isReady 检查服务是否就绪
// 价格流断开时仍可读链上聚合器，不影响就绪
func (h *HealthServer) isReady() bool {
	h.mu.RLock()
	healthy := h.healthy
	h.mu.RUnlock()

	return healthy
}

// getHealthStatus 获取健康状态
func (h *HealthServer) getHealthStatus() HealthStatus {
	h.mu.RLock()
	healthy := h.healthy
	healthySince := h.healthySince
	h.mu.RUnlock()

	streamConnected := false
	if h.stream != nil {
		streamConnected = h.stream.IsConnected()
	}

	natsConnected := false
	if h.publisher != nil {
		natsConnected = h.publisher.IsConnected()
	}

	walletCount := 0
	if h.positions != nil {
		walletCount = h.positions.WalletCount()
	}

	return HealthStatus{
		Healthy:      healthy,
		HealthySince: healthySince.Format(time.RFC3339),
		Uptime:       time.Since(h.startTime).String(),
		PriceStream: PriceStreamStatus{
			Connected: streamConnected,
		},
		NATS: NATSStatus{
			Connected: natsConnected,
		},
		Wallets: WalletStatus{
			Count: walletCount,
		},
	}
}

// HealthStatus 健康状态结构
type HealthStatus struct {
	Healthy      bool              `json:"healthy"`
	HealthySince string            `json:"healthy_since"`
	Uptime       string            `json:"uptime"`
	PriceStream  PriceStreamStatus `json:"price_stream"`
	NATS         NATSStatus        `json:"nats"`
	Wallets      WalletStatus      `json:"wallets"`
}

// PriceStreamStatus 价格流连接状态
type PriceStreamStatus struct {
	Connected bool `json:"connected"`
}

// NATSStatus NATS连接状态
type NATSStatus struct {
	Connected bool `json:"connected"`
}

// WalletStatus 监控钱包状态
type WalletStatus struct {
	Count int `json:"count"`
}

// Metrics 指标收集器
type Metrics struct {
	walletsMonitored     prometheus.Gauge
	walletsAtRisk        prometheus.Gauge
	priceStreamConnected prometheus.Gauge
	natsConnected        prometheus.Gauge
	refreshTotal         *prometheus.CounterVec
	refreshDurationSecs  prometheus.Histogram
	closeTotal           *prometheus.CounterVec
	holdsCreated         *prometheus.CounterVec
	holdResolutions      *prometheus.CounterVec
	liquidationsTotal    prometheus.Counter
	eventsPublished      *prometheus.CounterVec
	eventErrors          *prometheus.CounterVec
	reconcilerRetries    prometheus.Counter
	reconcilerExhausted  prometheus.Counter
	// 快照写入队列相关
	snapshotQueueSize      prometheus.Gauge
	snapshotQueueFullTotal prometheus.Counter
	// 批量写入器相关
	batchWriteSize         prometheus.Histogram
	batchWriteDurationSecs prometheus.Histogram
	batchDedupTotal        *prometheus.CounterVec
}

// NewMetrics 创建指标收集器
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		walletsMonitored: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "wallets_monitored",
				Help:      "Current number of wallets under monitoring",
			},
		),
		walletsAtRisk: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "wallets_at_risk",
				Help:      "Current number of wallets below the risk cutoff",
			},
		),
		priceStreamConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "price_stream_connected",
				Help:      "Price stream connection status (1=connected, 0=disconnected)",
			},
		),
		natsConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nats_connected",
				Help:      "NATS connection status (1=connected, 0=disconnected)",
			},
		),
		refreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_total",
				Help:      "Total number of position refreshes",
			},
			[]string{"status"}, // success, stale, error
		),
		refreshDurationSecs: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "refresh_duration_seconds",
				Help:      "刷新耗时分布（秒）",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		closeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "close_total",
				Help:      "Total number of close requests",
			},
			[]string{"status"}, // confirmed, reverted, rejected
		),
		holdsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "holds_created_total",
				Help:      "Total number of pre-authorization holds created",
			},
			[]string{"status"}, // created, declined, error
		),
		holdResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hold_resolutions_total",
				Help:      "Total number of hold resolutions",
			},
			[]string{"action", "status"}, // capture/release × success/conflict/error
		),
		liquidationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "liquidations_total",
				Help:      "Total number of expiry liquidations",
			},
		),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total number of lifecycle events published to NATS",
			},
			[]string{"event"},
		),
		eventErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_errors_total",
				Help:      "Total number of event publish errors",
			},
			[]string{"type"},
		),
		reconcilerRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciler_retries_total",
				Help:      "Total number of reconciler resolution retries",
			},
		),
		reconcilerExhausted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciler_exhausted_total",
				Help:      "Total number of loans flagged after retry exhaustion",
			},
		),
		snapshotQueueSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "snapshot_queue_size",
				Help:      "快照写入队列当前大小",
			},
		),
		snapshotQueueFullTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_queue_full_total",
				Help:      "快照写入队列满事件总数",
			},
		),
		batchWriteSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_write_size",
				Help:      "批量写入大小分布",
				Buckets:   []float64{1, 10, 25, 50, 100, 200, 500},
			},
		),
		batchWriteDurationSecs: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_write_duration_seconds",
				Help:      "批量写入耗时分布（秒）",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),
		batchDedupTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_dedup_total",
				Help:      "Total number of buffered rows replaced by a newer write",
			},
			[]string{"table"},
		),
	}

	prometheus.MustRegister(
		m.walletsMonitored,
		m.walletsAtRisk,
		m.priceStreamConnected,
		m.natsConnected,
		m.refreshTotal,
		m.refreshDurationSecs,
		m.closeTotal,
		m.holdsCreated,
		m.holdResolutions,
		m.liquidationsTotal,
		m.eventsPublished,
		m.eventErrors,
		m.reconcilerRetries,
		m.reconcilerExhausted,
		m.snapshotQueueSize,
		m.snapshotQueueFullTotal,
		m.batchWriteSize,
		m.batchWriteDurationSecs,
		m.batchDedupTotal,
	)

	return m
}

// SetWalletsMonitored 设置监控钱包数量
func (m *Metrics) SetWalletsMonitored(count int) {
	m.walletsMonitored.Set(float64(count))
}

// SetWalletsAtRisk 设置风险钱包数量
func (m *Metrics) SetWalletsAtRisk(count int) {
	m.walletsAtRisk.Set(float64(count))
}

// SetPriceStreamConnected 设置价格流连接状态
func (m *Metrics) SetPriceStreamConnected(connected bool) {
	if connected {
		m.priceStreamConnected.Set(1)
	} else {
		m.priceStreamConnected.Set(0)
	}
}

// SetNATSConnected 设置NATS连接状态
func (m *Metrics) SetNATSConnected(connected bool) {
	if connected {
		m.natsConnected.Set(1)
	} else {
		m.natsConnected.Set(0)
	}
}

// IncRefresh 增加刷新计数
func (m *Metrics) IncRefresh(status string) {
	m.refreshTotal.WithLabelValues(status).Inc()
}

// ObserveRefreshDuration 观察刷新耗时
func (m *Metrics) ObserveRefreshDuration(seconds float64) {
	m.refreshDurationSecs.Observe(seconds)
}

// IncClose 增加平仓请求计数
func (m *Metrics) IncClose(status string) {
	m.closeTotal.WithLabelValues(status).Inc()
}

// IncHoldCreated 增加预授权创建计数
func (m *Metrics) IncHoldCreated(status string) {
	m.holdsCreated.WithLabelValues(status).Inc()
}

// IncHoldResolution 增加预授权结算计数
func (m *Metrics) IncHoldResolution(action, status string) {
	m.holdResolutions.WithLabelValues(action, status).Inc()
}

// IncLiquidations 增加到期清算计数
func (m *Metrics) IncLiquidations() {
	m.liquidationsTotal.Inc()
}

// IncEventsPublished 增加发布的事件计数
func (m *Metrics) IncEventsPublished(event string) {
	m.eventsPublished.WithLabelValues(event).Inc()
}

// IncEventErrors 增加事件错误计数
func (m *Metrics) IncEventErrors(errType string) {
	m.eventErrors.WithLabelValues(errType).Inc()
}

// IncReconcilerRetries 增加对账重试计数
func (m *Metrics) IncReconcilerRetries() {
	m.reconcilerRetries.Inc()
}

// IncReconcilerExhausted 增加重试耗尽计数
func (m *Metrics) IncReconcilerExhausted() {
	m.reconcilerExhausted.Inc()
}

// SetSnapshotQueueSize 设置快照队列大小
func (m *Metrics) SetSnapshotQueueSize(size int) {
	m.snapshotQueueSize.Set(float64(size))
}

// IncSnapshotQueueFull 增加快照队列满事件计数
func (m *Metrics) IncSnapshotQueueFull() {
	m.snapshotQueueFullTotal.Inc()
}

// ObserveBatchWriteSize 观察批量写入大小
func (m *Metrics) ObserveBatchWriteSize(size int) {
	m.batchWriteSize.Observe(float64(size))
}

// ObserveBatchWriteDuration 观察批量写入耗时
func (m *Metrics) ObserveBatchWriteDuration(duration float64) {
	m.batchWriteDurationSecs.Observe(duration)
}

// IncBatchDedup 增加批量写入去重计数
func (m *Metrics) IncBatchDedup(table string) {
	m.batchDedupTotal.WithLabelValues(table).Inc()
}

var globalMetrics *Metrics
var metricsMu sync.Once

// GetMetrics 获取全局指标收集器
func GetMetrics() *Metrics {
	metricsMu.Do(func() {
		globalMetrics = NewMetrics("loan_engine")
	})
	return globalMetrics
}

// InitMetrics 初始化指标收集器（供main使用）
func InitMetrics() {
	GetMetrics()
}
