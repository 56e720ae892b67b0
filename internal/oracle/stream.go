package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/cardlev/cardlev-loan-engine/internal/fixedpoint"
	"github.com/cardlev/cardlev-loan-engine/internal/monitor"
	"github.com/cardlev/cardlev-loan-engine/pkg/concurrent"
	"github.com/cardlev/cardlev-loan-engine/pkg/goplus"
	"github.com/cardlev/cardlev-loan-engine/pkg/logger"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// subscribeRequest 流式价格订阅请求
type subscribeRequest struct {
	Op     string   `json:"op"`
	Assets []string `json:"assets"`
}

type streamPrice struct {
	price string // 1e8 定点整数字符串
	at    time.Time
}

// StreamClient 流式价格客户端
// 后台维护 ws 连接并缓存最新价格，GetPrice 只读缓存
// 缓存过期时回退到 fallback（通常是链上聚合器）
type StreamClient struct {
	url        string
	assets     []string
	staleAfter time.Duration
	fallback   Client

	prices concurrent.Map[string, streamPrice]

	mu        sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
	cancel    context.CancelFunc
	nowFn     func() time.Time
}

// NewStreamClient 创建流式价格客户端
func NewStreamClient(url string, assets []string, staleAfter time.Duration, fallback Client) *StreamClient {
	return &StreamClient{
		url:        url,
		assets:     assets,
		staleAfter: staleAfter,
		fallback:   fallback,
		nowFn:      time.Now,
	}
}

var _ Client = (*StreamClient)(nil)

// Start 启动后台连接协程
func (c *StreamClient) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	goplus.Go(func() {
		c.run(ctx)
	})
}

// run 连接主循环: 断线按指数退避重连
func (c *StreamClient) run(ctx context.Context) {
	backoff := reconnectBase

	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.connectAndRead(ctx); err != nil {
			logger.Warn().Err(err).Str("url", c.url).Dur("backoff", backoff).Msg("price stream disconnected")
		}

		c.connected.Store(false)
		monitor.GetMetrics().SetPriceStreamConnected(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (c *StreamClient) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	sub, _ := json.Marshal(subscribeRequest{Op: "subscribe", Assets: c.assets})
	if err = conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	c.connected.Store(true)
	monitor.GetMetrics().SetPriceStreamConnected(true)
	logger.Info().Str("url", c.url).Strs("assets", c.assets).Msg("price stream connected")

	// 连接期间由 ctx 取消负责关闭
	done := make(chan struct{})
	defer close(done)
	goplus.Go(func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return fmt.Errorf("read: %w", err)
		}
		c.handleMessage(msg)
	}
}

// handleMessage 解析价格消息并写入缓存
// 消息格式: {"asset":"LINK","price":"12.34"}，price 可为数字或字符串
func (c *StreamClient) handleMessage(msg []byte) {
	asset := gjson.GetBytes(msg, "asset").String()
	if asset == "" {
		return
	}

	priceStr := cast.ToString(gjson.GetBytes(msg, "price").Value())
	price, err := decimal.NewFromString(priceStr)
	if err != nil || price.Sign() <= 0 {
		logger.Debug().Str("asset", asset).Str("price", priceStr).Msg("ignoring invalid stream price")
		return
	}

	c.prices.Store(asset, streamPrice{
		price: fixedpoint.EncodeAmount(price, fixedpoint.ScalePrice),
		at:    c.nowFn(),
	})
}

// GetPrice 读取缓存价格，过期或缺失时回退到 fallback
func (c *StreamClient) GetPrice(ctx context.Context, asset string) (string, error) {
	if cached, ok := c.prices.Load(asset); ok {
		if c.staleAfter <= 0 || c.nowFn().Sub(cached.at) <= c.staleAfter {
			return cached.price, nil
		}
	}

	if c.fallback != nil {
		return c.fallback.GetPrice(ctx, asset)
	}

	return "", &OracleError{Asset: asset, Err: fmt.Errorf("no fresh stream price")}
}

// IsConnected 返回流连接状态
func (c *StreamClient) IsConnected() bool {
	return c.connected.Load()
}

// Close 关闭客户端
func (c *StreamClient) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}
