package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type stubOracle struct {
	price string
	err   error
	calls int
}

func (s *stubOracle) GetPrice(_ context.Context, _ string) (string, error) {
	s.calls++
	return s.price, s.err
}

func TestStreamClient_HandleMessage(t *testing.T) {
	c := NewStreamClient("ws://test", []string{"LINK"}, time.Minute, nil)

	c.handleMessage([]byte(`{"asset":"LINK","price":"12.34"}`))

	got, err := c.GetPrice(context.Background(), "LINK")
	assert.NoError(t, err)
	assert.Equal(t, "1234000000", got) // 12.34 @1e8

	// 数字类型 price 同样接受
	c.handleMessage([]byte(`{"asset":"LINK","price":9.5}`))
	got, err = c.GetPrice(context.Background(), "LINK")
	assert.NoError(t, err)
	assert.Equal(t, "950000000", got)
}

func TestStreamClient_IgnoresInvalidMessages(t *testing.T) {
	c := NewStreamClient("ws://test", []string{"LINK"}, time.Minute, nil)

	c.handleMessage([]byte(`{"price":"12.34"}`))          // 缺 asset
	c.handleMessage([]byte(`{"asset":"LINK","price":0}`)) // 非正价格
	c.handleMessage([]byte(`not json`))

	_, err := c.GetPrice(context.Background(), "LINK")
	assert.Error(t, err)
}

func TestStreamClient_StaleFallsBack(t *testing.T) {
	fallback := &stubOracle{price: "1000000000"}
	c := NewStreamClient("ws://test", []string{"LINK"}, 10*time.Second, fallback)

	now := time.Now()
	c.nowFn = func() time.Time { return now }
	c.handleMessage([]byte(`{"asset":"LINK","price":"12.34"}`))

	// 缓存新鲜: 不触发 fallback
	got, err := c.GetPrice(context.Background(), "LINK")
	assert.NoError(t, err)
	assert.Equal(t, "1234000000", got)
	assert.Equal(t, 0, fallback.calls)

	// 缓存过期: 回退到链上聚合器
	c.nowFn = func() time.Time { return now.Add(time.Minute) }
	got, err = c.GetPrice(context.Background(), "LINK")
	assert.NoError(t, err)
	assert.Equal(t, "1000000000", got)
	assert.Equal(t, 1, fallback.calls)
}

func TestStreamClient_NoFallback(t *testing.T) {
	c := NewStreamClient("ws://test", []string{"LINK"}, time.Minute, nil)

	_, err := c.GetPrice(context.Background(), "ETH")
	var oerr *OracleError
	assert.ErrorAs(t, err, &oerr)
	assert.Equal(t, "ETH", oerr.Asset)
}
