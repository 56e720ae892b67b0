package position

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardlev/cardlev-loan-engine/internal/chain"
	"github.com/cardlev/cardlev-loan-engine/internal/risk"
)

const testWallet = "0x1111111111111111111111111111111111111111"

// fakeChain 可控的链客户端
type fakeChain struct {
	mu       sync.Mutex
	pos      *chain.RawPosition
	posErr   error
	closeErr error
	closes   int
}

func (f *fakeChain) GetPosition(_ context.Context, _ string) (*chain.RawPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.posErr != nil {
		return nil, f.posErr
	}
	if f.pos == nil {
		return nil, nil
	}
	p := *f.pos
	return &p, nil
}

func (f *fakeChain) ClosePosition(_ context.Context, _ string) (*chain.TxReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if f.closeErr != nil {
		return nil, f.closeErr
	}
	f.pos = nil
	return &chain.TxReceipt{TxHash: "0xdeadbeef", BlockNumber: 100}, nil
}

func (f *fakeChain) setPosition(p *chain.RawPosition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pos = p
}

func (f *fakeChain) setPosErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posErr = err
}

// fakeOracle 可控的价格源
type fakeOracle struct {
	mu    sync.Mutex
	price string
	err   error
}

func (f *fakeOracle) GetPrice(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, f.err
}

func (f *fakeOracle) setPrice(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = p
}

// activePosition 供给 100 枚、借款 800 USD、开仓价 10.00 的活跃仓位
func activePosition(expiry int64) *chain.RawPosition {
	return &chain.RawPosition{
		Collateral:    "100" + strings.Repeat("0", 18),
		Supplied:      "100" + strings.Repeat("0", 18),
		Borrowed:      "800000000",  // 800 @1e6
		EntryPrice:    "1000000000", // 10.00 @1e8
		PreAuthExpiry: expiry,
		Active:        true,
	}
}

func newTestMonitor(c *fakeChain, o *fakeOracle) *Monitor {
	m := NewMonitor(c, o, nil)
	m.Watch(testWallet, "LINK")
	return m
}

func TestMonitor_RefreshActive(t *testing.T) {
	c := &fakeChain{pos: activePosition(time.Now().Unix() + 3600)}
	o := &fakeOracle{price: "1200000000"} // 12.00
	m := newTestMonitor(c, o)

	require.NoError(t, m.Refresh(context.Background(), testWallet))

	v, err := m.GetView(testWallet)
	require.NoError(t, err)
	assert.Equal(t, StateActive, v.State)
	require.NotNil(t, v.Risk)

	assert.True(t, v.Risk.TotalExposureAtEntry.Equal(decimal.NewFromInt(1000)))
	assert.True(t, v.Risk.TotalExposureNow.Equal(decimal.NewFromInt(1200)))
	assert.True(t, v.Risk.UnrealizedPnL.Equal(decimal.NewFromInt(200)))
	assert.True(t, v.Risk.HealthFactor.Equal(decimal.RequireFromString("1.275")), "hf = %s", v.Risk.HealthFactor)
	assert.False(t, v.Risk.AtRisk)
	assert.Greater(t, v.Countdown, int64(3500))
}

func TestMonitor_RefreshPriceDrop(t *testing.T) {
	c := &fakeChain{pos: activePosition(time.Now().Unix() + 3600)}
	o := &fakeOracle{price: "1200000000"}
	m := newTestMonitor(c, o)

	require.NoError(t, m.Refresh(context.Background(), testWallet))

	o.setPrice("900000000") // 跌到 9.00
	require.NoError(t, m.Refresh(context.Background(), testWallet))

	v, _ := m.GetView(testWallet)
	assert.True(t, v.Risk.HealthFactor.Equal(decimal.RequireFromString("0.95625")), "hf = %s", v.Risk.HealthFactor)
	assert.True(t, v.Risk.AtRisk)
	ltv, _ := v.Risk.CurrentLTV.Float64()
	assert.InDelta(t, 88.89, ltv, 0.01)
}

func TestMonitor_RefreshInactiveClears(t *testing.T) {
	c := &fakeChain{pos: activePosition(time.Now().Unix() + 3600)}
	o := &fakeOracle{price: "1200000000"}
	m := newTestMonitor(c, o)

	require.NoError(t, m.Refresh(context.Background(), testWallet))

	// 仓位已在链上关闭
	c.setPosition(nil)
	require.NoError(t, m.Refresh(context.Background(), testWallet))

	v, _ := m.GetView(testWallet)
	assert.Equal(t, StateInactive, v.State)
	assert.Nil(t, v.Risk)
	assert.Nil(t, v.Position)
	assert.Equal(t, int64(0), v.Countdown)
}

func TestMonitor_TransientErrorPreservesState(t *testing.T) {
	c := &fakeChain{pos: activePosition(time.Now().Unix() + 3600)}
	o := &fakeOracle{price: "1200000000"}
	m := newTestMonitor(c, o)

	require.NoError(t, m.Refresh(context.Background(), testWallet))

	c.setPosErr(&chain.ChainError{Op: "get_position", Err: errors.New("rpc timeout")})
	err := m.Refresh(context.Background(), testWallet)
	assert.Error(t, err)

	// 瞬态失败不清空已有视图
	v, _ := m.GetView(testWallet)
	assert.Equal(t, StateActive, v.State)
	assert.NotNil(t, v.Risk)
}

func TestMonitor_SuppressesPriceErrorWhenAbsent(t *testing.T) {
	c := &fakeChain{}
	o := &fakeOracle{err: errors.New("feed down")}
	m := newTestMonitor(c, o)

	// 仓位确认缺失: 价格错误被抑制
	assert.NoError(t, m.Refresh(context.Background(), testWallet))

	v, _ := m.GetView(testWallet)
	assert.Equal(t, StateInactive, v.State)
}

func TestMonitor_StaleResponseDiscarded(t *testing.T) {
	c := &fakeChain{pos: activePosition(time.Now().Unix() + 3600)}
	o := &fakeOracle{price: "1200000000"}
	m := newTestMonitor(c, o)

	require.NoError(t, m.Refresh(context.Background(), testWallet))

	e, _ := m.entries.Load(testWallet)
	applied := e.appliedSeq

	// 模拟旧请求的响应晚到: 序号不高于已应用值
	err := m.apply(e, testWallet, applied, nil, nil, "", nil)
	assert.NoError(t, err)

	// 旧响应被丢弃，视图不变
	v, _ := m.GetView(testWallet)
	assert.Equal(t, StateActive, v.State)
	assert.NotNil(t, v.Risk)
}

func TestMonitor_TickClampsAtZero(t *testing.T) {
	c := &fakeChain{pos: activePosition(time.Now().Unix() + 2)}
	o := &fakeOracle{price: "1200000000"}
	m := newTestMonitor(c, o)

	require.NoError(t, m.Refresh(context.Background(), testWallet))

	for i := 0; i < 10; i++ {
		m.Tick()
	}

	v, _ := m.GetView(testWallet)
	assert.Equal(t, int64(0), v.Countdown)
}

func TestMonitor_RequestClose(t *testing.T) {
	c := &fakeChain{pos: activePosition(time.Now().Unix() + 3600)}
	o := &fakeOracle{price: "1200000000"}
	m := newTestMonitor(c, o)

	var closedWallet, closedTx string
	var closedFinal *risk.Snapshot
	m.OnClosed(func(wallet, txHash string, final *risk.Snapshot) {
		closedWallet = wallet
		closedTx = txHash
		closedFinal = final
	})

	require.NoError(t, m.Refresh(context.Background(), testWallet))
	require.NoError(t, m.RequestClose(context.Background(), testWallet))

	v, _ := m.GetView(testWallet)
	assert.Equal(t, StateInactive, v.State)
	assert.Nil(t, v.Risk)
	assert.Equal(t, testWallet, closedWallet)
	assert.Equal(t, "0xdeadbeef", closedTx)

	// 回调携带平仓前最后的风险快照，结算方向依赖其盈亏
	require.NotNil(t, closedFinal)
	assert.True(t, closedFinal.UnrealizedPnL.Equal(decimal.RequireFromString("200")))
}

func TestMonitor_RequestCloseFailureReverts(t *testing.T) {
	c := &fakeChain{
		pos:      activePosition(time.Now().Unix() + 3600),
		closeErr: &chain.ChainError{Op: "close_position", Err: errors.New("reverted")},
	}
	o := &fakeOracle{price: "1200000000"}
	m := newTestMonitor(c, o)

	require.NoError(t, m.Refresh(context.Background(), testWallet))

	err := m.RequestClose(context.Background(), testWallet)
	assert.Error(t, err)

	// 平仓失败回退 Active，不出现"无仓位"的假象
	v, _ := m.GetView(testWallet)
	assert.Equal(t, StateActive, v.State)
	assert.NotNil(t, v.Risk)
}

func TestMonitor_RequestCloseRequiresActive(t *testing.T) {
	c := &fakeChain{}
	o := &fakeOracle{price: "1200000000"}
	m := newTestMonitor(c, o)

	require.NoError(t, m.Refresh(context.Background(), testWallet))

	err := m.RequestClose(context.Background(), testWallet)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestMonitor_UnwatchedWallet(t *testing.T) {
	m := NewMonitor(&fakeChain{}, &fakeOracle{}, nil)

	assert.ErrorIs(t, m.Refresh(context.Background(), "0xnobody"), ErrNotWatched)
	assert.ErrorIs(t, m.RequestClose(context.Background(), "0xnobody"), ErrNotWatched)
	_, err := m.GetView("0xnobody")
	assert.ErrorIs(t, err, ErrNotWatched)
}
