package risk

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/cardlev/cardlev-loan-engine/internal/fixedpoint"
)

func position(supplied, borrowed, entryPrice int64) fixedpoint.DecodedPosition {
	return fixedpoint.DecodedPosition{
		Collateral:    decimal.NewFromInt(100),
		Supplied:      decimal.NewFromInt(supplied),
		Borrowed:      decimal.NewFromInt(borrowed),
		EntryPrice:    decimal.NewFromInt(entryPrice),
		PreAuthExpiry: time.Now().Unix() + 3600,
		Active:        true,
	}
}

// 开仓 10.00，现价 12.00，供给 100，借款 800
func TestCompute_PriceUp(t *testing.T) {
	p := position(100, 800, 10)
	snap := Compute(p, decimal.NewFromInt(12), time.Now())

	assert.True(t, snap.TotalExposureAtEntry.Equal(decimal.NewFromInt(1000)), "exposure at entry = %s", snap.TotalExposureAtEntry)
	assert.True(t, snap.TotalExposureNow.Equal(decimal.NewFromInt(1200)), "exposure now = %s", snap.TotalExposureNow)
	assert.True(t, snap.UnrealizedPnL.Equal(decimal.NewFromInt(200)), "pnl = %s", snap.UnrealizedPnL)
	assert.True(t, snap.HealthFactor.Equal(decimal.RequireFromString("1.275")), "hf = %s", snap.HealthFactor)
	assert.False(t, snap.AtRisk)
}

// 同仓位，价格跌到 9.00
func TestCompute_PriceDown(t *testing.T) {
	p := position(100, 800, 10)
	snap := Compute(p, decimal.NewFromInt(9), time.Now())

	assert.True(t, snap.TotalExposureNow.Equal(decimal.NewFromInt(900)))
	// hf = 900*0.85/800 = 0.95625
	assert.True(t, snap.HealthFactor.Equal(decimal.RequireFromString("0.95625")), "hf = %s", snap.HealthFactor)
	assert.True(t, snap.AtRisk)

	// ltv = 800/900*100 ≈ 88.9%
	ltv, _ := snap.CurrentLTV.Float64()
	assert.InDelta(t, 88.89, ltv, 0.01)
}

func TestCompute_ZeroDenominators(t *testing.T) {
	now := time.Now()

	// borrowed = 0
	snap := Compute(position(100, 0, 10), decimal.NewFromInt(10), now)
	assert.True(t, snap.HealthFactor.IsZero())

	// supplied = 0 → liquidationPrice 与 exposure 归零
	snap = Compute(position(0, 800, 10), decimal.NewFromInt(10), now)
	assert.True(t, snap.LiquidationPrice.IsZero())
	assert.True(t, snap.CurrentLTV.IsZero())

	// collateral value at entry = 0 → pnl percent 归零
	p := position(100, 800, 10)
	p.Collateral = decimal.Zero
	p.EntryPrice = decimal.Zero
	snap = Compute(p, decimal.NewFromInt(10), now)
	assert.True(t, snap.UnrealizedPnLPercent.IsZero())
}

func TestCompute_NonPositivePrice(t *testing.T) {
	p := position(100, 800, 10)

	for _, price := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-1)} {
		snap := Compute(p, price, time.Now())
		assert.True(t, snap.AtRisk)
		assert.True(t, snap.TotalExposureNow.IsZero())
		assert.True(t, snap.HealthFactor.IsZero())
		assert.True(t, snap.CollateralValueNow.IsZero())
		// 清算价不依赖现价，仍然可算
		assert.False(t, snap.LiquidationPrice.IsZero())
	}
}

// 任意输入下 hf < 1.10 与 AtRisk 严格等价
func TestCompute_AtRiskBiconditional(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	now := time.Now()

	for i := 0; i < 1000; i++ {
		p := fixedpoint.DecodedPosition{
			Collateral: decimal.NewFromInt(rng.Int63n(1000)),
			Supplied:   decimal.NewFromInt(rng.Int63n(1000)),
			Borrowed:   decimal.NewFromInt(rng.Int63n(2000)),
			EntryPrice: decimal.NewFromInt(rng.Int63n(100) + 1),
			Active:     true,
		}
		price := decimal.NewFromInt(rng.Int63n(100) + 1)

		snap := Compute(p, price, now)
		assert.Equal(t, snap.HealthFactor.LessThan(AtRiskCutoff), snap.AtRisk,
			"hf=%s supplied=%s borrowed=%s price=%s", snap.HealthFactor, p.Supplied, p.Borrowed, price)
	}
}

func TestCompute_SecondsRemainingMayBeNegative(t *testing.T) {
	p := position(100, 800, 10)
	p.PreAuthExpiry = time.Now().Unix() - 30

	snap := Compute(p, decimal.NewFromInt(10), time.Now())
	assert.Less(t, snap.SecondsRemaining, int64(0))
}
