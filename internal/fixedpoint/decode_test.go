package fixedpoint

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/cardlev/cardlev-loan-engine/internal/chain"
)

func validRaw() *chain.RawPosition {
	return &chain.RawPosition{
		Collateral:     "500000000000000000000",  // 500 @1e18
		Supplied:       "1000000000000000000000", // 1000 @1e18
		Borrowed:       "800000000",              // 800 @1e6
		EntryPrice:     "1000000000",             // 10.00 @1e8
		PreAuthExpiry:  1700000000,
		Active:         true,
		PreAuthCharged: false,
	}
}

func TestDecode_Valid(t *testing.T) {
	decoded, err := Decode(validRaw())
	assert.NoError(t, err)

	assert.True(t, decoded.Collateral.Equal(decimal.NewFromInt(500)))
	assert.True(t, decoded.Supplied.Equal(decimal.NewFromInt(1000)))
	assert.True(t, decoded.Borrowed.Equal(decimal.NewFromInt(800)))
	assert.True(t, decoded.EntryPrice.Equal(decimal.NewFromInt(10)))
	assert.True(t, decoded.Active)
}

func TestDecode_MalformedQuantity(t *testing.T) {
	cases := map[string]func(*chain.RawPosition){
		"non-numeric collateral": func(r *chain.RawPosition) { r.Collateral = "12abc" },
		"empty supplied":         func(r *chain.RawPosition) { r.Supplied = "" },
		"negative borrowed":      func(r *chain.RawPosition) { r.Borrowed = "-1" },
		"decimal point":          func(r *chain.RawPosition) { r.EntryPrice = "10.5" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			raw := validRaw()
			mutate(raw)
			_, err := Decode(raw)
			assert.ErrorIs(t, err, ErrMalformedQuantity)
		})
	}
}

func TestDecode_ActiveWithZeroEntryPrice(t *testing.T) {
	raw := validRaw()
	raw.EntryPrice = "0"
	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrMalformedQuantity)

	// 非活跃仓位允许零开仓价
	raw.Active = false
	_, err = Decode(raw)
	assert.NoError(t, err)
}

func TestDecode_NilPosition(t *testing.T) {
	_, err := Decode(nil)
	assert.True(t, errors.Is(err, ErrMalformedQuantity))
}

func TestEncodeAmount_RoundTrip(t *testing.T) {
	// 解码再编码必须精确还原原始整数字符串
	cases := []struct {
		raw   string
		scale int32
	}{
		{"0", ScaleToken},
		{"1", ScaleToken},
		{"500000000000000000000", ScaleToken},
		{"123456789012345678901234567890", ScaleToken},
		{"800000000", ScaleUSD},
		{"999999", ScaleUSD},
		{"1000000000", ScalePrice},
		{"1", ScalePrice},
	}

	for _, tc := range cases {
		d, err := ParseAmount(tc.raw, tc.scale)
		assert.NoError(t, err)
		assert.Equal(t, tc.raw, EncodeAmount(d, tc.scale), "scale %d", tc.scale)
	}
}
