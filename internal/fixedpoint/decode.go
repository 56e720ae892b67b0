package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/cardlev/cardlev-loan-engine/internal/chain"
)

// 各字段定点刻度
const (
	ScaleToken int32 = 18 // collateral / supplied
	ScaleUSD   int32 = 6  // borrowed
	ScalePrice int32 = 8  // entry price / oracle price
)

// ErrMalformedQuantity 定点字段不可解析或不满足不变量
var ErrMalformedQuantity = errors.New("malformed quantity")

// DecodedPosition 解码后的仓位，所有数量为精确十进制
type DecodedPosition struct {
	Collateral decimal.Decimal
	Supplied   decimal.Decimal
	Borrowed   decimal.Decimal
	EntryPrice decimal.Decimal

	PreAuthExpiry  int64
	Active         bool
	PreAuthCharged bool

	PaymentIntentID string
	CustomerID      string
	PaymentMethodID string
}

// ParseAmount 解析非负定点整数字符串为指定刻度的十进制数
func ParseAmount(raw string, scale int32) (decimal.Decimal, error) {
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q is not an integer string", ErrMalformedQuantity, raw)
	}
	if n.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("%w: %q is negative", ErrMalformedQuantity, raw)
	}
	return decimal.NewFromBigInt(n, -scale), nil
}

// EncodeAmount 将十进制数编码回定点整数字符串
// 解码值在原刻度内，Shift 后必为整数，往返无精度损失
func EncodeAmount(d decimal.Decimal, scale int32) string {
	return d.Shift(scale).Truncate(0).BigInt().String()
}

// Decode 解码链上原始仓位
// 任一数量字段非法，或活跃仓位开仓价为零，返回 ErrMalformedQuantity
func Decode(raw *chain.RawPosition) (DecodedPosition, error) {
	var decoded DecodedPosition
	if raw == nil {
		return decoded, fmt.Errorf("%w: nil position", ErrMalformedQuantity)
	}

	var err error
	if decoded.Collateral, err = ParseAmount(raw.Collateral, ScaleToken); err != nil {
		return DecodedPosition{}, fmt.Errorf("collateral: %w", err)
	}
	if decoded.Supplied, err = ParseAmount(raw.Supplied, ScaleToken); err != nil {
		return DecodedPosition{}, fmt.Errorf("supplied: %w", err)
	}
	if decoded.Borrowed, err = ParseAmount(raw.Borrowed, ScaleUSD); err != nil {
		return DecodedPosition{}, fmt.Errorf("borrowed: %w", err)
	}
	if decoded.EntryPrice, err = ParseAmount(raw.EntryPrice, ScalePrice); err != nil {
		return DecodedPosition{}, fmt.Errorf("entry price: %w", err)
	}

	if raw.Active && decoded.EntryPrice.IsZero() {
		return DecodedPosition{}, fmt.Errorf("%w: active position with zero entry price", ErrMalformedQuantity)
	}

	decoded.PreAuthExpiry = raw.PreAuthExpiry
	decoded.Active = raw.Active
	decoded.PreAuthCharged = raw.PreAuthCharged
	decoded.PaymentIntentID = raw.PaymentIntentID
	decoded.CustomerID = raw.CustomerID
	decoded.PaymentMethodID = raw.PaymentMethodID

	return decoded, nil
}
