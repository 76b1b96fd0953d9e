// 文件: pkg/fixed/fixed.go
// 定点数基础运算
//
// 【精度】
// 链上合约使用 18 位小数的定点整数 (WAD)，链下必须逐位复现，
// 所以这里统一用任意精度十进制 decimal.Decimal，并在每一步按合约的舍入规则截断。
//
// 【舍入规则】
// - Mul / Div: 四舍五入，0.5 远离零 (对应合约 roundHalfUp)
// - PowI:      每一步乘法向零截断 (对应合约的截断乘法)
// - DivCeil / DivFloor: 限价换算数量时向不利于用户的方向取整

package fixed

import (
	"errors"

	"github.com/shopspring/decimal"
)

// =============================================================================
// 精度常量
// =============================================================================

const (
	// Decimals 小数位数，与合约 WAD = 1e18 一致
	Decimals int32 = 18
)

var (
	Zero = decimal.Zero
	One  = decimal.NewFromInt(1)
	Two  = decimal.NewFromInt(2)

	// Unit 最小精度单位 1e-18
	Unit = decimal.New(1, -Decimals)
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrNegativeInput      = errors.New("fixed: logarithm of non-positive number")
	ErrOutOfRange         = errors.New("fixed: logarithm input out of range")
	ErrNonIntegerExponent = errors.New("fixed: exponent must be an integer")
	ErrNegativeExponent   = errors.New("fixed: exponent must not be negative")
	ErrDivisionByZero     = errors.New("fixed: division by zero")
)

// =============================================================================
// 基础运算
// =============================================================================

// Normalize 截断到 18 位小数，用于外部输入
func Normalize(x decimal.Decimal) decimal.Decimal {
	return x.Truncate(Decimals)
}

// Mul 定点乘法 (四舍五入到 18 位)
func Mul(x, y decimal.Decimal) decimal.Decimal {
	return x.Mul(y).Round(Decimals)
}

// Div 定点除法 (四舍五入到 18 位)
// 调用方保证 y != 0，否则 panic，与合约 revert 语义一致
func Div(x, y decimal.Decimal) decimal.Decimal {
	return x.DivRound(y, Decimals)
}

// DivSafe 带除零检查的 Div
func DivSafe(x, y decimal.Decimal) (decimal.Decimal, error) {
	if y.IsZero() {
		return Zero, ErrDivisionByZero
	}
	return Div(x, y), nil
}

// Frac x * y / z，中间结果保留完整精度，只在最后舍入一次
func Frac(x, y, z decimal.Decimal) decimal.Decimal {
	return x.Mul(y).DivRound(z, Decimals)
}

// Quo 向零截断的除法，对应合约里 int256 的 `/`
func Quo(x, y decimal.Decimal) decimal.Decimal {
	q, _ := x.QuoRem(y, Decimals)
	return q
}

// DivCeil 向上取整的除法 (朝 +∞)
func DivCeil(x, y decimal.Decimal) decimal.Decimal {
	q, r := x.QuoRem(y, Decimals)
	if r.Sign()*y.Sign() > 0 {
		q = q.Add(Unit)
	}
	return q
}

// DivFloor 向下取整的除法 (朝 -∞)
func DivFloor(x, y decimal.Decimal) decimal.Decimal {
	q, r := x.QuoRem(y, Decimals)
	if r.Sign()*y.Sign() < 0 {
		q = q.Sub(Unit)
	}
	return q
}

// MulTrunc 向零截断的乘法
func MulTrunc(x, y decimal.Decimal) decimal.Decimal {
	return x.Mul(y).Truncate(Decimals)
}

// Ceil 向上取整到整数
func Ceil(x decimal.Decimal) decimal.Decimal {
	return x.Ceil()
}

// FloorTo 向下取整到 step 的整数倍 (step > 0)
// 用于 lot size 对齐
func FloorTo(x, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return x
	}
	q, r := x.QuoRem(step, 0)
	if r.IsNegative() {
		q = q.Sub(One)
	}
	return q.Mul(step)
}

// CeilTo 向上取整到 step 的整数倍 (step > 0)
func CeilTo(x, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return x
	}
	q, r := x.QuoRem(step, 0)
	if r.IsPositive() {
		q = q.Add(One)
	}
	return q.Mul(step)
}

// Clamp 限制 x 在 [lo, hi]
func Clamp(x, lo, hi decimal.Decimal) decimal.Decimal {
	if x.LessThan(lo) {
		return lo
	}
	if x.GreaterThan(hi) {
		return hi
	}
	return x
}

// Min 较小值
func Min(x, y decimal.Decimal) decimal.Decimal {
	if x.LessThan(y) {
		return x
	}
	return y
}

// Max 较大值
func Max(x, y decimal.Decimal) decimal.Decimal {
	if x.GreaterThan(y) {
		return x
	}
	return y
}

// =============================================================================
// 整数幂
// =============================================================================

// PowI 计算 x^n
//
// n 必须是非负整数。
// 平方求幂，每次乘法截断到 18 位，逐位对齐合约实现。
func PowI(x, n decimal.Decimal) (decimal.Decimal, error) {
	if !n.IsInteger() {
		return Zero, ErrNonIntegerExponent
	}
	if n.IsNegative() {
		return Zero, ErrNegativeExponent
	}
	return PowInt(x, n.IntPart()), nil
}

// PowInt PowI 的 int64 版本，n < 0 时 panic
func PowInt(x decimal.Decimal, n int64) decimal.Decimal {
	if n < 0 {
		panic(ErrNegativeExponent)
	}

	z := One
	if n%2 != 0 {
		z = x
	}
	for n /= 2; n != 0; n /= 2 {
		x = MulTrunc(x, x)
		if n%2 != 0 {
			z = MulTrunc(z, x)
		}
	}
	return z
}
