// 文件: pkg/fixed/ln.go
// 确定性自然对数
//
// 【算法】
// 1. 区间归约: 反复乘除 10 和 e，把 v 压到 [1, e)，同时累计 ±ln10 / ±1
// 2. 在锚点 1.5 附近做奇次幂级数展开:
//    ln(x) = ln(1.5) + 2 * Σ z^(2k+1) / (2k+1),  z = (x - 1.5) / (x + 1.5)
// 3. 中间量保留 2*Decimals+4 位，最后四舍五入到 18 位
//
// x ∈ [1, e) 时 |z| <= 0.29，39 项之后误差远小于 1e-18。

package fixed

import (
	"github.com/shopspring/decimal"
)

const (
	// lnPrecision 级数计算的内部精度
	lnPrecision = 2*Decimals + 4

	// lnTerms 级数项数
	lnTerms = 2*Decimals + 3
)

var (
	// MaxLnInput 合约定点数溢出上限
	MaxLnInput = decimal.New(1, 22)

	// E 自然常数，18 位精度 (与合约常量一致)
	E = decimal.RequireFromString("2.718281828459045235")

	eExact    = decimal.RequireFromString("2.71828182845904523536028747135266249775724709369995957496696762772")
	ln10Exact = decimal.RequireFromString("2.30258509299404568401799145468436420760110148862877297603332790096757")
	ln15Exact = decimal.RequireFromString("0.40546510810816438197801311546434913657199042346249419761401432414410")

	ten       = decimal.NewFromInt(10)
	onePoint5 = decimal.RequireFromString("1.5")
)

// Ln 自然对数
//
// v <= 0 返回 ErrNegativeInput，v > 1e22 返回 ErrOutOfRange。
func Ln(v decimal.Decimal) (decimal.Decimal, error) {
	if v.Sign() <= 0 {
		return Zero, ErrNegativeInput
	}
	if v.GreaterThan(MaxLnInput) {
		return Zero, ErrOutOfRange
	}
	if v.Equal(One) {
		return Zero, nil
	}
	if v.Equal(E) {
		return One, nil
	}

	// 1. 区间归约
	x := v
	offset := Zero
	for x.GreaterThanOrEqual(ten) {
		x = x.Shift(-1)
		offset = offset.Add(ln10Exact)
	}
	for x.LessThan(One) {
		x = x.Shift(1)
		offset = offset.Sub(ln10Exact)
	}
	for x.GreaterThanOrEqual(eExact) {
		x = x.DivRound(eExact, lnPrecision)
		offset = offset.Add(One)
	}

	// 2. 级数展开
	z := x.Sub(onePoint5).DivRound(x.Add(onePoint5), lnPrecision)
	z2 := z.Mul(z).Round(lnPrecision)

	sum := Zero
	term := z
	for k := int64(0); k < int64(lnTerms); k++ {
		sum = sum.Add(term.DivRound(decimal.NewFromInt(2*k+1), lnPrecision))
		term = term.Mul(z2).Round(lnPrecision)
	}

	// 3. 合并
	r := ln15Exact.Add(sum.Mul(Two)).Add(offset)
	return r.Round(Decimals), nil
}

// Log 以 base 为底的对数
func Log(base, x decimal.Decimal) (decimal.Decimal, error) {
	lnBase, err := Ln(base)
	if err != nil {
		return Zero, err
	}
	if lnBase.IsZero() {
		return Zero, ErrDivisionByZero
	}
	lnX, err := Ln(x)
	if err != nil {
		return Zero, err
	}
	return Div(lnX, lnBase), nil
}
