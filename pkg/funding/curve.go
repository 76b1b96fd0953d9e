// 文件: pkg/funding/curve.go
// EMA 溢价曲线与分区
//
// 【曲线】
// v(t) = (v0 - p) * a^t + p
//   v0 = 上次 EMA 溢价, p = 上次溢价 (公允价 - 指数价), a = 1 - α (每秒衰减)
//
// 【分区】四个截断边界把溢价轴分成 5 个区:
//
//	   Region0    |  Region1   |  Region2   |  Region3  |  Region4
//	<------------ -vLimit --- -vDampener --- vDampener --- vLimit ------------>
//	 (封顶 -vLimit)  (曲线段)      (死区)       (曲线段)     (封顶 vLimit)
//
// 区间右端闭合: v == -vLimit 属于 Region0，v == vDampener 属于 Region2。
//
// 【资金费被积函数】
// Region0: -vLimit + vDampener     Region1: v + vDampener
// Region2: 0                       Region3: v - vDampener
// Region4: vLimit - vDampener

package funding

import (
	"fmt"

	"github.com/shopspring/decimal"

	"perpcalc.com/pkg/fixed"
	"perpcalc.com/pkg/perp"
)

// Region 溢价所处的分区
type Region int8

const (
	RegionBelowLimit Region = iota // v <= -vLimit
	RegionNegative                 // -vLimit < v <= -vDampener
	RegionDeadBand                 // -vDampener < v <= vDampener
	RegionPositive                 // vDampener < v <= vLimit
	RegionAboveLimit               // v > vLimit

	regionCount = 5
)

func (r Region) String() string {
	switch r {
	case RegionBelowLimit:
		return "BELOW_LIMIT"
	case RegionNegative:
		return "NEGATIVE"
	case RegionDeadBand:
		return "DEAD_BAND"
	case RegionPositive:
		return "POSITIVE"
	case RegionAboveLimit:
		return "ABOVE_LIMIT"
	}
	return "UNKNOWN"
}

// segment 积分区间 [From, To)，整段落在同一个分区
type segment struct {
	Region Region
	From   int64
	To     int64
}

// curve 一次积分计算所需的全部常量
type curve struct {
	v0        decimal.Decimal // 起点 EMA 溢价
	premium   decimal.Decimal // 渐近线 p
	alpha     decimal.Decimal // α = 1 - a
	alpha2    decimal.Decimal // a
	alpha2Ln  decimal.Decimal // ln(a)
	vLimit    decimal.Decimal
	vDampener decimal.Decimal
}

func newCurve(f perp.FundingParams, g perp.GovParams) (*curve, error) {
	if !g.EmaAlpha.IsPositive() || g.EmaAlpha.GreaterThanOrEqual(fixed.One) {
		return nil, fmt.Errorf("%w: emaAlpha %s not in (0,1)", perp.ErrInvalidParams, g.EmaAlpha)
	}
	alpha2 := g.EmaAlpha2()
	alpha2Ln, err := fixed.Ln(alpha2)
	if err != nil {
		return nil, fmt.Errorf("ln(emaAlpha2): %w", err)
	}
	return &curve{
		v0:        f.LastEMAPremium,
		premium:   f.LastPremium,
		alpha:     g.EmaAlpha,
		alpha2:    alpha2,
		alpha2Ln:  alpha2Ln,
		vLimit:    fixed.Mul(g.MarkPremiumLimit, f.LastIndexPrice),
		vDampener: fixed.Mul(g.FundingDampener, f.LastIndexPrice),
	}, nil
}

// boundaries 分区边界，boundaries[i] 是 Region(i) 和 Region(i+1) 的分界
func (c *curve) boundaries() [regionCount - 1]decimal.Decimal {
	return [regionCount - 1]decimal.Decimal{c.vLimit.Neg(), c.vDampener.Neg(), c.vDampener, c.vLimit}
}

// region 溢价 v 所在分区
func (c *curve) region(v decimal.Decimal) Region {
	for i, b := range c.boundaries() {
		if v.LessThanOrEqual(b) {
			return Region(i)
		}
	}
	return RegionAboveLimit
}

// value v(t)
func (c *curve) value(t int64) decimal.Decimal {
	return fixed.Mul(c.v0.Sub(c.premium), fixed.PowInt(c.alpha2, t)).Add(c.premium)
}

// integrate 曲线在 [x, y) 上的离散积分 R(x, y)
//
//	R(x, y) = (v0 - p) * (a^x - a^y) / (1 - a) + p * (y - x)
func (c *curve) integrate(x, y int64) decimal.Decimal {
	if x >= y {
		return fixed.Zero
	}
	r := fixed.Mul(c.v0.Sub(c.premium), fixed.PowInt(c.alpha2, x).Sub(fixed.PowInt(c.alpha2, y)))
	r = fixed.Div(r, c.alpha)
	return r.Add(c.premium.Mul(decimal.NewFromInt(y - x)))
}

// crossing 曲线到达 y 的时刻 T(y)，向上取整到秒，截断到 [0, n]
//
//	T(y) = ceil( ln((y - p) / (v0 - p)) / ln(a) )
//
// 曲线平坦 (v0 == p) 或比值 <= 0 时永远到不了 y，返回 n；
// 比值 >= 1 说明起点已经在 y 上，返回 0。
func (c *curve) crossing(y decimal.Decimal, n int64) int64 {
	span := c.v0.Sub(c.premium)
	if span.IsZero() {
		return n
	}
	ratio := fixed.Div(y.Sub(c.premium), span)
	if !ratio.IsPositive() {
		return n
	}
	if ratio.GreaterThanOrEqual(fixed.One) {
		return 0
	}

	lnRatio, err := fixed.Ln(ratio)
	if err != nil {
		return n
	}
	t := fixed.Ceil(fixed.Div(lnRatio, c.alpha2Ln))
	if !t.IsPositive() {
		return 0
	}
	if t.GreaterThanOrEqual(decimal.NewFromInt(n)) {
		return n
	}
	return t.IntPart()
}

// plan 根据起点分区 r0 和终点分区 rt 切分 [0, n)
//
// 曲线单调，所以一旦 r0、rt 确定，经过的边界和顺序也就确定了:
// 上升时依次穿过 boundaries[r0 .. rt-1]，下降时依次穿过 boundaries[r0-1 .. rt]。
// 5 × 5 = 25 种组合都落在这一张表里。
func (c *curve) plan(r0, rt Region, n int64) []segment {
	bounds := c.boundaries()
	segs := make([]segment, 0, regionCount)

	from := int64(0)
	r := r0
	for r != rt {
		var next Region
		var level decimal.Decimal
		if rt > r {
			next, level = r+1, bounds[r]
		} else {
			next, level = r-1, bounds[r-1]
		}
		t := c.crossing(level, n)
		if t < from {
			t = from
		}
		segs = append(segs, segment{Region: r, From: from, To: t})
		from, r = t, next
	}
	return append(segs, segment{Region: rt, From: from, To: n})
}

// fund 被积函数在 [From, To) 上的积分
func (c *curve) fund(s segment) decimal.Decimal {
	if s.To <= s.From {
		return fixed.Zero
	}
	length := decimal.NewFromInt(s.To - s.From)

	switch s.Region {
	case RegionBelowLimit:
		return c.vLimit.Neg().Add(c.vDampener).Mul(length)
	case RegionNegative:
		return c.integrate(s.From, s.To).Add(c.vDampener.Mul(length))
	case RegionPositive:
		return c.integrate(s.From, s.To).Sub(c.vDampener.Mul(length))
	case RegionAboveLimit:
		return c.vLimit.Sub(c.vDampener).Mul(length)
	}
	return fixed.Zero
}

// fundAt 被积函数在单点 v 的取值，用于校验
func (c *curve) fundAt(v decimal.Decimal) decimal.Decimal {
	switch c.region(v) {
	case RegionBelowLimit:
		return c.vLimit.Neg().Add(c.vDampener)
	case RegionNegative:
		return v.Add(c.vDampener)
	case RegionPositive:
		return v.Sub(c.vDampener)
	case RegionAboveLimit:
		return c.vLimit.Sub(c.vDampener)
	}
	return fixed.Zero
}
