// 文件: pkg/amm/amm.go
// AMM 资金池定价
//
// 【模型】资金池本身是一个多头账户:
//   x = 池子可用保证金 = 现金 - 开仓价值 - 社会化亏损 - 资金费
//   y = 池子持仓量
// 恒定乘积 x * y = k，对池子买 a 张的价格 x/(y-a)，卖 a 张的价格 x/(y+a)
//
// 【冲击价格】用参考数量 FairPriceAmount 成交时的价格，
// 并以 x/y × (1 ± FairPriceMaxGap) 为上下限。
// 公允价格 = (冲击买价 + 冲击卖价) / 2

package amm

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"perpcalc.com/pkg/fixed"
	"perpcalc.com/pkg/perp"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrInvalidAmount         = errors.New("amm: amount must be positive")
	ErrInvalidPrice          = errors.New("amm: invalid price")
	ErrInsufficientLiquidity = errors.New("amm: insufficient liquidity")
	ErrFairnessViolation     = fmt.Errorf("%w: price violates fair price", ErrInvalidPrice)
	ErrInvalidSide           = errors.New("amm: invalid trade side")
	ErrPoolEmpty             = errors.New("amm: pool has no position")
)

// =============================================================================
// 数据结构
// =============================================================================

// Computed 资金池派生指标
type Computed struct {
	Account         perp.AccountComputed `json:"account"`
	AvailableMargin decimal.Decimal      `json:"availableMargin"` // x
	PositionSize    decimal.Decimal      `json:"positionSize"`    // y
	ImpactBidPrice  decimal.Decimal      `json:"impactBidPrice"`
	ImpactAskPrice  decimal.Decimal      `json:"impactAskPrice"`
	FairPrice       decimal.Decimal      `json:"fairPrice"`
}

// IsEmpty 池子没有多头持仓时无法报价
func (c Computed) IsEmpty() bool {
	return !c.PositionSize.IsPositive()
}

// =============================================================================
// 池子状态
// =============================================================================

// ComputeAMM 计算资金池的可用保证金、冲击价格和公允价格
//
// 池子无持仓 (或持有空头) 时所有价格为 0。
func ComputeAMM(pool perp.AccountStorage, g perp.GovParams, p perp.PerpetualStorage, f perp.FundingResult) Computed {
	account := perp.ComputeAccount(pool, g, p, f)
	x := pool.CashBalance.Sub(pool.EntryValue).Sub(account.SocialLoss).Sub(account.FundingLoss)

	c := Computed{
		Account:         account,
		AvailableMargin: x,
		PositionSize:    fixed.Zero,
		ImpactBidPrice:  fixed.Zero,
		ImpactAskPrice:  fixed.Zero,
		FairPrice:       fixed.Zero,
	}
	if pool.PositionSide != perp.SideBuy || !pool.PositionSize.IsPositive() {
		return c
	}

	y := pool.PositionSize
	c.PositionSize = y

	spot := fixed.Div(x, y)
	askCap := fixed.Mul(spot, fixed.One.Add(g.FairPriceMaxGap))
	bidCap := fixed.Mul(spot, fixed.One.Sub(g.FairPriceMaxGap))

	// 1. 冲击买价: 池子持仓不足参考数量时直接用上限
	ask := askCap
	if y.GreaterThan(g.FairPriceAmount) {
		ask = fixed.Min(fixed.Div(x, y.Sub(g.FairPriceAmount)), askCap)
	}

	// 2. 冲击卖价
	bid := fixed.Max(fixed.Div(x, y.Add(g.FairPriceAmount)), bidCap)

	c.ImpactAskPrice = ask
	c.ImpactBidPrice = bid
	c.FairPrice = fixed.Div(ask.Add(bid), fixed.Two)
	return c
}

// =============================================================================
// 定价
// =============================================================================

// ComputeAMMPrice 用户以 side 方向对池子成交 amount 的价格
//
// 用户买 = 池子卖: x / (y - amount)，amount >= y 时流动性不足
// 用户卖 = 池子买: x / (y + amount)
func ComputeAMMPrice(c Computed, side perp.Side, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return fixed.Zero, ErrInvalidAmount
	}
	if c.IsEmpty() {
		return fixed.Zero, ErrPoolEmpty
	}

	x, y := c.AvailableMargin, c.PositionSize
	switch side {
	case perp.SideBuy:
		if amount.GreaterThanOrEqual(y) {
			return fixed.Zero, fmt.Errorf("%w: buy %s >= pool %s", ErrInsufficientLiquidity, amount, y)
		}
		return fixed.Div(x, y.Sub(amount)), nil
	case perp.SideSell:
		return fixed.Div(x, y.Add(amount)), nil
	}
	return fixed.Zero, ErrInvalidSide
}

// ComputeAMMInversePrice 成交价恰好为 price 时的数量
//
// 买: amount = y - x/price，price 低于公允价违反公平性
// 卖: amount = x/price - y，price 高于公允价违反公平性
// x/price 向减少数量的方向取整，按结果成交的价格不会越过 price。
// 结果为负时截断为 0。
func ComputeAMMInversePrice(c Computed, side perp.Side, price decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return fixed.Zero, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}
	if c.IsEmpty() {
		return fixed.Zero, ErrPoolEmpty
	}

	x, y := c.AvailableMargin, c.PositionSize
	var amount decimal.Decimal
	switch side {
	case perp.SideBuy:
		if price.LessThan(c.FairPrice) {
			return fixed.Zero, fmt.Errorf("%w: buy at %s below fair %s", ErrFairnessViolation, price, c.FairPrice)
		}
		amount = y.Sub(fixed.DivCeil(x, price))
	case perp.SideSell:
		if price.GreaterThan(c.FairPrice) {
			return fixed.Zero, fmt.Errorf("%w: sell at %s above fair %s", ErrFairnessViolation, price, c.FairPrice)
		}
		amount = fixed.DivFloor(x, price).Sub(y)
	default:
		return fixed.Zero, ErrInvalidSide
	}
	return fixed.Max(amount, fixed.Zero), nil
}

// ComputeAMMAmount 限价 limitPrice 下最多能成交的数量 (含手续费)
//
// 买: 实际价格 × (1 + 费率) <= limitPrice
// 卖: 实际价格 × (1 - 费率) >= limitPrice
// 结果向下对齐到 TradingLotSize。
func ComputeAMMAmount(c Computed, g perp.GovParams, side perp.Side, limitPrice decimal.Decimal) (decimal.Decimal, error) {
	if !limitPrice.IsPositive() {
		return fixed.Zero, fmt.Errorf("%w: %s", ErrInvalidPrice, limitPrice)
	}

	feeRate := g.PoolFeeRate.Add(g.PoolDevFeeRate)
	var price decimal.Decimal
	switch side {
	case perp.SideBuy:
		price = fixed.DivFloor(limitPrice, fixed.One.Add(feeRate))
	case perp.SideSell:
		rate := fixed.One.Sub(feeRate)
		if !rate.IsPositive() {
			return fixed.Zero, fmt.Errorf("%w: fee rate %s", ErrInvalidPrice, feeRate)
		}
		price = fixed.DivCeil(limitPrice, rate)
	default:
		return fixed.Zero, ErrInvalidSide
	}

	amount, err := ComputeAMMInversePrice(c, side, price)
	if err != nil {
		return fixed.Zero, err
	}
	return fixed.FloorTo(amount, g.TradingLotSize), nil
}
