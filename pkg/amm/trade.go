// 文件: pkg/amm/trade.go
// 对池子成交的交易成本
//
// 【流程】
// 1. 按当前池子状态报价
// 2. 用户以报价成交，支付池子手续费 + 开发者手续费
// 3. 池子反向成交，池子手续费计入池子现金
// 4. 更新多空总持仓量

package amm

import (
	"fmt"

	"github.com/shopspring/decimal"

	"perpcalc.com/pkg/fixed"
	"perpcalc.com/pkg/perp"
)

// TradeCost 一笔 AMM 交易的完整结果
type TradeCost struct {
	Side   perp.Side       `json:"side"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
	Fee    decimal.Decimal `json:"fee"`    // 池子手续费
	DevFee decimal.Decimal `json:"devFee"` // 开发者手续费

	User      perp.AccountStorage   `json:"user"`
	Pool      perp.AccountStorage   `json:"pool"`
	Perpetual perp.PerpetualStorage `json:"perpetual"`

	// MarginDelta 用户可用保证金的变化，负数表示占用
	MarginDelta decimal.Decimal `json:"marginDelta"`
	// IsSafe 成交后用户是否仍高于维持保证金
	IsSafe bool `json:"isSafe"`
}

// ComputeAMMTrade 用户以 side 方向对池子成交 amount
func ComputeAMMTrade(
	g perp.GovParams,
	p perp.PerpetualStorage,
	f perp.FundingResult,
	pool, user perp.AccountStorage,
	side perp.Side,
	amount decimal.Decimal,
) (TradeCost, error) {
	if !side.IsValid() {
		return TradeCost{}, ErrInvalidSide
	}
	if !amount.IsPositive() {
		return TradeCost{}, ErrInvalidAmount
	}
	if g.TradingLotSize.IsPositive() && !fixed.FloorTo(amount, g.TradingLotSize).Equal(amount) {
		return TradeCost{}, fmt.Errorf("%w: %s not a multiple of lot %s", ErrInvalidAmount, amount, g.TradingLotSize)
	}

	// 1. 报价
	c := ComputeAMM(pool, g, p, f)
	price, err := ComputeAMMPrice(c, side, amount)
	if err != nil {
		return TradeCost{}, err
	}
	fee := perp.ComputeFee(price, amount, g.PoolFeeRate)
	devFee := perp.ComputeFee(price, amount, g.PoolDevFeeRate)

	// 2. 用户成交
	userAfter, err := perp.ComputeTrade(user, p, f, side, price, amount, fixed.Zero)
	if err != nil {
		return TradeCost{}, fmt.Errorf("user trade: %w", err)
	}
	userAfter.CashBalance = userAfter.CashBalance.Sub(fee).Sub(devFee)

	// 3. 池子反向成交
	poolAfter, err := perp.ComputeTrade(pool, p, f, side.Opposite(), price, amount, fixed.Zero)
	if err != nil {
		return TradeCost{}, fmt.Errorf("pool trade: %w", err)
	}
	poolAfter.CashBalance = poolAfter.CashBalance.Add(fee)

	// 4. 总持仓量
	perpAfter := p.ApplySizeChange(user, userAfter).ApplySizeChange(pool, poolAfter)

	before := perp.ComputeAccount(user, g, p, f)
	after := perp.ComputeAccount(userAfter, g, perpAfter, f)

	return TradeCost{
		Side:        side,
		Amount:      amount,
		Price:       price,
		Fee:         fee,
		DevFee:      devFee,
		User:        userAfter,
		Pool:        poolAfter,
		Perpetual:   perpAfter,
		MarginDelta: after.AvailableMargin.Sub(before.AvailableMargin),
		IsSafe:      after.IsSafe,
	}, nil
}
