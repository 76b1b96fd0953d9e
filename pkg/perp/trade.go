// 文件: pkg/perp/trade.go
// 开仓 / 减仓 / 交易
//
// 【开仓】开仓价值、社会化亏损快照、资金费快照按成交量累加
// 【减仓】按比例释放开仓价值和快照，已实现盈亏计入现金
// 【反手】先平掉原方向，剩余部分反向开仓

package perp

import (
	"fmt"

	"github.com/shopspring/decimal"

	"perpcalc.com/pkg/fixed"
)

// ComputeFee 手续费 = 价格 × 数量 × 费率
func ComputeFee(price, amount, rate decimal.Decimal) decimal.Decimal {
	return fixed.Mul(fixed.Mul(price, amount), rate)
}

// ComputeIncreasePosition 同方向加仓 (或从空仓开仓)
func ComputeIncreasePosition(
	a AccountStorage,
	p PerpetualStorage,
	f FundingResult,
	side Side,
	price, amount decimal.Decimal,
) (AccountStorage, error) {
	if !side.IsValid() {
		return a, ErrInvalidSide
	}
	if !price.IsPositive() {
		return a, ErrInvalidPrice
	}
	if !amount.IsPositive() {
		return a, ErrInvalidAmount
	}
	if !a.IsFlat() && a.PositionSide != side {
		return a, fmt.Errorf("%w: increase %s on %s position", ErrSideMismatch, side, a.PositionSide)
	}

	a.PositionSide = side
	a.EntryValue = a.EntryValue.Add(fixed.Mul(price, amount))
	a.EntrySocialLoss = a.EntrySocialLoss.Add(fixed.Mul(p.SocialLossPerContract(side), amount))
	a.EntryFundingLoss = a.EntryFundingLoss.Add(fixed.Mul(f.AccumulatedFundingPerContract, amount))
	a.PositionSize = a.PositionSize.Add(amount)
	return a, nil
}

// ComputeDecreasePosition 减仓，已实现盈亏计入现金
//
// 【已实现盈亏】
// rpnl1 = 多: price*amount - entryValue*amount/size
//
//	空: entryValue*amount/size - price*amount
//
// rpnl2 = rpnl1 - 社会化亏损(按比例) - 资金费(按比例)
func ComputeDecreasePosition(
	a AccountStorage,
	p PerpetualStorage,
	f FundingResult,
	price, amount decimal.Decimal,
) (AccountStorage, error) {
	if a.IsFlat() {
		return a, fmt.Errorf("%w: decrease on flat position", ErrSideMismatch)
	}
	if !price.IsPositive() {
		return a, ErrInvalidPrice
	}
	if !amount.IsPositive() {
		return a, ErrInvalidAmount
	}
	if amount.GreaterThan(a.PositionSize) {
		return a, fmt.Errorf("%w: %s > %s", ErrExceedsPosition, amount, a.PositionSize)
	}

	side := a.PositionSide
	closeAll := amount.Equal(a.PositionSize)

	// 1. 按比例释放的开仓快照
	entryValue, entrySocialLoss, entryFundingLoss := a.EntryValue, a.EntrySocialLoss, a.EntryFundingLoss
	if !closeAll {
		entryValue = fixed.Frac(a.EntryValue, amount, a.PositionSize)
		entrySocialLoss = fixed.Frac(a.EntrySocialLoss, amount, a.PositionSize)
		entryFundingLoss = fixed.Frac(a.EntryFundingLoss, amount, a.PositionSize)
	}

	// 2. 已实现盈亏
	value := fixed.Mul(price, amount)
	rpnl1 := value.Sub(entryValue)
	if side == SideSell {
		rpnl1 = rpnl1.Neg()
	}
	socialLoss := fixed.Mul(p.SocialLossPerContract(side), amount).Sub(entrySocialLoss)
	fundingLoss := fixed.Mul(f.AccumulatedFundingPerContract, amount).Sub(entryFundingLoss)
	if side == SideSell {
		fundingLoss = fundingLoss.Neg()
	}
	rpnl2 := rpnl1.Sub(socialLoss).Sub(fundingLoss)

	// 3. 更新持仓
	a.CashBalance = a.CashBalance.Add(rpnl2)
	if closeAll {
		a.PositionSide = SideFlat
		a.PositionSize = fixed.Zero
		a.EntryValue = fixed.Zero
		a.EntrySocialLoss = fixed.Zero
		a.EntryFundingLoss = fixed.Zero
		return a, nil
	}
	a.PositionSize = a.PositionSize.Sub(amount)
	a.EntryValue = a.EntryValue.Sub(entryValue)
	a.EntrySocialLoss = a.EntrySocialLoss.Sub(entrySocialLoss)
	a.EntryFundingLoss = a.EntryFundingLoss.Sub(entryFundingLoss)
	return a, nil
}

// ComputeTrade 以 price 成交 amount，扣除手续费
//
// 方向相反时先平仓，剩余部分反向开仓。
func ComputeTrade(
	a AccountStorage,
	p PerpetualStorage,
	f FundingResult,
	side Side,
	price, amount, feeRate decimal.Decimal,
) (AccountStorage, error) {
	if !side.IsValid() {
		return a, ErrInvalidSide
	}
	if !amount.IsPositive() {
		return a, ErrInvalidAmount
	}

	var err error
	open := amount
	if !a.IsFlat() && a.PositionSide != side {
		closeAmount := fixed.Min(amount, a.PositionSize)
		if a, err = ComputeDecreasePosition(a, p, f, price, closeAmount); err != nil {
			return a, err
		}
		open = amount.Sub(closeAmount)
	}
	if open.IsPositive() {
		if a, err = ComputeIncreasePosition(a, p, f, side, price, open); err != nil {
			return a, err
		}
	}

	a.CashBalance = a.CashBalance.Sub(ComputeFee(price, amount, feeRate))
	return a, nil
}
