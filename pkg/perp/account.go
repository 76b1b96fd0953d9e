// 文件: pkg/perp/account.go
// 账户保证金、盈亏、强平价格计算
//
// 【核心公式】
// 持仓价值   = 标记价格 × 持仓量
// 仓位保证金 = 开仓价值 × 初始保证金率
// 维持保证金 = 持仓价值 × 维持保证金率
// 保证金余额 = 现金余额 + 浮动盈亏 - 社会化亏损 - 资金费
//
// 多头: 价格涨赚钱，资金费率为正时付钱
// 空头: 镜像

package perp

import (
	"github.com/shopspring/decimal"

	"perpcalc.com/pkg/fixed"
)

// ComputeAccount 计算账户派生指标
//
// 纯函数: 相同输入永远得到相同输出，不修改任何入参。
func ComputeAccount(a AccountStorage, g GovParams, p PerpetualStorage, f FundingResult) AccountComputed {
	size := a.PositionSize
	side := a.PositionSide
	if a.IsFlat() {
		side = SideFlat
	}

	// 1. 开仓均价
	entryPrice := fixed.Zero
	if side != SideFlat {
		entryPrice = fixed.Div(a.EntryValue, size)
	}

	// 2. 保证金
	positionValue := fixed.Mul(f.MarkPrice, size)
	positionMargin := fixed.Mul(a.EntryValue, g.InitialMarginRate)
	maintenanceMargin := fixed.Mul(positionValue, g.MaintenanceMarginRate)

	// 3. 社会化亏损 & 资金费 (开仓之后的增量部分)
	socialLoss, fundingLoss := fixed.Zero, fixed.Zero
	if side != SideFlat {
		socialLoss = fixed.Mul(p.SocialLossPerContract(side), size).Sub(a.EntrySocialLoss)
		fundingLoss = fixed.Mul(f.AccumulatedFundingPerContract, size).Sub(a.EntryFundingLoss)
		if side == SideSell {
			fundingLoss = fundingLoss.Neg()
		}
	}

	// 4. 浮动盈亏
	pnl1 := fixed.Zero
	switch side {
	case SideBuy:
		pnl1 = positionValue.Sub(a.EntryValue)
	case SideSell:
		pnl1 = a.EntryValue.Sub(positionValue)
	}
	pnl2 := pnl1.Sub(socialLoss).Sub(fundingLoss)

	// 5. 余额
	marginBalance := a.CashBalance.Add(pnl2)
	availableMargin := marginBalance.Sub(positionMargin)
	withdrawable := fixed.Max(fixed.Zero, availableMargin)

	leverage, marginRatio := fixed.Zero, fixed.Zero
	if marginBalance.IsPositive() {
		leverage = fixed.Div(positionValue, marginBalance)
	}
	if positionValue.IsPositive() {
		marginRatio = fixed.Div(marginBalance, positionValue)
	}

	return AccountComputed{
		EntryPrice:          entryPrice,
		PositionValue:       positionValue,
		PositionMargin:      positionMargin,
		MaintenanceMargin:   maintenanceMargin,
		SocialLoss:          socialLoss,
		FundingLoss:         fundingLoss,
		PNL1:                pnl1,
		PNL2:                pnl2,
		MarginBalance:       marginBalance,
		AvailableMargin:     availableMargin,
		WithdrawableBalance: withdrawable,
		Leverage:            leverage,
		MarginRatio:         marginRatio,
		LiquidationPrice:    liquidationPrice(a, side, g.MaintenanceMarginRate, socialLoss, fundingLoss),
		IsSafe:              maintenanceMargin.LessThan(marginBalance),
	}
}

// ComputeAccountDetails 存储 + 派生指标
func ComputeAccountDetails(a AccountStorage, g GovParams, p PerpetualStorage, f FundingResult) AccountDetails {
	return AccountDetails{
		Storage:  a,
		Computed: ComputeAccount(a, g, p, f),
	}
}

// liquidationPrice 强平价格
//
// 【推导】令标记价格为 P 时 保证金余额 == 维持保证金:
//
//	多仓: cash + P*size - entryValue - SL - FL = P*size*mm
//	      P = (cash - entryValue - SL - FL) / (size * (mm - 1))
//
//	空仓: cash + entryValue - P*size - SL - FL = P*size*mm
//	      P = (cash + entryValue - SL - FL) / (size * (mm + 1))
//
// 无持仓或分母为 0 返回 0，结果为负也返回 0 (价格跌到 0 也不会强平)。
func liquidationPrice(a AccountStorage, side Side, mm, socialLoss, fundingLoss decimal.Decimal) decimal.Decimal {
	if side == SideFlat {
		return fixed.Zero
	}

	var numerator, rate decimal.Decimal
	if side == SideBuy {
		numerator = a.CashBalance.Sub(a.EntryValue).Sub(socialLoss).Sub(fundingLoss)
		rate = mm.Sub(fixed.One)
	} else {
		numerator = a.CashBalance.Add(a.EntryValue).Sub(socialLoss).Sub(fundingLoss)
		rate = mm.Add(fixed.One)
	}
	if rate.IsZero() {
		return fixed.Zero
	}

	price := fixed.Div(numerator, a.PositionSize.Mul(rate))
	if price.IsNegative() {
		return fixed.Zero
	}
	return price
}
