// 文件: pkg/liquidation/settlement.go
// 强平结算
//
// 【流程】
// 1. 请求数量向下对齐到 LotSize，账户必须处于不安全状态
// 2. 计算可强平数量: 强平后剩余仓位恢复到初始保证金要求
// 3. 以标记价格把仓位从被强平账户转给清算人
// 4. 收取罚金: 清算人一份，保险基金一份
// 5. 穿仓处理: 保险基金先垫付，不足部分按对手方总持仓量社会化
//
// 【守恒】
// 被强平账户 + 清算人 + 保险基金 的保证金余额之和，
// 结算后 = 结算前 + 社会化亏损 (由对手方未来承担)

package liquidation

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
	ErrInvalidAmount      = errors.New("liquidation: amount must be positive after lot rounding")
	ErrNothingToLiquidate = errors.New("liquidation: account is safe or flat")
	ErrInvalidPrice       = errors.New("liquidation: mark price must be positive")
	ErrNoCounterparty     = errors.New("liquidation: no opposite position to socialize loss")
	ErrKeeperUnsafe       = errors.New("liquidation: keeper unsafe after taking position")
)

// =============================================================================
// 数据结构
// =============================================================================

// State 参与一次强平的全部状态
type State struct {
	Perpetual  perp.PerpetualStorage `json:"perpetual"`
	Liquidated perp.AccountStorage   `json:"liquidated"`
	Keeper     perp.AccountStorage   `json:"keeper"`
}

// Result 强平结算结果
type Result struct {
	State

	Amount               decimal.Decimal `json:"amount"`
	Price                decimal.Decimal `json:"price"`
	PenaltyToKeeper      decimal.Decimal `json:"penaltyToKeeper"`
	PenaltyToFund        decimal.Decimal `json:"penaltyToFund"`
	InsuranceFundCovered decimal.Decimal `json:"insuranceFundCovered"` // 保险基金垫付的穿仓亏损
	SocializedLoss       decimal.Decimal `json:"socializedLoss"`       // 社会化到对手方的穿仓亏损
}

// =============================================================================
// 强平
// =============================================================================

// ComputeLiquidate 清算人接管被强平账户 requestedAmount 的仓位
func ComputeLiquidate(s State, g perp.GovParams, f perp.FundingResult, requestedAmount decimal.Decimal) (Result, error) {
	// 1. 前置检查
	amount := fixed.FloorTo(requestedAmount, g.LotSize)
	if !amount.IsPositive() {
		return Result{}, fmt.Errorf("%w: requested %s, lot %s", ErrInvalidAmount, requestedAmount, g.LotSize)
	}
	price := f.MarkPrice
	if !price.IsPositive() {
		return Result{}, ErrInvalidPrice
	}

	liq := s.Liquidated
	if liq.IsFlat() {
		return Result{}, ErrNothingToLiquidate
	}
	computed := perp.ComputeAccount(liq, g, s.Perpetual, f)
	if computed.IsSafe {
		return Result{}, ErrNothingToLiquidate
	}

	// 2. 实际强平数量
	amount = fixed.Min(amount, LiquidatableAmount(liq, g, price, computed.MarginBalance))
	side := liq.PositionSide

	// 3. 转移仓位
	liqAfter, err := perp.ComputeDecreasePosition(liq, s.Perpetual, f, price, amount)
	if err != nil {
		return Result{}, fmt.Errorf("liquidated trade: %w", err)
	}
	keeperAfter, err := perp.ComputeTrade(s.Keeper, s.Perpetual, f, side, price, amount, fixed.Zero)
	if err != nil {
		return Result{}, fmt.Errorf("keeper trade: %w", err)
	}
	p := s.Perpetual.ApplySizeChange(liq, liqAfter).ApplySizeChange(s.Keeper, keeperAfter)

	// 4. 罚金
	value := fixed.Mul(price, amount)
	toKeeper := fixed.Mul(value, g.LiquidationPenaltyRate)
	toFund := fixed.Mul(value, g.PenaltyFundRate)
	liqAfter.CashBalance = liqAfter.CashBalance.Sub(toKeeper).Sub(toFund)
	keeperAfter.CashBalance = keeperAfter.CashBalance.Add(toKeeper)
	p.InsuranceFundBalance = p.InsuranceFundBalance.Add(toFund)

	// 5. 穿仓
	covered, socialized := fixed.Zero, fixed.Zero
	mb := perp.ComputeAccount(liqAfter, g, p, f).MarginBalance
	if mb.IsNegative() {
		loss := mb.Neg()
		covered = fixed.Min(loss, fixed.Max(p.InsuranceFundBalance, fixed.Zero))
		socialized = loss.Sub(covered)

		p.InsuranceFundBalance = p.InsuranceFundBalance.Sub(covered)
		if socialized.IsPositive() {
			if p, err = socializeLoss(p, side.Opposite(), socialized); err != nil {
				return Result{}, err
			}
		}
		liqAfter.CashBalance = liqAfter.CashBalance.Add(loss)
	}

	if !perp.ComputeAccount(keeperAfter, g, p, f).IsSafe {
		return Result{}, ErrKeeperUnsafe
	}

	return Result{
		State: State{
			Perpetual:  p,
			Liquidated: liqAfter,
			Keeper:     keeperAfter,
		},
		Amount:               amount,
		Price:                price,
		PenaltyToKeeper:      toKeeper,
		PenaltyToFund:        toFund,
		InsuranceFundCovered: covered,
		SocializedLoss:       socialized,
	}, nil
}

// LiquidatableAmount 强平后剩余仓位恰好满足初始保证金所需的强平数量
//
//	x = (IM * price * size - marginBalance) / (price * (IM - penaltyRate - fundRate))
//
// 向上对齐到 LotSize，不超过持仓量；罚金率不小于初始保证金率时全部强平。
func LiquidatableAmount(a perp.AccountStorage, g perp.GovParams, price, marginBalance decimal.Decimal) decimal.Decimal {
	size := a.PositionSize
	rate := g.InitialMarginRate.Sub(g.LiquidationPenaltyRate).Sub(g.PenaltyFundRate)
	if !rate.IsPositive() {
		return size
	}

	need := fixed.Mul(fixed.Mul(g.InitialMarginRate, price), size).Sub(marginBalance)
	x := fixed.CeilTo(fixed.Div(need, fixed.Mul(price, rate)), g.LotSize)
	if !x.IsPositive() || x.GreaterThan(size) {
		return size
	}
	return x
}

// socializeLoss 亏损按对手方总持仓量平摊到每张合约
func socializeLoss(p perp.PerpetualStorage, side perp.Side, loss decimal.Decimal) (perp.PerpetualStorage, error) {
	total := p.TotalSize(side)
	if !total.IsPositive() {
		return p, fmt.Errorf("%w: %s loss %s", ErrNoCounterparty, side, loss)
	}
	perContract := fixed.Div(loss, total)
	switch side {
	case perp.SideBuy:
		p.LongSocialLossPerContract = p.LongSocialLossPerContract.Add(perContract)
	case perp.SideSell:
		p.ShortSocialLossPerContract = p.ShortSocialLossPerContract.Add(perContract)
	}
	return p, nil
}
