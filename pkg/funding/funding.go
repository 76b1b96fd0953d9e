// 文件: pkg/funding/funding.go
// 资金费率累加器与状态更新
//
// 【流程】
// 1. AccumulateFunding: 从上次资金费事件到 timestamp，对截断后的 EMA 溢价做离散积分
// 2. ComputeFunding:    累计资金费 += 积分 / 资金费周期，并算出标记价格、溢价率、资金费率
// 3. UpdateFundingParams: 指数价/公允价更新时重置曲线的起点与渐近线
//
// 【资金费率】
// 溢价率 = clamp(EMA 溢价 / 指数价, ±上限)
// 资金费率 = 溢价率 超出死区的部分，死区内为 0

package funding

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"perpcalc.com/pkg/fixed"
	"perpcalc.com/pkg/perp"
)

// FundingPeriod 资金费周期 (秒)，累计资金费按 8 小时折算
const FundingPeriod int64 = 8 * 3600

var fundingPeriod = decimal.NewFromInt(FundingPeriod)

var (
	ErrTimeTravel = errors.New("funding: timestamp before last funding time")
)

// =============================================================================
// 累加器
// =============================================================================

// AccumulateFunding 计算 [LastFundingTimestamp, timestamp) 的资金费积分
//
// 返回积分值 acc 和 timestamp 时刻的 EMA 溢价。
func AccumulateFunding(f perp.FundingParams, g perp.GovParams, timestamp int64) (acc, emaPremium decimal.Decimal, err error) {
	n := timestamp - f.LastFundingTimestamp
	if n < 0 {
		return fixed.Zero, fixed.Zero, fmt.Errorf("%w: %d < %d", ErrTimeTravel, timestamp, f.LastFundingTimestamp)
	}
	if n == 0 {
		return fixed.Zero, f.LastEMAPremium, nil
	}

	c, err := newCurve(f, g)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}

	vt := c.value(n)
	acc = fixed.Zero
	for _, s := range c.plan(c.region(c.v0), c.region(vt), n) {
		acc = acc.Add(c.fund(s))
	}
	return acc, vt, nil
}

// =============================================================================
// 状态推算
// =============================================================================

// ComputeFunding 推算 timestamp 时刻的资金费状态
func ComputeFunding(f perp.FundingParams, g perp.GovParams, timestamp int64) (perp.FundingResult, error) {
	acc, ema, err := AccumulateFunding(f, g, timestamp)
	if err != nil {
		return perp.FundingResult{}, err
	}

	premiumRate, fundingRate := rates(ema, f.LastIndexPrice, g)
	return perp.FundingResult{
		Timestamp:                     timestamp,
		AccumulatedFundingPerContract: f.AccumulatedFundingPerContract.Add(fixed.Quo(acc, fundingPeriod)),
		EMAPremium:                    ema,
		MarkPrice:                     f.LastIndexPrice.Add(ema),
		PremiumRate:                   premiumRate,
		FundingRate:                   fundingRate,
	}, nil
}

// rates 溢价率与资金费率
func rates(ema, index decimal.Decimal, g perp.GovParams) (premiumRate, fundingRate decimal.Decimal) {
	if !index.IsPositive() {
		return fixed.Zero, fixed.Zero
	}
	limit := g.MarkPremiumLimit
	premiumRate = fixed.Clamp(fixed.Div(ema, index), limit.Neg(), limit)

	dampener := g.FundingDampener
	switch {
	case premiumRate.GreaterThan(dampener):
		fundingRate = premiumRate.Sub(dampener)
	case premiumRate.LessThan(dampener.Neg()):
		fundingRate = premiumRate.Add(dampener)
	default:
		fundingRate = fixed.Zero
	}
	return premiumRate, fundingRate
}

// UpdateFundingParams 指数价或公允价变化时重置资金费状态
//
// 先把累计资金费推进到 timestamp，再以新的 (公允价 - 指数价) 作为曲线渐近线。
func UpdateFundingParams(
	f perp.FundingParams,
	g perp.GovParams,
	timestamp int64,
	newIndexPrice, newFairPrice decimal.Decimal,
) (perp.FundingParams, error) {
	if !newIndexPrice.IsPositive() {
		return f, fmt.Errorf("%w: index price %s", perp.ErrInvalidPrice, newIndexPrice)
	}
	if !newFairPrice.IsPositive() {
		return f, fmt.Errorf("%w: fair price %s", perp.ErrInvalidPrice, newFairPrice)
	}

	r, err := ComputeFunding(f, g, timestamp)
	if err != nil {
		return f, err
	}

	return perp.FundingParams{
		AccumulatedFundingPerContract: r.AccumulatedFundingPerContract,
		LastEMAPremium:                r.EMAPremium,
		LastPremium:                   newFairPrice.Sub(newIndexPrice),
		LastIndexPrice:                newIndexPrice,
		LastFundingTimestamp:          timestamp,
	}, nil
}

// ApplyFunding 把 UpdateFundingParams 的结果写回合约状态
func ApplyFunding(
	p perp.PerpetualStorage,
	g perp.GovParams,
	timestamp int64,
	newIndexPrice, newFairPrice decimal.Decimal,
) (perp.PerpetualStorage, error) {
	fp, err := UpdateFundingParams(p.FundingParams, g, timestamp, newIndexPrice, newFairPrice)
	if err != nil {
		return p, err
	}
	p.FundingParams = fp
	return p, nil
}
