// 文件: pkg/predictor/query.go
// 只读预测查询，不修改任何状态

package predictor

import (
	"context"

	"github.com/shopspring/decimal"

	"perpcalc.com/pkg/amm"
	"perpcalc.com/pkg/funding"
	"perpcalc.com/pkg/liquidation"
	"perpcalc.com/pkg/perp"
)

// PredictFunding 推算 ts 时刻的资金费状态
func (s *Predictor) PredictFunding(ctx context.Context, symbol string, ts int64) (perp.FundingResult, error) {
	snap, m, err := s.load(ctx, symbol)
	if err != nil {
		return perp.FundingResult{}, err
	}
	return funding.ComputeFunding(snap.Perpetual.FundingParams, m.Gov, ts)
}

// PredictAccount ts 时刻账户的派生指标
func (s *Predictor) PredictAccount(ctx context.Context, symbol string, a perp.AccountStorage, ts int64) (perp.AccountDetails, error) {
	if err := a.Validate(); err != nil {
		return perp.AccountDetails{}, err
	}
	snap, m, err := s.load(ctx, symbol)
	if err != nil {
		return perp.AccountDetails{}, err
	}
	f, err := funding.ComputeFunding(snap.Perpetual.FundingParams, m.Gov, ts)
	if err != nil {
		return perp.AccountDetails{}, err
	}
	return perp.ComputeAccountDetails(a, m.Gov, snap.Perpetual, f), nil
}

// PredictAMM ts 时刻池子的报价
func (s *Predictor) PredictAMM(ctx context.Context, symbol string, ts int64) (amm.Computed, error) {
	snap, m, err := s.load(ctx, symbol)
	if err != nil {
		return amm.Computed{}, err
	}
	f, err := funding.ComputeFunding(snap.Perpetual.FundingParams, m.Gov, ts)
	if err != nil {
		return amm.Computed{}, err
	}
	return amm.ComputeAMM(snap.Pool, m.Gov, snap.Perpetual, f), nil
}

// QuoteTrade 用户在 ts 时刻对池子成交的完整结果
func (s *Predictor) QuoteTrade(
	ctx context.Context,
	symbol string,
	user perp.AccountStorage,
	side perp.Side,
	amount decimal.Decimal,
	ts int64,
) (amm.TradeCost, error) {
	if err := user.Validate(); err != nil {
		return amm.TradeCost{}, err
	}
	snap, m, err := s.load(ctx, symbol)
	if err != nil {
		return amm.TradeCost{}, err
	}
	f, err := funding.ComputeFunding(snap.Perpetual.FundingParams, m.Gov, ts)
	if err != nil {
		return amm.TradeCost{}, err
	}
	return amm.ComputeAMMTrade(m.Gov, snap.Perpetual, f, snap.Pool, user, side, amount)
}

// QuoteLimit 在限价内能从池子成交的最大数量
func (s *Predictor) QuoteLimit(ctx context.Context, symbol string, side perp.Side, limitPrice decimal.Decimal, ts int64) (decimal.Decimal, error) {
	c, err := s.PredictAMM(ctx, symbol, ts)
	if err != nil {
		return decimal.Zero, err
	}
	_, m, err := s.load(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return amm.ComputeAMMAmount(c, m.Gov, side, limitPrice)
}

// PreviewLiquidation 清算人在 ts 时刻强平的结果
func (s *Predictor) PreviewLiquidation(
	ctx context.Context,
	symbol string,
	liquidated, keeper perp.AccountStorage,
	amount decimal.Decimal,
	ts int64,
) (liquidation.Result, error) {
	snap, m, err := s.load(ctx, symbol)
	if err != nil {
		return liquidation.Result{}, err
	}
	f, err := funding.ComputeFunding(snap.Perpetual.FundingParams, m.Gov, ts)
	if err != nil {
		return liquidation.Result{}, err
	}
	st := liquidation.State{
		Perpetual:  snap.Perpetual,
		Liquidated: liquidated,
		Keeper:     keeper,
	}
	return liquidation.ComputeLiquidate(st, m.Gov, f, amount)
}
