// 文件: pkg/predictor/watch.go
// 账户风险观察名单

package predictor

import (
	"context"

	"github.com/shopspring/decimal"

	"perpcalc.com/pkg/alert"
	"perpcalc.com/pkg/config"
	"perpcalc.com/pkg/event"
	"perpcalc.com/pkg/funding"
	"perpcalc.com/pkg/liquidation"
	"perpcalc.com/pkg/logger"
	"perpcalc.com/pkg/perp"
)

// Watch 把账户加入观察名单并立即评估一次
//
// 账户状态由调用方维护，变化后重新 Watch 即可覆盖。
func (s *Predictor) Watch(ctx context.Context, symbol, accountID string, a perp.AccountStorage) (liquidation.AccountRisk, error) {
	if err := a.Validate(); err != nil {
		return liquidation.AccountRisk{}, err
	}
	mu := s.lock(symbol)
	mu.Lock()
	defer mu.Unlock()

	snap, m, err := s.load(ctx, symbol)
	if err != nil {
		return liquidation.AccountRisk{}, err
	}
	f, err := funding.ComputeFunding(snap.Perpetual.FundingParams, m.Gov, s.now().Unix())
	if err != nil {
		return liquidation.AccountRisk{}, err
	}

	_, existed := s.watchlist.Get(symbol, accountID)
	r := liquidation.Assess(symbol, accountID, a, m.Gov, snap.Perpetual, f)
	prev, changed := s.watchlist.Update(r)
	if !existed && r.Level != liquidation.RiskLevelSafe {
		prev, changed = liquidation.RiskLevelSafe, true
	}
	if changed {
		s.alert(ctx, r, prev, f)
	}
	s.track(ctx, r)
	return r, nil
}

// Unwatch 移出观察名单
func (s *Predictor) Unwatch(ctx context.Context, symbol, accountID string) {
	mu := s.lock(symbol)
	mu.Lock()
	defer mu.Unlock()

	s.watchlist.Remove(symbol, accountID)
	if err := s.triggers.Untrack(ctx, symbol, accountID); err != nil {
		s.log.WithError(err).WithField("account", symbol+"/"+accountID).Error("untrack trigger failed")
	}
}

// Risk 名单中账户最近一次评估结果
func (s *Predictor) Risk(symbol, accountID string) (liquidation.AccountRisk, bool) {
	return s.watchlist.Get(symbol, accountID)
}

// Risks 交易对下的全部账户
func (s *Predictor) Risks(symbol string) []liquidation.AccountRisk {
	return s.watchlist.BySymbol(symbol)
}

// Liquidatable 处于强平区的账户
func (s *Predictor) Liquidatable() []liquidation.AccountRisk {
	return s.watchlist.GetByLevel(liquidation.RiskLevelLiquidate)
}

// reassess 用新的合约状态重新评估交易对下的账户，调用方持有交易对锁
func (s *Predictor) reassess(ctx context.Context, symbol string, m config.Market, p perp.PerpetualStorage, f perp.FundingResult) {
	for _, old := range s.watchlist.BySymbol(symbol) {
		r := liquidation.Assess(symbol, old.AccountID, old.Storage, m.Gov, p, f)
		if prev, changed := s.watchlist.Update(r); changed {
			s.alert(ctx, r, prev, f)
		}
		s.track(ctx, r)
	}
}

// track 同步强平价触发规则，空仓账户移出索引
func (s *Predictor) track(ctx context.Context, r liquidation.AccountRisk) {
	var err error
	if t, ok := alert.TriggerOf(r); ok {
		err = s.triggers.Track(ctx, t)
	} else {
		err = s.triggers.Untrack(ctx, r.Symbol, r.AccountID)
	}
	if err != nil {
		s.log.WithError(err).WithField("account", r.Key()).Error("sync trigger failed")
	}
}

// checkTriggers 标记价格越过强平价的账户
//
// 只记日志，是否可以强平以 reassess 的结果为准。
func (s *Predictor) checkTriggers(ctx context.Context, symbol string, mark decimal.Decimal) {
	crossed, err := s.triggers.Triggered(ctx, symbol, mark)
	if err != nil {
		s.log.WithError(err).WithField("symbol", symbol).Error("query triggers failed")
		return
	}
	for _, t := range crossed {
		s.log.WithFields(logger.Fields{
			"symbol":           symbol,
			"account":          t.AccountID,
			"direction":        string(t.Direction),
			"liquidationPrice": t.LiquidationPrice.String(),
			"markPrice":        mark.String(),
		}).Warn("liquidation price crossed")
	}
}

func (s *Predictor) alert(ctx context.Context, r liquidation.AccountRisk, prev liquidation.RiskLevel, f perp.FundingResult) {
	entry := s.log.WithFields(logger.Fields{
		"symbol":    r.Symbol,
		"account":   r.AccountID,
		"level":     r.Level.String(),
		"prevLevel": prev.String(),
		"riskRatio": r.RiskRatio.String(),
		"markPrice": f.MarkPrice.String(),
	})
	if r.Level == liquidation.RiskLevelLiquidate {
		entry.Warn("account liquidatable")
	} else {
		entry.Info("risk level changed")
	}
	s.publishAlert(ctx, event.NewRiskAlert(s.ids.Next(), r, prev, f))
}
