// 文件: cmd/simulation/main.go
// 本地演练: 模拟行情 → 资金费推进 → 账户风险评估 → 强平预览
//
// 不依赖任何外部组件，快照存在内存里，事件只打日志。
// 运行到 -duration 结束或收到 SIGINT / SIGTERM。

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"perpcalc.com/pkg/config"
	"perpcalc.com/pkg/event"
	"perpcalc.com/pkg/idgen"
	"perpcalc.com/pkg/logger"
	"perpcalc.com/pkg/market"
	"perpcalc.com/pkg/perp"
	"perpcalc.com/pkg/predictor"
	"perpcalc.com/pkg/store"
)

// =============================================================================
// 日志出口
// =============================================================================

// logPublisher 把事件打到日志里
type logPublisher struct {
	log *logger.Entry
}

func (p *logPublisher) PublishFunding(_ context.Context, e event.FundingEvent) error {
	p.log.WithFields(logger.Fields{
		"kind":        string(e.Kind),
		"symbol":      e.Symbol,
		"ts":          e.Timestamp,
		"index":       e.IndexPrice.StringFixed(2),
		"mark":        e.MarkPrice.StringFixed(2),
		"fundingRate": e.FundingRate.String(),
	}).Debug("funding")
	return nil
}

func (p *logPublisher) PublishAlert(_ context.Context, a event.RiskAlert) error {
	p.log.WithFields(logger.Fields{
		"symbol":    a.Symbol,
		"account":   a.AccountID,
		"level":     a.Level.String(),
		"prevLevel": a.PrevLevel.String(),
		"riskRatio": a.RiskRatio.StringFixed(4),
		"mark":      a.MarkPrice.StringFixed(2),
	}).Warn("risk alert")
	return nil
}

// =============================================================================
// 模拟账户
// =============================================================================

type demoAccount struct {
	id       string
	side     perp.Side
	leverage int64
}

var demoAccounts = []demoAccount{
	{id: "long-5x", side: perp.SideBuy, leverage: 5},
	{id: "long-15x", side: perp.SideBuy, leverage: 15},
	{id: "short-8x", side: perp.SideSell, leverage: 8},
}

// openAccount 以 price 开 size 张，保证金 = 名义价值 / 杠杆
func openAccount(a demoAccount, price, size decimal.Decimal) perp.AccountStorage {
	value := price.Mul(size)
	return perp.AccountStorage{
		CashBalance:  value.Div(decimal.NewFromInt(a.leverage)).Round(2),
		PositionSide: a.side,
		PositionSize: size,
		EntryValue:   value,
	}
}

// =============================================================================
// 主程序
// =============================================================================

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "path to configuration file")
		duration   = flag.Duration("duration", 10*time.Second, "simulation length")
		interval   = flag.Duration("interval", 100*time.Millisecond, "observation interval")
		crashAfter = flag.Duration("crash-after", 3*time.Second, "when to apply the price shock, 0 disables it")
		crash      = flag.Float64("crash", 0.88, "price multiplier applied at crash-after")
		seed       = flag.Int64("seed", 1, "random seed")
	)
	flag.Parse()

	if err := run(*configPath, *duration, *interval, *crashAfter, *crash, *seed); err != nil {
		fmt.Fprintf(os.Stderr, "simulation: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, duration, interval, crashAfter time.Duration, crash float64, seed int64) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Close()
	entry := log.WithComponent("simulation")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	// 1. 预测服务 (内存快照)
	// -------------------------------------------------------------------------
	ids, err := idgen.New(cfg.Predictor.NodeID)
	if err != nil {
		return err
	}
	svc := predictor.New(cfg, store.NewMemorySnapshotRepository(), ids, log, &logPublisher{log: log.WithComponent("events")})
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	// 2. 开仓
	// -------------------------------------------------------------------------
	size := decimal.NewFromInt(10)
	tickers := make([]*market.Ticker, 0, len(cfg.Markets))
	for i, m := range cfg.Markets {
		price := m.Genesis.IndexPrice
		for _, a := range demoAccounts {
			if _, err := svc.Watch(ctx, m.Symbol, a.id, openAccount(a, price, size)); err != nil {
				return fmt.Errorf("watch %s/%s: %w", m.Symbol, a.id, err)
			}
		}
		tickers = append(tickers, market.NewTicker(m.Symbol, price.InexactFloat64(), interval, seed+int64(i)))
	}

	// 3. 行情 → 预测服务
	// -------------------------------------------------------------------------
	b := market.NewBroadcaster()
	feed := b.Subscribe(1024)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for o := range feed {
			if err := svc.HandleObservation(ctx, o); err != nil && ctx.Err() == nil {
				entry.WithError(err).WithField("symbol", o.Symbol).Warn("observation rejected")
			}
		}
	}()

	entry.WithFields(logger.Fields{
		"markets":  cfg.Symbols(),
		"duration": duration.String(),
		"interval": interval.String(),
	}).Info("simulation started")

	simulate(ctx, b, tickers, interval, crashAfter, crash, entry)
	b.Close()
	wg.Wait()

	// 4. 汇总
	// -------------------------------------------------------------------------
	report(context.Background(), svc, cfg, entry)
	return nil
}

// simulate 驱动所有 Ticker，到点施加一次价格冲击
func simulate(ctx context.Context, b *market.Broadcaster, tickers []*market.Ticker, interval, crashAfter time.Duration, crash float64, entry *logger.Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var shock <-chan time.Time
	if crashAfter > 0 {
		timer := time.NewTimer(crashAfter)
		defer timer.Stop()
		shock = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-shock:
			for _, t := range tickers {
				t.Shock(crash)
			}
			entry.WithField("factor", crash).Warn("price shock applied")
		case now := <-ticker.C:
			for _, t := range tickers {
				b.Broadcast(t.Next(now))
			}
		}
	}
}

// report 打印统计，并对强平区账户做一次强平预览
func report(ctx context.Context, svc *predictor.Predictor, cfg *config.Config, entry *logger.Entry) {
	stats := svc.Stats()
	entry.WithFields(logger.Fields{
		"ticks":   stats.Ticks,
		"watched": stats.Watched,
	}).Info("simulation finished")

	for _, symbol := range cfg.Symbols() {
		for _, r := range svc.Risks(symbol) {
			entry.WithFields(logger.Fields{
				"symbol":           symbol,
				"account":          r.AccountID,
				"level":            r.Level.String(),
				"riskRatio":        r.RiskRatio.StringFixed(4),
				"liquidationPrice": r.LiquidationPrice.StringFixed(2),
			}).Info("final risk")
		}
	}

	ts := time.Now().Unix()
	for _, r := range svc.Liquidatable() {
		keeper := perp.AccountStorage{CashBalance: r.Storage.EntryValue}
		res, err := svc.PreviewLiquidation(ctx, r.Symbol, r.Storage, keeper, r.Storage.PositionSize, ts)
		if err != nil {
			entry.WithError(err).WithField("account", r.Key()).Warn("liquidation preview failed")
			continue
		}
		entry.WithFields(logger.Fields{
			"account":         r.Key(),
			"amount":          res.Amount.String(),
			"price":           res.Price.StringFixed(2),
			"penaltyToKeeper": res.PenaltyToKeeper.StringFixed(4),
			"penaltyToFund":   res.PenaltyToFund.StringFixed(4),
			"insuranceFund":   res.InsuranceFundCovered.StringFixed(4),
			"socializedLoss":  res.SocializedLoss.StringFixed(4),
		}).Warn("liquidation preview")
	}
}
