// 文件: pkg/predictor/predictor.go
// 资金费预测服务
//
// 【职责】
// 1. 接收价格观测 (指数价 + 公允价)，推进资金费状态并落库
// 2. 定时推算每个交易对的实时资金费，推送预测事件
// 3. 对观察名单里的账户重新评估风险，等级变化时推送告警
// 4. 只读查询: 账户、AMM、交易报价、强平预览
//
// 所有计算都委托给 funding / perp / amm / liquidation，这里只负责
// 读写快照、加锁和推送。

package predictor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"perpcalc.com/pkg/alert"
	"perpcalc.com/pkg/amm"
	"perpcalc.com/pkg/config"
	"perpcalc.com/pkg/event"
	"perpcalc.com/pkg/funding"
	"perpcalc.com/pkg/idgen"
	"perpcalc.com/pkg/liquidation"
	"perpcalc.com/pkg/logger"
	"perpcalc.com/pkg/perp"
	"perpcalc.com/pkg/store"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrAlreadyRunning = errors.New("predictor: already running")
	ErrNotRunning     = errors.New("predictor: not running")
)

// saveRetries 乐观锁冲突时的重试次数
const saveRetries = 3

// Publisher 事件出口，Kafka 和 NATS 各有一个实现
type Publisher interface {
	PublishFunding(ctx context.Context, e event.FundingEvent) error
	PublishAlert(ctx context.Context, a event.RiskAlert) error
}

// =============================================================================
// Predictor
// =============================================================================

type Predictor struct {
	markets    map[string]config.Market
	symbols    []string
	repo       store.SnapshotRepository
	ids        *idgen.Generator
	publishers []Publisher
	watchlist  *liquidation.Watchlist
	triggers   alert.Index
	log        *logger.Entry

	interval time.Duration
	now      func() time.Time

	// symbol -> *sync.Mutex，同一交易对的观测串行处理
	locks sync.Map

	// 控制
	running  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	ticks    atomic.Int64
	lastTick atomic.Int64
}

// New 创建预测服务
func New(
	cfg *config.Config,
	repo store.SnapshotRepository,
	ids *idgen.Generator,
	log *logger.Log,
	publishers ...Publisher,
) *Predictor {
	markets := make(map[string]config.Market, len(cfg.Markets))
	for _, m := range cfg.Markets {
		markets[m.Symbol] = m
	}
	return &Predictor{
		markets:    markets,
		symbols:    cfg.Symbols(),
		repo:       repo,
		ids:        ids,
		publishers: publishers,
		watchlist:  liquidation.NewWatchlist(),
		triggers:   alert.NewMemoryIndex(cfg.Predictor.AlertCooldown),
		log:        log.WithComponent("predictor"),
		interval:   cfg.Predictor.Interval,
		now:        time.Now,
	}
}

// UseTriggerIndex 替换强平价触发索引 (默认内存版)，需在 Start 之前调用
func (s *Predictor) UseTriggerIndex(idx alert.Index) {
	s.triggers = idx
}

// =============================================================================
// 生命周期
// =============================================================================

// Start 启动定时预测循环
func (s *Predictor) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.predictionLoop(ctx)

	s.log.WithFields(logger.Fields{
		"markets":  s.symbols,
		"interval": s.interval.String(),
	}).Info("service started")
	return nil
}

// Stop 停止服务，等待当前一轮推送完成
func (s *Predictor) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}
	s.cancel()
	s.wg.Wait()
	s.log.Info("service stopped")
	return nil
}

func (s *Predictor) predictionLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick 对每个交易对推送一次预测，并重新评估观察名单
func (s *Predictor) Tick(ctx context.Context) {
	ts := s.now().Unix()
	for _, symbol := range s.symbols {
		s.tickSymbol(ctx, symbol, ts)
	}
	s.ticks.Add(1)
	s.lastTick.Store(ts)
}

// tickSymbol 持有交易对锁，和观测处理、Watch / Unwatch 串行
func (s *Predictor) tickSymbol(ctx context.Context, symbol string, ts int64) {
	mu := s.lock(symbol)
	mu.Lock()
	defer mu.Unlock()

	snap, m, err := s.load(ctx, symbol)
	if err != nil {
		s.log.WithError(err).WithField("symbol", symbol).Error("load snapshot failed")
		return
	}
	f, err := funding.ComputeFunding(snap.Perpetual.FundingParams, m.Gov, ts)
	if err != nil {
		s.log.WithError(err).WithField("symbol", symbol).Warn("predict funding failed")
		return
	}
	s.publishFunding(ctx, s.fundingEvent(event.FundingPredicted, snap, m, f))
	s.reassess(ctx, symbol, m, snap.Perpetual, f)
	s.checkTriggers(ctx, symbol, f.MarkPrice)
}

// =============================================================================
// 价格观测
// =============================================================================

// HandleObservation 用新的指数价和公允价推进资金费状态
//
// FairPrice 为 0 时改用 AMM 池子的公允价。
// 成功后落库 (快照 + 资金费历史)，推送 FundingUpdated 事件。
func (s *Predictor) HandleObservation(ctx context.Context, o event.Observation) error {
	if err := o.Validate(); err != nil {
		return err
	}
	mu := s.lock(o.Symbol)
	mu.Lock()
	defer mu.Unlock()

	var (
		snap *store.Snapshot
		m    config.Market
		f    perp.FundingResult
		err  error
	)
	for attempt := 0; attempt < saveRetries; attempt++ {
		snap, m, f, err = s.applyObservation(ctx, o)
		if !errors.Is(err, store.ErrVersionConflict) {
			break
		}
		s.log.WithField("symbol", o.Symbol).WithField("attempt", attempt+1).Warn("snapshot version conflict, retrying")
	}
	if err != nil {
		return err
	}

	s.log.WithFields(logger.Fields{
		"symbol":      o.Symbol,
		"timestamp":   o.Timestamp,
		"emaPremium":  f.EMAPremium.String(),
		"accumulated": f.AccumulatedFundingPerContract.String(),
		"fundingRate": f.FundingRate.String(),
	}).Debug("funding updated")

	s.publishFunding(ctx, s.fundingEvent(event.FundingUpdated, snap, m, f))
	s.reassess(ctx, o.Symbol, m, snap.Perpetual, f)
	return nil
}

func (s *Predictor) applyObservation(ctx context.Context, o event.Observation) (*store.Snapshot, config.Market, perp.FundingResult, error) {
	snap, m, err := s.load(ctx, o.Symbol)
	if err != nil {
		return nil, m, perp.FundingResult{}, err
	}
	p := snap.Perpetual
	if snap.Version == 0 && p.LastFundingTimestamp == 0 {
		// 第一次观测作为曲线起点
		p.LastFundingTimestamp = o.Timestamp
	}

	fair := o.FairPrice
	if !fair.IsPositive() {
		fair, err = s.poolFairPrice(snap, m, p, o.Timestamp)
		if err != nil {
			return nil, m, perp.FundingResult{}, err
		}
	}

	p, err = funding.ApplyFunding(p, m.Gov, o.Timestamp, o.IndexPrice, fair)
	if err != nil {
		return nil, m, perp.FundingResult{}, fmt.Errorf("%s: %w", o.Symbol, err)
	}
	f, err := funding.ComputeFunding(p.FundingParams, m.Gov, o.Timestamp)
	if err != nil {
		return nil, m, perp.FundingResult{}, err
	}

	snap.Perpetual = p
	history := &store.FundingHistory{
		ID:                            s.ids.Next(),
		Symbol:                        o.Symbol,
		Timestamp:                     o.Timestamp,
		IndexPrice:                    o.IndexPrice,
		FairPrice:                     fair,
		EMAPremium:                    f.EMAPremium,
		AccumulatedFundingPerContract: f.AccumulatedFundingPerContract,
		MarkPrice:                     f.MarkPrice,
		PremiumRate:                   f.PremiumRate,
		FundingRate:                   f.FundingRate,
	}
	if err := s.repo.Save(ctx, snap, history); err != nil {
		return nil, m, perp.FundingResult{}, err
	}
	return snap, m, f, nil
}

func (s *Predictor) poolFairPrice(snap *store.Snapshot, m config.Market, p perp.PerpetualStorage, ts int64) (decimal.Decimal, error) {
	f, err := funding.ComputeFunding(p.FundingParams, m.Gov, ts)
	if err != nil {
		return decimal.Zero, err
	}
	c := amm.ComputeAMM(snap.Pool, m.Gov, p, f)
	if c.IsEmpty() {
		return decimal.Zero, fmt.Errorf("%s: no fair price: %w", snap.Symbol, amm.ErrPoolEmpty)
	}
	return c.FairPrice, nil
}

// =============================================================================
// 内部工具
// =============================================================================

func (s *Predictor) lock(symbol string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(symbol, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// load 读取快照，库里没有时返回初始状态 (Version 0)
func (s *Predictor) load(ctx context.Context, symbol string) (*store.Snapshot, config.Market, error) {
	m, ok := s.markets[symbol]
	if !ok {
		return nil, m, fmt.Errorf("%w: %s", config.ErrUnknownMarket, symbol)
	}
	snap, err := s.repo.Get(ctx, symbol)
	if errors.Is(err, store.ErrSnapshotNotFound) {
		return &store.Snapshot{
			Symbol:    symbol,
			Perpetual: m.GenesisStorage(),
			Pool:      m.GenesisPool(),
		}, m, nil
	}
	if err != nil {
		return nil, m, fmt.Errorf("load %s: %w", symbol, err)
	}
	return snap, m, nil
}

func (s *Predictor) fundingEvent(kind event.FundingKind, snap *store.Snapshot, m config.Market, f perp.FundingResult) event.FundingEvent {
	e := event.FundingEvent{
		ID:                   s.ids.Next(),
		Kind:                 kind,
		Symbol:               snap.Symbol,
		FundingResult:        f,
		IndexPrice:           snap.Perpetual.LastIndexPrice,
		InsuranceFundBalance: snap.Perpetual.InsuranceFundBalance,
	}
	if c := amm.ComputeAMM(snap.Pool, m.Gov, snap.Perpetual, f); !c.IsEmpty() {
		e.AMMFairPrice = c.FairPrice
	}
	return e
}

func (s *Predictor) publishFunding(ctx context.Context, e event.FundingEvent) {
	for _, pub := range s.publishers {
		if err := pub.PublishFunding(ctx, e); err != nil {
			s.log.WithError(err).WithField("symbol", e.Symbol).Error("publish funding failed")
		}
	}
}

func (s *Predictor) publishAlert(ctx context.Context, a event.RiskAlert) {
	for _, pub := range s.publishers {
		if err := pub.PublishAlert(ctx, a); err != nil {
			s.log.WithError(err).WithField("account", a.Key()).Error("publish alert failed")
		}
	}
}

// Stats 运行统计
type Stats struct {
	Running  bool  `json:"running"`
	Ticks    int64 `json:"ticks"`
	LastTick int64 `json:"lastTick"`
	Watched  int   `json:"watched"`
}

func (s *Predictor) Stats() Stats {
	return Stats{
		Running:  s.running.Load(),
		Ticks:    s.ticks.Load(),
		LastTick: s.lastTick.Load(),
		Watched:  s.watchlist.TotalCount(),
	}
}
