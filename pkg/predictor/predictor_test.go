package predictor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpcalc.com/pkg/alert"
	"perpcalc.com/pkg/amm"
	"perpcalc.com/pkg/config"
	"perpcalc.com/pkg/event"
	"perpcalc.com/pkg/fixed"
	"perpcalc.com/pkg/funding"
	"perpcalc.com/pkg/idgen"
	"perpcalc.com/pkg/liquidation"
	"perpcalc.com/pkg/logger"
	"perpcalc.com/pkg/perp"
	"perpcalc.com/pkg/store"
)

// =============================================================================
// 测试辅助
// =============================================================================

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testGov() perp.GovParams {
	return perp.GovParams{
		EmaAlpha:               fixed.Div(d("2"), d("601")),
		MarkPremiumLimit:       d("0.005"),
		FundingDampener:        d("0.0005"),
		InitialMarginRate:      d("0.1"),
		MaintenanceMarginRate:  d("0.05"),
		LiquidationPenaltyRate: d("0.005"),
		PenaltyFundRate:        d("0.005"),
		PoolFeeRate:            d("0.0007"),
		PoolDevFeeRate:         d("0.0003"),
		FairPriceAmount:        d("1"),
		FairPriceMaxGap:        d("0.1"),
		LotSize:                d("1"),
		TradingLotSize:         d("1"),
	}
}

func testConfig(symbols ...string) *config.Config {
	cfg := &config.Config{Predictor: config.PredictorConfig{Interval: 10 * time.Millisecond}}
	for _, s := range symbols {
		cfg.Markets = append(cfg.Markets, config.Market{Symbol: s, Gov: testGov()})
	}
	return cfg
}

// btcSnapshot EMA 从 -70 向 70 回归，池子 x = 700000, y = 100
func btcSnapshot() *store.Snapshot {
	return &store.Snapshot{
		Symbol: "BTCUSD",
		Perpetual: perp.PerpetualStorage{
			InsuranceFundBalance: d("1000"),
			TotalLongSize:        d("100"),
			TotalShortSize:       d("100"),
			FundingParams: perp.FundingParams{
				AccumulatedFundingPerContract: d("10"),
				LastEMAPremium:                d("-70"),
				LastPremium:                   d("70"),
				LastIndexPrice:                d("7000"),
				LastFundingTimestamp:          1000,
			},
		},
		Pool: perp.AccountStorage{
			CashBalance:  d("1400000"),
			PositionSide: perp.SideBuy,
			PositionSize: d("100"),
			EntryValue:   d("700000"),
		},
	}
}

// flatSnapshot 标记价格恒等于指数价
func flatSnapshot(symbol, index string, ts int64) *store.Snapshot {
	return &store.Snapshot{
		Symbol: symbol,
		Perpetual: perp.PerpetualStorage{
			TotalLongSize:  d("10"),
			TotalShortSize: d("10"),
			FundingParams: perp.FundingParams{
				LastIndexPrice:       d(index),
				LastFundingTimestamp: ts,
			},
		},
	}
}

func long(cash string) perp.AccountStorage {
	return perp.AccountStorage{
		CashBalance:  d(cash),
		PositionSide: perp.SideBuy,
		PositionSize: d("10"),
		EntryValue:   d("70000"),
	}
}

type fakePublisher struct {
	mu      sync.Mutex
	funding []event.FundingEvent
	alerts  []event.RiskAlert
	err     error
}

func (f *fakePublisher) PublishFunding(_ context.Context, e event.FundingEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funding = append(f.funding, e)
	return f.err
}

func (f *fakePublisher) PublishAlert(_ context.Context, a event.RiskAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return f.err
}

func (f *fakePublisher) fundingEvents() []event.FundingEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.FundingEvent(nil), f.funding...)
}

func (f *fakePublisher) riskAlerts() []event.RiskAlert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.RiskAlert(nil), f.alerts...)
}

// conflictRepo 前 failures 次 Save 返回版本冲突
type conflictRepo struct {
	*store.MemorySnapshotRepository
	failures int
	saves    int
}

func (r *conflictRepo) Save(ctx context.Context, s *store.Snapshot, h *store.FundingHistory) error {
	r.saves++
	if r.saves <= r.failures {
		return store.ErrVersionConflict
	}
	return r.MemorySnapshotRepository.Save(ctx, s, h)
}

func setup(t *testing.T, repo store.SnapshotRepository, symbols ...string) (*Predictor, *fakePublisher) {
	t.Helper()
	ids, err := idgen.New(1)
	require.NoError(t, err)
	pub := &fakePublisher{}
	return New(testConfig(symbols...), repo, ids, logger.Nop(), pub), pub
}

func seeded(t *testing.T, snaps ...*store.Snapshot) *store.MemorySnapshotRepository {
	t.Helper()
	repo := store.NewMemorySnapshotRepository()
	for _, s := range snaps {
		require.NoError(t, repo.Save(context.Background(), s, nil))
	}
	return repo
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, d(want).Equal(got), append([]interface{}{"want %s, got %s", want, got}, msgAndArgs...)...)
}

// =============================================================================
// 资金费
// =============================================================================

func TestPredictFunding(t *testing.T) {
	s, _ := setup(t, seeded(t, btcSnapshot()), "BTCUSD")
	ctx := context.Background()

	f, err := s.PredictFunding(ctx, "BTCUSD", 1086)
	require.NoError(t, err)
	assertDec(t, "9.9059375", f.AccumulatedFundingPerContract)
	assertDec(t, "-35.10664385710338976", f.EMAPremium)
	assertDec(t, "-0.0045", f.FundingRate)

	_, err = s.PredictFunding(ctx, "BTCUSD", 999)
	assert.ErrorIs(t, err, funding.ErrTimeTravel)

	_, err = s.PredictFunding(ctx, "DOGEUSD", 1086)
	assert.ErrorIs(t, err, config.ErrUnknownMarket)
}

func TestHandleObservation(t *testing.T) {
	repo := seeded(t, btcSnapshot())
	s, pub := setup(t, repo, "BTCUSD")
	ctx := context.Background()

	err := s.HandleObservation(ctx, event.Observation{
		Symbol:     "BTCUSD",
		Timestamp:  1086,
		IndexPrice: d("7000"),
		FairPrice:  d("7070"),
	})
	require.NoError(t, err)

	snap, err := repo.Get(ctx, "BTCUSD")
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version)
	fp := snap.Perpetual.FundingParams
	assertDec(t, "9.9059375", fp.AccumulatedFundingPerContract)
	assertDec(t, "-35.10664385710338976", fp.LastEMAPremium)
	assertDec(t, "70", fp.LastPremium)
	assert.Equal(t, int64(1086), fp.LastFundingTimestamp)

	rows, err := repo.ListHistory(ctx, "BTCUSD", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotZero(t, rows[0].ID)
	assertDec(t, "7070", rows[0].FairPrice)
	assertDec(t, "-0.0045", rows[0].FundingRate)

	events := pub.fundingEvents()
	require.Len(t, events, 1)
	assert.Equal(t, event.FundingUpdated, events[0].Kind)
	assertDec(t, "9.9059375", events[0].AccumulatedFundingPerContract)
	assertDec(t, "1000", events[0].InsuranceFundBalance)
	assert.True(t, events[0].AMMFairPrice.IsPositive())

	// 同一时刻再次观测，累计资金费不变
	require.NoError(t, s.HandleObservation(ctx, event.Observation{
		Symbol: "BTCUSD", Timestamp: 1086, IndexPrice: d("7000"), FairPrice: d("7000"),
	}))
	snap, _ = repo.Get(ctx, "BTCUSD")
	assertDec(t, "9.9059375", snap.Perpetual.AccumulatedFundingPerContract)
	assertDec(t, "0", snap.Perpetual.LastPremium)
}

func TestHandleObservation_Errors(t *testing.T) {
	repo := seeded(t, btcSnapshot())
	s, pub := setup(t, repo, "BTCUSD")
	ctx := context.Background()

	tests := []struct {
		name string
		obs  event.Observation
		want error
	}{
		{"time travel", event.Observation{Symbol: "BTCUSD", Timestamp: 999, IndexPrice: d("7000"), FairPrice: d("7000")}, funding.ErrTimeTravel},
		{"zero index", event.Observation{Symbol: "BTCUSD", Timestamp: 1086, IndexPrice: d("0"), FairPrice: d("7000")}, perp.ErrInvalidPrice},
		{"unknown market", event.Observation{Symbol: "DOGEUSD", Timestamp: 1086, IndexPrice: d("1"), FairPrice: d("1")}, config.ErrUnknownMarket},
		{"empty symbol", event.Observation{Timestamp: 1086}, event.ErrInvalidObservation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, s.HandleObservation(ctx, tt.obs), tt.want)
		})
	}

	snap, _ := repo.Get(ctx, "BTCUSD")
	assert.Equal(t, int64(1), snap.Version, "failed observations must not persist")
	assert.Empty(t, pub.fundingEvents())
}

func TestHandleObservation_PoolFairPrice(t *testing.T) {
	repo := seeded(t, btcSnapshot())
	s, _ := setup(t, repo, "BTCUSD")
	ctx := context.Background()

	c, err := s.PredictAMM(ctx, "BTCUSD", 1086)
	require.NoError(t, err)
	require.False(t, c.IsEmpty())

	require.NoError(t, s.HandleObservation(ctx, event.Observation{
		Symbol: "BTCUSD", Timestamp: 1086, IndexPrice: d("7000"),
	}))

	snap, _ := repo.Get(ctx, "BTCUSD")
	assertDec(t, c.FairPrice.Sub(d("7000")).String(), snap.Perpetual.LastPremium)

	rows, _ := repo.ListHistory(ctx, "BTCUSD", 0, 1)
	require.Len(t, rows, 1)
	assert.True(t, c.FairPrice.Equal(rows[0].FairPrice))
}

func TestHandleObservation_Genesis(t *testing.T) {
	repo := store.NewMemorySnapshotRepository()
	s, _ := setup(t, repo, "ETHUSD")
	ctx := context.Background()

	// 空池子没有公允价
	err := s.HandleObservation(ctx, event.Observation{Symbol: "ETHUSD", Timestamp: 5000, IndexPrice: d("300")})
	assert.ErrorIs(t, err, amm.ErrPoolEmpty)

	require.NoError(t, s.HandleObservation(ctx, event.Observation{
		Symbol: "ETHUSD", Timestamp: 5000, IndexPrice: d("300"), FairPrice: d("303"),
	}))

	snap, err := repo.Get(ctx, "ETHUSD")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, int64(5000), snap.Perpetual.LastFundingTimestamp)
	assertDec(t, "0", snap.Perpetual.AccumulatedFundingPerContract)
	assertDec(t, "3", snap.Perpetual.LastPremium)
	assertDec(t, "300", snap.Perpetual.LastIndexPrice)
}

func TestHandleObservation_VersionConflictRetry(t *testing.T) {
	obs := event.Observation{Symbol: "BTCUSD", Timestamp: 1086, IndexPrice: d("7000"), FairPrice: d("7070")}

	repo := &conflictRepo{MemorySnapshotRepository: seeded(t, btcSnapshot()), failures: saveRetries - 1}
	s, _ := setup(t, repo, "BTCUSD")
	require.NoError(t, s.HandleObservation(context.Background(), obs))
	assert.Equal(t, saveRetries, repo.saves)

	repo = &conflictRepo{MemorySnapshotRepository: seeded(t, btcSnapshot()), failures: saveRetries}
	s, _ = setup(t, repo, "BTCUSD")
	assert.ErrorIs(t, s.HandleObservation(context.Background(), obs), store.ErrVersionConflict)
}

func TestHandleObservation_PublishErrorIgnored(t *testing.T) {
	repo := seeded(t, btcSnapshot())
	s, pub := setup(t, repo, "BTCUSD")
	pub.err = errors.New("broker down")

	require.NoError(t, s.HandleObservation(context.Background(), event.Observation{
		Symbol: "BTCUSD", Timestamp: 1086, IndexPrice: d("7000"), FairPrice: d("7070"),
	}))
	snap, _ := repo.Get(context.Background(), "BTCUSD")
	assert.Equal(t, int64(2), snap.Version)
}

// =============================================================================
// 只读查询
// =============================================================================

func TestQueries_DoNotMutate(t *testing.T) {
	repo := seeded(t, btcSnapshot())
	s, pub := setup(t, repo, "BTCUSD")
	ctx := context.Background()
	g := testGov()

	f, err := s.PredictFunding(ctx, "BTCUSD", 1086)
	require.NoError(t, err)
	seed := btcSnapshot()

	// 账户
	user := long("10000")
	details, err := s.PredictAccount(ctx, "BTCUSD", user, 1086)
	require.NoError(t, err)
	assert.Equal(t, perp.ComputeAccountDetails(user, g, seed.Perpetual, f), details)

	_, err = s.PredictAccount(ctx, "BTCUSD", perp.AccountStorage{PositionSide: perp.SideBuy}, 1086)
	assert.ErrorIs(t, err, perp.ErrInvalidAccount)

	// 交易报价
	trader := perp.AccountStorage{CashBalance: d("100000")}
	cost, err := s.QuoteTrade(ctx, "BTCUSD", trader, perp.SideBuy, d("10"), 1086)
	require.NoError(t, err)
	want, err := amm.ComputeAMMTrade(g, seed.Perpetual, f, seed.Pool, trader, perp.SideBuy, d("10"))
	require.NoError(t, err)
	assert.Equal(t, want, cost)

	_, err = s.QuoteTrade(ctx, "BTCUSD", trader, perp.SideBuy, d("100"), 1086)
	assert.ErrorIs(t, err, amm.ErrInsufficientLiquidity)

	// 限价数量
	c := amm.ComputeAMM(seed.Pool, g, seed.Perpetual, f)
	amount, err := s.QuoteLimit(ctx, "BTCUSD", perp.SideBuy, d("7800"), 1086)
	require.NoError(t, err)
	wantAmount, err := amm.ComputeAMMAmount(c, g, perp.SideBuy, d("7800"))
	require.NoError(t, err)
	assert.True(t, wantAmount.Equal(amount))

	// 强平预览
	victim, keeper := long("3000"), perp.AccountStorage{CashBalance: d("10000")}
	res, err := s.PreviewLiquidation(ctx, "BTCUSD", victim, keeper, d("10"), 1086)
	require.NoError(t, err)
	wantRes, err := liquidation.ComputeLiquidate(liquidation.State{
		Perpetual: seed.Perpetual, Liquidated: victim, Keeper: keeper,
	}, g, f, d("10"))
	require.NoError(t, err)
	assert.Equal(t, wantRes, res)

	_, err = s.PreviewLiquidation(ctx, "BTCUSD", long("60000"), keeper, d("10"), 1086)
	assert.ErrorIs(t, err, liquidation.ErrNothingToLiquidate)

	// 查询不落库也不推送
	snap, _ := repo.Get(ctx, "BTCUSD")
	assert.Equal(t, int64(1), snap.Version)
	assert.Empty(t, pub.fundingEvents())
	assert.Empty(t, pub.riskAlerts())
}

// =============================================================================
// 观察名单
// =============================================================================

func TestWatch_AlertsOnLevelChange(t *testing.T) {
	repo := seeded(t, flatSnapshot("BTCUSD", "6700", 2000))
	s, pub := setup(t, repo, "BTCUSD")
	s.now = func() time.Time { return time.Unix(2000, 0) }
	ctx := context.Background()

	// mark 6700: MM 3350, MB 4700 → 预警
	r, err := s.Watch(ctx, "BTCUSD", "alice", long("7700"))
	require.NoError(t, err)
	assert.Equal(t, liquidation.RiskLevelWarning, r.Level)

	// 安全账户不告警
	_, err = s.Watch(ctx, "BTCUSD", "bob", long("60000"))
	require.NoError(t, err)

	alerts := pub.riskAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "alice", alerts[0].AccountID)
	assert.Equal(t, liquidation.RiskLevelSafe, alerts[0].PrevLevel)
	assert.Len(t, s.Risks("BTCUSD"), 2)

	// 指数价跌到 6300，alice 进入强平区
	require.NoError(t, s.HandleObservation(ctx, event.Observation{
		Symbol: "BTCUSD", Timestamp: 2001, IndexPrice: d("6300"), FairPrice: d("6300"),
	}))

	alerts = pub.riskAlerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, liquidation.RiskLevelLiquidate, alerts[1].Level)
	assert.Equal(t, liquidation.RiskLevelWarning, alerts[1].PrevLevel)
	assertDec(t, "6300", alerts[1].MarkPrice)

	liq := s.Liquidatable()
	require.Len(t, liq, 1)
	assert.Equal(t, "alice", liq[0].AccountID)

	got, ok := s.Risk("BTCUSD", "bob")
	require.True(t, ok)
	assert.Equal(t, liquidation.RiskLevelSafe, got.Level)

	s.Unwatch(ctx, "BTCUSD", "alice")
	_, ok = s.Risk("BTCUSD", "alice")
	assert.False(t, ok)

	_, err = s.Watch(ctx, "BTCUSD", "carol", perp.AccountStorage{PositionSize: d("1")})
	assert.ErrorIs(t, err, perp.ErrInvalidAccount)
}

// recordingIndex 记录触发索引的调用
type recordingIndex struct {
	mu      sync.Mutex
	tracked map[string]alert.Trigger
	queried []decimal.Decimal
}

func newRecordingIndex() *recordingIndex {
	return &recordingIndex{tracked: make(map[string]alert.Trigger)}
}

func (r *recordingIndex) Track(_ context.Context, t alert.Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked[t.Symbol+"/"+t.AccountID] = t
	return nil
}

func (r *recordingIndex) Untrack(_ context.Context, symbol, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracked, symbol+"/"+accountID)
	return nil
}

func (r *recordingIndex) Triggered(_ context.Context, symbol string, price decimal.Decimal) ([]alert.Trigger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queried = append(r.queried, price)
	var out []alert.Trigger
	for _, t := range r.tracked {
		if t.Symbol == symbol && t.Crossed(price) {
			out = append(out, t)
		}
	}
	return out, nil
}

func TestWatch_SyncsTriggerIndex(t *testing.T) {
	repo := seeded(t, flatSnapshot("BTCUSD", "6700", 2000))
	s, _ := setup(t, repo, "BTCUSD")
	idx := newRecordingIndex()
	s.UseTriggerIndex(idx)
	s.now = func() time.Time { return time.Unix(2000, 0) }
	ctx := context.Background()

	// 强平价 = (70000 - 7700) / (10 * 0.95)
	_, err := s.Watch(ctx, "BTCUSD", "alice", long("7700"))
	require.NoError(t, err)
	tr, ok := idx.tracked["BTCUSD/alice"]
	require.True(t, ok)
	assert.Equal(t, alert.DirectionLow, tr.Direction)
	assert.True(t, tr.LiquidationPrice.GreaterThan(d("6557")))
	assert.True(t, tr.LiquidationPrice.LessThan(d("6558")))

	// 空仓账户不登记
	_, err = s.Watch(ctx, "BTCUSD", "flat", perp.AccountStorage{CashBalance: d("100")})
	require.NoError(t, err)
	_, ok = idx.tracked["BTCUSD/flat"]
	assert.False(t, ok)

	// Tick 用标记价格查询
	s.Tick(ctx)
	require.Len(t, idx.queried, 1)
	assertDec(t, "6700", idx.queried[0])

	s.Unwatch(ctx, "BTCUSD", "alice")
	assert.Empty(t, idx.tracked)
}

// Tick 重新评估时不能覆盖更新的 Watch，也不能把已移出的账户加回来
func TestWatch_ConcurrentWithTick(t *testing.T) {
	repo := seeded(t, flatSnapshot("BTCUSD", "6700", 2000))
	s, _ := setup(t, repo, "BTCUSD")
	idx := alert.NewMemoryIndex(time.Minute)
	s.UseTriggerIndex(idx)
	s.now = func() time.Time { return time.Unix(2000, 0) }
	ctx := context.Background()

	_, err := s.Watch(ctx, "BTCUSD", "bob", long("7700"))
	require.NoError(t, err)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					s.Tick(ctx)
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		cash := decimal.NewFromInt(int64(7000 + i))
		_, err := s.Watch(ctx, "BTCUSD", "alice", long(cash.String()))
		assert.NoError(t, err)
		r, ok := s.Risk("BTCUSD", "alice")
		if assert.True(t, ok) {
			assert.True(t, cash.Equal(r.Storage.CashBalance), "round %d: got cash %s", i, r.Storage.CashBalance)
		}

		s.Unwatch(ctx, "BTCUSD", "alice")
		_, ok = s.Risk("BTCUSD", "alice")
		assert.False(t, ok, "round %d: unwatched account came back", i)
	}
	close(done)
	wg.Wait()

	_, ok := s.Risk("BTCUSD", "alice")
	assert.False(t, ok)
	assert.Len(t, s.Risks("BTCUSD"), 1)
	assert.Equal(t, 1, idx.Len())
}

// =============================================================================
// 定时推送
// =============================================================================

func TestTick(t *testing.T) {
	repo := seeded(t, btcSnapshot())
	s, pub := setup(t, repo, "BTCUSD", "ETHUSD")
	s.now = func() time.Time { return time.Unix(1086, 0) }

	s.Tick(context.Background())

	events := pub.fundingEvents()
	require.Len(t, events, 2)
	assert.Equal(t, event.FundingPredicted, events[0].Kind)
	assert.Equal(t, "BTCUSD", events[0].Symbol)
	assertDec(t, "9.9059375", events[0].AccumulatedFundingPerContract)
	assert.Equal(t, "ETHUSD", events[1].Symbol)
	assert.NotEqual(t, events[0].ID, events[1].ID)

	st := s.Stats()
	assert.Equal(t, int64(1), st.Ticks)
	assert.Equal(t, int64(1086), st.LastTick)

	// 预测不落库
	snap, _ := repo.Get(context.Background(), "BTCUSD")
	assert.Equal(t, int64(1), snap.Version)
}

func TestStartStop(t *testing.T) {
	s, pub := setup(t, seeded(t, btcSnapshot()), "BTCUSD")
	s.now = func() time.Time { return time.Unix(1086, 0) }

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, s.Stats().Running)

	assert.Eventually(t, func() bool { return len(pub.fundingEvents()) >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), ErrNotRunning)
	assert.False(t, s.Stats().Running)
}
