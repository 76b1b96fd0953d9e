package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpcalc.com/pkg/config"
	"perpcalc.com/pkg/perp"
)

// =============================================================================
// 测试辅助
// =============================================================================

const (
	testDSN   = "root:123456@tcp(127.0.0.1:3306)/perpcalc_test?charset=utf8mb4&parseTime=True&loc=Local"
	testRedis = "localhost:6379"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testSnapshot(symbol string) *Snapshot {
	return &Snapshot{
		Symbol: symbol,
		Perpetual: perp.PerpetualStorage{
			LongSocialLossPerContract: d("0.5"),
			InsuranceFundBalance:      d("1000"),
			TotalLongSize:             d("100"),
			TotalShortSize:            d("90"),
			FundingParams: perp.FundingParams{
				AccumulatedFundingPerContract: d("9.9059375"),
				LastEMAPremium:                d("-35.10664385710338976"),
				LastPremium:                   d("70"),
				LastIndexPrice:                d("7000"),
				LastFundingTimestamp:          1086,
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

func history(symbol string, id, ts int64) *FundingHistory {
	return &FundingHistory{
		ID:                            id,
		Symbol:                        symbol,
		Timestamp:                     ts,
		IndexPrice:                    d("7000"),
		FairPrice:                     d("7070"),
		EMAPremium:                    d("-35.10664385710338976"),
		AccumulatedFundingPerContract: d("9.9059375"),
		MarkPrice:                     d("6965"),
		PremiumRate:                   d("-0.005"),
		FundingRate:                   d("-0.0045"),
	}
}

func assertSnapshotEqual(t *testing.T, want, got *Snapshot) {
	t.Helper()
	assert.Equal(t, want.Symbol, got.Symbol)
	wp, gp := want.Perpetual, got.Perpetual
	for name, pair := range map[string][2]decimal.Decimal{
		"LongSocialLoss":  {wp.LongSocialLossPerContract, gp.LongSocialLossPerContract},
		"ShortSocialLoss": {wp.ShortSocialLossPerContract, gp.ShortSocialLossPerContract},
		"InsuranceFund":   {wp.InsuranceFundBalance, gp.InsuranceFundBalance},
		"TotalLong":       {wp.TotalLongSize, gp.TotalLongSize},
		"TotalShort":      {wp.TotalShortSize, gp.TotalShortSize},
		"Accumulated":     {wp.AccumulatedFundingPerContract, gp.AccumulatedFundingPerContract},
		"EMAPremium":      {wp.LastEMAPremium, gp.LastEMAPremium},
		"Premium":         {wp.LastPremium, gp.LastPremium},
		"IndexPrice":      {wp.LastIndexPrice, gp.LastIndexPrice},
		"PoolCash":        {want.Pool.CashBalance, got.Pool.CashBalance},
		"PoolSize":        {want.Pool.PositionSize, got.Pool.PositionSize},
		"PoolEntryValue":  {want.Pool.EntryValue, got.Pool.EntryValue},
	} {
		assert.True(t, pair[0].Equal(pair[1]), "%s: want %s, got %s", name, pair[0], pair[1])
	}
	assert.Equal(t, wp.LastFundingTimestamp, gp.LastFundingTimestamp)
	assert.Equal(t, want.Pool.PositionSide, got.Pool.PositionSide)
}

// =============================================================================
// MemorySnapshotRepository
// =============================================================================

func TestMemoryRepository_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySnapshotRepository()

	_, err := repo.Get(ctx, "BTCUSD")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	s := testSnapshot("BTCUSD")
	require.NoError(t, repo.Save(ctx, s, history("BTCUSD", 1, 1086)))
	assert.Equal(t, int64(1), s.Version)

	got, err := repo.Get(ctx, "BTCUSD")
	require.NoError(t, err)
	assertSnapshotEqual(t, s, got)
	assert.Equal(t, int64(1), got.Version)

	// 返回的是副本
	got.Perpetual.InsuranceFundBalance = d("0")
	again, _ := repo.Get(ctx, "BTCUSD")
	assert.Equal(t, "1000", again.Perpetual.InsuranceFundBalance.String())
}

func TestMemoryRepository_VersionConflict(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySnapshotRepository()

	s := testSnapshot("BTCUSD")
	require.NoError(t, repo.Save(ctx, s, nil))

	stale := *s
	s.Perpetual.InsuranceFundBalance = d("2000")
	require.NoError(t, repo.Save(ctx, s, nil))
	assert.Equal(t, int64(2), s.Version)

	assert.ErrorIs(t, repo.Save(ctx, &stale, nil), ErrVersionConflict)

	// 从未落库却带着版本号
	ghost := testSnapshot("ETHUSD")
	ghost.Version = 3
	assert.ErrorIs(t, repo.Save(ctx, ghost, nil), ErrVersionConflict)
}

func TestMemoryRepository_ListHistory(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySnapshotRepository()

	s := testSnapshot("BTCUSD")
	for i, ts := range []int64{100, 200, 300, 400} {
		require.NoError(t, repo.Save(ctx, s, history("BTCUSD", int64(i+1), ts)))
	}

	rows, err := repo.ListHistory(ctx, "BTCUSD", 200, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(400), rows[0].Timestamp)
	assert.Equal(t, int64(300), rows[1].Timestamp)
	assert.NotZero(t, rows[0].CreatedAt)

	rows, err = repo.ListHistory(ctx, "BTCUSD", 0, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 4)

	rows, err = repo.ListHistory(ctx, "ETHUSD", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// =============================================================================
// MySQL / Redis 集成测试 (服务不可用时跳过)
// =============================================================================

func setupMySQL(t *testing.T) *MySQLSnapshotRepository {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = testDSN
	}
	db, err := OpenMySQL(config.MySQLConfig{DSN: dsn, MaxOpenConns: 4, MaxIdleConns: 2, AutoMigrate: true})
	if err != nil {
		t.Skipf("skipping test; mysql not available: %v", err)
	}
	db.Exec("DELETE FROM market_snapshots WHERE symbol LIKE 'TEST%'")
	db.Exec("DELETE FROM funding_history WHERE symbol LIKE 'TEST%'")
	return NewMySQLSnapshotRepository(db)
}

func setupRedis(t *testing.T) *redis.Client {
	rdb, err := NewRedisClient(context.Background(), testRedis, "", 1)
	if err != nil {
		t.Skipf("skipping test; redis not available: %v", err)
	}
	return rdb
}

func TestMySQLRepository_Roundtrip(t *testing.T) {
	repo := setupMySQL(t)
	ctx := context.Background()
	symbol := fmt.Sprintf("TEST%d", time.Now().UnixNano()%1_000_000)

	_, err := repo.Get(ctx, symbol)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	s := testSnapshot(symbol)
	require.NoError(t, repo.Save(ctx, s, history(symbol, time.Now().UnixNano(), 1086)))

	got, err := repo.Get(ctx, symbol)
	require.NoError(t, err)
	assertSnapshotEqual(t, s, got)
	assert.Equal(t, int64(1), got.Version)

	// 重复插入
	dup := testSnapshot(symbol)
	assert.ErrorIs(t, repo.Save(ctx, dup, nil), ErrVersionConflict)

	// 更新 + 过期版本
	stale := *got
	got.Perpetual.InsuranceFundBalance = d("1234.000000000000000001")
	require.NoError(t, repo.Save(ctx, got, nil))
	assert.ErrorIs(t, repo.Save(ctx, &stale, nil), ErrVersionConflict)

	again, err := repo.Get(ctx, symbol)
	require.NoError(t, err)
	assert.Equal(t, "1234.000000000000000001", again.Perpetual.InsuranceFundBalance.String())

	rows, err := repo.ListHistory(ctx, symbol, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, d("-0.0045").Equal(rows[0].FundingRate))
}

func TestCachedRepository(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	symbol := fmt.Sprintf("TEST%d", time.Now().UnixNano()%1_000_000)
	defer rdb.Del(ctx, fmt.Sprintf(cacheKeySnapshot, symbol))

	mem := NewMemorySnapshotRepository()
	repo := NewCachedSnapshotRepository(mem, rdb, time.Minute)

	s := testSnapshot(symbol)
	require.NoError(t, repo.Save(ctx, s, nil))

	// 第一次读回填缓存
	got, err := repo.Get(ctx, symbol)
	require.NoError(t, err)
	assertSnapshotEqual(t, s, got)

	exists, err := rdb.Exists(ctx, fmt.Sprintf(cacheKeySnapshot, symbol)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	// 缓存命中后 JSON 回来的值仍然精确
	cached, err := repo.Get(ctx, symbol)
	require.NoError(t, err)
	assertSnapshotEqual(t, s, cached)
	assert.Equal(t, perp.SideBuy, cached.Pool.PositionSide)

	// 写入删除缓存
	got.Perpetual.InsuranceFundBalance = d("5")
	require.NoError(t, repo.Save(ctx, got, nil))
	exists, _ = rdb.Exists(ctx, fmt.Sprintf(cacheKeySnapshot, symbol)).Result()
	assert.Equal(t, int64(0), exists)

	fresh, err := repo.Get(ctx, symbol)
	require.NoError(t, err)
	assert.Equal(t, "5", fresh.Perpetual.InsuranceFundBalance.String())

	_, err = repo.Get(ctx, "TESTMISSING")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}
