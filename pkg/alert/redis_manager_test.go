package alert

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// setupRedis 连接本地 Redis (DB 2) 并清空测试数据
func setupRedis(t *testing.T) *RedisIndex {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 2})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skipping test; redis not available: %v", err)
	}
	client.FlushDB(context.Background())
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisIndex(client, time.Minute)
}

func TestRedisIndex_TrackUntrack(t *testing.T) {
	idx := setupRedis(t)
	ctx := context.Background()

	tr := trigger("alice", DirectionLow, "6500")
	require.NoError(t, idx.Track(ctx, tr))

	exists, err := idx.client.Exists(ctx, detailKey("BTCUSD", "alice")).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), exists)

	score, err := idx.client.ZScore(ctx, indexKey("BTCUSD", DirectionLow), "alice").Result()
	require.NoError(t, err)
	require.Equal(t, 6500.0, score)

	// 换方向后旧索引被清理
	require.NoError(t, idx.Track(ctx, trigger("alice", DirectionHigh, "7500")))
	count, err := idx.client.ZCard(ctx, indexKey("BTCUSD", DirectionLow)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), count)

	require.NoError(t, idx.Untrack(ctx, "BTCUSD", "alice"))
	exists, err = idx.client.Exists(ctx, detailKey("BTCUSD", "alice")).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), exists)
	count, err = idx.client.ZCard(ctx, indexKey("BTCUSD", DirectionHigh)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestRedisIndex_Triggered_Direction(t *testing.T) {
	idx := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, idx.Track(ctx, trigger("long1", DirectionLow, "6500")))
	require.NoError(t, idx.Track(ctx, trigger("short1", DirectionHigh, "7500")))

	got, err := idx.Triggered(ctx, "BTCUSD", d("7000"))
	require.NoError(t, err)
	require.Len(t, got, 0)

	got, err = idx.Triggered(ctx, "BTCUSD", d("7600"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "short1", got[0].AccountID)
	require.True(t, got[0].LiquidationPrice.Equal(d("7500")))

	got, err = idx.Triggered(ctx, "BTCUSD", d("6500"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "long1", got[0].AccountID)
}

func TestRedisIndex_Cooldown(t *testing.T) {
	idx := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, idx.Track(ctx, trigger("long1", DirectionLow, "6500")))

	got, err := idx.Triggered(ctx, "BTCUSD", d("6000"))
	require.NoError(t, err)
	require.Len(t, got, 1, "should trigger first time")

	got, err = idx.Triggered(ctx, "BTCUSD", d("6000"))
	require.NoError(t, err)
	require.Len(t, got, 0, "should be cooldown")

	// Untrack 同时清掉冷却
	require.NoError(t, idx.Untrack(ctx, "BTCUSD", "long1"))
	require.NoError(t, idx.Track(ctx, trigger("long1", DirectionLow, "6500")))
	got, err = idx.Triggered(ctx, "BTCUSD", d("6000"))
	require.NoError(t, err)
	require.Len(t, got, 1)
}
