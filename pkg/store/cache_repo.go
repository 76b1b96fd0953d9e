// 文件: pkg/store/cache_repo.go
// 快照 Redis 缓存层
//
// 【缓存策略】Cache Aside
// - 读: 先查 Redis，miss 则查底层并回填
// - 写: 先写底层，成功后删除缓存
//
// 资金费历史不缓存，直接透传。

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ SnapshotRepository = (*CachedSnapshotRepository)(nil)

const (
	// 单个快照: perp:snapshot:{symbol}
	cacheKeySnapshot = "perp:snapshot:%s"

	defaultCacheTTL = 10 * time.Minute
)

// CachedSnapshotRepository Redis 缓存装饰器
type CachedSnapshotRepository struct {
	repo  SnapshotRepository
	redis *redis.Client
	ttl   time.Duration
}

// NewCachedSnapshotRepository 包装底层存储
func NewCachedSnapshotRepository(repo SnapshotRepository, rds *redis.Client, ttl time.Duration) *CachedSnapshotRepository {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedSnapshotRepository{repo: repo, redis: rds, ttl: ttl}
}

// NewRedisClient 按地址创建客户端并 Ping
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// Get 带缓存查询
func (r *CachedSnapshotRepository) Get(ctx context.Context, symbol string) (*Snapshot, error) {
	key := fmt.Sprintf(cacheKeySnapshot, symbol)

	// 1. 查缓存
	data, err := r.redis.Get(ctx, key).Bytes()
	if err == nil {
		var s Snapshot
		if json.Unmarshal(data, &s) == nil {
			return &s, nil
		}
	}

	// 2. miss，查底层
	s, err := r.repo.Get(ctx, symbol)
	if err != nil {
		return nil, err
	}

	// 3. 回填，失败不影响读
	r.setCache(ctx, key, s)
	return s, nil
}

// Save 写底层后删缓存
func (r *CachedSnapshotRepository) Save(ctx context.Context, s *Snapshot, history *FundingHistory) error {
	if err := r.repo.Save(ctx, s, history); err != nil {
		return err
	}
	r.invalidate(ctx, s.Symbol)
	return nil
}

func (r *CachedSnapshotRepository) ListHistory(ctx context.Context, symbol string, since int64, limit int) ([]FundingHistory, error) {
	return r.repo.ListHistory(ctx, symbol, since, limit)
}

func (r *CachedSnapshotRepository) setCache(ctx context.Context, key string, s *Snapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	r.redis.Set(ctx, key, data, r.ttl)
}

func (r *CachedSnapshotRepository) invalidate(ctx context.Context, symbol string) {
	r.redis.Del(ctx, fmt.Sprintf(cacheKeySnapshot, symbol))
}
