// 文件: pkg/alert/redis_manager.go
// Redis 版触发索引
//
// 【数据结构】
// - perp:liq:detail:{symbol}:{account}   String  触发规则 JSON
// - perp:liq:{symbol}:{direction}         ZSet    member=account, score=强平价
// - perp:liq:cooldown:{symbol}:{account} String  冷却标记 (带 TTL)
//
// ZSet 的 score 是 float64，只用来圈候选；命中后再用 decimal 精确比较一次。

package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const triggerBatchSize = 100

type RedisIndex struct {
	client   *redis.Client
	cooldown time.Duration
}

func NewRedisIndex(client *redis.Client, cooldown time.Duration) *RedisIndex {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &RedisIndex{client: client, cooldown: cooldown}
}

func detailKey(symbol, accountID string) string {
	return "perp:liq:detail:" + symbol + ":" + accountID
}

func indexKey(symbol string, dir Direction) string {
	return "perp:liq:" + symbol + ":" + string(dir)
}

func cooldownKey(symbol, accountID string) string {
	return "perp:liq:cooldown:" + symbol + ":" + accountID
}

// luaTrack 登记脚本
// KEYS[1]: detailKey
// KEYS[2]: 本方向的 indexKey
// KEYS[3]: 反方向的 indexKey (账户可能换了方向)
// ARGV[1]: accountID
// ARGV[2]: score (强平价)
// ARGV[3]: triggerJSON
const luaTrack = `
	redis.call('SET', KEYS[1], ARGV[3])
	redis.call('ZREM', KEYS[3], ARGV[1])
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
	return 1
`

// Track 登记触发规则 (Lua 保证三步原子)
func (m *RedisIndex) Track(ctx context.Context, t Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	other := DirectionHigh
	if t.Direction == DirectionHigh {
		other = DirectionLow
	}
	keys := []string{
		detailKey(t.Symbol, t.AccountID),
		indexKey(t.Symbol, t.Direction),
		indexKey(t.Symbol, other),
	}
	return m.client.Eval(ctx, luaTrack, keys, t.AccountID, t.LiquidationPrice.InexactFloat64(), data).Err()
}

// luaUntrack 移除脚本
// KEYS[1]: detailKey
// KEYS[2]: low indexKey
// KEYS[3]: high indexKey
// KEYS[4]: cooldownKey
// ARGV[1]: accountID
const luaUntrack = `
	redis.call('ZREM', KEYS[2], ARGV[1])
	redis.call('ZREM', KEYS[3], ARGV[1])
	return redis.call('DEL', KEYS[1], KEYS[4])
`

func (m *RedisIndex) Untrack(ctx context.Context, symbol, accountID string) error {
	keys := []string{
		detailKey(symbol, accountID),
		indexKey(symbol, DirectionLow),
		indexKey(symbol, DirectionHigh),
		cooldownKey(symbol, accountID),
	}
	return m.client.Eval(ctx, luaUntrack, keys, accountID).Err()
}

// Triggered 分别查询两个方向的 ZSet
func (m *RedisIndex) Triggered(ctx context.Context, symbol string, price decimal.Decimal) ([]Trigger, error) {
	score := strconv.FormatFloat(price.InexactFloat64(), 'f', -1, 64)

	// 多头: 强平价 >= 价格
	low, err := m.scan(ctx, symbol, DirectionLow, score, "+inf", price)
	if err != nil {
		return nil, err
	}
	// 空头: 强平价 <= 价格
	high, err := m.scan(ctx, symbol, DirectionHigh, "-inf", score, price)
	if err != nil {
		return nil, err
	}
	return append(low, high...), nil
}

func (m *RedisIndex) scan(ctx context.Context, symbol string, dir Direction, min, max string, price decimal.Decimal) ([]Trigger, error) {
	key := indexKey(symbol, dir)
	var triggered []Trigger

	for offset := 0; ; offset += triggerBatchSize {
		members, err := m.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min:    min,
			Max:    max,
			Offset: int64(offset),
			Count:  triggerBatchSize,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
		}
		if len(members) == 0 {
			break
		}

		detailKeys := make([]string, len(members))
		for i, accountID := range members {
			detailKeys[i] = detailKey(symbol, accountID)
		}
		details, err := m.client.MGet(ctx, detailKeys...).Result()
		if err != nil {
			return nil, fmt.Errorf("mget trigger details: %w", err)
		}

		for i, raw := range details {
			s, ok := raw.(string)
			if !ok {
				continue // 详情已被删除
			}
			var t Trigger
			if err := json.Unmarshal([]byte(s), &t); err != nil {
				continue
			}
			if !t.Crossed(price) {
				continue
			}
			allowed, err := m.client.SetNX(ctx, cooldownKey(symbol, members[i]), "1", m.cooldown).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return nil, fmt.Errorf("cooldown %s: %w", members[i], err)
			}
			if !allowed {
				continue // 冷却中
			}
			triggered = append(triggered, t)
		}

		if len(members) < triggerBatchSize {
			break
		}
	}
	return triggered, nil
}
