// 文件: pkg/alert/model.go
// 强平价触发索引
//
// 观察名单里每个有仓位的账户登记一条触发规则:
// - 多头: 价格 <= 强平价 时触发 (low)
// - 空头: 价格 >= 强平价 时触发 (high)
//
// 强平价只是候选筛选，是否真的可以强平仍以 liquidation.Assess 为准。

package alert

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"perpcalc.com/pkg/liquidation"
	"perpcalc.com/pkg/perp"
)

var (
	ErrInvalidTrigger = errors.New("alert: invalid trigger")
)

// Direction 触发方向
type Direction string

const (
	DirectionLow  Direction = "low"  // 价格跌破强平价 (多头)
	DirectionHigh Direction = "high" // 价格涨破强平价 (空头)
)

// DefaultCooldown 同一账户两次触发的最小间隔
const DefaultCooldown = 60 * time.Second

// Trigger 单个账户的触发规则
type Trigger struct {
	Symbol           string                `json:"symbol"`
	AccountID        string                `json:"accountId"`
	Direction        Direction             `json:"direction"`
	LiquidationPrice decimal.Decimal       `json:"liquidationPrice"`
	Level            liquidation.RiskLevel `json:"level"`
	UpdatedAt        int64                 `json:"updatedAt"`
}

// TriggerOf 从风险快照生成触发规则，空仓或没有强平价时返回 false
func TriggerOf(r liquidation.AccountRisk) (Trigger, bool) {
	if r.Storage.IsFlat() || !r.LiquidationPrice.IsPositive() {
		return Trigger{}, false
	}
	dir := DirectionLow
	if r.Storage.PositionSide == perp.SideSell {
		dir = DirectionHigh
	}
	return Trigger{
		Symbol:           r.Symbol,
		AccountID:        r.AccountID,
		Direction:        dir,
		LiquidationPrice: r.LiquidationPrice,
		Level:            r.Level,
		UpdatedAt:        r.UpdatedAt,
	}, true
}

// Validate 基本字段检查
func (t Trigger) Validate() error {
	if t.Symbol == "" || t.AccountID == "" || !t.LiquidationPrice.IsPositive() {
		return ErrInvalidTrigger
	}
	if t.Direction != DirectionLow && t.Direction != DirectionHigh {
		return ErrInvalidTrigger
	}
	return nil
}

// Crossed 价格是否已越过强平价
func (t Trigger) Crossed(price decimal.Decimal) bool {
	if t.Direction == DirectionLow {
		return price.LessThanOrEqual(t.LiquidationPrice)
	}
	return price.GreaterThanOrEqual(t.LiquidationPrice)
}

// Index 触发索引
//
// 内存版用于单进程和测试，Redis 版可以被多个实例共享。
type Index interface {
	// Track 登记或覆盖账户的触发规则
	Track(ctx context.Context, t Trigger) error

	// Untrack 移除账户的触发规则，不存在时不报错
	Untrack(ctx context.Context, symbol, accountID string) error

	// Triggered 返回价格已越过强平价的账户
	// 同一账户在冷却时间内只返回一次
	Triggered(ctx context.Context, symbol string, price decimal.Decimal) ([]Trigger, error)
}
