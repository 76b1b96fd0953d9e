// 文件: pkg/liquidation/model.go
// 账户风险等级

package liquidation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"perpcalc.com/pkg/fixed"
	"perpcalc.com/pkg/perp"
)

// =============================================================================
// 风险等级定义
// =============================================================================

// RiskLevel 风险等级枚举
//
// 风险率 = 维持保证金 / 保证金余额，越高越危险:
// - 安全区：不需要特别关注
// - 预警区：推送预警
// - 危险区：推送警告
// - 临界区：随时可能被强平
// - 强平区：可以被任何清算人强平
type RiskLevel int

const (
	// RiskLevelSafe 安全区: 风险率 < 70%
	RiskLevelSafe RiskLevel = iota

	// RiskLevelWarning 预警区: 70% <= 风险率 < 80%
	RiskLevelWarning

	// RiskLevelDanger 危险区: 80% <= 风险率 < 90%
	RiskLevelDanger

	// RiskLevelCritical 临界区: 90% <= 风险率 < 100%
	RiskLevelCritical

	// RiskLevelLiquidate 强平区: 风险率 >= 100%，或保证金余额 <= 0
	RiskLevelLiquidate
)

// String 返回风险等级的字符串表示（用于日志打印）
func (l RiskLevel) String() string {
	switch l {
	case RiskLevelSafe:
		return "SAFE"
	case RiskLevelWarning:
		return "WARNING"
	case RiskLevelDanger:
		return "DANGER"
	case RiskLevelCritical:
		return "CRITICAL"
	case RiskLevelLiquidate:
		return "LIQUIDATE"
	default:
		return "UNKNOWN"
	}
}

// MarshalText 事件序列化时输出字符串
func (l RiskLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText 反序列化
func (l *RiskLevel) UnmarshalText(text []byte) error {
	for lv := RiskLevelSafe; lv <= RiskLevelLiquidate; lv++ {
		if lv.String() == string(text) {
			*l = lv
			return nil
		}
	}
	return fmt.Errorf("liquidation: unknown risk level %q", text)
}

// =============================================================================
// 风险阈值
// =============================================================================

var (
	// ThresholdWarning 预警阈值: 70%
	ThresholdWarning = decimal.RequireFromString("0.70")

	// ThresholdDanger 危险阈值: 80%
	ThresholdDanger = decimal.RequireFromString("0.80")

	// ThresholdCritical 临界阈值: 90%
	ThresholdCritical = decimal.RequireFromString("0.90")

	// ThresholdLiquidate 强平阈值: 100%
	ThresholdLiquidate = fixed.One
)

// CalculateRiskLevel 根据风险率计算风险等级
func CalculateRiskLevel(riskRatio decimal.Decimal) RiskLevel {
	switch {
	case riskRatio.GreaterThanOrEqual(ThresholdLiquidate):
		return RiskLevelLiquidate
	case riskRatio.GreaterThanOrEqual(ThresholdCritical):
		return RiskLevelCritical
	case riskRatio.GreaterThanOrEqual(ThresholdDanger):
		return RiskLevelDanger
	case riskRatio.GreaterThanOrEqual(ThresholdWarning):
		return RiskLevelWarning
	default:
		return RiskLevelSafe
	}
}

// =============================================================================
// 账户风险数据
// =============================================================================

// AccountRisk 某个账户在某一时刻的风险快照
//
// 存在 Watchlist 中，行情或资金费变化时用 Storage 重新评估。
type AccountRisk struct {
	AccountID string `json:"accountId"`
	Symbol    string `json:"symbol"`

	// RiskRatio 维持保证金 / 保证金余额
	RiskRatio         decimal.Decimal `json:"riskRatio"`
	MarginBalance     decimal.Decimal `json:"marginBalance"`
	MaintenanceMargin decimal.Decimal `json:"maintenanceMargin"`
	LiquidationPrice  decimal.Decimal `json:"liquidationPrice"`

	Level RiskLevel `json:"level"`

	// UpdatedAt Unix 纳秒
	UpdatedAt int64 `json:"updatedAt"`

	Storage perp.AccountStorage `json:"storage"`
}

// Key Watchlist 中的唯一键
func (r AccountRisk) Key() string {
	return r.Symbol + "/" + r.AccountID
}

// Assess 评估账户风险
func Assess(symbol, accountID string, a perp.AccountStorage, g perp.GovParams, p perp.PerpetualStorage, f perp.FundingResult) AccountRisk {
	c := perp.ComputeAccount(a, g, p, f)
	return AccountRisk{
		AccountID:         accountID,
		Symbol:            symbol,
		RiskRatio:         riskRatio(c),
		MarginBalance:     c.MarginBalance,
		MaintenanceMargin: c.MaintenanceMargin,
		LiquidationPrice:  c.LiquidationPrice,
		Level:             levelOf(a, c),
		UpdatedAt:         time.Now().UnixNano(),
		Storage:           a,
	}
}

func riskRatio(c perp.AccountComputed) decimal.Decimal {
	if !c.MarginBalance.IsPositive() {
		return fixed.Zero
	}
	return fixed.Div(c.MaintenanceMargin, c.MarginBalance)
}

// levelOf 强平区只由 IsSafe 决定，安全账户最高为临界区
// 无持仓账户没有可强平的仓位，不论现金多少都算安全区
func levelOf(a perp.AccountStorage, c perp.AccountComputed) RiskLevel {
	if a.IsFlat() {
		return RiskLevelSafe
	}
	if !c.IsSafe {
		return RiskLevelLiquidate
	}
	level := CalculateRiskLevel(riskRatio(c))
	if level == RiskLevelLiquidate {
		return RiskLevelCritical
	}
	return level
}
