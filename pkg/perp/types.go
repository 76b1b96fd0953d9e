// 文件: pkg/perp/types.go
// 永续合约链下镜像 - 核心数据结构
//
// 【设计】
// - 所有记录都是值类型，由调用方传入，计算函数返回新值，不持有引用
// - 所有金额/比率用 decimal.Decimal，精度 18 位 (fixed.Decimals)
// - 与链上存储一一对应: GovParams / FundingParams / PerpetualStorage / AccountStorage

package perp

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"perpcalc.com/pkg/fixed"
)

// =============================================================================
// 持仓方向
// =============================================================================

type Side int8

const (
	SideFlat Side = 0 // 无持仓
	SideBuy  Side = 1 // 多头
	SideSell Side = 2 // 空头
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	case SideFlat:
		return "FLAT"
	}
	return "UNKNOWN"
}

// Opposite 反方向，Flat 的反方向仍是 Flat
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	}
	return SideFlat
}

// IsValid 是否是合法的交易方向 (Buy/Sell)
func (s Side) IsValid() bool {
	return s == SideBuy || s == SideSell
}

// ParseSide 从字符串解析方向
func ParseSide(s string) (Side, error) {
	switch s {
	case "BUY", "buy", "LONG", "long":
		return SideBuy, nil
	case "SELL", "sell", "SHORT", "short":
		return SideSell, nil
	case "FLAT", "flat", "":
		return SideFlat, nil
	}
	return SideFlat, fmt.Errorf("perp: unknown side %q", s)
}

// MarshalText 事件/缓存序列化时输出字符串
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 反序列化
func (s *Side) UnmarshalText(text []byte) error {
	v, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrInvalidParams   = errors.New("perp: invalid governance params")
	ErrInvalidAccount  = errors.New("perp: invalid account storage")
	ErrInvalidAmount   = errors.New("perp: amount must be positive")
	ErrInvalidPrice    = errors.New("perp: price must be positive")
	ErrInvalidSide     = errors.New("perp: invalid trade side")
	ErrSideMismatch    = errors.New("perp: position side mismatch")
	ErrExceedsPosition = errors.New("perp: amount exceeds position size")
)

// =============================================================================
// GovParams - 治理参数
// =============================================================================

// GovParams 治理参数，每次计算调用只读，引擎从不修改
type GovParams struct {
	// ===== 资金费率 =====
	EmaAlpha         decimal.Decimal `json:"emaAlpha" yaml:"ema_alpha"`                  // EMA 衰减因子 α ∈ (0,1)，每秒衰减 a = 1 - α
	MarkPremiumLimit decimal.Decimal `json:"markPremiumLimit" yaml:"mark_premium_limit"` // 溢价率上限 (对称)
	FundingDampener  decimal.Decimal `json:"fundingDampener" yaml:"funding_dampener"`    // 资金费率死区 (对称)

	// ===== 保证金 =====
	InitialMarginRate      decimal.Decimal `json:"initialMarginRate" yaml:"initial_margin_rate"`
	MaintenanceMarginRate  decimal.Decimal `json:"maintenanceMarginRate" yaml:"maintenance_margin_rate"`
	LiquidationPenaltyRate decimal.Decimal `json:"liquidationPenaltyRate" yaml:"liquidation_penalty_rate"` // 强平罚金 (给清算人)
	PenaltyFundRate        decimal.Decimal `json:"penaltyFundRate" yaml:"penalty_fund_rate"`               // 强平罚金 (给保险基金)

	// ===== 手续费 =====
	TakerDevFeeRate decimal.Decimal `json:"takerDevFeeRate" yaml:"taker_dev_fee_rate"`
	MakerDevFeeRate decimal.Decimal `json:"makerDevFeeRate" yaml:"maker_dev_fee_rate"`

	// ===== AMM =====
	PoolFeeRate     decimal.Decimal `json:"poolFeeRate" yaml:"pool_fee_rate"`
	PoolDevFeeRate  decimal.Decimal `json:"poolDevFeeRate" yaml:"pool_dev_fee_rate"`
	FairPriceAmount decimal.Decimal `json:"fairPriceAmount" yaml:"fair_price_amount"` // 计算冲击价格的参考数量
	FairPriceMaxGap decimal.Decimal `json:"fairPriceMaxGap" yaml:"fair_price_max_gap"`

	// ===== 数量精度 =====
	LotSize        decimal.Decimal `json:"lotSize" yaml:"lot_size"`                // 强平最小单位
	TradingLotSize decimal.Decimal `json:"tradingLotSize" yaml:"trading_lot_size"` // 交易最小单位
}

// EmaAlpha2 每秒衰减系数 a = 1 - α
func (g GovParams) EmaAlpha2() decimal.Decimal {
	return fixed.One.Sub(g.EmaAlpha)
}

// Validate 参数范围检查
func (g GovParams) Validate() error {
	if !g.EmaAlpha.IsPositive() || g.EmaAlpha.GreaterThanOrEqual(fixed.One) {
		return fmt.Errorf("%w: emaAlpha must be in (0,1)", ErrInvalidParams)
	}
	if g.MarkPremiumLimit.IsNegative() || g.FundingDampener.IsNegative() {
		return fmt.Errorf("%w: premium limit and dampener must not be negative", ErrInvalidParams)
	}
	if g.FundingDampener.GreaterThan(g.MarkPremiumLimit) {
		return fmt.Errorf("%w: dampener exceeds premium limit", ErrInvalidParams)
	}
	if !g.InitialMarginRate.IsPositive() || !g.MaintenanceMarginRate.IsPositive() {
		return fmt.Errorf("%w: margin rates must be positive", ErrInvalidParams)
	}
	if g.MaintenanceMarginRate.GreaterThanOrEqual(g.InitialMarginRate) {
		return fmt.Errorf("%w: maintenance margin must be below initial margin", ErrInvalidParams)
	}
	if g.FairPriceMaxGap.IsNegative() || g.FairPriceMaxGap.GreaterThanOrEqual(fixed.One) {
		return fmt.Errorf("%w: fairPriceMaxGap must be in [0,1)", ErrInvalidParams)
	}
	if g.LotSize.IsNegative() || g.TradingLotSize.IsNegative() {
		return fmt.Errorf("%w: lot sizes must not be negative", ErrInvalidParams)
	}
	return nil
}

// =============================================================================
// 资金费率状态
// =============================================================================

// FundingParams 上一次资金费事件时的持久化快照
// 唯一的修改入口是 funding.UpdateFundingParams
type FundingParams struct {
	AccumulatedFundingPerContract decimal.Decimal `json:"accumulatedFundingPerContract"`
	LastEMAPremium                decimal.Decimal `json:"lastEMAPremium"`
	LastPremium                   decimal.Decimal `json:"lastPremium"`
	LastIndexPrice                decimal.Decimal `json:"lastIndexPrice"`
	LastFundingTimestamp          int64           `json:"lastFundingTimestamp"` // Unix 秒
}

// FundingResult 某个时间点推算出的资金费状态
type FundingResult struct {
	Timestamp                     int64           `json:"timestamp"`
	AccumulatedFundingPerContract decimal.Decimal `json:"accumulatedFundingPerContract"`
	EMAPremium                    decimal.Decimal `json:"emaPremium"`
	MarkPrice                     decimal.Decimal `json:"markPrice"`
	PremiumRate                   decimal.Decimal `json:"premiumRate"`
	FundingRate                   decimal.Decimal `json:"fundingRate"`
}

// =============================================================================
// 合约全局状态
// =============================================================================

// PerpetualStorage 合约全局状态
//
// 社会化亏损累加器只增不减: 穿仓亏损按同方向持仓量平摊。
type PerpetualStorage struct {
	LongSocialLossPerContract  decimal.Decimal `json:"longSocialLossPerContract"`
	ShortSocialLossPerContract decimal.Decimal `json:"shortSocialLossPerContract"`
	InsuranceFundBalance       decimal.Decimal `json:"insuranceFundBalance"`

	// 多空总持仓量，社会化亏损的分母
	TotalLongSize  decimal.Decimal `json:"totalLongSize"`
	TotalShortSize decimal.Decimal `json:"totalShortSize"`

	FundingParams
}

// SocialLossPerContract 指定方向的社会化亏损累加值
func (p PerpetualStorage) SocialLossPerContract(side Side) decimal.Decimal {
	switch side {
	case SideBuy:
		return p.LongSocialLossPerContract
	case SideSell:
		return p.ShortSocialLossPerContract
	}
	return fixed.Zero
}

// TotalSize 指定方向的总持仓量
func (p PerpetualStorage) TotalSize(side Side) decimal.Decimal {
	switch side {
	case SideBuy:
		return p.TotalLongSize
	case SideSell:
		return p.TotalShortSize
	}
	return fixed.Zero
}

// withTotalSize 返回修改了某方向总持仓量的副本
func (p PerpetualStorage) withTotalSize(side Side, size decimal.Decimal) PerpetualStorage {
	switch side {
	case SideBuy:
		p.TotalLongSize = size
	case SideSell:
		p.TotalShortSize = size
	}
	return p
}

// ApplySizeChange 按账户持仓变化更新多空总量
func (p PerpetualStorage) ApplySizeChange(before, after AccountStorage) PerpetualStorage {
	if before.PositionSide != SideFlat {
		side := before.PositionSide
		p = p.withTotalSize(side, p.TotalSize(side).Sub(before.PositionSize))
	}
	if after.PositionSide != SideFlat {
		side := after.PositionSide
		p = p.withTotalSize(side, p.TotalSize(side).Add(after.PositionSize))
	}
	return p
}

// =============================================================================
// AccountStorage - 账户持仓
// =============================================================================

// AccountStorage 账户持仓
//
// EntrySocialLoss / EntryFundingLoss 是开仓时全局累加器的快照，
// 用来计算本账户在开仓之后应承担的那一部分。
type AccountStorage struct {
	CashBalance      decimal.Decimal `json:"cashBalance"`
	PositionSide     Side            `json:"positionSide"`
	PositionSize     decimal.Decimal `json:"positionSize"`
	EntryValue       decimal.Decimal `json:"entryValue"`
	EntrySocialLoss  decimal.Decimal `json:"entrySocialLoss"`
	EntryFundingLoss decimal.Decimal `json:"entryFundingLoss"`
}

// IsFlat 是否无持仓
func (a AccountStorage) IsFlat() bool {
	return a.PositionSide == SideFlat || a.PositionSize.IsZero()
}

// Validate size == 0 当且仅当 side == Flat
func (a AccountStorage) Validate() error {
	if a.PositionSize.IsNegative() {
		return fmt.Errorf("%w: negative position size", ErrInvalidAccount)
	}
	if (a.PositionSide == SideFlat) != a.PositionSize.IsZero() {
		return fmt.Errorf("%w: side %s with size %s", ErrInvalidAccount, a.PositionSide, a.PositionSize)
	}
	return nil
}

// AccountComputed 派生指标，每次查询重新计算，从不持久化
type AccountComputed struct {
	EntryPrice          decimal.Decimal `json:"entryPrice"`
	PositionValue       decimal.Decimal `json:"positionValue"`
	PositionMargin      decimal.Decimal `json:"positionMargin"`
	MaintenanceMargin   decimal.Decimal `json:"maintenanceMargin"`
	SocialLoss          decimal.Decimal `json:"socialLoss"`
	FundingLoss         decimal.Decimal `json:"fundingLoss"`
	PNL1                decimal.Decimal `json:"pnl1"` // 未计入社会化亏损和资金费的浮动盈亏
	PNL2                decimal.Decimal `json:"pnl2"` // 计入之后的浮动盈亏
	MarginBalance       decimal.Decimal `json:"marginBalance"`
	AvailableMargin     decimal.Decimal `json:"availableMargin"`
	WithdrawableBalance decimal.Decimal `json:"withdrawableBalance"`
	Leverage            decimal.Decimal `json:"leverage"`
	MarginRatio         decimal.Decimal `json:"marginRatio"`
	LiquidationPrice    decimal.Decimal `json:"liquidationPrice"`
	IsSafe              bool            `json:"isSafe"`
}

// AccountDetails 存储 + 派生指标
type AccountDetails struct {
	Storage  AccountStorage  `json:"storage"`
	Computed AccountComputed `json:"computed"`
}
