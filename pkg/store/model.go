// 文件: pkg/store/model.go
// 合约状态持久化模型
//
// 金额字段统一用 decimal(65,18)，与引擎的 18 位精度一致，读写不丢精度。

package store

import (
	"github.com/shopspring/decimal"

	"perpcalc.com/pkg/perp"
)

// =============================================================================
// Snapshot - 业务层看到的快照
// =============================================================================

// Snapshot 某个交易对的完整链下镜像: 合约全局状态 + AMM 资金池账户
type Snapshot struct {
	Symbol    string                `json:"symbol"`
	Perpetual perp.PerpetualStorage `json:"perpetual"`
	Pool      perp.AccountStorage   `json:"pool"`

	// Version 乐观锁版本号，0 表示尚未落库
	Version   int64 `json:"version"`
	UpdatedAt int64 `json:"updatedAt"` // Unix 毫秒
}

// =============================================================================
// MarketSnapshot - market_snapshots 表
// =============================================================================

type MarketSnapshot struct {
	Symbol string `gorm:"column:symbol;type:varchar(32);primaryKey"`

	LongSocialLossPerContract  decimal.Decimal `gorm:"column:long_social_loss_per_contract;type:decimal(65,18)"`
	ShortSocialLossPerContract decimal.Decimal `gorm:"column:short_social_loss_per_contract;type:decimal(65,18)"`
	InsuranceFundBalance       decimal.Decimal `gorm:"column:insurance_fund_balance;type:decimal(65,18)"`
	TotalLongSize              decimal.Decimal `gorm:"column:total_long_size;type:decimal(65,18)"`
	TotalShortSize             decimal.Decimal `gorm:"column:total_short_size;type:decimal(65,18)"`

	AccumulatedFundingPerContract decimal.Decimal `gorm:"column:accumulated_funding_per_contract;type:decimal(65,18)"`
	LastEMAPremium                decimal.Decimal `gorm:"column:last_ema_premium;type:decimal(65,18)"`
	LastPremium                   decimal.Decimal `gorm:"column:last_premium;type:decimal(65,18)"`
	LastIndexPrice                decimal.Decimal `gorm:"column:last_index_price;type:decimal(65,18)"`
	LastFundingTimestamp          int64           `gorm:"column:last_funding_timestamp"`

	PoolCashBalance      decimal.Decimal `gorm:"column:pool_cash_balance;type:decimal(65,18)"`
	PoolPositionSide     perp.Side       `gorm:"column:pool_position_side;type:tinyint"`
	PoolPositionSize     decimal.Decimal `gorm:"column:pool_position_size;type:decimal(65,18)"`
	PoolEntryValue       decimal.Decimal `gorm:"column:pool_entry_value;type:decimal(65,18)"`
	PoolEntrySocialLoss  decimal.Decimal `gorm:"column:pool_entry_social_loss;type:decimal(65,18)"`
	PoolEntryFundingLoss decimal.Decimal `gorm:"column:pool_entry_funding_loss;type:decimal(65,18)"`

	Version   int64 `gorm:"column:version"`
	CreatedAt int64 `gorm:"column:created_at"`
	UpdatedAt int64 `gorm:"column:updated_at"`
}

func (MarketSnapshot) TableName() string {
	return "market_snapshots"
}

func newMarketSnapshot(s *Snapshot) *MarketSnapshot {
	p, a := s.Perpetual, s.Pool
	return &MarketSnapshot{
		Symbol:                        s.Symbol,
		LongSocialLossPerContract:     p.LongSocialLossPerContract,
		ShortSocialLossPerContract:    p.ShortSocialLossPerContract,
		InsuranceFundBalance:          p.InsuranceFundBalance,
		TotalLongSize:                 p.TotalLongSize,
		TotalShortSize:                p.TotalShortSize,
		AccumulatedFundingPerContract: p.AccumulatedFundingPerContract,
		LastEMAPremium:                p.LastEMAPremium,
		LastPremium:                   p.LastPremium,
		LastIndexPrice:                p.LastIndexPrice,
		LastFundingTimestamp:          p.LastFundingTimestamp,
		PoolCashBalance:               a.CashBalance,
		PoolPositionSide:              a.PositionSide,
		PoolPositionSize:              a.PositionSize,
		PoolEntryValue:                a.EntryValue,
		PoolEntrySocialLoss:           a.EntrySocialLoss,
		PoolEntryFundingLoss:          a.EntryFundingLoss,
		Version:                       s.Version,
		UpdatedAt:                     s.UpdatedAt,
	}
}

func (m *MarketSnapshot) toSnapshot() *Snapshot {
	return &Snapshot{
		Symbol: m.Symbol,
		Perpetual: perp.PerpetualStorage{
			LongSocialLossPerContract:  m.LongSocialLossPerContract,
			ShortSocialLossPerContract: m.ShortSocialLossPerContract,
			InsuranceFundBalance:       m.InsuranceFundBalance,
			TotalLongSize:              m.TotalLongSize,
			TotalShortSize:             m.TotalShortSize,
			FundingParams: perp.FundingParams{
				AccumulatedFundingPerContract: m.AccumulatedFundingPerContract,
				LastEMAPremium:                m.LastEMAPremium,
				LastPremium:                   m.LastPremium,
				LastIndexPrice:                m.LastIndexPrice,
				LastFundingTimestamp:          m.LastFundingTimestamp,
			},
		},
		Pool: perp.AccountStorage{
			CashBalance:      m.PoolCashBalance,
			PositionSide:     m.PoolPositionSide,
			PositionSize:     m.PoolPositionSize,
			EntryValue:       m.PoolEntryValue,
			EntrySocialLoss:  m.PoolEntrySocialLoss,
			EntryFundingLoss: m.PoolEntryFundingLoss,
		},
		Version:   m.Version,
		UpdatedAt: m.UpdatedAt,
	}
}

// =============================================================================
// FundingHistory - funding_history 表
// =============================================================================

// FundingHistory 每次 UpdateFundingParams 写一行
type FundingHistory struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"` // snowflake
	Symbol    string `gorm:"column:symbol;type:varchar(32);uniqueIndex:idx_symbol_ts" json:"symbol"`
	Timestamp int64  `gorm:"column:timestamp;uniqueIndex:idx_symbol_ts" json:"timestamp"` // Unix 秒

	IndexPrice                    decimal.Decimal `gorm:"column:index_price;type:decimal(65,18)" json:"indexPrice"`
	FairPrice                     decimal.Decimal `gorm:"column:fair_price;type:decimal(65,18)" json:"fairPrice"`
	EMAPremium                    decimal.Decimal `gorm:"column:ema_premium;type:decimal(65,18)" json:"emaPremium"`
	AccumulatedFundingPerContract decimal.Decimal `gorm:"column:accumulated_funding_per_contract;type:decimal(65,18)" json:"accumulatedFundingPerContract"`
	MarkPrice                     decimal.Decimal `gorm:"column:mark_price;type:decimal(65,18)" json:"markPrice"`
	PremiumRate                   decimal.Decimal `gorm:"column:premium_rate;type:decimal(65,18)" json:"premiumRate"`
	FundingRate                   decimal.Decimal `gorm:"column:funding_rate;type:decimal(65,18)" json:"fundingRate"`

	CreatedAt int64 `gorm:"column:created_at" json:"createdAt"`
}

func (FundingHistory) TableName() string {
	return "funding_history"
}

// Models 需要迁移的表
func Models() []interface{} {
	return []interface{}{&MarketSnapshot{}, &FundingHistory{}}
}
