// 文件: pkg/event/event.go
// 对外消息格式 (Kafka / NATS 共用)
//
// 金额字段是 decimal 的 JSON 字符串，下游按 18 位精度解析，不经过 float64。

package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"perpcalc.com/pkg/liquidation"
	"perpcalc.com/pkg/perp"
)

var (
	ErrInvalidObservation = errors.New("event: invalid observation")
)

// FundingKind 资金费事件类型
type FundingKind string

const (
	// FundingUpdated 观测到新价格，状态已落库
	FundingUpdated FundingKind = "updated"
	// FundingPredicted 定时推算，只读
	FundingPredicted FundingKind = "predicted"
)

// =============================================================================
// Observation - 价格观测 (输入)
// =============================================================================

// Observation 某个时间点的指数价格和 AMM 公允价格
type Observation struct {
	Symbol     string          `json:"symbol"`
	Timestamp  int64           `json:"timestamp"` // Unix 秒
	IndexPrice decimal.Decimal `json:"indexPrice"`
	FairPrice  decimal.Decimal `json:"fairPrice"`
}

// Validate 基本字段检查，价格的正数检查留给 funding.UpdateFundingParams
func (o Observation) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidObservation)
	}
	if o.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp %d", ErrInvalidObservation, o.Timestamp)
	}
	return nil
}

// DecodeObservation 解析 JSON 观测
func DecodeObservation(data []byte) (Observation, error) {
	var o Observation
	if err := json.Unmarshal(data, &o); err != nil {
		return Observation{}, fmt.Errorf("%w: %v", ErrInvalidObservation, err)
	}
	return o, o.Validate()
}

// =============================================================================
// FundingEvent - 资金费状态 (输出)
// =============================================================================

type FundingEvent struct {
	ID     int64       `json:"id"`
	Kind   FundingKind `json:"kind"`
	Symbol string      `json:"symbol"`

	perp.FundingResult

	IndexPrice           decimal.Decimal `json:"indexPrice"`
	InsuranceFundBalance decimal.Decimal `json:"insuranceFundBalance"`
	AMMFairPrice         decimal.Decimal `json:"ammFairPrice"`
}

// Key 分区 key，同一交易对有序
func (e FundingEvent) Key() string { return e.Symbol }

// =============================================================================
// RiskAlert - 账户风险等级变化 (输出)
// =============================================================================

type RiskAlert struct {
	ID        int64  `json:"id"`
	Symbol    string `json:"symbol"`
	AccountID string `json:"accountId"`

	Level     liquidation.RiskLevel `json:"level"`
	PrevLevel liquidation.RiskLevel `json:"prevLevel"`

	RiskRatio         decimal.Decimal `json:"riskRatio"`
	MarginBalance     decimal.Decimal `json:"marginBalance"`
	MaintenanceMargin decimal.Decimal `json:"maintenanceMargin"`
	LiquidationPrice  decimal.Decimal `json:"liquidationPrice"`
	MarkPrice         decimal.Decimal `json:"markPrice"`

	Timestamp int64 `json:"timestamp"`
}

func (a RiskAlert) Key() string { return a.Symbol + "/" + a.AccountID }

// NewRiskAlert 由两次评估结果生成告警
func NewRiskAlert(id int64, r liquidation.AccountRisk, prev liquidation.RiskLevel, f perp.FundingResult) RiskAlert {
	return RiskAlert{
		ID:                id,
		Symbol:            r.Symbol,
		AccountID:         r.AccountID,
		Level:             r.Level,
		PrevLevel:         prev,
		RiskRatio:         r.RiskRatio,
		MarginBalance:     r.MarginBalance,
		MaintenanceMargin: r.MaintenanceMargin,
		LiquidationPrice:  r.LiquidationPrice,
		MarkPrice:         f.MarkPrice,
		Timestamp:         f.Timestamp,
	}
}
