// 文件: pkg/market/ticker.go
// 模拟价格观测源
//
// 指数价按几何布朗运动 (GBM) 演化，公允价 = 指数价 × (1 + 溢价)，
// 溢价是围绕 0 的均值回归噪声。只用于压测和演示，生产环境的观测来自
// Kafka / NATS。

package market

import (
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"perpcalc.com/pkg/event"
)

// Ticker 单个交易对的价格生成器
type Ticker struct {
	Symbol   string
	Interval time.Duration

	// Volatility 年化波动率 (0.5 = 50%)
	Volatility float64
	// PremiumVolatility 溢价每步的标准差
	PremiumVolatility float64
	// PremiumReversion 溢价每步向 0 回归的比例 (0-1)
	PremiumReversion float64
	// Decimals 输出价格保留的小数位
	Decimals int32

	price   float64
	premium float64
	rnd     *rand.Rand

	lastUpdated time.Time
	stopChan    chan struct{}
	outChan     chan event.Observation
}

// NewTicker 创建价格生成器，seed 相同时序列可复现
func NewTicker(symbol string, startPrice float64, interval time.Duration, seed int64) *Ticker {
	return &Ticker{
		Symbol:            symbol,
		Interval:          interval,
		Volatility:        0.5,
		PremiumVolatility: 0.0005,
		PremiumReversion:  0.1,
		Decimals:          2,
		price:             startPrice,
		rnd:               rand.New(rand.NewSource(seed)),
		lastUpdated:       time.Now(),
		stopChan:          make(chan struct{}),
		outChan:           make(chan event.Observation, 100),
	}
}

// Start 后台生成观测，返回只读 Channel；Stop 后 Channel 被关闭
func (t *Ticker) Start() <-chan event.Observation {
	go t.loop()
	return t.outChan
}

// Stop 停止生成
func (t *Ticker) Stop() {
	close(t.stopChan)
}

func (t *Ticker) loop() {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	defer close(t.outChan)

	for {
		select {
		case <-t.stopChan:
			return
		case now := <-ticker.C:
			o := t.Next(now)
			// 下游慢时丢弃，旧价格没有价值
			select {
			case t.outChan <- o:
			default:
			}
		}
	}
}

// Shock 指数价一次性乘以 factor，用于模拟暴涨暴跌
//
// 与 Start 的后台循环不并发安全，只在手动调用 Next 时使用。
func (t *Ticker) Shock(factor float64) {
	if factor > 0 {
		t.price *= factor
	}
}

// Next 推进一步并返回观测
//
// S_new = S * exp(-0.5*σ²*dt + σ*sqrt(dt)*Z)，dt 以年为单位
func (t *Ticker) Next(now time.Time) event.Observation {
	dt := now.Sub(t.lastUpdated).Hours() / 24 / 365
	if dt <= 0 {
		dt = 1e-9
	}
	sigma := t.Volatility
	t.price *= math.Exp(-0.5*sigma*sigma*dt + sigma*math.Sqrt(dt)*t.rnd.NormFloat64())
	t.premium = t.premium*(1-t.PremiumReversion) + t.PremiumVolatility*t.rnd.NormFloat64()
	t.lastUpdated = now

	index := decimal.NewFromFloat(t.price).Round(t.Decimals)
	fair := decimal.NewFromFloat(t.price * (1 + t.premium)).Round(t.Decimals)
	return event.Observation{
		Symbol:     t.Symbol,
		Timestamp:  now.Unix(),
		IndexPrice: index,
		FairPrice:  fair,
	}
}
