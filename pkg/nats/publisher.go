// 文件: pkg/nats/publisher.go
// 资金费事件 / 风险告警的 NATS 出口
//
// 主题按交易对细分: {fundingSubject}.{symbol}、{alertSubject}.{symbol}，
// 下游可以用通配符 perp.funding.* 订阅全部交易对。
// 消息头带 kind 和 Nats-Msg-Id (事件 ID)，JetStream 可据此去重。

package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"

	"perpcalc.com/pkg/event"
)

const (
	headerKind = "kind"
	kindRisk   = "risk"
)

// Connect 连接 NATS，断线无限重连
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

// Publisher 事件发布者，连接由调用方持有
type Publisher struct {
	conn           *nats.Conn
	fundingSubject string
	alertSubject   string
}

func NewPublisher(conn *nats.Conn, fundingSubject, alertSubject string) *Publisher {
	return &Publisher{
		conn:           conn,
		fundingSubject: fundingSubject,
		alertSubject:   alertSubject,
	}
}

// PublishFunding 资金费事件
func (p *Publisher) PublishFunding(ctx context.Context, e event.FundingEvent) error {
	return p.publish(ctx, p.fundingSubject+"."+e.Symbol, string(e.Kind), e.ID, e)
}

// PublishAlert 风险告警
func (p *Publisher) PublishAlert(ctx context.Context, a event.RiskAlert) error {
	return p.publish(ctx, p.alertSubject+"."+a.Symbol, kindRisk, a.ID, a)
}

func (p *Publisher) publish(ctx context.Context, subject, kind string, id int64, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("serialize %s message: %w", subject, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(headerKind, kind)
	if id != 0 {
		msg.Header.Set(nats.MsgIdHdr, strconv.FormatInt(id, 10))
	}
	return p.conn.PublishMsg(msg)
}

// Flush 等待已发布的消息写出
func (p *Publisher) Flush() error {
	return p.conn.Flush()
}
