// 文件: pkg/kafka/producer.go
// 资金费事件 / 风险告警的 Kafka 出口
//
// 【分区】
// - 资金费事件 key = symbol，同一交易对的事件有序
// - 风险告警   key = symbol/account，同一账户的告警有序
//
// 【消息头】
// kind: updated / predicted / risk，下游不解析 body 就能过滤

package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"perpcalc.com/pkg/config"
	"perpcalc.com/pkg/event"
	"perpcalc.com/pkg/logger"
)

var (
	ErrProducerClosed = errors.New("kafka: producer is closed")
)

const (
	headerKind      = "kind"
	kindRisk        = "risk"
	producerRetries = 3
)

// =============================================================================
// EventProducer
// =============================================================================

type EventProducer struct {
	producer     sarama.AsyncProducer
	fundingTopic string
	alertTopic   string
	log          *logger.Entry

	// 统计
	funding atomic.Int64
	alerts  atomic.Int64
	failed  atomic.Int64

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewEventProducer 连接 broker 并启动错误回收
func NewEventProducer(cfg config.KafkaConfig, log *logger.Log) (*EventProducer, error) {
	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaProducerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newEventProducer(producer, cfg, log), nil
}

// newEventProducer 测试里用 sarama/mocks 注入
func newEventProducer(producer sarama.AsyncProducer, cfg config.KafkaConfig, log *logger.Log) *EventProducer {
	p := &EventProducer{
		producer:     producer,
		fundingTopic: cfg.FundingTopic,
		alertTopic:   cfg.AlertTopic,
		log:          log.WithComponent("kafka-producer"),
	}
	p.wg.Add(1)
	go p.handleErrors()
	return p
}

func saramaProducerConfig(cfg config.KafkaConfig) *sarama.Config {
	sc := sarama.NewConfig()

	switch strings.ToLower(cfg.RequiredAcks) {
	case "none":
		sc.Producer.RequiredAcks = sarama.NoResponse
	case "all":
		sc.Producer.RequiredAcks = sarama.WaitForAll
	default:
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	}

	switch strings.ToLower(cfg.Compression) {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	// 同一 key 落同一分区
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.Flush.Frequency = cfg.FlushFrequency
	sc.Producer.Retry.Max = producerRetries

	// 异步模式只回收错误
	sc.Producer.Return.Successes = false
	sc.Producer.Return.Errors = true
	return sc
}

// =============================================================================
// 发送
// =============================================================================

// PublishFunding 发送资金费事件
func (p *EventProducer) PublishFunding(ctx context.Context, e event.FundingEvent) error {
	if err := p.send(ctx, p.fundingTopic, e.Key(), string(e.Kind), e.Timestamp, e); err != nil {
		return err
	}
	p.funding.Add(1)
	return nil
}

// PublishAlert 发送风险告警
func (p *EventProducer) PublishAlert(ctx context.Context, a event.RiskAlert) error {
	if err := p.send(ctx, p.alertTopic, a.Key(), kindRisk, a.Timestamp, a); err != nil {
		return err
	}
	p.alerts.Add(1)
	return nil
}

// send 序列化后写入 Input，ctx 取消时放弃排队
func (p *EventProducer) send(ctx context.Context, topic, key, kind string, ts int64, v any) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("serialize %s message: %w", topic, err)
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{{Key: []byte(headerKind), Value: []byte(kind)}},
	}
	if ts > 0 {
		msg.Timestamp = time.Unix(ts, 0)
	}

	select {
	case p.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *EventProducer) handleErrors() {
	defer p.wg.Done()

	for err := range p.producer.Errors() {
		p.failed.Add(1)
		p.log.WithError(err.Err).WithField("topic", err.Msg.Topic).Error("send failed")
	}
}

// =============================================================================
// 统计与生命周期
// =============================================================================

// ProducerStats 已入队的事件数和异步失败数
type ProducerStats struct {
	Funding int64
	Alerts  int64
	Failed  int64
}

func (p *EventProducer) Stats() ProducerStats {
	return ProducerStats{
		Funding: p.funding.Load(),
		Alerts:  p.alerts.Load(),
		Failed:  p.failed.Load(),
	}
}

// Close 刷出缓冲并等待错误回收结束，可重复调用
func (p *EventProducer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := p.producer.Close()
	p.wg.Wait()
	return err
}
