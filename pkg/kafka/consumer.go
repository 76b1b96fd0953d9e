// 文件: pkg/kafka/consumer.go
// 价格观测的 Kafka 入口 (消费者组)
//
// 坏消息 (JSON 错误、字段缺失) 只记日志并提交 offset，不会卡住分区。
// 业务错误同样提交，观测是可替代的，下一条会覆盖它。

package kafka

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"

	"perpcalc.com/pkg/config"
	"perpcalc.com/pkg/event"
	"perpcalc.com/pkg/logger"
)

// ObservationHandler 处理一条观测
type ObservationHandler func(ctx context.Context, o event.Observation) error

// ObservationConsumer 观测消费者
type ObservationConsumer struct {
	group  sarama.ConsumerGroup
	topics []string
	handle ObservationHandler
	log    *logger.Entry

	consumed atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewObservationConsumer 加入 cfg.GroupID 消费者组，订阅 cfg.ObservationTopic
func NewObservationConsumer(cfg config.KafkaConfig, handle ObservationHandler, log *logger.Log) (*ObservationConsumer, error) {
	sc := sarama.NewConfig()
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return &ObservationConsumer{
		group:  group,
		topics: []string{cfg.ObservationTopic},
		handle: handle,
		log:    log.WithComponent("kafka-consumer"),
	}, nil
}

// Start 后台消费，重平衡后自动重新加入
func (c *ObservationConsumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				c.log.WithError(err).Error("consume failed")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

// Stop 停止消费并离开消费者组
func (c *ObservationConsumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.group.Close()
}

// =============================================================================
// sarama.ConsumerGroupHandler
// =============================================================================

func (c *ObservationConsumer) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (c *ObservationConsumer) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (c *ObservationConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		c.process(session.Context(), msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

// process 解码并交给 handle
func (c *ObservationConsumer) process(ctx context.Context, msg *sarama.ConsumerMessage) {
	c.consumed.Add(1)
	fields := logger.Fields{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	}

	o, err := event.DecodeObservation(msg.Value)
	if err != nil {
		c.dropped.Add(1)
		c.log.WithError(err).WithFields(fields).Warn("drop malformed observation")
		return
	}
	if err := c.handle(ctx, o); err != nil {
		c.failed.Add(1)
		c.log.WithError(err).WithFields(fields).WithField("symbol", o.Symbol).Error("handle observation failed")
	}
}

// ConsumerStats 消费统计
type ConsumerStats struct {
	Consumed int64
	Dropped  int64
	Failed   int64
}

func (c *ObservationConsumer) Stats() ConsumerStats {
	return ConsumerStats{
		Consumed: c.consumed.Load(),
		Dropped:  c.dropped.Load(),
		Failed:   c.failed.Load(),
	}
}
