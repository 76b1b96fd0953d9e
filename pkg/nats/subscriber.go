// 文件: pkg/nats/subscriber.go
// 价格观测的 NATS 入口

package nats

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"perpcalc.com/pkg/event"
	"perpcalc.com/pkg/logger"
)

// ObservationHandler 处理一条观测
type ObservationHandler func(ctx context.Context, o event.Observation) error

// ObservationSubscriber 观测订阅者
//
// 坏消息只记日志，业务错误只计数，都不会回复发送方。
type ObservationSubscriber struct {
	conn   *nats.Conn
	handle ObservationHandler
	log    *logger.Entry

	mu   sync.Mutex
	subs []*nats.Subscription

	received atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

func NewObservationSubscriber(conn *nats.Conn, handle ObservationHandler, log *logger.Log) *ObservationSubscriber {
	return &ObservationSubscriber{
		conn:   conn,
		handle: handle,
		log:    log.WithComponent("nats-subscriber"),
	}
}

// Subscribe 普通订阅，每个实例都收到全部观测
func (s *ObservationSubscriber) Subscribe(ctx context.Context, subject string) error {
	sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) { s.process(ctx, msg) })
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.add(sub)
	return nil
}

// SubscribeQueue 队列订阅，同组实例分摊观测
func (s *ObservationSubscriber) SubscribeQueue(ctx context.Context, subject, queue string) error {
	sub, err := s.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) { s.process(ctx, msg) })
	if err != nil {
		return fmt.Errorf("queue subscribe %s: %w", subject, err)
	}
	s.add(sub)
	return nil
}

func (s *ObservationSubscriber) add(sub *nats.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}

func (s *ObservationSubscriber) process(ctx context.Context, msg *nats.Msg) {
	s.received.Add(1)
	o, err := event.DecodeObservation(msg.Data)
	if err != nil {
		s.dropped.Add(1)
		s.log.WithError(err).WithField("subject", msg.Subject).Warn("drop malformed observation")
		return
	}
	if err := s.handle(ctx, o); err != nil {
		s.failed.Add(1)
		s.log.WithError(err).WithFields(logger.Fields{
			"subject": msg.Subject,
			"symbol":  o.Symbol,
		}).Error("handle observation failed")
	}
}

// SubscriberStats 订阅统计
type SubscriberStats struct {
	Received int64
	Dropped  int64
	Failed   int64
}

func (s *ObservationSubscriber) Stats() SubscriberStats {
	return SubscriberStats{
		Received: s.received.Load(),
		Dropped:  s.dropped.Load(),
		Failed:   s.failed.Load(),
	}
}

// Close 取消全部订阅，连接由调用方关闭
func (s *ObservationSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.subs = nil
	return firstErr
}
