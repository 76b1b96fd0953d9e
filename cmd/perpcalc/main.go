// 文件: cmd/perpcalc/main.go
// 资金费预测服务入口
//
// 启动顺序: 配置 → 日志 → 存储 (MySQL + Redis) → 消息 (Kafka / NATS) → 预测服务 (强平价索引复用 Redis)
// 收到 SIGINT / SIGTERM 后按相反顺序关闭。

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"perpcalc.com/pkg/alert"
	"perpcalc.com/pkg/config"
	"perpcalc.com/pkg/idgen"
	"perpcalc.com/pkg/kafka"
	"perpcalc.com/pkg/logger"
	natsx "perpcalc.com/pkg/nats"
	"perpcalc.com/pkg/predictor"
	"perpcalc.com/pkg/store"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "perpcalc: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Close()
	entry := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 存储
	// -------------------------------------------------------------------------
	var repo store.SnapshotRepository = store.NewMemorySnapshotRepository()
	if cfg.MySQL.DSN != "" {
		db, err := store.OpenMySQL(cfg.MySQL)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		repo = store.NewMySQLSnapshotRepository(db)
		entry.Info("mysql snapshot store ready")
	} else {
		entry.Warn("mysql dsn not set, snapshots kept in memory")
	}
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = store.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		repo = store.NewCachedSnapshotRepository(repo, rdb, cfg.Redis.CacheTTL)
		entry.WithField("addr", cfg.Redis.Addr).Info("redis snapshot cache ready")
	}

	ids, err := idgen.New(cfg.Predictor.NodeID)
	if err != nil {
		return err
	}

	// 2. 消息出口
	// -------------------------------------------------------------------------
	var publishers []predictor.Publisher

	if cfg.Kafka.Enabled {
		producer, err := kafka.NewEventProducer(cfg.Kafka, log)
		if err != nil {
			return err
		}
		defer producer.Close()
		publishers = append(publishers, producer)
		entry.WithField("brokers", cfg.Kafka.Brokers).Info("kafka producer ready")
	}

	var natsConn *nats.Conn
	if cfg.NATS.Enabled {
		natsConn, err = natsx.Connect(cfg.NATS.URL, "perpcalc")
		if err != nil {
			return err
		}
		defer natsConn.Close()
		publishers = append(publishers, natsx.NewPublisher(natsConn, cfg.NATS.FundingSubject, cfg.NATS.AlertSubject))
		entry.WithField("url", cfg.NATS.URL).Info("nats publisher ready")
	}

	svc := predictor.New(cfg, repo, ids, log, publishers...)
	if rdb != nil {
		svc.UseTriggerIndex(alert.NewRedisIndex(rdb, cfg.Predictor.AlertCooldown))
		entry.Info("redis liquidation trigger index ready")
	}

	// 3. 观测入口
	// -------------------------------------------------------------------------
	if natsConn != nil {
		sub := natsx.NewObservationSubscriber(natsConn, svc.HandleObservation, log)
		if err := sub.SubscribeQueue(ctx, cfg.NATS.ObservationSubject, "perpcalc"); err != nil {
			return err
		}
		defer sub.Close()
		entry.WithField("subject", cfg.NATS.ObservationSubject).Info("nats observation subscriber started")
	}

	return serve(ctx, cfg, log, svc)
}

// serve 启动预测循环和 Kafka 观测消费，阻塞到收到退出信号
func serve(ctx context.Context, cfg *config.Config, log *logger.Log, svc *predictor.Predictor) error {
	entry := log.WithComponent("main")

	if cfg.Kafka.Enabled {
		consumer, err := kafka.NewObservationConsumer(cfg.Kafka, svc.HandleObservation, log)
		if err != nil {
			return err
		}
		consumer.Start(ctx)
		defer consumer.Stop()
		entry.WithField("topic", cfg.Kafka.ObservationTopic).Info("kafka observation consumer started")
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	<-ctx.Done()
	entry.Info("shutting down")
	return nil
}
