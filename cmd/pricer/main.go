// 文件: cmd/pricer/main.go
// 期权定价服务
//
// 组件:
//   - HTTP API (chi)
//   - MySQL 持久化 + Redis 缓存
//   - 可选: Kafka 事件与批量任务、NATS 事件与请求/应答
//
// 用法:
//
//	pricer -config configs/pricer.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"optpricer.com/pkg/config"
	"optpricer.com/pkg/kafka"
	"optpricer.com/pkg/logger"
	"optpricer.com/pkg/metrics"
	"optpricer.com/pkg/nats"
	"optpricer.com/pkg/valuation"
)

func main() {
	configPath := flag.String("config", "", "path to config file (yaml/toml/json)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := logger.Init(cfg.Logger); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	if err := run(cfg); err != nil {
		logger.Get().Error("pricer exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := logger.Get()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := valuation.InitIDGenerator(cfg.Snowflake.NodeID); err != nil {
		return fmt.Errorf("init snowflake: %w", err)
	}

	// 1. 指标
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("valuation")
	if err := m.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// 2. 存储
	db, err := openDB(cfg.MySQL)
	if err != nil {
		return err
	}
	mysqlRepo := valuation.NewMySQLRepository(db)
	if cfg.MySQL.AutoMigrate {
		if err := mysqlRepo.AutoMigrate(); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}
	var repo valuation.Repository = mysqlRepo
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
		repo = valuation.NewCachedRepository(mysqlRepo, rdb)
	}

	// 3. 消息
	var publishers valuation.MultiPublisher
	var natsSub *nats.Subscriber
	if cfg.Kafka.Enabled {
		pcfg := kafka.DefaultProducerConfig(cfg.Kafka.Brokers)
		pcfg.RequiredAcks = cfg.Kafka.RequiredAcks
		pcfg.Compression = cfg.Kafka.Compression
		producer, err := kafka.NewProducer(pcfg)
		if err != nil {
			return err
		}
		producer.OnError = func(string, error) { m.PublishErrors.Inc() }
		publishers = append(publishers, valuation.NewKafkaEventPublisher(producer, cfg.Kafka.EventTopic))
	}
	if cfg.NATS.Enabled {
		pub, err := nats.NewPublisher(cfg.NATS.URL)
		if err != nil {
			return err
		}
		publishers = append(publishers, valuation.NewNatsEventPublisher(pub, cfg.NATS.EventSubject))

		natsSub, err = nats.NewSubscriber(cfg.NATS.URL)
		if err != nil {
			return err
		}
	}
	defer publishers.Close()

	svc := valuation.NewService(repo, cfg.Pricing,
		valuation.WithEventPublisher(publishers),
		valuation.WithMetrics(m),
	)

	// 4. 消费者
	if natsSub != nil {
		defer natsSub.Close()
		h := valuation.NewNatsRequestHandler(svc, natsSub, cfg.NATS.RequestSubject, cfg.NATS.Queue)
		if err := h.Start(); err != nil {
			return fmt.Errorf("start nats handler: %w", err)
		}
	}
	if cfg.Kafka.Enabled {
		jobs, err := valuation.NewJobConsumer(svc,
			kafka.DefaultConsumerConfig(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.JobTopic))
		if err != nil {
			return err
		}
		jobs.Start(ctx)
		defer jobs.Stop()
	}

	// 5. HTTP
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      valuation.NewHandler(svc, cfg.Pricing.Timeout).Routes(reg),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	return srv.Shutdown(shutdownCtx)
}

func openDB(cfg config.MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}
