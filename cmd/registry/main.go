package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Aidin1998/carbonledger/internal/config"
	"github.com/Aidin1998/carbonledger/internal/database"
	"github.com/Aidin1998/carbonledger/internal/messaging"
	"github.com/Aidin1998/carbonledger/internal/outbox"
	"github.com/Aidin1998/carbonledger/internal/registry"
	"github.com/Aidin1998/carbonledger/internal/server"
	"github.com/Aidin1998/carbonledger/pkg/logger"
	"github.com/Aidin1998/carbonledger/pkg/tracing"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	configPath := os.Getenv("REGISTRY_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(cfg.Tracing.Enabled)
	if err != nil {
		zapLogger.Fatal("Failed to set up tracing", zap.Error(err))
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	models := append(registry.Models(), outbox.Models()...)
	if err := database.Migrate(db, zapLogger, models...); err != nil {
		zapLogger.Fatal("Failed to migrate database", zap.Error(err))
	}

	kafkaCfg := messaging.DefaultKafkaConfig()
	kafkaCfg.Brokers = cfg.Kafka.Brokers
	producer, err := messaging.NewProducer(cfg.Events.Transport, kafkaCfg, &messaging.RedisConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create event producer", zap.Error(err))
	}

	var opts []registry.Option
	var relay *outbox.Relay
	if producer != nil {
		relay = outbox.NewRelay(db, producer, zapLogger, outbox.Options{
			PollInterval: cfg.Outbox.PollInterval,
			BatchSize:    cfg.Outbox.BatchSize,
			MaxAttempts:  cfg.Outbox.MaxAttempts,
			ClaimTTL:     cfg.Outbox.ClaimTTL,
		})
		relay.Start(ctx)
		opts = append(opts, registry.WithNotifier(relay))
	}

	svc := registry.NewService(db, zapLogger, opts...)

	var consumer *messaging.KafkaConsumer
	if cfg.Events.Transport == "kafka" {
		consumer = messaging.NewKafkaConsumer(kafkaCfg, messaging.Topic(cfg.Kafka.VerificationTopic), cfg.Kafka.ConsumerGroup, zapLogger)
		handler := messaging.NewVerificationHandler(svc, zapLogger)
		go func() {
			if err := consumer.Run(ctx, handler.Handle); err != nil {
				zapLogger.Error("Verification consumer stopped", zap.Error(err))
			}
		}()
	}

	var reconciler *registry.ReconcileScheduler
	if cfg.Reconcile.Schedule != "" {
		reconciler, err = registry.NewReconcileScheduler(svc, cfg.Reconcile.Schedule, zapLogger)
		if err != nil {
			zapLogger.Fatal("Failed to create reconcile scheduler", zap.Error(err))
		}
		reconciler.Start()
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				database.ReportPoolStats(db)
			}
		}
	}()

	srv := server.NewServer(zapLogger, svc, cfg.Registry.InternalSecret)
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	if err := srv.Run(ctx, addr, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout); err != nil {
		zapLogger.Error("HTTP server failed", zap.Error(err))
		stop()
	}

	zapLogger.Info("Shutting down")
	if reconciler != nil {
		reconciler.Stop()
	}
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			zapLogger.Error("Failed to close verification consumer", zap.Error(err))
		}
	}
	if relay != nil {
		relay.Stop()
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			zapLogger.Error("Failed to close event producer", zap.Error(err))
		}
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		zapLogger.Error("Failed to flush traces", zap.Error(err))
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	zapLogger.Info("Registry exited properly")
}
