package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/siem-soar-platform/security-monitor/pkg/logger"
	"github.com/siem-soar-platform/security-monitor/pkg/repository"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/alerting"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/audit"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/config"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/consumer"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/detection"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/handler"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/metrics"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/monitor"
)

const serviceName = "secmon"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(&logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stdout,
	})
	slog.SetDefault(log)

	log.Info("starting security monitor",
		"service", serviceName,
		"environment", cfg.Environment,
		"http_port", cfg.HTTPPort,
		"kafka_brokers", cfg.KafkaBrokers,
		"events_topic", cfg.EventsTopic)

	if err := run(cfg, log); err != nil {
		log.Error("security monitor failed", "error", err)
		os.Exit(1)
	}
	log.Info("security monitor stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared event store
	redisCfg := repository.DefaultRedisConfig()
	if len(cfg.RedisAddresses) > 0 {
		redisCfg.Addresses = cfg.RedisAddresses
	}
	redisCfg.Password = cfg.RedisPassword
	redisCfg.DB = cfg.RedisDB
	redisCfg.ClusterMode = cfg.RedisCluster
	redisCfg.MasterName = cfg.RedisMasterName

	redisConn, err := repository.NewRedisConn(redisCfg)
	if err != nil {
		return fmt.Errorf("connect event store: %w", err)
	}
	defer redisConn.Close()
	store := repository.NewRedisEventStore(redisConn, cfg.KeyPrefix, cfg.StoreTimeout)

	// Audit persistence
	auditRepo, closeAudit, err := openAuditRepository(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeAudit()

	var cipher *audit.PayloadCipher
	if key := cfg.EncryptionKey(); key != nil {
		if cipher, err = audit.NewPayloadCipher(key); err != nil {
			return err
		}
		log.Info("audit payload encryption enabled")
	}

	var detectionOpts []detection.Option
	if cfg.GeoIPDatabasePath != "" {
		resolver, err := detection.NewGeoIPResolver(cfg.GeoIPDatabasePath, log)
		if err != nil {
			return err
		}
		defer resolver.Close()
		detectionOpts = append(detectionOpts, detection.WithLocator(resolver))
	}

	// Notification channels
	senders := map[alerting.Channel]alerting.Sender{
		alerting.ChannelDashboard: alerting.NewDashboardSender(store),
		alerting.ChannelSyslog:    alerting.NewSyslogSender(log),
	}
	if cfg.WebhookURL != "" {
		senders[alerting.ChannelWebhook] = alerting.NewWebhookSender(alerting.WebhookConfig{
			Name:       "default",
			URL:        cfg.WebhookURL,
			APIKey:     cfg.WebhookSecret,
			Timeout:    cfg.NotificationTimeout,
			RetryCount: 3,
		}, log)
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kgo.NewClient(
			kgo.SeedBrokers(cfg.KafkaBrokers...),
			kgo.DefaultProduceTopic(cfg.AlertsTopic),
			kgo.ProducerLinger(10*time.Millisecond),
		)
		if err != nil {
			return fmt.Errorf("create alert producer: %w", err)
		}
		defer producer.Close()
		senders[alerting.ChannelKafka] = alerting.NewKafkaSender(producer, cfg.AlertsTopic)
	}

	alertCfg := alerting.DefaultConfig()
	alertCfg.NotificationTimeout = cfg.NotificationTimeout

	m := metrics.New()
	mon, err := monitor.New(cfg.Policy, monitor.Dependencies{
		Store:            store,
		AuditRepo:        auditRepo,
		Cipher:           cipher,
		Senders:          senders,
		Metrics:          m,
		Logger:           log,
		AlertingConfig:   alertCfg,
		DetectionOptions: detectionOpts,
	})
	if err != nil {
		return err
	}
	if err := mon.SeedThreatIntel(ctx, cfg.Policy.ThreatIntel); err != nil {
		log.Warn("failed to seed threat intelligence", "error", err)
	}

	// Event ingestion
	var events *consumer.Consumer
	if len(cfg.KafkaBrokers) > 0 {
		consumerCfg := consumer.DefaultConfig()
		consumerCfg.Brokers = cfg.KafkaBrokers
		consumerCfg.Topic = cfg.EventsTopic
		if cfg.KafkaGroupID != "" {
			consumerCfg.ConsumerGroup = cfg.KafkaGroupID
		}
		events = consumer.New(consumerCfg, mon, log)
		if err := events.Start(); err != nil {
			return err
		}
	} else {
		log.Warn("no kafka brokers configured, event ingestion disabled")
	}

	go mon.RunEscalations(ctx, cfg.EscalationPollInterval)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler.New(mon, m.Handler(), log).Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		log.Error("HTTP server error", "error", err)
	}

	log.Info("shutting down security monitor")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if events != nil {
		if err := events.Stop(); err != nil {
			log.Error("failed to stop kafka consumer", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server forced to shutdown", "error", err)
	}
	return nil
}

// openAuditRepository returns PostgreSQL storage, or in-memory storage in
// development when no database host is configured.
func openAuditRepository(ctx context.Context, cfg *config.Config, log *slog.Logger) (repository.AuditRepository, func(), error) {
	if cfg.PostgresHost == "" && cfg.IsDevelopment() {
		log.Warn("no postgres host configured, audit trail is kept in memory")
		return repository.NewMemoryAuditRepository(), func() {}, nil
	}

	pgCfg := repository.DefaultPostgresConfig()
	pgCfg.Host = cfg.PostgresHost
	pgCfg.Port = cfg.PostgresPort
	pgCfg.Database = cfg.PostgresDatabase
	pgCfg.Username = cfg.PostgresUser
	pgCfg.Password = cfg.PostgresPassword
	pgCfg.SSLMode = cfg.PostgresSSLMode

	conn, err := repository.NewPostgresConn(pgCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect audit database: %w", err)
	}
	repo := repository.NewPostgresAuditRepository(conn)
	if err := repo.Up(ctx); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return repo, func() { conn.Close() }, nil
}
