package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Hrithick25/smartcollar/common/database"
	mqttcommon "github.com/Hrithick25/smartcollar/common/mqtt"
	rediscommon "github.com/Hrithick25/smartcollar/common/redis"
	"github.com/Hrithick25/smartcollar/internal/cache"
	"github.com/Hrithick25/smartcollar/internal/config"
	"github.com/Hrithick25/smartcollar/internal/httpapi"
	"github.com/Hrithick25/smartcollar/internal/monitor"
	"github.com/Hrithick25/smartcollar/internal/notify"
	"github.com/Hrithick25/smartcollar/internal/repository"
	"github.com/Hrithick25/smartcollar/internal/source"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// TelemetryService 心率遥测服务（整合各层）
type TelemetryService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client
	logger      *zap.Logger

	eventRepo   *repository.HeartRateEventRepository
	collarRepo  *repository.CollarRepository
	statusCache *cache.StatusCache
	kafkaSink   *notify.KafkaSink

	dispatcher *notify.Dispatcher
	monitor    *monitor.Monitor
	hub        *httpapi.Hub
	ingest     *source.ChanSource
	sources    []source.Source
	server     *httpapi.Server

	stopOnce sync.Once
}

// NewTelemetryService 连接外部依赖并组装各组件
func NewTelemetryService(cfg *config.Config, logger *zap.Logger) (*TelemetryService, error) {
	s := &TelemetryService{
		config: cfg,
		logger: logger,
	}

	if err := s.connect(); err != nil {
		s.closeConnections()
		return nil, err
	}

	if err := s.build(); err != nil {
		s.closeConnections()
		return nil, err
	}

	return s, nil
}

// connect 1. 数据库 2. Redis 3. MQTT
func (s *TelemetryService) connect() error {
	cfg := s.config

	if cfg.Telemetry.PostgresEnabled {
		db, err := database.NewPostgresDB(&cfg.Database)
		if err != nil {
			return err
		}
		s.db = db

		if cfg.Telemetry.AutoMigrate {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := repository.EnsureSchema(ctx, db); err != nil {
				return err
			}
			s.logger.Info("Database schema ensured")
		}
	}

	s.redisClient = rediscommon.NewRedisClient(&cfg.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rediscommon.Ping(ctx, s.redisClient); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	if cfg.Telemetry.MQTTEnabled {
		client, err := mqttcommon.NewClient(&cfg.MQTT, s.logger)
		if err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
		s.mqttClient = client
	}

	return nil
}

func (s *TelemetryService) build() error {
	cfg := s.config
	t := cfg.Telemetry

	// Repository 层
	var sinks []notify.Sink
	if s.db != nil {
		s.eventRepo = repository.NewHeartRateEventRepository(s.db, s.logger)
		s.collarRepo = repository.NewCollarRepository(s.db, s.logger)
		sinks = append(sinks, notify.NewRepositorySink(s.eventRepo))
	}

	// 缓存与 Streams
	s.statusCache = cache.NewStatusCache(cache.NewRedisKVStore(s.redisClient), t.StatusTTL, s.logger)
	sinks = append(sinks,
		notify.NewCacheSink(s.statusCache),
		notify.NewStreamSink(s.redisClient, t.EventStream, t.EventStreamMaxLen),
	)

	if cfg.Kafka.Enabled {
		s.kafkaSink = notify.NewKafkaSink(notify.NewKafkaWriter(&cfg.Kafka))
		sinks = append(sinks, s.kafkaSink)
	}
	if t.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(t.WebhookURL, t.WebhookTimeout, s.logger))
	}
	if t.InterventionEnabled && s.mqttClient != nil {
		sinks = append(sinks, notify.NewInterventionSink(s.mqttClient, t.CommandTopic, cfg.MQTT.QoS, s.logger))
	}

	s.dispatcher = notify.NewDispatcher(t.DispatchBuffer, s.logger, sinks...)
	s.dispatcher.SetSinkTimeout(t.SinkTimeout)

	// 会话监控
	m, err := monitor.New(context.Background(), cfg.Classifier, s.logger,
		monitor.WithNotifier(s.dispatcher),
		monitor.WithMaxDogs(t.MaxDogs),
	)
	if err != nil {
		return err
	}
	s.monitor = m

	s.hub = httpapi.NewHub(m, cfg.HTTP.CORSOrigins, s.logger)
	s.dispatcher.AddSink(s.hub)

	// 读数来源
	if s.mqttClient != nil {
		var resolver source.DogResolver
		if s.collarRepo != nil {
			resolver = s.collarRepo
		}
		s.sources = append(s.sources, source.NewMQTTSource(s.mqttClient, t.MQTTTopic, cfg.MQTT.QoS, resolver, s.logger))
	}
	if t.StreamEnabled {
		s.sources = append(s.sources, source.NewStreamSource(s.redisClient, source.StreamConfig{
			Stream:        t.Stream.Name,
			Group:         t.Stream.ConsumerGroup,
			Consumer:      t.Stream.ConsumerName,
			BatchSize:     t.Stream.BatchSize,
			Block:         t.Stream.Block,
			MetricsReport: t.Stream.MetricsReport,
		}, s.logger))
	}

	// HTTP
	var readings httpapi.ReadingSender
	if t.ManualIngest {
		s.ingest = source.NewChanSource(t.IngestBuffer)
		s.sources = append(s.sources, s.ingest)
		readings = s.ingest
	}
	var events httpapi.EventLister
	if s.eventRepo != nil {
		events = s.eventRepo
	}
	handler := httpapi.NewHandler(m, events, readings, s.logger)
	router := httpapi.NewRouter(handler, s.hub, cfg.HTTP.CORSOrigins, s.logger)
	s.server = httpapi.NewServer(cfg.HTTP.Addr, router, s.logger)

	return nil
}

// Start 启动分发、订阅来源并运行 HTTP 服务；阻塞直到 ctx 结束或 HTTP 服务出错
func (s *TelemetryService) Start(ctx context.Context) error {
	s.logger.Info("Starting telemetry service",
		zap.String("scheme", s.config.Classifier.Scheme.Name),
		zap.Int("sources", len(s.sources)),
		zap.Bool("postgres", s.db != nil),
		zap.Bool("mqtt", s.mqttClient != nil),
		zap.Bool("kafka", s.kafkaSink != nil),
	)

	s.dispatcher.Start(ctx)
	go s.hub.Run(ctx)

	for _, src := range s.sources {
		if err := s.monitor.Attach(ctx, src); err != nil {
			return fmt.Errorf("failed to attach source: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}
}

// Stop 停止服务：先停入口，再排空分发，最后关闭连接
func (s *TelemetryService) Stop() error {
	var errs []error

	s.stopOnce.Do(func() {
		s.logger.Info("Stopping telemetry service")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop http server: %w", err))
		}

		if err := s.monitor.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close monitor: %w", err))
		}

		s.dispatcher.Stop()
		stats := s.dispatcher.Stats()
		s.logger.Info("Dispatcher drained",
			zap.Int64("received", stats.Received),
			zap.Int64("dropped", stats.Dropped),
		)

		if s.kafkaSink != nil {
			if err := s.kafkaSink.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close kafka writer: %w", err))
			}
		}

		s.closeConnections()
	})

	return errors.Join(errs...)
}

func (s *TelemetryService) closeConnections() {
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			s.logger.Error("Failed to close redis", zap.Error(err))
		}
	}

	if err := database.Close(s.db); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}
}
