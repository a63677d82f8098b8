package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	rediscommon "github.com/Hrithick25/smartcollar/common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Metrics 消费统计
type Metrics struct {
	mu sync.RWMutex

	MessagesProcessed int64 // 读取的消息总数
	MessagesSucceeded int64 // 交给 Handler 的消息数
	MessagesFailed    int64 // 处理失败
	MessagesSkipped   int64 // 跳过（缺少 dog_id 等）

	ErrorsParse int64 // 解析错误
	ErrorsAck   int64 // ACK 失败

	TotalProcessingTime time.Duration
	LastProcessTime     time.Time

	StartTime time.Time
}

// GetSnapshot 获取指标快照（线程安全）
func (m *Metrics) GetSnapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		MessagesProcessed:   m.MessagesProcessed,
		MessagesSucceeded:   m.MessagesSucceeded,
		MessagesFailed:      m.MessagesFailed,
		MessagesSkipped:     m.MessagesSkipped,
		ErrorsParse:         m.ErrorsParse,
		ErrorsAck:           m.ErrorsAck,
		TotalProcessingTime: m.TotalProcessingTime,
		LastProcessTime:     m.LastProcessTime,
		StartTime:           m.StartTime,
	}
}

func (m *Metrics) incProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesProcessed++
}

func (m *Metrics) incSucceeded(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesSucceeded++
	m.TotalProcessingTime += d
	m.LastProcessTime = time.Now()
}

func (m *Metrics) incFailed(errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesFailed++
	switch errorType {
	case "parse":
		m.ErrorsParse++
	case "ack":
		m.ErrorsAck++
	}
}

func (m *Metrics) incSkipped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesSkipped++
}

// StreamConfig Streams 消费参数
type StreamConfig struct {
	Stream        string
	Group         string
	Consumer      string
	BatchSize     int64
	Block         time.Duration
	MetricsReport time.Duration // <= 0 时不输出指标日志
}

// StreamSource Redis Streams 消费者组来源
// 消息字段 data 为 JSON：{"dog_id","collar_id","value","timestamp"}
type StreamSource struct {
	client  *redis.Client
	cfg     StreamConfig
	logger  *zap.Logger
	metrics *Metrics
}

// NewStreamSource 创建 Streams 来源
func NewStreamSource(client *redis.Client, cfg StreamConfig, logger *zap.Logger) *StreamSource {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &StreamSource{
		client: client,
		cfg:    cfg,
		logger: logger,
		metrics: &Metrics{
			StartTime: time.Now(),
		},
	}
}

// Metrics 当前统计
func (s *StreamSource) Metrics() Metrics {
	return s.metrics.GetSnapshot()
}

// Subscribe 创建消费者组并启动消费循环
func (s *StreamSource) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	if err := rediscommon.CreateConsumerGroup(ctx, s.client, s.cfg.Stream, s.cfg.Group); err != nil {
		return nil, fmt.Errorf("failed to create consumer group for %s: %w", s.cfg.Stream, err)
	}

	s.logger.Info("Stream consumer started",
		zap.String("consumer_group", s.cfg.Group),
		zap.String("consumer_name", s.cfg.Consumer),
		zap.String("stream", s.cfg.Stream),
	)

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	if s.cfg.MetricsReport > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.reportMetrics(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.run(ctx, h)
	}()

	return newSubscription(func() error {
		cancel()
		wg.Wait()
		return nil
	}), nil
}

// run 消费循环，读取失败时指数退避（1s 起，最大 30s）
func (s *StreamSource) run(ctx context.Context, h Handler) {
	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.consume(ctx, h); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to consume stream",
				zap.Error(err),
				zap.Duration("backoff", backoffDuration),
			)

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffDuration):
				backoffDuration *= 2
				if backoffDuration > maxBackoff {
					backoffDuration = maxBackoff
				}
			}
			continue
		}

		backoffDuration = time.Second
	}
}

func (s *StreamSource) consume(ctx context.Context, h Handler) error {
	messages, err := rediscommon.ReadFromStream(
		ctx,
		s.client,
		s.cfg.Stream,
		s.cfg.Group,
		s.cfg.Consumer,
		s.cfg.BatchSize,
		s.cfg.Block,
	)
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, msg := range messages {
		s.metrics.incProcessed()
		if err := s.processMessage(msg, h); err != nil {
			s.logger.Error("Failed to process message",
				zap.String("stream_id", msg.ID),
				zap.Error(err),
			)
		}

		// 解析失败的消息同样确认，避免反复投递
		if err := rediscommon.Ack(ctx, s.client, s.cfg.Stream, s.cfg.Group, msg.ID); err != nil {
			s.metrics.incFailed("ack")
			s.logger.Warn("Failed to ack message",
				zap.String("stream_id", msg.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (s *StreamSource) processMessage(msg rediscommon.StreamMessage, h Handler) error {
	startTime := time.Now()

	val, ok := msg.Values["data"]
	if !ok {
		s.metrics.incFailed("parse")
		return fmt.Errorf("missing data field in message")
	}
	dataStr, ok := val.(string)
	if !ok {
		s.metrics.incFailed("parse")
		return fmt.Errorf("invalid data format in message")
	}

	r, err := DecodePayload([]byte(dataStr), startTime)
	if err != nil {
		s.metrics.incFailed("parse")
		return err
	}

	if r.DogID == "" {
		s.metrics.incSkipped()
		s.logger.Warn("Reading without dog id skipped",
			zap.String("stream_id", msg.ID),
			zap.String("collar_id", r.CollarID),
		)
		return nil
	}

	h(r)
	s.metrics.incSucceeded(time.Since(startTime))

	return nil
}

// reportMetrics 定期输出消费统计
func (s *StreamSource) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MetricsReport)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := s.metrics.GetSnapshot()

			var avgProcessingTime time.Duration
			if snapshot.MessagesSucceeded > 0 {
				avgProcessingTime = snapshot.TotalProcessingTime / time.Duration(snapshot.MessagesSucceeded)
			}

			successRate := float64(0)
			if snapshot.MessagesProcessed > 0 {
				successRate = float64(snapshot.MessagesSucceeded) / float64(snapshot.MessagesProcessed) * 100
			}

			s.logger.Info("Metrics report",
				zap.String("stream", s.cfg.Stream),
				zap.Int64("messages_processed", snapshot.MessagesProcessed),
				zap.Int64("messages_succeeded", snapshot.MessagesSucceeded),
				zap.Int64("messages_failed", snapshot.MessagesFailed),
				zap.Int64("messages_skipped", snapshot.MessagesSkipped),
				zap.Float64("success_rate", successRate),
				zap.Int64("errors_parse", snapshot.ErrorsParse),
				zap.Int64("errors_ack", snapshot.ErrorsAck),
				zap.Duration("avg_processing_time", avgProcessingTime),
				zap.Duration("uptime", time.Since(snapshot.StartTime)),
			)
		}
	}
}
