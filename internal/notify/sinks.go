package notify

import (
	"context"
	"time"

	rediscommon "github.com/Hrithick25/smartcollar/common/redis"
	"github.com/Hrithick25/smartcollar/internal/classifier"
	"github.com/Hrithick25/smartcollar/internal/models"

	"github.com/go-redis/redis/v8"
)

// EventStore 事件持久化（repository.HeartRateEventRepository 实现）
type EventStore interface {
	Create(ctx context.Context, e *models.HeartRateEvent) error
}

// RepositorySink 只写入产生日志条目的事件
type RepositorySink struct {
	store EventStore
}

func NewRepositorySink(store EventStore) *RepositorySink {
	return &RepositorySink{store: store}
}

func (s *RepositorySink) Name() string { return "postgres" }

func (s *RepositorySink) Handle(ctx context.Context, e Event) error {
	he := e.HeartRateEvent()
	if he == nil {
		return nil
	}
	return s.store.Create(ctx, he)
}

// StatusStore 状态快照（cache.StatusCache 实现）
type StatusStore interface {
	SetStatus(ctx context.Context, dogID string, st classifier.Status, at time.Time) error
}

// CacheSink 每次变化都刷新快照
type CacheSink struct {
	store StatusStore
}

func NewCacheSink(store StatusStore) *CacheSink {
	return &CacheSink{store: store}
}

func (s *CacheSink) Name() string { return "redis-cache" }

func (s *CacheSink) Handle(ctx context.Context, e Event) error {
	return s.store.SetStatus(ctx, e.DogID, e.Status, e.At)
}

// DefaultEventStream 状态切换事件输出的 Stream
const DefaultEventStream = "smartcollar:events:stream"

// StreamSink 把状态切换写入 Redis Streams，供告警等下游服务消费
type StreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamSink maxLen > 0 时按近似长度裁剪
func NewStreamSink(client *redis.Client, stream string, maxLen int64) *StreamSink {
	if stream == "" {
		stream = DefaultEventStream
	}
	return &StreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *StreamSink) Name() string { return "redis-stream" }

func (s *StreamSink) Handle(ctx context.Context, e Event) error {
	he := e.HeartRateEvent()
	if he == nil {
		return nil
	}
	_, err := rediscommon.PublishJSONToStream(ctx, s.client, s.stream, he, s.maxLen)
	return err
}
