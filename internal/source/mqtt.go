package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqttcommon "github.com/Hrithick25/smartcollar/common/mqtt"
	"github.com/Hrithick25/smartcollar/internal/models"

	"go.uber.org/zap"
)

const (
	// DefaultMQTTTopic 项圈心率上报主题，+ 为项圈序列号
	DefaultMQTTTopic = "smartcollar/+/heartrate"
	// DefaultResolveTTL 项圈 -> 狗 绑定关系的本地缓存时间
	DefaultResolveTTL = time.Minute
)

// MQTTSubscriber MQTT 客户端中本来源用到的部分
type MQTTSubscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// DogResolver 根据项圈序列号查询狗 ID；未绑定时返回 models.ErrCollarNotFound
type DogResolver interface {
	ResolveDog(ctx context.Context, collarID string) (string, error)
}

// MQTTSource MQTT 主题来源
type MQTTSource struct {
	client   MQTTSubscriber
	topic    string
	qos      byte
	resolver DogResolver
	logger   *zap.Logger
	now      func() time.Time

	resolveTTL time.Duration
	dogsMu     sync.Mutex
	dogs       map[string]resolvedDog
}

type resolvedDog struct {
	dogID   string
	expires time.Time
}

// NewMQTTSource 创建 MQTT 来源；resolver 为 nil 时要求消息体自带 dog_id
func NewMQTTSource(client MQTTSubscriber, topic string, qos byte, resolver DogResolver, logger *zap.Logger) *MQTTSource {
	if topic == "" {
		topic = DefaultMQTTTopic
	}
	return &MQTTSource{
		client:   client,
		topic:    topic,
		qos:      qos,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,

		resolveTTL: DefaultResolveTTL,
		dogs:       make(map[string]resolvedDog),
	}
}

// Subscribe 订阅主题
func (s *MQTTSource) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	err := s.client.Subscribe(s.topic, s.qos, func(topic string, payload []byte) error {
		if ctx.Err() != nil {
			return nil
		}
		return s.handleMessage(ctx, topic, payload, h)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Subscribed to heart-rate topic", zap.String("topic", s.topic))

	return newSubscription(func() error {
		return s.client.Unsubscribe(s.topic)
	}), nil
}

func (s *MQTTSource) handleMessage(ctx context.Context, topic string, payload []byte, h Handler) error {
	r, err := DecodePayload(payload, s.now())
	if err != nil {
		return err
	}

	if r.CollarID == "" {
		r.CollarID = topicSegment(s.topic, topic)
	}

	if r.DogID == "" {
		if s.resolver == nil || r.CollarID == "" {
			s.logger.Warn("Dropping reading without dog id", zap.String("topic", topic))
			return nil
		}
		dogID, err := s.resolveDog(ctx, r.CollarID)
		if err != nil {
			if errors.Is(err, models.ErrCollarNotFound) {
				s.logger.Warn("Collar not bound to a dog",
					zap.String("collar_id", r.CollarID),
					zap.String("topic", topic),
				)
				return nil
			}
			return fmt.Errorf("failed to resolve dog for collar %s: %w", r.CollarID, err)
		}
		r.DogID = dogID
	}

	h(r)
	return nil
}

// resolveDog 先查本地缓存，未命中或过期时查询 resolver；未绑定的结果不缓存
func (s *MQTTSource) resolveDog(ctx context.Context, collarID string) (string, error) {
	now := s.now()

	s.dogsMu.Lock()
	cached, ok := s.dogs[collarID]
	s.dogsMu.Unlock()
	if ok && now.Before(cached.expires) {
		return cached.dogID, nil
	}

	dogID, err := s.resolver.ResolveDog(ctx, collarID)
	if err != nil {
		return "", err
	}

	s.dogsMu.Lock()
	s.dogs[collarID] = resolvedDog{dogID: dogID, expires: now.Add(s.resolveTTL)}
	s.dogsMu.Unlock()

	return dogID, nil
}
