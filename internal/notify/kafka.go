package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Hrithick25/smartcollar/common/config"

	"github.com/segmentio/kafka-go"
)

// DefaultKafkaTopic 状态切换事件主题
const DefaultKafkaTopic = "smartcollar.heartrate.events"

// MessageWriter kafka.Writer 中用到的部分
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter 按 dog_id 哈希分区，保证同一只狗的事件有序
func NewKafkaWriter(cfg *config.KafkaConfig) *kafka.Writer {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// KafkaSink 状态切换事件写入 Kafka
type KafkaSink struct {
	writer MessageWriter
}

func NewKafkaSink(writer MessageWriter) *KafkaSink {
	return &KafkaSink{writer: writer}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Handle(ctx context.Context, e Event) error {
	he := e.HeartRateEvent()
	if he == nil {
		return nil
	}

	b, err := json.Marshal(he)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(e.DogID),
		Value: b,
		Time:  e.At,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

// Close 关闭底层 writer
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
