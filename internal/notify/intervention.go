package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Hrithick25/smartcollar/internal/classifier"

	"go.uber.org/zap"
)

// DefaultCommandTopic 项圈指令主题，%s 为 dog_id
const DefaultCommandTopic = "smartcollar/%s/command"

// Publisher MQTT 发布（common/mqtt.Client 实现）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Intervention 安抚指令
type Intervention struct {
	DogID               string    `json:"dog_id"`
	InterventionType    string    `json:"intervention_type"` // HIGH, CRITICAL
	UltrasonicFrequency int       `json:"ultrasonic_frequency"`
	DurationSeconds     int       `json:"duration_seconds"`
	Reason              string    `json:"reason"`
	TriggeredAt         time.Time `json:"triggered_at"`
}

// interventionFor 状态 → 指令参数；不需要干预时 ok 为 false
func interventionFor(label classifier.Label) (kind string, freq, seconds int, ok bool) {
	switch label {
	case classifier.LabelCritical:
		return "CRITICAL", 22000, 5, true
	case classifier.LabelAnxious:
		return "HIGH", 20000, 3, true
	}
	return "", 0, 0, false
}

// InterventionSink 进入 Anxious/Critical 时向项圈下发安抚指令
type InterventionSink struct {
	publisher Publisher
	topic     string
	qos       byte
	logger    *zap.Logger
}

// NewInterventionSink topic 为空时使用 DefaultCommandTopic
func NewInterventionSink(publisher Publisher, topic string, qos byte, logger *zap.Logger) *InterventionSink {
	if topic == "" {
		topic = DefaultCommandTopic
	}
	return &InterventionSink{
		publisher: publisher,
		topic:     topic,
		qos:       qos,
		logger:    logger,
	}
}

func (s *InterventionSink) Name() string { return "intervention" }

func (s *InterventionSink) Handle(_ context.Context, e Event) error {
	if e.Entry == nil || e.Entry.Kind != classifier.KindTransition {
		return nil
	}
	kind, freq, seconds, ok := interventionFor(e.Entry.Label)
	if !ok {
		return nil
	}

	cmd := Intervention{
		DogID:               e.DogID,
		InterventionType:    kind,
		UltrasonicFrequency: freq,
		DurationSeconds:     seconds,
		Reason:              e.Entry.Message,
		TriggeredAt:         e.Entry.Time,
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal intervention: %w", err)
	}

	topic := fmt.Sprintf(s.topic, e.DogID)
	if err := s.publisher.Publish(topic, s.qos, false, payload); err != nil {
		return err
	}

	s.logger.Info("Intervention sent to collar",
		zap.String("dog_id", e.DogID),
		zap.String("intervention_type", kind),
		zap.String("topic", topic),
	)

	return nil
}
