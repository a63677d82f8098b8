// Package notify 把分类器的状态变化分发到各个下游（数据库、缓存、Streams、Kafka、Webhook、项圈指令、WebSocket）
package notify

import (
	"context"
	"time"

	"github.com/Hrithick25/smartcollar/internal/classifier"
	"github.com/Hrithick25/smartcollar/internal/models"
)

// Event 一次状态变化
// Entry 非空表示产生了日志条目（状态切换或离线），否则只是数值刷新
// EventID 只在有日志条目时分配，所有下游共用同一个 ID
type Event struct {
	EventID string               `json:"event_id,omitempty"`
	DogID   string               `json:"dog_id"`
	Status  classifier.Status    `json:"status"`
	Entry   *classifier.LogEntry `json:"entry,omitempty"`
	At      time.Time            `json:"at"`
}

// IsTransition 是否产生了日志条目
func (e Event) IsTransition() bool {
	return e.Entry != nil
}

// IsAlert 需要提醒的条目：进入 Critical/Anxious/Abnormal 或信号丢失
func (e Event) IsAlert() bool {
	if e.Entry == nil {
		return false
	}
	if e.Entry.Kind == classifier.KindStale {
		return true
	}
	switch e.Entry.Label {
	case classifier.LabelCritical, classifier.LabelAnxious, classifier.LabelAbnormal:
		return true
	}
	return false
}

// HeartRateEvent 转换为持久化模型；没有日志条目时返回 nil
func (e Event) HeartRateEvent() *models.HeartRateEvent {
	if e.Entry == nil {
		return nil
	}
	return &models.HeartRateEvent{
		EventID:     e.EventID,
		DogID:       e.DogID,
		Seq:         e.Entry.Seq,
		Kind:        string(e.Entry.Kind),
		Label:       string(e.Entry.Label),
		Message:     e.Entry.Message,
		SmoothedBPM: e.Status.SmoothedBPM,
		RawBPM:      e.Status.RawBPM,
		Confidence:  e.Status.Confidence,
		OccurredAt:  e.Entry.Time,
	}
}

// Sink 事件下游；返回的错误只记录日志，不影响其他下游
type Sink interface {
	Name() string
	Handle(ctx context.Context, e Event) error
}
