// Package source 心率读数来源：MQTT 主题、Redis Streams、进程内通道
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Hrithick25/smartcollar/internal/models"
)

// Handler 读数回调；同一订阅内按到达顺序串行调用
type Handler func(models.Reading)

// Subscription 订阅句柄
type Subscription interface {
	// Unsubscribe 释放订阅，可重复调用
	Unsubscribe() error
}

// Source 推送式读数来源
type Source interface {
	Subscribe(ctx context.Context, h Handler) (Subscription, error)
}

// subscription 通用订阅句柄：stop 只执行一次
type subscription struct {
	once sync.Once
	stop func() error
	err  error
}

func newSubscription(stop func() error) *subscription {
	return &subscription{stop: stop}
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.stop()
	})
	return s.err
}

// wirePayload 宽松的对象格式：value/timestamp 可以是数字或字符串
type wirePayload struct {
	DogID     string          `json:"dog_id"`
	CollarID  string          `json:"collar_id"`
	Value     json.RawMessage `json:"value"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// DecodePayload 解析一条原始消息
//
// 支持三种格式：
//   - {"value": 92, "timestamp": 1726820000000}（毫秒）
//   - JSON 数字 92
//   - 纯文本 "92"
//
// value 缺失或非数字时解析为 NaN，由分类器的有效性过滤丢弃；
// 只有对象格式 JSON 损坏时返回错误。
func DecodePayload(data []byte, receivedAt time.Time) (models.Reading, error) {
	r := models.Reading{Value: math.NaN(), ReceivedAt: receivedAt}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var p wirePayload
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return r, fmt.Errorf("failed to unmarshal reading payload: %w", err)
		}
		r.DogID = p.DogID
		r.CollarID = p.CollarID
		r.Value = parseValue(p.Value)
		r.Timestamp = parseTimestamp(p.Timestamp)
		return r, nil
	}

	r.Value = parseValue(trimmed)
	return r, nil
}

func parseValue(raw []byte) float64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// parseTimestamp 毫秒时间戳或 RFC3339 字符串；无法识别时返回零值（以到达时间为准）
func parseTimestamp(raw []byte) time.Time {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}
	}
	if strings.HasPrefix(s, `"`) {
		s = strings.Trim(s, `"`)
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	ms, err := strconv.ParseFloat(s, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

// topicSegment 按订阅模式中 "+" 的位置取出主题中的对应段
// 例如 pattern=smartcollar/+/heartrate，topic=smartcollar/C-001/heartrate → C-001
func topicSegment(pattern, topic string) string {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")
	for i, seg := range p {
		if seg == "+" && i < len(t) {
			return t[i]
		}
	}
	return ""
}
