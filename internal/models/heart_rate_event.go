package models

import (
	"errors"
	"time"
)

// ErrCollarNotFound 项圈不存在或未绑定
var ErrCollarNotFound = errors.New("collar not found")

// HeartRateEvent 心率状态变化事件（对应 heart_rate_events 表）
type HeartRateEvent struct {
	EventID     string    `json:"event_id" db:"event_id"`
	DogID       string    `json:"dog_id" db:"dog_id"`
	Seq         int64     `json:"seq" db:"seq"`
	Kind        string    `json:"kind" db:"kind"`   // transition, stale
	Label       string    `json:"label" db:"label"` // Critical, Anxious, Active, Steady, Abnormal, —
	Message     string    `json:"message" db:"message"`
	SmoothedBPM int       `json:"smoothed_bpm" db:"smoothed_bpm"`
	RawBPM      float64   `json:"raw_bpm" db:"raw_bpm"`
	Confidence  int       `json:"confidence" db:"confidence"`
	OccurredAt  time.Time `json:"occurred_at" db:"occurred_at"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Collar 项圈设备（对应 collars 表）
type Collar struct {
	CollarID string `json:"collar_id" db:"collar_id"`
	DeviceID string `json:"device_id" db:"device_id"` // 项圈序列号（MQTT 主题中的标识）
	DogID    string `json:"dog_id" db:"dog_id"`
	IsActive bool   `json:"is_active" db:"is_active"`
}
