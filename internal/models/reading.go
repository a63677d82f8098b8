package models

import (
	"math"
	"time"
)

// Reading 单条心率读数（来自项圈的推送）
type Reading struct {
	DogID      string    `json:"dog_id"`
	CollarID   string    `json:"collar_id,omitempty"`
	Value      float64   `json:"value"`               // bpm，缺失时为 NaN
	Timestamp  time.Time `json:"timestamp,omitempty"` // 设备侧时间，零值表示以到达时间为准
	ReceivedAt time.Time `json:"received_at"`         // 本地接收时间
}

// HasValue 是否携带了有限数值
func (r Reading) HasValue() bool {
	return !math.IsNaN(r.Value) && !math.IsInf(r.Value, 0)
}
