package classifier

import (
	"fmt"
	"time"
)

// Config 分类器参数
type Config struct {
	WindowSize         int           `yaml:"window_size"`          // 滑动窗口容量，默认 5
	SpikeThreshold     float64       `yaml:"spike_threshold"`      // 单步跳变阈值（bpm），默认 60
	MinValue           float64       `yaml:"min_value"`            // 合理下限（含），默认 30
	MaxValue           float64       `yaml:"max_value"`            // 合理上限（含），默认 250
	StaleTimeout       time.Duration `yaml:"stale_timeout"`        // 无数据判定离线，默认 10s
	StaleCheckInterval time.Duration `yaml:"stale_check_interval"` // 离线检查周期，默认 1s
	MaxReadingAge      time.Duration `yaml:"max_reading_age"`      // 读数自带时间戳的最大延迟，默认 60s
	LogCapacity        int           `yaml:"log_capacity"`         // 事件日志容量，默认 25
	Scheme             Scheme        `yaml:"scheme"`
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		WindowSize:         5,
		SpikeThreshold:     60,
		MinValue:           30,
		MaxValue:           250,
		StaleTimeout:       10 * time.Second,
		StaleCheckInterval: time.Second,
		MaxReadingAge:      60 * time.Second,
		LogCapacity:        25,
		Scheme:             FiveBand(),
	}
}

// Validate 校验参数
func (c Config) Validate() error {
	if c.WindowSize <= 0 {
		return fmt.Errorf("window size must be positive, got %d", c.WindowSize)
	}
	if c.SpikeThreshold <= 0 {
		return fmt.Errorf("spike threshold must be positive, got %v", c.SpikeThreshold)
	}
	if c.MinValue <= 0 || c.MaxValue <= c.MinValue {
		return fmt.Errorf("invalid value bounds [%v, %v]", c.MinValue, c.MaxValue)
	}
	if c.StaleTimeout <= 0 {
		return fmt.Errorf("stale timeout must be positive, got %s", c.StaleTimeout)
	}
	if c.StaleCheckInterval <= 0 || c.StaleCheckInterval > c.StaleTimeout {
		return fmt.Errorf("stale check interval must be in (0, %s], got %s", c.StaleTimeout, c.StaleCheckInterval)
	}
	if c.MaxReadingAge <= 0 {
		return fmt.Errorf("max reading age must be positive, got %s", c.MaxReadingAge)
	}
	if c.LogCapacity <= 0 {
		return fmt.Errorf("log capacity must be positive, got %d", c.LogCapacity)
	}
	return c.Scheme.Validate()
}
