// Package cache 心率状态快照缓存（供其他服务/前端直接读取 Redis）
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Hrithick25/smartcollar/internal/classifier"

	"go.uber.org/zap"
)

// DefaultStatusTTL 快照过期时间；离线判定之后仍保留一段时间
const DefaultStatusTTL = 5 * time.Minute

// StatusSnapshot 缓存中的状态
type StatusSnapshot struct {
	DogID string `json:"dog_id"`
	classifier.Status
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusCache 状态快照读写
type StatusCache struct {
	kv     KVStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewStatusCache 创建状态缓存
func NewStatusCache(kv KVStore, ttl time.Duration, logger *zap.Logger) *StatusCache {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &StatusCache{
		kv:     kv,
		ttl:    ttl,
		logger: logger,
	}
}

// StatusKey 缓存键
func StatusKey(dogID string) string {
	return fmt.Sprintf("smartcollar:dog:%s:heartrate", dogID)
}

// SetStatus 写入快照
func (c *StatusCache) SetStatus(ctx context.Context, dogID string, st classifier.Status, at time.Time) error {
	key := StatusKey(dogID)

	jsonData, err := json.Marshal(StatusSnapshot{DogID: dogID, Status: st, UpdatedAt: at})
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if err := c.kv.Set(ctx, key, string(jsonData), c.ttl); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	c.logger.Debug("Updated heart-rate status cache",
		zap.String("dog_id", dogID),
		zap.String("key", key),
	)

	return nil
}

// GetStatus 读取快照；不存在时返回 ErrCacheMiss
func (c *StatusCache) GetStatus(ctx context.Context, dogID string) (*StatusSnapshot, error) {
	raw, err := c.kv.Get(ctx, StatusKey(dogID))
	if err != nil {
		return nil, err
	}

	var snap StatusSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return &snap, nil
}
