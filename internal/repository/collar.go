package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Hrithick25/smartcollar/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CollarRepository 项圈仓库
type CollarRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCollarRepository 创建项圈仓库
func NewCollarRepository(db *sql.DB, logger *zap.Logger) *CollarRepository {
	return &CollarRepository{
		db:     db,
		logger: logger,
	}
}

// GetByDeviceID 根据项圈序列号查询启用中的项圈
// 不存在或已停用时返回 models.ErrCollarNotFound
func (r *CollarRepository) GetByDeviceID(ctx context.Context, deviceID string) (*models.Collar, error) {
	query := `
		SELECT collar_id, device_id, dog_id, is_active
		FROM collars
		WHERE device_id = $1 AND is_active = TRUE
	`

	var c models.Collar
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&c.CollarID,
		&c.DeviceID,
		&c.DogID,
		&c.IsActive,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrCollarNotFound
		}
		return nil, fmt.Errorf("failed to query collar %s: %w", deviceID, err)
	}

	return &c, nil
}

// ResolveDog 项圈序列号 → dog_id（MQTT 来源使用）
func (r *CollarRepository) ResolveDog(ctx context.Context, deviceID string) (string, error) {
	c, err := r.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return "", err
	}
	return c.DogID, nil
}

// Bind 绑定项圈与狗（按 device_id 幂等，重复绑定会改绑并重新启用）
func (r *CollarRepository) Bind(ctx context.Context, deviceID, dogID string) (*models.Collar, error) {
	query := `
		INSERT INTO collars (collar_id, device_id, dog_id, is_active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (device_id) DO UPDATE
		SET dog_id = EXCLUDED.dog_id, is_active = TRUE
		RETURNING collar_id
	`

	c := models.Collar{DeviceID: deviceID, DogID: dogID, IsActive: true}
	if err := r.db.QueryRowContext(ctx, query, uuid.New().String(), deviceID, dogID).Scan(&c.CollarID); err != nil {
		return nil, fmt.Errorf("failed to bind collar %s: %w", deviceID, err)
	}

	r.logger.Info("Collar bound",
		zap.String("device_id", deviceID),
		zap.String("dog_id", dogID),
	)

	return &c, nil
}
