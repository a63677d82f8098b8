package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Hrithick25/smartcollar/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// HeartRateEventRepository 心率状态变化事件仓库
type HeartRateEventRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewHeartRateEventRepository 创建事件仓库
func NewHeartRateEventRepository(db *sql.DB, logger *zap.Logger) *HeartRateEventRepository {
	return &HeartRateEventRepository{
		db:     db,
		logger: logger,
	}
}

// Create 写入一条事件；EventID 为空时生成
func (r *HeartRateEventRepository) Create(ctx context.Context, e *models.HeartRateEvent) error {
	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}

	query := `
		INSERT INTO heart_rate_events (
			event_id, dog_id, seq, kind, label, message,
			smoothed_bpm, raw_bpm, confidence, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`

	err := r.db.QueryRowContext(ctx, query,
		e.EventID,
		e.DogID,
		e.Seq,
		e.Kind,
		e.Label,
		e.Message,
		e.SmoothedBPM,
		e.RawBPM,
		e.Confidence,
		e.OccurredAt,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert heart rate event: %w", err)
	}

	r.logger.Debug("Heart rate event stored",
		zap.String("event_id", e.EventID),
		zap.String("dog_id", e.DogID),
		zap.String("label", e.Label),
	)

	return nil
}

// List 查询某只狗的事件，按发生时间倒序
// limit <= 0 时使用默认值，最多 1000 条；since 为零值时不限制起始时间
func (r *HeartRateEventRepository) List(ctx context.Context, dogID string, since time.Time, limit int) ([]models.HeartRateEvent, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	query := `
		SELECT
			event_id, dog_id, seq, kind, label, message,
			smoothed_bpm, raw_bpm, confidence, occurred_at, created_at
		FROM heart_rate_events
		WHERE dog_id = $1
		  AND ($2::timestamptz IS NULL OR occurred_at >= $2)
		ORDER BY occurred_at DESC, seq DESC
		LIMIT $3
	`

	var sinceArg interface{}
	if !since.IsZero() {
		sinceArg = since
	}

	rows, err := r.db.QueryContext(ctx, query, dogID, sinceArg, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query heart rate events: %w", err)
	}
	defer rows.Close()

	events := make([]models.HeartRateEvent, 0)
	for rows.Next() {
		var e models.HeartRateEvent
		if err := rows.Scan(
			&e.EventID,
			&e.DogID,
			&e.Seq,
			&e.Kind,
			&e.Label,
			&e.Message,
			&e.SmoothedBPM,
			&e.RawBPM,
			&e.Confidence,
			&e.OccurredAt,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan heart rate event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate heart rate events: %w", err)
	}

	return events, nil
}
