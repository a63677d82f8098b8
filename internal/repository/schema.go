package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema 心率服务用到的表
const Schema = `
CREATE TABLE IF NOT EXISTS collars (
	collar_id  UUID PRIMARY KEY,
	device_id  VARCHAR(64) NOT NULL UNIQUE,
	dog_id     VARCHAR(64) NOT NULL,
	is_active  BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS heart_rate_events (
	event_id     UUID PRIMARY KEY,
	dog_id       VARCHAR(64) NOT NULL,
	seq          BIGINT NOT NULL,
	kind         VARCHAR(16) NOT NULL,
	label        VARCHAR(32) NOT NULL,
	message      TEXT NOT NULL,
	smoothed_bpm INTEGER NOT NULL,
	raw_bpm      DOUBLE PRECISION NOT NULL,
	confidence   INTEGER NOT NULL,
	occurred_at  TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_heart_rate_events_dog_time
	ON heart_rate_events (dog_id, occurred_at DESC);
`

// EnsureSchema 建表（幂等）
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}
