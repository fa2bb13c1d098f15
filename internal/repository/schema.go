package repository

import (
	"context"
	"fmt"
)

// schemaStatements 建表语句。唯一约束（chip_id、device_name、username）是并发注册的最后防线。
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS dt_master_devices (
		id            BIGSERIAL PRIMARY KEY,
		type_id       INTEGER      NOT NULL DEFAULT 1,
		device_name   VARCHAR(32)  NOT NULL,
		firmware      VARCHAR(64)  NOT NULL,
		hardware      VARCHAR(64)  NOT NULL,
		condition_id  INTEGER      NOT NULL DEFAULT 6,
		chip_id       VARCHAR(64)  NOT NULL,
		mac_wifi      VARCHAR(32),
		mac_bluetooth VARCHAR(32),
		license       INTEGER      NOT NULL DEFAULT 0,
		ac_id         BIGINT,
		created_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_master_devices_chip_id UNIQUE (chip_id),
		CONSTRAINT uq_master_devices_device_name UNIQUE (device_name)
	)`,
	`CREATE TABLE IF NOT EXISTS ht_placement_acsms (
		id               BIGSERIAL PRIMARY KEY,
		device_id        BIGINT      NOT NULL REFERENCES dt_master_devices (id),
		ac_id            BIGINT      NOT NULL,
		placement_status SMALLINT    NOT NULL DEFAULT 1,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_placement_acsms_device_status
		ON ht_placement_acsms (device_id, placement_status, updated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS mqtt_users (
		id         BIGSERIAL PRIMARY KEY,
		username   VARCHAR(64)  NOT NULL,
		password   VARCHAR(255) NOT NULL,
		created_at TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_mqtt_users_username UNIQUE (username)
	)`,
	`CREATE TABLE IF NOT EXISTS mqtt_commands (
		id           BIGSERIAL PRIMARY KEY,
		mqtt_id      BIGINT       NOT NULL REFERENCES mqtt_users (id) ON DELETE CASCADE,
		topic        VARCHAR(255) NOT NULL,
		access_level SMALLINT     NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_mqtt_commands_mqtt_id ON mqtt_commands (mqtt_id)`,
}

// EnsureSchema 创建服务依赖的表（已存在则跳过）
func (r *DeviceRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	r.logger.Info("Database schema ensured")
	return nil
}
