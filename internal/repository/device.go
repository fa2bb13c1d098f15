package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Smartcool-Ranger/mqtt-pairing/internal/credential"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrConflict 同一 chip_id 已存在设备，或并发创建时违反唯一约束
	ErrConflict = errors.New("device already exists")
)

const (
	// DeviceNamePrefix 设备名前缀
	DeviceNamePrefix = "DS"

	defaultTypeID      = 1
	defaultConditionID = 6

	// placementActive ht_placement_acsms.placement_status 激活值
	placementActive = 1

	// deviceNameLockKey 设备名生成使用的 advisory lock key（事务级）
	deviceNameLockKey int64 = 0x4453_4e41_4d45 // "DSNAME"

	pqUniqueViolation = "23505"
)

// Access levels understood by the broker's ACL backend.
const (
	AccessRead      = 1
	AccessWrite     = 2
	AccessReadWrite = 3
)

// Device 设备模型（dt_master_devices）
type Device struct {
	ID           int64
	DeviceName   string
	Firmware     string
	Hardware     string
	ChipID       string
	MacWifi      string
	MacBluetooth string
	License      int
	ACID         *int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Placement 设备与门禁控制器的绑定（ht_placement_acsms）
type Placement struct {
	ID        int64
	DeviceID  int64
	ACID      int64
	Status    int
	UpdatedAt time.Time
}

// AccessControlEntry MQTT ACL 规则（mqtt_commands）
type AccessControlEntry struct {
	Topic       string
	AccessLevel int
}

// NewDevice 新设备注册参数
type NewDevice struct {
	ChipID       string
	Firmware     string
	Hardware     string
	MacWifi      string
	MacBluetooth string
}

// DeviceRepository 设备仓库
type DeviceRepository struct {
	db             *sql.DB
	hasher         credential.Hasher
	aclTopicPrefix string
	logger         *zap.Logger
}

// NewDeviceRepository 创建设备仓库
func NewDeviceRepository(db *sql.DB, hasher credential.Hasher, aclTopicPrefix string, logger *zap.Logger) *DeviceRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeviceRepository{
		db:             db,
		hasher:         hasher,
		aclTopicPrefix: aclTopicPrefix,
		logger:         logger,
	}
}

const deviceColumns = `
			id,
			device_name,
			firmware,
			hardware,
			chip_id,
			COALESCE(mac_wifi, ''),
			COALESCE(mac_bluetooth, ''),
			COALESCE(license, 0),
			ac_id,
			created_at,
			updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	d := &Device{}
	err := row.Scan(
		&d.ID,
		&d.DeviceName,
		&d.Firmware,
		&d.Hardware,
		&d.ChipID,
		&d.MacWifi,
		&d.MacBluetooth,
		&d.License,
		&d.ACID,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// FindByChipID 根据 chip_id 精确查询设备（查询前去除首尾空白）
func (r *DeviceRepository) FindByChipID(ctx context.Context, chipID string) (*Device, error) {
	query := `SELECT` + deviceColumns + `
		FROM dt_master_devices
		WHERE chip_id = $1
		LIMIT 1`

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, strings.TrimSpace(chipID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	return device, nil
}

// FindDeviceNameByChipID 只查询 device_name（旧版配对流程）
func (r *DeviceRepository) FindDeviceNameByChipID(ctx context.Context, chipID string) (string, error) {
	var name string
	err := r.db.QueryRowContext(ctx,
		`SELECT device_name FROM dt_master_devices WHERE chip_id = $1 LIMIT 1`,
		strings.TrimSpace(chipID),
	).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to query device name: %w", err)
	}
	return name, nil
}

// LatestActivePlacement 查询设备最近一条激活状态的 placement
func (r *DeviceRepository) LatestActivePlacement(ctx context.Context, deviceID int64) (*Placement, error) {
	query := `
		SELECT id, device_id, ac_id, placement_status, updated_at
		FROM ht_placement_acsms
		WHERE device_id = $1 AND placement_status = $2
		ORDER BY updated_at DESC
		LIMIT 1
	`

	p := &Placement{}
	err := r.db.QueryRowContext(ctx, query, deviceID, placementActive).Scan(
		&p.ID,
		&p.DeviceID,
		&p.ACID,
		&p.Status,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query placement: %w", err)
	}
	return p, nil
}

// FormatDeviceName 生成设备名，至少 4 位补零；超过 9999 自动加宽（DS10000）
func FormatDeviceName(n int64) string {
	return fmt.Sprintf("%s%04d", DeviceNamePrefix, n)
}

// AccessControlEntries 新设备的四条 ACL 规则
func AccessControlEntries(prefix, hardware, chipID string) []AccessControlEntry {
	base := fmt.Sprintf("%s/%s/%s/", prefix, hardware, chipID)
	return []AccessControlEntry{
		{Topic: base + "data", AccessLevel: AccessReadWrite},
		{Topic: base + "cmd", AccessLevel: AccessRead},
		{Topic: base + "recmd", AccessLevel: AccessReadWrite},
		{Topic: base + "notif", AccessLevel: AccessReadWrite},
	}
}

// CreateDevice 在一个事务中创建设备、MQTT 账号和四条 ACL。
// 任一步失败整体回滚；chip_id 已存在或违反唯一约束时返回 ErrConflict。
func (r *DeviceRepository) CreateDevice(ctx context.Context, nd NewDevice) (device *Device, err error) {
	chipID := strings.TrimSpace(nd.ChipID)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				r.logger.Warn("Failed to rollback device creation",
					zap.String("chip_id", chipID),
					zap.Error(rbErr),
				)
			}
		}
	}()

	// 1. 串行化设备名生成：并发事务在此排队，直到持锁事务提交或回滚
	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, deviceNameLockKey); err != nil {
		return nil, fmt.Errorf("failed to acquire device name lock: %w", err)
	}

	// 2. 持锁后再次确认 chip_id 未被注册
	var existingID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM dt_master_devices WHERE chip_id = $1 LIMIT 1`, chipID,
	).Scan(&existingID)
	switch {
	case err == nil:
		err = ErrConflict
		return nil, err
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to check existing device: %w", err)
	}

	// 3. 生成设备名
	var deviceName string
	deviceName, err = nextDeviceName(ctx, tx)
	if err != nil {
		return nil, err
	}

	// 4. 插入设备
	insertDevice := `
		INSERT INTO dt_master_devices (
			type_id,
			device_name,
			firmware,
			hardware,
			condition_id,
			chip_id,
			mac_wifi,
			mac_bluetooth,
			created_at,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING` + deviceColumns

	device, err = scanDevice(tx.QueryRowContext(ctx, insertDevice,
		defaultTypeID,
		deviceName,
		nd.Firmware,
		nd.Hardware,
		defaultConditionID,
		chipID,
		nullString(nd.MacWifi),
		nullString(nd.MacBluetooth),
	))
	if err != nil {
		err = mapWriteError(err)
		return nil, fmt.Errorf("failed to insert device: %w", err)
	}

	// 5. 创建 MQTT 账号，密码由 chip_id 和设备名推导
	var hashed string
	hashed, err = r.hasher.Hash(credential.Password(chipID, deviceName))
	if err != nil {
		return nil, err
	}

	var mqttUserID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO mqtt_users (username, password, created_at, updated_at)
		 VALUES ($1, $2, NOW(), NOW())
		 RETURNING id`,
		chipID, hashed,
	).Scan(&mqttUserID)
	if err != nil {
		err = mapWriteError(err)
		return nil, fmt.Errorf("failed to insert mqtt user: %w", err)
	}

	// 6. ACL
	for _, acl := range AccessControlEntries(r.aclTopicPrefix, nd.Hardware, chipID) {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO mqtt_commands (mqtt_id, topic, access_level) VALUES ($1, $2, $3)`,
			mqttUserID, acl.Topic, acl.AccessLevel,
		); err != nil {
			return nil, fmt.Errorf("failed to insert mqtt acl %s: %w", acl.Topic, err)
		}
	}

	if err = tx.Commit(); err != nil {
		err = mapWriteError(err)
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Info("Device created",
		zap.Int64("device_id", device.ID),
		zap.String("device_name", device.DeviceName),
		zap.String("chip_id", chipID),
		zap.String("hardware", nd.Hardware),
		zap.Int64("mqtt_user_id", mqttUserID),
	)

	return device, nil
}

// nextDeviceName 读取当前最大编号并加一，必须在持有 deviceNameLockKey 的事务内调用
func nextDeviceName(ctx context.Context, tx *sql.Tx) (string, error) {
	var last int64
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(CAST(SUBSTRING(device_name FROM 3) AS BIGINT)), 0)
		FROM dt_master_devices
		WHERE device_name ~ '^DS[0-9]+$'
	`).Scan(&last)
	if err != nil {
		return "", fmt.Errorf("failed to read last device name: %w", err)
	}
	return FormatDeviceName(last + 1), nil
}

func mapWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
