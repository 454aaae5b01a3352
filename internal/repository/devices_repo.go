package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fleetwatch/internal/models"

	"go.uber.org/zap"
)

// ErrDeviceNotFound 设备不存在
var ErrDeviceNotFound = errors.New("device not found")

// DeviceRepository 设备仓库
// 设备基础字段由外部CRUD服务维护；本服务只读取，
// 并回写 last_sync 与电量/信号派生字段
type DeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceRepository 创建设备仓库
func NewDeviceRepository(db *sql.DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{
		db:     db,
		logger: logger,
	}
}

const deviceColumns = `
	d.id,
	d.serial,
	d.type,
	d.group_id,
	d.description,
	d.notes,
	d.location,
	d.total_work_time,
	d.last_sync,
	d.battery_level,
	d.signal_strength
`

// GetDeviceBySerial 根据序列号获取设备
func (r *DeviceRepository) GetDeviceBySerial(ctx context.Context, serial string) (*models.Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices d
		WHERE d.serial = $1
		LIMIT 1
	`

	device := &models.Device{}
	err := r.db.QueryRowContext(ctx, query, serial).Scan(
		&device.ID,
		&device.Serial,
		&device.Type,
		&device.GroupID,
		&device.Description,
		&device.Notes,
		&device.Location,
		&device.TotalWorkTime,
		&device.LastSync,
		&device.BatteryLevel,
		&device.SignalStrength,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, serial)
		}
		return nil, fmt.Errorf("failed to query device: %w", err)
	}

	return device, nil
}

// ListDevices 获取全部设备
func (r *DeviceRepository) ListDevices(ctx context.Context) ([]models.Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices d
		ORDER BY d.id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		var device models.Device
		if err := rows.Scan(
			&device.ID,
			&device.Serial,
			&device.Type,
			&device.GroupID,
			&device.Description,
			&device.Notes,
			&device.Location,
			&device.TotalWorkTime,
			&device.LastSync,
			&device.BatteryLevel,
			&device.SignalStrength,
		); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", err)
	}

	return devices, nil
}

// TouchSync 回写最后同步时间与电量/信号
// 幂等的后写覆盖：同一设备乱序到达的两个信封无需排序保证。
// 未注册的serial不报错（零行更新），崩溃诊断侧再做查找判定
func (r *DeviceRepository) TouchSync(ctx context.Context, serial string, battery, signal float64) error {
	query := `
		UPDATE devices
		SET last_sync = NOW(),
		    battery_level = $2,
		    signal_strength = $3
		WHERE serial = $1
	`

	result, err := r.db.ExecContext(ctx, query, serial, battery, signal)
	if err != nil {
		return fmt.Errorf("failed to update device sync state: %w", err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		r.logger.Debug("Sync update for unregistered device",
			zap.String("serial", serial),
		)
	}

	return nil
}
