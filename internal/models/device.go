package models

import "time"

// DeviceStatus 设备在线状态
type DeviceStatus string

const (
	DeviceStatusOffline     DeviceStatus = "off"
	DeviceStatusOnline      DeviceStatus = "on"
	DeviceStatusProblematic DeviceStatus = "problematic"
)

// Device 设备记录
// 基础字段由外部CRUD服务维护；本服务只读取，并回写 last_sync 与电量/信号字段
type Device struct {
	ID             int64
	Serial         string
	Type           string
	GroupID        *int64
	Description    *string
	Notes          *string
	Location       *string
	TotalWorkTime  int64
	LastSync       *time.Time
	BatteryLevel   *float64
	SignalStrength *float64
}

// MetricMetadata 指标元数据（显示名、单位、阈值）
// 由外部CRUD服务维护，本服务只读
type MetricMetadata struct {
	ID            int64
	MetricName    string
	DisplayNameEN *string
	DisplayNameRU *string
	IconKey       *string
	Unit          *string
	MinThreshold  *float64
	MaxThreshold  *float64
}

// DisplayName 取显示名，缺省回退到指标名
func (m *MetricMetadata) DisplayName() string {
	if m.DisplayNameEN != nil && *m.DisplayNameEN != "" {
		return *m.DisplayNameEN
	}
	if m.DisplayNameRU != nil && *m.DisplayNameRU != "" {
		return *m.DisplayNameRU
	}
	return m.MetricName
}
