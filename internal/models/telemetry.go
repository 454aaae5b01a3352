package models

import "time"

// MetricKind 指标类型
type MetricKind string

const (
	MetricKindGauge   MetricKind = "gauge"
	MetricKindCounter MetricKind = "counter"
)

// LogLevel 日志级别
type LogLevel string

const (
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarn    LogLevel = "WARN"
	LogLevelError   LogLevel = "ERROR"
	LogLevelFatal   LogLevel = "FATAL"
	LogLevelUnknown LogLevel = "UNKNOWN"
)

// DeviceInfo 设备标识信息
type DeviceInfo struct {
	DeviceID        string
	FirmwareVersion string
	HardwareModel   string
}

// DeviceState 设备运行状态
type DeviceState struct {
	BatteryLevel   float64
	SignalStrength float64
}

// MetricSample 单个数值采样
type MetricSample struct {
	Name      string
	Kind      MetricKind
	Value     float64
	Timestamp time.Time
}

// LogEntry 单条设备日志
type LogEntry struct {
	Level     LogLevel
	Message   string
	Timestamp time.Time
}

// TelemetryEnvelope 一条遥测消息解码后的完整内容
// 瞬态数据：不整体落库，由分发器按部分路由到各个后端
type TelemetryEnvelope struct {
	Info    DeviceInfo
	State   DeviceState
	Metrics []MetricSample
	Logs    []LogEntry

	// Coredump 原始崩溃数据（可选）
	Coredump []byte
}

// HasCoredump 是否携带崩溃数据
func (e *TelemetryEnvelope) HasCoredump() bool {
	return len(e.Coredump) > 0
}
