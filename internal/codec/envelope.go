package codec

import (
	"errors"
	"fmt"
	"time"

	"fleetwatch/internal/models"

	"github.com/fxamacker/cbor/v2"
)

// UnknownDeviceID 设备标识缺失时的哨兵值
// 配置错误的设备发来的遥测仍然可见，便于排查
const UnknownDeviceID = "unknown"

// ErrMalformed 信封字节无法解码
var ErrMalformed = errors.New("malformed telemetry envelope")

// 线上格式：紧凑CBOR。字段布局与设备固件侧约定一致。
type wireInfo struct {
	DeviceID        string `cbor:"device_id"`
	FirmwareVersion string `cbor:"firmware_version"`
	HardwareModel   string `cbor:"hardware_model"`
}

type wireState struct {
	BatteryLevel   float64 `cbor:"battery_level"`
	SignalStrength float64 `cbor:"signal_strength"`
}

type wireMetric struct {
	Name      string  `cbor:"name"`
	Kind      uint8   `cbor:"kind"`
	Value     float64 `cbor:"value"`
	Timestamp int64   `cbor:"ts"` // unix纳秒，0表示未提供
}

type wireLog struct {
	Level     uint8  `cbor:"level"`
	Message   string `cbor:"message"`
	Timestamp int64  `cbor:"ts"`
}

type wireEnvelope struct {
	Info     wireInfo     `cbor:"info"`
	State    wireState    `cbor:"state"`
	Metrics  []wireMetric `cbor:"metrics"`
	Logs     []wireLog    `cbor:"logs"`
	Coredump []byte       `cbor:"coredump"`
}

var decMode cbor.DecMode

func init() {
	var err error
	// 未知字段忽略（固件新版本可以增加字段）；多余尾部字节视为格式错误
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// DecodeEnvelope 解码遥测信封
// 纯函数，不做任何I/O。任何畸形输入返回 ErrMalformed，绝不产生部分解码结果。
func DecodeEnvelope(data []byte) (*models.TelemetryEnvelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	var wire wireEnvelope
	if err := decMode.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	env := &models.TelemetryEnvelope{
		Info: models.DeviceInfo{
			DeviceID:        wire.Info.DeviceID,
			FirmwareVersion: wire.Info.FirmwareVersion,
			HardwareModel:   wire.Info.HardwareModel,
		},
		State: models.DeviceState{
			BatteryLevel:   wire.State.BatteryLevel,
			SignalStrength: wire.State.SignalStrength,
		},
		Coredump: wire.Coredump,
	}

	// 设备标识缺失不算失败，回退到哨兵值
	if env.Info.DeviceID == "" {
		env.Info.DeviceID = UnknownDeviceID
	}

	env.Metrics = make([]models.MetricSample, 0, len(wire.Metrics))
	for _, m := range wire.Metrics {
		env.Metrics = append(env.Metrics, models.MetricSample{
			Name:      m.Name,
			Kind:      metricKind(m.Kind),
			Value:     m.Value,
			Timestamp: fromUnixNano(m.Timestamp),
		})
	}

	env.Logs = make([]models.LogEntry, 0, len(wire.Logs))
	for _, l := range wire.Logs {
		env.Logs = append(env.Logs, models.LogEntry{
			Level:     logLevel(l.Level),
			Message:   l.Message,
			Timestamp: fromUnixNano(l.Timestamp),
		})
	}

	return env, nil
}

// EncodeEnvelope 编码遥测信封（模拟器与测试使用）
func EncodeEnvelope(env *models.TelemetryEnvelope) ([]byte, error) {
	wire := wireEnvelope{
		Info: wireInfo{
			DeviceID:        env.Info.DeviceID,
			FirmwareVersion: env.Info.FirmwareVersion,
			HardwareModel:   env.Info.HardwareModel,
		},
		State: wireState{
			BatteryLevel:   env.State.BatteryLevel,
			SignalStrength: env.State.SignalStrength,
		},
		Coredump: env.Coredump,
	}
	for _, m := range env.Metrics {
		kind := uint8(0)
		if m.Kind == models.MetricKindCounter {
			kind = 1
		}
		wire.Metrics = append(wire.Metrics, wireMetric{
			Name:      m.Name,
			Kind:      kind,
			Value:     m.Value,
			Timestamp: toUnixNano(m.Timestamp),
		})
	}
	for _, l := range env.Logs {
		wire.Logs = append(wire.Logs, wireLog{
			Level:     logLevelCode(l.Level),
			Message:   l.Message,
			Timestamp: toUnixNano(l.Timestamp),
		})
	}
	return cbor.Marshal(wire)
}

func metricKind(code uint8) models.MetricKind {
	if code == 1 {
		return models.MetricKindCounter
	}
	// 未识别的类型按gauge处理
	return models.MetricKindGauge
}

func logLevel(code uint8) models.LogLevel {
	switch code {
	case 0:
		return models.LogLevelInfo
	case 1:
		return models.LogLevelWarn
	case 2:
		return models.LogLevelError
	case 3:
		return models.LogLevelFatal
	default:
		// 未识别的级别归入UNKNOWN，日志不丢弃
		return models.LogLevelUnknown
	}
}

func logLevelCode(level models.LogLevel) uint8 {
	switch level {
	case models.LogLevelInfo:
		return 0
	case models.LogLevelWarn:
		return 1
	case models.LogLevelError:
		return 2
	case models.LogLevelFatal:
		return 3
	default:
		return 255
	}
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
