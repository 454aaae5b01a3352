package consumer

import (
	"context"
	"sync/atomic"
	"time"

	"fleetwatch/internal/codec"
	"fleetwatch/internal/models"

	"go.uber.org/zap"
)

// MetricSink 指标推送能力
type MetricSink interface {
	Publish(ctx context.Context, serial string, env *models.TelemetryEnvelope) error
}

// LogSink 日志批量推送能力
type LogSink interface {
	PushLogs(ctx context.Context, serial string, entries []models.LogEntry) error
}

// CrashSink 崩溃数据处理能力
type CrashSink interface {
	HandleCrash(ctx context.Context, serial string, coredump []byte) error
}

// SyncToucher 设备同步状态回写能力
type SyncToucher interface {
	TouchSync(ctx context.Context, serial string, battery, signal float64) error
}

// Metrics 消费统计
type Metrics struct {
	EnvelopesReceived  atomic.Int64
	EnvelopesMalformed atomic.Int64
	MetricPushErrors   atomic.Int64
	LogPushErrors      atomic.Int64
	CrashErrors        atomic.Int64
	SyncErrors         atomic.Int64
}

// TelemetryConsumer 遥测信封消费器
// 解码后按固定顺序分发：同步回写 -> 指标 -> 日志 -> 崩溃诊断。
// 各路径互相隔离，单路失败不阻断其余路径
type TelemetryConsumer struct {
	metrics MetricSink
	logs    LogSink
	crash   CrashSink
	sync    SyncToucher
	logger  *zap.Logger

	stats Metrics

	// handleTimeout 单个信封处理的总时限
	handleTimeout time.Duration
}

// NewTelemetryConsumer 创建遥测消费器
func NewTelemetryConsumer(
	metrics MetricSink,
	logs LogSink,
	crash CrashSink,
	sync SyncToucher,
	logger *zap.Logger,
) *TelemetryConsumer {
	return &TelemetryConsumer{
		metrics:       metrics,
		logs:          logs,
		crash:         crash,
		sync:          sync,
		logger:        logger,
		handleTimeout: 60 * time.Second,
	}
}

// Stats 当前消费统计
func (c *TelemetryConsumer) Stats() *Metrics {
	return &c.stats
}

// HandleMessage MQTT消息入口
// 畸形信封记日志后丢弃，不向订阅层返回错误
func (c *TelemetryConsumer) HandleMessage(topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.handleTimeout)
	defer cancel()

	c.stats.EnvelopesReceived.Add(1)

	env, err := codec.DecodeEnvelope(payload)
	if err != nil {
		c.stats.EnvelopesMalformed.Add(1)
		c.logger.Warn("Dropping malformed telemetry envelope",
			zap.String("topic", topic),
			zap.Int("payload_size", len(payload)),
			zap.Error(err),
		)
		return nil
	}

	c.Dispatch(ctx, env)
	return nil
}

// Dispatch 分发一个已解码的信封
func (c *TelemetryConsumer) Dispatch(ctx context.Context, env *models.TelemetryEnvelope) {
	serial := env.Info.DeviceID

	if err := c.sync.TouchSync(ctx, serial, env.State.BatteryLevel, env.State.SignalStrength); err != nil {
		c.stats.SyncErrors.Add(1)
		c.logger.Error("Failed to update device sync state",
			zap.String("serial", serial),
			zap.Error(err),
		)
	}

	if err := c.metrics.Publish(ctx, serial, env); err != nil {
		c.stats.MetricPushErrors.Add(1)
		c.logger.Error("Failed to publish metrics",
			zap.String("serial", serial),
			zap.Error(err),
		)
	}

	if err := c.logs.PushLogs(ctx, serial, env.Logs); err != nil {
		c.stats.LogPushErrors.Add(1)
		c.logger.Error("Failed to push logs",
			zap.String("serial", serial),
			zap.Error(err),
		)
	}

	if env.HasCoredump() {
		if err := c.crash.HandleCrash(ctx, serial, env.Coredump); err != nil {
			c.stats.CrashErrors.Add(1)
			c.logger.Error("Failed to process crash data",
				zap.String("serial", serial),
				zap.Error(err),
			)
		}
	}
}
