package predictive

import (
	"context"
	"sync"
	"time"

	"fleetwatch/internal/analytics"
	"fleetwatch/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sampleStep 历史序列相邻采样点的时间间隔
const sampleStep = time.Minute

// DeviceLister 设备清单能力
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]models.Device, error)
}

// HistorySource 指标历史拉取能力
type HistorySource interface {
	Series(ctx context.Context, serial, metric string, samples int, step time.Duration) ([]float64, error)
}

// AlertWriter 预测告警持久化能力
type AlertWriter interface {
	CreateAlert(ctx context.Context, alert *models.PredictiveAlert) error
}

// Options 预测循环参数
type Options struct {
	Interval        time.Duration
	Metrics         []string
	HistorySamples  int
	MinWindow       int
	ForecastHorizon int
	Threshold       float64
	StepMinutes     int
	CriticalMinutes int
}

// Loop 预测健康分析循环
// 单goroutine定时扫描全部设备×指标组合；单个组合失败只记日志，
// 不影响本轮其余组合
type Loop struct {
	devices  DeviceLister
	history  HistorySource
	analyzer analytics.Analyzer
	alerts   AlertWriter
	opts     Options
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoop 创建预测分析循环
func NewLoop(
	devices DeviceLister,
	history HistorySource,
	analyzer analytics.Analyzer,
	alerts AlertWriter,
	opts Options,
	logger *zap.Logger,
) *Loop {
	return &Loop{
		devices:  devices,
		history:  history,
		analyzer: analyzer,
		alerts:   alerts,
		opts:     opts,
		logger:   logger,
	}
}

// Start 启动后台分析循环
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ticker := time.NewTicker(l.opts.Interval)
		defer ticker.Stop()

		l.logger.Info("Predictive analysis loop started",
			zap.Duration("interval", l.opts.Interval),
			zap.Strings("metrics", l.opts.Metrics),
		)

		for {
			select {
			case <-ctx.Done():
				l.logger.Info("Predictive analysis loop stopped")
				return
			case <-ticker.C:
				l.runOnce(ctx)
			}
		}
	}()
}

// Stop 停止循环并等待当前轮次结束
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// runOnce 执行一轮全量扫描
func (l *Loop) runOnce(ctx context.Context) {
	devices, err := l.devices.ListDevices(ctx)
	if err != nil {
		l.logger.Error("Failed to list devices for predictive scan", zap.Error(err))
		return
	}

	for _, device := range devices {
		for _, metric := range l.opts.Metrics {
			if ctx.Err() != nil {
				return
			}
			if err := l.analyzePair(ctx, &device, metric); err != nil {
				l.logger.Warn("Predictive analysis failed for pair",
					zap.String("serial", device.Serial),
					zap.String("metric", metric),
					zap.Error(err),
				)
			}
		}
	}
}

// analyzePair 分析单个设备×指标组合
func (l *Loop) analyzePair(ctx context.Context, device *models.Device, metric string) error {
	series, err := l.history.Series(ctx, device.Serial, metric, l.opts.HistorySamples, sampleStep)
	if err != nil {
		return err
	}

	// 样本不足：跳过，不算失败
	if len(series) < l.opts.MinWindow {
		l.logger.Debug("Insufficient history, skipping",
			zap.String("serial", device.Serial),
			zap.String("metric", metric),
			zap.Int("samples", len(series)),
		)
		return nil
	}

	// 分解结果仅用于观测；分解失败不影响预测路径，但要可见
	dec, err := l.analyzer.Decompose(ctx, series)
	if err != nil {
		l.logger.Warn("Time series decomposition failed",
			zap.String("serial", device.Serial),
			zap.String("metric", metric),
			zap.Error(err),
		)
	} else if dec != nil && len(dec.Anomalies) > 0 {
		l.logger.Debug("Anomalies in history window",
			zap.String("serial", device.Serial),
			zap.String("metric", metric),
			zap.Int("anomaly_count", len(dec.Anomalies)),
		)
	}

	forecast, err := l.analyzer.Forecast(ctx, series, l.opts.ForecastHorizon)
	if err != nil {
		return err
	}

	report := analytics.BuildReport(forecast, l.opts.Threshold, l.opts.StepMinutes, l.opts.CriticalMinutes)
	if report.Status == models.AlertStatusStable {
		return nil
	}

	alert := &models.PredictiveAlert{
		ID:               uuid.New().String(),
		DeviceID:         device.ID,
		MetricName:       metric,
		Status:           report.Status,
		MinutesToFailure: report.MinutesToFailure,
		ForecastMax:      report.ForecastMax,
		CreatedAt:        time.Now().UTC(),
	}
	if err := l.alerts.CreateAlert(ctx, alert); err != nil {
		return err
	}

	l.logger.Info("Predictive alert recorded",
		zap.String("serial", device.Serial),
		zap.String("metric", metric),
		zap.String("status", string(report.Status)),
		zap.Int("minutes_to_failure", report.MinutesToFailure),
		zap.Float64("forecast_max", report.ForecastMax),
	)
	return nil
}
