package publisher

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"fleetwatch/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	// PushJobName 推送网关的job名
	PushJobName = "device_telemetry"

	// LivenessGauge 存活信号。每个信封推送时恒置1，
	// 离线判定交给查询侧的窗口缺失检测。
	LivenessGauge = "device_runtime_status"

	metricPrefix = "device_"
)

// 指标名合法性校验（注册前校验，防止无界基数）
var metricNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// MetricPublisher 指标推送器
// 按设备serial作为分组键推送到Pushgateway，每次PUT整组替换，
// 不在服务端累积过期序列
type MetricPublisher struct {
	client *resty.Client
	logger *zap.Logger
}

// NewMetricPublisher 创建指标推送器
func NewMetricPublisher(baseURL string, timeout time.Duration, logger *zap.Logger) *MetricPublisher {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "text/plain; version=0.0.4")

	return &MetricPublisher{
		client: client,
		logger: logger,
	}
}

// Publish 推送一个信封的全部数值指标
// 同名采样后写覆盖前写；推送失败只记日志，由调用方决定是否继续
func (p *MetricPublisher) Publish(ctx context.Context, serial string, env *models.TelemetryEnvelope) error {
	body := p.renderExposition(serial, env)

	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(body).
		Put(fmt.Sprintf("/metrics/job/%s/serial/%s", PushJobName, url.PathEscape(serial)))

	if err != nil {
		return fmt.Errorf("failed to push metrics for %s: %w", serial, err)
	}
	if resp.IsError() {
		return fmt.Errorf("pushgateway returned %d for %s: %s", resp.StatusCode(), serial, resp.String())
	}

	p.logger.Debug("Pushed device metrics",
		zap.String("serial", serial),
		zap.Int("sample_count", len(env.Metrics)),
	)
	return nil
}

// renderExposition 构造文本曝光格式请求体
func (p *MetricPublisher) renderExposition(serial string, env *models.TelemetryEnvelope) string {
	type series struct {
		kind  models.MetricKind
		value float64
	}

	// 同一信封内重名采样：后写覆盖（含类型）
	gauges := make(map[string]series)
	for _, sample := range env.Metrics {
		name, ok := p.gaugeName(sample.Name)
		if !ok {
			p.logger.Warn("Dropping metric with unregistrable name",
				zap.String("serial", serial),
				zap.String("metric_name", sample.Name),
			)
			continue
		}
		gauges[name] = series{kind: sample.Kind, value: sample.Value}
	}

	// 派生状态指标
	gauges[metricPrefix+"battery_level"] = series{kind: models.MetricKindGauge, value: env.State.BatteryLevel}
	gauges[metricPrefix+"signal_strength"] = series{kind: models.MetricKindGauge, value: env.State.SignalStrength}

	// 存活信号恒为1
	gauges[LivenessGauge] = series{kind: models.MetricKindGauge, value: 1}

	names := make([]string, 0, len(gauges))
	for name := range gauges {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		s := gauges[name]
		b.WriteString("# TYPE ")
		b.WriteString(name)
		if s.kind == models.MetricKindCounter {
			b.WriteString(" counter\n")
		} else {
			b.WriteString(" gauge\n")
		}
		b.WriteString(name)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatFloat(s.value, 'g', -1, 64))
		b.WriteByte('\n')
	}
	return b.String()
}

// gaugeName 设备采样名到全局指标名：加前缀，点号替换为下划线
func (p *MetricPublisher) gaugeName(sampleName string) (string, bool) {
	name := metricPrefix + strings.ReplaceAll(sampleName, ".", "_")
	if !metricNameRe.MatchString(name) {
		return "", false
	}
	return name, true
}
