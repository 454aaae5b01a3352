package liveness

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fleetwatch/internal/models"
	"fleetwatch/internal/publisher"

	"github.com/go-redis/redis/v8"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// alertCacheKey 告警快照缓存键
const alertCacheKey = "liveness:alerts"

// prometheus即时查询响应
type promQueryResponse struct {
	Status string `json:"status"`
	Data   struct {
		Result []struct {
			Metric map[string]string `json:"metric"`
			Value  []json.RawMessage `json:"value"`
		} `json:"result"`
	} `json:"data"`
}

// 活动告警查询响应
type alertsResponse struct {
	Status string `json:"status"`
	Data   struct {
		Alerts []struct {
			Labels      map[string]string `json:"labels"`
			Annotations map[string]string `json:"annotations"`
			State       string            `json:"state"`
			ActiveAt    string            `json:"activeAt"`
		} `json:"alerts"`
	} `json:"data"`
}

// Resolver 设备在线状态解析器
// 在线判定 = 存活信号的窗口内查询；问题判定 = 叠加当前触发中的告警
type Resolver struct {
	prom        *resty.Client
	alertsURL   string
	redisClient *redis.Client
	window      time.Duration
	cacheTTL    time.Duration
	logger      *zap.Logger
}

// NewResolver 创建在线状态解析器
func NewResolver(
	prometheusURL string,
	alertsURL string,
	redisClient *redis.Client,
	window time.Duration,
	cacheTTL time.Duration,
	timeout time.Duration,
	logger *zap.Logger,
) *Resolver {
	client := resty.New().
		SetBaseURL(prometheusURL).
		SetTimeout(timeout)

	return &Resolver{
		prom:        client,
		alertsURL:   alertsURL,
		redisClient: redisClient,
		window:      window,
		cacheTTL:    cacheTTL,
		logger:      logger,
	}
}

// LiveSerials 查询窗口内有新推送的设备序列号集合
// Pushgateway会永久暴露分组最后一次推送的样本，device_runtime_status
// 序列在设备沉默后不会出现空洞；存活判定必须基于分组的
// push_time_seconds推送时间戳，而不是gauge值本身
func (r *Resolver) LiveSerials(ctx context.Context) (map[string]bool, error) {
	query := fmt.Sprintf(`time() - push_time_seconds{job=%q} < %d`,
		publisher.PushJobName, int(r.window/time.Second))

	var result promQueryResponse
	resp, err := r.prom.R().
		SetContext(ctx).
		SetQueryParam("query", query).
		SetResult(&result).
		Get("/api/v1/query")

	if err != nil {
		return nil, fmt.Errorf("failed to query liveness: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("prometheus returned %d: %s", resp.StatusCode(), resp.String())
	}

	live := make(map[string]bool, len(result.Data.Result))
	for _, series := range result.Data.Result {
		if serial := series.Metric["serial"]; serial != "" {
			live[serial] = true
		}
	}
	return live, nil
}

// ActiveAlerts 查询当前触发中的告警，按设备serial分组
// 查询失败优雅降级为空集合：设备可能被误判为ONLINE，
// 但解析器整体不失败
func (r *Resolver) ActiveAlerts(ctx context.Context) map[string][]models.ActiveAlert {
	if cached := r.cachedAlerts(ctx); cached != nil {
		return cached
	}

	var result alertsResponse
	resp, err := r.prom.R().
		SetContext(ctx).
		SetResult(&result).
		Get(r.alertsURL)

	if err != nil {
		r.logger.Warn("Alert backend unreachable, degrading to empty alert set", zap.Error(err))
		return map[string][]models.ActiveAlert{}
	}
	if resp.IsError() {
		r.logger.Warn("Alert backend returned error, degrading to empty alert set",
			zap.Int("status_code", resp.StatusCode()),
		)
		return map[string][]models.ActiveAlert{}
	}

	alerts := make(map[string][]models.ActiveAlert)
	for _, a := range result.Data.Alerts {
		if a.State != "firing" {
			continue
		}
		serial := a.Labels["serial"]
		if serial == "" {
			serial = a.Labels["instance"]
		}
		if serial == "" {
			continue
		}
		alerts[serial] = append(alerts[serial], models.ActiveAlert{
			AlertName:   a.Labels["alertname"],
			Severity:    a.Labels["severity"],
			Summary:     a.Annotations["summary"],
			Description: a.Annotations["description"],
			ActiveAt:    a.ActiveAt,
			Serial:      serial,
		})
	}

	r.storeAlertCache(ctx, alerts)
	return alerts
}

// Classify 分类单个设备的在线状态
// 不在存活集合 -> OFFLINE；在集合且无告警 -> ONLINE；在集合且有告警 -> PROBLEMATIC
func Classify(serial string, live map[string]bool, alerts map[string][]models.ActiveAlert) models.DeviceStatus {
	if !live[serial] {
		return models.DeviceStatusOffline
	}
	if len(alerts[serial]) > 0 {
		return models.DeviceStatusProblematic
	}
	return models.DeviceStatusOnline
}

// DeviceStatuses 批量解析设备在线状态
func (r *Resolver) DeviceStatuses(ctx context.Context, serials []string) (map[string]models.DeviceStatus, error) {
	live, err := r.LiveSerials(ctx)
	if err != nil {
		return nil, err
	}
	alerts := r.ActiveAlerts(ctx)

	statuses := make(map[string]models.DeviceStatus, len(serials))
	for _, serial := range serials {
		statuses[serial] = Classify(serial, live, alerts)
	}
	return statuses, nil
}

func (r *Resolver) cachedAlerts(ctx context.Context) map[string][]models.ActiveAlert {
	if r.redisClient == nil || r.cacheTTL <= 0 {
		return nil
	}
	data, err := r.redisClient.Get(ctx, alertCacheKey).Bytes()
	if err != nil {
		return nil
	}
	var alerts map[string][]models.ActiveAlert
	if err := json.Unmarshal(data, &alerts); err != nil {
		return nil
	}
	return alerts
}

func (r *Resolver) storeAlertCache(ctx context.Context, alerts map[string][]models.ActiveAlert) {
	if r.redisClient == nil || r.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(alerts)
	if err != nil {
		return
	}
	if err := r.redisClient.Set(ctx, alertCacheKey, data, r.cacheTTL).Err(); err != nil {
		r.logger.Debug("Failed to cache alert snapshot", zap.Error(err))
	}
}
