package liveness

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fleetwatch/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ============================================
// 测试服务端
// ============================================

type fakeBackend struct {
	queryHits  int
	alertHits  int
	lastQuery  string
	liveBody   string
	alertBody  string
	alertFails bool
}

func (f *fakeBackend) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/query", func(w http.ResponseWriter, r *http.Request) {
		f.queryHits++
		f.lastQuery = r.URL.Query().Get("query")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(f.liveBody))
	})
	mux.HandleFunc("/api/v1/alerts", func(w http.ResponseWriter, r *http.Request) {
		f.alertHits++
		if f.alertFails {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(f.alertBody))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestResolver(t *testing.T, backend *fakeBackend, cacheTTL time.Duration) (*Resolver, *miniredis.Miniredis) {
	t.Helper()
	srv := backend.server(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	resolver := NewResolver(
		srv.URL,
		srv.URL+"/api/v1/alerts",
		client,
		2*time.Minute,
		cacheTTL,
		5*time.Second,
		zap.NewNop(),
	)
	return resolver, mr
}

const liveSetA = `{
	"status": "success",
	"data": {
		"resultType": "vector",
		"result": [
			{"metric": {"job": "device_telemetry", "serial": "A"}, "value": [1700000000, "42"]}
		]
	}
}`

const firingAlertA = `{
	"status": "success",
	"data": {
		"alerts": [
			{
				"labels": {"alertname": "HighCPU", "serial": "A", "severity": "warning"},
				"annotations": {"summary": "CPU above threshold"},
				"state": "firing",
				"activeAt": "2026-08-28T10:00:00Z"
			},
			{
				"labels": {"alertname": "HighCPU", "serial": "C", "severity": "warning"},
				"annotations": {},
				"state": "pending",
				"activeAt": "2026-08-28T10:05:00Z"
			}
		]
	}
}`

// ============================================
// 状态分类
// ============================================

func TestDeviceStatuses_Classification(t *testing.T) {
	backend := &fakeBackend{liveBody: liveSetA, alertBody: firingAlertA}
	resolver, _ := newTestResolver(t, backend, 0)

	statuses, err := resolver.DeviceStatuses(context.Background(), []string{"A", "B"})
	require.NoError(t, err)

	// A存活且有触发中告警 -> problematic；B无存活信号 -> off
	assert.Equal(t, models.DeviceStatusProblematic, statuses["A"])
	assert.Equal(t, models.DeviceStatusOffline, statuses["B"])
}

func TestDeviceStatuses_OnlineWithoutAlerts(t *testing.T) {
	backend := &fakeBackend{
		liveBody:  liveSetA,
		alertBody: `{"status": "success", "data": {"alerts": []}}`,
	}
	resolver, _ := newTestResolver(t, backend, 0)

	statuses, err := resolver.DeviceStatuses(context.Background(), []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOnline, statuses["A"])
}

func TestClassify_PendingAlertDoesNotDemote(t *testing.T) {
	backend := &fakeBackend{liveBody: liveSetA, alertBody: firingAlertA}
	resolver, _ := newTestResolver(t, backend, 0)

	alerts := resolver.ActiveAlerts(context.Background())
	// pending状态的告警不计入
	assert.Empty(t, alerts["C"])
	assert.Len(t, alerts["A"], 1)
	assert.Equal(t, "HighCPU", alerts["A"][0].AlertName)
}

// ============================================
// 降级与缓存
// ============================================

func TestActiveAlerts_BackendFailureDegradesToEmpty(t *testing.T) {
	backend := &fakeBackend{liveBody: liveSetA, alertFails: true}
	resolver, _ := newTestResolver(t, backend, 0)

	// 告警后端故障：降级为空集合，设备按ONLINE处理
	statuses, err := resolver.DeviceStatuses(context.Background(), []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOnline, statuses["A"])
}

func TestActiveAlerts_SnapshotCached(t *testing.T) {
	backend := &fakeBackend{liveBody: liveSetA, alertBody: firingAlertA}
	resolver, _ := newTestResolver(t, backend, 15*time.Second)

	ctx := context.Background()
	first := resolver.ActiveAlerts(ctx)
	second := resolver.ActiveAlerts(ctx)

	// 第二次命中缓存，不再访问告警后端
	assert.Equal(t, 1, backend.alertHits)
	assert.Equal(t, first["A"], second["A"])
}

func TestActiveAlerts_CacheExpires(t *testing.T) {
	backend := &fakeBackend{liveBody: liveSetA, alertBody: firingAlertA}
	resolver, mr := newTestResolver(t, backend, 15*time.Second)

	ctx := context.Background()
	resolver.ActiveAlerts(ctx)
	mr.FastForward(16 * time.Second)
	resolver.ActiveAlerts(ctx)

	assert.Equal(t, 2, backend.alertHits)
}

func TestLiveSerials_PrometheusFailureIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	resolver := NewResolver(srv.URL, srv.URL+"/api/v1/alerts", nil, 2*time.Minute, 0, time.Second, zap.NewNop())

	// 存活查询是权威数据源，失败不降级
	_, err := resolver.DeviceStatuses(context.Background(), []string{"A"})
	assert.Error(t, err)
}

// ============================================
// 存活查询语义
// ============================================

func TestLiveSerials_QueryUsesPushRecency(t *testing.T) {
	backend := &fakeBackend{liveBody: liveSetA}
	resolver, _ := newTestResolver(t, backend, 0)

	_, err := resolver.LiveSerials(context.Background())
	require.NoError(t, err)

	// Pushgateway对沉默设备仍持续暴露最后一次推送的gauge样本，
	// 查询必须基于分组推送时间戳的新鲜度，而不是gauge值
	assert.Equal(t, `time() - push_time_seconds{job="device_telemetry"} < 120`, backend.lastQuery)
}

func TestLiveSerials_StalePushFallsOutOfLiveSet(t *testing.T) {
	// 模拟推送过期：新鲜度过滤后向量为空（设备A已沉默超过窗口）
	backend := &fakeBackend{
		liveBody:  `{"status": "success", "data": {"resultType": "vector", "result": []}}`,
		alertBody: `{"status": "success", "data": {"alerts": []}}`,
	}
	resolver, _ := newTestResolver(t, backend, 0)

	statuses, err := resolver.DeviceStatuses(context.Background(), []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOffline, statuses["A"])
}
