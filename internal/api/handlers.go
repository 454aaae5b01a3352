package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"fleetwatch/internal/models"
	"fleetwatch/internal/predictive"
	"fleetwatch/internal/repository"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// 默认查询参数
const (
	defaultHistoryLimit = 20
	defaultLogLimit     = 100
	defaultLogWindow    = time.Hour
	historyStep         = time.Minute
)

// StatusResolver 设备在线状态解析能力
type StatusResolver interface {
	DeviceStatuses(ctx context.Context, serials []string) (map[string]models.DeviceStatus, error)
}

// DeviceReader 设备读取能力
type DeviceReader interface {
	GetDeviceBySerial(ctx context.Context, serial string) (*models.Device, error)
	ListDevices(ctx context.Context) ([]models.Device, error)
}

// IssueReader 崩溃诊断读取能力
type IssueReader interface {
	ListIssues(ctx context.Context) ([]models.Issue, error)
	GetIssue(ctx context.Context, id int64) (*models.Issue, error)
	ListTracesByIssue(ctx context.Context, issueID int64) ([]models.Trace, error)
	GetTrace(ctx context.Context, id string) (*models.Trace, error)
}

// AlertReader 预测告警读取能力
type AlertReader interface {
	ListRecentAlerts(ctx context.Context, deviceID int64, metricName string, limit int) ([]models.PredictiveAlert, error)
}

// MetadataReader 指标元数据读取能力
type MetadataReader interface {
	GetByName(ctx context.Context, metricName string) (*models.MetricMetadata, error)
}

// HistoryReader 指标历史读取能力
type HistoryReader interface {
	Recent(ctx context.Context, serial, metric string, limit int, step time.Duration) ([]predictive.SamplePoint, error)
}

// LogReader 设备日志读取能力
type LogReader interface {
	Query(ctx context.Context, serial string, since time.Duration, limit int) ([]LogLine, error)
}

// Handlers 只读HTTP接口
// 设备与指标的写路径属于外部CRUD服务，这里只暴露遥测衍生的读视图
type Handlers struct {
	resolver StatusResolver
	devices  DeviceReader
	issues   IssueReader
	alerts   AlertReader
	metadata MetadataReader
	history  HistoryReader
	logs     LogReader
	logger   *zap.Logger
}

// NewHandlers 创建接口处理器
func NewHandlers(
	resolver StatusResolver,
	devices DeviceReader,
	issues IssueReader,
	alerts AlertReader,
	metadata MetadataReader,
	history HistoryReader,
	logs LogReader,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		resolver: resolver,
		devices:  devices,
		issues:   issues,
		alerts:   alerts,
		metadata: metadata,
		history:  history,
		logs:     logs,
		logger:   logger,
	}
}

// Register 注册全部路由
func (h *Handlers) Register(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/devices/status", h.listDeviceStatuses).Methods(http.MethodGet)
	api.HandleFunc("/devices/{serial}/status", h.getDeviceStatus).Methods(http.MethodGet)
	api.HandleFunc("/devices/{serial}/logs", h.getDeviceLogs).Methods(http.MethodGet)
	api.HandleFunc("/devices/{serial}/metrics/{metric}/history", h.getMetricHistory).Methods(http.MethodGet)
	api.HandleFunc("/devices/{serial}/predictive-alerts", h.listPredictiveAlerts).Methods(http.MethodGet)
	api.HandleFunc("/issues", h.listIssues).Methods(http.MethodGet)
	api.HandleFunc("/issues/{id}", h.getIssue).Methods(http.MethodGet)
	api.HandleFunc("/traces/{id}", h.getTrace).Methods(http.MethodGet)

	router.HandleFunc("/health", h.health).Methods(http.MethodGet)
}

// ============================================
// 设备状态
// ============================================

type deviceStatusView struct {
	Serial   string              `json:"serial"`
	Status   models.DeviceStatus `json:"status"`
	LastSync *time.Time          `json:"last_sync,omitempty"`
	Battery  *float64            `json:"battery_level,omitempty"`
	Signal   *float64            `json:"signal_strength,omitempty"`
}

func (h *Handlers) listDeviceStatuses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	devices, err := h.devices.ListDevices(ctx)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list devices", err)
		return
	}

	serials := make([]string, 0, len(devices))
	for _, d := range devices {
		serials = append(serials, d.Serial)
	}

	statuses, err := h.resolver.DeviceStatuses(ctx, serials)
	if err != nil {
		h.respondError(w, http.StatusBadGateway, "failed to resolve device statuses", err)
		return
	}

	views := make([]deviceStatusView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceStatusView{
			Serial:   d.Serial,
			Status:   statuses[d.Serial],
			LastSync: d.LastSync,
			Battery:  d.BatteryLevel,
			Signal:   d.SignalStrength,
		})
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"devices": views})
}

func (h *Handlers) getDeviceStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	serial := mux.Vars(r)["serial"]

	device, err := h.devices.GetDeviceBySerial(ctx, serial)
	if err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			h.respondError(w, http.StatusNotFound, "device not found", nil)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to query device", err)
		return
	}

	statuses, err := h.resolver.DeviceStatuses(ctx, []string{serial})
	if err != nil {
		h.respondError(w, http.StatusBadGateway, "failed to resolve device status", err)
		return
	}

	h.respondJSON(w, http.StatusOK, deviceStatusView{
		Serial:   device.Serial,
		Status:   statuses[serial],
		LastSync: device.LastSync,
		Battery:  device.BatteryLevel,
		Signal:   device.SignalStrength,
	})
}

// ============================================
// 日志与指标历史
// ============================================

func (h *Handlers) getDeviceLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	serial := mux.Vars(r)["serial"]

	limit := queryInt(r, "limit", defaultLogLimit)
	since := defaultLogWindow
	if hours := queryInt(r, "hours", 0); hours > 0 {
		since = time.Duration(hours) * time.Hour
	}

	lines, err := h.logs.Query(ctx, serial, since, limit)
	if err != nil {
		h.respondError(w, http.StatusBadGateway, "failed to query device logs", err)
		return
	}
	if lines == nil {
		lines = []LogLine{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"serial": serial, "logs": lines})
}

type metricHistoryView struct {
	Serial       string                   `json:"serial"`
	MetricName   string                   `json:"metric_name"`
	DisplayName  string                   `json:"display_name"`
	Unit         *string                  `json:"unit,omitempty"`
	MinThreshold *float64                 `json:"min_threshold,omitempty"`
	MaxThreshold *float64                 `json:"max_threshold,omitempty"`
	Points       []predictive.SamplePoint `json:"points"`
}

func (h *Handlers) getMetricHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	serial := vars["serial"]
	metric := vars["metric"]

	limit := queryInt(r, "limit", defaultHistoryLimit)
	if hours := queryInt(r, "hours", 0); hours > 0 {
		// 1分钟步长下，小时窗口换算为采样点数
		limit = hours * 60
	}

	points, err := h.history.Recent(ctx, serial, metric, limit, historyStep)
	if err != nil {
		h.respondError(w, http.StatusBadGateway, "failed to query metric history", err)
		return
	}
	if points == nil {
		points = []predictive.SamplePoint{}
	}

	view := metricHistoryView{
		Serial:      serial,
		MetricName:  metric,
		DisplayName: metric,
		Points:      points,
	}

	// 元数据缺失不影响历史数据返回
	meta, err := h.metadata.GetByName(ctx, metric)
	if err != nil {
		h.logger.Warn("Failed to load metric metadata",
			zap.String("metric", metric),
			zap.Error(err),
		)
	} else if meta != nil {
		view.DisplayName = meta.DisplayName()
		view.Unit = meta.Unit
		view.MinThreshold = meta.MinThreshold
		view.MaxThreshold = meta.MaxThreshold
	}

	h.respondJSON(w, http.StatusOK, view)
}

// ============================================
// 预测告警
// ============================================

func (h *Handlers) listPredictiveAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	serial := mux.Vars(r)["serial"]

	device, err := h.devices.GetDeviceBySerial(ctx, serial)
	if err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			h.respondError(w, http.StatusNotFound, "device not found", nil)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to query device", err)
		return
	}

	metric := r.URL.Query().Get("metric")
	limit := queryInt(r, "limit", defaultHistoryLimit)

	alerts, err := h.alerts.ListRecentAlerts(ctx, device.ID, metric, limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list predictive alerts", err)
		return
	}
	if alerts == nil {
		alerts = []models.PredictiveAlert{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"serial": serial, "alerts": alerts})
}

// ============================================
// 崩溃诊断
// ============================================

type issueView struct {
	ID              int64            `json:"id"`
	Name            string           `json:"name"`
	Type            models.IssueType `json:"type"`
	LastOccurrence  *time.Time       `json:"last_occurrence,omitempty"`
	OccurrenceCount int64            `json:"occurrence_count"`
	DeviceCount     int64            `json:"device_count"`
}

func (h *Handlers) listIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := h.issues.ListIssues(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list issues", err)
		return
	}

	views := make([]issueView, 0, len(issues))
	for _, issue := range issues {
		views = append(views, issueView{
			ID:              issue.ID,
			Name:            issue.Name,
			Type:            issue.Type,
			LastOccurrence:  issue.LastOccurrence,
			OccurrenceCount: issue.OccurrenceCount,
			DeviceCount:     issue.DeviceCount,
		})
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"issues": views})
}

type traceView struct {
	ID         string    `json:"id"`
	IssueID    int64     `json:"issue_id"`
	DeviceID   int64     `json:"device_id"`
	Occurrence time.Time `json:"occurrence"`
}

func (h *Handlers) getIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid issue id", nil)
		return
	}

	issue, err := h.issues.GetIssue(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrIssueNotFound) {
			h.respondError(w, http.StatusNotFound, "issue not found", nil)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to query issue", err)
		return
	}

	traces, err := h.issues.ListTracesByIssue(ctx, id)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list traces", err)
		return
	}

	views := make([]traceView, 0, len(traces))
	for _, trace := range traces {
		views = append(views, traceView{
			ID:         trace.ID,
			IssueID:    trace.IssueID,
			DeviceID:   trace.DeviceID,
			Occurrence: trace.Occurrence,
		})
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"issue": issueView{
			ID:   issue.ID,
			Name: issue.Name,
			Type: issue.Type,
		},
		"traces": views,
	})
}

func (h *Handlers) getTrace(w http.ResponseWriter, r *http.Request) {
	trace, err := h.issues.GetTrace(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, repository.ErrTraceNotFound) {
			h.respondError(w, http.StatusNotFound, "trace not found", nil)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to query trace", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"id":         trace.ID,
		"issue_id":   trace.IssueID,
		"device_id":  trace.DeviceID,
		"occurrence": trace.Occurrence,
		"report":     json.RawMessage(trace.Report),
	})
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================
// 响应辅助
// ============================================

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string, err error) {
	if err != nil {
		h.logger.Error(message, zap.Error(err))
	}
	h.respondJSON(w, status, map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}
