package publisher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"fleetwatch/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// LogJobLabel Loki流的固定job标签
const LogJobLabel = "device_logs"

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type lokiPushRequest struct {
	Streams []lokiStream `json:"streams"`
}

// LogBatcher 日志批量推送器
// 按severity分组，每组一次推送；组内保持原始顺序
type LogBatcher struct {
	client *resty.Client
	logger *zap.Logger

	// now 可注入的时钟（测试用）
	now func() time.Time
}

// NewLogBatcher 创建日志推送器
func NewLogBatcher(baseURL string, timeout time.Duration, logger *zap.Logger) *LogBatcher {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &LogBatcher{
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

// PushLogs 推送一个信封的全部日志
// 空输入是no-op；单个severity组推送失败不影响其它组
func (b *LogBatcher) PushLogs(ctx context.Context, serial string, entries []models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	// 稳定分组：按首次出现的severity顺序
	groups := make(map[models.LogLevel][][2]string)
	var order []models.LogLevel
	for _, entry := range entries {
		level := entry.Level
		if level == "" {
			level = models.LogLevelUnknown
		}
		ts := entry.Timestamp
		if ts.IsZero() {
			// 设备未提供时间戳时补当前时间，不因此丢弃整批
			ts = b.now()
		}
		if _, seen := groups[level]; !seen {
			order = append(order, level)
		}
		groups[level] = append(groups[level], [2]string{
			strconv.FormatInt(ts.UnixNano(), 10),
			entry.Message,
		})
	}

	var failed int
	for _, level := range order {
		req := lokiPushRequest{
			Streams: []lokiStream{{
				Stream: map[string]string{
					"serial": serial,
					"job":    LogJobLabel,
					"level":  string(level),
				},
				Values: groups[level],
			}},
		}

		resp, err := b.client.R().
			SetContext(ctx).
			SetBody(req).
			Post("/loki/api/v1/push")

		if err != nil {
			failed++
			b.logger.Error("Failed to push log batch",
				zap.String("serial", serial),
				zap.String("level", string(level)),
				zap.Error(err),
			)
			continue
		}
		if resp.IsError() {
			failed++
			b.logger.Error("Loki returned error for log batch",
				zap.String("serial", serial),
				zap.String("level", string(level)),
				zap.Int("status_code", resp.StatusCode()),
				zap.String("body", resp.String()),
			)
			continue
		}

		b.logger.Debug("Pushed log batch",
			zap.String("serial", serial),
			zap.String("level", string(level)),
			zap.Int("entry_count", len(groups[level])),
		)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d log batches failed for %s", failed, len(order), serial)
	}
	return nil
}
