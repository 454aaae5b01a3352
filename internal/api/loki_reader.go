package api

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// LogLine 日志查询返回的单行
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// loki区间查询响应（streams）
type lokiQueryResponse struct {
	Status string `json:"status"`
	Data   struct {
		Result []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// LokiReader 设备日志查询客户端
type LokiReader struct {
	client *resty.Client
}

// NewLokiReader 创建日志查询客户端
func NewLokiReader(lokiURL string, timeout time.Duration) *LokiReader {
	client := resty.New().
		SetBaseURL(lokiURL).
		SetTimeout(timeout)

	return &LokiReader{client: client}
}

// Query 查询某设备最近的日志，新的在前
// 各severity流在查询侧合并后按时间重排
func (r *LokiReader) Query(ctx context.Context, serial string, since time.Duration, limit int) ([]LogLine, error) {
	end := time.Now()
	start := end.Add(-since)

	var result lokiQueryResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"query":     fmt.Sprintf(`{serial=%q, job="device_logs"}`, serial),
			"start":     strconv.FormatInt(start.UnixNano(), 10),
			"end":       strconv.FormatInt(end.UnixNano(), 10),
			"limit":     strconv.Itoa(limit),
			"direction": "backward",
		}).
		SetResult(&result).
		Get("/loki/api/v1/query_range")

	if err != nil {
		return nil, fmt.Errorf("failed to query device logs: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("loki returned %d: %s", resp.StatusCode(), resp.String())
	}

	var lines []LogLine
	for _, stream := range result.Data.Result {
		level := stream.Stream["level"]
		for _, pair := range stream.Values {
			ns, err := strconv.ParseInt(pair[0], 10, 64)
			if err != nil {
				continue
			}
			lines = append(lines, LogLine{
				Timestamp: time.Unix(0, ns).UTC(),
				Level:     level,
				Message:   pair[1],
			})
		}
	}

	sort.Slice(lines, func(i, j int) bool {
		return lines[i].Timestamp.After(lines[j].Timestamp)
	})
	if limit > 0 && len(lines) > limit {
		lines = lines[:limit]
	}
	return lines, nil
}
