package predictive

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// SamplePoint 一个带时间戳的历史采样点
type SamplePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// prometheus区间查询响应（matrix）
type promRangeResponse struct {
	Status string `json:"status"`
	Data   struct {
		Result []struct {
			Metric map[string]string `json:"metric"`
			Values [][2]json.RawMessage `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// PromHistory 从Prometheus区间查询拉取指标历史
// 历史数据的权威存储就是指标后端本身，不在本地冗余落库
type PromHistory struct {
	client *resty.Client
}

// NewPromHistory 创建历史查询客户端
func NewPromHistory(prometheusURL string, timeout time.Duration) *PromHistory {
	client := resty.New().
		SetBaseURL(prometheusURL).
		SetTimeout(timeout)

	return &PromHistory{client: client}
}

// Range 拉取设备×指标最近samples个采样点，时间升序
func (h *PromHistory) Range(ctx context.Context, serial, metric string, samples int, step time.Duration) ([]SamplePoint, error) {
	end := time.Now()
	start := end.Add(-time.Duration(samples) * step)

	var result promRangeResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"query": fmt.Sprintf(`%s{serial=%q}`, metric, serial),
			"start": strconv.FormatInt(start.Unix(), 10),
			"end":   strconv.FormatInt(end.Unix(), 10),
			"step":  fmt.Sprintf("%ds", int(step/time.Second)),
		}).
		SetResult(&result).
		Get("/api/v1/query_range")

	if err != nil {
		return nil, fmt.Errorf("failed to query metric history: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("prometheus returned %d: %s", resp.StatusCode(), resp.String())
	}

	if len(result.Data.Result) == 0 {
		return nil, nil
	}

	values := result.Data.Result[0].Values
	points := make([]SamplePoint, 0, len(values))
	for _, pair := range values {
		var ts float64
		if err := json.Unmarshal(pair[0], &ts); err != nil {
			continue
		}
		var raw string
		if err := json.Unmarshal(pair[1], &raw); err != nil {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		points = append(points, SamplePoint{
			Timestamp: time.Unix(int64(ts), 0).UTC(),
			Value:     v,
		})
	}
	return points, nil
}

// Series 同Range，但只取数值序列
func (h *PromHistory) Series(ctx context.Context, serial, metric string, samples int, step time.Duration) ([]float64, error) {
	points, err := h.Range(ctx, serial, metric, samples, step)
	if err != nil {
		return nil, err
	}
	series := make([]float64, len(points))
	for i, p := range points {
		series[i] = p.Value
	}
	return series, nil
}

// Recent 拉取最近limit个采样点，时间降序（新→旧）
func (h *PromHistory) Recent(ctx context.Context, serial, metric string, limit int, step time.Duration) ([]SamplePoint, error) {
	points, err := h.Range(ctx, serial, metric, limit, step)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	if len(points) > limit {
		points = points[:limit]
	}
	return points, nil
}
