package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Analyzer 时序分析能力
// 数值分析（分解、预测）委托给外部分析服务，本服务只消费结果
type Analyzer interface {
	Decompose(ctx context.Context, series []float64) (*Decomposition, error)
	Forecast(ctx context.Context, series []float64, horizon int) ([]float64, error)
}

// Decomposition 时序分解结果
type Decomposition struct {
	Trend     []float64 `json:"trend"`
	Residual  []float64 `json:"residual"`
	Anomalies []int     `json:"anomalies"`
}

type decomposeRequest struct {
	Series []float64 `json:"series"`
}

type forecastRequest struct {
	Series  []float64 `json:"series"`
	Horizon int       `json:"horizon"`
}

type forecastResponse struct {
	Forecast []float64 `json:"forecast"`
}

// Client 外部分析服务HTTP客户端
type Client struct {
	client *resty.Client
	logger *zap.Logger
}

// NewClient 创建分析服务客户端
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		client: client,
		logger: logger,
	}
}

// Decompose 时序分解
func (c *Client) Decompose(ctx context.Context, series []float64) (*Decomposition, error) {
	var result Decomposition
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(decomposeRequest{Series: series}).
		SetResult(&result).
		Post("/api/v1/decompose")

	if err != nil {
		return nil, fmt.Errorf("failed to call analytics decompose: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("analytics decompose returned %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// Forecast 预测未来horizon步的序列值
func (c *Client) Forecast(ctx context.Context, series []float64, horizon int) ([]float64, error) {
	var result forecastResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(forecastRequest{Series: series, Horizon: horizon}).
		SetResult(&result).
		Post("/api/v1/forecast")

	if err != nil {
		return nil, fmt.Errorf("failed to call analytics forecast: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("analytics forecast returned %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result.Forecast) == 0 {
		return nil, fmt.Errorf("analytics forecast returned empty series")
	}
	return result.Forecast, nil
}
