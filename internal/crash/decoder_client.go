package crash

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fleetwatch/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// decodeRequest 解码服务请求：固件ELF路径 + 临时core文件路径
type decodeRequest struct {
	ProgramPath string `json:"program_path"`
	CorePath    string `json:"core_path"`
}

// DecoderClient 外部coredump解码服务客户端
// 符号解析（ELF/GDB）完全委托给外部服务，本服务只消费结构化报告
type DecoderClient struct {
	client      *resty.Client
	programPath string
	logger      *zap.Logger
}

// NewDecoderClient 创建解码服务客户端
func NewDecoderClient(baseURL, programPath string, timeout time.Duration, logger *zap.Logger) *DecoderClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &DecoderClient{
		client:      client,
		programPath: programPath,
		logger:      logger,
	}
}

// Decode 解码core文件，返回结构化崩溃报告
func (c *DecoderClient) Decode(ctx context.Context, corePath string) (*models.CrashReport, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(decodeRequest{
			ProgramPath: c.programPath,
			CorePath:    corePath,
		}).
		Post("/api/v1/decode")

	if err != nil {
		return nil, fmt.Errorf("failed to call coredump decoder: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("coredump decoder returned %d: %s", resp.StatusCode(), resp.String())
	}

	report := &models.CrashReport{}
	if err := json.Unmarshal(resp.Body(), report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal crash report: %w", err)
	}
	if report.Reason == "" {
		return nil, fmt.Errorf("crash report has no reason field")
	}

	// 完整报告原文随Trace落库
	report.Raw = json.RawMessage(append([]byte(nil), resp.Body()...))

	return report, nil
}
