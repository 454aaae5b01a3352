package crash

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"fleetwatch/internal/models"
	"fleetwatch/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// issueCachePrefix Redis中 reason摘要 -> issue_id 的缓存键前缀
const issueCachePrefix = "crash:issue:"

// issueCacheTTL 缓存过期时间。去重的权威始终是数据库唯一索引，
// 缓存只是热路径加速
const issueCacheTTL = 24 * time.Hour

// ReportDecoder 外部解码能力
type ReportDecoder interface {
	Decode(ctx context.Context, corePath string) (*models.CrashReport, error)
}

// DeviceFinder 设备查找能力
type DeviceFinder interface {
	GetDeviceBySerial(ctx context.Context, serial string) (*models.Device, error)
}

// IssueStore Issue与Trace的持久化能力
type IssueStore interface {
	GetOrCreateIssue(ctx context.Context, name string, issueType models.IssueType) (*models.Issue, error)
	CreateTrace(ctx context.Context, trace *models.Trace) error
}

// Engine 崩溃诊断引擎
// coredump -> 外部解码 -> reason去重为Issue -> 每次发生记一条Trace
type Engine struct {
	decoder     ReportDecoder
	devices     DeviceFinder
	issues      IssueStore
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewEngine 创建崩溃诊断引擎
func NewEngine(
	decoder ReportDecoder,
	devices DeviceFinder,
	issues IssueStore,
	redisClient *redis.Client,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		decoder:     decoder,
		devices:     devices,
		issues:      issues,
		redisClient: redisClient,
		logger:      logger,
	}
}

// HandleCrash 处理一个信封携带的崩溃数据
// 任一步骤失败只中止本次崩溃处理，不重试、不影响同信封的指标/日志路径
func (e *Engine) HandleCrash(ctx context.Context, serial string, coredump []byte) error {
	if len(coredump) == 0 {
		return nil
	}

	// 1. 落临时文件，交给外部解码服务
	corePath, cleanup, err := e.writeTempCore(coredump)
	if err != nil {
		return fmt.Errorf("failed to stage coredump: %w", err)
	}
	defer cleanup()

	report, err := e.decoder.Decode(ctx, corePath)
	if err != nil {
		return fmt.Errorf("failed to decode coredump for %s: %w", serial, err)
	}

	// 2. 类型字符串映射为枚举；未识别归unknown，不报错
	issueType := models.ParseIssueType(report.Type)

	// 3. 设备查找；未注册设备的崩溃无法归属，静默放弃
	device, err := e.devices.GetDeviceBySerial(ctx, serial)
	if err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			e.logger.Warn("Crash report for unregistered device, dropping",
				zap.String("serial", serial),
				zap.String("reason", report.Reason),
			)
			return nil
		}
		return fmt.Errorf("failed to look up device %s: %w", serial, err)
	}

	// 4. 按reason字符串精确去重获取Issue
	issueID, err := e.resolveIssue(ctx, report.Reason, issueType)
	if err != nil {
		return fmt.Errorf("failed to resolve issue for %s: %w", serial, err)
	}

	// 5. 每次发生都记一条Trace
	trace := &models.Trace{
		ID:         uuid.New().String(),
		IssueID:    issueID,
		DeviceID:   device.ID,
		Report:     report.Raw,
		Occurrence: time.Now().UTC(),
	}
	if err := e.issues.CreateTrace(ctx, trace); err != nil {
		return fmt.Errorf("failed to record trace for %s: %w", serial, err)
	}

	e.logger.Info("Recorded crash occurrence",
		zap.String("serial", serial),
		zap.Int64("issue_id", issueID),
		zap.String("trace_id", trace.ID),
		zap.String("reason", report.Reason),
		zap.String("type", string(issueType)),
	)
	return nil
}

// resolveIssue reason -> issue_id，带Redis热路径缓存
func (e *Engine) resolveIssue(ctx context.Context, reason string, issueType models.IssueType) (int64, error) {
	cacheKey := issueCachePrefix + reasonDigest(reason)

	if e.redisClient != nil {
		cached, err := e.redisClient.Get(ctx, cacheKey).Result()
		if err == nil {
			if id, parseErr := strconv.ParseInt(cached, 10, 64); parseErr == nil {
				return id, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			// 缓存故障降级为直查数据库
			e.logger.Warn("Issue cache lookup failed", zap.Error(err))
		}
	}

	issue, err := e.issues.GetOrCreateIssue(ctx, reason, issueType)
	if err != nil {
		return 0, err
	}

	if e.redisClient != nil {
		if err := e.redisClient.Set(ctx, cacheKey, strconv.FormatInt(issue.ID, 10), issueCacheTTL).Err(); err != nil {
			e.logger.Warn("Failed to cache issue id", zap.Error(err))
		}
	}

	return issue.ID, nil
}

// writeTempCore 将coredump写入独立的临时目录
func (e *Engine) writeTempCore(coredump []byte) (string, func(), error) {
	dir, err := os.MkdirTemp("", "fleetwatch-core-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	corePath := filepath.Join(dir, "core.bin")
	if err := os.WriteFile(corePath, coredump, 0o600); err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("failed to write core file: %w", err)
	}

	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn("Failed to remove temp core dir",
				zap.String("dir", dir),
				zap.Error(err),
			)
		}
	}
	return corePath, cleanup, nil
}

// reasonDigest reason字符串的缓存键摘要（reason可能很长且含任意字符）
func reasonDigest(reason string) string {
	sum := sha1.Sum([]byte(reason))
	return hex.EncodeToString(sum[:])
}
