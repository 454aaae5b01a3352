package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fleetwatch/internal/models"

	"go.uber.org/zap"
)

// ErrIssueNotFound Issue不存在
var ErrIssueNotFound = errors.New("issue not found")

// ErrTraceNotFound Trace不存在
var ErrTraceNotFound = errors.New("trace not found")

// IssueRepository 崩溃签名与发生记录仓库
type IssueRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewIssueRepository 创建Issue仓库
func NewIssueRepository(db *sql.DB, logger *zap.Logger) *IssueRepository {
	return &IssueRepository{
		db:     db,
		logger: logger,
	}
}

// GetOrCreateIssue 按reason字符串精确去重获取Issue
// 去重的权威是 issues.name 的唯一索引：并发插入同一reason时
// ON CONFLICT DO NOTHING 后重查，保证至多一条
func (r *IssueRepository) GetOrCreateIssue(ctx context.Context, name string, issueType models.IssueType) (*models.Issue, error) {
	issue, err := r.getIssueByName(ctx, name)
	if err == nil {
		return issue, nil
	}
	if !errors.Is(err, ErrIssueNotFound) {
		return nil, err
	}

	insert := `
		INSERT INTO issues (name, type)
		VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING
		RETURNING id
	`

	var id int64
	err = r.db.QueryRowContext(ctx, insert, name, string(issueType)).Scan(&id)
	if err == nil {
		r.logger.Info("Created new issue",
			zap.Int64("issue_id", id),
			zap.String("reason", name),
			zap.String("type", string(issueType)),
		)
		return &models.Issue{ID: id, Name: name, Type: issueType}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}

	// 冲突说明并发写入已创建，重查取回
	return r.getIssueByName(ctx, name)
}

func (r *IssueRepository) getIssueByName(ctx context.Context, name string) (*models.Issue, error) {
	query := `
		SELECT id, name, type
		FROM issues
		WHERE name = $1
		LIMIT 1
	`

	issue := &models.Issue{}
	var issueType string
	err := r.db.QueryRowContext(ctx, query, name).Scan(&issue.ID, &issue.Name, &issueType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIssueNotFound
		}
		return nil, fmt.Errorf("failed to query issue by name: %w", err)
	}
	issue.Type = models.IssueType(issueType)
	return issue, nil
}

// CreateTrace 记录一次崩溃发生
// Issue去重但每次发生都保留，频率与设备覆盖面可由行重建
func (r *IssueRepository) CreateTrace(ctx context.Context, trace *models.Trace) error {
	query := `
		INSERT INTO traces (id, issue_id, device_id, report, occurrence)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.ExecContext(ctx, query,
		trace.ID,
		trace.IssueID,
		trace.DeviceID,
		[]byte(trace.Report),
		trace.Occurrence,
	)
	if err != nil {
		return fmt.Errorf("failed to create trace: %w", err)
	}

	return nil
}

// ListIssues 获取全部Issue及其聚合信息
// 聚合值（最近发生、次数、设备数）按Trace行查询计算，不冗余维护
func (r *IssueRepository) ListIssues(ctx context.Context) ([]models.Issue, error) {
	query := `
		SELECT
			i.id,
			i.name,
			i.type,
			MAX(t.occurrence) AS last_occurrence,
			COUNT(t.id) AS occurrence_count,
			COUNT(DISTINCT t.device_id) AS device_count
		FROM issues i
		JOIN traces t ON t.issue_id = i.id
		GROUP BY i.id, i.name, i.type
		ORDER BY MAX(t.occurrence) DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	var issues []models.Issue
	for rows.Next() {
		var issue models.Issue
		var issueType string
		if err := rows.Scan(
			&issue.ID,
			&issue.Name,
			&issueType,
			&issue.LastOccurrence,
			&issue.OccurrenceCount,
			&issue.DeviceCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issue.Type = models.IssueType(issueType)
		issues = append(issues, issue)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate issues: %w", err)
	}

	return issues, nil
}

// GetIssue 根据ID获取Issue
func (r *IssueRepository) GetIssue(ctx context.Context, id int64) (*models.Issue, error) {
	query := `
		SELECT id, name, type
		FROM issues
		WHERE id = $1
		LIMIT 1
	`

	issue := &models.Issue{}
	var issueType string
	err := r.db.QueryRowContext(ctx, query, id).Scan(&issue.ID, &issue.Name, &issueType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrIssueNotFound, id)
		}
		return nil, fmt.Errorf("failed to query issue: %w", err)
	}
	issue.Type = models.IssueType(issueType)
	return issue, nil
}

// ListTracesByIssue 获取某个Issue的全部发生记录（新的在前，不含报告正文）
func (r *IssueRepository) ListTracesByIssue(ctx context.Context, issueID int64) ([]models.Trace, error) {
	query := `
		SELECT id, issue_id, device_id, occurrence
		FROM traces
		WHERE issue_id = $1
		ORDER BY occurrence DESC
	`

	rows, err := r.db.QueryContext(ctx, query, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to list traces: %w", err)
	}
	defer rows.Close()

	var traces []models.Trace
	for rows.Next() {
		var trace models.Trace
		if err := rows.Scan(&trace.ID, &trace.IssueID, &trace.DeviceID, &trace.Occurrence); err != nil {
			return nil, fmt.Errorf("failed to scan trace: %w", err)
		}
		traces = append(traces, trace)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate traces: %w", err)
	}

	return traces, nil
}

// GetTrace 根据ID获取完整Trace（含崩溃报告正文）
func (r *IssueRepository) GetTrace(ctx context.Context, id string) (*models.Trace, error) {
	query := `
		SELECT id, issue_id, device_id, report, occurrence
		FROM traces
		WHERE id = $1
		LIMIT 1
	`

	trace := &models.Trace{}
	var report []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&trace.ID,
		&trace.IssueID,
		&trace.DeviceID,
		&report,
		&trace.Occurrence,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTraceNotFound, id)
		}
		return nil, fmt.Errorf("failed to query trace: %w", err)
	}
	trace.Report = report
	return trace, nil
}
