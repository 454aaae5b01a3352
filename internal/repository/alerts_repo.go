package repository

import (
	"context"
	"database/sql"
	"fmt"

	"fleetwatch/internal/models"

	"go.uber.org/zap"
)

// AlertRepository 预测告警仓库（仅追加的审计记录）
type AlertRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRepository 创建预测告警仓库
func NewAlertRepository(db *sql.DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{
		db:     db,
		logger: logger,
	}
}

// CreateAlert 追加一条预测告警
// 独立事务：失败只回滚本条，不影响同一轮的其它(设备,指标)对
func (r *AlertRepository) CreateAlert(ctx context.Context, alert *models.PredictiveAlert) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	query := `
		INSERT INTO predictive_alerts (id, device_id, metric_name, status, minutes_to_failure, forecast_max, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = tx.ExecContext(ctx, query,
		alert.ID,
		alert.DeviceID,
		alert.MetricName,
		string(alert.Status),
		alert.MinutesToFailure,
		alert.ForecastMax,
		alert.CreatedAt,
	)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Error("Failed to rollback alert transaction", zap.Error(rbErr))
		}
		return fmt.Errorf("failed to insert predictive alert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit predictive alert: %w", err)
	}

	return nil
}

// ListRecentAlerts 查询某设备最近的预测告警（新的在前）
// metricName为空表示不过滤指标
func (r *AlertRepository) ListRecentAlerts(ctx context.Context, deviceID int64, metricName string, limit int) ([]models.PredictiveAlert, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, device_id, metric_name, status, minutes_to_failure, forecast_max, created_at
		FROM predictive_alerts
		WHERE device_id = $1
		  AND ($2 = '' OR metric_name = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID, metricName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list predictive alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.PredictiveAlert
	for rows.Next() {
		var alert models.PredictiveAlert
		var status string
		if err := rows.Scan(
			&alert.ID,
			&alert.DeviceID,
			&alert.MetricName,
			&status,
			&alert.MinutesToFailure,
			&alert.ForecastMax,
			&alert.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan predictive alert: %w", err)
		}
		alert.Status = models.AlertStatus(status)
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate predictive alerts: %w", err)
	}

	return alerts, nil
}
