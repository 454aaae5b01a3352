package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fleetwatch/internal/models"

	"go.uber.org/zap"
)

// MetadataRepository 指标元数据仓库（对本服务只读）
type MetadataRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMetadataRepository 创建指标元数据仓库
func NewMetadataRepository(db *sql.DB, logger *zap.Logger) *MetadataRepository {
	return &MetadataRepository{
		db:     db,
		logger: logger,
	}
}

const metadataColumns = `
	id,
	metric_name,
	display_name_en,
	display_name_ru,
	icon_key,
	unit,
	min_threshold,
	max_threshold
`

// GetByName 根据指标名获取元数据；不存在返回nil（不是错误）
func (r *MetadataRepository) GetByName(ctx context.Context, metricName string) (*models.MetricMetadata, error) {
	query := `
		SELECT ` + metadataColumns + `
		FROM metric_metadata
		WHERE metric_name = $1
		LIMIT 1
	`

	meta := &models.MetricMetadata{}
	err := r.db.QueryRowContext(ctx, query, metricName).Scan(
		&meta.ID,
		&meta.MetricName,
		&meta.DisplayNameEN,
		&meta.DisplayNameRU,
		&meta.IconKey,
		&meta.Unit,
		&meta.MinThreshold,
		&meta.MaxThreshold,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query metric metadata: %w", err)
	}

	return meta, nil
}

// ListAll 获取全部指标元数据，按指标名索引
func (r *MetadataRepository) ListAll(ctx context.Context) (map[string]models.MetricMetadata, error) {
	query := `
		SELECT ` + metadataColumns + `
		FROM metric_metadata
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list metric metadata: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.MetricMetadata)
	for rows.Next() {
		var meta models.MetricMetadata
		if err := rows.Scan(
			&meta.ID,
			&meta.MetricName,
			&meta.DisplayNameEN,
			&meta.DisplayNameRU,
			&meta.IconKey,
			&meta.Unit,
			&meta.MinThreshold,
			&meta.MaxThreshold,
		); err != nil {
			return nil, fmt.Errorf("failed to scan metric metadata: %w", err)
		}
		out[meta.MetricName] = meta
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate metric metadata: %w", err)
	}

	return out, nil
}
