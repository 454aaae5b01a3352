package analytics

import "fleetwatch/internal/models"

// Report 单个设备×指标的一次预测分析结论
type Report struct {
	Status models.AlertStatus

	// MinutesToFailure 预计越过阈值的分钟数；stable时为-1
	MinutesToFailure int

	// ForecastMax 预测序列中的最大值
	ForecastMax float64
}

// BuildReport 将预测序列对照阈值分类
// 预测步与步之间间隔stepMinutes分钟；首个越过阈值的下标i
// 对应 (i+1)*stepMinutes 分钟后；小于criticalMinutes判critical
func BuildReport(forecast []float64, threshold float64, stepMinutes, criticalMinutes int) Report {
	crossIndex := -1
	forecastMax := 0.0

	for i, v := range forecast {
		if i == 0 || v > forecastMax {
			forecastMax = v
		}
		if crossIndex < 0 && v >= threshold {
			crossIndex = i
		}
	}

	if crossIndex < 0 {
		return Report{
			Status:           models.AlertStatusStable,
			MinutesToFailure: -1,
			ForecastMax:      forecastMax,
		}
	}

	minutes := (crossIndex + 1) * stepMinutes
	status := models.AlertStatusWarning
	if minutes < criticalMinutes {
		status = models.AlertStatusCritical
	}

	return Report{
		Status:           status,
		MinutesToFailure: minutes,
		ForecastMax:      forecastMax,
	}
}
