package models

import (
	"encoding/json"
	"strings"
	"time"
)

// IssueType 崩溃归类
type IssueType string

const (
	IssueTypeAbort    IssueType = "abort"
	IssueTypeAssert   IssueType = "assertion"
	IssueTypeWatchdog IssueType = "watchdog"
	IssueTypeUnknown  IssueType = "unknown"
)

// ParseIssueType 将解码服务返回的类型字符串映射到枚举
// 未识别的字符串映射为 unknown，不报错
func ParseIssueType(s string) IssueType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "abort":
		return IssueTypeAbort
	case "assert", "assertion":
		return IssueTypeAssert
	case "watchdog":
		return IssueTypeWatchdog
	default:
		return IssueTypeUnknown
	}
}

// Issue 去重后的崩溃签名
// 以 reason 字符串全局唯一；同一 reason 的崩溃只有一条 Issue
type Issue struct {
	ID   int64
	Name string
	Type IssueType

	// LastOccurrence 聚合字段（查询时计算，不冗余存储）
	LastOccurrence  *time.Time
	OccurrenceCount int64
	DeviceCount     int64
}

// Trace 一次崩溃发生记录
// Issue↔Device 多对多关系通过 Trace 实现，聚合值按行计算
type Trace struct {
	ID         string
	IssueID    int64
	DeviceID   int64
	Report     json.RawMessage
	Occurrence time.Time
}

// AlertStatus 预测分析结论
type AlertStatus string

const (
	AlertStatusStable   AlertStatus = "stable"
	AlertStatusWarning  AlertStatus = "warning"
	AlertStatusCritical AlertStatus = "critical"
)

// PredictiveAlert 预测告警记录（仅追加，不更新）
type PredictiveAlert struct {
	ID               string
	DeviceID         int64
	MetricName       string
	Status           AlertStatus
	MinutesToFailure int
	ForecastMax      float64
	CreatedAt        time.Time
}

// CrashReport 外部解码服务返回的结构化崩溃报告
// 除 reason/type 外的内容对本服务是不透明的JSON
type CrashReport struct {
	Reason        string          `json:"reason"`
	Type          string          `json:"type"`
	Threads       json.RawMessage `json:"threads,omitempty"`
	MemoryRegions json.RawMessage `json:"memory_regions,omitempty"`

	// Raw 完整报告原文，随 Trace 落库
	Raw json.RawMessage `json:"-"`
}

// ActiveAlert 告警后端当前触发中的告警
type ActiveAlert struct {
	AlertName   string
	Severity    string
	Summary     string
	Description string
	ActiveAt    string
	Serial      string
}
