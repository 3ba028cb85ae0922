package models

import "time"

type AlertLevel string

const (
	InfoAlertLevel     AlertLevel = "info"
	WarningAlertLevel  AlertLevel = "warning"
	ErrorAlertLevel    AlertLevel = "error"
	CriticalAlertLevel AlertLevel = "critical"
)

// Valid reports whether l is a known alert level.
func (l AlertLevel) Valid() bool {
	switch l {
	case InfoAlertLevel, WarningAlertLevel, ErrorAlertLevel, CriticalAlertLevel:
		return true
	}
	return false
}

// Alert is a continuous condition surfaced to operators.
type Alert struct {
	ID         string     `json:"id"`
	Level      AlertLevel `json:"level"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Source     string     `json:"source"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type MetricType string

const (
	CounterMetricType   MetricType = "counter"
	GaugeMetricType     MetricType = "gauge"
	HistogramMetricType MetricType = "histogram"
	TimerMetricType     MetricType = "timer"
)

// Metric is an immutable sample.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// PerformanceStats aggregates recorded operations for one component/operation pair.
type PerformanceStats struct {
	Component     string        `json:"component"`
	Operation     string        `json:"operation"`
	Count         int64         `json:"count"`
	SuccessCount  int64         `json:"success_count"`
	FailureCount  int64         `json:"failure_count"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	TotalDuration time.Duration `json:"total_duration"`
}
