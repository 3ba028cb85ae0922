package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// Threshold levels for one metric. A value at or above Critical raises a
// critical alert, at or above Warning a warning one.
type Threshold struct {
	Warning  float64 `mapstructure:"warning" json:"warning"`
	Critical float64 `mapstructure:"critical" json:"critical"`
}

type MonitoringConfig struct {
	Interval           time.Duration
	MetricBufferSize   int
	AlertRetention     time.Duration
	HealthCheckTimeout time.Duration
	Thresholds         map[string]Threshold
}

func DefaultMonitoringConfig() MonitoringConfig {
	return MonitoringConfig{
		Interval:           30 * time.Second,
		MetricBufferSize:   1000,
		AlertRetention:     7 * 24 * time.Hour,
		HealthCheckTimeout: 10 * time.Second,
		Thresholds: map[string]Threshold{
			"cpu_usage":    {Warning: 80, Critical: 95},
			"memory_usage": {Warning: 85, Critical: 95},
			"disk_usage":   {Warning: 90, Critical: 95},
		},
	}
}

// HealthCheck reports a problem by returning an error.
type HealthCheck func(ctx context.Context) error

// SystemMetricsSource supplies host samples to the monitoring loop.
type SystemMetricsSource interface {
	GetSystemMetrics(ctx context.Context) (models.SystemMetrics, error)
}

type perfKey struct {
	component string
	operation string
}

// MonitoringService keeps metrics, alerts, health checks and performance
// aggregates, and mirrors metrics into a private prometheus registry.
type MonitoringService struct {
	source SystemMetricsSource
	events *EventBus
	logger Logger
	cfg    MonitoringConfig
	now    func() time.Time

	registry          *prometheus.Registry
	metricValue       *prometheus.GaugeVec
	metricTotal       *prometheus.CounterVec
	metricObservation *prometheus.HistogramVec
	operationDuration *prometheus.HistogramVec
	alertsActive      *prometheus.GaugeVec
	healthUp          *prometheus.GaugeVec

	mu              sync.RWMutex
	alerts          map[string]*models.Alert
	metrics         map[string]*ring[models.Metric]
	perf            map[perfKey]*models.PerformanceStats
	checks          map[string]HealthCheck
	thresholds      map[string]Threshold
	thresholdAlerts map[string]string
	healthAlerts    map[string]string

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewMonitoringService(source SystemMetricsSource, events *EventBus, logger Logger, cfg MonitoringConfig) *MonitoringService {
	def := DefaultMonitoringConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MetricBufferSize <= 0 {
		cfg.MetricBufferSize = def.MetricBufferSize
	}
	if cfg.AlertRetention <= 0 {
		cfg.AlertRetention = def.AlertRetention
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = def.HealthCheckTimeout
	}
	thresholds := make(map[string]Threshold)
	for name, t := range def.Thresholds {
		thresholds[name] = t
	}
	for name, t := range cfg.Thresholds {
		thresholds[name] = t
	}

	m := &MonitoringService{
		source:          source,
		events:          events,
		logger:          orNop(logger),
		cfg:             cfg,
		now:             time.Now,
		registry:        prometheus.NewRegistry(),
		alerts:          make(map[string]*models.Alert),
		metrics:         make(map[string]*ring[models.Metric]),
		perf:            make(map[perfKey]*models.PerformanceStats),
		checks:          make(map[string]HealthCheck),
		thresholds:      thresholds,
		thresholdAlerts: make(map[string]string),
		healthAlerts:    make(map[string]string),
	}
	m.initMetrics()
	return m
}

// initMetrics creates and registers the prometheus collectors.
func (m *MonitoringService) initMetrics() {
	m.metricValue = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autocore_metric_value",
		Help: "Last recorded value of gauge and timer metrics",
	}, []string{"name"})

	m.metricTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autocore_metric_total",
		Help: "Accumulated value of counter metrics",
	}, []string{"name"})

	m.metricObservation = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autocore_metric_observations",
		Help:    "Distribution of histogram and timer metrics",
		Buckets: prometheus.DefBuckets,
	}, []string{"name"})

	m.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autocore_operation_duration_seconds",
		Help:    "Duration of recorded component operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "status"})

	m.alertsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autocore_alerts_active",
		Help: "Number of unresolved alerts by level",
	}, []string{"level"})

	m.healthUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autocore_health_check_up",
		Help: "1 when the health check passed on its last run",
	}, []string{"check"})

	m.registry.MustRegister(
		m.metricValue,
		m.metricTotal,
		m.metricObservation,
		m.operationDuration,
		m.alertsActive,
		m.healthUp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry exposes the prometheus registry, typically for promhttp.
func (m *MonitoringService) Registry() *prometheus.Registry {
	return m.registry
}

func (m *MonitoringService) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	go m.loop(loopCtx)
	m.logger.Infof("Monitoring service started (interval %s)", m.cfg.Interval)
	return nil
}

func (m *MonitoringService) Stop(_ context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()
	cancel()
	m.wg.Wait()
	m.logger.Infof("Monitoring service stopped")
	return nil
}

func (m *MonitoringService) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Collect(ctx)
		}
	}
}

// Collect runs one monitoring pass: host metrics, health checks and alert
// pruning.
func (m *MonitoringService) Collect(ctx context.Context) {
	if m.source != nil {
		sys, err := m.source.GetSystemMetrics(ctx)
		if err != nil {
			m.logger.Warnf("Failed to collect system metrics: %v", err)
		} else {
			m.recordSystemMetrics(sys)
		}
	}
	m.RunHealthChecks(ctx)
	if n := m.pruneAlerts(); n > 0 {
		m.logger.Debugf("Pruned %d resolved alerts", n)
	}
}

func (m *MonitoringService) recordSystemMetrics(sys models.SystemMetrics) {
	gauges := []struct {
		name  string
		value float64
	}{
		{"cpu_usage", sys.CPU.UsagePercent},
		{"memory_usage", sys.Memory.UsedPercent},
		{"disk_usage", sys.Disk.UsedPercent},
		{"goroutines", float64(sys.Process.GoRoutines)},
		{"process_count", float64(sys.Process.Count)},
	}
	for _, g := range gauges {
		if err := m.RecordMetric(g.name, g.value, models.GaugeMetricType, map[string]string{"source": "system"}); err != nil {
			m.logger.Warnf("Failed to record %s: %v", g.name, err)
		}
	}
}

// CreateAlert raises a new alert and returns its id.
func (m *MonitoringService) CreateAlert(level models.AlertLevel, title, message, source string) (string, error) {
	if err := checkAlert(level, title); err != nil {
		return "", err
	}
	m.mu.Lock()
	alert := m.addAlertLocked(level, title, message, source)
	m.mu.Unlock()
	m.announceAlert(alert)
	return alert.ID, nil
}

func checkAlert(level models.AlertLevel, title string) error {
	if !level.Valid() {
		return validationErrorf("unknown alert level %q", level)
	}
	if title == "" {
		return validationErrorf("alert title is required")
	}
	return nil
}

func (m *MonitoringService) addAlertLocked(level models.AlertLevel, title, message, source string) models.Alert {
	alert := &models.Alert{
		ID:        uuid.NewString(),
		Level:     level,
		Title:     title,
		Message:   message,
		Source:    source,
		Timestamp: m.now(),
	}
	m.alerts[alert.ID] = alert
	return *alert
}

// announceAlert publishes a stored alert. Call it without holding m.mu.
func (m *MonitoringService) announceAlert(alert models.Alert) {
	m.alertsActive.WithLabelValues(string(alert.Level)).Inc()
	switch alert.Level {
	case models.CriticalAlertLevel, models.ErrorAlertLevel:
		m.logger.Errorf("Alert [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	case models.WarningAlertLevel:
		m.logger.Warnf("Alert [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	default:
		m.logger.Infof("Alert [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	}
	m.events.Emit(EventAlertCreated, map[string]interface{}{
		"alert_id": alert.ID,
		"level":    string(alert.Level),
		"title":    alert.Title,
		"source":   alert.Source,
	})
}

// ResolveAlert marks an alert resolved. It reports false for unknown or
// already resolved alerts.
func (m *MonitoringService) ResolveAlert(id string) bool {
	m.mu.Lock()
	alert, ok := m.resolveLocked(id)
	m.mu.Unlock()
	if ok {
		m.announceResolved(alert)
	}
	return ok
}

func (m *MonitoringService) resolveLocked(id string) (models.Alert, bool) {
	alert, ok := m.alerts[id]
	if !ok || alert.Resolved {
		return models.Alert{}, false
	}
	now := m.now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	return *alert, true
}

func (m *MonitoringService) announceResolved(alert models.Alert) {
	m.alertsActive.WithLabelValues(string(alert.Level)).Dec()
	m.logger.Infof("Alert resolved: %s", alert.Title)
	m.events.Emit(EventAlertResolved, map[string]interface{}{"alert_id": alert.ID, "title": alert.Title})
}

// ListAlerts returns alerts oldest first, only unresolved ones if activeOnly.
func (m *MonitoringService) ListAlerts(activeOnly bool) []models.Alert {
	m.mu.RLock()
	out := make([]models.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if activeOnly && a.Resolved {
			continue
		}
		out = append(out, *a)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (m *MonitoringService) pruneAlerts() int {
	cutoff := m.now().Add(-m.cfg.AlertRetention)
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, a := range m.alerts {
		if a.Resolved && a.ResolvedAt != nil && a.ResolvedAt.Before(cutoff) {
			delete(m.alerts, id)
			pruned++
		}
	}
	return pruned
}

// RecordMetric appends a sample to the metric's ring buffer, mirrors it into
// prometheus and evaluates the metric's thresholds.
func (m *MonitoringService) RecordMetric(name string, value float64, metricType models.MetricType, tags map[string]string) error {
	if name == "" {
		return validationErrorf("metric name is required")
	}
	if metricType == "" {
		metricType = models.GaugeMetricType
	}
	sample := models.Metric{Name: name, Type: metricType, Value: value, Timestamp: m.now()}
	if len(tags) > 0 {
		sample.Tags = make(map[string]string, len(tags))
		for k, v := range tags {
			sample.Tags[k] = v
		}
	}

	switch metricType {
	case models.GaugeMetricType:
		m.metricValue.WithLabelValues(name).Set(value)
	case models.CounterMetricType:
		if value < 0 {
			return validationErrorf("counter %s cannot decrease", name)
		}
		m.metricTotal.WithLabelValues(name).Add(value)
	case models.HistogramMetricType:
		m.metricObservation.WithLabelValues(name).Observe(value)
	case models.TimerMetricType:
		m.metricValue.WithLabelValues(name).Set(value)
		m.metricObservation.WithLabelValues(name).Observe(value)
	default:
		return validationErrorf("unknown metric type %q", metricType)
	}

	m.mu.Lock()
	buf, ok := m.metrics[name]
	if !ok {
		buf = newRing[models.Metric](m.cfg.MetricBufferSize)
		m.metrics[name] = buf
	}
	buf.push(sample)
	threshold, hasThreshold := m.thresholds[name]
	m.mu.Unlock()

	if hasThreshold {
		m.checkThreshold(name, value, threshold)
	}
	return nil
}

// GetMetrics returns up to limit of the newest samples of name, oldest first.
func (m *MonitoringService) GetMetrics(name string, limit int) []models.Metric {
	m.mu.RLock()
	defer m.mu.RUnlock()
	buf, ok := m.metrics[name]
	if !ok {
		return []models.Metric{}
	}
	return buf.last(limit)
}

func (m *MonitoringService) MetricNames() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.metrics))
	for name := range m.metrics {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// SetThreshold installs or replaces the thresholds of metric.
func (m *MonitoringService) SetThreshold(metric string, warning, critical float64) error {
	if metric == "" {
		return validationErrorf("metric name is required")
	}
	if critical < warning {
		return validationErrorf("critical threshold %v below warning threshold %v", critical, warning)
	}
	m.mu.Lock()
	m.thresholds[metric] = Threshold{Warning: warning, Critical: critical}
	m.mu.Unlock()
	return nil
}

// checkThreshold keeps at most one active alert per metric: raised when the
// value crosses a threshold, replaced when the level changes and resolved once
// the value drops below the warning threshold.
func (m *MonitoringService) checkThreshold(name string, value float64, t Threshold) {
	var level models.AlertLevel
	switch {
	case value >= t.Critical:
		level = models.CriticalAlertLevel
	case value >= t.Warning:
		level = models.WarningAlertLevel
	}

	// lookup, resolve and create happen under one lock so concurrent samples
	// of the same metric cannot raise duplicate alerts
	var resolved, created models.Alert
	var didResolve, didCreate bool
	m.mu.Lock()
	if id, ok := m.thresholdAlerts[name]; ok {
		if a, found := m.alerts[id]; found && !a.Resolved && a.Level == level {
			m.mu.Unlock()
			return
		}
		resolved, didResolve = m.resolveLocked(id)
		delete(m.thresholdAlerts, name)
	}
	if level != "" {
		limit := t.Warning
		if level == models.CriticalAlertLevel {
			limit = t.Critical
		}
		created = m.addAlertLocked(level,
			fmt.Sprintf("%s %s threshold exceeded", name, level),
			fmt.Sprintf("%s is %.2f, threshold %.2f", name, value, limit),
			"threshold:"+name)
		m.thresholdAlerts[name] = created.ID
		didCreate = true
	}
	m.mu.Unlock()

	if didResolve {
		m.announceResolved(resolved)
	}
	if didCreate {
		m.announceAlert(created)
	}
}

// RecordPerformance adds one operation to the running aggregate of its
// component/operation pair.
func (m *MonitoringService) RecordPerformance(component, operation string, duration time.Duration, success bool) {
	if duration < 0 {
		duration = 0
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.operationDuration.WithLabelValues(component, operation, status).Observe(duration.Seconds())

	key := perfKey{component: component, operation: operation}
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.perf[key]
	if !ok {
		stats = &models.PerformanceStats{Component: component, Operation: operation, MinDuration: duration}
		m.perf[key] = stats
	}
	stats.Count++
	if success {
		stats.SuccessCount++
	} else {
		stats.FailureCount++
	}
	stats.TotalDuration += duration
	if duration < stats.MinDuration {
		stats.MinDuration = duration
	}
	if duration > stats.MaxDuration {
		stats.MaxDuration = duration
	}
	stats.AvgDuration = stats.TotalDuration / time.Duration(stats.Count)
}

// GetPerformanceStats returns every aggregate ordered by component and operation.
func (m *MonitoringService) GetPerformanceStats() []models.PerformanceStats {
	m.mu.RLock()
	out := make([]models.PerformanceStats, 0, len(m.perf))
	for _, s := range m.perf {
		out = append(out, *s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Component != out[j].Component {
			return out[i].Component < out[j].Component
		}
		return out[i].Operation < out[j].Operation
	})
	return out
}

// RegisterHealthCheck installs or replaces a named health check.
func (m *MonitoringService) RegisterHealthCheck(name string, check HealthCheck) {
	m.mu.Lock()
	m.checks[name] = check
	m.mu.Unlock()
}

// RunHealthChecks runs every check concurrently. A failing check raises one
// error alert that is resolved when the check passes again.
func (m *MonitoringService) RunHealthChecks(ctx context.Context) map[string]bool {
	m.mu.RLock()
	checks := make(map[string]HealthCheck, len(m.checks))
	for name, c := range m.checks {
		checks[name] = c
	}
	m.mu.RUnlock()

	var mu sync.Mutex
	results := make(map[string]bool, len(checks))
	failures := make(map[string]error)
	var g errgroup.Group
	for name, check := range checks {
		name, check := name, check
		g.Go(func() error {
			err := m.runCheck(ctx, check)
			mu.Lock()
			results[name] = err == nil
			if err != nil {
				failures[name] = err
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if results[name] {
			m.healthUp.WithLabelValues(name).Set(1)
			m.clearHealthAlert(name)
			continue
		}
		m.healthUp.WithLabelValues(name).Set(0)
		m.raiseHealthAlert(name, failures[name])
	}
	return results
}

// runCheck enforces the health check timeout even when check ignores its
// context. A check still running at the deadline is reported as failed and
// left to finish in the background.
func (m *MonitoringService) runCheck(ctx context.Context, check HealthCheck) error {
	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthCheckTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Errorf("health check panicked: %v", r)
			}
		}()
		done <- check(checkCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-checkCtx.Done():
		return errors.Wrapf(ErrTimeout, "health check did not finish: %v", checkCtx.Err())
	}
}

func (m *MonitoringService) raiseHealthAlert(name string, cause error) {
	m.mu.Lock()
	if id, exists := m.healthAlerts[name]; exists && m.alerts[id] != nil && !m.alerts[id].Resolved {
		m.mu.Unlock()
		return
	}
	alert := m.addAlertLocked(models.ErrorAlertLevel,
		fmt.Sprintf("Health check %s failed", name),
		fmt.Sprint(cause),
		"health_check:"+name)
	m.healthAlerts[name] = alert.ID
	m.mu.Unlock()
	m.announceAlert(alert)
}

func (m *MonitoringService) clearHealthAlert(name string) {
	m.mu.Lock()
	id, exists := m.healthAlerts[name]
	delete(m.healthAlerts, name)
	var alert models.Alert
	var resolved bool
	if exists {
		alert, resolved = m.resolveLocked(id)
	}
	m.mu.Unlock()
	if resolved {
		m.announceResolved(alert)
	}
}
