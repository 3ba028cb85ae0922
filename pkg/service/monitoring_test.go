package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/service"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hostSource feeds a fakeHost to the monitoring service.
type hostSource struct{ host *fakeHost }

func (s hostSource) GetSystemMetrics(ctx context.Context) (models.SystemMetrics, error) {
	return s.host.Collect(ctx)
}

type eventLog struct {
	mu     sync.Mutex
	events []service.Event
}

func (l *eventLog) record(e service.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(eventType service.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func newMonitoring(t *testing.T, source service.SystemMetricsSource, mutate ...func(*service.MonitoringConfig)) (*service.MonitoringService, *eventLog) {
	t.Helper()
	bus := service.NewEventBus(nil)
	log := &eventLog{}
	bus.On(service.EventAlertCreated, log.record)
	bus.On(service.EventAlertResolved, log.record)

	cfg := service.DefaultMonitoringConfig()
	cfg.Interval = time.Hour
	for _, m := range mutate {
		m(&cfg)
	}
	m := service.NewMonitoringService(source, bus, nil, cfg)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m, log
}

func activeAlerts(m *service.MonitoringService) []models.Alert {
	return m.ListAlerts(true)
}

func TestMonitoring_ThresholdEscalation(t *testing.T) {
	m, events := newMonitoring(t, nil)

	steps := []struct {
		value  float64
		active []models.AlertLevel
	}{
		{50, nil},
		{85, []models.AlertLevel{models.WarningAlertLevel}},
		{90, []models.AlertLevel{models.WarningAlertLevel}},
		{97, []models.AlertLevel{models.CriticalAlertLevel}},
		{99, []models.AlertLevel{models.CriticalAlertLevel}},
		{40, nil},
	}
	for _, step := range steps {
		require.NoError(t, m.RecordMetric("cpu_usage", step.value, models.GaugeMetricType, nil))
		var levels []models.AlertLevel
		for _, a := range activeAlerts(m) {
			levels = append(levels, a.Level)
			assert.Equal(t, "threshold:cpu_usage", a.Source)
		}
		assert.Equal(t, step.active, levels, "after cpu_usage=%v", step.value)
	}

	all := m.ListAlerts(false)
	require.Len(t, all, 2)
	for _, a := range all {
		assert.True(t, a.Resolved)
		assert.NotNil(t, a.ResolvedAt)
	}
	assert.Equal(t, 2, events.count(service.EventAlertCreated))
	assert.Equal(t, 2, events.count(service.EventAlertResolved))
}

func TestMonitoring_CustomThresholds(t *testing.T) {
	m, _ := newMonitoring(t, nil, func(cfg *service.MonitoringConfig) {
		cfg.Thresholds = map[string]service.Threshold{"cpu_usage": {Warning: 10, Critical: 20}}
	})

	require.NoError(t, m.RecordMetric("cpu_usage", 15, models.GaugeMetricType, nil))
	alerts := activeAlerts(m)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.WarningAlertLevel, alerts[0].Level)
	assert.Contains(t, alerts[0].Message, "threshold 10.00")

	require.NoError(t, m.SetThreshold("queue_depth", 100, 200))
	require.NoError(t, m.RecordMetric("queue_depth", 250, models.GaugeMetricType, nil))
	assert.Len(t, activeAlerts(m), 2)

	err := m.SetThreshold("queue_depth", 200, 100)
	assert.True(t, errors.Is(err, service.ErrValidation), "got %v", err)
	err = m.SetThreshold("", 1, 2)
	assert.True(t, errors.Is(err, service.ErrValidation), "got %v", err)
}

func TestMonitoring_Metrics(t *testing.T) {
	m, _ := newMonitoring(t, nil, func(cfg *service.MonitoringConfig) { cfg.MetricBufferSize = 3 })

	for i := 1; i <= 5; i++ {
		require.NoError(t, m.RecordMetric("requests", float64(i), models.CounterMetricType, map[string]string{"route": "/run"}))
	}
	samples := m.GetMetrics("requests", 0)
	require.Len(t, samples, 3)
	assert.Equal(t, []float64{3, 4, 5}, []float64{samples[0].Value, samples[1].Value, samples[2].Value})
	assert.Equal(t, "/run", samples[2].Tags["route"])
	assert.Equal(t, models.CounterMetricType, samples[2].Type)

	latest := m.GetMetrics("requests", 1)
	require.Len(t, latest, 1)
	assert.Equal(t, 5.0, latest[0].Value)
	assert.Empty(t, m.GetMetrics("unknown", 10))

	require.NoError(t, m.RecordMetric("latency", 0.2, models.TimerMetricType, nil))
	require.NoError(t, m.RecordMetric("size", 12, models.HistogramMetricType, nil))
	require.NoError(t, m.RecordMetric("temperature", 21, "", nil))
	assert.Equal(t, models.GaugeMetricType, m.GetMetrics("temperature", 1)[0].Type)
	assert.Equal(t, []string{"latency", "requests", "size", "temperature"}, m.MetricNames())

	invalid := []struct {
		name       string
		value      float64
		metricType models.MetricType
	}{
		{"", 1, models.GaugeMetricType},
		{"x", 1, "meter"},
		{"requests", -1, models.CounterMetricType},
	}
	for _, tt := range invalid {
		err := m.RecordMetric(tt.name, tt.value, tt.metricType, nil)
		assert.True(t, errors.Is(err, service.ErrValidation), "%s/%s: got %v", tt.name, tt.metricType, err)
	}
}

func TestMonitoring_Alerts(t *testing.T) {
	m, events := newMonitoring(t, nil)

	id, err := m.CreateAlert(models.InfoAlertLevel, "deploy", "v1.2.3 rolled out", "ci")
	require.NoError(t, err)
	_, err = m.CreateAlert(models.ErrorAlertLevel, "backup", "backup failed", "cron")
	require.NoError(t, err)

	_, err = m.CreateAlert("fatal", "x", "", "")
	assert.True(t, errors.Is(err, service.ErrValidation), "got %v", err)
	_, err = m.CreateAlert(models.InfoAlertLevel, "", "", "")
	assert.True(t, errors.Is(err, service.ErrValidation), "got %v", err)

	all := m.ListAlerts(false)
	require.Len(t, all, 2)
	assert.Equal(t, "deploy", all[0].Title)

	assert.True(t, m.ResolveAlert(id))
	assert.False(t, m.ResolveAlert(id), "resolving twice")
	assert.False(t, m.ResolveAlert("missing"))

	active := activeAlerts(m)
	require.Len(t, active, 1)
	assert.Equal(t, "backup", active[0].Title)
	assert.Equal(t, 2, events.count(service.EventAlertCreated))
	assert.Equal(t, 1, events.count(service.EventAlertResolved))
}

func TestMonitoring_HealthChecks(t *testing.T) {
	m, _ := newMonitoring(t, nil, func(cfg *service.MonitoringConfig) { cfg.HealthCheckTimeout = 50 * time.Millisecond })
	ctx := context.Background()

	var mu sync.Mutex
	dbDown := true
	m.RegisterHealthCheck("ok", func(context.Context) error { return nil })
	m.RegisterHealthCheck("db", func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if dbDown {
			return errors.New("connection refused")
		}
		return nil
	})
	m.RegisterHealthCheck("panics", func(context.Context) error { panic("nil map") })
	m.RegisterHealthCheck("hangs", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	results := m.RunHealthChecks(ctx)
	assert.Equal(t, map[string]bool{"ok": true, "db": false, "panics": false, "hangs": false}, results)

	alerts := activeAlerts(m)
	require.Len(t, alerts, 3)
	bySource := map[string]models.Alert{}
	for _, a := range alerts {
		assert.Equal(t, models.ErrorAlertLevel, a.Level)
		bySource[a.Source] = a
	}
	assert.Contains(t, bySource["health_check:db"].Message, "connection refused")
	assert.Contains(t, bySource["health_check:panics"].Message, "panicked")

	m.RunHealthChecks(ctx)
	assert.Len(t, activeAlerts(m), 3, "a failing check keeps a single alert")

	mu.Lock()
	dbDown = false
	mu.Unlock()
	results = m.RunHealthChecks(ctx)
	assert.True(t, results["db"])
	for _, a := range activeAlerts(m) {
		assert.NotEqual(t, "health_check:db", a.Source)
	}
	assert.Len(t, activeAlerts(m), 2)
}

func TestMonitoring_CollectSystemMetrics(t *testing.T) {
	host := newFakeHost()
	host.setCPU(97)
	m, _ := newMonitoring(t, hostSource{host: host})

	m.Collect(context.Background())

	cpu := m.GetMetrics("cpu_usage", 1)
	require.Len(t, cpu, 1)
	assert.Equal(t, 97.0, cpu[0].Value)
	assert.Equal(t, "system", cpu[0].Tags["source"])
	assert.Len(t, m.GetMetrics("memory_usage", 0), 1)
	assert.Len(t, m.GetMetrics("disk_usage", 0), 1)

	alerts := activeAlerts(m)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.CriticalAlertLevel, alerts[0].Level)

	host.setCPU(12)
	m.Collect(context.Background())
	assert.Empty(t, activeAlerts(m))
}

func TestMonitoring_PerformanceStats(t *testing.T) {
	m, _ := newMonitoring(t, nil)

	m.RecordPerformance("workflow_engine", "execute", 10*time.Millisecond, true)
	m.RecordPerformance("workflow_engine", "execute", 30*time.Millisecond, false)
	m.RecordPerformance("workflow_engine", "execute", 20*time.Millisecond, true)
	m.RecordPerformance("mcp_coordinator", "call", -time.Millisecond, true)

	stats := m.GetPerformanceStats()
	require.Len(t, stats, 2)

	call := stats[0]
	assert.Equal(t, "mcp_coordinator", call.Component)
	assert.Equal(t, time.Duration(0), call.MinDuration)

	exec := stats[1]
	assert.Equal(t, "execute", exec.Operation)
	assert.EqualValues(t, 3, exec.Count)
	assert.EqualValues(t, 2, exec.SuccessCount)
	assert.EqualValues(t, 1, exec.FailureCount)
	assert.Equal(t, 10*time.Millisecond, exec.MinDuration)
	assert.Equal(t, 30*time.Millisecond, exec.MaxDuration)
	assert.Equal(t, 20*time.Millisecond, exec.AvgDuration)
	assert.Equal(t, 60*time.Millisecond, exec.TotalDuration)
}

func TestMonitoring_PrometheusRegistry(t *testing.T) {
	m, _ := newMonitoring(t, nil)

	require.NoError(t, m.RecordMetric("jobs", 2, models.CounterMetricType, nil))
	require.NoError(t, m.RecordMetric("jobs", 3, models.CounterMetricType, nil))
	require.NoError(t, m.RecordMetric("queue", 7, models.GaugeMetricType, nil))
	m.RecordPerformance("task_scheduler", "run", time.Millisecond, true)
	_, err := m.CreateAlert(models.WarningAlertLevel, "w", "", "")
	require.NoError(t, err)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch f.GetName() {
			case "autocore_metric_total":
				values["total:"+metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
			case "autocore_metric_value":
				values["value:"+metric.GetLabel()[0].GetValue()] = metric.GetGauge().GetValue()
			case "autocore_alerts_active":
				values["alerts:"+metric.GetLabel()[0].GetValue()] = metric.GetGauge().GetValue()
			case "autocore_operation_duration_seconds":
				values["ops"] += float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	assert.Equal(t, 5.0, values["total:jobs"])
	assert.Equal(t, 7.0, values["value:queue"])
	assert.Equal(t, 1.0, values["alerts:warning"])
	assert.Equal(t, 1.0, values["ops"])
}

func TestMonitoring_HealthCheckIgnoringContext(t *testing.T) {
	m, _ := newMonitoring(t, nil, func(cfg *service.MonitoringConfig) { cfg.HealthCheckTimeout = 30 * time.Millisecond })

	release := make(chan struct{})
	defer close(release)
	m.RegisterHealthCheck("stuck", func(context.Context) error {
		<-release
		return nil
	})

	done := make(chan map[string]bool, 1)
	go func() { done <- m.RunHealthChecks(context.Background()) }()

	select {
	case results := <-done:
		assert.Equal(t, map[string]bool{"stuck": false}, results)
	case <-time.After(5 * time.Second):
		t.Fatal("RunHealthChecks waited for a check past its timeout")
	}
	alerts := activeAlerts(m)
	require.Len(t, alerts, 1)
	assert.Equal(t, "health_check:stuck", alerts[0].Source)
}

func TestMonitoring_ConcurrentThresholdSamples(t *testing.T) {
	m, events := newMonitoring(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.RecordMetric("cpu_usage", 85, models.GaugeMetricType, nil))
		}()
	}
	wg.Wait()

	alerts := activeAlerts(m)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.WarningAlertLevel, alerts[0].Level)
	assert.Equal(t, 1, events.count(service.EventAlertCreated))
}
