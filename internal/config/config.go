package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/service"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AUTOCORE_SERVER_PORT.
const EnvPrefix = "AUTOCORE"

type Config struct {
	Log            LogConfig        `mapstructure:"log"`
	Server         ServerConfig     `mapstructure:"server"`
	Storage        StorageConfig    `mapstructure:"storage"`
	Resources      ResourcesConfig  `mapstructure:"resources"`
	MCP            MCPConfig        `mapstructure:"mcp"`
	Workflow       WorkflowConfig   `mapstructure:"workflow"`
	Scheduler      SchedulerConfig  `mapstructure:"scheduler"`
	Monitoring     MonitoringConfig `mapstructure:"monitoring"`
	StatusInterval time.Duration    `mapstructure:"status_interval"`
	// MCPs are registered on the core once it has started.
	MCPs []MCPEntry `mapstructure:"mcps"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text, json
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address of the HTTP API.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver"` // memory, file, postgres
	Path     string         `mapstructure:"path"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// ConnString returns DSN when set, otherwise a URL built from the parts.
func (p PostgresConfig) ConnString() string {
	if p.DSN != "" {
		return p.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}

type ResourcesConfig struct {
	MonitorInterval  time.Duration      `mapstructure:"monitor_interval"`
	Totals           map[string]float64 `mapstructure:"totals"`
	ReservedFraction map[string]float64 `mapstructure:"reserved_fraction"`
	NetworkMbps      float64            `mapstructure:"network_mbps"`
	GPUCount         float64            `mapstructure:"gpu_count"`
	WarnPercent      float64            `mapstructure:"warn_percent"`
	CriticalPercent  float64            `mapstructure:"critical_percent"`
	DiskPath         string             `mapstructure:"disk_path"`
}

type MCPConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	HistorySize       int           `mapstructure:"history_size"`
	RateLimitRPS      float64       `mapstructure:"rate_limit_rps"`
	BreakerTimeout    time.Duration `mapstructure:"breaker_timeout"`
	// Builtin registers the system and echo MCPs at startup.
	Builtin bool `mapstructure:"builtin"`
}

type WorkflowConfig struct {
	MaxConcurrentExecutions int           `mapstructure:"max_concurrent_executions"`
	MaxParallelSteps        int           `mapstructure:"max_parallel_steps"`
	Workers                 int           `mapstructure:"workers"`
	RetryDelay              time.Duration `mapstructure:"retry_delay"`
	DefaultStepTimeout      time.Duration `mapstructure:"default_step_timeout"`
	DefaultWorkflowTimeout  time.Duration `mapstructure:"default_workflow_timeout"`
	LoopMaxIterations       int           `mapstructure:"loop_max_iterations"`
}

type SchedulerConfig struct {
	MaxConcurrentTasks     int           `mapstructure:"max_concurrent_tasks"`
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	DependencyRecheckDelay time.Duration `mapstructure:"dependency_recheck_delay"`
	RecurringCheckInterval time.Duration `mapstructure:"recurring_check_interval"`
	DefaultTaskTimeout     time.Duration `mapstructure:"default_task_timeout"`
	ExecutionHistory       int           `mapstructure:"execution_history"`
}

type MonitoringConfig struct {
	Interval           time.Duration                `mapstructure:"interval"`
	MetricBufferSize   int                          `mapstructure:"metric_buffer_size"`
	AlertRetention     time.Duration                `mapstructure:"alert_retention"`
	HealthCheckTimeout time.Duration                `mapstructure:"health_check_timeout"`
	Thresholds         map[string]service.Threshold `mapstructure:"thresholds"`
}

// MCPEntry is an MCP declared in the configuration file.
type MCPEntry struct {
	ID           string   `mapstructure:"id"`
	Name         string   `mapstructure:"name"`
	Version      string   `mapstructure:"version"`
	Endpoint     string   `mapstructure:"endpoint"`
	Capabilities []string `mapstructure:"capabilities"`
}

// Info converts the entry to the model registered with the coordinator.
func (e MCPEntry) Info() models.MCPInfo {
	name := e.Name
	if name == "" {
		name = e.ID
	}
	return models.MCPInfo{
		ID:           e.ID,
		Name:         name,
		Version:      e.Version,
		Endpoint:     e.Endpoint,
		Capabilities: append([]string(nil), e.Capabilities...),
	}
}

// Load reads .env, the optional config file and AUTOCORE_* environment
// variables, in increasing order of precedence. An empty path searches
// autocore.yaml in ., ./configs and /etc/autocore.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	bindLegacyEnv(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("autocore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/autocore")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("default config does not decode: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.path", "./data")
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.user", "postgres")
	v.SetDefault("storage.postgres.dbname", "autocore")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.postgres.max_open_conns", 10)
	v.SetDefault("storage.postgres.max_idle_conns", 5)
	v.SetDefault("storage.postgres.conn_max_lifetime", "5m")
	v.SetDefault("storage.postgres.migrations_path", "file://migrations")

	res := service.DefaultResourceConfig()
	v.SetDefault("resources.monitor_interval", res.MonitorInterval)
	reserved := make(map[string]interface{}, len(res.ReservedFraction))
	for rt, f := range res.ReservedFraction {
		reserved[string(rt)] = f
	}
	v.SetDefault("resources.reserved_fraction", reserved)
	v.SetDefault("resources.network_mbps", res.NetworkMbps)
	v.SetDefault("resources.gpu_count", res.GPUCount)
	v.SetDefault("resources.warn_percent", res.WarnPercent)
	v.SetDefault("resources.critical_percent", res.CriticalPercent)
	v.SetDefault("resources.disk_path", "/")

	mcp := service.DefaultMCPConfig()
	v.SetDefault("mcp.heartbeat_interval", mcp.HeartbeatInterval)
	v.SetDefault("mcp.call_timeout", mcp.CallTimeout)
	v.SetDefault("mcp.history_size", mcp.HistorySize)
	v.SetDefault("mcp.rate_limit_rps", mcp.RateLimitRPS)
	v.SetDefault("mcp.breaker_timeout", mcp.BreakerTimeout)
	v.SetDefault("mcp.builtin", true)

	wf := service.DefaultWorkflowConfig()
	v.SetDefault("workflow.max_concurrent_executions", wf.MaxConcurrentExecutions)
	v.SetDefault("workflow.max_parallel_steps", wf.MaxParallelSteps)
	v.SetDefault("workflow.workers", wf.Workers)
	v.SetDefault("workflow.retry_delay", wf.RetryDelay)
	v.SetDefault("workflow.default_step_timeout", wf.DefaultStepTimeout)
	v.SetDefault("workflow.default_workflow_timeout", wf.DefaultWorkflowTimeout)
	v.SetDefault("workflow.loop_max_iterations", wf.LoopMaxIterations)

	sched := service.DefaultSchedulerConfig()
	v.SetDefault("scheduler.max_concurrent_tasks", sched.MaxConcurrentTasks)
	v.SetDefault("scheduler.poll_interval", sched.PollInterval)
	v.SetDefault("scheduler.dependency_recheck_delay", sched.DependencyRecheckDelay)
	v.SetDefault("scheduler.recurring_check_interval", sched.RecurringCheckInterval)
	v.SetDefault("scheduler.default_task_timeout", sched.DefaultTaskTimeout)
	v.SetDefault("scheduler.execution_history", sched.ExecutionHistory)

	mon := service.DefaultMonitoringConfig()
	v.SetDefault("monitoring.interval", mon.Interval)
	v.SetDefault("monitoring.metric_buffer_size", mon.MetricBufferSize)
	v.SetDefault("monitoring.alert_retention", mon.AlertRetention)
	v.SetDefault("monitoring.health_check_timeout", mon.HealthCheckTimeout)

	v.SetDefault("status_interval", service.DefaultCoreConfig().StatusInterval)
}

// bindLegacyEnv keeps the DB_* variables used by the migration tooling working
// for the postgres store.
func bindLegacyEnv(v *viper.Viper) {
	for key, env := range map[string]string{
		"storage.postgres.host":     "DB_HOST",
		"storage.postgres.port":     "DB_PORT",
		"storage.postgres.user":     "DB_USERNAME",
		"storage.postgres.password": "DB_PASSWORD",
		"storage.postgres.dbname":   "DB_NAME",
	} {
		if val, ok := os.LookupEnv(env); ok && val != "" {
			v.SetDefault(key, val)
		}
	}
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "postgres":
	case "file":
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the file driver")
		}
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Errorf("server.port %d out of range", c.Server.Port)
	}
	for rt := range c.Resources.Totals {
		if !models.ResourceType(rt).Valid() {
			return errors.Errorf("resources.totals: unknown resource type %q", rt)
		}
	}
	for rt, f := range c.Resources.ReservedFraction {
		if !models.ResourceType(rt).Valid() {
			return errors.Errorf("resources.reserved_fraction: unknown resource type %q", rt)
		}
		if f < 0 || f >= 1 {
			return errors.Errorf("resources.reserved_fraction.%s must be in [0,1), got %v", rt, f)
		}
	}
	for name, t := range c.Monitoring.Thresholds {
		if t.Critical < t.Warning {
			return errors.Errorf("monitoring.thresholds.%s: critical %v below warning %v", name, t.Critical, t.Warning)
		}
	}
	seen := make(map[string]bool, len(c.MCPs))
	for i, m := range c.MCPs {
		if m.ID == "" || m.Endpoint == "" {
			return errors.Errorf("mcps[%d]: id and endpoint are required", i)
		}
		if seen[m.ID] {
			return errors.Errorf("mcps[%d]: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}

// CoreConfig maps the file configuration onto the component configurations.
func (c *Config) CoreConfig() service.CoreConfig {
	core := service.DefaultCoreConfig()

	core.Resources.MonitorInterval = c.Resources.MonitorInterval
	if len(c.Resources.Totals) > 0 {
		core.Resources.Totals = make(map[models.ResourceType]float64, len(c.Resources.Totals))
		for rt, v := range c.Resources.Totals {
			core.Resources.Totals[models.ResourceType(rt)] = v
		}
	}
	if c.Resources.ReservedFraction != nil {
		core.Resources.ReservedFraction = make(map[models.ResourceType]float64, len(c.Resources.ReservedFraction))
		for rt, v := range c.Resources.ReservedFraction {
			core.Resources.ReservedFraction[models.ResourceType(rt)] = v
		}
	}
	core.Resources.NetworkMbps = c.Resources.NetworkMbps
	core.Resources.GPUCount = c.Resources.GPUCount
	core.Resources.WarnPercent = c.Resources.WarnPercent
	core.Resources.CriticalPercent = c.Resources.CriticalPercent

	core.MCP = service.MCPConfig{
		HeartbeatInterval: c.MCP.HeartbeatInterval,
		CallTimeout:       c.MCP.CallTimeout,
		HistorySize:       c.MCP.HistorySize,
		RateLimitRPS:      c.MCP.RateLimitRPS,
		BreakerTimeout:    c.MCP.BreakerTimeout,
	}
	core.Workflow = service.WorkflowConfig{
		MaxConcurrentExecutions: c.Workflow.MaxConcurrentExecutions,
		MaxParallelSteps:        c.Workflow.MaxParallelSteps,
		Workers:                 c.Workflow.Workers,
		RetryDelay:              c.Workflow.RetryDelay,
		DefaultStepTimeout:      c.Workflow.DefaultStepTimeout,
		DefaultWorkflowTimeout:  c.Workflow.DefaultWorkflowTimeout,
		LoopMaxIterations:       c.Workflow.LoopMaxIterations,
	}
	core.Scheduler = service.SchedulerConfig{
		MaxConcurrentTasks:     c.Scheduler.MaxConcurrentTasks,
		PollInterval:           c.Scheduler.PollInterval,
		DependencyRecheckDelay: c.Scheduler.DependencyRecheckDelay,
		RecurringCheckInterval: c.Scheduler.RecurringCheckInterval,
		DefaultTaskTimeout:     c.Scheduler.DefaultTaskTimeout,
		ExecutionHistory:       c.Scheduler.ExecutionHistory,
	}
	core.Monitoring.Interval = c.Monitoring.Interval
	core.Monitoring.MetricBufferSize = c.Monitoring.MetricBufferSize
	core.Monitoring.AlertRetention = c.Monitoring.AlertRetention
	core.Monitoring.HealthCheckTimeout = c.Monitoring.HealthCheckTimeout
	core.Monitoring.Thresholds = c.Monitoring.Thresholds
	core.StatusInterval = c.StatusInterval
	return core
}
