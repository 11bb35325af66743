// Package config loads and validates scheduler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Veterun/RENDLER/internal/allocator"
	"github.com/Veterun/RENDLER/internal/logging"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Framework FrameworkConfig `mapstructure:"framework"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Local     LocalConfig     `mapstructure:"local"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   logging.Config  `mapstructure:"logging"`
}

// SchedulerConfig governs offer matching, retries and shutdown.
type SchedulerConfig struct {
	TaskCPUs               float64 `mapstructure:"task_cpus"`
	TaskMem                float64 `mapstructure:"task_mem"`
	TaskAttempts           int     `mapstructure:"task_attempts"`
	ShutdownTimeoutSeconds int     `mapstructure:"shutdown_timeout_seconds"`
	PollIntervalMs         int     `mapstructure:"poll_interval_ms"`
	IDWidth                int     `mapstructure:"id_width"`
	Priority               string  `mapstructure:"priority"`
	GraphPath              string  `mapstructure:"graph_path"`
	// RefuseSeconds is the filter sent with declines so the same offer is not resent at once.
	RefuseSeconds float64 `mapstructure:"refuse_seconds"`
}

// ExecutorCommand describes how the cluster starts an executor.
type ExecutorCommand struct {
	Command string   `mapstructure:"command"`
	URIs    []string `mapstructure:"uris"`
}

// FrameworkConfig is the identity registered with the cluster manager.
type FrameworkConfig struct {
	Name                   string          `mapstructure:"name"`
	User                   string          `mapstructure:"user"`
	Role                   string          `mapstructure:"role"`
	Hostname               string          `mapstructure:"hostname"`
	FailoverTimeoutSeconds float64         `mapstructure:"failover_timeout_seconds"`
	CrawlExecutor          ExecutorCommand `mapstructure:"crawl_executor"`
	RenderExecutor         ExecutorCommand `mapstructure:"render_executor"`
}

// ExecutorConfig tunes the crawl and render workers.
type ExecutorConfig struct {
	UserAgent          string  `mapstructure:"user_agent"`
	TimeoutSeconds     int     `mapstructure:"timeout_seconds"`
	MaxLinks           int     `mapstructure:"max_links"`
	RequestsPerSecond  float64 `mapstructure:"requests_per_second"`
	Burst              int     `mapstructure:"burst"`
	NavTimeoutSeconds  int     `mapstructure:"nav_timeout_seconds"`
	ViewportWidth      int64   `mapstructure:"viewport_width"`
	ViewportHeight     int64   `mapstructure:"viewport_height"`
	ImagePrefix        string  `mapstructure:"image_prefix"`
	ChromeExecPath     string  `mapstructure:"chrome_exec_path"`
	RenderMaxParallel  int     `mapstructure:"render_max_parallel"`
	RespectRobots      bool    `mapstructure:"respect_robots"`
	SameHostOnly       bool    `mapstructure:"same_host_only"`
}

// LocalConfig sizes the in-process cluster used when the master address is "local".
type LocalConfig struct {
	Nodes           int     `mapstructure:"nodes"`
	CPUsPerNode     float64 `mapstructure:"cpus_per_node"`
	MemPerNode      float64 `mapstructure:"mem_per_node"`
	OfferIntervalMs int     `mapstructure:"offer_interval_ms"`
	// FailureRate is the probability that a launched task is reported lost.
	FailureRate float64 `mapstructure:"failure_rate"`
}

// StorageConfig selects where images and the graph file are written.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	BaseDir      string `mapstructure:"base_dir"`
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	CacheControl string `mapstructure:"cache_control"`
}

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// TablesConfig names the result relations.
type TablesConfig struct {
	Runs    string `mapstructure:"runs"`
	Edges   string `mapstructure:"edges"`
	Renders string `mapstructure:"renders"`
	Tasks   string `mapstructure:"tasks"`
}

// DBConfig controls access to the relational database. An empty DSN disables it.
type DBConfig struct {
	DSN                    string       `mapstructure:"dsn"`
	MaxConns               int32        `mapstructure:"max_conns"`
	MinConns               int32        `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int          `mapstructure:"max_conn_lifetime_seconds"`
	Tables                 TablesConfig `mapstructure:"tables"`
}

// PubSubConfig holds metadata for result notifications. An empty project disables them.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	LogEnabled     bool `mapstructure:"log_enabled"`
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
}

// ServerConfig controls the operator HTTP server.
type ServerConfig struct {
	Enabled               bool `mapstructure:"enabled"`
	Port                  int  `mapstructure:"port"`
	RequestTimeoutSeconds int  `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RENDLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.task_cpus", allocator.DefaultTaskCPU)
	v.SetDefault("scheduler.task_mem", allocator.DefaultTaskMem)
	v.SetDefault("scheduler.task_attempts", 5)
	v.SetDefault("scheduler.shutdown_timeout_seconds", 30)
	v.SetDefault("scheduler.poll_interval_ms", 1000)
	v.SetDefault("scheduler.id_width", 5)
	v.SetDefault("scheduler.priority", string(allocator.RenderFirst))
	v.SetDefault("scheduler.graph_path", "result.dot")
	v.SetDefault("scheduler.refuse_seconds", 1)
	v.SetDefault("framework.name", "RENDLER")
	v.SetDefault("framework.role", "*")
	v.SetDefault("framework.crawl_executor.command", "rendler executor crawl")
	v.SetDefault("framework.render_executor.command", "rendler executor render")
	v.SetDefault("executor.user_agent", "rendler-bot/0.1")
	v.SetDefault("executor.timeout_seconds", 15)
	v.SetDefault("executor.max_links", 100)
	v.SetDefault("executor.requests_per_second", 2)
	v.SetDefault("executor.burst", 2)
	v.SetDefault("executor.nav_timeout_seconds", 25)
	v.SetDefault("executor.viewport_width", 1280)
	v.SetDefault("executor.viewport_height", 960)
	v.SetDefault("executor.image_prefix", "renders")
	v.SetDefault("executor.render_max_parallel", 1)
	v.SetDefault("local.nodes", 2)
	v.SetDefault("local.cpus_per_node", 1)
	v.SetDefault("local.mem_per_node", 256)
	v.SetDefault("local.offer_interval_ms", 500)
	v.SetDefault("local.failure_rate", 0.0)
	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.base_dir", ".")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 250)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Scheduler.TaskCPUs <= 0 || c.Scheduler.TaskMem <= 0 {
		return errors.New("scheduler.task_cpus and scheduler.task_mem must be > 0")
	}
	if c.Scheduler.TaskAttempts < 1 {
		return errors.New("scheduler.task_attempts must be >= 1")
	}
	if c.Scheduler.ShutdownTimeoutSeconds <= 0 {
		return errors.New("scheduler.shutdown_timeout_seconds must be > 0")
	}
	if c.Scheduler.IDWidth < 1 || c.Scheduler.IDWidth > 18 {
		return errors.New("scheduler.id_width must be between 1 and 18")
	}
	if _, err := allocator.ParsePriority(c.Scheduler.Priority); err != nil {
		return fmt.Errorf("scheduler.priority: %w", err)
	}
	if c.Framework.Name == "" {
		return errors.New("framework.name must be set")
	}
	if c.Executor.RequestsPerSecond < 0 {
		return errors.New("executor.requests_per_second must be >= 0")
	}
	if c.Executor.TimeoutSeconds <= 0 {
		return errors.New("executor.timeout_seconds must be > 0")
	}
	if c.Local.Nodes <= 0 || c.Local.CPUsPerNode <= 0 || c.Local.MemPerNode <= 0 {
		return errors.New("local.nodes, local.cpus_per_node and local.mem_per_node must be > 0")
	}
	if c.Local.FailureRate < 0 || c.Local.FailureRate > 1 {
		return errors.New("local.failure_rate must be within [0, 1]")
	}
	switch c.Storage.Backend {
	case StorageMemory, StorageLocal:
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q must be memory, local or gcs", c.Storage.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return errors.New("pubsub.topic_name must be set when pubsub.project_id is")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// ShutdownTimeout converts the configured seconds into a duration.
func (c SchedulerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// PollInterval converts the configured milliseconds into a duration.
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Timeout is the per-page fetch budget.
func (c ExecutorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// NavTimeout is the per-page render budget.
func (c ExecutorConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}

// OfferInterval is the pause between local offer rounds.
func (c LocalConfig) OfferInterval() time.Duration {
	return time.Duration(c.OfferIntervalMs) * time.Millisecond
}
