package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the data machine services
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Handlers  HandlersConfig  `mapstructure:"handlers"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // json or text
	// SiteDefaults holds handler settings applied under every flow's explicit
	// values, keyed by handler slug.
	SiteDefaults map[string]map[string]any `mapstructure:"site_defaults"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address     string        `mapstructure:"address"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers       map[string]LLMProvider `mapstructure:"providers"`
	DefaultProvider string                 `mapstructure:"default_provider"`
	DefaultModel    string                 `mapstructure:"default_model"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type        string        `mapstructure:"type"` // openai or an OpenAI compatible endpoint
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float32       `mapstructure:"temperature"`
}

// Validate checks that the default provider is declared.
func (l LLMConfig) Validate() error {
	if l.DefaultProvider == "" {
		return nil
	}
	p, ok := l.Providers[l.DefaultProvider]
	if !ok {
		return fmt.Errorf("llm.default_provider %q is not declared under llm.providers", l.DefaultProvider)
	}
	if strings.TrimSpace(p.APIKey) == "" && strings.TrimSpace(p.BaseURL) == "" {
		return fmt.Errorf("llm.providers.%s needs api_key or base_url", l.DefaultProvider)
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings. An empty host disables Redis.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a Redis server is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

// Addr returns host:port.
func (r RedisConfig) Addr() string { return r.Host + ":" + r.Port }

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required when host is set")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN returns the connection string, building one from parts when url is empty.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// EngineConfig tunes job execution and housekeeping.
type EngineConfig struct {
	MaxTurns          int           `mapstructure:"max_turns"`
	StuckJobTimeout   time.Duration `mapstructure:"stuck_job_timeout"`
	JobRetention      time.Duration `mapstructure:"job_retention"`
	MaintenanceWindow time.Duration `mapstructure:"maintenance_window"`
	EngineDataTTL     time.Duration `mapstructure:"engine_data_ttl"`
	GlobalDirective   string        `mapstructure:"global_directive"`
}

// Normalize applies defaults for unset engine values.
func (e EngineConfig) Normalize() EngineConfig {
	if e.MaxTurns <= 0 {
		e.MaxTurns = 8
	}
	if e.StuckJobTimeout <= 0 {
		e.StuckJobTimeout = 2 * time.Hour
	}
	if e.JobRetention <= 0 {
		e.JobRetention = 30 * 24 * time.Hour
	}
	if e.MaintenanceWindow <= 0 {
		e.MaintenanceWindow = 24 * time.Hour
	}
	if e.EngineDataTTL <= 0 {
		e.EngineDataTTL = 24 * time.Hour
	}
	return e
}

// Validate ensures the retention window outlives the stuck job timeout.
func (e EngineConfig) Validate() error {
	if e.JobRetention < e.StuckJobTimeout {
		return fmt.Errorf("engine.job_retention (%s) must be >= engine.stuck_job_timeout (%s)", e.JobRetention, e.StuckJobTimeout)
	}
	return nil
}

// SchedulerConfig controls the in-process scheduler.
type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Tick     time.Duration `mapstructure:"tick"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
	UseQueue bool          `mapstructure:"use_queue"` // publish run requests instead of running in-process
}

// Normalize applies scheduler defaults.
func (s SchedulerConfig) Normalize() SchedulerConfig {
	if s.Tick <= 0 {
		s.Tick = 15 * time.Second
	}
	if s.LockTTL <= 0 {
		s.LockTTL = 2 * time.Minute
	}
	return s
}

// QueueConfig names the Redis Streams used for run requests.
type QueueConfig struct {
	RunStream     string        `mapstructure:"run_stream"`
	ResultStream  string        `mapstructure:"result_stream"`
	ConsumerGroup string        `mapstructure:"consumer_group"`
	ConsumerName  string        `mapstructure:"consumer_name"`
	Block         time.Duration `mapstructure:"block"`
	BatchSize     int64         `mapstructure:"batch_size"`
	MaxLen        int64         `mapstructure:"max_len"`
	ReclaimIdle   time.Duration `mapstructure:"reclaim_idle"`
}

// Normalize applies queue defaults.
func (q QueueConfig) Normalize() QueueConfig {
	if q.RunStream == "" {
		q.RunStream = "flow.run.requested"
	}
	if q.ResultStream == "" {
		q.ResultStream = "job.finished"
	}
	if q.ConsumerGroup == "" {
		q.ConsumerGroup = "datamachine-workers"
	}
	if q.ConsumerName == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		q.ConsumerName = host
	}
	if q.Block <= 0 {
		q.Block = 5 * time.Second
	}
	if q.BatchSize <= 0 {
		q.BatchSize = 16
	}
	if q.ReclaimIdle <= 0 {
		q.ReclaimIdle = 10 * time.Minute
	}
	return q
}

// HandlersConfig configures the bundled handlers.
type HandlersConfig struct {
	Webpage WebpageHandlerConfig `mapstructure:"webpage"`
	Webhook WebhookHandlerConfig `mapstructure:"webhook"`
}

// WebpageHandlerConfig configures the webpage fetch handler.
type WebpageHandlerConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxChars  int           `mapstructure:"max_chars"`
}

// WebhookHandlerConfig configures the webhook publish/update handler.
type WebhookHandlerConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoadConfig loads config from file and panics when it is unusable.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}

// Load reads, normalizes and validates configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("json")
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.log_format", "json")
	v.SetDefault("server.address", ":10001")
	v.SetDefault("server.timeout", "30s")
	v.SetDefault("engine.max_turns", 8)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("telemetry.service_name", "datamachine")
	v.SetDefault("handlers.webpage.timeout", "20s")
	v.SetDefault("handlers.webpage.max_chars", 12000)
	v.SetDefault("handlers.webhook.timeout", "15s")

	if path == "" {
		v.AddConfigPath("./config") // path to look for the config file in
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("DATAMACHINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // read in environment variables that match (DATAMACHINE_*)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	config.Engine = config.Engine.Normalize()
	config.Scheduler = config.Scheduler.Normalize()
	config.Queue = config.Queue.Normalize()

	if err := config.Storage.Redis.Validate(); err != nil {
		return nil, err
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		return nil, err
	}
	if err := config.LLM.Validate(); err != nil {
		return nil, err
	}
	if err := config.Engine.Validate(); err != nil {
		return nil, err
	}
	if config.Scheduler.UseQueue && !config.Storage.Redis.Enabled() {
		return nil, fmt.Errorf("scheduler.use_queue requires storage.redis")
	}
	return &config, nil
}
