package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Poll      PollConfig      `yaml:"poll"`
	Reporter  ReporterConfig  `yaml:"reporter"`
	Pressure  PressureConfig  `yaml:"pressure"`
	Transport TransportConfig `yaml:"transport"`
	Journal   JournalConfig   `yaml:"journal"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds the execution engine configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	RedeliveryLimit int           `yaml:"redelivery_limit"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	ScratchDir      string        `yaml:"scratch_dir"`
}

// PollConfig holds job fetch backoff configuration
type PollConfig struct {
	BackoffFloor   time.Duration `yaml:"backoff_floor"`
	BackoffCeiling time.Duration `yaml:"backoff_ceiling"`
}

// ReporterConfig holds result delivery configuration
type ReporterConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	BackoffFloor     time.Duration `yaml:"backoff_floor"`
	BackoffCeiling   time.Duration `yaml:"backoff_ceiling"`
	PayloadThreshold int           `yaml:"payload_threshold"`
	WarnThreshold    int           `yaml:"warn_threshold"`
}

// PressureConfig holds the memory pressure monitor configuration
type PressureConfig struct {
	Enabled       bool          `yaml:"enabled"`
	HighWatermark float64       `yaml:"high_watermark"`
	LowWatermark  float64       `yaml:"low_watermark"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// TransportConfig selects and configures the queue transport
type TransportConfig struct {
	// Kind is "http" or "amqp".
	Kind string     `yaml:"kind"`
	HTTP HTTPConfig `yaml:"http"`
	AMQP AMQPConfig `yaml:"amqp"`
}

// HTTPConfig holds the HTTP control plane client configuration
type HTTPConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Endpoint       string        `yaml:"endpoint"`
	APIKey         string        `yaml:"api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// AMQPConfig holds the RabbitMQ transport configuration
type AMQPConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	User              string        `yaml:"user"`
	Password          string        `yaml:"password"`
	VHost             string        `yaml:"vhost"`
	JobQueue          string        `yaml:"job_queue"`
	ResultExchange    string        `yaml:"result_exchange"`
	StreamExchange    string        `yaml:"stream_exchange"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// JournalConfig holds the optional Postgres execution journal configuration
type JournalConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Database DatabaseConfig `yaml:"database"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// AnalyticsConfig holds the optional Redis analytics sink configuration
type AnalyticsConfig struct {
	Enabled   bool          `yaml:"enabled"`
	RedisAddr string        `yaml:"redis_addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Window    time.Duration `yaml:"window"`
	Retention time.Duration `yaml:"retention"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// SimulatorConfig holds the local development control plane configuration
type SimulatorConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ValidateWorkerConfig checks the fields the worker service depends on
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.RedeliveryLimit < 0 {
		return fmt.Errorf("worker redelivery_limit must not be negative")
	}

	if c.Worker.ShutdownGrace <= 0 {
		return fmt.Errorf("worker shutdown_grace must be greater than 0")
	}

	if c.Poll.BackoffFloor <= 0 {
		return fmt.Errorf("poll backoff_floor must be greater than 0")
	}

	if c.Poll.BackoffCeiling < c.Poll.BackoffFloor {
		return fmt.Errorf("poll backoff_ceiling must not be below backoff_floor")
	}

	if c.Reporter.MaxAttempts <= 0 {
		return fmt.Errorf("reporter max_attempts must be greater than 0")
	}

	if c.Pressure.Enabled {
		if c.Pressure.HighWatermark <= 0 || c.Pressure.HighWatermark > 1 {
			return fmt.Errorf("pressure high_watermark must be in (0, 1]")
		}
		if c.Pressure.LowWatermark < 0 || c.Pressure.LowWatermark >= c.Pressure.HighWatermark {
			return fmt.Errorf("pressure low_watermark must be in [0, high_watermark)")
		}
	}

	switch c.Transport.Kind {
	case "http":
		if c.Transport.HTTP.BaseURL == "" {
			return fmt.Errorf("transport http base_url is required")
		}
	case "amqp":
		if c.Transport.AMQP.Host == "" {
			return fmt.Errorf("transport amqp host is required")
		}
		if c.Transport.AMQP.Port < MinPort || c.Transport.AMQP.Port > MaxPort {
			return fmt.Errorf("invalid transport amqp port: %d (must be between %d and %d)", c.Transport.AMQP.Port, MinPort, MaxPort)
		}
		if c.Transport.AMQP.JobQueue == "" {
			return fmt.Errorf("transport amqp job_queue is required")
		}
	default:
		return fmt.Errorf("transport kind must be \"http\" or \"amqp\", got %q", c.Transport.Kind)
	}

	if c.Journal.Enabled {
		if c.Journal.Database.Host == "" {
			return fmt.Errorf("journal database host is required")
		}
		if c.Journal.Database.Port < MinPort || c.Journal.Database.Port > MaxPort {
			return fmt.Errorf("invalid journal database port: %d (must be between %d and %d)", c.Journal.Database.Port, MinPort, MaxPort)
		}
		if c.Journal.Database.Database == "" {
			return fmt.Errorf("journal database name is required")
		}
	}

	if c.Analytics.Enabled && c.Analytics.RedisAddr == "" {
		return fmt.Errorf("analytics redis_addr is required")
	}

	return nil
}

// ValidateSimulatorConfig checks the fields the simulator service depends on
func (c *Config) ValidateSimulatorConfig() error {
	if c.Simulator.Port < MinPort || c.Simulator.Port > MaxPort {
		return fmt.Errorf("invalid simulator port: %d (must be between %d and %d)", c.Simulator.Port, MinPort, MaxPort)
	}
	return nil
}
