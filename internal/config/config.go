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

// Config represents the complete orchestrator configuration
type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Storage    StorageConfig    `yaml:"storage"`
	Database   DatabaseConfig   `yaml:"database"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Engines    []EngineConfig   `yaml:"engines"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Batching   BatchingConfig   `yaml:"batching"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Ops        OpsConfig        `yaml:"ops"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue
// configuration for the manifest event queue and the launch queues
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Consumer   QueueConsumer    `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// QueueConsumer holds RabbitMQ consumer settings
type QueueConsumer struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// StorageConfig holds object store configuration. Bucket is the
// logical name passed to launched jobs; Root is the mount the
// orchestrator reads manifests from.
type StorageConfig struct {
	Bucket string `yaml:"bucket"`
	Root   string `yaml:"root"`
}

// DatabaseConfig holds the optional PostgreSQL session ledger
// configuration; with Enabled false the orchestrator runs without
// persistence
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
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

// SchedulerConfig holds compute scheduler identity and placement
type SchedulerConfig struct {
	Cluster           string `yaml:"cluster"`
	Subnet            string `yaml:"subnet"`
	SecurityGroup     string `yaml:"security_group"`
	MaxParameterBytes int    `yaml:"max_parameter_bytes"`
}

// EngineConfig describes one analysis engine to run over every batch
type EngineConfig struct {
	Name      string `yaml:"name"`
	Template  string `yaml:"template"`
	Container string `yaml:"container"`
	BatchSize int    `yaml:"batch_size"`
}

// AggregatorConfig identifies the result-merging job
type AggregatorConfig struct {
	Template  string `yaml:"template"`
	Container string `yaml:"container"`
}

// BatchingConfig holds manifest partitioning settings
type BatchingConfig struct {
	DefaultBatchSize int `yaml:"default_batch_size"`
	MaxManifestItems int `yaml:"max_manifest_items"`
}

// DispatchConfig holds per-submission retry and fan-out settings
type DispatchConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Concurrency int           `yaml:"concurrency"`
}

// ConsumerConfig holds event loop settings
type ConsumerConfig struct {
	ManifestSuffix   string        `yaml:"manifest_suffix"`
	ReceiveWait      time.Duration `yaml:"receive_wait"`
	ExtendInterval   time.Duration `yaml:"extend_interval"`
	ExtendBy         time.Duration `yaml:"extend_by"`
	NotFoundAttempts int           `yaml:"not_found_attempts"`
	NotFoundDelay    time.Duration `yaml:"not_found_delay"`
}

// OpsConfig holds the operator HTTP surface settings; port 0 disables it
type OpsConfig struct {
	Port int `yaml:"port"`
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

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage bucket is required")
	}

	if c.Storage.Root == "" {
		return fmt.Errorf("storage root is required")
	}

	if len(c.Engines) == 0 {
		return fmt.Errorf("at least one engine is required")
	}

	seen := make(map[string]bool)
	for i, engine := range c.Engines {
		if engine.Name == "" {
			return fmt.Errorf("engine %d: name is required", i)
		}
		if seen[engine.Name] {
			return fmt.Errorf("engine %s: duplicate name", engine.Name)
		}
		seen[engine.Name] = true

		if engine.Template == "" {
			return fmt.Errorf("engine %s: template is required", engine.Name)
		}
		if engine.Container == "" {
			return fmt.Errorf("engine %s: container is required", engine.Name)
		}
		if engine.BatchSize < 0 {
			return fmt.Errorf("engine %s: batch_size must not be negative", engine.Name)
		}
	}

	if c.Aggregator.Template == "" {
		return fmt.Errorf("aggregator template is required")
	}

	if c.Aggregator.Container == "" {
		return fmt.Errorf("aggregator container is required")
	}

	if c.Batching.DefaultBatchSize < 0 {
		return fmt.Errorf("batching default_batch_size must not be negative")
	}

	if c.Database.Enabled {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.Ops.Port != 0 && (c.Ops.Port < MinPort || c.Ops.Port > MaxPort) {
		return fmt.Errorf("invalid ops port: %d (must be between %d and %d)", c.Ops.Port, MinPort, MaxPort)
	}

	return nil
}

// Templates returns every job template the orchestrator submits to
func (c *Config) Templates() []string {
	templates := make([]string, 0, len(c.Engines)+1)
	for _, engine := range c.Engines {
		templates = append(templates, engine.Template)
	}
	templates = append(templates, c.Aggregator.Template)
	return templates
}
