package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		RabbitMQ: RabbitMQConfig{
			Host: "localhost",
			Port: 5672,
			Exchange: ExchangeConfig{
				Name: "chorus_exchange",
			},
			Queue: QueueConfig{
				Name: "manifest_events",
			},
		},
		Storage: StorageConfig{
			Bucket: "bird-analysis-data",
			Root:   "/var/lib/chorus/store",
		},
		Engines: []EngineConfig{
			{Name: "birdnet", Template: "birdnet-task", Container: "birdnet-worker"},
			{Name: "perch", Template: "perch-task", Container: "perch-worker"},
		},
		Aggregator: AggregatorConfig{
			Template:  "aggregator-task",
			Container: "aggregator-worker",
		},
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, "chorus-orchestrator", cfg.App.Name)
				assert.Equal(t, "chorus_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "manifest_events", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, 1, cfg.RabbitMQ.Consumer.PrefetchCount)
				assert.Equal(t, "bird-analysis-data", cfg.Storage.Bucket)
				assert.Equal(t, "bird-analysis-cluster", cfg.Scheduler.Cluster)
				assert.Equal(t, 8192, cfg.Scheduler.MaxParameterBytes)
				require.Len(t, cfg.Engines, 2)
				assert.Equal(t, "birdnet", cfg.Engines[0].Name)
				assert.Equal(t, 25, cfg.Engines[1].BatchSize)
				assert.Equal(t, "aggregator-task", cfg.Aggregator.Template)
				assert.Equal(t, 50, cfg.Batching.DefaultBatchSize)
				assert.Equal(t, 4, cfg.Dispatch.MaxAttempts)
				assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.BaseDelay)
				assert.Equal(t, "manifest.json", cfg.Consumer.ManifestSuffix)
				assert.Equal(t, 20*time.Second, cfg.Consumer.ReceiveWait)
				assert.True(t, cfg.Database.Enabled)
				assert.Equal(t, "chorus_ledger", cfg.Database.Database)
				assert.Equal(t, 8090, cfg.Ops.Port)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "invalid rabbitmq port - too low",
			mutate:    func(c *Config) { c.RabbitMQ.Port = 0 },
			wantErr:   true,
			errString: "invalid rabbitmq port",
		},
		{
			name:      "invalid rabbitmq port - too high",
			mutate:    func(c *Config) { c.RabbitMQ.Port = 70000 },
			wantErr:   true,
			errString: "invalid rabbitmq port",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "empty queue name",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			wantErr:   true,
			errString: "rabbitmq queue name is required",
		},
		{
			name:      "empty storage bucket",
			mutate:    func(c *Config) { c.Storage.Bucket = "" },
			wantErr:   true,
			errString: "storage bucket is required",
		},
		{
			name:      "empty storage root",
			mutate:    func(c *Config) { c.Storage.Root = "" },
			wantErr:   true,
			errString: "storage root is required",
		},
		{
			name:      "no engines",
			mutate:    func(c *Config) { c.Engines = nil },
			wantErr:   true,
			errString: "at least one engine is required",
		},
		{
			name:      "engine without name",
			mutate:    func(c *Config) { c.Engines[0].Name = "" },
			wantErr:   true,
			errString: "name is required",
		},
		{
			name:      "duplicate engine name",
			mutate:    func(c *Config) { c.Engines[1].Name = "birdnet" },
			wantErr:   true,
			errString: "duplicate name",
		},
		{
			name:      "engine without template",
			mutate:    func(c *Config) { c.Engines[0].Template = "" },
			wantErr:   true,
			errString: "template is required",
		},
		{
			name:      "engine without container",
			mutate:    func(c *Config) { c.Engines[1].Container = "" },
			wantErr:   true,
			errString: "container is required",
		},
		{
			name:      "negative engine batch size",
			mutate:    func(c *Config) { c.Engines[0].BatchSize = -1 },
			wantErr:   true,
			errString: "batch_size must not be negative",
		},
		{
			name:      "empty aggregator template",
			mutate:    func(c *Config) { c.Aggregator.Template = "" },
			wantErr:   true,
			errString: "aggregator template is required",
		},
		{
			name:      "empty aggregator container",
			mutate:    func(c *Config) { c.Aggregator.Container = "" },
			wantErr:   true,
			errString: "aggregator container is required",
		},
		{
			name:      "negative default batch size",
			mutate:    func(c *Config) { c.Batching.DefaultBatchSize = -1 },
			wantErr:   true,
			errString: "default_batch_size must not be negative",
		},
		{
			name: "database enabled without host",
			mutate: func(c *Config) {
				c.Database.Enabled = true
				c.Database.Port = 5432
				c.Database.Database = "chorus_ledger"
			},
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name: "database enabled with invalid port",
			mutate: func(c *Config) {
				c.Database.Enabled = true
				c.Database.Host = "localhost"
				c.Database.Database = "chorus_ledger"
			},
			wantErr:   true,
			errString: "invalid database port",
		},
		{
			name: "database enabled without name",
			mutate: func(c *Config) {
				c.Database.Enabled = true
				c.Database.Host = "localhost"
				c.Database.Port = 5432
			},
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name: "database disabled skips database checks",
			mutate: func(c *Config) {
				c.Database.Enabled = false
			},
			wantErr: false,
		},
		{
			name:      "invalid ops port",
			mutate:    func(c *Config) { c.Ops.Port = 70000 },
			wantErr:   true,
			errString: "invalid ops port",
		},
		{
			name:    "ops port zero disables the server",
			mutate:  func(c *Config) { c.Ops.Port = 0 },
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.NoError(t, err)
	})

	t.Run("load config without engines", func(t *testing.T) {
		cfg, err := Load("testdata/no_engines.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one engine is required")
	})
}

func TestConfig_Templates(t *testing.T) {
	cfg := validConfig()

	templates := cfg.Templates()

	assert.Equal(t, []string{"birdnet-task", "perch-task", "aggregator-task"}, templates)
}
