package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Log       LogConfig       `mapstructure:"log"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Integrity IntegrityConfig `mapstructure:"integrity"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Dev   bool   `mapstructure:"dev"`
}

type StreamConfig struct {
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type SQLiteConfig struct {
	Path         string        `mapstructure:"path"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type KafkaConfig struct {
	Brokers  []string  `mapstructure:"brokers"`
	ClientID string    `mapstructure:"client_id"`
	TLS      TLSConfig `mapstructure:"tls"`
}

type RabbitMQConfig struct {
	URL      string    `mapstructure:"url"`
	Prefetch int       `mapstructure:"prefetch"`
	Username string    `mapstructure:"username"`
	Password string    `mapstructure:"password"`
	TLS      TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
}

type IntegrityConfig struct {
	ReceiveTimeout   time.Duration `mapstructure:"receive_timeout"`
	IndexBatchSize   int           `mapstructure:"index_batch_size"`
	ReportFlushEvery int           `mapstructure:"report_flush_every"`
}

type RecoveryConfig struct {
	ReceiveTimeout   time.Duration `mapstructure:"receive_timeout"`
	BatchSize        int           `mapstructure:"batch_size"`
	TailTimeout      time.Duration `mapstructure:"tail_timeout"`
	ReportFlushEvery int           `mapstructure:"report_flush_every"`
}

type JobsConfig struct {
	LockTimeout   time.Duration `mapstructure:"lock_timeout"`
	MaxConcurrent int64         `mapstructure:"max_concurrent"`
}

// Load reads the config file at path, when given, under STREAMAUDIT_*
// environment overrides and code defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("streamaudit")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
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

// Every key needs a default so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.dev", false)

	v.SetDefault("stream.driver", "memory")
	v.SetDefault("stream.sqlite.path", "./data/stream.db")
	v.SetDefault("stream.sqlite.poll_interval", 50*time.Millisecond)
	v.SetDefault("stream.kafka.brokers", []string{})
	v.SetDefault("stream.kafka.client_id", "streamaudit")
	v.SetDefault("stream.kafka.tls.enabled", false)
	v.SetDefault("stream.kafka.tls.insecure_skip_verify", false)
	v.SetDefault("stream.rabbitmq.url", "")
	v.SetDefault("stream.rabbitmq.prefetch", 1000)
	v.SetDefault("stream.rabbitmq.username", "")
	v.SetDefault("stream.rabbitmq.password", "")
	v.SetDefault("stream.rabbitmq.tls.enabled", false)

	v.SetDefault("integrity.receive_timeout", 15*time.Second)
	v.SetDefault("integrity.index_batch_size", 10000)
	v.SetDefault("integrity.report_flush_every", 5000)

	v.SetDefault("recovery.receive_timeout", 15*time.Second)
	v.SetDefault("recovery.batch_size", 1000)
	v.SetDefault("recovery.tail_timeout", 3*time.Second)
	v.SetDefault("recovery.report_flush_every", 5000)

	v.SetDefault("jobs.lock_timeout", time.Second)
	v.SetDefault("jobs.max_concurrent", 4)
}

func (c Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	switch c.Stream.Driver {
	case "memory":
	case "sqlite":
		if c.Stream.SQLite.Path == "" {
			return fmt.Errorf("stream.sqlite.path is required for the sqlite driver")
		}
	case "kafka":
		if len(c.Stream.Kafka.Brokers) == 0 {
			return fmt.Errorf("stream.kafka.brokers is required for the kafka driver")
		}
	case "rabbitmq":
		if c.Stream.RabbitMQ.URL == "" {
			return fmt.Errorf("stream.rabbitmq.url is required for the rabbitmq driver")
		}
		if c.Stream.RabbitMQ.Prefetch < 1 {
			return fmt.Errorf("stream.rabbitmq.prefetch must be >= 1")
		}
	default:
		return fmt.Errorf("stream.driver must be one of memory|sqlite|kafka|rabbitmq, got %q", c.Stream.Driver)
	}
	if c.Integrity.IndexBatchSize < 1 {
		return fmt.Errorf("integrity.index_batch_size must be >= 1")
	}
	if c.Recovery.BatchSize < 1 {
		return fmt.Errorf("recovery.batch_size must be >= 1")
	}
	if c.Jobs.MaxConcurrent < 1 {
		return fmt.Errorf("jobs.max_concurrent must be >= 1")
	}
	if c.Jobs.LockTimeout <= 0 {
		return fmt.Errorf("jobs.lock_timeout must be positive")
	}
	return nil
}
