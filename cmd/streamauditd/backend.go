package main

import (
	"fmt"

	"streamaudit/internal/config"
	"streamaudit/internal/integrity"
	"streamaudit/internal/recovery"
	"streamaudit/internal/stream"
	"streamaudit/internal/stream/kafka"
	"streamaudit/internal/stream/memory"
	"streamaudit/internal/stream/rabbitmq"
	"streamaudit/internal/stream/sqlite"
)

func newBackend(cfg config.StreamConfig) (stream.Backend, error) {
	switch cfg.Driver {
	case "memory":
		return memory.NewBackend(nil), nil
	case "sqlite":
		return sqlite.NewStore(sqlite.Config{Path: cfg.SQLite.Path, PollInterval: cfg.SQLite.PollInterval})
	case "kafka":
		return kafka.NewBackend(kafka.Config{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID,
			TLS: kafka.TLSConfig{
				Enabled:            cfg.Kafka.TLS.Enabled,
				InsecureSkipVerify: cfg.Kafka.TLS.InsecureSkipVerify,
			},
		})
	case "rabbitmq":
		return rabbitmq.NewBackend(rabbitmq.Config{
			URL:      cfg.RabbitMQ.URL,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Auth:     rabbitmq.AuthConfig{Username: cfg.RabbitMQ.Username, Password: cfg.RabbitMQ.Password},
			TLS: rabbitmq.TLSConfig{
				Enabled:            cfg.RabbitMQ.TLS.Enabled,
				InsecureSkipVerify: cfg.RabbitMQ.TLS.InsecureSkipVerify,
				CAFile:             cfg.RabbitMQ.TLS.CAFile,
				CertFile:           cfg.RabbitMQ.TLS.CertFile,
				KeyFile:            cfg.RabbitMQ.TLS.KeyFile,
			},
		})
	}
	return nil, fmt.Errorf("unknown stream driver %q", cfg.Driver)
}

func integrityConfig(c config.IntegrityConfig) integrity.Config {
	return integrity.Config{
		ReceiveTimeout:   c.ReceiveTimeout,
		IndexBatchSize:   c.IndexBatchSize,
		ReportFlushEvery: c.ReportFlushEvery,
	}
}

func recoveryConfig(c config.RecoveryConfig) recovery.Config {
	return recovery.Config{
		ReceiveTimeout:   c.ReceiveTimeout,
		BatchSize:        c.BatchSize,
		TailTimeout:      c.TailTimeout,
		ReportFlushEvery: c.ReportFlushEvery,
	}
}
