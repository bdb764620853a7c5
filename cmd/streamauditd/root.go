package main

import (
	"context"
	"fmt"

	"streamaudit/internal/config"
	"streamaudit/internal/logger"
	"streamaudit/internal/metrics"
	"streamaudit/internal/service"
	"streamaudit/internal/workdir"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RootOptions holds the global flags and what PersistentPreRunE builds from them.
type RootOptions struct {
	ConfigPath string

	cfg config.Config
	log *zap.Logger
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	cmd := &cobra.Command{
		Use:           "streamauditd",
		Short:         "Integrity checks and recovery replays for message streams",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log, err := logger.New(logger.Config{Level: cfg.Log.Level, DevMode: cfg.Log.Dev})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			opts.cfg = cfg
			opts.log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.log != nil {
				_ = opts.log.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to config file (yaml, toml or json)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))
	return cmd
}

// app is the service wired from config. close releases the service first
// and the backend after it.
type app struct {
	svc      *service.Service
	gatherer prometheus.Gatherer
	close    func(context.Context) error
}

func buildApp(opts *RootOptions) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}
	backend, err := newBackend(opts.cfg.Stream)
	if err != nil {
		return nil, err
	}
	cfg := opts.cfg
	svc := service.New(service.Options{
		Layout:        workdir.New(cfg.Storage.DataDir),
		Backend:       backend,
		Integrity:     integrityConfig(cfg.Integrity),
		Recovery:      recoveryConfig(cfg.Recovery),
		LockTimeout:   cfg.Jobs.LockTimeout,
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		Logger:        opts.log,
		Metrics:       m,
	})
	return &app{
		svc:      svc,
		gatherer: reg,
		close: func(ctx context.Context) error {
			err := svc.Close(ctx)
			if cerr := backend.Close(); cerr != nil && err == nil {
				err = cerr
			}
			return err
		},
	}, nil
}
