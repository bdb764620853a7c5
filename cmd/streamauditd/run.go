package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func NewCheckCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <topic>",
		Short: "Run an integrity check in the foreground and print its summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground(cmd.Context(), opts, cmd.OutOrStdout(), func(ctx context.Context, a *app) (any, error) {
				return a.svc.RunCheck(ctx, args[0])
			})
		},
	}
}

func NewRecoverCommand(opts *RootOptions) *cobra.Command {
	var toTopic string
	cmd := &cobra.Command{
		Use:   "recover <topic>",
		Short: "Replay an indexed topic into another topic and print the monitor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground(cmd.Context(), opts, cmd.OutOrStdout(), func(ctx context.Context, a *app) (any, error) {
				return a.svc.RunRecovery(ctx, args[0], toTopic)
			})
		},
	}
	cmd.Flags().StringVar(&toTopic, "to", "", "target topic (required)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// runForeground builds the app, runs one job to completion and prints its
// final state as JSON, even when the job failed or was interrupted.
func runForeground(ctx context.Context, opts *RootOptions, out io.Writer, job func(context.Context, *app) (any, error)) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := buildApp(opts)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), opts.cfg.Server.ShutdownTimeout)
		defer cancel()
		if cerr := a.close(closeCtx); cerr != nil {
			opts.log.Warn("close", zap.Error(cerr))
		}
	}()

	state, runErr := job(ctx, a)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(state); err != nil {
		return fmt.Errorf("print result: %w", err)
	}
	return runErr
}
