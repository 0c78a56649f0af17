package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalman-dev/signalman/internal/config"
	"github.com/signalman-dev/signalman/internal/handler"
	"github.com/signalman-dev/signalman/internal/instance"
)

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a Socket Mode bot instance",
		Long:  "Loads a config file, connects to Slack over Socket Mode, and serves until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "sockbot.yaml", "path to the instance config file")
	return cmd
}

func runBot(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Without a handler of its own, sockbot run just logs dispatches — a
	// host embedding this package as a library supplies a real Handler.
	echo := handler.Func(func(eventType string, payload map[string]any, hctx handler.Context) handler.Result {
		fmt.Fprintf(cmd.OutOrStdout(), "dispatch: type=%s envelope_id=%s\n", eventType, hctx.EnvelopeID)
		return handler.Result{Outcome: handler.Ok}
	})

	inst, err := instance.New(cfg, echo)
	if err != nil {
		return fmt.Errorf("build instance: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	inst.Start(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "sockbot running (instance: %s), press Ctrl-C to stop\n", cfg.Name)
	<-ctx.Done()
	inst.Stop()
	return nil
}
