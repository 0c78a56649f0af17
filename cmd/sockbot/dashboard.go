package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalman-dev/signalman/internal/config"
	"github.com/signalman-dev/signalman/internal/dashboard"
	"github.com/signalman-dev/signalman/internal/handler"
	"github.com/signalman-dev/signalman/internal/instance"
)

func newDashboardCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Start the read-only web dashboard",
		Long:  "Launches a local web dashboard for monitoring a Socket Mode instance in real-time. Does not connect to Slack itself; when event_buffer/cache use an external adapter it reads the same store the running instance writes to.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboard(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "sockbot.yaml", "path to the instance config file")
	cmd.Flags().IntVarP(&port, "port", "p", 8090, "port to listen on")
	return cmd
}

func runDashboard(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	noop := handler.Func(func(eventType string, payload map[string]any, hctx handler.Context) handler.Result {
		return handler.Result{Outcome: handler.Ok}
	})

	inst, err := instance.New(cfg, noop)
	if err != nil {
		return fmt.Errorf("build instance: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nreceived %s, shutting down...\n", sig)
		cancel()
	}()

	return dashboard.Start(ctx, dashboard.StartOpts{
		Source: inst,
		Port:   port,
		Out:    cmd.OutOrStdout(),
	})
}
