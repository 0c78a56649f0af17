package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalman-dev/signalman/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate sockbot config files",
	}
	cmd.AddCommand(newConfigValidateCmd())
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: instance %q, backoff %d-%dms, cache_sync=%v, health_check=%v\n",
				cfg.Name, cfg.Backoff.MinMS, cfg.Backoff.MaxMS, cfg.CacheSync.Enabled, cfg.HealthCheck.Enabled)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "sockbot.yaml", "path to the instance config file")
	return cmd
}
