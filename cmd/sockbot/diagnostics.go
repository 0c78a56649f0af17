package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalman-dev/signalman/internal/config"
	"github.com/signalman-dev/signalman/internal/diagnostics"
	"github.com/signalman-dev/signalman/internal/handler"
	"github.com/signalman-dev/signalman/internal/instance"
)

// diagnosticsLine is one entry of a newline-delimited JSON export, the
// format a running instance's diagnostics can be dumped to for offline
// troubleshooting and later replay.
type diagnosticsLine struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func newDiagnosticsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnostics",
		Short: "Inspect and replay recorded inbound traffic",
	}
	cmd.AddCommand(newDiagnosticsReplayCmd())
	return cmd
}

func newDiagnosticsReplayCmd() *cobra.Command {
	var configPath string
	var fromFile string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-dispatch a newline-delimited JSON export of inbound entries",
		Long:  "Builds an instance from config (without connecting to Slack), loads each {type, payload} line from the export, and replays it through the same dispatch pipeline live traffic uses.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiagnosticsReplay(cmd, configPath, fromFile)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "sockbot.yaml", "path to the instance config file")
	cmd.Flags().StringVar(&fromFile, "from-file", "", "newline-delimited JSON file of {type, payload} entries to replay")
	cmd.MarkFlagRequired("from-file")
	return cmd
}

func runDiagnosticsReplay(cmd *cobra.Command, configPath, fromFile string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Diagnostics.Enabled = true
	if cfg.Diagnostics.BufferSize <= 0 {
		cfg.Diagnostics.BufferSize = 500
	}

	out := cmd.OutOrStdout()
	var dispatched int
	echo := handler.Func(func(eventType string, payload map[string]any, hctx handler.Context) handler.Result {
		dispatched++
		fmt.Fprintf(out, "replayed: type=%s\n", eventType)
		return handler.Result{Outcome: handler.Ok}
	})

	inst, err := instance.New(cfg, echo)
	if err != nil {
		return fmt.Errorf("build instance: %w", err)
	}

	f, err := os.Open(fromFile)
	if err != nil {
		return fmt.Errorf("open %s: %w", fromFile, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var loaded int
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry diagnosticsLine
		if err := json.Unmarshal(line, &entry); err != nil {
			return fmt.Errorf("parse line %d: %w", loaded+1, err)
		}
		inst.Diagnostics().Record(diagnostics.Inbound, entry.Type, entry.Payload)
		loaded++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", fromFile, err)
	}

	count := inst.ReplayDiagnostics(diagnostics.Filters{})
	fmt.Fprintf(out, "loaded %d entries, replayed %d\n", loaded, count)
	return nil
}
