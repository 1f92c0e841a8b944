package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pingsantohq/pingwatch/internal/config"
)

func newProbeCmd() *cobra.Command {
	var (
		count      int
		timeout    time.Duration
		retries    int
		native     bool
		privileged bool
	)
	cmd := &cobra.Command{
		Use:   "probe HOST",
		Short: "Probe a host once and print the result as JSON",
		Long: `Validate, resolve and probe HOST once using the same executor the
monitoring loop uses, then print the probe result as JSON.

Examples:
  pingwatch probe 203.0.113.7
  pingwatch probe example.com --count 2 --timeout 5s
  pingwatch probe example.com --native --privileged`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := config.ProbeModeCommand
			if native {
				mode = config.ProbeModeNative
			}
			executor := newExecutor(config.ProbeConfig{
				Mode:       mode,
				Count:      count,
				Timeout:    timeout,
				MaxRetries: &retries,
				Privileged: privileged,
			}, nil)

			result, err := executor.ProbeWith(cmd.Context(), args[0], count, timeout)
			if err != nil {
				return fmt.Errorf("probe %s: %w", args[0], err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&count, "count", 4, "Number of echo requests")
	flags.DurationVar(&timeout, "timeout", 15*time.Second, "Overall probe timeout")
	flags.IntVar(&retries, "retries", 2, "Additional attempts after a failed probe run")
	flags.BoolVar(&native, "native", false, "Use the built-in ICMP implementation instead of the system ping")
	flags.BoolVar(&privileged, "privileged", false, "Use raw ICMP sockets in native mode")
	return cmd
}
