package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.date=2026-01-01"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "pingwatch",
		Short: "Watch host reachability and publish probe telemetry",
		Long: `pingwatch probes configured hosts on a fixed interval, raises escalating
alerts while a host stays unreachable, announces recovery, and publishes
every probe result to an MQTT broker.`,
		SilenceUsage: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(newRunCmd(), newProbeCmd(), newVersionCmd())
	return root
}
