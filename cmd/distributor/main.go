// Package main implements the distributor command: a process hosting the
// operation-coordination core in front of in-process storage nodes, and a
// client for submitting read-for-write visitors to it.
//
// Usage:
//
//	# Run a distributor
//	distributor serve --config distributor.yaml
//
//	# Store a document, then visit the bucket it landed in
//	curl -X PUT localhost:8090/data/user:123 -d '{"name":"Alice"}'
//	distributor visit --addr http://localhost:8090 --library dump --group user:123
//
// Configuration is read from the YAML file given with --config and may be
// overridden with DISTRIBUTOR_* environment variables.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var logLevel string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "distributor",
		Short:        "Distributor node for bucket-sequenced storage operations",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newVisitCmd())
	return root
}

// setupLogging configures the global logger. An unparsable level falls back
// to info.
func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
