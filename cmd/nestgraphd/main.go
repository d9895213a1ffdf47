// Package main provides the nestgraphd daemon: a cluster instance
// hosting embedded graph databases behind pooled connections, with
// staging, routing and task coordination.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set at build time).
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "nestgraphd",
		Short:   "NestGraph - clustered embedded graph database runtime",
		Version: Version,
		Long: `nestgraphd hosts embedded graph databases for a NestGraph cluster.

Each instance manages database lifecycle, per-database connection
pooling, bulk-load staging and admission control, and participates in
cluster routing through a shared instance registry.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.SetVersionTemplate(`{{.Name}} {{.Version}}
`)

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nestgraphd %s (commit %s)\n", Version, GitCommit)
		},
	}
}
