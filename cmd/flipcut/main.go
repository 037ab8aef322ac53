package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dunamismax/flipcut/internal/config"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	envFile string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "flipcut:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "flipcut",
		Short: "Background removal and mirroring service for uploaded images",
		Long: `flipcut accepts image uploads, normalizes them to PNG, removes the background
through the remove.bg API, mirrors the result horizontally and stores both the
original and the processed artifact behind opaque references.

Running flipcut without a subcommand starts the HTTP server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", config.DefaultEnvFile,
		"dotenv file read before the environment; a missing file is ignored")

	cmd.AddCommand(
		newServeCmd(opts),
		newProcessCmd(opts),
	)
	return cmd
}
