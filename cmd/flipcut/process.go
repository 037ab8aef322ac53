package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dunamismax/flipcut/internal/config"
	"github.com/dunamismax/flipcut/internal/logging"
	"github.com/dunamismax/flipcut/internal/pipeline"
	"github.com/spf13/cobra"
)

type processOutput struct {
	RequestID         string `json:"request_id"`
	Reference         string `json:"reference"`
	OriginalReference string `json:"original_reference"`
	Original          string `json:"original"`
	Processed         string `json:"processed"`
	Width             int    `json:"width"`
	Height            int    `json:"height"`
}

func newProcessCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "process <image>",
		Short: "Run one local image through the pipeline and print the stored artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.envFile)
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(logging.Config{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				File:   cfg.Log.File,
				Stderr: true,
			})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if err := pipeline.Startup(); err != nil {
				return fmt.Errorf("start image runtime: %w", err)
			}
			defer pipeline.Shutdown()

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open input: %w", err)
			}
			defer f.Close()

			result, err := a.processor.Run(ctx, pipeline.Upload{
				Filename: filepath.Base(args[0]),
				Body:     f,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(processOutput{
				RequestID:         result.RequestID,
				Reference:         result.Reference,
				OriginalReference: result.OriginalReference,
				Original:          result.OriginalPath(),
				Processed:         result.ProcessedPath(),
				Width:             result.Width,
				Height:            result.Height,
			})
		},
	}
}
