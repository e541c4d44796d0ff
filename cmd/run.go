package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runStages        []string
	runSkipReconcile bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one pass over the pipeline stages",
	Long:  "Runs collect, classify, extract_text, target and deliver once, in that order. Interrupting the pass finalizes items already claimed before exiting.",
	RunE: func(cmd *cobra.Command, args []string) error {
		stages, err := parseStages(runStages)
		if err != nil {
			return err
		}
		if err := cfg.Validate("run"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Pipeline.RunPass(ctx, stages, !runSkipReconcile)
		if rec != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(rec)
		}
		if errors.Is(err, context.Canceled) {
			zap.L().Warn("pass interrupted")
			return nil
		}
		return err
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runStages, "stages", nil, "stages to run, comma separated (default all)")
	runCmd.Flags().BoolVar(&runSkipReconcile, "skip-reconcile", false, "do not reset stalled IN_PROGRESS items before the pass")
	rootCmd.AddCommand(runCmd)
}
