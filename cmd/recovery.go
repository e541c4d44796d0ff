package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/news-sentinel/internal/model"
	"github.com/sells-group/news-sentinel/internal/store"
)

var (
	requeueStage  string
	requeueKeys   []string
	requeueSource string

	reconcileStages    []string
	reconcileOlderThan time.Duration
)

var requeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Put FAILED items of a stage back to PENDING",
	Long:  "Failed items are never retried automatically. requeue resets the stage status to PENDING for every FAILED item of --stage, or only for the given --key values or --source organization.",
	RunE: func(cmd *cobra.Command, args []string) error {
		stage, ok := model.ParseStage(requeueStage)
		if !ok || stage == model.StageCollect {
			return eris.Errorf("--stage must be one of classify, extract_text, target, deliver (got %q)", requeueStage)
		}
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.Requeue(ctx, store.RequeueFilter{
			Stage:       stage,
			Keys:        requeueKeys,
			SourceLabel: requeueSource,
		})
		if err != nil {
			return eris.Wrap(err, "requeue")
		}

		zap.L().Info("requeued failed items",
			zap.String("stage", string(stage)),
			zap.Int64("count", n),
		)
		cmd.Printf("requeued %d item(s) for stage %s\n", n, stage)
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reset stalled IN_PROGRESS items to PENDING",
	RunE: func(cmd *cobra.Command, args []string) error {
		stages, err := parseStages(reconcileStages)
		if err != nil {
			return err
		}
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		olderThan := reconcileOlderThan
		if olderThan <= 0 {
			olderThan = cfg.Pipeline.StallThreshold
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if len(stages) == 0 {
			stages = model.Stages
		}
		var total int64
		for _, stage := range stages {
			n, err := st.ResetStalled(ctx, stage, olderThan)
			if err != nil {
				return eris.Wrapf(err, "reconcile %s", stage)
			}
			if n > 0 {
				cmd.Printf("%s: reset %d item(s)\n", stage, n)
			}
			total += n
		}

		zap.L().Info("reconcile complete",
			zap.Duration("older_than", olderThan),
			zap.Int64("reset", total),
		)
		cmd.Printf("reset %d stalled item(s)\n", total)
		return nil
	},
}

func init() {
	requeueCmd.Flags().StringVar(&requeueStage, "stage", "", "stage whose FAILED items are requeued (required)")
	requeueCmd.Flags().StringSliceVar(&requeueKeys, "key", nil, "only requeue these item keys")
	requeueCmd.Flags().StringVar(&requeueSource, "source", "", "only requeue items of this organization label")
	_ = requeueCmd.MarkFlagRequired("stage")

	reconcileCmd.Flags().StringSliceVar(&reconcileStages, "stage", nil, "stages to reconcile (default all)")
	reconcileCmd.Flags().DurationVar(&reconcileOlderThan, "older-than", 0, "reset items claimed longer ago than this (default pipeline.stall_threshold)")

	rootCmd.AddCommand(requeueCmd, reconcileCmd)
}
