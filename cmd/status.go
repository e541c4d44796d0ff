package main

import (
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/news-sentinel/internal/model"
	"github.com/sells-group/news-sentinel/internal/monitoring"
	"github.com/sells-group/news-sentinel/internal/resilience"
	"github.com/sells-group/news-sentinel/internal/store"
)

var (
	statusFailed bool
	statusLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-stage item counts and recent passes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := monitoring.NewCollector(st).Collect(ctx, statusLimit)
		if err != nil {
			return err
		}

		pterm.DefaultSection.Println("Items by stage")
		if err := pterm.DefaultTable.WithHasHeader().WithData(countsTable(snap.Counts)).Render(); err != nil {
			return eris.Wrap(err, "render counts")
		}

		pterm.DefaultSection.Println("Recent passes")
		if len(snap.Passes) == 0 {
			pterm.Info.Println("No pass recorded yet")
		} else if err := pterm.DefaultTable.WithHasHeader().WithData(passesTable(snap.Passes)).Render(); err != nil {
			return eris.Wrap(err, "render passes")
		}

		if !statusFailed {
			return nil
		}

		failed := make(map[model.Stage][]model.Item)
		total := 0
		for _, stage := range model.Stages[1:] {
			items, err := st.List(ctx, store.ItemFilter{Stage: stage, Status: model.StatusFailed, Limit: statusLimit})
			if err != nil {
				return eris.Wrapf(err, "list failed %s", stage)
			}
			failed[stage] = items
			total += len(items)
		}
		pterm.DefaultSection.Println("Failed items")
		if total == 0 {
			pterm.Success.Println("No failed items")
			return nil
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(failedTable(failed)).Render(); err != nil {
			return eris.Wrap(err, "render failed items")
		}
		pterm.Info.Println("Requeue with: news-sentinel requeue --stage <stage> [--key <key>]")
		return nil
	},
}

func countsTable(counts store.StageCounts) pterm.TableData {
	header := []string{"stage"}
	for _, status := range model.Statuses {
		header = append(header, string(status))
	}
	data := pterm.TableData{header}
	for _, stage := range model.Stages {
		row := []string{string(stage)}
		for _, status := range model.Statuses {
			row = append(row, strconv.Itoa(counts[stage][status]))
		}
		data = append(data, row)
	}
	return data
}

func passesTable(passes []model.PassRecord) pterm.TableData {
	data := pterm.TableData{{"pass", "finished", "duration", "inserted", "done", "failed", "skipped", "aborted"}}
	for _, p := range passes {
		var inserted int
		var done, failed, skipped int64
		aborted := 0
		for _, s := range p.Stages {
			if s.Collect != nil {
				inserted = s.Collect.Inserted
			}
			if s.Stage != model.StageCollect {
				done += s.Done
			}
			failed += s.Failed
			skipped += s.Skipped
			if s.Aborted != "" {
				aborted++
			}
		}
		data = append(data, []string{
			shortID(p.ID),
			p.FinishedAt.Local().Format(time.DateTime),
			p.FinishedAt.Sub(p.StartedAt).Round(time.Second).String(),
			strconv.Itoa(inserted),
			strconv.FormatInt(done, 10),
			strconv.FormatInt(failed, 10),
			strconv.FormatInt(skipped, 10),
			strconv.Itoa(aborted),
		})
	}
	return data
}

func failedTable(failed map[model.Stage][]model.Item) pterm.TableData {
	data := pterm.TableData{{"stage", "source", "key", "error"}}
	for _, stage := range model.Stages {
		for _, it := range failed[stage] {
			data = append(data, []string{
				string(stage),
				it.SourceLabel,
				resilience.Truncate(it.Key, 80),
				resilience.Truncate(it.States[stage].Error, 60),
			})
		}
	}
	return data
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	statusCmd.Flags().BoolVar(&statusFailed, "failed", false, "also list FAILED items with their errors")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "max passes, and failed items per stage, to show")
	rootCmd.AddCommand(statusCmd)
}
