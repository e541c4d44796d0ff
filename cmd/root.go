package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/news-sentinel/internal/config"
	"github.com/sells-group/news-sentinel/internal/model"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "news-sentinel",
	Short: "News alert pipeline for watched asset managers",
	Long:  "Collects news feeds about watched organizations, resolves and filters links, classifies relevance and target with a hosted model, and posts alerts to a chat space.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// parseStages turns --stage/--stages values into stages, accepting comma
// separated lists. Empty input means every stage.
func parseStages(values []string) ([]model.Stage, error) {
	var out []model.Stage
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			st, ok := model.ParseStage(part)
			if !ok {
				return nil, eris.Errorf("unknown stage %q (want one of %s)", part, stageNames())
			}
			out = append(out, st)
		}
	}
	return out, nil
}

func stageNames() string {
	names := make([]string, len(model.Stages))
	for i, st := range model.Stages {
		names[i] = string(st)
	}
	return strings.Join(names, ", ")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
