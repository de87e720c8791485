package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSweepCmd() *cobra.Command {
	var crawl bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reports today's keyword coverage",
		Long: `Counts stored rows per configured keyword for today in the crawler
timezone and prints the report as JSON. With --crawl, keywords without
rows are force-crawled in the foreground first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd, crawl)
		},
	}
	cmd.Flags().BoolVar(&crawl, "crawl", false, "force-crawl missing keywords before reporting")
	return cmd
}

func runSweep(cmd *cobra.Command, crawl bool) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	sweep := a.Sweep()

	rep, err := sweep.Report(ctx, sweep.Today())
	if err != nil {
		return fmt.Errorf("integrity report: %w", err)
	}
	if crawl && len(rep.Missing) > 0 {
		for _, kw := range rep.Missing {
			stats, err := a.Crawler().CrawlKeyword(ctx, kw, true)
			if err != nil {
				a.Logger().Error("keyword crawl failed", zap.String("keyword", kw), zap.Error(err))
				continue
			}
			a.Logger().Info("keyword crawled",
				zap.String("keyword", kw),
				zap.Int("rows_upserted", stats.RowsUpserted),
				zap.Bool("blocked", stats.Blocked),
			)
		}
		if rep, err = sweep.Report(ctx, sweep.Today()); err != nil {
			return fmt.Errorf("integrity report: %w", err)
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
