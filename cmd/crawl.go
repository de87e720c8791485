package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-price-crawler/internal/task"
)

func newCrawlCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "crawl [keywords...]",
		Short: "Crawls keywords once and exits",
		Long: `Runs one crawl job in the foreground. Without arguments the configured
keyword list is used. Keywords that already have data for today are
skipped unless --force is given. The finished job is printed as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, args, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "crawl even if today's data is already stored")
	return cmd
}

func runCrawl(cmd *cobra.Command, args []string, force bool) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	keywords := args
	if len(keywords) == 0 {
		keywords = a.Config().Crawler.Keywords
	}

	jobs := a.Jobs()
	id, err := jobs.CreateJob(keywords, force)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	job, err := jobs.Job(id)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	status := a.NewWorker().RunJob(cmd.Context(), job)
	done, err := jobs.Job(id)
	if err != nil {
		return fmt.Errorf("load finished job: %w", err)
	}
	for _, stats := range done.Results {
		a.Logger().Info("keyword stats",
			zap.String("keyword", stats.Keyword),
			zap.Int("pages_fetched", stats.PagesFetched),
			zap.Int("pages_total", stats.PagesTotal),
			zap.Int("rows_upserted", stats.RowsUpserted),
			zap.Bool("blocked", stats.Blocked),
			zap.Bool("skipped", stats.Skipped),
		)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(done); err != nil {
		return fmt.Errorf("write job: %w", err)
	}
	if status != task.StatusCompleted {
		return fmt.Errorf("crawl job %s ended %s: %s", id, status, done.Error)
	}
	return nil
}
