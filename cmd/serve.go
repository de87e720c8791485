package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the task API, the job worker and the scheduler",
		Long: `Starts the HTTP task API, a worker that drains pending crawl jobs one at
a time, and the cron scheduler for the daily crawl and integrity sweeps.
SIGINT or SIGTERM cancels a running job at its next keyword and drains
the HTTP server.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := a.Config()
	logger := a.Logger()

	g, ctx := errgroup.WithContext(cmd.Context())

	w := a.NewWorker()
	g.Go(func() error {
		return w.Run(ctx)
	})

	if cfg.Schedule.Enabled || cfg.Schedule.SweepEnabled || cfg.Schedule.RunOnStart {
		sched, err := a.NewScheduler()
		if err != nil {
			return err
		}
		g.Go(func() error {
			return sched.Run(ctx)
		})
	}

	if cfg.Server.Enabled {
		srv := a.NewHTTPServer()
		g.Go(func() error {
			logger.Info("http server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http shutdown: %w", err)
			}
			logger.Info("http server stopped")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
