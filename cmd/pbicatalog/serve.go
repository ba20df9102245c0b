package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eargollo/pbicatalog/internal/api"
	"github.com/eargollo/pbicatalog/internal/scan"
	"github.com/eargollo/pbicatalog/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the scan scheduler",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		slog.Info("pbicatalog starting",
			"version", version,
			"log_level", cfg.LogLevel,
			"http_addr", cfg.HTTPAddr,
			"scans_dir", cfg.ScansDir,
			"extractor", cfg.Extractor.Command)

		mgr, err := newManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		// Scans left running or processing by a previous process are failed.
		if err := mgr.RecoverInterrupted(); err != nil {
			slog.Warn("recover interrupted scans", "error", err)
		}

		// Runs outlive requests but stop with the process.
		runCtx, cancelRuns := context.WithCancel(context.Background())
		defer cancelRuns()

		// ── Scheduler ──
		sched := scheduler.New(runCtx, mgr)
		if err := sched.SetSchedule(cfg.Schedule, scan.Filters(cfg.ScheduleFilters)); err != nil {
			slog.Warn("invalid cron expression", "expr", cfg.Schedule, "error", err)
		}
		sched.Start()
		defer sched.Stop()

		// ── HTTP server ──
		srv := api.New(runCtx, cfg.HTTPAddr, mgr, sched, version)
		if err := srv.Run(ctx); err != nil {
			return err
		}
		slog.Info("pbicatalog stopped")
		return nil
	},
}
