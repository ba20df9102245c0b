package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/eargollo/pbicatalog/internal/config"
	"github.com/eargollo/pbicatalog/internal/extract"
	"github.com/eargollo/pbicatalog/internal/scan"
	"github.com/eargollo/pbicatalog/internal/snapshot"
)

// Injected at build time via -ldflags; defaults to "dev".
var version = "dev"

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "pbicatalog",
	Short:         "Power BI tenant catalog scans",
	Long:          "Runs the tenant metadata extractor as tracked scans and imports its output into per-scan SQLite catalogs.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// ── Logging (initial, overridden below once config is loaded) ──
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})))

		c, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.LogLevel),
		})))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")
	rootCmd.AddCommand(serveCmd, importCmd, scansCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("pbicatalog", "error", err)
		os.Exit(1)
	}
}

// newManager builds the scan orchestrator from the loaded config.
func newManager() (*scan.Manager, error) {
	store, err := snapshot.New(cfg.ScansDir)
	if err != nil {
		return nil, err
	}
	runner := &extract.Runner{
		Command: cfg.Extractor.Command,
		Args:    cfg.Extractor.Args,
		WorkDir: cfg.Extractor.WorkDir,
		Timeout: cfg.Extractor.TimeoutDuration(),
	}
	return scan.NewManager(store, runner, cfg.TenantID), nil
}

// parseLogLevel converts a config string ("debug", "info", "warn", "error")
// to its slog.Level equivalent. Unknown values default to Info.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
