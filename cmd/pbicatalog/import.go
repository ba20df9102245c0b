package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eargollo/pbicatalog/internal/db"
	"github.com/eargollo/pbicatalog/internal/importer"
)

var (
	importDBPath   string
	importJSONDir  string
	importTenantID string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import an extractor output folder into a catalog database",
	Long:  "Loads tenant_summary.json and the per-dataset detail files from --json-dir into the SQLite catalog at --db, creating it when needed.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		tenantID := importTenantID
		if tenantID == "" {
			tenantID = cfg.TenantID
		}

		catalog, err := db.OpenCatalog(ctx, importDBPath)
		if err != nil {
			return err
		}
		defer catalog.Close()

		res, err := importer.New(catalog).Import(ctx, importJSONDir, tenantID)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Imported %s into %s (run %d)\n", importJSONDir, importDBPath, res.RunID)
		fmt.Fprintf(out, "  workspaces:    %d\n", res.Workspaces)
		fmt.Fprintf(out, "  datasets:      %d\n", res.Datasets)
		fmt.Fprintf(out, "  tables:        %d\n", res.Tables)
		fmt.Fprintf(out, "  columns:       %d\n", res.Columns)
		fmt.Fprintf(out, "  measures:      %d\n", res.Measures)
		fmt.Fprintf(out, "  relationships: %d\n", res.Relationships)
		fmt.Fprintf(out, "  data sources:  %d\n", res.DataSources)
		if res.SkippedDetails > 0 || res.SkippedEntities > 0 {
			fmt.Fprintf(out, "  skipped:       %d datasets with extraction errors, %d malformed entities\n",
				res.SkippedDetails, res.SkippedEntities)
		}
		return nil
	},
}

func init() {
	f := importCmd.Flags()
	f.StringVar(&importDBPath, "db", "powerbi_catalog.db", "catalog database path")
	f.StringVar(&importJSONDir, "json-dir", "powerbi_metadata", "extractor output folder")
	f.StringVar(&importTenantID, "tenant-id", "", "tenant id recorded in the run ledger (default: config tenant_id, then the summary's)")
}
