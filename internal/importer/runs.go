package importer

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Run is one analysis_runs ledger row.
type Run struct {
	ID              int64     `json:"id"`
	RunDate         time.Time `json:"run_date"`
	SourceDirectory string    `json:"source_directory"`
	TenantID        string    `json:"tenant_id,omitempty"`
	Workspaces      int       `json:"workspaces_count"`
	Datasets        int       `json:"datasets_count"`
	Tables          int       `json:"tables_count"`
	Columns         int       `json:"columns_count"`
	Measures        int       `json:"measures_count"`
	Relationships   int       `json:"relationships_count"`
	Success         bool      `json:"success"`
}

// ListRuns returns the most recent ledger rows, newest first. limit <= 0
// returns every row.
func ListRuns(ctx context.Context, db *sql.DB, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, strftime('%Y-%m-%dT%H:%M:%SZ', run_date), source_directory,
		       COALESCE(tenant_id, ''),
		       workspaces_count, datasets_count, tables_count,
		       columns_count, measures_count, relationships_count,
		       success != 0
		FROM analysis_runs
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query analysis runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r       Run
			runDate sql.NullString
			success int
		)
		if err := rows.Scan(&r.ID, &runDate, &r.SourceDirectory, &r.TenantID,
			&r.Workspaces, &r.Datasets, &r.Tables,
			&r.Columns, &r.Measures, &r.Relationships, &success); err != nil {
			return nil, fmt.Errorf("scan analysis run: %w", err)
		}
		if runDate.Valid {
			r.RunDate, _ = time.Parse(time.RFC3339, runDate.String)
		}
		r.Success = success != 0
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
