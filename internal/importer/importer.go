// Package importer loads one extraction artifact set into the relational
// catalog store. Rows are upserted by primary key so repeated imports of the
// same artifacts converge; only the analysis_runs ledger grows per run.
package importer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrImportFailed is returned when the artifact set as a whole cannot be
// imported (missing or unparsable tenant summary, store failure).
var ErrImportFailed = errors.New("import failed")

// Result holds the aggregate counts of one import run. Table, column,
// measure and relationship counts are read back from the store.
type Result struct {
	RunID           int64
	TenantID        string
	Workspaces      int
	Datasets        int
	Tables          int
	Columns         int
	Measures        int
	Relationships   int
	DataSources     int
	SkippedDetails  int // detail artifacts carrying an extraction error
	SkippedEntities int // records dropped because they could not be decoded or written
}

// Progress is reported after each workspace is written.
type Progress struct {
	WorkspacesDone  int
	WorkspacesTotal int
	DatasetsDone    int
}

// Importer writes artifacts into a catalog database opened by the caller.
type Importer struct {
	db *sql.DB

	// OnProgress, when set, is called after every workspace.
	OnProgress func(Progress)
}

// New returns an Importer over db. The schema must already be migrated.
func New(db *sql.DB) *Importer {
	return &Importer{db: db}
}

// Import reads the tenant summary and every matching detail artifact from
// dir. tenantID overrides the tenant id recorded in the summary when set.
func (im *Importer) Import(ctx context.Context, dir, tenantID string) (Result, error) {
	summaryPath := filepath.Join(dir, TenantSummaryFile)
	data, err := os.ReadFile(summaryPath)
	if err != nil {
		im.recordFailure(ctx, dir, tenantID)
		return Result{}, fmt.Errorf("%w: read tenant summary %q: %v", ErrImportFailed, summaryPath, err)
	}
	summary, err := parseTenantSummary(data)
	if err != nil {
		im.recordFailure(ctx, dir, tenantID)
		return Result{}, fmt.Errorf("%w: %s: %v", ErrImportFailed, summaryPath, err)
	}
	if tenantID == "" {
		tenantID = summary.TenantID
	}

	res := Result{TenantID: tenantID}
	if err := im.writeTenant(ctx, dir, summary, &res); err != nil {
		im.recordFailure(ctx, dir, tenantID)
		return res, fmt.Errorf("%w: %v", ErrImportFailed, err)
	}

	if err := im.countRows(ctx, &res); err != nil {
		im.recordFailure(ctx, dir, tenantID)
		return res, fmt.Errorf("%w: count rows: %v", ErrImportFailed, err)
	}
	runID, err := im.insertRun(ctx, dir, tenantID, res, true)
	if err != nil {
		im.recordFailure(ctx, dir, tenantID)
		return res, fmt.Errorf("%w: record analysis run: %v", ErrImportFailed, err)
	}
	res.RunID = runID

	slog.Info("import finished",
		"dir", dir,
		"run_id", runID,
		"workspaces", res.Workspaces,
		"datasets", res.Datasets,
		"tables", res.Tables,
		"columns", res.Columns,
		"measures", res.Measures,
		"relationships", res.Relationships,
		"skipped_details", res.SkippedDetails,
		"skipped_entities", res.SkippedEntities)
	return res, nil
}

// writeTenant upserts every workspace, dataset and detail entity within one
// transaction. Per-entity failures are logged and skipped.
func (im *Importer) writeTenant(ctx context.Context, dir string, summary tenantSummary, res *Result) error {
	tx, err := im.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	st, err := prepareStatements(ctx, tx)
	if err != nil {
		return err
	}
	defer st.close()

	w := &tenantWriter{ctx: ctx, st: st, dir: dir, res: res}

	prog := Progress{WorkspacesTotal: len(summary.Workspaces)}
	for i, raw := range summary.Workspaces {
		if err := ctx.Err(); err != nil {
			return err
		}
		done := w.workspace(raw, i)
		prog.WorkspacesDone++
		prog.DatasetsDone += done
		if im.OnProgress != nil {
			im.OnProgress(prog)
		}
	}

	return tx.Commit()
}

// tenantWriter carries the per-import state shared by the entity writers.
type tenantWriter struct {
	ctx   context.Context
	st    *statements
	dir   string
	res *Result
}

// skip logs a dropped entity and counts it.
func (w *tenantWriter) skip(kind, parent string, err error) {
	w.res.SkippedEntities++
	slog.Warn("import: skipping entity", "kind", kind, "parent", parent, "error", err)
}

// syntheticIDSpace namespaces the ids derived for entities that arrive
// without one.
var syntheticIDSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("pbicatalog:importer"))

// id returns the artifact id. Entities without one get a name-based UUID
// derived from their kind, parent, name and position, so re-importing the
// same artifacts yields the same ids.
func (w *tenantWriter) id(t text, kind, parent string, name text, ordinal int) string {
	if t != "" {
		return string(t)
	}
	key := strings.Join([]string{kind, parent, string(name), strconv.Itoa(ordinal)}, "\x1f")
	return uuid.NewSHA1(syntheticIDSpace, []byte(key)).String()
}

// workspace writes one workspace and its datasets, returning how many
// datasets were written.
func (w *tenantWriter) workspace(raw json.RawMessage, ordinal int) int {
	var ws workspaceArtifact
	if err := json.Unmarshal(raw, &ws); err != nil {
		w.skip("workspace", "", err)
		return 0
	}
	wsID := w.id(ws.ID, "workspace", "", ws.Name, ordinal)
	wsName := ws.Name.or(Unknown)

	if _, err := w.st.workspace.ExecContext(w.ctx,
		wsID, wsName, ws.Type.or(Unknown), boolInt(ws.dedicated()),
	); err != nil {
		w.skip("workspace", wsID, err)
		return 0
	}
	w.res.Workspaces++

	written := 0
	for i, rawDS := range ws.Datasets {
		var ds datasetArtifact
		if err := json.Unmarshal(rawDS, &ds); err != nil {
			w.skip("dataset", wsID, err)
			continue
		}
		dsID := w.id(ds.ID, "dataset", wsID, ds.Name, i)
		dsName := ds.Name.or(Unknown)
		if _, err := w.st.dataset.ExecContext(w.ctx,
			dsID, dsName, wsID,
			nullable(ds.CreatedDate.or(ds.CreatedDateAPI.String())),
			nullable(ds.ModifiedDate.or(ds.ModifiedDateAPI.String())),
		); err != nil {
			w.skip("dataset", dsID, err)
			continue
		}
		w.res.Datasets++
		written++

		w.detail(filepath.Join(w.dir, DetailFileName(wsName, dsName)), dsID)
	}
	return written
}

// detail writes the optional per-dataset artifact at path.
func (w *tenantWriter) detail(path, datasetID string) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		slog.Warn("import: unreadable detail artifact", "path", path, "error", err)
		return
	}

	var d detailArtifact
	if err := json.Unmarshal(data, &d); err != nil {
		slog.Error("import: unparsable detail artifact", "path", path, "error", err)
		return
	}
	if hasError(d.Error) {
		w.res.SkippedDetails++
		slog.Warn("import: skipping dataset with extraction error",
			"dataset_id", datasetID, "path", path, "error", string(d.Error))
		return
	}

	for i, raw := range d.Tables {
		w.table(raw, datasetID, i)
	}
	for i, raw := range d.Measures {
		w.measure(raw, datasetID, i)
	}
	for i, raw := range d.Relationships {
		w.relationship(raw, datasetID, i)
	}
	for i, raw := range d.DataSources {
		w.dataSource(raw, datasetID, i)
	}
}

func (w *tenantWriter) table(raw json.RawMessage, datasetID string, ordinal int) {
	var t tableArtifact
	if err := json.Unmarshal(raw, &t); err != nil {
		w.skip("table", datasetID, err)
		return
	}
	tableID := w.id(t.ID, "table", datasetID, t.Name, ordinal)
	if _, err := w.st.table.ExecContext(w.ctx,
		tableID, t.Name.or(Unknown), datasetID, int64(t.RowCount),
	); err != nil {
		w.skip("table", tableID, err)
		return
	}

	for i, rawCol := range t.Columns {
		var c columnArtifact
		if err := json.Unmarshal(rawCol, &c); err != nil {
			w.skip("column", tableID, err)
			continue
		}
		colID := w.id(c.ID, "column", tableID, c.Name, i)
		if _, err := w.st.column.ExecContext(w.ctx,
			colID, c.Name.or(Unknown), tableID,
			nullable(c.DataType.String()),
			nullable(c.Description.String()),
			boolInt(c.IsHidden.or(false)),
			nullable(c.DataCategory.String()),
			nullable(c.SortByColumnID.String()),
			boolInt(c.IsKey.or(false)),
		); err != nil {
			w.skip("column", colID, err)
		}
	}
}

func (w *tenantWriter) measure(raw json.RawMessage, datasetID string, ordinal int) {
	var m measureArtifact
	if err := json.Unmarshal(raw, &m); err != nil {
		w.skip("measure", datasetID, err)
		return
	}
	measureID := w.id(m.ID, "measure", datasetID, m.Name, ordinal)

	tableID := m.TableID.String()
	if tableID == "" && m.TableName != "" {
		err := w.st.tableByName.QueryRowContext(w.ctx, m.TableName.String(), datasetID).Scan(&tableID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			slog.Warn("import: resolve measure table", "measure_id", measureID, "table", m.TableName, "error", err)
		}
	}

	if _, err := w.st.measure.ExecContext(w.ctx,
		measureID, m.Name.or(Unknown), datasetID,
		nullable(tableID),
		nullable(m.Expression.String()),
		nullable(m.Description.String()),
		boolInt(m.IsHidden.or(false)),
	); err != nil {
		w.skip("measure", measureID, err)
	}
}

func (w *tenantWriter) relationship(raw json.RawMessage, datasetID string, ordinal int) {
	var r relationshipArtifact
	if err := json.Unmarshal(raw, &r); err != nil {
		w.skip("relationship", datasetID, err)
		return
	}
	relID := w.id(r.ID, "relationship", datasetID, r.FromTable+"."+r.FromColumn+">"+r.ToTable+"."+r.ToColumn, ordinal)
	ep := r.endpoints()
	if _, err := w.st.relationship.ExecContext(w.ctx,
		relID, datasetID,
		ep.FromTable, ep.FromColumn, ep.ToTable, ep.ToColumn,
		nullable(r.CrossFilteringBehavior.String()),
		boolInt(r.IsActive.or(true)),
	); err != nil {
		w.skip("relationship", relID, err)
	}
}

func (w *tenantWriter) dataSource(raw json.RawMessage, datasetID string, ordinal int) {
	var s dataSourceArtifact
	if err := json.Unmarshal(raw, &s); err != nil {
		w.skip("data_source", datasetID, err)
		return
	}
	if hasError(s.Error) {
		return
	}
	srcID := w.id(s.ID, "data_source", datasetID, s.Name, ordinal)
	if _, err := w.st.dataSource.ExecContext(w.ctx,
		srcID, datasetID, s.Name.or(Unknown),
		nullable(s.Type.String()),
		nullable(s.ConnectionString.String()),
		nullable(s.ImpersonationMode.String()),
	); err != nil {
		w.skip("data_source", srcID, err)
	}
}

// countRows reads the entity totals back from the store.
func (im *Importer) countRows(ctx context.Context, res *Result) error {
	targets := []struct {
		table string
		dst   *int
	}{
		{"tables", &res.Tables},
		{"columns", &res.Columns},
		{"measures", &res.Measures},
		{"relationships", &res.Relationships},
		{"data_sources", &res.DataSources},
	}
	for _, t := range targets {
		if err := im.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t.table).Scan(t.dst); err != nil {
			return fmt.Errorf("count %s: %w", t.table, err)
		}
	}
	return nil
}

func (im *Importer) insertRun(ctx context.Context, dir, tenantID string, res Result, success bool) (int64, error) {
	r, err := im.db.ExecContext(ctx, `
		INSERT INTO analysis_runs
			(source_directory, tenant_id,
			 workspaces_count, datasets_count, tables_count,
			 columns_count, measures_count, relationships_count, success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dir, nullable(tenantID),
		res.Workspaces, res.Datasets, res.Tables,
		res.Columns, res.Measures, res.Relationships, boolInt(success))
	if err != nil {
		return 0, err
	}
	return r.LastInsertId()
}

// recordFailure appends a success=0 ledger row; failures here are only logged.
func (im *Importer) recordFailure(ctx context.Context, dir, tenantID string) {
	if _, err := im.insertRun(context.WithoutCancel(ctx), dir, tenantID, Result{}, false); err != nil {
		slog.Error("import: record failed run", "dir", dir, "error", err)
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
