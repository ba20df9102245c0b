package importer

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	internaldb "github.com/eargollo/pbicatalog/internal/db"
)

// mustOpenDB opens a temp file catalog database with the full schema applied.
func mustOpenDB(tb testing.TB) *sql.DB {
	tb.Helper()
	db, err := internaldb.OpenCatalog(context.Background(), filepath.Join(tb.TempDir(), "catalog.db"))
	if err != nil {
		tb.Fatalf("open test DB: %v", err)
	}
	tb.Cleanup(func() { db.Close() })
	return db
}

func writeArtifact(tb testing.TB, dir, name, body string) {
	tb.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		tb.Fatalf("write %s: %v", name, err)
	}
}

func countRows(tb testing.TB, db *sql.DB, table string) int {
	tb.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
		tb.Fatalf("count %s: %v", table, err)
	}
	return n
}

const tenantSummaryJSON = `{
  "tenant_id": "tenant-1",
  "workspaces": [
    {"id": "ws-1", "name": "Sales Team", "type": "Workspace", "is_on_dedicated_capacity": true,
     "datasets": [
       {"id": "ds-1", "name": "Revenue Model"},
       {"id": "ds-2", "name": "Pipeline"}
     ]},
    {"id": "ws-2", "name": "Empty", "type": "Workspace", "datasets": []}
  ]
}`

// revenueDetailJSON has 3 tables, 5 columns, 2 measures and 1 relationship.
const revenueDetailJSON = `{
  "dataset_name": "Revenue Model",
  "tables": [
    {"id": 10, "name": "Sales", "row_count": 1200, "columns": [
      {"id": 100, "name": "Amount", "data_type": 8, "is_hidden": false},
      {"id": 101, "name": "CustomerKey", "data_type": 6, "is_key": true}
    ]},
    {"id": 11, "name": "Customer", "columns": [
      {"id": 110, "name": "CustomerKey"},
      {"id": 111, "name": null}
    ]},
    {"id": 12, "name": "Date", "columns": [
      {"id": 120, "name": "Date", "sort_by_column_id": 121}
    ]}
  ],
  "measures": [
    {"id": 200, "name": "Total Sales", "expression": "SUM(Sales[Amount])", "table_id": 10},
    {"id": 201, "name": "Customers", "expression": "COUNTROWS(Customer)", "table_name": "Customer"}
  ],
  "relationships": [
    {"id": 300, "from_table_id": 10, "from_column_id": 101, "to_table_id": 11, "to_column_id": 110,
     "is_active": true, "cross_filtering_behavior": 1}
  ],
  "data_sources": [
    {"id": 400, "name": "SQL", "type": 1, "connection_string": "Server=db"},
    {"error": "Could not retrieve data sources"}
  ]
}`

func seedTenant(tb testing.TB) string {
	tb.Helper()
	dir := tb.TempDir()
	writeArtifact(tb, dir, TenantSummaryFile, tenantSummaryJSON)
	writeArtifact(tb, dir, "Sales_Team_Revenue_Model_metadata.json", revenueDetailJSON)
	return dir
}

func TestDetailFileName(t *testing.T) {
	cases := []struct{ ws, ds, want string }{
		{"Sales Team", "Revenue Model", "Sales_Team_Revenue_Model_metadata.json"},
		{"Finance/EU", "P&L", "Finance_EU_P&L_metadata.json"},
	}
	for _, c := range cases {
		if got := DetailFileName(c.ws, c.ds); got != c.want {
			t.Errorf("DetailFileName(%q, %q): got %q, want %q", c.ws, c.ds, got, c.want)
		}
	}
}

func TestImportCounts(t *testing.T) {
	db := mustOpenDB(t)
	dir := seedTenant(t)

	res, err := New(db).Import(context.Background(), dir, "")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	want := map[string]int{
		"workspaces":    2,
		"datasets":      2,
		"tables":        3,
		"columns":       5,
		"measures":      2,
		"relationships": 1,
		"data_sources":  1,
		"analysis_runs": 1,
	}
	for table, n := range want {
		if got := countRows(t, db, table); got != n {
			t.Errorf("%s rows: got %d, want %d", table, got, n)
		}
	}

	if res.Workspaces != 2 || res.Datasets != 2 || res.Tables != 3 ||
		res.Columns != 5 || res.Measures != 2 || res.Relationships != 1 {
		t.Errorf("Result: got %+v", res)
	}
	if res.TenantID != "tenant-1" {
		t.Errorf("TenantID: got %q, want tenant-1", res.TenantID)
	}

	var ws, ds, tables, cols, measures, rels, success int
	var tenant string
	if err := db.QueryRow(`
		SELECT workspaces_count, datasets_count, tables_count, columns_count,
		       measures_count, relationships_count, success, tenant_id
		FROM analysis_runs WHERE id = ?`, res.RunID,
	).Scan(&ws, &ds, &tables, &cols, &measures, &rels, &success, &tenant); err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if ws != 2 || ds != 2 || tables != 3 || cols != 5 || measures != 2 || rels != 1 || success != 1 {
		t.Errorf("ledger row: got ws=%d ds=%d t=%d c=%d m=%d r=%d ok=%d",
			ws, ds, tables, cols, measures, rels, success)
	}
	if tenant != "tenant-1" {
		t.Errorf("ledger tenant: got %q", tenant)
	}
}

func TestImportNormalizesFields(t *testing.T) {
	db := mustOpenDB(t)
	if _, err := New(db).Import(context.Background(), seedTenant(t), "override"); err != nil {
		t.Fatalf("Import: %v", err)
	}

	var name string
	if err := db.QueryRow(`SELECT name FROM columns WHERE id = '111'`).Scan(&name); err != nil {
		t.Fatalf("query column: %v", err)
	}
	if name != Unknown {
		t.Errorf("null column name: got %q, want %q", name, Unknown)
	}

	var fromTable, fromCol, toTable, toCol, cfb string
	var active int
	if err := db.QueryRow(`
		SELECT from_table, from_column, to_table, to_column, cross_filtering_behavior, is_active
		FROM relationships WHERE id = '300'`,
	).Scan(&fromTable, &fromCol, &toTable, &toCol, &cfb, &active); err != nil {
		t.Fatalf("query relationship: %v", err)
	}
	if fromTable != "10" || fromCol != "101" || toTable != "11" || toCol != "110" {
		t.Errorf("relationship endpoints: got %s.%s -> %s.%s", fromTable, fromCol, toTable, toCol)
	}
	if cfb != "1" || active != 1 {
		t.Errorf("relationship attrs: got cfb=%q active=%d", cfb, active)
	}

	var tableID sql.NullString
	if err := db.QueryRow(`SELECT table_id FROM measures WHERE id = '201'`).Scan(&tableID); err != nil {
		t.Fatalf("query measure: %v", err)
	}
	if tableID.String != "11" {
		t.Errorf("measure table resolved by name: got %q, want 11", tableID.String)
	}

	var tenant string
	if err := db.QueryRow(`SELECT tenant_id FROM analysis_runs`).Scan(&tenant); err != nil {
		t.Fatalf("query ledger: %v", err)
	}
	if tenant != "override" {
		t.Errorf("tenant override: got %q", tenant)
	}
}

func TestImportIsIdempotent(t *testing.T) {
	db := mustOpenDB(t)
	dir := seedTenant(t)
	im := New(db)

	first, err := im.Import(context.Background(), dir, "")
	if err != nil {
		t.Fatalf("first Import: %v", err)
	}
	second, err := im.Import(context.Background(), dir, "")
	if err != nil {
		t.Fatalf("second Import: %v", err)
	}

	if first.Tables != second.Tables || first.Columns != second.Columns ||
		first.Measures != second.Measures || first.Relationships != second.Relationships {
		t.Errorf("counts differ: first=%+v second=%+v", first, second)
	}
	for table, n := range map[string]int{"workspaces": 2, "datasets": 2, "tables": 3, "columns": 5} {
		if got := countRows(t, db, table); got != n {
			t.Errorf("%s rows after reimport: got %d, want %d", table, got, n)
		}
	}
	if got := countRows(t, db, "analysis_runs"); got != 2 {
		t.Errorf("analysis_runs rows: got %d, want 2", got)
	}
}

func TestImportSkipsDetailWithError(t *testing.T) {
	db := mustOpenDB(t)
	dir := t.TempDir()
	writeArtifact(t, dir, TenantSummaryFile, tenantSummaryJSON)
	writeArtifact(t, dir, "Sales_Team_Revenue_Model_metadata.json",
		`{"dataset_name": "Revenue Model", "error": "XMLA endpoint disabled", "tables": [{"id": 1, "name": "T"}]}`)

	res, err := New(db).Import(context.Background(), dir, "")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.SkippedDetails != 1 {
		t.Errorf("SkippedDetails: got %d, want 1", res.SkippedDetails)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM datasets WHERE id = 'ds-1'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("dataset row from summary: got %d, want 1", n)
	}
	if got := countRows(t, db, "tables"); got != 0 {
		t.Errorf("tables: got %d, want 0", got)
	}
	if got := countRows(t, db, "measures"); got != 0 {
		t.Errorf("measures: got %d, want 0", got)
	}
}

func TestImportAcceptsBareWorkspaceList(t *testing.T) {
	db := mustOpenDB(t)
	dir := t.TempDir()
	writeArtifact(t, dir, TenantSummaryFile,
		`[{"id": "ws-9", "name": "Legacy", "datasets": [{"id": "ds-9", "name": "Old"}]}]`)

	res, err := New(db).Import(context.Background(), dir, "")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Workspaces != 1 || res.Datasets != 1 {
		t.Errorf("Result: got %+v, want 1 workspace / 1 dataset", res)
	}
}

func TestImportToleratesMalformedEntities(t *testing.T) {
	db := mustOpenDB(t)
	dir := t.TempDir()
	writeArtifact(t, dir, TenantSummaryFile, `{"workspaces": [
		"not an object",
		{"name": "No Id", "datasets": [{"name": "Anon"}, 42]}
	]}`)
	writeArtifact(t, dir, "No_Id_Anon_metadata.json", `{
		"tables": [{"name": "T", "columns": [{"name": "c1"}, {"name": {"nested": true}}]}],
		"measures": [{"expression": "1"}],
		"relationships": [{"from_table": "T", "from_column": "c1"}]
	}`)

	res, err := New(db).Import(context.Background(), dir, "")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Workspaces != 1 || res.Datasets != 1 {
		t.Errorf("Result: got %+v, want 1 workspace / 1 dataset", res)
	}
	if res.SkippedEntities != 3 {
		t.Errorf("SkippedEntities: got %d, want 3", res.SkippedEntities)
	}
	if res.Tables != 1 || res.Columns != 1 || res.Measures != 1 || res.Relationships != 1 {
		t.Errorf("detail counts: got %+v", res)
	}

	var name string
	if err := db.QueryRow(`SELECT name FROM measures`).Scan(&name); err != nil {
		t.Fatal(err)
	}
	if name != Unknown {
		t.Errorf("measure name: got %q, want %q", name, Unknown)
	}
	var toTable string
	if err := db.QueryRow(`SELECT to_table FROM relationships`).Scan(&toTable); err != nil {
		t.Fatal(err)
	}
	if toTable != Unknown {
		t.Errorf("missing endpoint: got %q, want %q", toTable, Unknown)
	}
}

func TestImportMissingSummary(t *testing.T) {
	db := mustOpenDB(t)
	dir := t.TempDir()

	_, err := New(db).Import(context.Background(), dir, "t")
	if !errors.Is(err, ErrImportFailed) {
		t.Fatalf("Import: got %v, want ErrImportFailed", err)
	}

	var success int
	if err := db.QueryRow(`SELECT success FROM analysis_runs`).Scan(&success); err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if success != 0 {
		t.Errorf("failed run success flag: got %d, want 0", success)
	}
}

func TestImportUnparsableSummary(t *testing.T) {
	db := mustOpenDB(t)
	dir := t.TempDir()
	writeArtifact(t, dir, TenantSummaryFile, `{"workspaces": [`)

	if _, err := New(db).Import(context.Background(), dir, ""); !errors.Is(err, ErrImportFailed) {
		t.Fatalf("Import: got %v, want ErrImportFailed", err)
	}
}

func TestImportReportsProgress(t *testing.T) {
	db := mustOpenDB(t)
	im := New(db)
	var last Progress
	calls := 0
	im.OnProgress = func(p Progress) {
		calls++
		last = p
	}
	if _, err := im.Import(context.Background(), seedTenant(t), ""); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if calls != 2 {
		t.Errorf("OnProgress calls: got %d, want 2", calls)
	}
	if last.WorkspacesDone != 2 || last.WorkspacesTotal != 2 || last.DatasetsDone != 2 {
		t.Errorf("final progress: got %+v", last)
	}
}

func TestReimportWithoutIDsConverges(t *testing.T) {
	db := mustOpenDB(t)
	dir := t.TempDir()
	writeArtifact(t, dir, TenantSummaryFile, `[{"name": "Ops", "datasets": [{"name": "Tickets"}]}]`)
	writeArtifact(t, dir, "Ops_Tickets_metadata.json", `{
		"tables": [{"name": "Tickets", "columns": [{"name": "Priority"}]}],
		"measures": [{"name": "Open", "table_name": "Tickets", "expression": "COUNTROWS(Tickets)"}],
		"relationships": [{"from_table": "Tickets", "from_column": "Owner", "to_table": "People", "to_column": "Id"}],
		"data_sources": [{"name": "SQL", "type": "Sql"}]
	}`)

	for i := 0; i < 2; i++ {
		if _, err := New(db).Import(context.Background(), dir, ""); err != nil {
			t.Fatalf("Import %d: %v", i+1, err)
		}
	}

	for _, table := range []string{
		"workspaces", "datasets", "tables", "columns", "measures", "relationships", "data_sources",
	} {
		if got := countRows(t, db, table); got != 1 {
			t.Errorf("%s rows after 2 imports: got %d, want 1", table, got)
		}
	}
	if got := countRows(t, db, "analysis_runs"); got != 2 {
		t.Errorf("analysis_runs rows: got %d, want 2", got)
	}

	var tableID, measureTable string
	if err := db.QueryRow(`SELECT id FROM tables`).Scan(&tableID); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow(`SELECT table_id FROM measures`).Scan(&measureTable); err != nil {
		t.Fatal(err)
	}
	if measureTable != tableID {
		t.Errorf("measure table_id: got %q, want derived table id %q", measureTable, tableID)
	}
}

func TestImportSiblingsWithoutIDsStayDistinct(t *testing.T) {
	db := mustOpenDB(t)
	dir := t.TempDir()
	writeArtifact(t, dir, TenantSummaryFile, `[{"name": "Ops", "datasets": [{"name": "Tickets"}]}]`)
	writeArtifact(t, dir, "Ops_Tickets_metadata.json", `{
		"tables": [{"name": "Dup"}, {"name": "Dup"}]
	}`)

	if _, err := New(db).Import(context.Background(), dir, ""); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if got := countRows(t, db, "tables"); got != 2 {
		t.Errorf("tables rows: got %d, want 2", got)
	}
}

func TestImportLedgerFailureRecordsFailedRun(t *testing.T) {
	db := mustOpenDB(t)
	dir := seedTenant(t)
	if _, err := db.Exec(`
		CREATE TRIGGER reject_successful_run BEFORE INSERT ON analysis_runs
		WHEN NEW.success = 1
		BEGIN SELECT RAISE(ABORT, 'ledger rejected'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	_, err := New(db).Import(context.Background(), dir, "")
	if !errors.Is(err, ErrImportFailed) {
		t.Fatalf("Import: got %v, want ErrImportFailed", err)
	}

	var rows, success int
	if err := db.QueryRow(`SELECT COUNT(*), COALESCE(MAX(success), -1) FROM analysis_runs`).Scan(&rows, &success); err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if rows != 1 || success != 0 {
		t.Errorf("ledger: got %d rows with max success %d, want 1 failed row", rows, success)
	}
}
